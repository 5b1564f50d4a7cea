package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/kalambet/leadscout/internal/storage"
)

func TestWorkerRunOnceIdle(t *testing.T) {
	store := openTestStore(t)
	o := newTestOrchestrator(t, store, &fakeFinder{}, &fakeEngine{})
	w := NewWorker(o, store, 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if didWork {
		t.Error("RunOnce reported work on an empty queue")
	}
}

func TestWorkerProcessesPendingJob(t *testing.T) {
	store := openTestStore(t)
	finder := &fakeFinder{orgsFn: twoOrgs}
	o := newTestOrchestrator(t, store, finder, &fakeEngine{})
	w := NewWorker(o, store, 0)

	id := createJob(t, o, "organization", "agencies", nil)
	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false with a pending job queued")
	}

	job, err := store.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != storage.StatusCompleted {
		t.Errorf("status = %s, want completed (error: %s)", job.Status, job.LastError)
	}
}

func TestWorkerHonorsPriorityOrder(t *testing.T) {
	store := openTestStore(t)
	var executed []string
	finder := &fakeFinder{orgsFn: twoOrgs}
	o := newTestOrchestrator(t, store, finder, &fakeEngine{})

	low, err := o.CreateJob(CreateJobParams{UserID: testUser, SearchType: "organization", Query: "low"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	high, err := o.CreateJob(CreateJobParams{UserID: testUser, SearchType: "organization", Query: "high", Priority: 10})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	w := NewWorker(o, store, 0)
	for i := 0; i < 2; i++ {
		jobs, err := store.GetPendingJobs(1)
		if err != nil || len(jobs) != 1 {
			t.Fatalf("GetPendingJobs: %v (%d jobs)", err, len(jobs))
		}
		executed = append(executed, jobs[0].PublicID)
		if _, err := w.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce %d: %v", i, err)
		}
	}

	if executed[0] != high || executed[1] != low {
		t.Errorf("execution order = %v, want high-priority job first", executed)
	}
}

func TestWorkerRecoversFromPanic(t *testing.T) {
	store := openTestStore(t)
	finder := &fakeFinder{orgsFn: func(string) ([]storage.Organization, error) {
		panic("discovery blew up")
	}}
	o := newTestOrchestrator(t, store, finder, &fakeEngine{})
	w := NewWorker(o, store, 0)

	id := createJob(t, o, "organization", "agencies", nil)
	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce after panic: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false")
	}

	job, err := store.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != storage.StatusPending {
		t.Errorf("status = %s, want pending (panic goes through the retry path)", job.Status)
	}
	if job.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", job.RetryCount)
	}
	if job.LastError == "" {
		t.Error("last_error is empty, want the panic message persisted")
	}
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	store := openTestStore(t)
	o := newTestOrchestrator(t, store, &fakeFinder{}, &fakeEngine{})
	w := NewWorker(o, store, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

func TestCleanupOldJobsRemovesOnlyTerminal(t *testing.T) {
	store := openTestStore(t)
	finder := &fakeFinder{orgsFn: twoOrgs}
	o := newTestOrchestrator(t, store, finder, &fakeEngine{})

	oldDone := createJob(t, o, "organization", "agencies", nil)
	if err := o.ExecuteJob(context.Background(), oldDone); err != nil {
		t.Fatalf("ExecuteJob: %v", err)
	}
	pending := createJob(t, o, "organization", "agencies", nil)

	past := time.Now().UTC().Add(-90 * 24 * time.Hour).Format(time.RFC3339)
	if _, err := store.DB().Exec(`UPDATE jobs SET completed_at = ? WHERE public_id = ?`, past, oldDone); err != nil {
		t.Fatalf("backdating: %v", err)
	}

	n, err := o.CleanupOldJobs(30 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("CleanupOldJobs: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d jobs, want 1", n)
	}
	if _, err := store.GetJob(pending); err != nil {
		t.Errorf("pending job deleted by cleanup: %v", err)
	}
}
