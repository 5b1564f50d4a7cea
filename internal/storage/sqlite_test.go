package storage

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestJob(t *testing.T, s *Store, publicID string, searchType SearchType) {
	t.Helper()
	job := Job{
		PublicID:   publicID,
		UserID:     1,
		SearchType: searchType,
		Query:      "marketing agencies in Austin",
		Source:     "test",
		Progress:   Progress{Phase: "queued", Total: 4},
	}
	if err := s.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
}

func createTestContact(t *testing.T, s *Store, id, orgID, email string, probability int) {
	t.Helper()
	c := Contact{
		ID:             id,
		OrganizationID: orgID,
		FullName:       "Jordan Smith",
		Title:          "Head of Marketing",
		Email:          email,
		Probability:    probability,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.SaveContact(c); err != nil {
		t.Fatalf("SaveContact: %v", err)
	}
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestIndexesExist verifies the migration creates the expected indexes.
func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_jobs_status_priority", "idx_jobs_user_created", "idx_organizations_job", "idx_contacts_organization"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestCreateAndGetJob(t *testing.T) {
	s := openTestStore(t)
	createTestJob(t, s, "job-1", SearchOrganizationPeople)

	j, err := s.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != StatusPending {
		t.Errorf("Status = %q, want pending", j.Status)
	}
	if j.SearchType != SearchOrganizationPeople {
		t.Errorf("SearchType = %q, want organization_people", j.SearchType)
	}
	if j.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want default 3", j.MaxRetries)
	}
	if j.ResultsJSON != "{}" {
		t.Errorf("ResultsJSON = %q, want empty object", j.ResultsJSON)
	}
	if !j.StartedAt.IsZero() {
		t.Errorf("StartedAt = %v, want zero before claim", j.StartedAt)
	}

	if _, err := s.GetJob("missing"); err != ErrNotFound {
		t.Errorf("GetJob(missing) error = %v, want ErrNotFound", err)
	}
}

func TestClaimJobIdempotent(t *testing.T) {
	s := openTestStore(t)
	createTestJob(t, s, "job-c", SearchOrganization)

	claimed, err := s.ClaimJob("job-c")
	if err != nil {
		t.Fatalf("first ClaimJob: %v", err)
	}
	if !claimed {
		t.Fatal("first claim returned false, want true")
	}

	claimed, err = s.ClaimJob("job-c")
	if err != nil {
		t.Fatalf("second ClaimJob: %v", err)
	}
	if claimed {
		t.Error("second claim returned true, want false (already processing)")
	}

	j, err := s.GetJob("job-c")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != StatusProcessing {
		t.Errorf("Status = %q, want processing", j.Status)
	}
	if j.StartedAt.IsZero() {
		t.Error("StartedAt not set by claim")
	}
}

// TestClaimJobConcurrent drives many goroutines at one pending job and
// verifies exactly one claim succeeds.
func TestClaimJobConcurrent(t *testing.T) {
	s := openTestStore(t)
	createTestJob(t, s, "job-race", SearchOrganization)

	const goroutines = 10
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := s.ClaimJob("job-race")
			if err != nil {
				t.Errorf("ClaimJob: %v", err)
				return
			}
			if claimed {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("claim wins = %d, want exactly 1", wins.Load())
	}
}

func TestProgressAndMessageUpdates(t *testing.T) {
	s := openTestStore(t)
	createTestJob(t, s, "job-p", SearchOrganizationPeople)

	if err := s.UpdateJobProgress("job-p", Progress{Phase: "finding_people", Completed: 2, Total: 4, Message: "Finding people"}); err != nil {
		t.Fatalf("UpdateJobProgress: %v", err)
	}

	// A decorative message must not perturb the counters.
	if err := s.UpdateJobMessage("job-p", "Polishing the crystal ball..."); err != nil {
		t.Fatalf("UpdateJobMessage: %v", err)
	}

	j, err := s.GetJob("job-p")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Progress.Completed != 2 || j.Progress.Total != 4 {
		t.Errorf("counters = %d/%d, want 2/4", j.Progress.Completed, j.Progress.Total)
	}
	if j.Progress.Phase != "finding_people" {
		t.Errorf("phase = %q, want finding_people", j.Progress.Phase)
	}
	if j.Progress.Message != "Polishing the crystal ball..." {
		t.Errorf("message = %q, want interstitial text", j.Progress.Message)
	}
}

func TestTerminateJob(t *testing.T) {
	s := openTestStore(t)

	createTestJob(t, s, "job-t1", SearchOrganization)
	ok, err := s.TerminateJob("job-t1", "terminated by user")
	if err != nil {
		t.Fatalf("TerminateJob pending: %v", err)
	}
	if !ok {
		t.Error("terminating a pending job returned false")
	}

	createTestJob(t, s, "job-t2", SearchOrganization)
	if _, err := s.ClaimJob("job-t2"); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if err := s.CompleteJob("job-t2"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	ok, err = s.TerminateJob("job-t2", "too late")
	if err != nil {
		t.Fatalf("TerminateJob completed: %v", err)
	}
	if ok {
		t.Error("terminating a completed job returned true, want false")
	}
}

func TestRequeueAndResetJob(t *testing.T) {
	s := openTestStore(t)
	createTestJob(t, s, "job-r", SearchOrganization)
	if _, err := s.ClaimJob("job-r"); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}

	if err := s.RequeueJob("job-r", "provider timeout"); err != nil {
		t.Fatalf("RequeueJob: %v", err)
	}
	j, _ := s.GetJob("job-r")
	if j.Status != StatusPending || j.RetryCount != 1 || j.LastError != "provider timeout" {
		t.Errorf("after requeue: status=%q retry=%d err=%q", j.Status, j.RetryCount, j.LastError)
	}

	if err := s.FailJob("job-r", "boom"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	if err := s.ResetJobToPending("job-r"); err != nil {
		t.Fatalf("ResetJobToPending: %v", err)
	}
	j, _ = s.GetJob("job-r")
	if j.Status != StatusPending || j.RetryCount != 2 || j.LastError != "" {
		t.Errorf("after reset: status=%q retry=%d err=%q", j.Status, j.RetryCount, j.LastError)
	}
	if !j.CompletedAt.IsZero() {
		t.Errorf("CompletedAt = %v, want cleared after reset", j.CompletedAt)
	}
}

func TestGetStuckProcessingJobs(t *testing.T) {
	s := openTestStore(t)
	createTestJob(t, s, "job-s", SearchOrganization)
	if _, err := s.ClaimJob("job-s"); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}

	// Backdate updated_at so the job looks abandoned.
	old := time.Now().Add(-20 * time.Minute).UTC().Format(time.RFC3339)
	if _, err := s.db.Exec(`UPDATE jobs SET updated_at = ? WHERE public_id = 'job-s'`, old); err != nil {
		t.Fatalf("backdating: %v", err)
	}

	stuck, err := s.GetStuckProcessingJobs(10 * time.Minute)
	if err != nil {
		t.Fatalf("GetStuckProcessingJobs: %v", err)
	}
	if len(stuck) != 1 || stuck[0].PublicID != "job-s" {
		t.Fatalf("stuck = %v, want [job-s]", stuck)
	}

	// A recent progress write means the job is legitimately still working.
	if err := s.UpdateJobProgress("job-s", Progress{Phase: "finding_emails", Completed: 3, Total: 5}); err != nil {
		t.Fatalf("UpdateJobProgress: %v", err)
	}
	stuck, err = s.GetStuckProcessingJobs(10 * time.Minute)
	if err != nil {
		t.Fatalf("GetStuckProcessingJobs: %v", err)
	}
	if len(stuck) != 0 {
		t.Errorf("stuck after progress = %d jobs, want 0", len(stuck))
	}
}

func TestDeleteOldJobs(t *testing.T) {
	s := openTestStore(t)

	createTestJob(t, s, "job-old", SearchOrganization)
	if _, err := s.ClaimJob("job-old"); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if err := s.CompleteJob("job-old"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	old := time.Now().Add(-72 * time.Hour).UTC().Format(time.RFC3339)
	if _, err := s.db.Exec(`UPDATE jobs SET completed_at = ? WHERE public_id = 'job-old'`, old); err != nil {
		t.Fatalf("backdating: %v", err)
	}

	createTestJob(t, s, "job-new", SearchOrganization)

	n, err := s.DeleteOldJobs(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("DeleteOldJobs: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d jobs, want 1", n)
	}
	if _, err := s.GetJob("job-old"); err != ErrNotFound {
		t.Errorf("GetJob(job-old) error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetJob("job-new"); err != nil {
		t.Errorf("GetJob(job-new): %v, pending job must survive cleanup", err)
	}
}

func TestFillContactEmailNeverOverwrites(t *testing.T) {
	s := openTestStore(t)
	createTestContact(t, s, "c-1", "org-1", "", 3)

	applied, err := s.FillContactEmail("c-1", "jordan@acme.example", "https://linkedin.example/in/jordan")
	if err != nil {
		t.Fatalf("FillContactEmail: %v", err)
	}
	if !applied {
		t.Fatal("first fill returned false, want true")
	}

	applied, err = s.FillContactEmail("c-1", "worse@lowconf.example", "")
	if err != nil {
		t.Fatalf("second FillContactEmail: %v", err)
	}
	if applied {
		t.Error("second fill returned true, existing email must not be overwritten")
	}

	c, err := s.GetContact("c-1")
	if err != nil {
		t.Fatalf("GetContact: %v", err)
	}
	if c.Email != "jordan@acme.example" {
		t.Errorf("Email = %q, want first-filled address", c.Email)
	}
	if c.LinkedInURL != "https://linkedin.example/in/jordan" {
		t.Errorf("LinkedInURL = %q, want filled alongside email", c.LinkedInURL)
	}
	if c.LastValidated.IsZero() {
		t.Error("LastValidated not set by fill")
	}
}

func TestApplySearchPenaltyAtMostOnce(t *testing.T) {
	s := openTestStore(t)
	createTestContact(t, s, "c-p", "org-1", "", 2)

	applied, err := s.ApplySearchPenalty("c-p", "exhaustive_search")
	if err != nil {
		t.Fatalf("ApplySearchPenalty: %v", err)
	}
	if !applied {
		t.Fatal("first penalty returned false, want true")
	}

	for i := 0; i < 3; i++ {
		applied, err = s.ApplySearchPenalty("c-p", "exhaustive_search")
		if err != nil {
			t.Fatalf("repeat ApplySearchPenalty: %v", err)
		}
		if applied {
			t.Fatal("penalty applied twice, marker guard failed")
		}
	}

	c, _ := s.GetContact("c-p")
	if c.Probability != 1 {
		t.Errorf("Probability = %d, want 1 after single penalty", c.Probability)
	}
	if c.CompletedSearches != `["exhaustive_search"]` {
		t.Errorf("CompletedSearches = %q, want single marker", c.CompletedSearches)
	}
}

func TestApplySearchPenaltyFloorsAtZero(t *testing.T) {
	s := openTestStore(t)
	createTestContact(t, s, "c-z", "org-1", "", 0)

	if _, err := s.ApplySearchPenalty("c-z", "exhaustive_search"); err != nil {
		t.Fatalf("ApplySearchPenalty: %v", err)
	}
	c, _ := s.GetContact("c-z")
	if c.Probability != 0 {
		t.Errorf("Probability = %d, want floor of 0", c.Probability)
	}
}

func TestContactsRankedByProbability(t *testing.T) {
	s := openTestStore(t)
	createTestContact(t, s, "c-lo", "org-r", "", 1)
	createTestContact(t, s, "c-hi", "org-r", "", 5)
	createTestContact(t, s, "c-mid", "org-r", "", 3)

	contacts, err := s.GetContactsByOrganization("org-r")
	if err != nil {
		t.Fatalf("GetContactsByOrganization: %v", err)
	}
	got := make([]string, len(contacts))
	for i, c := range contacts {
		got[i] = c.ID
	}
	want := []string{"c-hi", "c-mid", "c-lo"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ranking order = %v, want %v", got, want)
		}
	}
}

func TestCredits(t *testing.T) {
	s := openTestStore(t)

	cb, err := s.GetCredits(7)
	if err != nil {
		t.Fatalf("GetCredits: %v", err)
	}
	if cb.Balance != 0 {
		t.Errorf("fresh balance = %d, want 0", cb.Balance)
	}

	if err := s.AddCredits(7, 25); err != nil {
		t.Fatalf("AddCredits: %v", err)
	}
	if err := s.DeductCredits(7, 10); err != nil {
		t.Fatalf("DeductCredits: %v", err)
	}

	cb, _ = s.GetCredits(7)
	if cb.Balance != 15 || cb.TotalUsed != 10 {
		t.Errorf("balance=%d used=%d, want 15/10", cb.Balance, cb.TotalUsed)
	}

	if err := s.DeductCredits(7, 100); err == nil {
		t.Error("overdraft deduction succeeded, want error")
	}
	cb, _ = s.GetCredits(7)
	if cb.Balance != 15 {
		t.Errorf("balance changed by failed deduction: %d", cb.Balance)
	}
}

func TestOrganizationRoundTrip(t *testing.T) {
	s := openTestStore(t)

	org := Organization{
		ID:          uuid.New().String(),
		JobPublicID: "job-o",
		UserID:      1,
		Name:        "Acme Marketing",
		Domain:      "acme.example",
		Industry:    "marketing",
		Location:    "Austin, TX",
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.SaveOrganization(org); err != nil {
		t.Fatalf("SaveOrganization: %v", err)
	}

	orgs, err := s.GetOrganizationsByJob("job-o")
	if err != nil {
		t.Fatalf("GetOrganizationsByJob: %v", err)
	}
	if len(orgs) != 1 {
		t.Fatalf("got %d organizations, want 1", len(orgs))
	}
	if orgs[0].Name != "Acme Marketing" || orgs[0].Domain != "acme.example" {
		t.Errorf("round-trip mismatch: %+v", orgs[0])
	}
}

func TestFailJobRefusesSettledJob(t *testing.T) {
	s := openTestStore(t)
	createTestJob(t, s, "job-settled", SearchOrganization)
	if _, err := s.ClaimJob("job-settled"); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if err := s.CompleteJob("job-settled"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	// A late writer (reaper, worker) must lose against the settled row.
	if err := s.FailJob("job-settled", "too late"); err != ErrNotFound {
		t.Errorf("FailJob on completed job = %v, want ErrNotFound", err)
	}
	j, _ := s.GetJob("job-settled")
	if j.Status != StatusCompleted {
		t.Errorf("status = %q, want completed to survive the late failure", j.Status)
	}
	if j.LastError != "" {
		t.Errorf("last_error = %q, want untouched", j.LastError)
	}
}

func TestResetJobRequiresEligibleStatus(t *testing.T) {
	s := openTestStore(t)

	createTestJob(t, s, "job-done", SearchOrganization)
	if _, err := s.ClaimJob("job-done"); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if err := s.CompleteJob("job-done"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	if err := s.ResetJobToPending("job-done"); err != ErrNotFound {
		t.Errorf("ResetJobToPending on completed job = %v, want ErrNotFound", err)
	}

	createTestJob(t, s, "job-gone", SearchOrganization)
	if _, err := s.TerminateJob("job-gone", "stopped"); err != nil {
		t.Fatalf("TerminateJob: %v", err)
	}
	if err := s.RequeueJob("job-gone", "late retry"); err != ErrNotFound {
		t.Errorf("RequeueJob on terminated job = %v, want ErrNotFound", err)
	}
	j, _ := s.GetJob("job-gone")
	if j.Status != StatusTerminated {
		t.Errorf("status = %q, want terminated to stick", j.Status)
	}
}

func TestTransitionSources(t *testing.T) {
	tests := []struct {
		target JobStatus
		want   []JobStatus
	}{
		{StatusFailed, []JobStatus{StatusPending, StatusProcessing}},
		{StatusPending, []JobStatus{StatusProcessing, StatusFailed}},
		{StatusCompleted, []JobStatus{StatusProcessing}},
	}
	for _, tc := range tests {
		got := TransitionSources(tc.target)
		if len(got) != len(tc.want) {
			t.Errorf("TransitionSources(%s) = %v, want %v", tc.target, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("TransitionSources(%s) = %v, want %v", tc.target, got, tc.want)
				break
			}
		}
	}

	if got := TerminalStatuses(); len(got) != 3 {
		t.Errorf("TerminalStatuses() = %v, want completed/failed/terminated", got)
	}
}
