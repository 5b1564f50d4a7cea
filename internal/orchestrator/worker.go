package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/leadscout/internal/storage"
)

const defaultPollInterval = 2 * time.Second

// Worker polls the store for pending jobs and executes them one at a time.
// Run several workers for parallelism — the atomic claim keeps them from
// stepping on each other.
type Worker struct {
	orch     *Orchestrator
	store    *storage.Store
	interval time.Duration
	logger   *slog.Logger
}

// NewWorker creates a polling worker. A non-positive interval selects the
// default.
func NewWorker(orch *Orchestrator, store *storage.Store, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Worker{orch: orch, store: store, interval: interval, logger: slog.Default()}
}

// Run polls until ctx is cancelled. After an idle poll it sleeps for the
// configured interval; after productive work it polls again immediately.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "poll_interval", w.interval)
	for {
		didWork, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if didWork {
			continue
		}
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return ctx.Err()
		case <-time.After(w.interval):
		}
	}
}

// RunOnce claims and executes at most one pending job. Returns true when a
// job was picked up, whatever its outcome.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	jobs, err := w.store.GetPendingJobs(1)
	if err != nil {
		return false, fmt.Errorf("polling for jobs: %w", err)
	}
	if len(jobs) == 0 {
		return false, nil
	}
	return true, w.execute(ctx, jobs[0].PublicID)
}

// execute shields the worker loop from panics inside job execution; a
// panicking job settles through the normal retry path instead of taking
// the process down.
func (w *Worker) execute(ctx context.Context, publicID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job execution panicked", "job_id", publicID, "panic", r)
			err = w.orch.FailOrRetry(publicID, fmt.Sprintf("panic: %v", r))
		}
	}()
	return w.orch.ExecuteJob(ctx, publicID)
}
