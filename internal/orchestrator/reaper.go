package orchestrator

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Reaper runs the periodic recovery jobs: re-queueing work abandoned by a
// crashed worker and pruning terminal jobs past retention.
type Reaper struct {
	orch       *Orchestrator
	cron       *cron.Cron
	stuckAfter time.Duration
	retention  time.Duration
	logger     *slog.Logger
}

// NewReaper creates a Reaper that treats processing jobs quiet for
// stuckAfter as abandoned and deletes terminal jobs older than retention.
func NewReaper(orch *Orchestrator, stuckAfter, retention time.Duration) *Reaper {
	return &Reaper{
		orch:       orch,
		cron:       cron.New(),
		stuckAfter: stuckAfter,
		retention:  retention,
		logger:     slog.Default(),
	}
}

// Start schedules the sweeps: stuck-job reclaim every minute, retention
// cleanup nightly.
func (r *Reaper) Start() error {
	if _, err := r.cron.AddFunc("@every 1m", r.sweepStuck); err != nil {
		return err
	}
	if _, err := r.cron.AddFunc("0 3 * * *", r.sweepRetention); err != nil {
		return err
	}
	r.cron.Start()
	r.logger.Info("reaper started", "stuck_after", r.stuckAfter, "retention", r.retention)
	return nil
}

// Stop halts scheduling and waits for any running sweep to finish.
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
	r.logger.Info("reaper stopped")
}

func (r *Reaper) sweepStuck() {
	n, err := r.orch.ReclaimStuck(r.stuckAfter)
	if err != nil {
		r.logger.Error("stuck-job sweep failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("reclaimed stuck jobs", "count", n)
	}
}

func (r *Reaper) sweepRetention() {
	if _, err := r.orch.CleanupOldJobs(r.retention); err != nil {
		r.logger.Error("retention sweep failed", "error", err)
	}
}
