package gather

import (
	"context"
	"fmt"
	"log/slog"

	"quantbar/internal/config"
)

var _ Gatherer = (*Job)(nil)

// Job is the scheduled cycle of one source: extend the mission scope to
// today, ensure the bar tables, reconcile stored bars, then publish the
// pending missions.
type Job struct {
	orch *Orchestrator
	cfg  config.Job
	log  *slog.Logger
}

// NewJob creates a Job for orch using the source's job settings.
func NewJob(orch *Orchestrator, cfg config.Job) *Job {
	return &Job{
		orch: orch,
		cfg:  cfg,
		log:  orch.log,
	}
}

// Name returns the source name.
func (j *Job) Name() string { return j.orch.Name() }

// End returns the configured end day, or today in the zone of the source's
// mission windows when none is set.
func (j *Job) End() int {
	if j.cfg.End > 0 {
		return j.cfg.End
	}
	return j.orch.Today()
}

// Run performs one cycle. An index setup failure aborts it.
func (j *Job) Run(ctx context.Context) error {
	end := j.End()
	created, err := j.orch.Update(ctx, j.cfg.Symbols, j.cfg.Start, end)
	if err != nil {
		return fmt.Errorf("%s update: %w", j.Name(), err)
	}
	if err := j.orch.Ensure(ctx, j.cfg.Symbols); err != nil {
		return fmt.Errorf("%s ensure: %w", j.Name(), err)
	}
	checked, err := j.orch.Reconcile(ctx, j.cfg.Symbols, j.cfg.Start, end)
	if err != nil {
		return fmt.Errorf("%s check: %w", j.Name(), err)
	}
	res, err := j.orch.Publish(ctx, j.cfg.Symbols, j.cfg.Start, end, j.cfg.Redo)
	if err != nil {
		return fmt.Errorf("%s publish: %w", j.Name(), err)
	}
	j.log.Info("job done", "created", created, "checked", checked, "run", res.RunID, "passes", res.Passes,
		"pending", res.Total-res.Accomplished, "deferred", res.Deferred)
	return nil
}
