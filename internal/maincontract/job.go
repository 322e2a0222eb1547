package maincontract

import (
	"context"
	"fmt"
	"time"

	"quantbar/internal/domain"
)

// JobName is the scheduled job and health service name.
const JobName = "maincontract"

// Job is the scheduled main-contract cycle: record new links up to today,
// relay their bars, then check links whose bars were relayed elsewhere.
type Job struct {
	resolver *Resolver
	families []string
	start    int
	end      int
	now      func() time.Time
}

// NewJob creates a Job over families in [start, end]. A zero end means
// today.
func NewJob(r *Resolver, families []string, start, end int) *Job {
	return &Job{resolver: r, families: families, start: start, end: end, now: time.Now}
}

// Name returns JobName.
func (j *Job) Name() string { return JobName }

// Run executes one cycle.
func (j *Job) Run(ctx context.Context) error {
	end := j.end
	if end == 0 {
		end = domain.DayOf(j.now().In(j.resolver.session.Location))
	}
	created, err := j.resolver.Find(ctx, j.families, j.start, end)
	if err != nil {
		return fmt.Errorf("maincontract find: %w", err)
	}
	relayed, err := j.resolver.Publish(ctx, j.families, j.start, end)
	if err != nil {
		return fmt.Errorf("maincontract publish: %w", err)
	}
	checked, err := j.resolver.Check(ctx, j.families, j.start, end)
	if err != nil {
		return fmt.Errorf("maincontract check: %w", err)
	}
	j.resolver.log.Info("job done", "links", created, "relayed", relayed, "checked", checked)
	return nil
}
