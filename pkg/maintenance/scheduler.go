// Package maintenance runs periodic upkeep jobs such as journal retention and
// expired cache purges.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/robfig/cron/v3"
)

// JobFunc does one round of upkeep and reports how many rows it removed.
type JobFunc func(ctx context.Context) (int64, error)

// Scheduler runs jobs on cron schedules until its context ends. Overlapping
// runs of the same job are skipped.
type Scheduler struct {
	cron *cron.Cron
	log  logr.Logger
	ctx  context.Context
	jobs int
}

// New creates an empty Scheduler.
func New(log logr.Logger) *Scheduler {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	log = log.WithName("maintenance")
	return &Scheduler{
		cron: cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		log:  log,
		ctx:  context.Background(),
	}
}

// Add registers fn under schedule. An empty schedule leaves the job disabled.
func (s *Scheduler) Add(name, schedule string, fn JobFunc) error {
	if schedule == "" {
		s.log.V(1).Info("job disabled", "job", name)
		return nil
	}
	_, err := s.cron.AddFunc(schedule, func() { s.run(name, fn) })
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.jobs++
	return nil
}

// Len returns the number of scheduled jobs.
func (s *Scheduler) Len() int {
	return s.jobs
}

// Run starts the scheduler and blocks until ctx is done, then waits for
// running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx = ctx
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

func (s *Scheduler) run(name string, fn JobFunc) {
	start := time.Now()
	n, err := fn(s.ctx)
	if err != nil {
		s.log.Error(err, "maintenance job failed", "job", name)
		return
	}
	s.log.V(1).Info("maintenance job done", "job", name, "removed", n, "duration", time.Since(start))
}
