// Package scheduler runs periodic maintenance: expiring rewards whose window
// has closed and purging stale idempotency records.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is one maintenance task. It returns how many rows it touched.
type Job func(ctx context.Context) (int64, error)

// Entry binds a Job to a cron spec.
type Entry struct {
	Name string
	Spec string
	Job  Job
}

// Scheduler wraps robfig/cron with panic recovery and zerolog output.
type Scheduler struct {
	cron    *cron.Cron
	log     zerolog.Logger
	timeout time.Duration
}

// printf adapts zerolog to cron's Printf-style logger.
type printf struct{ l zerolog.Logger }

func (p printf) Printf(format string, args ...any) { p.l.Info().Msgf(format, args...) }

// New builds a scheduler. Each run is bounded by timeout.
func New(log zerolog.Logger, timeout time.Duration) *Scheduler {
	l := log.With().Str("component", "scheduler").Logger()
	cl := cron.PrintfLogger(printf{l: l})
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		log:     l,
		timeout: timeout,
	}
}

// Register adds entries; a bad spec is reported and nothing is added for it.
func (s *Scheduler) Register(entries ...Entry) error {
	for _, e := range entries {
		if _, err := s.cron.AddFunc(e.Spec, func() { s.run(e) }); err != nil {
			s.log.Error().Err(err).Str("job", e.Name).Str("spec", e.Spec).Msg("failed to schedule job")
			return err
		}
		s.log.Info().Str("job", e.Name).Str("spec", e.Spec).Msg("scheduled job")
	}
	return nil
}

func (s *Scheduler) run(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	start := time.Now()
	n, err := e.Job(ctx)
	if err != nil {
		s.log.Error().Err(err).Str("job", e.Name).Msg("job failed")
		return
	}
	s.log.Info().Str("job", e.Name).Int64("rows", n).Dur("took", time.Since(start)).Msg("job finished")
}

// RunNow executes entries once, synchronously, as at startup.
func (s *Scheduler) RunNow(entries ...Entry) {
	for _, e := range entries {
		s.run(e)
	}
}

// Start begins firing jobs.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts scheduling and waits for running jobs, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
