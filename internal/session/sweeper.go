package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const DefaultSweepInterval = 24 * time.Hour

type Sweepable interface {
	Sweep(ctx context.Context) (int64, error)
}

type sweepJob struct {
	name   string
	target Sweepable
}

// Sweeper periodically removes expired session records. It runs detached
// from request handling; a failing job is logged and retried next cycle.
type Sweeper struct {
	interval time.Duration
	timeout  time.Duration
	jobs     []sweepJob
	log      *slog.Logger
}

func NewSweeper(interval time.Duration, log *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		interval: interval,
		timeout:  time.Minute,
		log:      log,
	}
}

func (s *Sweeper) Add(name string, target Sweepable) *Sweeper {
	s.jobs = append(s.jobs, sweepJob{name: name, target: target})
	return s
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	const op = "session.Sweeper.Run"

	log := s.log.With(slog.String("op", op))
	log.Info("sweeper started", slog.Duration("interval", s.interval), slog.Int("jobs", len(s.jobs)))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes every job and returns the number of removed records per job name.
func (s *Sweeper) RunOnce(ctx context.Context) map[string]int64 {
	removed := make(map[string]int64, len(s.jobs))
	for _, job := range s.jobs {
		if ctx.Err() != nil {
			return removed
		}

		n, err := s.runJob(ctx, job)
		if err != nil {
			s.log.Error("sweep failed", slog.String("job", job.name), slog.Any("error", err))
			continue
		}

		removed[job.name] = n
		if n > 0 {
			s.log.Info("swept expired records", slog.String("job", job.name), slog.Int64("removed", n))
		}
	}
	return removed
}

func (s *Sweeper) runJob(ctx context.Context, job sweepJob) (n int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in sweep job %s: %v", job.name, r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return job.target.Sweep(ctx)
}
