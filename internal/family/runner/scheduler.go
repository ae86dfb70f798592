package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultBatchInterval    = 2 * time.Minute
	DefaultRecoveryInterval = 5 * time.Minute
)

// Scheduler runs one batch and one stuck-record recovery on fixed intervals.
type Scheduler struct {
	proc             BatchProcessor
	batchInterval    time.Duration
	recoveryInterval time.Duration
	logger           *slog.Logger
	clock            clockwork.Clock
}

type SchedulerOption func(*Scheduler)

func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

func WithSchedulerClock(clock clockwork.Clock) SchedulerOption {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

func NewScheduler(proc BatchProcessor, batchInterval, recoveryInterval time.Duration, opts ...SchedulerOption) (*Scheduler, error) {
	if proc == nil {
		return nil, fmt.Errorf("batch processor is required")
	}
	if batchInterval <= 0 || recoveryInterval <= 0 {
		return nil, fmt.Errorf("schedule intervals must be positive")
	}
	s := &Scheduler{
		proc:             proc,
		batchInterval:    batchInterval,
		recoveryInterval: recoveryInterval,
		logger:           slog.Default(),
		clock:            clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.every(ctx, s.batchInterval, func() {
			result := s.proc.ProcessOneBatch(ctx)
			if !result.Success {
				s.logger.WarnContext(ctx, "scheduled batch failed", "message", result.Message)
				return
			}
			if !result.NoRecords {
				s.logger.InfoContext(ctx, "scheduled batch completed", "message", result.Message)
			}
		})
		return nil
	})
	g.Go(func() error {
		s.every(ctx, s.recoveryInterval, func() {
			if _, err := s.proc.RecoverStuck(ctx); err != nil {
				s.logger.WarnContext(ctx, "scheduled recovery failed", "error", err)
			}
		})
		return nil
	})
	return g.Wait()
}

func (s *Scheduler) every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			fn()
		}
	}
}
