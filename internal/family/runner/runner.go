// Package runner drives batch processing continuously or on a schedule.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"pfexchange/internal/family/models"
)

const (
	DefaultMaxConsecutiveFailures = 3
	DefaultBatchDelay             = 5 * time.Second
	DefaultFailureDelay           = 30 * time.Second
)

// BatchProcessor is the slice of the processor the runner drives.
type BatchProcessor interface {
	ProcessOneBatch(ctx context.Context) models.BatchResult
	RecoverStuck(ctx context.Context) (int, error)
	PendingCount(ctx context.Context) (int64, error)
	StatusSummary(ctx context.Context) (map[models.Status]int64, error)
}

type Config struct {
	MaxConsecutiveFailures int
	BatchDelay             time.Duration
	FailureDelay           time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxConsecutiveFailures: DefaultMaxConsecutiveFailures,
		BatchDelay:             DefaultBatchDelay,
		FailureDelay:           DefaultFailureDelay,
	}
}

// Status is what operators see about the continuous run.
type Status struct {
	State         models.RunState
	PendingCount  int64
	StatusSummary map[models.Status]int64
}

// Runner repeats batches until the queue is empty, too many batches fail in a
// row, or Stop is called. At most one run is active at a time.
type Runner struct {
	proc   BatchProcessor
	cfg    Config
	logger *slog.Logger
	clock  clockwork.Clock

	mu     sync.Mutex
	state  models.RunState
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Runner)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(r *Runner) {
		r.clock = clock
	}
}

func WithConfig(cfg Config) Option {
	return func(r *Runner) {
		r.cfg = cfg
	}
}

func New(proc BatchProcessor, opts ...Option) (*Runner, error) {
	if proc == nil {
		return nil, fmt.Errorf("batch processor is required")
	}
	r := &Runner{
		proc:   proc,
		cfg:    DefaultConfig(),
		logger: slog.Default(),
		clock:  clockwork.NewRealClock(),
		state:  models.RunStateIdle,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cfg.MaxConsecutiveFailures <= 0 {
		return nil, fmt.Errorf("max consecutive failures must be positive, got %d", r.cfg.MaxConsecutiveFailures)
	}
	return r, nil
}

// Start launches a continuous run. It returns false if one is already active.
// The run outlives ctx; only Stop ends it early.
func (r *Runner) Start(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == models.RunStateRunning {
		return false
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	r.state = models.RunStateRunning
	r.cancel = cancel
	r.done = done

	go func() {
		defer close(done)
		defer cancel()
		final := r.run(runCtx)

		r.mu.Lock()
		r.state = final
		r.cancel = nil
		r.mu.Unlock()
	}()
	return true
}

// Stop asks the active run to end after its current batch. It reports whether
// a run was active.
func (r *Runner) Stop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != models.RunStateRunning || r.cancel == nil {
		return false
	}
	r.cancel()
	return true
}

// Wait blocks until the most recent run has ended.
func (r *Runner) Wait() {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (r *Runner) State() models.RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) Status(ctx context.Context) (Status, error) {
	st := Status{State: r.State()}
	pending, err := r.proc.PendingCount(ctx)
	if err != nil {
		return st, err
	}
	summary, err := r.proc.StatusSummary(ctx)
	if err != nil {
		return st, err
	}
	st.PendingCount = pending
	st.StatusSummary = summary
	return st, nil
}

func (r *Runner) run(ctx context.Context) (final models.RunState) {
	defer func() {
		if v := recover(); v != nil {
			r.logger.ErrorContext(ctx, "continuous processing stopped unexpectedly", "panic", v)
			final = models.RunStateStoppedUnexpectedly
		}
	}()

	r.logger.InfoContext(ctx, "continuous processing started")
	batches, failures := 0, 0
	for {
		if ctx.Err() != nil {
			r.logger.InfoContext(ctx, "continuous processing stopped", "batches", batches)
			return models.RunStateIdle
		}

		if _, err := r.proc.RecoverStuck(ctx); err != nil {
			r.logger.WarnContext(ctx, "stuck record recovery failed", "error", err)
		}

		result := r.proc.ProcessOneBatch(ctx)
		batches++

		if result.NoRecords {
			r.logger.InfoContext(ctx, "continuous processing completed, queue empty", "batches", batches)
			return models.RunStateIdle
		}

		if !result.Success {
			failures++
			r.logger.WarnContext(ctx, "batch failed",
				"batch", batches,
				"consecutive_failures", failures,
				"message", result.Message,
			)
			if failures >= r.cfg.MaxConsecutiveFailures {
				r.logger.ErrorContext(ctx, "too many consecutive batch failures, stopping", "failures", failures)
				return models.RunStateIdle
			}
			r.wait(ctx, r.cfg.FailureDelay)
			continue
		}

		failures = 0
		r.logger.InfoContext(ctx, "batch completed", "batch", batches, "message", result.Message)
		r.wait(ctx, r.cfg.BatchDelay)
	}
}

func (r *Runner) wait(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-r.clock.After(d):
	case <-ctx.Done():
	}
}
