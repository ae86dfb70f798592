// Package processor drains the reconciliation queue in bounded batches.
//
// A batch claims up to BatchSize READY records, fans them out to a worker
// pool and waits for them with a timeout. Each record is checked against the
// family registry under a shared circuit breaker and adaptive rate limit, then
// reconciled against the applicant's declared activities.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"pfexchange/internal/family/events"
	"pfexchange/internal/family/lock"
	"pfexchange/internal/family/metrics"
	"pfexchange/internal/family/models"
	"pfexchange/pkg/platform/circuit"
	"pfexchange/pkg/platform/throttle"
	"pfexchange/pkg/platform/workerpool"
)

const (
	DefaultBatchSize      = 1000
	DefaultMaxRetries     = 3
	DefaultBatchTimeout   = 15 * time.Minute
	DefaultStuckThreshold = 5 * time.Minute
	DefaultBackoffInitial = time.Second
	DefaultBackoffMax     = 30 * time.Second
	DefaultRequestorTIN   = "20201210"
	DefaultRateLimit      = 40.0
	DefaultPoolSize       = 20
	DefaultQueueSize      = 1000

	// MsgAnotherBatch is returned when the single-flight lock is taken.
	MsgAnotherBatch = "another batch in progress"
)

// Config tunes batch processing.
type Config struct {
	BatchSize int
	// MaxRetries is the number of registry retries after the first attempt.
	MaxRetries     int
	BatchTimeout   time.Duration
	StuckThreshold time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	RequestorTIN   string
}

func DefaultConfig() Config {
	return Config{
		BatchSize:      DefaultBatchSize,
		MaxRetries:     DefaultMaxRetries,
		BatchTimeout:   DefaultBatchTimeout,
		StuckThreshold: DefaultStuckThreshold,
		BackoffInitial: DefaultBackoffInitial,
		BackoffMax:     DefaultBackoffMax,
		RequestorTIN:   DefaultRequestorTIN,
	}
}

// SleepFunc waits d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type Processor struct {
	store      RecordStore
	activities ActivitySource
	registry   FamilyRegistry

	cfg        Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
	clock      clockwork.Clock
	breaker    *circuit.Breaker
	limiter    *throttle.Adaptive
	pool       *workerpool.Pool
	lock       Lock
	publisher  OutcomePublisher
	tracer     trace.Tracer
	sleep      SleepFunc
	newBackOff func() backoff.BackOff

	batches    atomic.Int64
	callerRuns atomic.Int64
}

type Option func(*Processor)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) {
		p.metrics = m
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(p *Processor) {
		p.clock = clock
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(p *Processor) {
		p.breaker = b
	}
}

func WithLimiter(l *throttle.Adaptive) Option {
	return func(p *Processor) {
		p.limiter = l
	}
}

func WithPool(pool *workerpool.Pool) Option {
	return func(p *Processor) {
		p.pool = pool
	}
}

func WithLock(l Lock) Option {
	return func(p *Processor) {
		p.lock = l
	}
}

func WithPublisher(pub OutcomePublisher) Option {
	return func(p *Processor) {
		p.publisher = pub
	}
}

func WithConfig(cfg Config) Option {
	return func(p *Processor) {
		p.cfg = cfg
	}
}

// WithSleep replaces the wait between registry retries.
func WithSleep(fn SleepFunc) Option {
	return func(p *Processor) {
		p.sleep = fn
	}
}

// WithBackOff replaces the retry delay policy. fn is called once per record.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(p *Processor) {
		p.newBackOff = fn
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(p *Processor) {
		p.tracer = t
	}
}

func New(store RecordStore, activities ActivitySource, registry FamilyRegistry, opts ...Option) (*Processor, error) {
	if store == nil {
		return nil, fmt.Errorf("record store is required")
	}
	if activities == nil {
		return nil, fmt.Errorf("activity source is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("family registry is required")
	}

	p := &Processor{
		store:      store,
		activities: activities,
		registry:   registry,
		cfg:        DefaultConfig(),
		logger:     slog.Default(),
		clock:      clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", p.cfg.BatchSize)
	}
	if p.cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must not be negative, got %d", p.cfg.MaxRetries)
	}
	if p.cfg.BatchTimeout <= 0 {
		return nil, fmt.Errorf("batch timeout must be positive, got %s", p.cfg.BatchTimeout)
	}

	if p.breaker == nil {
		p.breaker = circuit.New("family-registry", circuit.WithClock(p.clock))
	}
	if p.limiter == nil {
		p.limiter = throttle.NewAdaptive(DefaultRateLimit)
	}
	if p.pool == nil {
		pool, err := workerpool.New(DefaultPoolSize, DefaultQueueSize, workerpool.WithPanicHandler(p.onPoolPanic))
		if err != nil {
			return nil, fmt.Errorf("create worker pool: %w", err)
		}
		p.pool = pool
	}
	if p.lock == nil {
		p.lock = lock.NewLocal()
	}
	if p.publisher == nil {
		p.publisher = events.NewLogPublisher(p.logger)
	}
	if p.tracer == nil {
		p.tracer = otel.Tracer("pfexchange/family/processor")
	}
	if p.sleep == nil {
		p.sleep = p.clockSleep
	}
	if p.newBackOff == nil {
		p.newBackOff = p.exponentialBackOff
	}
	if p.metrics != nil {
		p.metrics.SetCurrentRate(p.limiter.CurrentRate())
		p.metrics.SetBreakerState(string(p.breaker.State()))
	}
	return p, nil
}

// ProcessOneBatch runs a single batch to completion or timeout.
func (p *Processor) ProcessOneBatch(ctx context.Context) models.BatchResult {
	if open, remaining := p.breaker.Cooldown(); open {
		msg := fmt.Sprintf("circuit breaker OPEN - registry unavailable, retry in %s", remaining.Round(time.Second))
		p.logger.WarnContext(ctx, "batch rejected", "reason", msg)
		p.observeBatch("rejected", 0)
		return models.FailedBatch(msg)
	}

	acquired, err := p.lock.TryAcquire(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to acquire batch lock", "error", err)
		p.observeBatch("rejected", 0)
		return models.FailedBatch(fmt.Sprintf("acquire batch lock: %v", err))
	}
	if !acquired {
		p.logger.InfoContext(ctx, "batch skipped, lock busy")
		p.observeBatch("rejected", 0)
		return models.FailedBatch(MsgAnotherBatch)
	}
	defer func() {
		if err := p.lock.Release(context.WithoutCancel(ctx)); err != nil {
			p.logger.ErrorContext(ctx, "failed to release batch lock", "error", err)
		}
	}()

	start := p.clock.Now()
	records, err := p.store.FetchReady(ctx, p.cfg.BatchSize)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to fetch ready records", "error", err)
		p.observeBatch("failure", 0)
		return models.FailedBatch(fmt.Sprintf("fetch ready records: %v", err))
	}
	if len(records) == 0 {
		p.logger.DebugContext(ctx, "no records to process")
		p.observeBatch("no_records", 0)
		return models.NoRecordsResult()
	}

	batchID := uuid.NewString()
	claimed := p.claim(ctx, records)
	if len(claimed) == 0 {
		p.observeBatch("success", p.clock.Since(start))
		return models.BatchResult{BatchID: batchID, Success: true, Message: "no records claimed"}
	}

	p.logger.InfoContext(ctx, "batch started",
		"batch_id", batchID,
		"fetched", len(records),
		"claimed", len(claimed),
		"rate", p.limiter.CurrentRate(),
		"breaker", p.breaker.State(),
	)

	counts, finished := p.dispatch(ctx, batchID, claimed)
	elapsed := p.clock.Since(start)
	p.batches.Add(1)
	p.recordCallerRuns()
	p.logProgress(ctx, batchID)

	result := models.BatchResult{
		BatchID:  batchID,
		Counts:   counts,
		Duration: elapsed,
		Success:  counts.Succeeded() > 0,
	}
	if !finished {
		result.Success = false
		result.Message = fmt.Sprintf("batch timed out after %s with %d of %d records finished",
			p.cfg.BatchTimeout, counts.Completed+counts.Different+counts.Failed+counts.Requeued, counts.Dispatched)
		p.logger.ErrorContext(ctx, "batch timed out", "batch_id", batchID, "timeout", p.cfg.BatchTimeout)
		p.observeBatch("failure", elapsed)
		return result
	}

	result.Message = fmt.Sprintf("processed %d records: %d completed, %d different, %d failed, %d requeued",
		counts.Dispatched, counts.Completed, counts.Different, counts.Failed, counts.Requeued)
	outcome := "success"
	if !result.Success {
		outcome = "failure"
	}
	p.observeBatch(outcome, elapsed)
	p.logger.InfoContext(ctx, "batch finished",
		"batch_id", batchID,
		"success", result.Success,
		"completed", counts.Completed,
		"different", counts.Different,
		"failed", counts.Failed,
		"requeued", counts.Requeued,
		"duration", elapsed,
	)
	return result
}

func (p *Processor) claim(ctx context.Context, records []*models.Record) []*models.Record {
	claimed := make([]*models.Record, 0, len(records))
	for _, rec := range records {
		now := p.clock.Now()
		won, err := p.store.Claim(ctx, rec.ID, now)
		if err != nil {
			p.logger.ErrorContext(ctx, "failed to claim record", "record_id", rec.ID, "error", err)
			continue
		}
		if !won {
			p.logger.DebugContext(ctx, "record claimed elsewhere", "record_id", rec.ID)
			continue
		}
		rec.ApplyClaim(now)
		claimed = append(claimed, rec)
	}
	return claimed
}

// dispatch fans records out to the pool and collects their outcomes. It
// reports false when the batch timeout fired first; unfinished records keep
// their state for stuck recovery.
func (p *Processor) dispatch(ctx context.Context, batchID string, records []*models.Record) (models.BatchCounts, bool) {
	counts := models.BatchCounts{Dispatched: len(records)}
	results := make(chan recordOutcome, len(records))
	taskCtx := context.WithoutCancel(ctx)

	timer := p.clock.NewTimer(p.cfg.BatchTimeout)
	defer timer.Stop()

	for _, rec := range records {
		err := p.pool.Submit(func() {
			results <- p.processRecord(taskCtx, batchID, rec)
		})
		if err != nil {
			p.logger.WarnContext(ctx, "worker pool rejected record", "record_id", rec.ID, "error", err)
			results <- recordOutcome{status: p.requeue(taskCtx, batchID, rec, 0, "worker pool closed")}
		}
	}

	for received := 0; received < len(records); received++ {
		select {
		case out := <-results:
			tally(&counts, out)
		case <-timer.Chan():
			return counts, false
		}
	}
	return counts, true
}

func tally(c *models.BatchCounts, out recordOutcome) {
	if out.rejected {
		c.Rejected++
	}
	switch out.status {
	case models.StatusCompleted:
		c.Completed++
	case models.StatusDifferent:
		c.Different++
	case models.StatusFailed:
		c.Failed++
	default:
		c.Requeued++
	}
}

func (p *Processor) logProgress(ctx context.Context, batchID string) {
	counts, err := p.store.StatusCounts(ctx)
	if err != nil {
		p.logger.WarnContext(ctx, "failed to read status counts", "error", err)
		return
	}
	progress := models.NewProgress(counts)
	if p.metrics != nil {
		p.metrics.SetPending(progress.Pending)
	}
	p.logger.InfoContext(ctx, "queue progress",
		"batch_id", batchID,
		"total", progress.Total,
		"pending", progress.Pending,
		"in_flight", progress.InFlight,
		"percent_complete", fmt.Sprintf("%.1f", progress.PercentComplete),
	)
}

// RecoverStuck resets PROCESSING records whose last attempt is older than the
// stuck threshold and that still have retries left.
func (p *Processor) RecoverStuck(ctx context.Context) (int, error) {
	olderThan := p.clock.Now().Add(-p.cfg.StuckThreshold)
	n, err := p.store.ResetStuck(ctx, olderThan, p.cfg.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("recover stuck records: %w", err)
	}
	if n > 0 {
		p.logger.WarnContext(ctx, "recovered stuck records", "count", n, "older_than", olderThan)
		if p.metrics != nil {
			p.metrics.AddRecovered(n)
		}
	}
	return n, nil
}

func (p *Processor) PendingCount(ctx context.Context) (int64, error) {
	n, err := p.store.CountUnprocessed(ctx)
	if err != nil {
		return 0, fmt.Errorf("count pending records: %w", err)
	}
	return n, nil
}

// StatusSummary returns the record count of every status, zero-filled.
func (p *Processor) StatusSummary(ctx context.Context) (map[models.Status]int64, error) {
	progress, err := p.Progress(ctx)
	if err != nil {
		return nil, err
	}
	return progress.ByStatus, nil
}

func (p *Processor) Progress(ctx context.Context) (models.Progress, error) {
	counts, err := p.store.StatusCounts(ctx)
	if err != nil {
		return models.Progress{}, fmt.Errorf("status counts: %w", err)
	}
	return models.NewProgress(counts), nil
}

// Snapshot returns live breaker, limiter and configuration state.
func (p *Processor) Snapshot() models.EngineSnapshot {
	_, cooldown := p.breaker.Cooldown()
	return models.EngineSnapshot{
		BreakerState:     string(p.breaker.State()),
		CurrentRate:      p.limiter.CurrentRate(),
		MaxRate:          p.limiter.Ceiling(),
		BatchSize:        p.cfg.BatchSize,
		PoolSize:         p.pool.Workers(),
		QueueCapacity:    p.pool.QueueCapacity(),
		MaxRetries:       p.cfg.MaxRetries,
		BatchTimeout:     p.cfg.BatchTimeout,
		StuckThreshold:   p.cfg.StuckThreshold,
		CallerRunsTotal:  p.pool.CallerRuns(),
		BreakerCooldown:  cooldown,
		BatchesProcessed: p.batches.Load(),
	}
}

// Close drains the worker pool.
func (p *Processor) Close(ctx context.Context) error {
	if err := p.pool.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown worker pool: %w", err)
	}
	return nil
}

func (p *Processor) observeBatch(result string, d time.Duration) {
	if p.metrics != nil {
		p.metrics.ObserveBatch(result, d)
	}
}

func (p *Processor) recordCallerRuns() {
	total := p.pool.CallerRuns()
	prev := p.callerRuns.Swap(total)
	if total > prev && p.metrics != nil {
		p.metrics.AddCallerRuns(total - prev)
	}
}

func (p *Processor) onPoolPanic(v any) {
	p.logger.Error("worker task panicked", "panic", v)
}

func (p *Processor) clockSleep(ctx context.Context, d time.Duration) error {
	select {
	case <-p.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) exponentialBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.BackoffInitial
	b.Multiplier = 2
	b.RandomizationFactor = 0.25
	b.MaxInterval = p.cfg.BackoffMax
	b.MaxElapsedTime = 0
	b.Clock = p.clock
	b.Reset()
	return b
}
