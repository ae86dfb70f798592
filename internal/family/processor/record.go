package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pfexchange/internal/family/models"
	"pfexchange/internal/family/reconcile"
	"pfexchange/internal/family/registry"
	"pfexchange/pkg/platform/circuit"
)

const fallbackReasonLimit = 500

// recordOutcome is the final status of one record. rejected marks a FAILED
// record the registry answered with a non-success result code.
type recordOutcome struct {
	status   models.Status
	rejected bool
}

// processRecord takes one claimed record to a terminal status, or back to
// READY when the registry is unavailable. It never returns PROCESSING.
func (p *Processor) processRecord(ctx context.Context, batchID string, rec *models.Record) (out recordOutcome) {
	ctx, span := p.tracer.Start(ctx, "family.process_record", trace.WithAttributes(
		attribute.Int64("record.id", rec.ID),
		attribute.String("batch.id", batchID),
	))
	defer span.End()

	attempts := 0
	defer func() {
		if r := recover(); r != nil {
			p.logger.ErrorContext(ctx, "record processing panicked", "record_id", rec.ID, "panic", r)
			span.SetStatus(codes.Error, "panic")
			rec.Fail(fmt.Sprintf("Unexpected error: %v", r))
			out = recordOutcome{status: p.finish(ctx, batchID, rec, attempts, 0)}
		}
	}()

	policy := p.newBackOff()
	for {
		if !p.breaker.Allow() {
			p.logger.DebugContext(ctx, "circuit open, record requeued", "record_id", rec.ID)
			return recordOutcome{status: p.requeue(ctx, batchID, rec, attempts, "circuit breaker OPEN")}
		}
		if err := p.limiter.Acquire(ctx); err != nil {
			p.breaker.RecordIgnored()
			return recordOutcome{status: p.requeue(ctx, batchID, rec, attempts, "rate limiter: "+err.Error())}
		}

		attempts++
		started := p.clock.Now()
		res, err := p.lookup(ctx, rec)
		elapsed := p.clock.Since(started)

		if err == nil {
			p.observeCall("success", elapsed)
			p.onCallSuccess(ctx)
			children, err := p.applyResult(ctx, rec, res)
			if err != nil {
				p.logger.ErrorContext(ctx, "failed to reconcile record", "record_id", rec.ID, "error", err)
				rec.Fail(fmt.Sprintf("Reconciliation failed: %v", err))
			}
			span.SetAttributes(attribute.String("record.status", string(rec.Status)))
			return recordOutcome{
				status:   p.finish(ctx, batchID, rec, attempts, children),
				rejected: !res.Succeeded(),
			}
		}

		category, _ := registry.CategoryOf(err)
		p.observeCall(string(category), elapsed)

		if !registry.IsRetryable(err) {
			p.breaker.RecordIgnored()
			span.RecordError(err)
			p.logger.WarnContext(ctx, "registry call failed",
				"record_id", rec.ID,
				"category", category,
				"error", err,
			)
			rec.Fail(fmt.Sprintf("Registry error: %v", err))
			return recordOutcome{status: p.finish(ctx, batchID, rec, attempts, 0)}
		}

		p.onCallTimeout(ctx)
		if attempts > p.cfg.MaxRetries {
			span.RecordError(err)
			span.SetStatus(codes.Error, "max retries exceeded")
			p.logger.WarnContext(ctx, "max retries exceeded",
				"record_id", rec.ID,
				"attempts", attempts,
				"error", err,
			)
			rec.Fail(fmt.Sprintf("Max retries exceeded: %v", err))
			return recordOutcome{status: p.finish(ctx, batchID, rec, attempts, 0)}
		}

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			rec.Fail(fmt.Sprintf("Max retries exceeded: %v", err))
			return recordOutcome{status: p.finish(ctx, batchID, rec, attempts, 0)}
		}
		if p.cfg.BackoffMax > 0 && wait > p.cfg.BackoffMax {
			wait = p.cfg.BackoffMax
		}
		if p.metrics != nil {
			p.metrics.IncrementRetries()
		}
		p.logger.InfoContext(ctx, "retrying registry call",
			"record_id", rec.ID,
			"attempt", attempts,
			"backoff", wait,
			"category", category,
		)
		if err := p.sleep(ctx, wait); err != nil {
			return recordOutcome{status: p.requeue(ctx, batchID, rec, attempts, "interrupted during retry backoff")}
		}
	}
}

func (p *Processor) lookup(ctx context.Context, rec *models.Record) (*registry.FamilyLookupResult, error) {
	ctx, span := p.tracer.Start(ctx, "family.registry.lookup")
	defer span.End()
	res, err := p.registry.LookupFamily(ctx, rec.ID, rec.NationalID, p.cfg.RequestorTIN)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

// applyResult turns a registry response into a verdict on rec and returns the
// number of children stored.
func (p *Processor) applyResult(ctx context.Context, rec *models.Record, res *registry.FamilyLookupResult) (int, error) {
	if !res.Succeeded() {
		rec.Fail(fmt.Sprintf("Result code: %s, Message: %s", res.ResultCode, res.ResultMessage))
		return 0, nil
	}
	if len(res.Items) == 0 {
		rec.ApplyVerdict(models.StatusCompleted, res.Raw)
		return 0, nil
	}

	children := res.Children(rec.ID)
	if err := p.store.ReplaceChildren(ctx, rec.ID, children); err != nil {
		return 0, fmt.Errorf("save children: %w", err)
	}
	activities, err := p.activities.Activities(ctx, rec.PersonID, rec.ApplicationID)
	if err != nil {
		return len(children), fmt.Errorf("load activities: %w", err)
	}

	result := reconcile.Validate(activities, reconcile.EligibleBirths(rec.NationalID, children))
	rec.ApplyVerdict(result.Verdict, res.Raw)
	p.logger.DebugContext(ctx, "record reconciled",
		"record_id", rec.ID,
		"verdict", result.Verdict,
		"reason", result.Reason,
		"births_in_period", result.BirthsInPeriod,
		"claimed_windows", result.ClaimedWindows,
		"total_windows", result.TotalWindows,
	)
	return len(children), nil
}

func (p *Processor) requeue(ctx context.Context, batchID string, rec *models.Record, attempts int, reason string) models.Status {
	rec.Requeue()
	p.persist(ctx, rec)
	p.publish(ctx, batchID, rec, attempts, 0, reason)
	return rec.Status
}

func (p *Processor) finish(ctx context.Context, batchID string, rec *models.Record, attempts, children int) models.Status {
	p.persist(ctx, rec)
	if p.metrics != nil {
		p.metrics.IncrementRecords(string(rec.Status))
	}
	p.publish(ctx, batchID, rec, attempts, children, rec.DataErr)
	return rec.Status
}

// persist saves rec. If the save fails it retries once without the payload,
// with the record FAILED and the cause in DataErr.
func (p *Processor) persist(ctx context.Context, rec *models.Record) {
	if len(rec.DataIn) > registry.LargePayloadBytes {
		p.logger.DebugContext(ctx, "saving large payload", "record_id", rec.ID, "bytes", len(rec.DataIn))
	}
	err := p.store.Save(ctx, rec)
	if err == nil {
		return
	}
	p.logger.ErrorContext(ctx, "failed to save record, attempting fallback",
		"record_id", rec.ID,
		"status", rec.Status,
		"error", err,
	)

	reason := truncateRunes(err.Error(), fallbackReasonLimit)
	size := len(rec.DataIn)
	rec.DataIn = ""
	rec.Fail(fmt.Sprintf("Original save failed: %s. Original data_in size: %d bytes", reason, size))

	if err := p.store.Save(ctx, rec); err != nil {
		p.logger.ErrorContext(ctx, "fallback save failed, record marked FAILED in memory only",
			"record_id", rec.ID,
			"error", err,
		)
		if p.metrics != nil {
			p.metrics.IncrementFallbackSaves("failure")
		}
		return
	}
	p.logger.WarnContext(ctx, "fallback save succeeded", "record_id", rec.ID)
	if p.metrics != nil {
		p.metrics.IncrementFallbackSaves("success")
	}
}

func (p *Processor) publish(ctx context.Context, batchID string, rec *models.Record, attempts, children int, reason string) {
	o := models.Outcome{
		EventID:       uuid.NewString(),
		BatchID:       batchID,
		RecordID:      rec.ID,
		ApplicationID: rec.ApplicationID,
		Status:        rec.Status,
		Reason:        reason,
		Attempts:      attempts,
		Children:      children,
		OccurredAt:    p.clock.Now().UTC(),
	}
	if err := p.publisher.Publish(ctx, o); err != nil {
		p.logger.WarnContext(ctx, "failed to publish outcome", "record_id", rec.ID, "error", err)
	}
}

func (p *Processor) onCallSuccess(ctx context.Context) {
	if change := p.breaker.RecordSuccess(); change.Changed() {
		p.logger.InfoContext(ctx, "circuit breaker state changed", "from", change.From, "to", change.To)
		p.observeBreaker(change.To, false)
	}
	if change := p.limiter.RecordSuccess(); change.Changed() {
		p.logger.InfoContext(ctx, "rate limit increased", "from", change.From, "to", change.To)
		if p.metrics != nil {
			p.metrics.SetCurrentRate(change.To)
		}
	}
}

func (p *Processor) onCallTimeout(ctx context.Context) {
	if change := p.breaker.RecordFailure(); change.Changed() {
		p.logger.WarnContext(ctx, "circuit breaker state changed", "from", change.From, "to", change.To)
		p.observeBreaker(change.To, change.Opened)
	}
	if change := p.limiter.RecordTimeout(); change.Changed() {
		p.logger.WarnContext(ctx, "rate limit reduced", "from", change.From, "to", change.To)
		if p.metrics != nil {
			p.metrics.SetCurrentRate(change.To)
		}
	}
}

func (p *Processor) observeBreaker(state circuit.State, opened bool) {
	if p.metrics == nil {
		return
	}
	p.metrics.SetBreakerState(string(state))
	if opened {
		p.metrics.IncrementBreakerOpenings()
	}
}

func (p *Processor) observeCall(outcome string, d time.Duration) {
	if p.metrics != nil {
		p.metrics.ObserveRegistryCall(outcome, d)
	}
}

// truncateRunes cuts s to at most n runes so the result stays valid UTF-8.
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
