package processor

//go:generate mockgen -source=ports.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"time"

	"pfexchange/internal/family/models"
	"pfexchange/internal/family/registry"
)

// RecordStore is the work queue the processor drains.
type RecordStore interface {
	FetchReady(ctx context.Context, limit int) ([]*models.Record, error)
	// Claim moves a READY record to PROCESSING. It returns false when another
	// worker got there first.
	Claim(ctx context.Context, id int64, at time.Time) (bool, error)
	Save(ctx context.Context, rec *models.Record) error
	ResetStuck(ctx context.Context, olderThan time.Time, maxRetries int) (int, error)
	CountUnprocessed(ctx context.Context) (int64, error)
	StatusCounts(ctx context.Context) (map[models.Status]int64, error)
	ReplaceChildren(ctx context.Context, recordID int64, children []models.Child) error
}

// ActivitySource returns the declared activity history of an applicant.
type ActivitySource interface {
	Activities(ctx context.Context, personID, applicationID int64) ([]models.Activity, error)
}

// FamilyRegistry looks up the children registered to a person.
type FamilyRegistry interface {
	LookupFamily(ctx context.Context, recordID int64, nationalID, requestorTIN string) (*registry.FamilyLookupResult, error)
}

// Lock keeps at most one batch in flight.
type Lock interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// OutcomePublisher receives one outcome per record leaving PROCESSING.
type OutcomePublisher interface {
	Publish(ctx context.Context, o models.Outcome) error
}
