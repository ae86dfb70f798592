// Package store persists reconciliation records, their children and the
// declared activity history read by the validator.
package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"pfexchange/internal/family/models"
	"pfexchange/pkg/platform/sentinel"
)

type activityKey struct {
	personID      int64
	applicationID int64
}

// InMemory keeps records, children and activities in maps. It backs tests and
// local runs without a database.
type InMemory struct {
	mu         sync.RWMutex
	records    map[int64]*models.Record
	children   map[int64][]models.Child
	activities map[activityKey][]models.Activity
}

func NewInMemory() *InMemory {
	return &InMemory{
		records:    make(map[int64]*models.Record),
		children:   make(map[int64][]models.Child),
		activities: make(map[activityKey][]models.Activity),
	}
}

// Insert adds records, replacing any with the same ID.
func (s *InMemory) Insert(_ context.Context, records ...*models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if r.ID == 0 {
			return fmt.Errorf("record id is required")
		}
		s.records[r.ID] = r.Clone()
	}
	return nil
}

func (s *InMemory) FindByID(_ context.Context, id int64) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *InMemory) FetchReady(_ context.Context, limit int) ([]*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := slices.Sorted(maps.Keys(s.records))
	out := make([]*models.Record, 0, min(limit, len(ids)))
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		if r := s.records[id]; r.Status == models.StatusReady {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (s *InMemory) Claim(_ context.Context, id int64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return false, sentinel.ErrNotFound
	}
	if r.Status != models.StatusReady {
		return false, nil
	}
	r.ApplyClaim(at)
	return true, nil
}

func (s *InMemory) Save(_ context.Context, rec *models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.records[rec.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	next := rec.Clone()
	next.RetryCount = stored.RetryCount
	s.records[rec.ID] = next
	return nil
}

func (s *InMemory) ResetStuck(_ context.Context, olderThan time.Time, maxRetries int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.records {
		if r.Status != models.StatusProcessing || r.RetryCount >= maxRetries {
			continue
		}
		if r.LastAttemptAt == nil || !r.LastAttemptAt.Before(olderThan) {
			continue
		}
		r.Status = models.StatusReady
		r.RetryCount++
		n++
	}
	return n, nil
}

func (s *InMemory) CountUnprocessed(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, r := range s.records {
		if r.Status == models.StatusReady {
			n++
		}
	}
	return n, nil
}

func (s *InMemory) StatusCounts(_ context.Context) (map[models.Status]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[models.Status]int64)
	for _, r := range s.records {
		counts[r.Status]++
	}
	return counts, nil
}

func (s *InMemory) ReplaceChildren(_ context.Context, recordID int64, children []models.Child) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[recordID]; !ok {
		return sentinel.ErrNotFound
	}
	s.children[recordID] = slices.Clone(children)
	return nil
}

func (s *InMemory) ChildrenOf(_ context.Context, recordID int64) ([]models.Child, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.children[recordID]), nil
}

func (s *InMemory) CountChildrenForApplication(_ context.Context, applicationID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for recordID, kids := range s.children {
		if r, ok := s.records[recordID]; ok && r.ApplicationID == applicationID {
			n += int64(len(kids))
		}
	}
	return n, nil
}

// SetActivities seeds the declared activity history of an application.
func (s *InMemory) SetActivities(personID, applicationID int64, activities ...models.Activity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities[activityKey{personID, applicationID}] = slices.Clone(activities)
}

func (s *InMemory) Activities(_ context.Context, personID, applicationID int64) ([]models.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.activities[activityKey{personID, applicationID}]), nil
}
