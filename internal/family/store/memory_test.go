package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"pfexchange/internal/family/models"
	"pfexchange/pkg/platform/sentinel"
)

type InMemorySuite struct {
	suite.Suite
	store *InMemory
	ctx   context.Context
	now   time.Time
}

func TestInMemorySuite(t *testing.T) {
	suite.Run(t, new(InMemorySuite))
}

func (s *InMemorySuite) SetupTest() {
	s.store = NewInMemory()
	s.ctx = context.Background()
	s.now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func (s *InMemorySuite) seed(records ...*models.Record) {
	s.Require().NoError(s.store.Insert(s.ctx, records...))
}

func ready(id int64) *models.Record {
	return &models.Record{ID: id, PersonID: id * 10, ApplicationID: id * 100, NationalID: "41503880010015", Status: models.StatusReady}
}

func (s *InMemorySuite) TestFetchReady() {
	done := ready(2)
	done.Status = models.StatusCompleted
	s.seed(ready(3), done, ready(1), ready(4))

	s.Run("orders by id and skips non-ready", func() {
		got, err := s.store.FetchReady(s.ctx, 10)
		s.Require().NoError(err)
		s.Require().Len(got, 3)
		s.Equal(int64(1), got[0].ID)
		s.Equal(int64(3), got[1].ID)
		s.Equal(int64(4), got[2].ID)
	})

	s.Run("honours limit", func() {
		got, err := s.store.FetchReady(s.ctx, 2)
		s.Require().NoError(err)
		s.Len(got, 2)
	})

	s.Run("returns copies", func() {
		got, err := s.store.FetchReady(s.ctx, 1)
		s.Require().NoError(err)
		got[0].Status = models.StatusFailed

		stored, err := s.store.FindByID(s.ctx, 1)
		s.Require().NoError(err)
		s.Equal(models.StatusReady, stored.Status)
	})
}

func (s *InMemorySuite) TestClaim() {
	s.seed(ready(1))

	s.Run("first claim wins", func() {
		ok, err := s.store.Claim(s.ctx, 1, s.now)
		s.Require().NoError(err)
		s.True(ok)

		stored, err := s.store.FindByID(s.ctx, 1)
		s.Require().NoError(err)
		s.Equal(models.StatusProcessing, stored.Status)
		s.Require().NotNil(stored.LastAttemptAt)
		s.Equal(s.now, *stored.LastAttemptAt)
	})

	s.Run("second claim loses", func() {
		ok, err := s.store.Claim(s.ctx, 1, s.now)
		s.Require().NoError(err)
		s.False(ok)
	})

	s.Run("unknown record", func() {
		_, err := s.store.Claim(s.ctx, 99, s.now)
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *InMemorySuite) TestConcurrentClaimHasOneWinner() {
	s.seed(ready(1))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := s.store.Claim(s.ctx, 1, s.now); err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	s.Equal(int32(1), wins.Load())
}

func (s *InMemorySuite) TestSave() {
	s.seed(ready(1))

	rec, err := s.store.FindByID(s.ctx, 1)
	s.Require().NoError(err)
	rec.ApplyVerdict(models.StatusDifferent, `{"result_code":"1"}`)
	s.Require().NoError(s.store.Save(s.ctx, rec))

	stored, err := s.store.FindByID(s.ctx, 1)
	s.Require().NoError(err)
	s.Equal(models.StatusDifferent, stored.Status)
	s.Equal(`{"result_code":"1"}`, stored.DataIn)

	s.ErrorIs(s.store.Save(s.ctx, ready(42)), sentinel.ErrNotFound)
}

func (s *InMemorySuite) TestSaveKeepsRecoveredRetryCount() {
	old := s.now.Add(-10 * time.Minute)
	rec := ready(1)
	rec.ApplyClaim(old)
	s.seed(rec)

	inFlight, err := s.store.FindByID(s.ctx, 1)
	s.Require().NoError(err)
	n, err := s.store.ResetStuck(s.ctx, s.now.Add(-5*time.Minute), 3)
	s.Require().NoError(err)
	s.Require().Equal(1, n)

	inFlight.ApplyVerdict(models.StatusCompleted, `{"result_code":"1","items":[]}`)
	s.Require().NoError(s.store.Save(s.ctx, inFlight))

	got, err := s.store.FindByID(s.ctx, 1)
	s.Require().NoError(err)
	s.Equal(models.StatusCompleted, got.Status)
	s.Equal(1, got.RetryCount)
}

func (s *InMemorySuite) TestResetStuck() {
	old := s.now.Add(-10 * time.Minute)
	recent := s.now.Add(-time.Minute)

	stuck := ready(1)
	stuck.ApplyClaim(old)
	fresh := ready(2)
	fresh.ApplyClaim(recent)
	exhausted := ready(3)
	exhausted.ApplyClaim(old)
	exhausted.RetryCount = 3
	finished := ready(4)
	finished.LastAttemptAt = &old
	finished.Status = models.StatusFailed
	s.seed(stuck, fresh, exhausted, finished)

	n, err := s.store.ResetStuck(s.ctx, s.now.Add(-5*time.Minute), 3)
	s.Require().NoError(err)
	s.Equal(1, n)

	got, _ := s.store.FindByID(s.ctx, 1)
	s.Equal(models.StatusReady, got.Status)
	s.Equal(1, got.RetryCount)

	got, _ = s.store.FindByID(s.ctx, 2)
	s.Equal(models.StatusProcessing, got.Status)

	got, _ = s.store.FindByID(s.ctx, 3)
	s.Equal(models.StatusProcessing, got.Status)
	s.Equal(3, got.RetryCount)

	got, _ = s.store.FindByID(s.ctx, 4)
	s.Equal(models.StatusFailed, got.Status)
}

func (s *InMemorySuite) TestCounts() {
	failed := ready(3)
	failed.Status = models.StatusFailed
	s.seed(ready(1), ready(2), failed)

	pending, err := s.store.CountUnprocessed(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(2), pending)

	counts, err := s.store.StatusCounts(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(2), counts[models.StatusReady])
	s.Equal(int64(1), counts[models.StatusFailed])
}

func (s *InMemorySuite) TestReplaceChildren() {
	s.seed(ready(1))
	born := models.Date(2022, 2, 10)

	s.Require().NoError(s.store.ReplaceChildren(s.ctx, 1, []models.Child{
		{RecordID: 1, NationalID: "a", BirthDate: &born},
		{RecordID: 1, NationalID: "b"},
	}))
	n, err := s.store.CountChildrenForApplication(s.ctx, 100)
	s.Require().NoError(err)
	s.Equal(int64(2), n)

	// reprocessing replaces, never merges
	s.Require().NoError(s.store.ReplaceChildren(s.ctx, 1, []models.Child{{RecordID: 1, NationalID: "c"}}))
	kids, err := s.store.ChildrenOf(s.ctx, 1)
	s.Require().NoError(err)
	s.Require().Len(kids, 1)
	s.Equal("c", kids[0].NationalID)

	s.ErrorIs(s.store.ReplaceChildren(s.ctx, 99, nil), sentinel.ErrNotFound)
}

func (s *InMemorySuite) TestActivities() {
	s.store.SetActivities(10, 100, models.Activity{Code: models.ActivityCodeChildBirth, StaffFlag: models.StaffFlagCounted})

	got, err := s.store.Activities(s.ctx, 10, 100)
	s.Require().NoError(err)
	s.Len(got, 1)

	got, err = s.store.Activities(s.ctx, 10, 101)
	s.Require().NoError(err)
	s.Empty(got)
}
