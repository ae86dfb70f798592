package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("DIFFERENT")
	require.NoError(t, err)
	assert.Equal(t, StatusDifferent, s)
	assert.True(t, s.IsTerminal())

	_, err = ParseStatus("DONE")
	require.Error(t, err)

	assert.False(t, StatusProcessing.IsTerminal())
	assert.False(t, StatusReady.IsTerminal())
}

func TestRecordTransitions(t *testing.T) {
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	r := &Record{ID: 1, Status: StatusReady}

	r.ApplyClaim(at)
	assert.Equal(t, StatusProcessing, r.Status)
	require.NotNil(t, r.LastAttemptAt)
	assert.Equal(t, at, *r.LastAttemptAt)

	clone := r.Clone()
	*clone.LastAttemptAt = at.Add(time.Hour)
	assert.Equal(t, at, *r.LastAttemptAt)

	r.Fail("boom")
	assert.Equal(t, StatusFailed, r.Status)
	assert.Equal(t, "boom", r.DataErr)

	r.ApplyVerdict(StatusCompleted, `{"result_code":"1"}`)
	assert.Equal(t, StatusCompleted, r.Status)
	assert.Empty(t, r.DataErr)
}

func TestNewProgress(t *testing.T) {
	p := NewProgress(map[Status]int64{
		StatusReady:      5,
		StatusProcessing: 1,
		StatusCompleted:  2,
		StatusDifferent:  1,
		StatusFailed:     1,
	})

	assert.Equal(t, int64(10), p.Total)
	assert.Equal(t, int64(4), p.Processed)
	assert.Equal(t, int64(5), p.Pending)
	assert.Equal(t, int64(1), p.InFlight)
	assert.InDelta(t, 40.0, p.PercentComplete, 1e-9)

	empty := NewProgress(nil)
	assert.Zero(t, empty.PercentComplete)
	assert.Len(t, empty.ByStatus, len(Statuses))
}

func TestChildBornTo(t *testing.T) {
	c := Child{MotherNationalID: "12345678901234"}
	assert.True(t, c.BornTo("12345678901234"))
	assert.False(t, c.BornTo("00000000000000"))
	assert.False(t, Child{}.BornTo(""))
}
