package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdaptive_StartsAtCeiling(t *testing.T) {
	a := NewAdaptive(40)
	assert.Equal(t, 40.0, a.CurrentRate())
	assert.Equal(t, 40.0, a.Ceiling())
	assert.Equal(t, DefaultFloor, a.Floor())
}

func TestAdaptive_HalvesOnEveryThirdTimeout(t *testing.T) {
	a := NewAdaptive(40)

	assert.False(t, a.RecordTimeout().Changed())
	assert.False(t, a.RecordTimeout().Changed())

	change := a.RecordTimeout()
	assert.True(t, change.Changed())
	assert.Equal(t, 40.0, change.From)
	assert.Equal(t, 20.0, change.To)

	for range 3 {
		a.RecordTimeout()
	}
	assert.Equal(t, 10.0, a.CurrentRate())

	for range 3 {
		a.RecordTimeout()
	}
	assert.Equal(t, 5.0, a.CurrentRate())

	// floor holds
	for range 6 {
		a.RecordTimeout()
	}
	assert.Equal(t, 5.0, a.CurrentRate())
}

func TestAdaptive_SuccessBreaksTimeoutStreak(t *testing.T) {
	a := NewAdaptive(40)

	a.RecordTimeout()
	a.RecordTimeout()
	a.RecordSuccess()
	a.RecordTimeout()
	assert.Equal(t, 40.0, a.CurrentRate())
}

func TestAdaptive_RaisesAfterFiftySuccesses(t *testing.T) {
	a := NewAdaptive(40)
	for range 3 {
		a.RecordTimeout()
	}
	require.Equal(t, 20.0, a.CurrentRate())

	for range 49 {
		assert.False(t, a.RecordSuccess().Changed())
	}
	change := a.RecordSuccess()
	assert.True(t, change.Changed())
	assert.InDelta(t, 24.0, change.To, 1e-9)

	// ceiling holds
	for range 50 * 10 {
		a.RecordSuccess()
	}
	assert.Equal(t, 40.0, a.CurrentRate())
}

func TestAdaptive_CeilingBelowFloor(t *testing.T) {
	a := NewAdaptive(2)
	assert.Equal(t, 2.0, a.Floor())

	for range 3 {
		a.RecordTimeout()
	}
	assert.Equal(t, 2.0, a.CurrentRate())
}

func TestAdaptive_AcquireHonoursContext(t *testing.T) {
	a := NewAdaptive(1)
	require.NoError(t, a.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := a.Acquire(ctx)
	require.Error(t, err)
}
