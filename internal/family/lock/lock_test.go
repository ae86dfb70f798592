package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_SingleHolder(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()

	ok, err := l.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, l.Held())

	ok, err = l.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Release(ctx))
	assert.False(t, l.Held())

	ok, err = l.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocal_ConcurrentAcquireHasOneWinner(t *testing.T) {
	l := NewLocal()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.TryAcquire(context.Background()); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestNewRedis_Validates(t *testing.T) {
	_, err := NewRedis(nil, "k", time.Minute)
	require.Error(t, err)
}
