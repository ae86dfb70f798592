// Package throttle provides an adaptive token-bucket limiter for outbound calls.
//
// The permitted rate starts at a ceiling and reacts to upstream health: every
// third consecutive timeout halves it (never below the floor) and every
// fiftieth consecutive success raises it by 20% (never above the ceiling).
package throttle

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

const (
	DefaultFloor = 5.0

	decreaseEvery  = 3
	increaseEvery  = 50
	decreaseFactor = 0.5
	increaseFactor = 1.2
)

// Change reports a rate adjustment. From equals To when nothing changed.
type Change struct {
	From float64
	To   float64
}

func (c Change) Changed() bool {
	return c.From != c.To
}

type Adaptive struct {
	limiter *rate.Limiter
	ceiling float64
	floor   float64

	mu        sync.Mutex
	current   float64
	timeouts  int
	successes int
}

// NewAdaptive returns a limiter starting at ceiling permits per second.
func NewAdaptive(ceiling float64) *Adaptive {
	if ceiling <= 0 {
		ceiling = DefaultFloor
	}
	floor := min(DefaultFloor, ceiling)
	return &Adaptive{
		limiter: rate.NewLimiter(rate.Limit(ceiling), 1),
		ceiling: ceiling,
		floor:   floor,
		current: ceiling,
	}
}

// Acquire blocks until a permit is available or ctx is done.
func (a *Adaptive) Acquire(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

func (a *Adaptive) CurrentRate() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

func (a *Adaptive) Ceiling() float64 {
	return a.ceiling
}

func (a *Adaptive) Floor() float64 {
	return a.floor
}

// RecordTimeout registers a timeout-class failure and resets the success streak.
func (a *Adaptive) RecordTimeout() Change {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.successes = 0
	a.timeouts++
	if a.timeouts%decreaseEvery != 0 || a.current <= a.floor {
		return Change{From: a.current, To: a.current}
	}
	return a.set(max(a.floor, a.current*decreaseFactor))
}

// RecordSuccess registers an answered call and resets the timeout streak.
func (a *Adaptive) RecordSuccess() Change {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.timeouts = 0
	a.successes++
	if a.successes%increaseEvery != 0 || a.current >= a.ceiling {
		return Change{From: a.current, To: a.current}
	}
	return a.set(min(a.ceiling, a.current*increaseFactor))
}

func (a *Adaptive) set(next float64) Change {
	change := Change{From: a.current, To: next}
	a.current = next
	a.limiter.SetLimit(rate.Limit(next))
	return change
}
