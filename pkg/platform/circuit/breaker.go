// Package circuit implements a three-state circuit breaker shared by every
// caller of a single upstream dependency.
//
// The breaker counts consecutive timeout-class failures. Once the failure
// threshold is reached it opens and rejects calls until the open duration
// elapses. It then moves to half-open and admits one probe call at a time; a
// run of successful probes closes it again, while any failed probe reopens it.
package circuit

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// State is the position of the breaker.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

const (
	DefaultFailureThreshold = 10
	DefaultSuccessThreshold = 5
	DefaultOpenDuration     = 60 * time.Second
)

// StateChange describes the transition caused by a single Record* call.
type StateChange struct {
	From   State
	To     State
	Opened bool
	Closed bool
}

// Changed reports whether the call moved the breaker to another state.
func (c StateChange) Changed() bool {
	return c.From != c.To
}

type Breaker struct {
	name             string
	failureThreshold int
	successThreshold int
	openDuration     time.Duration
	clock            clockwork.Clock

	mu        sync.Mutex
	state     State
	openedAt  time.Time
	failures  int
	successes int
	probing   bool
}

type Option func(*Breaker)

func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithSuccessThreshold sets how many consecutive half-open successes close the breaker.
func WithSuccessThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.successThreshold = n
		}
	}
}

func WithOpenDuration(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.openDuration = d
		}
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(b *Breaker) {
		if clock != nil {
			b.clock = clock
		}
	}
}

func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		failureThreshold: DefaultFailureThreshold,
		successThreshold: DefaultSuccessThreshold,
		openDuration:     DefaultOpenDuration,
		clock:            clockwork.NewRealClock(),
		state:            StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a call may proceed. An open breaker whose cooldown has
// elapsed moves to half-open and hands the single probe slot to this caller.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.clock.Since(b.openedAt) < b.openDuration {
			return false
		}
		b.state = StateHalfOpen
		b.successes = 0
		b.probing = true
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return false
	}
}

// RecordFailure registers a timeout-class failure.
func (b *Breaker) RecordFailure() StateChange {
	b.mu.Lock()
	defer b.mu.Unlock()

	change := StateChange{From: b.state, To: b.state}
	b.probing = false
	b.successes = 0
	b.failures++

	switch b.state {
	case StateHalfOpen:
		b.open()
	case StateClosed:
		if b.failures >= b.failureThreshold {
			b.open()
		}
	}

	change.To = b.state
	change.Opened = change.From != StateOpen && change.To == StateOpen
	return change
}

// RecordSuccess registers a call that reached the upstream and got an answer.
func (b *Breaker) RecordSuccess() StateChange {
	b.mu.Lock()
	defer b.mu.Unlock()

	change := StateChange{From: b.state, To: b.state}
	b.probing = false
	b.failures = 0

	if b.state == StateHalfOpen {
		b.successes++
		if b.successes >= b.successThreshold {
			b.close()
		}
	}

	change.To = b.state
	change.Closed = change.From != StateClosed && change.To == StateClosed
	return change
}

// RecordIgnored frees the probe slot for a call whose outcome says nothing
// about upstream health.
func (b *Breaker) RecordIgnored() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

// Cooldown reports whether the breaker is open and how long until it will
// admit a probe.
func (b *Breaker) Cooldown() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return false, 0
	}
	remaining := b.openDuration - b.clock.Since(b.openedAt)
	if remaining <= 0 {
		return false, 0
	}
	return true, remaining
}

func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateOpen
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Name() string {
	return b.name
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.close()
}

func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.clock.Now()
	b.successes = 0
}

func (b *Breaker) close() {
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.probing = false
	b.openedAt = time.Time{}
}
