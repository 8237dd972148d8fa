// Package circuitbreaker stops webhook delivery to endpoints that keep
// failing. Each endpoint has its own circuit: closed, open, then half-open
// for a single probe once the cool-down has passed.
package circuitbreaker

import (
	"sync"
	"time"
)

// State of one endpoint's circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// TransitionFunc observes state changes. It runs with the breaker locked
// and must not call back into it.
type TransitionFunc func(key string, from, to State)

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker tracks circuits by key (the endpoint URL).
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	cooldown     time.Duration
	now          func() time.Time
	onTransition TransitionFunc
}

// New creates a breaker that opens a circuit after threshold consecutive
// failures and keeps it open for cooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// WithClock overrides the clock (for testing).
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// OnTransition registers fn to observe state changes.
func (b *Breaker) OnTransition(fn TransitionFunc) *Breaker {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
	return b
}

// Allow reports whether a delivery to key may proceed. An open circuit
// whose cool-down has elapsed lets exactly one probe through.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}

	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.cooldown {
			return false
		}
		b.move(key, c, StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess closes the circuit and forgets past failures.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	b.move(key, c, StateClosed)
	// Healthy endpoints don't need an entry.
	delete(b.circuits, key)
}

// RecordFailure counts a failed delivery. A failed probe reopens the
// circuit immediately.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++

	if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= b.threshold) {
		c.openedAt = b.now()
		b.move(key, c, StateOpen)
	}
}

// State returns key's current state. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// OpenCount returns how many circuits are not closed.
func (b *Breaker) OpenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, c := range b.circuits {
		if c.state != StateClosed {
			n++
		}
	}
	return n
}

// move must be called with b.mu held.
func (b *Breaker) move(key string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	if b.onTransition != nil {
		b.onTransition(key, from, to)
	}
}
