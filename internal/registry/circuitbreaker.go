package registry

import (
	"sync"
	"time"

	"github.com/chis/portsmith/internal/apperr"
)

// Breaker states.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

const (
	// breakerFailureThreshold is the consecutive-failure count that
	// opens a circuit.
	breakerFailureThreshold = 5

	// breakerResetTimeout is how long an open circuit waits before a
	// single probe request is let through.
	breakerResetTimeout = 30 * time.Second
)

// ErrCircuitOpen fails a resolution fast while a registry is tripped.
var ErrCircuitOpen = apperr.New(apperr.KindTransient, "registry temporarily unavailable")

// breaker is a per-registry-host circuit breaker. Consecutive
// transient failures open the circuit so a dead registry does not eat
// the whole fan-out budget of a batch.
type breaker struct {
	mu       sync.Mutex
	circuits map[string]*circuit
}

type circuit struct {
	state      breakerState
	failures   int
	lastChange time.Time
}

func newBreaker() *breaker {
	return &breaker{circuits: make(map[string]*circuit)}
}

// allow reports whether a request to the host may proceed.
func (b *breaker) allow(host string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(host)
	switch c.state {
	case breakerOpen:
		if time.Since(c.lastChange) >= breakerResetTimeout {
			c.state = breakerHalfOpen
			c.lastChange = time.Now()
			return true
		}
		return false
	case breakerHalfOpen:
		// only the probe in flight
		return false
	default:
		return true
	}
}

func (b *breaker) recordSuccess(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(host)
	c.failures = 0
	if c.state != breakerClosed {
		c.state = breakerClosed
		c.lastChange = time.Now()
	}
}

func (b *breaker) recordFailure(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuit(host)
	c.failures++
	switch c.state {
	case breakerClosed:
		if c.failures >= breakerFailureThreshold {
			c.state = breakerOpen
			c.lastChange = time.Now()
		}
	case breakerHalfOpen:
		c.state = breakerOpen
		c.lastChange = time.Now()
	}
}

func (b *breaker) circuit(host string) *circuit {
	if c, ok := b.circuits[host]; ok {
		return c
	}
	c := &circuit{lastChange: time.Now()}
	b.circuits[host] = c
	return c
}
