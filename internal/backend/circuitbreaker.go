package backend

import (
	"net/http"
	"sync"
	"sync/atomic"
)

// CircuitBreaker is a process-wide, per-backend latch: once tripped by a
// throttling signal it stays tripped until process exit. Modeled on
// rclone's retry-on-429 handling in backend/b2's shouldRetryNoReauth,
// generalized from "retry this call" to "stop issuing calls at all".
type CircuitBreaker struct {
	tripped int32 // atomic bool

	once   sync.Once
	onTrip func()
}

// NewCircuitBreaker builds a breaker that invokes onTrip exactly once, the
// first time it flips to tripped. onTrip may be nil.
func NewCircuitBreaker(onTrip func()) *CircuitBreaker {
	return &CircuitBreaker{onTrip: onTrip}
}

// Tripped reports whether the breaker has latched.
func (c *CircuitBreaker) Tripped() bool {
	return atomic.LoadInt32(&c.tripped) != 0
}

// Trip latches the breaker, firing the callback exactly once.
func (c *CircuitBreaker) Trip() {
	if atomic.CompareAndSwapInt32(&c.tripped, 0, 1) {
		c.once.Do(func() {
			if c.onTrip != nil {
				c.onTrip()
			}
		})
	}
}

// Observe inspects an HTTP response/error pair from a backend call and
// trips the breaker on a 429 (Throttled) signal. Every issuer MUST call
// Observe after every backend result, and MUST check Tripped before
// issuing a new request.
func (c *CircuitBreaker) Observe(resp *http.Response, err error) {
	if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
		c.Trip()
		return
	}
	if IsThrottled(err) {
		c.Trip()
	}
}
