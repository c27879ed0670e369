package backend

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrTransport is returned for connection/IO failures talking to a backend.
type ErrTransport struct{ Cause error }

func (e *ErrTransport) Error() string { return fmt.Sprintf("transport error: %v", e.Cause) }
func (e *ErrTransport) Unwrap() error { return e.Cause }

// ErrDecode is returned when a successful response body failed to parse.
type ErrDecode struct{ Cause error }

func (e *ErrDecode) Error() string { return fmt.Sprintf("decode error: %v", e.Cause) }
func (e *ErrDecode) Unwrap() error { return e.Cause }

// ErrBackend is a non-2xx response from the backend, with a best-effort
// parsed message or the raw body if parsing failed.
type ErrBackend struct {
	Status  int
	Message string
	Body    string
}

func (e *ErrBackend) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend error (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("backend error (status %d): %s", e.Status, e.Body)
}

// IsAlreadyExists reports whether err represents the backend's structured
// "Cache already exists" rejection of a reservation.
func IsAlreadyExists(err error) bool {
	var be *ErrBackend
	if errors.As(err, &be) {
		return be.Message == alreadyExistsMessage
	}
	return false
}

const alreadyExistsMessage = "Cache already exists"

// ErrThrottled indicates an HTTP 429 was observed; the circuit breaker has
// been (or is being) tripped as a side effect.
type ErrThrottled struct{ Status int }

func (e *ErrThrottled) Error() string { return "backend throttled the request (429)" }

// IsThrottled reports whether err (or a response-derived condition) is a
// throttling signal.
func IsThrottled(err error) bool {
	var te *ErrThrottled
	return errors.As(err, &te)
}

// ErrCircuitBreakerTripped is returned by an issuer that short-circuited
// because its breaker is latched.
type ErrCircuitBreakerTripped struct{}

func (e *ErrCircuitBreakerTripped) Error() string { return "circuit breaker tripped" }

// ErrTooManyCollisions is returned when reserve_unique exhausts its retry
// budget because every suffixed key already exists.
type ErrTooManyCollisions struct{ Key string }

func (e *ErrTooManyCollisions) Error() string {
	return fmt.Sprintf("too many key collisions reserving %q", e.Key)
}

// ErrIO wraps a local filesystem/stream error with operation context.
type ErrIO struct {
	Context string
	Cause   error
}

func (e *ErrIO) Error() string { return fmt.Sprintf("io error (%s): %v", e.Context, e.Cause) }
func (e *ErrIO) Unwrap() error { return e.Cause }

// ErrNotOk is returned when a typed RPC's ok field was false where the
// caller required true.
type ErrNotOk struct{ Method string }

func (e *ErrNotOk) Error() string { return fmt.Sprintf("rpc %s returned ok=false", e.Method) }

// ErrConfig indicates a fatal startup configuration problem.
type ErrConfig struct{ Cause error }

func (e *ErrConfig) Error() string { return fmt.Sprintf("config error: %v", e.Cause) }
func (e *ErrConfig) Unwrap() error { return e.Cause }
