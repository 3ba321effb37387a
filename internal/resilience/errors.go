package resilience

import (
	"errors"
	"fmt"
	"time"
)

// ErrRateLimited and ErrCircuitOpen allow errors.Is checks without
// unwrapping to the concrete types
var (
	ErrRateLimited = errors.New("failover rate limit exceeded")
	ErrCircuitOpen = errors.New("circuit breaker open")
)

// RateLimitError reports a machine whose failover budget is exhausted
type RateLimitError struct {
	MachineID  string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("machine %s: failover rate limit exceeded, retry after %s",
		e.MachineID, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// CircuitOpenError reports a strategy refused by its circuit breaker
type CircuitOpenError struct {
	Strategy string
	ReopenAt time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("strategy %s: circuit open until %s",
		e.Strategy, e.ReopenAt.Format(time.RFC3339))
}

func (e *CircuitOpenError) Unwrap() error {
	return ErrCircuitOpen
}

// IsRateLimited reports whether err is an internal rate-limit rejection
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsCircuitOpen reports whether err is a circuit-breaker rejection
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}
