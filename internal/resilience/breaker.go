package resilience

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/gpufleet/gpufleet/internal/metrics"
)

// BreakerGroup maintains one circuit breaker per failover strategy.
// A strategy that fails failThreshold times in a row is cut off for
// coolDown; the first probe after the cool-down decides whether it
// closes again.
type BreakerGroup struct {
	mu            sync.Mutex
	breakers      map[string]*gobreaker.TwoStepCircuitBreaker
	reopenAt      map[string]time.Time
	failThreshold uint32
	coolDown      time.Duration
	logger        *slog.Logger

	now func() time.Time
}

// NewBreakerGroup creates a group with the given trip threshold and
// cool-down applied to every strategy
func NewBreakerGroup(failThreshold int, coolDown time.Duration, logger *slog.Logger) *BreakerGroup {
	if failThreshold < 1 {
		failThreshold = 1
	}
	return &BreakerGroup{
		breakers:      make(map[string]*gobreaker.TwoStepCircuitBreaker),
		reopenAt:      make(map[string]time.Time),
		failThreshold: uint32(failThreshold),
		coolDown:      coolDown,
		logger:        logger.With("component", "circuit_breaker"),
		now:           time.Now,
	}
}

// Check fails with a CircuitOpenError when the strategy's breaker is
// open. Half-open passes; admission of the probe happens in Allow.
func (g *BreakerGroup) Check(strategy string) error {
	cb := g.breaker(strategy)
	if cb.State() == gobreaker.StateOpen {
		return &CircuitOpenError{Strategy: strategy, ReopenAt: g.reopenTime(strategy)}
	}
	return nil
}

// Allow admits one strategy attempt. The returned done func must be
// called with the attempt's outcome; it drives the state machine.
func (g *BreakerGroup) Allow(strategy string) (func(success bool), error) {
	cb := g.breaker(strategy)

	done, err := cb.Allow()
	if err != nil {
		// Both ErrOpenState and ErrTooManyRequests (half-open probe
		// already in flight) present to callers as an open circuit.
		return nil, &CircuitOpenError{Strategy: strategy, ReopenAt: g.reopenTime(strategy)}
	}
	return done, nil
}

// State returns the breaker state for a strategy as a wire-friendly
// string: closed, open, or half_open
func (g *BreakerGroup) State(strategy string) string {
	return stateLabel(g.breaker(strategy).State())
}

// breaker returns the strategy's breaker, creating it on first use
func (g *BreakerGroup) breaker(strategy string) *gobreaker.TwoStepCircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[strategy]; ok {
		return cb
	}

	cb := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        strategy,
		MaxRequests: 1, // half_open admits a single probe
		Timeout:     g.coolDown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= g.failThreshold
		},
		OnStateChange: g.onStateChange,
	})
	g.breakers[strategy] = cb
	return cb
}

func (g *BreakerGroup) onStateChange(name string, from, to gobreaker.State) {
	g.mu.Lock()
	if to == gobreaker.StateOpen {
		g.reopenAt[name] = g.now().Add(g.coolDown)
	} else {
		delete(g.reopenAt, name)
	}
	g.mu.Unlock()

	metrics.UpdateCircuitBreakerState(name, stateGaugeValue(to))
	g.logger.Warn("circuit breaker state change",
		"strategy", name,
		"from", stateLabel(from),
		"to", stateLabel(to))
}

func (g *BreakerGroup) reopenTime(strategy string) time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()

	if t, ok := g.reopenAt[strategy]; ok {
		return t
	}
	return g.now().Add(g.coolDown)
}

func stateLabel(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half_open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func stateGaugeValue(s gobreaker.State) int {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateOpen:
		return 1
	default:
		return 2
	}
}
