// Package resilience is the envelope every failover traverses: a
// per-machine rate limiter, per-strategy circuit breakers, a cleanup
// journal for unwinding failed attempts, and the append-only audit log.
package resilience

import (
	"log/slog"

	"github.com/gpufleet/gpufleet/internal/config"
)

// Envelope bundles the four coordinators. One instance is built at
// startup and passed explicitly to the components that gate on it.
type Envelope struct {
	RateLimiter *RateLimiter
	Breakers    *BreakerGroup
	Journal     *Journal
	Audit       *AuditLog
}

// NewEnvelope builds the envelope from configuration
func NewEnvelope(cfg config.ResilienceConfig, logger *slog.Logger) (*Envelope, error) {
	audit, err := NewAuditLog(cfg.AuditLogPath, cfg.AuditMaxRecords, logger)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		RateLimiter: NewRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow, logger),
		Breakers:    NewBreakerGroup(cfg.BreakerFailThreshold, cfg.BreakerCoolDown, logger),
		Journal:     NewJournal(audit, logger),
		Audit:       audit,
	}, nil
}

// Close flushes and releases the audit log
func (e *Envelope) Close() error {
	return e.Audit.Close()
}
