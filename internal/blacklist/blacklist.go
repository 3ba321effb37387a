// Package blacklist keeps a short-TTL deny-list of marketplace hosts that
// failed SSH probes or burned a provisioning attempt. Entries expire on
// their own; a host that is still bad after the TTL earns a fresh entry
// the next time it misbehaves.
package blacklist

import (
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"

	"github.com/gpufleet/gpufleet/internal/metrics"
	"github.com/gpufleet/gpufleet/pkg/models"
)

// DefaultTTL is how long a host stays listed unless overridden
const DefaultTTL = 6 * time.Hour

const pruneInterval = 10 * time.Minute

// Blacklist is a concurrency-safe machine_id deny-list
type Blacklist struct {
	entries    *cache.Cache
	defaultTTL time.Duration
	logger     *slog.Logger
}

// New creates a blacklist with the given default TTL (0 = DefaultTTL)
func New(defaultTTL time.Duration, logger *slog.Logger) *Blacklist {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Blacklist{
		entries:    cache.New(defaultTTL, pruneInterval),
		defaultTTL: defaultTTL,
		logger:     logger.With("component", "blacklist"),
	}
}

// Add inserts or refreshes an entry with the default TTL
func (b *Blacklist) Add(machineID, reason string) {
	b.AddWithTTL(machineID, reason, b.defaultTTL)
}

// AddWithTTL inserts or refreshes an entry with an explicit TTL
func (b *Blacklist) AddWithTTL(machineID, reason string, ttl time.Duration) {
	if machineID == "" {
		return
	}
	if ttl <= 0 {
		ttl = b.defaultTTL
	}

	now := time.Now()
	entry := models.BlacklistEntry{
		MachineID: machineID,
		Reason:    reason,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	b.entries.Set(machineID, entry, ttl)

	metrics.RecordBlacklistAddition(b.entries.ItemCount())
	b.logger.Info("host blacklisted",
		"machine_id", machineID,
		"reason", reason,
		"expires_at", entry.ExpiresAt)
}

// IsBlacklisted reports whether an unexpired entry exists for the host
func (b *Blacklist) IsBlacklisted(machineID string) bool {
	_, found := b.entries.Get(machineID)
	return found
}

// Get returns the entry for a host if one is active
func (b *Blacklist) Get(machineID string) (models.BlacklistEntry, bool) {
	v, found := b.entries.Get(machineID)
	if !found {
		return models.BlacklistEntry{}, false
	}
	return v.(models.BlacklistEntry), true
}

// Remove drops an entry before its TTL expires (operator override)
func (b *Blacklist) Remove(machineID string) {
	b.entries.Delete(machineID)
	b.logger.Info("host removed from blacklist", "machine_id", machineID)
}

// Entries returns all active entries, for the operator API
func (b *Blacklist) Entries() []models.BlacklistEntry {
	items := b.entries.Items()
	entries := make([]models.BlacklistEntry, 0, len(items))
	for _, item := range items {
		entries = append(entries, item.Object.(models.BlacklistEntry))
	}
	return entries
}

// Size returns the number of active entries
func (b *Blacklist) Size() int {
	return b.entries.ItemCount()
}

// FilterOffers drops offers hosted on blacklisted machines
func (b *Blacklist) FilterOffers(offers []models.GPUOffer) []models.GPUOffer {
	filtered := lo.Filter(offers, func(o models.GPUOffer, _ int) bool {
		return !b.IsBlacklisted(o.MachineID)
	})
	if dropped := len(offers) - len(filtered); dropped > 0 {
		b.logger.Debug("filtered blacklisted hosts from offers",
			"dropped", dropped,
			"remaining", len(filtered))
	}
	return filtered
}
