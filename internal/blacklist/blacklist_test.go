package blacklist

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpufleet/gpufleet/pkg/models"
)

func newTestBlacklist(ttl time.Duration) *Blacklist {
	return New(ttl, slog.Default())
}

func TestBlacklist_AddAndCheck(t *testing.T) {
	bl := newTestBlacklist(time.Hour)

	assert.False(t, bl.IsBlacklisted("900"))

	bl.Add("900", "ssh probe failed")

	assert.True(t, bl.IsBlacklisted("900"))
	assert.False(t, bl.IsBlacklisted("901"))
}

func TestBlacklist_EntryExpires(t *testing.T) {
	bl := newTestBlacklist(time.Hour)

	bl.AddWithTTL("900", "ssh probe failed", 20*time.Millisecond)
	assert.True(t, bl.IsBlacklisted("900"))

	time.Sleep(50 * time.Millisecond)

	assert.False(t, bl.IsBlacklisted("900"))
}

func TestBlacklist_AddRefreshesExpiry(t *testing.T) {
	bl := newTestBlacklist(time.Hour)

	bl.AddWithTTL("900", "first failure", 20*time.Millisecond)
	bl.Add("900", "second failure")

	time.Sleep(50 * time.Millisecond)

	// The refresh replaced the short TTL with the default
	assert.True(t, bl.IsBlacklisted("900"))

	entry, ok := bl.Get("900")
	require.True(t, ok)
	assert.Equal(t, "second failure", entry.Reason)
}

func TestBlacklist_Remove(t *testing.T) {
	bl := newTestBlacklist(time.Hour)

	bl.Add("900", "ssh probe failed")
	bl.Remove("900")

	assert.False(t, bl.IsBlacklisted("900"))
}

func TestBlacklist_Entries(t *testing.T) {
	bl := newTestBlacklist(time.Hour)

	bl.Add("900", "ssh probe failed")
	bl.Add("901", "provisioning timeout")

	entries := bl.Entries()
	assert.Len(t, entries, 2)
	assert.Equal(t, 2, bl.Size())

	machines := map[string]string{}
	for _, e := range entries {
		machines[e.MachineID] = e.Reason
	}
	assert.Equal(t, "ssh probe failed", machines["900"])
	assert.Equal(t, "provisioning timeout", machines["901"])
}

func TestBlacklist_FilterOffers(t *testing.T) {
	bl := newTestBlacklist(time.Hour)
	bl.Add("901", "ssh probe failed")

	offers := []models.GPUOffer{
		{ID: "1", MachineID: "900", GPUName: "RTX 4090"},
		{ID: "2", MachineID: "901", GPUName: "RTX 4090"},
		{ID: "3", MachineID: "902", GPUName: "A100"},
	}

	filtered := bl.FilterOffers(offers)

	require.Len(t, filtered, 2)
	assert.Equal(t, "900", filtered[0].MachineID)
	assert.Equal(t, "902", filtered[1].MachineID)
}

func TestBlacklist_EmptyMachineIDIgnored(t *testing.T) {
	bl := newTestBlacklist(time.Hour)

	bl.Add("", "bogus")

	assert.Equal(t, 0, bl.Size())
}

func TestBlacklist_DefaultTTL(t *testing.T) {
	bl := New(0, slog.Default())

	bl.Add("900", "ssh probe failed")

	entry, ok := bl.Get("900")
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(DefaultTTL), entry.ExpiresAt, time.Minute)
}
