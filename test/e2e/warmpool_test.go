//go:build e2e
// +build e2e

package e2e

import (
	"encoding/json"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWarmPoolLifecycle provisions a pool, checks the marketplace holds
// exactly what the manager claims, then tears it all down.
func TestWarmPoolLifecycle(t *testing.T) {
	env := NewTestEnv()
	env.WaitForServer(t, 30*time.Second)
	env.WaitForMarket(t, 10*time.Second)

	cfg := WarmPoolConfig{
		Enabled:             true,
		VolumeSizeGB:        10,
		FailThreshold:       3,
		ReprovisionStandby:  false,
		MaxStandbyPriceHour: 1.0,
	}

	t.Log("Step 1: No pool yet, readiness agrees...")
	ready := env.GetReadiness(t, "101")
	assert.False(t, ready.WarmPoolReady)
	assert.Equal(t, "warm_pool", ready.Strategy)

	t.Log("Step 2: Provisioning a pool on machine 101...")
	pool := env.ProvisionWarmPool(t, "101", cfg)
	defer env.DeprovisionWarmPoolQuiet(t, "101")

	require.Equal(t, "active", pool.State)
	require.NotEmpty(t, pool.PrimaryID)
	require.NotEmpty(t, pool.StandbyID)
	require.NotEmpty(t, pool.VolumeID)
	assert.Zero(t, pool.ConsecutiveFails)
	t.Logf("Pool active: primary=%s standby=%s volume=%s", pool.PrimaryID, pool.StandbyID, pool.VolumeID)

	t.Log("Step 3: Verifying the marketplace holds the pair...")
	volID, err := strconv.Atoi(pool.VolumeID)
	require.NoError(t, err)

	primary := env.WaitForInstanceStatus(t, pool.PrimaryID, "running", 15*time.Second)
	assert.Equal(t, 101, primary.MachineID)
	assert.Equal(t, volID, primary.VolumeID)

	standby := env.WaitForInstanceStatus(t, pool.StandbyID, "stopped", 15*time.Second)
	assert.Equal(t, 101, standby.MachineID)
	assert.Equal(t, volID, standby.VolumeID, "both instances share the pool volume")

	var vol *MarketVolume
	for _, v := range env.ListMarketVolumes(t) {
		if v.ID == volID {
			vol = &v
			break
		}
	}
	require.NotNil(t, vol, "pool volume should exist on the marketplace")
	assert.Equal(t, 101, vol.MachineID, "pool volume is pinned to the host")
	assert.Equal(t, 10, vol.SizeGB)

	t.Log("Step 4: Reading the pool back...")
	got := env.GetWarmPool(t, "101")
	assert.Equal(t, pool.PrimaryID, got.PrimaryID)
	assert.Equal(t, pool.StandbyID, got.StandbyID)

	pools := env.ListWarmPools(t)
	assert.True(t, pools.HealthLoop, "health loop should be running")
	require.GreaterOrEqual(t, pools.Count, 1)
	found := false
	for _, p := range pools.Pools {
		if p.MachineID == "101" {
			found = true
			assert.Equal(t, "active", p.State)
		}
	}
	assert.True(t, found, "pool for machine 101 missing from listing")

	t.Log("Step 5: Readiness now reports the pool...")
	ready = env.GetReadiness(t, "101")
	assert.True(t, ready.WarmPoolReady)

	t.Log("Step 6: A second pool on the same machine is refused...")
	status, body := env.ProvisionWarmPoolRaw(t, "101", cfg)
	require.Equal(t, http.StatusConflict, status, "body: %s", body)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Contains(t, errResp.Error, "already exists")

	t.Log("Step 7: Deprovisioning...")
	env.DeprovisionWarmPool(t, "101")
	env.WaitForInstanceGone(t, pool.PrimaryID, 15*time.Second)
	env.WaitForInstanceGone(t, pool.StandbyID, 15*time.Second)

	for _, v := range env.ListMarketVolumes(t) {
		assert.NotEqual(t, volID, v.ID, "pool volume should be deleted")
	}

	status, _ = env.GetWarmPoolRaw(t, "101")
	assert.Equal(t, http.StatusNotFound, status)

	t.Log("Warm pool lifecycle test completed successfully")
}

// TestWarmPoolInsufficientSlots checks a single-slot host is refused
func TestWarmPoolInsufficientSlots(t *testing.T) {
	env := NewTestEnv()
	env.WaitForServer(t, 30*time.Second)

	status, body := env.ProvisionWarmPoolRaw(t, "106", WarmPoolConfig{
		Enabled:      true,
		VolumeSizeGB: 10,
	})
	require.Equal(t, http.StatusConflict, status, "body: %s", body)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Contains(t, errResp.Error, "rentable slots")
}

// TestWarmPoolNotFound checks reads and deletes of unknown pools 404
func TestWarmPoolNotFound(t *testing.T) {
	env := NewTestEnv()
	env.WaitForServer(t, 30*time.Second)

	status, _ := env.GetWarmPoolRaw(t, "777")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = env.apiRequest(t, http.MethodDelete, "/api/v1/warmpools/777", nil)
	assert.Equal(t, http.StatusNotFound, status)
}
