//go:build e2e
// +build e2e

package e2e

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPolicyManagement exercises the global policy and per-machine
// override rows through their full CRUD surface.
func TestPolicyManagement(t *testing.T) {
	env := NewTestEnv()
	env.WaitForServer(t, 30*time.Second)

	// Later tests depend on the fleet default, so restore it on the way out
	defer env.PutGlobalPolicy(t, PolicyDocument{
		DefaultStrategy: "warm_pool",
		WarmPool:        WarmPoolConfig{Enabled: true},
	})

	t.Log("Step 1: The seeded global policy is readable...")
	global := env.GetGlobalPolicy(t)
	assert.Equal(t, "warm_pool", global.DefaultStrategy)
	assert.True(t, global.WarmPool.Enabled)
	assert.Empty(t, global.MachineID)

	t.Log("Step 2: Replacing the global policy...")
	updated := env.PutGlobalPolicy(t, PolicyDocument{
		DefaultStrategy: "all",
		WarmPool:        WarmPoolConfig{Enabled: true},
		RegionalVolume: RegionalVolumeConfig{
			Enabled:    true,
			Region:     "US-East",
			MountPoint: "/workspace",
			TimeoutS:   120,
		},
	})
	assert.Equal(t, "all", updated.DefaultStrategy)
	assert.True(t, updated.RegionalVolume.Enabled)

	roundTrip := env.GetGlobalPolicy(t)
	assert.Equal(t, "all", roundTrip.DefaultStrategy)
	assert.Equal(t, "US-East", roundTrip.RegionalVolume.Region)

	t.Log("Step 3: Invalid documents are refused...")
	status, body := env.apiRequest(t, http.MethodPut, "/api/v1/policies/global",
		map[string]any{"default_strategy": "teleport"})
	require.Equal(t, http.StatusBadRequest, status, "body: %s", body)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Contains(t, errResp.Error, `unknown default_strategy "teleport"`)

	status, body = env.apiRequest(t, http.MethodPut, "/api/v1/policies/global", map[string]any{})
	require.Equal(t, http.StatusBadRequest, status, "body: %s", body)
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Contains(t, errResp.Error, "default_strategy is required")

	t.Log("Step 4: Machine rows override by default...")
	m801 := env.PutMachinePolicy(t, "801", PolicyDocument{
		DefaultStrategy: "cpu_standby",
		CPUStandby: CPUStandbyConfig{
			Enabled:         true,
			MaxPricePerHour: 0.5,
			DiskGB:          20,
			Image:           testImage,
		},
	})
	defer env.DeleteMachinePolicyQuiet(t, "801")
	assert.Equal(t, "801", m801.MachineID)
	assert.True(t, m801.Override, "a machine PUT without override should default to overriding")

	explicit := false
	m802 := env.PutMachinePolicy(t, "802", PolicyDocument{
		DefaultStrategy: "regional_volume",
		RegionalVolume:  RegionalVolumeConfig{Enabled: true, Region: "EU-West"},
		Override:        &explicit,
	})
	defer env.DeleteMachinePolicyQuiet(t, "802")
	assert.False(t, m802.Override)

	t.Log("Step 5: Reading rows back...")
	status, body = env.GetMachinePolicyRaw(t, "801")
	require.Equal(t, http.StatusOK, status, "body: %s", body)

	var row PolicyResponse
	require.NoError(t, json.Unmarshal(body, &row))
	assert.Equal(t, "cpu_standby", row.DefaultStrategy)
	assert.True(t, row.CPUStandby.Enabled)

	status, _ = env.GetMachinePolicyRaw(t, "999")
	assert.Equal(t, http.StatusNotFound, status)

	list := env.ListPolicies(t)
	require.GreaterOrEqual(t, list.Count, 2)
	machines := make(map[string]bool)
	for _, p := range list.Policies {
		machines[p.MachineID] = true
	}
	assert.True(t, machines["801"], "machine 801 missing from policy listing")
	assert.True(t, machines["802"], "machine 802 missing from policy listing")

	t.Log("Step 6: Deleting a machine row...")
	env.DeleteMachinePolicy(t, "801")
	status, _ = env.GetMachinePolicyRaw(t, "801")
	assert.Equal(t, http.StatusNotFound, status)

	t.Log("Policy management test completed successfully")
}
