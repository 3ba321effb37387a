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

const testImage = "pytorch/pytorch:2.3.0-cuda12.1-cudnn8-runtime"

// TestInstanceLifecycle walks one rental through the full
// create/pause/resume/destroy arc and checks the audit trail behind it
func TestInstanceLifecycle(t *testing.T) {
	env := NewTestEnv()
	env.WaitForServer(t, 30*time.Second)
	env.WaitForMarket(t, 10*time.Second)

	t.Log("Step 1: Renting the budget offer...")
	label := GenerateLabel("e2e-user-")
	inst := env.CreateInstance(t, CreateInstanceRequest{
		OfferID: "106",
		Image:   testImage,
		DiskGB:  20,
		Label:   label,
		Reason:  "e2e lifecycle test",
		UserID:  "e2e",
	})
	defer env.DestroyInstanceQuiet(t, inst.InstanceID)

	require.NotEmpty(t, inst.InstanceID)
	assert.Equal(t, "106", inst.MachineID)
	assert.Equal(t, "106", inst.OfferID)
	assert.Equal(t, label, inst.Label)
	t.Logf("Created instance %s on machine %s", inst.InstanceID, inst.MachineID)

	t.Log("Step 2: Waiting for the rental to come up...")
	running := env.WaitForInstanceStatus(t, inst.InstanceID, "running", 30*time.Second)
	assert.NotEmpty(t, running.SSHHost, "running instance should have an SSH host")
	assert.Equal(t, label, running.Label)

	t.Log("Step 3: Pausing the instance...")
	env.InstanceAction(t, inst.InstanceID, "pause", "e2e pause")
	env.WaitForInstanceStatus(t, inst.InstanceID, "stopped", 30*time.Second)

	t.Log("Step 4: Resuming the instance...")
	env.InstanceAction(t, inst.InstanceID, "resume", "e2e resume")
	env.WaitForInstanceStatus(t, inst.InstanceID, "running", 30*time.Second)

	t.Log("Step 5: Destroying the instance...")
	env.InstanceAction(t, inst.InstanceID, "destroy", "e2e destroy")
	env.WaitForInstanceGone(t, inst.InstanceID, 30*time.Second)

	t.Log("Step 6: Checking the lifecycle audit trail...")
	events := env.ListEvents(t, "?instance_id="+inst.InstanceID)
	require.GreaterOrEqual(t, events.Count, 4, "expected create/pause/resume/destroy events")

	seen := make(map[string]EventRecord)
	for _, ev := range events.Events {
		seen[ev.Action] = ev
	}
	for _, action := range []string{"create", "pause", "resume", "destroy"} {
		ev, ok := seen[action]
		require.True(t, ok, "missing %s event", action)
		assert.True(t, ev.Success, "%s event should be marked successful", action)
		assert.Equal(t, "api_user", ev.CallerSource)
	}

	t.Log("Lifecycle test completed successfully")
}

// TestCreateInstanceValidation checks the request surface refuses
// malformed rentals before touching the marketplace
func TestCreateInstanceValidation(t *testing.T) {
	env := NewTestEnv()
	env.WaitForServer(t, 30*time.Second)

	t.Log("Step 1: Missing reason is rejected...")
	status, body := env.CreateInstanceRaw(t, CreateInstanceRequest{
		OfferID: "106",
		Image:   testImage,
	})
	require.Equal(t, http.StatusBadRequest, status, "body: %s", body)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Contains(t, errResp.Error, "reason is required")

	t.Log("Step 2: Missing image is rejected...")
	status, body = env.CreateInstanceRaw(t, CreateInstanceRequest{
		OfferID: "106",
		Reason:  "e2e validation",
	})
	require.Equal(t, http.StatusBadRequest, status, "body: %s", body)
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Contains(t, errResp.Error, "image is required")

	t.Log("Step 3: Unknown offer maps to unavailable...")
	status, body = env.CreateInstanceRaw(t, CreateInstanceRequest{
		OfferID: "99999",
		Image:   testImage,
		Reason:  "e2e validation",
	})
	require.Equal(t, http.StatusServiceUnavailable, status, "body: %s", body)
}
