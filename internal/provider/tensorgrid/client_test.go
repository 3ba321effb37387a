package tensorgrid

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gpufleet/gpufleet/internal/provider"
	"github.com/gpufleet/gpufleet/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Name(t *testing.T) {
	c := NewClient("test-key")
	assert.Equal(t, "tensorgrid", c.Name())
}

func TestClient_SupportsFeature(t *testing.T) {
	c := NewClient("test-key")

	tests := []struct {
		feature  provider.ProviderFeature
		expected bool
	}{
		{provider.FeatureVolumes, true},
		{provider.FeatureBidPricing, true},
		{provider.FeatureStopResume, true},
		{provider.ProviderFeature("teleportation"), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.feature), func(t *testing.T) {
			assert.Equal(t, tt.expected, c.SupportsFeature(tt.feature))
		})
	}
}

func TestClient_SearchOffers(t *testing.T) {
	// Create mock server
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/offers/", r.URL.Path)
		assert.Contains(t, r.Header.Get("Authorization"), "Bearer")

		resp := OffersResponse{
			Offers: []Offer{
				{
					ID:          12345,
					MachineID:   900,
					GPUName:     "RTX 4090",
					GPURam:      24576, // 24GB in MB
					NumGPUs:     1,
					DphTotal:    0.45,
					Geolocation: "California, US",
					Reliability: 0.95,
					MachineType: "on_demand",
					Rentable:    true,
				},
				{
					ID:          12346,
					MachineID:   901,
					GPUName:     "A100",
					GPURam:      81920, // 80GB in MB
					NumGPUs:     1,
					DphTotal:    1.50,
					Geolocation: "Virginia, US",
					Reliability: 0.99,
					MachineType: "interruptible",
					Rentable:    true,
				},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewClient("test-key", WithBaseURL(server.URL))

	offers, err := client.SearchOffers(context.Background(), models.OfferFilter{})

	require.NoError(t, err)
	assert.Len(t, offers, 2)

	// Check first offer
	assert.Equal(t, "12345", offers[0].ID)
	assert.Equal(t, "900", offers[0].MachineID)
	assert.Equal(t, "tensorgrid", offers[0].Provider)
	assert.Equal(t, "RTX 4090", offers[0].GPUName)
	assert.Equal(t, 24576, offers[0].GPURAMMb)
	assert.Equal(t, 0.45, offers[0].PricePerHour)
	assert.Equal(t, models.MachineOnDemand, offers[0].MachineType)
}

func TestClient_SearchOffers_WithFilter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Check that query contains filter params
		q := r.URL.Query().Get("q")
		assert.Contains(t, q, "rentable")
		assert.Contains(t, q, "gpu_ram")

		resp := OffersResponse{
			Offers: []Offer{
				{
					ID:          12345,
					GPUName:     "RTX 4090",
					GPURam:      24576,
					NumGPUs:     1,
					DphTotal:    0.45,
					Geolocation: "California, US",
					Reliability: 0.95,
					Rentable:    true,
				},
				{
					ID:          12346,
					GPUName:     "RTX 3080",
					GPURam:      10240, // 10GB - should be filtered out
					NumGPUs:     1,
					DphTotal:    0.25,
					Geolocation: "Texas, US",
					Reliability: 0.90,
					Rentable:    true,
				},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewClient("test-key", WithBaseURL(server.URL))

	filter := models.OfferFilter{
		MinGPURAMMb: 20480,
	}
	offers, err := client.SearchOffers(context.Background(), filter)

	require.NoError(t, err)
	assert.Len(t, offers, 1)
	assert.Equal(t, "RTX 4090", offers[0].GPUName)
}

func TestClient_CreateInstance(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/offers/12345/rent/", r.URL.Path)
		assert.Equal(t, http.MethodPut, r.Method)

		var req RentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "pytorch/pytorch", req.Image)
		assert.Contains(t, req.OnStart, "authorized_keys")
		assert.Zero(t, req.Price)

		json.NewEncoder(w).Encode(RentResponse{Success: true, NewContract: 777})
	}))
	defer server.Close()

	client := NewClient("test-key", WithBaseURL(server.URL))

	inst, err := client.CreateInstance(context.Background(), provider.CreateInstanceRequest{
		OfferID:      "12345",
		Image:        "pytorch/pytorch",
		DiskGB:       40,
		Label:        "fleet-race-abc123",
		SSHPublicKey: "ssh-ed25519 AAAA test@fleet",
	})

	require.NoError(t, err)
	assert.Equal(t, "777", inst.ID)
	assert.Equal(t, "tensorgrid", inst.Provider)
	assert.Equal(t, models.IntendedRunning, inst.IntendedStatus)
}

func TestClient_CreateInstance_OfferTaken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(RentResponse{Success: false, Error: "offer no longer available"})
	}))
	defer server.Close()

	client := NewClient("test-key", WithBaseURL(server.URL))

	_, err := client.CreateInstance(context.Background(), provider.CreateInstanceRequest{
		OfferID: "12345",
		Image:   "pytorch/pytorch",
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrOfferUnavailable)
}

func TestClient_CreateInstanceBid(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req RentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 0.35, req.Price)

		json.NewEncoder(w).Encode(RentResponse{Success: true, NewContract: 778})
	}))
	defer server.Close()

	client := NewClient("test-key", WithBaseURL(server.URL))

	inst, err := client.CreateInstanceBid(context.Background(), provider.CreateInstanceRequest{
		OfferID: "12345",
		Image:   "pytorch/pytorch",
	}, 0.35)

	require.NoError(t, err)
	assert.Equal(t, "778", inst.ID)
}

func TestClient_CreateInstanceBid_RejectsZeroBid(t *testing.T) {
	client := NewClient("test-key")

	_, err := client.CreateInstanceBid(context.Background(), provider.CreateInstanceRequest{
		OfferID: "12345",
	}, 0)

	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrValidation)
}

func TestClient_ListInstances(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/instances/", r.URL.Path)

		resp := InstancesResponse{
			Instances: []Instance{
				{
					ID:           123,
					Label:        "fleet-race-abc123",
					ActualStatus: "running",
					DphTotal:     0.50,
					StartDate:    1706500000,
				},
				{
					ID:           124,
					Label:        "someone-elses",
					ActualStatus: "running",
					DphTotal:     0.30,
				},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewClient("test-key", WithBaseURL(server.URL))

	instances, err := client.ListInstances(context.Background())

	require.NoError(t, err)
	assert.Len(t, instances, 2)
	assert.Equal(t, "123", instances[0].ID)
	assert.Equal(t, models.ActualRunning, instances[0].ActualStatus)
}

func TestClient_GetInstance(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/instances/123/", r.URL.Path)

		resp := InstanceResponse{
			Instance: Instance{
				ID:             123,
				MachineID:      900,
				ActualStatus:   "running",
				IntendedStatus: "running",
				SSHHost:        "ssh4.tensorgrid.io",
				SSHPort:        2222,
				VolumeID:       55,
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewClient("test-key", WithBaseURL(server.URL))

	inst, err := client.GetInstance(context.Background(), "123")

	require.NoError(t, err)
	assert.Equal(t, "123", inst.ID)
	assert.Equal(t, "ssh4.tensorgrid.io", inst.SSHHost)
	assert.Equal(t, 2222, inst.SSHPort)
	assert.Equal(t, "55", inst.VolumeID)
	assert.True(t, inst.HasSSH())
}

func TestClient_GetInstance_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient("test-key", WithBaseURL(server.URL))

	_, err := client.GetInstance(context.Background(), "99999")

	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrInstanceNotFound)
}

func TestClient_DestroyInstance(t *testing.T) {
	var method, path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		path = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient("test-key", WithBaseURL(server.URL))

	err := client.DestroyInstance(context.Background(), "123")

	require.NoError(t, err)
	assert.Equal(t, http.MethodDelete, method)
	assert.Equal(t, "/instances/123/", path)
}

func TestClient_PauseResume(t *testing.T) {
	var states []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/instances/123/state/", r.URL.Path)
		var req StateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		states = append(states, req.State)
		json.NewEncoder(w).Encode(StateResponse{Success: true})
	}))
	defer server.Close()

	client := NewClient("test-key", WithBaseURL(server.URL), WithMinInterval(0))

	require.NoError(t, client.PauseInstance(context.Background(), "123"))
	require.NoError(t, client.ResumeInstance(context.Background(), "123"))

	assert.Equal(t, []string{"stopped", "running"}, states)
}

func TestClient_GetBalance(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/account/", r.URL.Path)
		json.NewEncoder(w).Encode(AccountResponse{Credit: 42.50, Balance: 40.00, Email: "ops@example.com"})
	}))
	defer server.Close()

	client := NewClient("test-key", WithBaseURL(server.URL))

	balance, err := client.GetBalance(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 42.50, balance.Credit)
	assert.Equal(t, "ops@example.com", balance.Email)
}

func TestClient_CreateVolume(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/volumes/", r.URL.Path)
		assert.Equal(t, http.MethodPut, r.Method)

		var req CreateVolumeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 100, req.SizeGB)
		assert.Equal(t, 900, req.MachineID)

		json.NewEncoder(w).Encode(CreateVolumeResponse{Success: true, VolumeID: 55})
	}))
	defer server.Close()

	client := NewClient("test-key", WithBaseURL(server.URL))

	vol, err := client.CreateVolume(context.Background(), provider.CreateVolumeRequest{
		SizeGB:    100,
		Region:    "us-west",
		MachineID: "900",
		Label:     "fleet-warm-900",
	})

	require.NoError(t, err)
	assert.Equal(t, "55", vol.ID)
	assert.Equal(t, "900", vol.MachineID)
}

func TestClient_HandleError_RateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("rate limited"))
	}))
	defer server.Close()

	client := NewClient("test-key", WithBaseURL(server.URL))

	_, err := client.SearchOffers(context.Background(), models.OfferFilter{})

	require.Error(t, err)
	assert.True(t, provider.IsRateLimitError(err))
	retryAfter, _ := provider.RetryAfter(err)
	assert.Equal(t, 7.0, retryAfter.Seconds())
}

func TestClient_HandleError_InsufficientFunds(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": "insufficient credit balance"}`))
	}))
	defer server.Close()

	client := NewClient("test-key", WithBaseURL(server.URL))

	_, err := client.CreateInstance(context.Background(), provider.CreateInstanceRequest{
		OfferID: "12345",
		Image:   "pytorch/pytorch",
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrInsufficientFunds)
}

func TestOffer_ToGPUOffer(t *testing.T) {
	offer := Offer{
		ID:          12345,
		MachineID:   900,
		GPUName:     "GeForce RTX 4090",
		GPURam:      24576,
		NumGPUs:     2,
		DphTotal:    0.90,
		MinBid:      0.30,
		Geolocation: "California, US",
		Reliability: 0.95,
		MachineType: "interruptible",
		GPUSlots:    3,
		Rentable:    true,
	}

	got := offer.ToGPUOffer()

	assert.Equal(t, "12345", got.ID)
	assert.Equal(t, "900", got.MachineID)
	assert.Equal(t, "tensorgrid", got.Provider)
	assert.Equal(t, "RTX 4090", got.GPUName) // Normalized
	assert.Equal(t, 2, got.NumGPUs)
	assert.Equal(t, 24576, got.GPURAMMb)
	assert.Equal(t, 0.90, got.PricePerHour)
	assert.Equal(t, 0.30, got.MinBid)
	assert.Equal(t, models.MachineInterruptible, got.MachineType)
	assert.Equal(t, 3, got.GPUSlots)
}

func TestNormalizeGPUName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"RTX 4090", "RTX 4090"},
		{"GeForce RTX 4090", "RTX 4090"},
		{"NVIDIA A100", "A100"},
		{"Tesla V100", "V100"},
		{"RTX 5090", "RTX 5090"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, normalizeGPUName(tt.input))
		})
	}
}
