package spotvm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gpufleet/gpufleet/internal/metrics"
	"github.com/gpufleet/gpufleet/internal/provider"
)

const (
	defaultBaseURL = "https://api.spotvm.cloud/v2"
	defaultTimeout = 30 * time.Second

	// Standbys exist to keep a workspace reachable, not to compute. The
	// cheapest shared-core type is the default.
	defaultMachineType = "shared-4x16"
	defaultZone        = "us-central"
)

// Client implements provider.StandbyProvider for the SpotVM CPU cloud.
// Standby instances bridge the gap while a replacement GPU is raced.
type Client struct {
	authID     string // Authorization ID
	apiToken   string // API Token
	baseURL    string
	httpClient *http.Client

	// Rate limiting
	mu          sync.Mutex
	lastRequest time.Time
	minInterval time.Duration
}

// ClientOption configures the SpotVM client
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL (for testing)
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithMinInterval sets the minimum interval between requests
func WithMinInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.minInterval = d
	}
}

// NewClient creates a new SpotVM client
func NewClient(authID, apiToken string, opts ...ClientOption) *Client {
	c := &Client{
		authID:      authID,
		apiToken:    apiToken,
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{Timeout: defaultTimeout},
		minInterval: time.Second, // Default 1 request per second
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Name returns the provider identifier
func (c *Client) Name() string {
	return "spotvm"
}

// Provision creates a standby CPU instance
func (c *Client) Provision(ctx context.Context, req provider.StandbyRequest) (*provider.StandbyInstance, error) {
	c.rateLimit()

	machineType := req.MachineType
	if machineType == "" {
		machineType = defaultMachineType
	}
	zone := req.Zone
	if zone == "" {
		zone = defaultZone
	}

	createReq := createInstanceRequest{
		Data: createInstanceData{
			Name:        req.Label,
			MachineType: machineType,
			Zone:        zone,
			DiskGB:      req.DiskGB,
			Spot:        true,
			CloudInit: &cloudInit{
				PackageUpdate: true,
				Packages:      []string{"rsync"},
			},
		},
	}

	body, err := json.Marshal(createReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/instances", strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.setAuthHeader(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	metrics.RecordProviderAPIResponseTime("spotvm", "Provision", time.Since(start))
	if err != nil {
		metrics.RecordProviderError("spotvm", "Provision")
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		metrics.RecordProviderError("spotvm", "Provision")
		return nil, c.handleError(resp, "Provision")
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	// SpotVM sometimes returns HTTP 200 with an error in the body
	var errResp errorResponse
	if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Status >= 400 {
		if isCapacityErrorMessage(errResp.Error) {
			return nil, provider.NewProviderError("spotvm", "Provision", errResp.Status,
				errResp.Error, provider.ErrOfferUnavailable)
		}
		return nil, provider.NewProviderError("spotvm", "Provision", errResp.Status,
			errResp.Error, provider.ErrProviderError)
	}

	var result instanceResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("%w: %v (body: %s)", provider.ErrInvalidResponse, err, truncate(string(respBody), 200))
	}
	if result.Data.ID == "" {
		return nil, fmt.Errorf("%w: empty instance ID (body: %s)", provider.ErrInvalidResponse, truncate(string(respBody), 200))
	}

	return toStandbyInstance(result.Data), nil
}

// List returns this account's standby instances
func (c *Client) List(ctx context.Context) ([]provider.StandbyInstance, error) {
	c.rateLimit()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/instances", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.setAuthHeader(req)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordProviderError("spotvm", "List")
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.RecordProviderError("spotvm", "List")
		return nil, c.handleError(resp, "List")
	}

	var result instancesResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrInvalidResponse, err)
	}

	instances := make([]provider.StandbyInstance, 0, len(result.Data.Instances))
	for _, inst := range result.Data.Instances {
		instances = append(instances, *toStandbyInstance(inst))
	}
	return instances, nil
}

// Destroy tears down a standby instance
func (c *Client) Destroy(ctx context.Context, instanceID string) error {
	c.rateLimit()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/instances/"+instanceID, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	c.setAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordProviderError("spotvm", "Destroy")
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		metrics.RecordProviderError("spotvm", "Destroy")
		return c.handleError(resp, "Destroy")
	}

	return nil
}

// GetSpotPricing returns the current spot price for a machine type
func (c *Client) GetSpotPricing(ctx context.Context, machineType, zone string) (*provider.SpotPricing, error) {
	c.rateLimit()

	if machineType == "" {
		machineType = defaultMachineType
	}
	if zone == "" {
		zone = defaultZone
	}

	// The pricing endpoint authenticates via query params, unlike the
	// Bearer-authenticated instance endpoints.
	u, _ := url.Parse(c.baseURL + "/pricing/spot")
	q := u.Query()
	q.Set("auth_id", c.authID)
	q.Set("api_token", c.apiToken)
	q.Set("machine_type", machineType)
	q.Set("zone", zone)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordProviderError("spotvm", "GetSpotPricing")
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.RecordProviderError("spotvm", "GetSpotPricing")
		return nil, c.handleError(resp, "GetSpotPricing")
	}

	var result pricingResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrInvalidResponse, err)
	}

	return &provider.SpotPricing{
		MachineType:  result.Data.MachineType,
		Zone:         result.Data.Zone,
		PricePerHour: result.Data.PricePerHour,
		Currency:     result.Data.Currency,
	}, nil
}

// setAuthHeader adds Bearer token authentication header
func (c *Client) setAuthHeader(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("X-Auth-ID", c.authID)
}

// rateLimit enforces minimum interval between requests
func (c *Client) rateLimit() {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.lastRequest)
	if elapsed < c.minInterval {
		time.Sleep(c.minInterval - elapsed)
	}
	c.lastRequest = time.Now()
}

// handleError converts HTTP errors to the core error kinds
func (c *Client) handleError(resp *http.Response, operation string) error {
	body, _ := io.ReadAll(resp.Body)
	return provider.MapHTTPError("spotvm", operation, resp.StatusCode, string(body), 0)
}

func toStandbyInstance(w wireInstance) *provider.StandbyInstance {
	return &provider.StandbyInstance{
		ID:           w.ID,
		MachineType:  w.MachineType,
		Zone:         w.Zone,
		Status:       w.Status,
		SSHHost:      w.IPAddress,
		SSHPort:      w.SSHPort,
		PricePerHour: w.PricePerHour,
		CreatedAt:    unixOrNow(w.CreatedAt),
	}
}

// isCapacityErrorMessage checks if an error message indicates the spot pool
// is exhausted in the requested zone
func isCapacityErrorMessage(msg string) bool {
	capacityIndicators := []string{
		"no capacity",
		"insufficient capacity",
		"preempted",
		"out of stock",
	}
	msgLower := strings.ToLower(msg)
	for _, indicator := range capacityIndicators {
		if strings.Contains(msgLower, indicator) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
