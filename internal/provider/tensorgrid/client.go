package tensorgrid

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gpufleet/gpufleet/internal/metrics"
	"github.com/gpufleet/gpufleet/internal/provider"
	"github.com/gpufleet/gpufleet/pkg/models"
)

const (
	defaultBaseURL = "https://console.tensorgrid.io/api/v0"
	defaultTimeout = 30 * time.Second
)

// Client implements provider.InstanceProvider and provider.VolumeSupport
// against the TensorGrid marketplace API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client

	// Rate limiting
	mu          sync.Mutex
	lastRequest time.Time
	minInterval time.Duration
}

// ClientOption configures the TensorGrid client
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL (for testing and mockmarket)
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

// NewClient creates a new TensorGrid client
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:      apiKey,
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{Timeout: defaultTimeout},
		minInterval: 200 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Name returns the provider identifier
func (c *Client) Name() string {
	return "tensorgrid"
}

// SupportsFeature checks if the provider supports a specific feature
func (c *Client) SupportsFeature(feature provider.ProviderFeature) bool {
	switch feature {
	case provider.FeatureVolumes:
		return true // TensorGrid has persistent volumes
	case provider.FeatureBidPricing:
		return true // Interruptible offers take bids
	case provider.FeatureStopResume:
		return true
	default:
		return false
	}
}

// SearchOffers returns rentable GPU offers matching the filter
func (c *Client) SearchOffers(ctx context.Context, filter models.OfferFilter) ([]models.GPUOffer, error) {
	c.rateLimit()

	// TensorGrid uses a JSON query syntax on the q parameter
	query := map[string]interface{}{
		"rentable": map[string]bool{"eq": true},
	}

	if filter.GPUName != "" {
		query["gpu_name"] = map[string]string{"eq": filter.GPUName}
	}
	if filter.MinGPURAMMb > 0 {
		query["gpu_ram"] = map[string]int{"gte": filter.MinGPURAMMb}
	}
	if filter.MaxPrice > 0 {
		query["dph_total"] = map[string]float64{"lte": filter.MaxPrice}
	}
	if filter.MinReliability > 0 {
		query["reliability2"] = map[string]float64{"gte": filter.MinReliability}
	}
	if filter.Geolocation != "" {
		query["geolocation"] = map[string]string{"in": filter.Geolocation}
	}
	if filter.VerifiedOnly {
		query["verified"] = map[string]bool{"eq": true}
	}

	queryJSON, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	reqURL := fmt.Sprintf("%s/offers/?q=%s", c.baseURL, url.QueryEscape(string(queryJSON)))

	var result OffersResponse
	if err := c.doJSON(ctx, http.MethodGet, reqURL, nil, &result, "SearchOffers"); err != nil {
		return nil, err
	}

	offers := make([]models.GPUOffer, 0, len(result.Offers))
	for _, o := range result.Offers {
		offer := o.ToGPUOffer()
		// The server-side query is advisory; re-filter locally
		if offer.MatchesFilter(filter) {
			offers = append(offers, offer)
		}
	}

	return offers, nil
}

// CreateInstance rents an offer at its listed price
func (c *Client) CreateInstance(ctx context.Context, req provider.CreateInstanceRequest) (*models.Instance, error) {
	return c.rent(ctx, req, 0)
}

// CreateInstanceBid rents an interruptible offer at the given bid price
func (c *Client) CreateInstanceBid(ctx context.Context, req provider.CreateInstanceRequest, bidPrice float64) (*models.Instance, error) {
	if bidPrice <= 0 {
		return nil, fmt.Errorf("%w: bid price must be positive", provider.ErrValidation)
	}
	return c.rent(ctx, req, bidPrice)
}

func (c *Client) rent(ctx context.Context, req provider.CreateInstanceRequest, bidPrice float64) (*models.Instance, error) {
	c.rateLimit()

	offerID, err := strconv.Atoi(req.OfferID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid offer ID %q", provider.ErrValidation, req.OfferID)
	}

	rentReq := RentRequest{
		ClientID:  "me",
		Image:     req.Image,
		DiskSpace: req.DiskGB,
		Label:     req.Label,
		OnStart:   req.OnStart,
		Env:       req.Env,
		Price:     bidPrice,
	}

	// Inject the SSH key through the onstart script
	if req.SSHPublicKey != "" {
		inject := fmt.Sprintf("mkdir -p ~/.ssh && echo '%s' >> ~/.ssh/authorized_keys", req.SSHPublicKey)
		if rentReq.OnStart != "" {
			rentReq.OnStart = inject + "\n" + rentReq.OnStart
		} else {
			rentReq.OnStart = inject
		}
	}

	if req.VolumeID != "" {
		volumeID, err := strconv.Atoi(req.VolumeID)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid volume ID %q", provider.ErrValidation, req.VolumeID)
		}
		rentReq.VolumeID = volumeID
		rentReq.MountPoint = req.MountPoint
	}
	if req.StartStopped {
		rentReq.RunState = "stopped"
	}

	reqURL := fmt.Sprintf("%s/offers/%d/rent/", c.baseURL, offerID)

	var result RentResponse
	if err := c.doJSON(ctx, http.MethodPut, reqURL, rentReq, &result, "CreateInstance"); err != nil {
		return nil, err
	}

	if !result.Success {
		return nil, provider.NewProviderError("tensorgrid", "CreateInstance", 0, result.Error, provider.ErrOfferUnavailable)
	}

	metrics.RecordInstanceCreated("tensorgrid")

	intended := models.IntendedRunning
	actual := models.ActualProvisioning
	if req.StartStopped {
		intended = models.IntendedStopped
	}
	return &models.Instance{
		ID:             strconv.Itoa(result.NewContract),
		OfferID:        req.OfferID,
		Provider:       "tensorgrid",
		IntendedStatus: intended,
		ActualStatus:   actual,
		Label:          req.Label,
		VolumeID:       req.VolumeID,
		StartedAt:      time.Now(),
	}, nil
}

// GetInstance returns the current state of an instance
func (c *Client) GetInstance(ctx context.Context, instanceID string) (*models.Instance, error) {
	c.rateLimit()

	reqURL := fmt.Sprintf("%s/instances/%s/", c.baseURL, instanceID)

	var result InstanceResponse
	if err := c.doJSON(ctx, http.MethodGet, reqURL, nil, &result, "GetInstance"); err != nil {
		return nil, err
	}

	inst := result.Instance.ToInstance()
	return &inst, nil
}

// ListInstances returns all instances belonging to this account
func (c *Client) ListInstances(ctx context.Context) ([]models.Instance, error) {
	c.rateLimit()

	reqURL := fmt.Sprintf("%s/instances/", c.baseURL)

	var result InstancesResponse
	if err := c.doJSON(ctx, http.MethodGet, reqURL, nil, &result, "ListInstances"); err != nil {
		return nil, err
	}

	instances := make([]models.Instance, 0, len(result.Instances))
	for _, inst := range result.Instances {
		instances = append(instances, inst.ToInstance())
	}

	return instances, nil
}

// DestroyInstance tears down an instance
func (c *Client) DestroyInstance(ctx context.Context, instanceID string) error {
	c.rateLimit()

	reqURL := fmt.Sprintf("%s/instances/%s/", c.baseURL, instanceID)
	return c.doJSON(ctx, http.MethodDelete, reqURL, nil, nil, "DestroyInstance")
}

// PauseInstance asks the marketplace to stop the instance
func (c *Client) PauseInstance(ctx context.Context, instanceID string) error {
	return c.setState(ctx, instanceID, "stopped", "PauseInstance")
}

// ResumeInstance asks the marketplace to start a stopped instance
func (c *Client) ResumeInstance(ctx context.Context, instanceID string) error {
	return c.setState(ctx, instanceID, "running", "ResumeInstance")
}

func (c *Client) setState(ctx context.Context, instanceID, state, operation string) error {
	c.rateLimit()

	reqURL := fmt.Sprintf("%s/instances/%s/state/", c.baseURL, instanceID)

	var result StateResponse
	if err := c.doJSON(ctx, http.MethodPut, reqURL, StateRequest{State: state}, &result, operation); err != nil {
		return err
	}
	if !result.Success {
		return provider.NewProviderError("tensorgrid", operation, 0, result.Error, provider.ErrProviderError)
	}
	return nil
}

// GetBalance returns the account's credit standing
func (c *Client) GetBalance(ctx context.Context) (*models.Balance, error) {
	c.rateLimit()

	reqURL := fmt.Sprintf("%s/account/", c.baseURL)

	var result AccountResponse
	if err := c.doJSON(ctx, http.MethodGet, reqURL, nil, &result, "GetBalance"); err != nil {
		return nil, err
	}

	return &models.Balance{
		Credit:  result.Credit,
		Balance: result.Balance,
		Email:   result.Email,
	}, nil
}

// CreateVolume allocates a persistent volume
func (c *Client) CreateVolume(ctx context.Context, req provider.CreateVolumeRequest) (*models.Volume, error) {
	c.rateLimit()

	createReq := CreateVolumeRequest{
		SizeGB: req.SizeGB,
		Region: req.Region,
		Label:  req.Label,
	}
	if req.MachineID != "" {
		machineID, err := strconv.Atoi(req.MachineID)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid machine ID %q", provider.ErrValidation, req.MachineID)
		}
		createReq.MachineID = machineID
	}

	reqURL := fmt.Sprintf("%s/volumes/", c.baseURL)

	var result CreateVolumeResponse
	if err := c.doJSON(ctx, http.MethodPut, reqURL, createReq, &result, "CreateVolume"); err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, provider.NewProviderError("tensorgrid", "CreateVolume", 0, result.Error, provider.ErrProviderError)
	}

	return &models.Volume{
		ID:        strconv.Itoa(result.VolumeID),
		MachineID: req.MachineID,
		Region:    req.Region,
		SizeGB:    req.SizeGB,
		Label:     req.Label,
		CreatedAt: time.Now(),
	}, nil
}

// DeleteVolume removes a volume
func (c *Client) DeleteVolume(ctx context.Context, volumeID string) error {
	c.rateLimit()

	reqURL := fmt.Sprintf("%s/volumes/%s/", c.baseURL, volumeID)
	return c.doJSON(ctx, http.MethodDelete, reqURL, nil, nil, "DeleteVolume")
}

// ListVolumes returns this account's volumes
func (c *Client) ListVolumes(ctx context.Context) ([]models.Volume, error) {
	c.rateLimit()

	reqURL := fmt.Sprintf("%s/volumes/", c.baseURL)

	var result VolumesResponse
	if err := c.doJSON(ctx, http.MethodGet, reqURL, nil, &result, "ListVolumes"); err != nil {
		return nil, err
	}

	volumes := make([]models.Volume, 0, len(result.Volumes))
	for _, v := range result.Volumes {
		volumes = append(volumes, v.ToVolume())
	}
	return volumes, nil
}

// doJSON performs an authenticated request, decoding the JSON response into
// out when out is non-nil. Provider API metrics are recorded per operation.
func (c *Client) doJSON(ctx context.Context, method, reqURL string, body, out any, operation string) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.RecordProviderAPIResponseTime("tensorgrid", operation, time.Since(start))
	if err != nil {
		metrics.RecordProviderAPICall("tensorgrid", operation, "error")
		metrics.RecordProviderError("tensorgrid", operation)
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		status := "error"
		if resp.StatusCode == http.StatusTooManyRequests {
			status = "rate_limited"
		}
		metrics.RecordProviderAPICall("tensorgrid", operation, status)
		metrics.RecordProviderError("tensorgrid", operation)
		return c.handleError(resp, operation)
	}
	metrics.RecordProviderAPICall("tensorgrid", operation, "success")

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", provider.ErrInvalidResponse, err)
	}
	return nil
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

	var retryAfter time.Duration
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			retryAfter = time.Duration(secs) * time.Second
		}
	}

	return provider.MapHTTPError("tensorgrid", operation, resp.StatusCode, string(body), retryAfter)
}
