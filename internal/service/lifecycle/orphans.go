package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gpufleet/gpufleet/internal/logging"
	"github.com/gpufleet/gpufleet/internal/metrics"
	"github.com/gpufleet/gpufleet/pkg/models"
)

const (
	// DefaultScanInterval is how often the orphan scan runs
	DefaultScanInterval = 5 * time.Minute

	// DefaultOrphanGrace is how old a rental must be before the scan will
	// touch it. Race candidates live well under a round timeout; anything
	// fleet-labeled and older than this that nobody claims is a leak.
	DefaultOrphanGrace = 15 * time.Minute
)

// InstanceLister is the read-only slice of the provider the scan needs
type InstanceLister interface {
	ListInstances(ctx context.Context) ([]models.Instance, error)
}

// InstanceTracker reports rentals that are mid-flight and must be spared.
// The cleanup journal satisfies this.
type InstanceTracker interface {
	TracksInstance(instanceID string) bool
}

// Keeper reports long-lived rentals owned by a component. The warm pool
// manager satisfies this for its primaries and standbys.
type Keeper interface {
	KnownInstanceIDs() []string
}

// OrphanScanner periodically compares the provider's fleet-labeled rentals
// against what the control plane claims to own, and destroys leaks through
// the controller. The journal is in-memory, so after a crash it is this
// scan that reclaims instances created by interrupted races and failovers.
type OrphanScanner struct {
	lister     InstanceLister
	controller *Controller
	tracker    InstanceTracker
	logger     *slog.Logger

	keepersMu sync.RWMutex
	keepers   []Keeper

	scanInterval time.Duration
	grace        time.Duration
	autoDestroy  bool

	// For time mocking in tests
	now func() time.Time

	// Shutdown coordination
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// ScannerOption configures the orphan scanner
type ScannerOption func(*OrphanScanner)

// WithScanLogger sets a custom logger
func WithScanLogger(logger *slog.Logger) ScannerOption {
	return func(s *OrphanScanner) {
		s.logger = logger.With("component", "orphan_scan")
	}
}

// WithScanInterval sets how often to scan
func WithScanInterval(d time.Duration) ScannerOption {
	return func(s *OrphanScanner) {
		s.scanInterval = d
	}
}

// WithOrphanGrace sets how old a rental must be before it can be reclaimed
func WithOrphanGrace(d time.Duration) ScannerOption {
	return func(s *OrphanScanner) {
		s.grace = d
	}
}

// WithAutoDestroy enables or disables destroying what the scan finds.
// Disabled, the scan only logs and counts.
func WithAutoDestroy(enabled bool) ScannerOption {
	return func(s *OrphanScanner) {
		s.autoDestroy = enabled
	}
}

// WithTracker spares instances the tracker still claims
func WithTracker(t InstanceTracker) ScannerOption {
	return func(s *OrphanScanner) {
		s.tracker = t
	}
}

// WithScanTimeFunc sets a custom time function (for testing)
func WithScanTimeFunc(fn func() time.Time) ScannerOption {
	return func(s *OrphanScanner) {
		s.now = fn
	}
}

// NewOrphanScanner creates an orphan scanner destroying through ctrl
func NewOrphanScanner(lister InstanceLister, ctrl *Controller, opts ...ScannerOption) *OrphanScanner {
	s := &OrphanScanner{
		lister:       lister,
		controller:   ctrl,
		logger:       slog.Default().With("component", "orphan_scan"),
		scanInterval: DefaultScanInterval,
		grace:        DefaultOrphanGrace,
		autoDestroy:  true,
		now:          time.Now,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// AddKeeper registers a component whose instances the scan must spare
func (s *OrphanScanner) AddKeeper(k Keeper) {
	s.keepersMu.Lock()
	defer s.keepersMu.Unlock()
	s.keepers = append(s.keepers, k)
}

// Start begins the scan loop
func (s *OrphanScanner) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("orphan scanner starting",
		slog.Duration("interval", s.scanInterval),
		slog.Duration("grace", s.grace))

	go s.run(ctx)
	return nil
}

// Stop gracefully stops the scanner
func (s *OrphanScanner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.mu.Unlock()

	s.logger.Info("orphan scanner stopping")
	close(stopCh)
	<-doneCh

	s.logger.Info("orphan scanner stopped")
}

func (s *OrphanScanner) run(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(s.doneCh)
	}()

	ticker := time.NewTicker(s.scanInterval)
	defer ticker.Stop()

	// Initial pass catches leftovers from a previous crash
	s.Scan(ctx)

	for {
		select {
		case <-ticker.C:
			s.Scan(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Scan executes one pass and returns how many orphans were found
func (s *OrphanScanner) Scan(ctx context.Context) int {
	instances, err := s.lister.ListInstances(ctx)
	if err != nil {
		s.logger.Error("orphan scan could not list instances",
			slog.String("error", err.Error()))
		return 0
	}

	kept := s.keptInstances()
	now := s.now()
	found := 0

	for i := range instances {
		inst := &instances[i]
		if !models.IsFleetLabel(inst.Label) {
			continue
		}
		if inst.IsTerminal() {
			continue
		}
		if !inst.StartedAt.IsZero() && now.Sub(inst.StartedAt) < s.grace {
			continue
		}
		if kept[inst.ID] {
			continue
		}
		if s.tracker != nil && s.tracker.TracksInstance(inst.ID) {
			continue
		}

		found++
		age := now.Sub(inst.StartedAt).Round(time.Second)
		s.logger.Warn("ORPHAN DETECTED: fleet-labeled instance nobody claims",
			slog.String("instance_id", inst.ID),
			slog.String("label", inst.Label),
			slog.Duration("age", age))

		logging.Audit(ctx, "orphan_detected",
			"instance_id", inst.ID,
			"label", inst.Label,
			"age_seconds", age.Seconds())
		metrics.RecordOrphanDetected()

		if !s.autoDestroy {
			continue
		}

		reason := fmt.Sprintf("orphan scan: label %s untracked after %s", inst.Label, age)
		if err := s.controller.Destroy(ctx, inst.ID, ActionRequest{
			Reason:       reason,
			CallerSource: models.CallerScheduledTask,
		}); err != nil {
			s.logger.Error("failed to destroy orphan",
				slog.String("instance_id", inst.ID),
				slog.String("error", err.Error()))
		}
	}

	return found
}

func (s *OrphanScanner) keptInstances() map[string]bool {
	s.keepersMu.RLock()
	defer s.keepersMu.RUnlock()

	kept := make(map[string]bool)
	for _, k := range s.keepers {
		for _, id := range k.KnownInstanceIDs() {
			kept[id] = true
		}
	}
	return kept
}

// IsRunning reports whether the scan loop is active
func (s *OrphanScanner) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
