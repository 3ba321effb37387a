//go:build live
// +build live

package live

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gpufleet/gpufleet/internal/provider"
)

// Watchdog enforces the suite's spend and runtime caps and force-destroys
// anything still rented when the run ends, so an aborted test never leaks
// a paid instance.
type Watchdog struct {
	cfg       *TestConfig
	market    provider.InstanceProvider
	startTime time.Time
	cancel    context.CancelFunc

	mu        sync.Mutex
	spent     float64 // accumulated cost of instances already destroyed
	instances map[string]trackedInstance
}

type trackedInstance struct {
	id        string
	priceHour float64
	startedAt time.Time
}

// NewWatchdog creates a watchdog destroying leaked instances through market
func NewWatchdog(cfg *TestConfig, market provider.InstanceProvider) *Watchdog {
	return &Watchdog{
		cfg:       cfg,
		market:    market,
		startTime: time.Now(),
		instances: make(map[string]trackedInstance),
	}
}

// Start begins limit monitoring. The returned context is cancelled when a
// limit trips, so long polls inside tests unwind promptly.
func (w *Watchdog) Start(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel
	go w.monitor(ctx)
	return ctx
}

// Stop halts monitoring and destroys every instance still tracked
func (w *Watchdog) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.cleanupAll()
}

// Track registers a rented instance for limit accounting and cleanup
func (w *Watchdog) Track(instanceID string, priceHour float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.instances[instanceID] = trackedInstance{
		id:        instanceID,
		priceHour: priceHour,
		startedAt: time.Now(),
	}
	log.Printf("WATCHDOG: tracking instance %s ($%.4f/hr)", instanceID, priceHour)
}

// Untrack records the final cost of an instance the test destroyed itself
func (w *Watchdog) Untrack(instanceID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	info, ok := w.instances[instanceID]
	if !ok {
		return
	}
	duration := time.Since(info.startedAt)
	cost := info.priceHour * duration.Hours()
	w.spent += cost
	delete(w.instances, instanceID)
	log.Printf("WATCHDOG: untracked instance %s (spent=$%.4f, duration=%v)",
		instanceID, cost, duration.Round(time.Second))
}

// CheckLimits returns an error once either cap is exceeded. Tests call
// this inside polling loops so a runaway wait aborts instead of billing.
func (w *Watchdog) CheckLimits() error {
	spend, runtime, _ := w.Stats()

	if spend > w.cfg.MaxSpendUSD {
		return &LimitExceededError{Limit: "total_spend", Current: spend, Max: w.cfg.MaxSpendUSD}
	}
	if runtime > w.cfg.MaxRuntime {
		return &LimitExceededError{
			Limit:   "total_runtime",
			Current: runtime.Minutes(),
			Max:     w.cfg.MaxRuntime.Minutes(),
		}
	}
	return nil
}

// Stats returns accumulated spend (including still-running instances),
// total runtime, and the number of live instances.
func (w *Watchdog) Stats() (spend float64, runtime time.Duration, active int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	spend = w.spent
	for _, info := range w.instances {
		spend += info.priceHour * time.Since(info.startedAt).Hours()
	}
	return spend, time.Since(w.startTime), len(w.instances)
}

// LimitExceededError indicates a safety cap was blown
type LimitExceededError struct {
	Limit   string
	Current float64
	Max     float64
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("limit %s exceeded: %.2f > %.2f", e.Limit, e.Current, e.Max)
}

func (w *Watchdog) monitor(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			spend, runtime, active := w.Stats()
			log.Printf("WATCHDOG: runtime=%v spend=$%.4f active=%d",
				runtime.Round(time.Second), spend, active)

			if err := w.CheckLimits(); err != nil {
				log.Printf("WATCHDOG: LIMIT EXCEEDED: %v", err)
				w.cleanupAll()
				w.cancel()
				return
			}
		}
	}
}

func (w *Watchdog) cleanupAll() {
	w.mu.Lock()
	leaked := make([]trackedInstance, 0, len(w.instances))
	for _, info := range w.instances {
		leaked = append(leaked, info)
	}
	w.mu.Unlock()

	if len(leaked) == 0 {
		return
	}
	log.Printf("WATCHDOG: force destroying %d leaked instances", len(leaked))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	for _, info := range leaked {
		if err := w.market.DestroyInstance(ctx, info.id); err != nil {
			log.Printf("WATCHDOG: failed to destroy %s: %v", info.id, err)
			continue
		}
		log.Printf("WATCHDOG: destroyed %s", info.id)
		w.Untrack(info.id)
	}
}
