//go:build e2e
// +build e2e

package e2e

import (
	"context"
	"log"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gpufleet/gpufleet/internal/api"
	"github.com/gpufleet/gpufleet/internal/blacklist"
	"github.com/gpufleet/gpufleet/internal/blob"
	"github.com/gpufleet/gpufleet/internal/config"
	"github.com/gpufleet/gpufleet/internal/logging"
	"github.com/gpufleet/gpufleet/internal/provider/tensorgrid"
	"github.com/gpufleet/gpufleet/internal/resilience"
	"github.com/gpufleet/gpufleet/internal/service/failover"
	"github.com/gpufleet/gpufleet/internal/service/lifecycle"
	"github.com/gpufleet/gpufleet/internal/service/race"
	"github.com/gpufleet/gpufleet/internal/service/regional"
	"github.com/gpufleet/gpufleet/internal/service/warmpool"
	"github.com/gpufleet/gpufleet/internal/snapshot"
	"github.com/gpufleet/gpufleet/internal/storage"
	"github.com/gpufleet/gpufleet/pkg/models"
	"github.com/gpufleet/gpufleet/test/mockmarket"
)

var (
	testServer  *httptest.Server
	testMarket  *httptest.Server
	testScanner *lifecycle.OrphanScanner
)

// stubProber replaces SSH health checks: every host is reachable. E2E
// rentals carry TEST-NET addresses nothing actually listens on.
type stubProber struct{}

func (stubProber) ProbeOnce(ctx context.Context, host string, port int, user, privateKey string) (string, error) {
	return "ok", nil
}

// TestMain wires the full controller against an in-process mock
// marketplace, the same shape as cmd/server/main.go but with test
// timings. Setting SERVER_URL and MOCK_MARKET_URL runs the suite
// against external processes instead.
func TestMain(m *testing.M) {
	if os.Getenv(EnvServerURL) != "" && os.Getenv(EnvMockMarketURL) != "" {
		log.Println("Using external servers for E2E tests")
		os.Exit(m.Run())
	}

	log.Println("Starting in-process servers for E2E tests")

	marketSrv := mockmarket.NewServer(mockmarket.NewState())
	testMarket = httptest.NewServer(marketSrv)
	log.Printf("Mock marketplace started at %s", testMarket.URL)

	tmpDir, err := os.MkdirTemp("", "e2e-fleet-*")
	if err != nil {
		log.Fatalf("Failed to create temp dir: %v", err)
	}

	db, err := storage.New(filepath.Join(tmpDir, "fleet.db"))
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	eventStore := storage.NewEventStore(db)
	failoverStore := storage.NewFailoverStore(db)
	policyStore := storage.NewPolicyStore(db)
	snapshotStore := storage.NewSnapshotStore(db)

	logger := logging.Setup(logging.Config{Level: "error", Format: "text"})

	// One successful failover per machine per window, so tests can prove
	// the limiter refuses the second attempt. The breaker threshold is
	// high because several tests fail strategies on purpose.
	env, err := resilience.NewEnvelope(config.ResilienceConfig{
		RateLimitMax:         1,
		RateLimitWindow:      time.Minute,
		BreakerFailThreshold: 10,
		BreakerCoolDown:      time.Second,
		AuditLogPath:         filepath.Join(tmpDir, "audit.jsonl"),
		AuditMaxRecords:      1000,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to initialize resilience envelope: %v", err)
	}

	bl := blacklist.New(10*time.Minute, logger)
	blobs := blob.NewMemoryStore()

	market := tensorgrid.NewClient("e2e-test-key",
		tensorgrid.WithBaseURL(testMarket.URL),
		tensorgrid.WithMinInterval(time.Millisecond))

	snapCfg := config.SnapshotConfig{
		GlobalRetentionDays: 7,
		MaxChainDepth:       5,
		ChunkSizeBytes:      1 << 20,
		UploadConcurrency:   2,
		CleanupInterval:     time.Hour,
		CleanupBatchSize:    10,
		CleanupEnabled:      false,
	}
	engine := snapshot.NewEngine(blobs, snapshotStore, env.Journal, snapCfg, "memory", logger)
	cleaner := snapshot.NewCleaner(blobs, snapshotStore, env.Audit, snapCfg, logger)

	ctrl := lifecycle.NewController(market, eventStore,
		lifecycle.WithLogger(logger),
		lifecycle.WithAuditLog(env.Audit),
		lifecycle.WithSnapshots(engine),
		lifecycle.WithSSHCredentials("root", ""))

	prober := stubProber{}

	racer := race.New(market, ctrl, prober, bl,
		race.WithLogger(logger),
		race.WithJournal(env.Journal),
		race.WithAuditLog(env.Audit),
		race.WithDefaults(race.Policy{
			GPUsPerRound:    2,
			TimeoutPerRound: 15 * time.Second,
			MaxRounds:       2,
			CheckInterval:   100 * time.Millisecond,
		}),
		race.WithImage("pytorch/pytorch:2.3.0-cuda12.1-cudnn8-runtime", 20),
		race.WithSSHCredentials("root", "", ""),
		race.WithStaggerInterval(time.Millisecond))
	ctrl.SetProvisioner(racer)

	// The health loop ticks hourly so it never interferes; tests drive
	// promotions through the API instead.
	pools := warmpool.New(market, market, ctrl, prober,
		warmpool.WithLogger(logger),
		warmpool.WithJournal(env.Journal),
		warmpool.WithAuditLog(env.Audit),
		warmpool.WithImage("pytorch/pytorch:2.3.0-cuda12.1-cudnn8-runtime", 20),
		warmpool.WithSSHCredentials("root", "", ""),
		warmpool.WithHealthInterval(time.Hour),
		warmpool.WithFailThreshold(3),
		warmpool.WithVolumeSize(10),
		warmpool.WithPromoteTimeout(15*time.Second),
		warmpool.WithPromoteInterval(100*time.Millisecond))

	mover := regional.New(market, ctrl,
		regional.WithLogger(logger),
		regional.WithJournal(env.Journal),
		regional.WithAuditLog(env.Audit),
		regional.WithImage("pytorch/pytorch:2.3.0-cuda12.1-cudnn8-runtime", 20),
		regional.WithSSHPublicKey(""),
		regional.WithPollInterval(100*time.Millisecond))

	orch := failover.New(env, policyStore, failoverStore,
		failover.WithLogger(logger),
		failover.WithWarmPools(pools),
		failover.WithRegional(mover),
		failover.WithRacer(racer),
		failover.WithSnapshots(engine),
		failover.WithSSHCredentials("root", ""))

	env.Journal.SetInstanceDestroyer(ctrl)
	env.Journal.SetBlobDeleter(blobs)
	env.Journal.SetVolumeDeleter(market)

	// Not started; orphan tests trigger scans manually.
	testScanner = lifecycle.NewOrphanScanner(market, ctrl,
		lifecycle.WithScanLogger(logger),
		lifecycle.WithTracker(env.Journal),
		lifecycle.WithAutoDestroy(true),
		lifecycle.WithOrphanGrace(0),
		lifecycle.WithScanInterval(time.Hour))
	testScanner.AddKeeper(pools)

	seed := &models.FailoverPolicy{
		DefaultStrategy: models.StrategyWarmPool,
		WarmPool:        models.WarmPoolConfig{Enabled: true},
	}
	if err := policyStore.Upsert(ctx, seed); err != nil {
		log.Fatalf("Failed to seed global failover policy: %v", err)
	}

	server := api.New(orch, ctrl, engine, policyStore,
		api.WithLogger(logger),
		api.WithSnapshotCatalog(snapshotStore),
		api.WithSweeper(cleaner),
		api.WithFailoverHistory(failoverStore),
		api.WithWarmPools(pools),
		api.WithBlacklist(bl),
		api.WithBalance(market),
		api.WithSSHIdentity("root", "", ""))

	runCtx, cancelRun := context.WithCancel(ctx)
	if err := pools.Start(runCtx); err != nil {
		log.Fatalf("Failed to start warm pool manager: %v", err)
	}
	server.SetReady(true)

	testServer = httptest.NewServer(server.Router())
	log.Printf("API server started at %s", testServer.URL)

	os.Setenv(EnvServerURL, testServer.URL)
	os.Setenv(EnvMockMarketURL, testMarket.URL)

	code := m.Run()

	pools.Stop()
	cancelRun()
	testServer.Close()
	testMarket.Close()
	env.Close()
	db.Close()
	os.RemoveAll(tmpDir)

	os.Exit(code)
}
