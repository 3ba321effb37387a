package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	gossh "golang.org/x/crypto/ssh"

	"github.com/gpufleet/gpufleet/internal/api"
	"github.com/gpufleet/gpufleet/internal/blacklist"
	"github.com/gpufleet/gpufleet/internal/blob"
	"github.com/gpufleet/gpufleet/internal/config"
	"github.com/gpufleet/gpufleet/internal/logging"
	"github.com/gpufleet/gpufleet/internal/provider/spotvm"
	"github.com/gpufleet/gpufleet/internal/provider/tensorgrid"
	"github.com/gpufleet/gpufleet/internal/resilience"
	"github.com/gpufleet/gpufleet/internal/service/failover"
	"github.com/gpufleet/gpufleet/internal/service/lifecycle"
	"github.com/gpufleet/gpufleet/internal/service/race"
	"github.com/gpufleet/gpufleet/internal/service/regional"
	"github.com/gpufleet/gpufleet/internal/service/warmpool"
	"github.com/gpufleet/gpufleet/internal/snapshot"
	fleetssh "github.com/gpufleet/gpufleet/internal/ssh"
	"github.com/gpufleet/gpufleet/internal/storage"
	"github.com/gpufleet/gpufleet/pkg/models"
)

func main() {
	// Load configuration
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize logging
	logger := logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	logger.Info("starting GPU fleet controller",
		slog.String("version", "0.1.0"),
		slog.Int("port", cfg.Server.Port))

	// Initialize database
	db, err := storage.New(cfg.Database.Path)
	if err != nil {
		logger.Error("failed to initialize database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		logger.Error("failed to run migrations", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize stores
	eventStore := storage.NewEventStore(db)
	failoverStore := storage.NewFailoverStore(db)
	policyStore := storage.NewPolicyStore(db)
	snapshotStore := storage.NewSnapshotStore(db)

	// Resilience envelope: audit log, rate limiter, breakers, journal
	env, err := resilience.NewEnvelope(cfg.Resilience, logger)
	if err != nil {
		logger.Error("failed to initialize resilience envelope", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer env.Close()

	bl := blacklist.New(cfg.Blacklist.DefaultTTL, logger)

	// Blob store backs the snapshot engine
	var blobs blob.Store
	switch cfg.Blob.Provider {
	case "s3":
		s3, err := blob.NewS3Store(ctx, cfg.Blob, logger)
		if err != nil {
			logger.Error("failed to initialize S3 blob store", slog.String("error", err.Error()))
			os.Exit(1)
		}
		blobs = s3
		logger.Info("initialized S3 blob store", slog.String("bucket", cfg.Blob.Bucket))
	default:
		blobs = blob.NewMemoryStore()
		logger.Warn("using in-memory blob store, snapshots will not survive restarts")
	}

	// Fleet SSH identity. The private half drives snapshot transfer and
	// health probes; the public half is injected into every rental.
	sshUser := cfg.SSH.User
	var sshKey, sshPublicKey string
	if cfg.SSH.PrivateKeyPath != "" {
		keyData, err := os.ReadFile(cfg.SSH.PrivateKeyPath)
		if err != nil {
			logger.Error("failed to read SSH private key", slog.String("path", cfg.SSH.PrivateKeyPath), slog.String("error", err.Error()))
			os.Exit(1)
		}
		signer, err := gossh.ParsePrivateKey(keyData)
		if err != nil {
			logger.Error("failed to parse SSH private key", slog.String("path", cfg.SSH.PrivateKeyPath), slog.String("error", err.Error()))
			os.Exit(1)
		}
		sshKey = string(keyData)
		sshPublicKey = strings.TrimSpace(string(gossh.MarshalAuthorizedKey(signer.PublicKey())))
	} else {
		logger.Warn("no SSH private key configured, snapshot and provisioning paths will be degraded")
	}

	// Initialize providers
	if !cfg.Providers.TensorGrid.Enabled {
		logger.Error("TensorGrid marketplace is disabled; the fleet controller cannot run without it")
		os.Exit(1)
	}
	market := tensorgrid.NewClient(cfg.Providers.TensorGrid.APIKey,
		tensorgrid.WithBaseURL(cfg.Providers.TensorGrid.APIURL))
	logger.Info("initialized TensorGrid marketplace",
		slog.String("api_url", cfg.Providers.TensorGrid.APIURL))

	var standby *spotvm.Client
	if cfg.Providers.SpotVM.Enabled {
		opts := []spotvm.ClientOption{}
		if cfg.Providers.SpotVM.APIURL != "" {
			opts = append(opts, spotvm.WithBaseURL(cfg.Providers.SpotVM.APIURL))
		}
		standby = spotvm.NewClient(cfg.Providers.SpotVM.AuthID, cfg.Providers.SpotVM.APIToken, opts...)
		logger.Info("initialized SpotVM standby provider")
	}

	// Snapshot engine and retention cleaner
	engine := snapshot.NewEngine(blobs, snapshotStore, env.Journal, cfg.Snapshot, cfg.Blob.Provider, logger)
	cleaner := snapshot.NewCleaner(blobs, snapshotStore, env.Audit, cfg.Snapshot, logger)

	// Lifecycle controller fronts every instance mutation
	ctrl := lifecycle.NewController(market, eventStore,
		lifecycle.WithLogger(logger),
		lifecycle.WithAuditLog(env.Audit),
		lifecycle.WithSnapshots(engine),
		lifecycle.WithSSHCredentials(sshUser, sshKey))

	prober := fleetssh.NewProber(
		fleetssh.WithProbeTimeout(cfg.SSH.ProbeTimeout),
		fleetssh.WithConnectTimeout(cfg.SSH.ConnectTimeout),
		fleetssh.WithProvider(market.Name()))

	// Race provisioner doubles as the controller's replacement source
	raceOpts := []race.Option{
		race.WithLogger(logger),
		race.WithJournal(env.Journal),
		race.WithAuditLog(env.Audit),
		race.WithDefaults(race.Policy{
			GPUsPerRound:    cfg.Race.GPUsPerRound,
			TimeoutPerRound: cfg.Race.TimeoutPerRound,
			MaxRounds:       cfg.Race.MaxRounds,
			CheckInterval:   cfg.Race.CheckInterval,
		}),
		race.WithImage(cfg.Race.DefaultImage, cfg.Race.DefaultDiskGB),
		race.WithSSHCredentials(sshUser, sshKey, sshPublicKey),
		race.WithStaggerInterval(cfg.Race.StaggerInterval),
	}
	if cfg.Race.VerifyGPUs && sshKey != "" {
		raceOpts = append(raceOpts, race.WithVerifier(
			fleetssh.NewGPUVerifier(fleetssh.WithExecutorConnectTimeout(cfg.SSH.ConnectTimeout))))
	}
	racer := race.New(market, ctrl, prober, bl, raceOpts...)
	ctrl.SetProvisioner(racer)

	pools := warmpool.New(market, market, ctrl, prober,
		warmpool.WithLogger(logger),
		warmpool.WithJournal(env.Journal),
		warmpool.WithAuditLog(env.Audit),
		warmpool.WithImage(cfg.Race.DefaultImage, cfg.Race.DefaultDiskGB),
		warmpool.WithSSHCredentials(sshUser, sshKey, sshPublicKey),
		warmpool.WithHealthInterval(cfg.WarmPool.HealthInterval),
		warmpool.WithFailThreshold(cfg.WarmPool.FailThreshold),
		warmpool.WithVolumeSize(cfg.WarmPool.VolumeSizeGB))

	regionalOpts := []regional.Option{
		regional.WithLogger(logger),
		regional.WithJournal(env.Journal),
		regional.WithAuditLog(env.Audit),
		regional.WithImage(cfg.Race.DefaultImage, cfg.Race.DefaultDiskGB),
		regional.WithSSHPublicKey(sshPublicKey),
	}
	if sshKey != "" {
		regionalOpts = append(regionalOpts, regional.WithProber(prober, sshUser, sshKey))
	}
	mover := regional.New(market, ctrl, regionalOpts...)

	orch := failover.New(env, policyStore, failoverStore,
		failover.WithLogger(logger),
		failover.WithWarmPools(pools),
		failover.WithRegional(mover),
		failover.WithRacer(racer),
		failover.WithSnapshots(engine),
		failover.WithSSHCredentials(sshUser, sshKey))

	// Journal rollback targets
	env.Journal.SetInstanceDestroyer(ctrl)
	env.Journal.SetBlobDeleter(blobs)
	env.Journal.SetVolumeDeleter(market)
	if standby != nil {
		env.Journal.SetStandbyDestroyer(standby)
	}

	// Orphan scanner reaps rentals nothing accounts for
	scanner := lifecycle.NewOrphanScanner(market, ctrl,
		lifecycle.WithScanLogger(logger),
		lifecycle.WithTracker(env.Journal),
		lifecycle.WithAutoDestroy(true))
	scanner.AddKeeper(pools)

	// Seed the global failover policy on first boot
	if _, err := policyStore.GetGlobal(ctx); errors.Is(err, storage.ErrNotFound) {
		seed := &models.FailoverPolicy{
			DefaultStrategy: models.FailoverStrategy(cfg.Failover.DefaultStrategy),
		}
		if !seed.DefaultStrategy.Valid() {
			logger.Error("invalid failover.default_strategy",
				slog.String("strategy", cfg.Failover.DefaultStrategy))
			os.Exit(1)
		}
		if err := policyStore.Upsert(ctx, seed); err != nil {
			logger.Error("failed to seed global failover policy", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("seeded global failover policy",
			slog.String("strategy", cfg.Failover.DefaultStrategy))
	} else if err != nil {
		logger.Error("failed to read global failover policy", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize API server (not ready yet)
	serverOpts := []api.Option{
		api.WithLogger(logger),
		api.WithHost(cfg.Server.Host),
		api.WithPort(cfg.Server.Port),
		api.WithSnapshotCatalog(snapshotStore),
		api.WithSweeper(cleaner),
		api.WithFailoverHistory(failoverStore),
		api.WithWarmPools(pools),
		api.WithBlacklist(bl),
		api.WithBalance(market),
		api.WithSSHIdentity(sshUser, sshKey, sshPublicKey),
	}
	if standby != nil {
		serverOpts = append(serverOpts, api.WithStandby(standby))
	}
	server := api.New(orch, ctrl, engine, policyStore, serverOpts...)

	// Sweep for orphans once before accepting traffic
	logger.Info("running startup orphan scan")
	if found := scanner.Scan(ctx); found > 0 {
		logger.Warn("startup scan found orphaned instances", slog.Int("count", found))
	}

	// Mark server as ready
	server.SetReady(true)

	// Start background services
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	if cfg.Snapshot.CleanupEnabled {
		go cleaner.Run(runCtx)
	} else {
		logger.Info("snapshot cleanup loop disabled, skipping")
	}

	if err := scanner.Start(runCtx); err != nil {
		logger.Error("failed to start orphan scanner", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := pools.Start(runCtx); err != nil {
		logger.Error("failed to start warm pool manager", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Handle shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logger.Info("shutting down...")

		// Mark server as not ready to stop accepting new requests
		server.SetReady(false)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Stop background services before the HTTP server so nothing
		// mutates the fleet mid-drain
		scanner.Stop()
		pools.Stop()
		cancelRun()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", slog.String("error", err.Error()))
		}
	}()

	// Start server
	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
