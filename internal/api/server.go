// Package api exposes the control plane over HTTP: failover triggers,
// snapshot operations, instance lifecycle, policy management, and the
// operator read surfaces (events, blacklist, balance, warm pools).
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"runtime/debug"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gpufleet/gpufleet/internal/blacklist"
	"github.com/gpufleet/gpufleet/internal/metrics"
	"github.com/gpufleet/gpufleet/internal/provider"
	"github.com/gpufleet/gpufleet/internal/service/lifecycle"
	"github.com/gpufleet/gpufleet/internal/service/warmpool"
	"github.com/gpufleet/gpufleet/internal/snapshot"
	"github.com/gpufleet/gpufleet/internal/storage"
	"github.com/gpufleet/gpufleet/pkg/models"
)

// FailoverService is the slice of the failover orchestrator the API drives
type FailoverService interface {
	Execute(ctx context.Context, req models.FailoverRequest) (*models.FailoverRecord, error)
	CheckReadiness(ctx context.Context, machineID string) (*models.FailoverReadiness, error)
}

// InstanceService is the lifecycle controller surface the API drives
type InstanceService interface {
	Create(ctx context.Context, req lifecycle.CreateRequest) (*models.Instance, error)
	Destroy(ctx context.Context, instanceID string, req lifecycle.ActionRequest) error
	Pause(ctx context.Context, instanceID string, req lifecycle.ActionRequest) error
	Resume(ctx context.Context, instanceID string, req lifecycle.ActionRequest) error
	Hibernate(ctx context.Context, instanceID string, req lifecycle.HibernateRequest) (*models.Snapshot, error)
	Wake(ctx context.Context, instanceID string, req lifecycle.WakeRequest) (*models.Instance, error)
	History(ctx context.Context, query models.EventQuery) ([]*models.LifecycleEvent, error)
}

// SnapshotService captures and restores workspaces
type SnapshotService interface {
	Create(ctx context.Context, req snapshot.CreateRequest) (*models.Snapshot, error)
	Restore(ctx context.Context, req snapshot.RestoreRequest) (*models.RestoreResult, error)
}

// SnapshotCatalog reads the stored snapshot rows
type SnapshotCatalog interface {
	List(ctx context.Context, filter storage.SnapshotFilter) ([]*models.Snapshot, error)
}

// SnapshotSweeper runs retention cleanup on demand
type SnapshotSweeper interface {
	Sweep(ctx context.Context, dryRun bool) (*models.CleanupResult, error)
}

// PolicyService reads and writes failover policies
type PolicyService interface {
	Upsert(ctx context.Context, policy *models.FailoverPolicy) error
	GetGlobal(ctx context.Context) (*models.FailoverPolicy, error)
	GetMachine(ctx context.Context, machineID string) (*models.FailoverPolicy, error)
	List(ctx context.Context) ([]*models.FailoverPolicy, error)
	Delete(ctx context.Context, machineID string) error
}

// FailoverHistory lists persisted failover records
type FailoverHistory interface {
	List(ctx context.Context, filter storage.FailoverRecordFilter) ([]*models.FailoverRecord, error)
}

// WarmPoolService manages warm pools over the API
type WarmPoolService interface {
	Provision(ctx context.Context, machineID string, cfg models.WarmPoolConfig) (*warmpool.PoolStatus, error)
	Deprovision(ctx context.Context, machineID string) error
	Status(machineID string) (*warmpool.PoolStatus, error)
	List() []warmpool.PoolStatus
	IsRunning() bool
}

// BalanceSource reports the marketplace account's credit standing
type BalanceSource interface {
	GetBalance(ctx context.Context) (*models.Balance, error)
}

// StandbyService manages CPU standby instances on the auxiliary provider
type StandbyService interface {
	Provision(ctx context.Context, req provider.StandbyRequest) (*provider.StandbyInstance, error)
	List(ctx context.Context) ([]provider.StandbyInstance, error)
	Destroy(ctx context.Context, instanceID string) error
	GetSpotPricing(ctx context.Context, machineType, zone string) (*provider.SpotPricing, error)
}

// Server is the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	logger     *slog.Logger

	// Services
	failover  FailoverService
	instances InstanceService
	snapshots SnapshotService
	policies  PolicyService

	// Optional surfaces; endpoints answer 503 when unwired
	catalog   SnapshotCatalog
	sweeper   SnapshotSweeper
	history   FailoverHistory
	warmPools WarmPoolService
	blacklist *blacklist.Blacklist
	balance   BalanceSource
	standby   StandbyService

	// Fleet SSH identity injected into rentals and snapshot sessions
	sshUser      string
	sshKey       string
	sshPublicKey string

	// Configuration
	host string
	port int

	// Readiness state (atomic for thread-safe access)
	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithHost sets the server host
func WithHost(host string) Option {
	return func(s *Server) {
		s.host = host
	}
}

// WithPort sets the server port
func WithPort(port int) Option {
	return func(s *Server) {
		s.port = port
	}
}

// WithSnapshotCatalog wires the stored snapshot listing
func WithSnapshotCatalog(c SnapshotCatalog) Option {
	return func(s *Server) {
		s.catalog = c
	}
}

// WithSweeper wires the on-demand retention sweep
func WithSweeper(sw SnapshotSweeper) Option {
	return func(s *Server) {
		s.sweeper = sw
	}
}

// WithFailoverHistory wires the failover record listing
func WithFailoverHistory(h FailoverHistory) Option {
	return func(s *Server) {
		s.history = h
	}
}

// WithWarmPools wires the warm pool manager
func WithWarmPools(w WarmPoolService) Option {
	return func(s *Server) {
		s.warmPools = w
	}
}

// WithBlacklist wires the machine blacklist read surface
func WithBlacklist(b *blacklist.Blacklist) Option {
	return func(s *Server) {
		s.blacklist = b
	}
}

// WithBalance wires the provider balance endpoint
func WithBalance(b BalanceSource) Option {
	return func(s *Server) {
		s.balance = b
	}
}

// WithStandby wires the auxiliary CPU standby provider
func WithStandby(st StandbyService) Option {
	return func(s *Server) {
		s.standby = st
	}
}

// WithSSHIdentity sets the fleet SSH identity. The private half signs
// snapshot and restore sessions; the public half is injected into
// rentals created over the API.
func WithSSHIdentity(user, privateKey, publicKey string) Option {
	return func(s *Server) {
		s.sshUser = user
		s.sshKey = privateKey
		s.sshPublicKey = publicKey
	}
}

// New creates a new API server
func New(
	fo FailoverService,
	inst InstanceService,
	snaps SnapshotService,
	pol PolicyService,
	opts ...Option,
) *Server {
	s := &Server{
		logger:    slog.Default(),
		failover:  fo,
		instances: inst,
		snapshots: snaps,
		policies:  pol,
		sshUser:   "root",
		host:      "0.0.0.0",
		port:      8080,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.setupRouter()
	return s
}

// SetReady sets the server readiness state
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
	s.logger.Info("server readiness changed", slog.Bool("ready", ready))
}

// IsReady returns whether the server is ready to accept traffic
func (s *Server) IsReady() bool {
	return s.ready.Load()
}

// setupRouter configures the Gin router
func (s *Server) setupRouter() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	// Add middleware
	router.Use(s.requestIDMiddleware())
	router.Use(s.metricsMiddleware())
	router.Use(s.bodySizeLimitMiddleware(1 << 20)) // 1MB limit
	router.Use(s.loggingMiddleware())
	router.Use(s.recoveryMiddleware())

	// Health and readiness endpoints
	router.GET("/health", s.handleHealth)
	router.GET("/ready", s.handleReady)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		// Failover
		v1.POST("/failover", s.handleExecuteFailover)
		v1.GET("/failover", s.handleListFailovers)
		v1.GET("/failover/readiness/:machine_id", s.handleFailoverReadiness)

		// Snapshots
		v1.POST("/snapshots", s.handleCreateSnapshot)
		v1.GET("/snapshots", s.handleListSnapshots)
		v1.POST("/snapshots/cleanup", s.handleSnapshotCleanup)
		v1.POST("/snapshots/:id/restore", s.handleRestoreSnapshot)

		// Instance lifecycle
		v1.POST("/instances", s.handleCreateInstance)
		v1.POST("/instances/:id/destroy", s.handleDestroyInstance)
		v1.POST("/instances/:id/pause", s.handlePauseInstance)
		v1.POST("/instances/:id/resume", s.handleResumeInstance)
		v1.POST("/instances/:id/hibernate", s.handleHibernateInstance)
		v1.POST("/instances/:id/wake", s.handleWakeInstance)

		// Failover policies
		v1.GET("/policies", s.handleListPolicies)
		v1.GET("/policies/global", s.handleGetGlobalPolicy)
		v1.PUT("/policies/global", s.handlePutGlobalPolicy)
		v1.GET("/policies/machines/:machine_id", s.handleGetMachinePolicy)
		v1.PUT("/policies/machines/:machine_id", s.handlePutMachinePolicy)
		v1.DELETE("/policies/machines/:machine_id", s.handleDeleteMachinePolicy)

		// Warm pools
		v1.GET("/warmpools", s.handleListWarmPools)
		v1.POST("/warmpools/:machine_id", s.handleProvisionWarmPool)
		v1.GET("/warmpools/:machine_id", s.handleGetWarmPool)
		v1.DELETE("/warmpools/:machine_id", s.handleDeprovisionWarmPool)

		// CPU standby instances on the auxiliary provider
		v1.GET("/standby", s.handleListStandby)
		v1.POST("/standby", s.handleProvisionStandby)
		v1.DELETE("/standby/:id", s.handleDestroyStandby)
		v1.GET("/standby/pricing", s.handleStandbyPricing)

		// Operator read surfaces
		v1.GET("/events", s.handleListEvents)
		v1.GET("/blacklist", s.handleListBlacklist)
		v1.GET("/balance", s.handleGetBalance)
	}

	s.router = router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	s.logger.Info("starting API server", slog.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Router returns the Gin router (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Middleware

// validRequestIDRegex allows alphanumeric, dots, underscores, and hyphens up to 128 chars.
var validRequestIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,128}$`)

func isValidRequestID(id string) bool {
	return id != "" && validRequestIDRegex.MatchString(id)
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if !isValidRequestID(requestID) {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		// Use the matched route pattern for consistent path labels.
		// This prevents high cardinality from path parameters like /instances/:id
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		duration := time.Since(start)
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method

		metrics.RecordHTTPRequest(method, path, status, duration)
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		s.logger.Info("request completed",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", status),
			slog.Duration("latency", latency),
			slog.String("request_id", c.GetString("request_id")),
			slog.String("client_ip", c.ClientIP()))
	}
}

func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				stack := string(debug.Stack())
				s.logger.Error("panic recovered",
					slog.Any("error", err),
					slog.String("stack", stack),
					slog.String("request_id", c.GetString("request_id")))

				c.JSON(http.StatusInternalServerError, ErrorResponse{
					Error:     "internal server error",
					RequestID: c.GetString("request_id"),
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}

func (s *Server) bodySizeLimitMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
