package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Providers  ProvidersConfig  `mapstructure:"providers"`
	Blob       BlobConfig       `mapstructure:"blob"`
	Resilience ResilienceConfig `mapstructure:"resilience"`
	Blacklist  BlacklistConfig  `mapstructure:"blacklist"`
	Snapshot   SnapshotConfig   `mapstructure:"snapshot"`
	Race       RaceConfig       `mapstructure:"race"`
	WarmPool   WarmPoolConfig   `mapstructure:"warm_pool"`
	Failover   FailoverConfig   `mapstructure:"failover"`
	SSH        SSHConfig        `mapstructure:"ssh"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ProvidersConfig holds configuration for marketplace and standby providers
type ProvidersConfig struct {
	TensorGrid TensorGridConfig `mapstructure:"tensorgrid"`
	SpotVM     SpotVMConfig     `mapstructure:"spotvm"`
}

// TensorGridConfig holds TensorGrid marketplace configuration
type TensorGridConfig struct {
	APIKey  string `mapstructure:"api_key"`
	APIURL  string `mapstructure:"api_url"` // Override for mockmarket / testing
	Enabled bool   `mapstructure:"enabled"`
}

// SpotVMConfig holds the auxiliary CPU standby provider configuration
type SpotVMConfig struct {
	AuthID   string `mapstructure:"auth_id"`
	APIToken string `mapstructure:"api_token"`
	APIURL   string `mapstructure:"api_url"`
	Enabled  bool   `mapstructure:"enabled"`
}

// BlobConfig holds object storage configuration
type BlobConfig struct {
	Provider  string `mapstructure:"provider"` // "s3" or "memory"
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"` // Set for B2/R2/minio-style endpoints
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	PathStyle bool   `mapstructure:"path_style"` // Required by most non-AWS S3 backends
}

// ResilienceConfig holds rate limiter, circuit breaker, and audit log settings
type ResilienceConfig struct {
	RateLimitMax         int           `mapstructure:"rate_limit_max"`
	RateLimitWindow      time.Duration `mapstructure:"rate_limit_window"`
	BreakerFailThreshold int           `mapstructure:"breaker_fail_threshold"`
	BreakerCoolDown      time.Duration `mapstructure:"breaker_cool_down"`
	AuditLogPath         string        `mapstructure:"audit_log_path"`
	AuditMaxRecords      int           `mapstructure:"audit_max_records"`
}

// BlacklistConfig holds host deny-list settings
type BlacklistConfig struct {
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
}

// SnapshotConfig holds snapshot engine settings
type SnapshotConfig struct {
	GlobalRetentionDays int           `mapstructure:"global_retention_days"`
	MaxChainDepth       int           `mapstructure:"max_chain_depth"`
	ChunkSizeBytes      int64         `mapstructure:"chunk_size_bytes"`
	UploadConcurrency   int           `mapstructure:"upload_concurrency"`
	CleanupInterval     time.Duration `mapstructure:"cleanup_interval"`
	CleanupBatchSize    int           `mapstructure:"cleanup_batch_size"`
	CleanupEnabled      bool          `mapstructure:"cleanup_enabled"`
}

// RaceConfig holds race provisioner settings
type RaceConfig struct {
	GPUsPerRound    int           `mapstructure:"gpus_per_round"`
	TimeoutPerRound time.Duration `mapstructure:"timeout_per_round"`
	MaxRounds       int           `mapstructure:"max_rounds"`
	CheckInterval   time.Duration `mapstructure:"check_interval"`
	StaggerInterval time.Duration `mapstructure:"stagger_interval"`
	DefaultImage    string        `mapstructure:"default_image"`
	DefaultDiskGB   float64       `mapstructure:"default_disk_gb"`
	VerifyGPUs      bool          `mapstructure:"verify_gpus"`
}

// WarmPoolConfig holds warm pool manager settings
type WarmPoolConfig struct {
	HealthInterval time.Duration `mapstructure:"health_interval"`
	FailThreshold  int           `mapstructure:"fail_threshold"`
	VolumeSizeGB   int           `mapstructure:"volume_size_gb"`
}

// FailoverConfig holds failover orchestrator bootstrap settings.
// The effective policy lives in the database; these seed the global row
// on first start.
type FailoverConfig struct {
	DefaultStrategy string `mapstructure:"default_strategy"`
}

// SSHConfig holds SSH probe configuration
type SSHConfig struct {
	User           string        `mapstructure:"user"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Config file is optional
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	// Read from environment variables
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Bind specific environment variables
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration primarily from environment variables
func LoadFromEnv() (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from .env file if it exists
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // Ignore error if .env doesn't exist

	// Read from environment variables
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Bind specific environment variables
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	// Database defaults
	v.SetDefault("database.path", "./data/gpufleet.db")

	// Provider defaults
	v.SetDefault("providers.tensorgrid.enabled", true)
	v.SetDefault("providers.tensorgrid.api_url", "https://console.tensorgrid.io/api/v0")
	v.SetDefault("providers.spotvm.enabled", false)

	// Blob defaults
	v.SetDefault("blob.provider", "s3")
	v.SetDefault("blob.region", "us-east-1")
	v.SetDefault("blob.path_style", false)

	// Resilience defaults
	v.SetDefault("resilience.rate_limit_max", 5)
	v.SetDefault("resilience.rate_limit_window", 24*time.Hour)
	v.SetDefault("resilience.breaker_fail_threshold", 5)
	v.SetDefault("resilience.breaker_cool_down", 60*time.Second)
	v.SetDefault("resilience.audit_log_path", "./data/audit.jsonl")
	v.SetDefault("resilience.audit_max_records", 10000)

	// Blacklist defaults
	v.SetDefault("blacklist.default_ttl", 6*time.Hour)

	// Snapshot defaults
	v.SetDefault("snapshot.global_retention_days", 7)
	v.SetDefault("snapshot.max_chain_depth", 16)
	v.SetDefault("snapshot.chunk_size_bytes", int64(8*1024*1024))
	v.SetDefault("snapshot.upload_concurrency", 4)
	v.SetDefault("snapshot.cleanup_interval", 24*time.Hour)
	v.SetDefault("snapshot.cleanup_batch_size", 100)
	v.SetDefault("snapshot.cleanup_enabled", true)

	// Race provisioner defaults
	v.SetDefault("race.gpus_per_round", 5)
	v.SetDefault("race.timeout_per_round", 60*time.Second)
	v.SetDefault("race.max_rounds", 3)
	v.SetDefault("race.check_interval", 2*time.Second)
	v.SetDefault("race.stagger_interval", 200*time.Millisecond)
	v.SetDefault("race.default_image", "pytorch/pytorch:2.4.0-cuda12.1-cudnn9-runtime")
	v.SetDefault("race.default_disk_gb", 60.0)
	v.SetDefault("race.verify_gpus", true)

	// Warm pool defaults
	v.SetDefault("warm_pool.health_interval", 10*time.Second)
	v.SetDefault("warm_pool.fail_threshold", 3)
	v.SetDefault("warm_pool.volume_size_gb", 100)

	// Failover defaults
	v.SetDefault("failover.default_strategy", "all")

	// SSH probe defaults
	v.SetDefault("ssh.user", "root")
	v.SetDefault("ssh.probe_timeout", 10*time.Second)
	v.SetDefault("ssh.connect_timeout", 5*time.Second)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func bindEnvVars(v *viper.Viper) {
	// Helper to bind and log errors (BindEnv errors are non-fatal but should be logged)
	bindEnv := func(key string, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			slog.Warn("failed to bind environment variable",
				slog.String("key", key),
				slog.String("env_var", envVar),
				slog.String("error", err.Error()))
		}
	}

	// Provider credentials from environment
	bindEnv("providers.tensorgrid.api_key", "TENSORGRID_API_KEY")
	bindEnv("providers.tensorgrid.api_url", "TENSORGRID_API_URL")
	bindEnv("providers.spotvm.auth_id", "SPOTVM_AUTH_ID")
	bindEnv("providers.spotvm.api_token", "SPOTVM_API_TOKEN")

	// Blob storage credentials
	bindEnv("blob.bucket", "BLOB_BUCKET")
	bindEnv("blob.region", "BLOB_REGION")
	bindEnv("blob.endpoint", "BLOB_ENDPOINT")
	bindEnv("blob.access_key", "BLOB_ACCESS_KEY")
	bindEnv("blob.secret_key", "BLOB_SECRET_KEY")

	// Database path
	bindEnv("database.path", "DATABASE_PATH")

	// Server config
	bindEnv("server.host", "SERVER_HOST")
	bindEnv("server.port", "SERVER_PORT")

	// SSH probe identity
	bindEnv("ssh.user", "SSH_USER")
	bindEnv("ssh.private_key_path", "SSH_PRIVATE_KEY_PATH")

	// Logging
	bindEnv("logging.level", "LOG_LEVEL")
	bindEnv("logging.format", "LOG_FORMAT")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Providers.TensorGrid.Enabled && c.Providers.TensorGrid.APIKey == "" {
		return fmt.Errorf("TENSORGRID_API_KEY is required when TensorGrid is enabled")
	}

	if c.Providers.SpotVM.Enabled {
		if c.Providers.SpotVM.AuthID == "" {
			return fmt.Errorf("SPOTVM_AUTH_ID is required when SpotVM is enabled")
		}
		if c.Providers.SpotVM.APIToken == "" {
			return fmt.Errorf("SPOTVM_API_TOKEN is required when SpotVM is enabled")
		}
	}

	switch c.Blob.Provider {
	case "s3":
		if c.Blob.Bucket == "" {
			return fmt.Errorf("BLOB_BUCKET is required when blob provider is s3")
		}
	case "memory":
		// In-memory store needs nothing; dev and test only
	default:
		return fmt.Errorf("unknown blob provider %q (expected s3 or memory)", c.Blob.Provider)
	}

	if c.Resilience.RateLimitMax < 1 {
		return fmt.Errorf("resilience.rate_limit_max must be at least 1")
	}
	if c.Resilience.BreakerFailThreshold < 1 {
		return fmt.Errorf("resilience.breaker_fail_threshold must be at least 1")
	}

	if c.Snapshot.MaxChainDepth < 1 {
		return fmt.Errorf("snapshot.max_chain_depth must be at least 1")
	}
	if c.Snapshot.ChunkSizeBytes < 1024 {
		return fmt.Errorf("snapshot.chunk_size_bytes must be at least 1024")
	}

	if c.Race.GPUsPerRound < 1 {
		return fmt.Errorf("race.gpus_per_round must be at least 1")
	}
	if c.Race.MaxRounds < 1 {
		return fmt.Errorf("race.max_rounds must be at least 1")
	}

	return nil
}
