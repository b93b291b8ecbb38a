// Package config loads engine configuration from file and environment via
// viper.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/meshsync/meshsync/pkg/collaboration"
	"github.com/meshsync/meshsync/pkg/resilience"
)

// DatabaseConfig contains postgres connection settings for the version and
// conflict stores.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig contains settings for the rate limiter and resolver
// heartbeats.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// BlobStoreConfig contains S3 settings for offloading large version
// bodies.
type BlobStoreConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Region         string `mapstructure:"region"`
	Bucket         string `mapstructure:"bucket"`
	Endpoint       string `mapstructure:"endpoint"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
	// OffloadThresholdBytes is the content size above which bodies move
	// to the blob store instead of the row.
	OffloadThresholdBytes int `mapstructure:"offload_threshold_bytes"`
}

// AIConfig contains settings for the semantic merge capability.
type AIConfig struct {
	Endpoint        string                 `mapstructure:"endpoint"`
	APIKey          string                 `mapstructure:"api_key"`
	Model           string                 `mapstructure:"model"`
	RequestTimeout  time.Duration          `mapstructure:"request_timeout"`
	MaxPayloadBytes int                    `mapstructure:"max_payload_bytes"`
	Retry           resilience.RetryPolicy `mapstructure:"retry"`
}

// EngineConfig contains merge engine tunables.
type EngineConfig struct {
	// DefaultMergeTimeout bounds a merge invocation when the caller does
	// not pass one.
	DefaultMergeTimeout time.Duration `mapstructure:"default_merge_timeout"`
	// MaxBatchOperations bounds a transform window; O(n²) transform cost
	// makes this the engine's main safety valve.
	MaxBatchOperations int `mapstructure:"max_batch_operations"`
	// HeartbeatTTL is how long a resolver may hold a conflict in
	// resolving before it is considered stale.
	HeartbeatTTL time.Duration `mapstructure:"heartbeat_ttl"`
	// Detector carries the severity-scoring policy.
	Detector collaboration.DetectorConfig `mapstructure:"detector"`
}

// RateLimitConfig contains per-user operation budgets.
type RateLimitConfig struct {
	OperationsPerSecond float64 `mapstructure:"operations_per_second"`
	Burst               int     `mapstructure:"burst"`
	MaxContentBytes     int     `mapstructure:"max_content_bytes"`
}

// Config holds the complete engine configuration.
type Config struct {
	Environment string          `mapstructure:"environment"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Redis       RedisConfig     `mapstructure:"redis"`
	BlobStore   BlobStoreConfig `mapstructure:"blob_store"`
	AI          AIConfig        `mapstructure:"ai"`
	Engine      EngineConfig    `mapstructure:"engine"`
	RateLimit   RateLimitConfig `mapstructure:"rate_limit"`
	// SecretPatterns extends the sanitizer's built-in pattern set.
	SecretPatterns []string `mapstructure:"secret_patterns"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("redis.address", "localhost:6379")

	v.SetDefault("blob_store.offload_threshold_bytes", 256<<10)

	v.SetDefault("ai.request_timeout", 10*time.Second)
	v.SetDefault("ai.max_payload_bytes", 64<<10)
	v.SetDefault("ai.retry.max_attempts", 3)
	v.SetDefault("ai.retry.initial_delay", 100*time.Millisecond)
	v.SetDefault("ai.retry.max_delay", 2*time.Second)
	v.SetDefault("ai.retry.multiplier", 2.0)

	v.SetDefault("engine.default_merge_timeout", 5*time.Second)
	v.SetDefault("engine.max_batch_operations", 1000)
	v.SetDefault("engine.heartbeat_ttl", 30*time.Second)
	v.SetDefault("engine.detector.overlap_weight", 1.0)
	v.SetDefault("engine.detector.author_weight", 0.25)
	v.SetDefault("engine.detector.medium_threshold", 0.3)
	v.SetDefault("engine.detector.high_threshold", 0.6)
	v.SetDefault("engine.detector.critical_threshold", 0.9)
	v.SetDefault("engine.detector.ordering_window", 2)

	v.SetDefault("rate_limit.operations_per_second", 50.0)
	v.SetDefault("rate_limit.burst", 100)
	v.SetDefault("rate_limit.max_content_bytes", 8<<20)
}

// Load reads configuration from the optional file path and MESHSYNC_*
// environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MESHSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration produced purely from defaults.
func Default() *Config {
	cfg, _ := Load("")
	return cfg
}
