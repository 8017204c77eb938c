package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the bookpipe server and worker.
// It is built once at process start and injected into every component.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	NATS     NATSConfig
	Storage  StorageConfig
	AI       AIConfig
	Worker   WorkerConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type NATSConfig struct {
	URL           string
	Stream        string
	Subject       string
	MaxReconnects int
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type AIConfig struct {
	Provider         string
	InferenceTimeout time.Duration
	OpenAI           OpenAIConfig
}

type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// WorkerConfig drives the worker pool and the periodic sweeps.
type WorkerConfig struct {
	Concurrency         int
	DrainInterval       time.Duration
	DrainBatchSize      int
	WatchdogInterval    time.Duration
	WatchdogThreshold   time.Duration
	WatchdogLookback    time.Duration
	CleanupInterval     time.Duration
	EventRetentionDays  int
	LedgerRetentionDays int
	ArtifactMaxAge      time.Duration
}

var validProviders = map[string]bool{
	"openai": true,
	"mock":   true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("BOOKPIPE_PORT", 8080),
			Env:  envString("BOOKPIPE_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		NATS: NATSConfig{
			URL:           os.Getenv("NATS_URL"),
			Stream:        envString("NATS_STREAM", "BOOKPIPE_TASKS"),
			Subject:       envString("NATS_SUBJECT", "bookpipe.tasks"),
			MaxReconnects: envInt("NATS_MAX_RECONNECTS", 10),
		},
		Storage: StorageConfig{
			Endpoint:  os.Getenv("STORAGE_ENDPOINT"),
			AccessKey: os.Getenv("STORAGE_ACCESS_KEY"),
			SecretKey: os.Getenv("STORAGE_SECRET_KEY"),
			Bucket:    envString("STORAGE_BUCKET", "bookpipe"),
			UseSSL:    envBool("STORAGE_USE_SSL", false),
		},
		AI: AIConfig{
			Provider:         envString("AI_PROVIDER", "openai"),
			InferenceTimeout: envDurationSecs("AI_INFERENCE_TIMEOUT_SECS", 120*time.Second),
			OpenAI: OpenAIConfig{
				BaseURL: envString("OPENAI_BASE_URL", "https://api.openai.com/v1"),
				APIKey:  os.Getenv("OPENAI_API_KEY"),
				Model:   envString("OPENAI_MODEL", "gpt-4o-mini"),
			},
		},
		Worker: WorkerConfig{
			Concurrency:         envInt("WORKER_CONCURRENCY", 4),
			DrainInterval:       envDuration("OUTBOX_DRAIN_INTERVAL", 30*time.Second),
			DrainBatchSize:      envInt("OUTBOX_DRAIN_BATCH", 50),
			WatchdogInterval:    envDuration("WATCHDOG_INTERVAL", 10*time.Minute),
			WatchdogThreshold:   envDuration("WATCHDOG_THRESHOLD", 60*time.Minute),
			WatchdogLookback:    envDuration("WATCHDOG_LOOKBACK", 24*time.Hour),
			CleanupInterval:     envDuration("CLEANUP_INTERVAL", time.Hour),
			EventRetentionDays:  envInt("EVENT_RETENTION_DAYS", 7),
			LedgerRetentionDays: envInt("LEDGER_RETENTION_DAYS", 30),
			ArtifactMaxAge:      envDuration("ARTIFACT_MAX_AGE", 72*time.Hour),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.NATS.URL == "" {
		return fmt.Errorf("NATS_URL is required")
	}

	if c.Storage.Endpoint == "" {
		return fmt.Errorf("STORAGE_ENDPOINT is required")
	}

	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of openai, mock; got %q", c.AI.Provider)
	}
	if c.AI.Provider == "openai" && c.AI.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER is openai")
	}
	if !strings.HasPrefix(c.AI.OpenAI.BaseURL, "http://") && !strings.HasPrefix(c.AI.OpenAI.BaseURL, "https://") {
		return fmt.Errorf("OPENAI_BASE_URL must start with http:// or https://, got %q", c.AI.OpenAI.BaseURL)
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.Worker.Concurrency)
	}
	if c.Worker.DrainBatchSize <= 0 {
		return fmt.Errorf("OUTBOX_DRAIN_BATCH must be positive, got %d", c.Worker.DrainBatchSize)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
