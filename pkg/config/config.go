// Package config loads runner configuration from 12-factor environment
// variables with safe development defaults.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds runner daemon configuration.
type Config struct {
	LogLevel string

	// Stores.
	DatabaseURL string // Postgres DSN; empty selects the SQLite/memory path
	SQLitePath  string
	RedisAddr   string // breaker state backend; empty selects in-memory

	// PolicyPath points at a JSON rules file; empty runs without policy.
	PolicyPath string

	// Scheduler.
	Concurrency       int
	PollInterval      time.Duration
	ClaimLease        time.Duration
	HeartbeatInterval time.Duration
	ReclaimInterval   time.Duration
	ClaimRate         float64
	BatchSize         int // runs claimed per poll by each worker

	// Executor.
	RetryLimit     int
	StepTimeout    time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// Circuit breaker.
	BreakerThreshold int
	BreakerWindow    time.Duration
	BreakerCooldown  time.Duration

	// Telemetry.
	OTLPEndpoint   string
	OTELEnabled    bool
	ServiceName    string
	ServiceVersion string
	Environment    string
}

// Load reads configuration from the environment.
func Load() *Config {
	return &Config{
		LogLevel: envString("LOG_LEVEL", "INFO"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  envString("SQLITE_PATH", "runner.db"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		PolicyPath:  os.Getenv("POLICY_RULES"),

		Concurrency:       envInt("RUNNER_CONCURRENCY", 4),
		PollInterval:      envDuration("RUNNER_POLL_INTERVAL", time.Second),
		ClaimLease:        envDuration("RUNNER_CLAIM_LEASE", 60*time.Second),
		HeartbeatInterval: envDuration("RUNNER_HEARTBEAT_INTERVAL", 15*time.Second),
		ReclaimInterval:   envDuration("RUNNER_RECLAIM_INTERVAL", 30*time.Second),
		ClaimRate:         envFloat("RUNNER_CLAIM_RATE", 20),
		BatchSize:         envInt("RUNNER_BATCH_SIZE", 1),

		RetryLimit:     envInt("RUNNER_RETRY_LIMIT", 3),
		StepTimeout:    envDuration("RUNNER_STEP_TIMEOUT", 30*time.Second),
		BackoffInitial: envDuration("RUNNER_BACKOFF_INITIAL", time.Second),
		BackoffMax:     envDuration("RUNNER_BACKOFF_MAX", time.Minute),

		BreakerThreshold: envInt("BREAKER_THRESHOLD", 5),
		BreakerWindow:    envDuration("BREAKER_WINDOW", 60*time.Second),
		BreakerCooldown:  envDuration("BREAKER_COOLDOWN", 30*time.Second),

		OTLPEndpoint:   envString("OTLP_ENDPOINT", "localhost:4317"),
		OTELEnabled:    os.Getenv("OTEL_ENABLED") == "true",
		ServiceName:    envString("SERVICE_NAME", "runnerd"),
		ServiceVersion: envString("SERVICE_VERSION", "1.2.0"),
		Environment:    envString("ENVIRONMENT", "development"),
	}
}

// TracePath derives the trace database path from the run database path so a
// default deployment keeps scheduling and evidence in sibling files.
func (c *Config) TracePath() string {
	ext := filepath.Ext(c.SQLitePath)
	return strings.TrimSuffix(c.SQLitePath, ext) + "-traces" + ext
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
