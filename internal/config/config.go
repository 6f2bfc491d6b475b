// Package config loads the execution core's process configuration.
//
// Values are sourced from environment variables (spec'd in the README
// table) with optional defaults, and validated fail-fast at startup —
// the same Default()-then-override shape as nevindra-oasis's
// internal/config, adapted to env-first rather than TOML-first since
// this process has no primary config file, only an optional seed.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the worker and web process configuration, loaded from
// environment variables at startup.
type Config struct {
	DatabaseURL string

	WorkerID               string
	WorkerPollInterval     time.Duration
	WorkerMaxConcurrentJob int

	LogDir string

	StaleJobThreshold  time.Duration
	HeartbeatInterval  time.Duration
	AllowedWorkingDirs []string

	Env string

	JWTSecret string

	// AgentSeedFile holds the AGENT_SEED_FILE path. It is only recorded
	// here; nothing in this module reads the file or seeds agents or
	// capabilities from it.
	AgentSeedFile string
}

// Default returns a Config with every default applied, matching the
// table in spec.md §6.
func Default() Config {
	return Config{
		WorkerPollInterval:     2000 * time.Millisecond,
		WorkerMaxConcurrentJob: 3,
		LogDir:                 "/data/agendo/logs",
		StaleJobThreshold:      120 * time.Second,
		HeartbeatInterval:      30 * time.Second,
		Env:                    "dev",
	}
}

// Load reads Config from the environment, starting from Default() and
// overriding every field with its env var counterpart when set. It
// returns an error describing the first missing required value rather
// than starting with an incomplete configuration.
func Load() (Config, error) {
	cfg := Default()

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.WorkerID = os.Getenv("WORKER_ID")
	cfg.LogDir = stringOr("LOG_DIR", cfg.LogDir)
	cfg.Env = stringOr("NODE_ENV", cfg.Env)
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.AgentSeedFile = os.Getenv("AGENT_SEED_FILE")

	if v := os.Getenv("WORKER_POLL_INTERVAL_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: WORKER_POLL_INTERVAL_MS: %w", err)
		}
		cfg.WorkerPollInterval = time.Duration(ms) * time.Millisecond
	}

	if v := os.Getenv("WORKER_MAX_CONCURRENT_JOBS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: WORKER_MAX_CONCURRENT_JOBS: %w", err)
		}
		cfg.WorkerMaxConcurrentJob = n
	}

	if v := os.Getenv("STALE_JOB_THRESHOLD_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: STALE_JOB_THRESHOLD_MS: %w", err)
		}
		cfg.StaleJobThreshold = time.Duration(ms) * time.Millisecond
	}

	if v := os.Getenv("HEARTBEAT_INTERVAL_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: HEARTBEAT_INTERVAL_MS: %w", err)
		}
		cfg.HeartbeatInterval = time.Duration(ms) * time.Millisecond
	}

	if v := os.Getenv("ALLOWED_WORKING_DIRS"); v != "" {
		for _, p := range strings.Split(v, ":") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.AllowedWorkingDirs = append(cfg.AllowedWorkingDirs, p)
			}
		}
	}

	return cfg, cfg.validate()
}

// validate enforces the fail-fast startup contract: any missing required
// value aborts before the worker loop starts.
func (c Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if c.WorkerID == "" {
		return fmt.Errorf("config: WORKER_ID is required")
	}
	if c.WorkerMaxConcurrentJob <= 0 {
		return fmt.Errorf("config: WORKER_MAX_CONCURRENT_JOBS must be positive")
	}
	if len(c.AllowedWorkingDirs) == 0 {
		return fmt.Errorf("config: ALLOWED_WORKING_DIRS is required")
	}
	return nil
}

func stringOr(envVar, def string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return def
}
