// Package config parses the process's environment-variable configuration
// surface (§6.4 of the design plus the ambient additions it names),
// grounded in the teacher's preference for a thin os.Getenv-based config
// struct over a configuration library (none appears anywhere in the
// retrieval pack).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every environment-configurable option the process reads at
// startup. Nothing here is re-read after process start.
type Config struct {
	ModelAPIKey string
	ModelBaseURL string
	ModelRoot    string
	ModelSubList []string
	// ModelSubBaseURLs is an optional per-depth base URL override, clamped
	// the same way as ModelSubList. Supplements the distilled spec with a
	// feature present in original_source/rlm_repl.py's recursive_base_urls.
	ModelSubBaseURLs []string

	MaxDepth      int
	MaxIterations int

	ExecutionTimeoutMs int64

	ExecuteTransport   string // inprocess | loopback | remote
	ExecuteServiceURL  string

	Concurrency    int
	WorkerPoolSize int

	SessionIdleTTLMs     int64
	SessionAbsoluteTTLMs int64
	MaxSessions          int

	SessionReaperIntervalMs int64
	LogLevel                string
	TranscriptLogDir        string

	ListenAddr string
}

// Load reads the full configuration from the process environment, applying
// the defaults the design names (or, where the design is silent, the
// implementation-picked defaults set in the literal below).
func Load() (Config, error) {
	cfg := Config{
		ModelAPIKey: os.Getenv("MODEL_API_KEY"),
		ModelBaseURL: getenvDefault("MODEL_BASE_URL", "https://api.anthropic.com"),
		ModelRoot:    getenvDefault("MODEL_ROOT", "claude-sonnet-4-20250514"),

		MaxDepth:      1,
		MaxIterations: 20,

		ExecutionTimeoutMs: 30_000,

		ExecuteTransport: getenvDefault("EXECUTE_TRANSPORT", "inprocess"),

		Concurrency:    5,
		WorkerPoolSize: 3,

		SessionIdleTTLMs:     600_000,
		SessionAbsoluteTTLMs: 3_600_000,
		MaxSessions:          0,

		SessionReaperIntervalMs: 30_000,
		LogLevel:                getenvDefault("LOG_LEVEL", "info"),

		ListenAddr: getenvDefault("LISTEN_ADDR", ":8080"),
	}

	if cfg.ModelAPIKey == "" {
		return Config{}, fmt.Errorf("config: MODEL_API_KEY is required")
	}

	cfg.ModelSubList = splitCSV(os.Getenv("MODEL_SUB_LIST"))
	cfg.ModelSubBaseURLs = splitCSV(os.Getenv("MODEL_SUB_BASE_URLS"))
	cfg.ExecuteServiceURL = os.Getenv("EXECUTE_SERVICE_URL")
	cfg.TranscriptLogDir = os.Getenv("TRANSCRIPT_LOG_DIR")

	var err error
	if cfg.MaxDepth, err = getenvInt("MAX_DEPTH", cfg.MaxDepth); err != nil {
		return Config{}, err
	}
	if cfg.MaxIterations, err = getenvInt("MAX_ITERATIONS", cfg.MaxIterations); err != nil {
		return Config{}, err
	}
	if cfg.ExecutionTimeoutMs, err = getenvInt64("EXECUTION_TIMEOUT_MS", cfg.ExecutionTimeoutMs); err != nil {
		return Config{}, err
	}
	if cfg.Concurrency, err = getenvInt("CONCURRENCY", cfg.Concurrency); err != nil {
		return Config{}, err
	}
	if cfg.WorkerPoolSize, err = getenvInt("WORKER_POOL_SIZE", cfg.WorkerPoolSize); err != nil {
		return Config{}, err
	}
	if cfg.SessionIdleTTLMs, err = getenvInt64("SESSION_IDLE_TTL_MS", cfg.SessionIdleTTLMs); err != nil {
		return Config{}, err
	}
	if cfg.SessionAbsoluteTTLMs, err = getenvInt64("SESSION_ABSOLUTE_TTL_MS", cfg.SessionAbsoluteTTLMs); err != nil {
		return Config{}, err
	}
	if cfg.MaxSessions, err = getenvInt("MAX_SESSIONS", cfg.MaxSessions); err != nil {
		return Config{}, err
	}
	if cfg.SessionReaperIntervalMs, err = getenvInt64("SESSION_REAPER_INTERVAL_MS", cfg.SessionReaperIntervalMs); err != nil {
		return Config{}, err
	}

	if cfg.MaxDepth < 1 {
		return Config{}, fmt.Errorf("config: MAX_DEPTH must be >= 1, got %d", cfg.MaxDepth)
	}

	return cfg, nil
}

// ExecutionTimeout and the other *Duration accessors convert the raw
// millisecond fields into time.Duration at the point of use, keeping the
// env-parsed struct itself unit-explicit (suffix Ms) per the design's own
// naming.
func (c Config) ExecutionTimeout() time.Duration { return time.Duration(c.ExecutionTimeoutMs) * time.Millisecond }
func (c Config) SessionIdleTTL() time.Duration    { return time.Duration(c.SessionIdleTTLMs) * time.Millisecond }
func (c Config) SessionAbsoluteTTL() time.Duration {
	return time.Duration(c.SessionAbsoluteTTLMs) * time.Millisecond
}
func (c Config) SessionReaperInterval() time.Duration {
	return time.Duration(c.SessionReaperIntervalMs) * time.Millisecond
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func getenvInt64(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
