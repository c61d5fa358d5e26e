// Package observability provides the process's structured logger and
// Prometheus metric registry, grounded in iuriikogan-rlm-go's
// internal/observability/observability.go and expanded with the
// recursion/session/sandbox gauges and histograms this system's domain
// stack calls for.
package observability

import (
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP surface metrics.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rlm_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rlm_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Reasoning Loop metrics.
	ReasoningIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rlm_reasoning_iterations",
			Help:    "Number of iterations per reasoning loop invocation",
			Buckets: []float64{1, 2, 5, 10, 20, 50},
		},
	)

	ReasoningDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rlm_reasoning_duration_seconds",
			Help:    "Total duration of one reasoning invocation, by depth",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
		[]string{"depth"},
	)

	TokenUsage = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rlm_token_usage_total",
			Help: "Total number of tokens used",
		},
		[]string{"model", "type"}, // type: prompt, cached_prompt, completion
	)

	ModelCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rlm_model_call_duration_seconds",
			Help:    "Duration of Model Client calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	ModelErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rlm_model_errors_total",
			Help: "Total number of Model Client errors by kind",
		},
		[]string{"kind"},
	)

	// Recursion Controller metrics.
	RecursionDepth = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rlm_recursion_depth",
			Help:    "Depth of each recursion invocation",
			Buckets: []float64{0, 1, 2, 3, 4, 5},
		},
	)

	ActiveRecursions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rlm_active_recursions",
			Help: "Number of reasoning invocations currently in flight across all depths",
		},
	)

	// Sandbox execution metrics.
	SandboxExecutionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rlm_sandbox_execution_duration_seconds",
			Help:    "Duration of a single code execution",
			Buckets: prometheus.DefBuckets,
		},
	)

	SandboxErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rlm_sandbox_errors_total",
			Help: "Total number of sandbox executions ending in an error kind",
		},
		[]string{"kind"},
	)

	// Session Manager metrics.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rlm_active_sessions",
			Help: "Number of live sandbox sessions",
		},
	)

	SessionsReapedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rlm_sessions_reaped_total",
			Help: "Total number of sessions destroyed by the idle/absolute TTL reaper",
		},
		[]string{"reason"}, // idle, absolute
	)

	// Task Coordinator metrics.
	TasksQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rlm_tasks_queued",
			Help: "Number of tasks waiting for a worker",
		},
	)

	TasksInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rlm_tasks_in_flight",
			Help: "Number of task trees currently holding a coordinator permit",
		},
	)
)

// NewLogger builds the process's slog logger: JSON handler to stdout at the
// given level, set as the package default so library code that reaches for
// slog.Default() still gets structured output.
func NewLogger(level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps the LOG_LEVEL env var's textual values onto slog.Level,
// defaulting to Info for anything unrecognized.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
