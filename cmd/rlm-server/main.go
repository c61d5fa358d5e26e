// Command rlm-server hosts the Session/Execution HTTP surface (§6.1), the
// optional inference surface (§6.2), and /metrics in one process. Graceful
// shutdown idiom grounded in iuriikogan-rlm-go/cmd/server/main.go
// (signal.Notify, goroutine ListenAndServe, blocking <-stop,
// server.Shutdown(ctx)).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/XiaoConstantine/rlm-go/internal/config"
	"github.com/XiaoConstantine/rlm-go/internal/observability"
	"github.com/XiaoConstantine/rlm-go/pkg/coordinator"
	"github.com/XiaoConstantine/rlm-go/pkg/core"
	"github.com/XiaoConstantine/rlm-go/pkg/modelclient"
	"github.com/XiaoConstantine/rlm-go/pkg/recursion"
	"github.com/XiaoConstantine/rlm-go/pkg/sandbox"
	"github.com/XiaoConstantine/rlm-go/pkg/session"
	"github.com/XiaoConstantine/rlm-go/pkg/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.ParseLevel(cfg.LogLevel))

	manager := session.New(session.Config{
		MaxSessions:    cfg.MaxSessions,
		IdleTTL:        cfg.SessionIdleTTL(),
		AbsoluteTTL:    cfg.SessionAbsoluteTTL(),
		ReaperInterval: cfg.SessionReaperInterval(),
	}, func(msg string, args ...any) { logger.Info(msg, args...) })
	defer manager.Close()

	tr := buildTransport(cfg, manager)

	client := modelclient.NewAnthropicClient(cfg.ModelAPIKey, modelclient.WithBaseURL(cfg.ModelBaseURL))

	limits := sandbox.DefaultLimits()
	limits.WallTimeout = cfg.ExecutionTimeout()

	controller := recursion.New(tr, client, limits, cfg.ModelRoot, cfg.ModelSubList, cfg.MaxDepth)
	controller.PerDepthIterationCap = map[int]int{0: cfg.MaxIterations}
	controller.TranscriptDir = cfg.TranscriptLogDir
	controller.SubClients = buildSubClients(cfg)

	coord := coordinator.New(controller, cfg.WorkerPoolSize, cfg.Concurrency)
	defer coord.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	sessionServer := transport.NewServer(manager, limits, nil)
	sessionServer.Register(mux)

	registerInferenceHandler(mux, coord, logger)

	addr := cfg.ListenAddr
	server := &http.Server{Addr: addr, Handler: instrument(mux, logger)}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("starting rlm-server", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-stop
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
	}
	logger.Info("exited")
}

// buildSubClients constructs one Model Client per MODEL_SUB_BASE_URLS
// entry, letting different recursion depths hit different provider
// endpoints. Empty when MODEL_SUB_BASE_URLS is unset, leaving every depth
// on the single root client.
func buildSubClients(cfg config.Config) []modelclient.Client {
	if len(cfg.ModelSubBaseURLs) == 0 {
		return nil
	}
	clients := make([]modelclient.Client, 0, len(cfg.ModelSubBaseURLs))
	for _, url := range cfg.ModelSubBaseURLs {
		clients = append(clients, modelclient.NewAnthropicClient(cfg.ModelAPIKey, modelclient.WithBaseURL(url)))
	}
	return clients
}

func buildTransport(cfg config.Config, manager *session.Manager) transport.Transport {
	switch cfg.ExecuteTransport {
	case "loopback", "remote":
		return transport.NewHTTPTransport(cfg.ExecuteServiceURL, cfg.ExecutionTimeout())
	default:
		return transport.NewInProcess(manager, sandbox.DefaultLimits())
	}
}

type inferRequest struct {
	Query    string `json:"query"`
	Context  string `json:"context,omitempty"`
	Model    string `json:"model,omitempty"`
	MaxDepth int    `json:"max_depth,omitempty"`
}

type inferResponse struct {
	Answer      string           `json:"answer"`
	Usage       core.UsageRecord `json:"usage"`
	RecursionID string           `json:"recursion_id"`
}

func registerInferenceHandler(mux *http.ServeMux, coord *coordinator.Coordinator, logger interface {
	Error(msg string, args ...any)
}) {
	mux.HandleFunc("POST /infer", func(w http.ResponseWriter, r *http.Request) {
		var req inferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
			return
		}
		if req.Query == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query is required"})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 120*time.Second)
		defer cancel()

		future, err := coord.Submit(ctx, coordinator.Task{Query: req.Query, ContextText: req.Context, MaxDepth: req.MaxDepth, Model: req.Model})
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}

		result, err := future.Wait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "end-to-end timeout"})
				return
			}
			logger.Error("infer failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}

		writeJSON(w, http.StatusOK, inferResponse{Answer: result.Answer, Usage: result.UsageTotal, RecursionID: result.RecursionID})
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// statusRecorder captures the status code for the observability middleware,
// grounded in iuriikogan-rlm-go's cmd/server responseWriter wrapper.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func instrument(next http.Handler, logger interface {
	Info(msg string, args ...any)
}) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		duration := time.Since(start).Seconds()
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, http.StatusText(rec.status)).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
		logger.Info("request handled", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration_s", duration)
	})
}
