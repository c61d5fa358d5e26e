package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/XiaoConstantine/rlm-go/pkg/core"
)

// HTTPTransport implements Transport over the §6.1 HTTP surface. The same
// code serves both the loopback (same pod, base URL is localhost) and
// remote (cross-pod, cluster-internal address) topologies named in the
// design — they differ only in BaseURL, never in code path.
//
// Connection reuse is grounded in the teacher's pooled http.Client
// construction (pkg/providers/anthropic.go): a shared client with tuned
// MaxIdleConnsPerHost/IdleConnTimeout avoids a new TCP handshake per call.
type HTTPTransport struct {
	BaseURL       string
	ExecuteTimeout time.Duration
	client        *http.Client
}

// NewHTTPTransport builds a transport pointed at baseURL (e.g.
// "http://localhost:8090" for loopback, or a cluster-internal service
// address for remote).
func NewHTTPTransport(baseURL string, executeTimeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		BaseURL:        baseURL,
		ExecuteTimeout: executeTimeout,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (t *HTTPTransport) timeout() time.Duration {
	d := t.ExecuteTimeout
	if d <= 0 {
		d = 30 * time.Second
	}
	return d + NetworkBudget
}

func (t *HTTPTransport) CreateSession(ctx context.Context, ownerTag string) (string, error) {
	body := map[string]string{}
	if ownerTag != "" {
		body["owner_tag"] = ownerTag
	}

	var resp struct {
		SessionID string `json:"session_id"`
	}
	status, err := t.doJSON(ctx, http.MethodPost, "/session", body, &resp)
	if err != nil {
		return "", fmt.Errorf("create session: %w", core.ErrTransportUnavailable)
	}
	if status == http.StatusServiceUnavailable {
		return "", fmt.Errorf("create session: %w", core.ErrCapacityExhausted)
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("create session: unexpected status %d: %w", status, core.ErrTransportUnavailable)
	}
	return resp.SessionID, nil
}

func (t *HTTPTransport) Execute(ctx context.Context, sessionID, code string, opts ExecuteOptions) (core.Outputs, error) {
	reqBody := map[string]any{"code": code}
	if opts.TimeoutMs > 0 {
		reqBody["timeout_ms"] = opts.TimeoutMs
	}

	var out core.Outputs
	status, err := t.doJSON(ctx, http.MethodPost, "/session/"+sessionID+"/execute", reqBody, &out)
	if err != nil {
		// A code execution that returns no Outputs at all because the
		// request never completed must never be retried: it might have
		// already mutated session state server-side.
		return core.Outputs{}, fmt.Errorf("execute: %w", core.ErrTransportUnavailable)
	}
	switch status {
	case http.StatusOK:
		return out, nil
	case http.StatusNotFound:
		return core.Outputs{}, fmt.Errorf("execute: %w", core.ErrNoSuchSession)
	default:
		return core.Outputs{}, fmt.Errorf("execute: unexpected status %d: %w", status, core.ErrTransportUnavailable)
	}
}

func (t *HTTPTransport) DestroySession(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.BaseURL+"/session/"+sessionID, nil)
	if err != nil {
		return fmt.Errorf("destroy session: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		// Destroy is idempotent and best-effort from the caller's
		// perspective; a transport failure here is still reported so the
		// REPL Environment can log it, but it never blocks teardown.
		return fmt.Errorf("destroy session: %w", core.ErrTransportUnavailable)
	}
	defer resp.Body.Close()
	return nil
}

func (t *HTTPTransport) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("health: %w", core.ErrTransportUnavailable)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health: status %d: %w", resp.StatusCode, core.ErrTransportUnavailable)
	}
	return nil
}

func (t *HTTPTransport) doJSON(ctx context.Context, method, path string, reqBody, respBody any) (int, error) {
	var bodyReader io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return 0, err
		}
		bodyReader = bytes.NewReader(b)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, t.BaseURL+path, bodyReader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil && err != io.EOF {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}
