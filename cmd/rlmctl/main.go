// Command rlmctl is a one-shot CLI client for an rlm-server process,
// adapted from the teacher's cmd/rlm (flag-driven context/query CLI) but
// talking to the Session/Inference HTTP surface (§6.2) over the network
// instead of embedding a reasoning loop in-process.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/term"
)

var (
	serverAddr  = flag.String("server", "http://127.0.0.1:8080", "rlm-server base URL")
	contextFile = flag.String("context", "", "Path to context file (or use stdin)")
	contextStr  = flag.String("context-string", "", "Context string directly")
	query       = flag.String("query", "", "Query to run against the context")
	model       = flag.String("model", "", "Override root model for this request")
	maxDepth    = flag.Int("max-depth", 0, "Override max recursion depth for this request (0 = server default)")
	timeout     = flag.Duration("timeout", 150*time.Second, "Client-side request timeout")
	jsonOutput  = flag.Bool("json", false, "Force JSON output even on a terminal")
)

type inferRequest struct {
	Query    string `json:"query"`
	Context  string `json:"context,omitempty"`
	Model    string `json:"model,omitempty"`
	MaxDepth int    `json:"max_depth,omitempty"`
}

type usage struct {
	PromptTokens       int `json:"prompt_tokens"`
	CompletionTokens   int `json:"completion_tokens"`
	TotalTokens        int `json:"total_tokens"`
	CachedPromptTokens int `json:"cached_prompt_tokens"`
}

type inferResponse struct {
	Answer      string `json:"answer"`
	Usage       usage  `json:"usage"`
	RecursionID string `json:"recursion_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `rlmctl - client for a running rlm-server

Usage:
  rlmctl -context <file> -query "your question"
  rlmctl -context-string "data" -query "your question"
  cat file.txt | rlmctl -query "your question"

Options:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	contextData, err := resolveContext()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *query == "" {
		fmt.Fprintln(os.Stderr, "Error: -query is required")
		flag.Usage()
		os.Exit(1)
	}

	req := inferRequest{Query: *query, Context: contextData, Model: *model, MaxDepth: *maxDepth}
	body, err := json.Marshal(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: marshal request: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	resp, err := doInfer(ctx, *serverAddr, body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if prettyOutput() {
		fmt.Println(resp.Answer)
		fmt.Fprintf(os.Stderr, "\n%s\n", strings.Repeat("=", 50))
		fmt.Fprintf(os.Stderr, "Recursion ID: %s\n", resp.RecursionID)
		fmt.Fprintf(os.Stderr, "Tokens: %d prompt + %d completion (%d cached) = %d total\n",
			resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Usage.CachedPromptTokens, resp.Usage.TotalTokens)
		return
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(resp)
}

// prettyOutput decides whether to print a human-readable summary or raw
// JSON: stdout is a terminal and -json was not forced.
func prettyOutput() bool {
	if *jsonOutput {
		return false
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func resolveContext() (string, error) {
	switch {
	case *contextStr != "":
		return *contextStr, nil
	case *contextFile != "":
		data, err := os.ReadFile(*contextFile)
		if err != nil {
			return "", fmt.Errorf("reading context file: %w", err)
		}
		return string(data), nil
	default:
		if term.IsTerminal(int(os.Stdin.Fd())) {
			return "", nil
		}
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(data), nil
	}
}

func doInfer(ctx context.Context, base string, body []byte) (inferResponse, error) {
	url := strings.TrimRight(base, "/") + "/infer"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return inferResponse{}, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: *timeout + 5*time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		return inferResponse{}, fmt.Errorf("contacting %s: %w", *serverAddr, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return inferResponse{}, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
			return inferResponse{}, fmt.Errorf("server returned %d: %s", resp.StatusCode, errResp.Error)
		}
		return inferResponse{}, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(data))
	}

	var out inferResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return inferResponse{}, fmt.Errorf("unmarshal response: %w", err)
	}
	return out, nil
}
