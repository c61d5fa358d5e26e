// Package sandbox implements the Sandbox Runtime: a persistent, in-process
// interpreter state that executes code strings and reports captured
// stdout/stderr under wall-clock and output-size limits. Host I/O never
// escapes the interpreter: no sockets, no filesystem, no subprocesses.
//
// The concrete interpreter is github.com/traefik/yaegi, the teacher's own
// choice for its local-development backend; deployment topologies that need
// stronger isolation (WASM, OS-process with seccomp) are a substitution
// behind the same Runtime contract, not a code change here.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/XiaoConstantine/rlm-go/internal/observability"
	"github.com/XiaoConstantine/rlm-go/pkg/core"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// Limits bounds a single execute call.
type Limits struct {
	WallTimeout      time.Duration
	MemoryCapBytes   int64
	OutputTruncBytes int
}

// DefaultLimits returns the defaults named in the design: 30s wall timeout,
// no enforced memory cap beyond best-effort sampling, 64KiB of captured
// output per stream.
func DefaultLimits() Limits {
	return Limits{
		WallTimeout:      30 * time.Second,
		MemoryCapBytes:   0,
		OutputTruncBytes: 64 * 1024,
	}
}

// maxCodeBytes caps input code length at 256KiB. It is a fixed constant;
// Limits has no field that changes it.
const maxCodeBytes = 256 * 1024

// overshootTolerance is the epsilon the timeout select loop is allowed to
// exceed WallTimeout by before returning, per the design's "wall_timeout_ms
// + ε (ε ≤ 500ms)" guarantee. In practice the select returns promptly; this
// constant documents the contract, it does not need to be enforced directly.
const overshootTolerance = 500 * time.Millisecond

// Runtime is one persistent interpreter state, owned exclusively by a single
// Session Manager entry. It is not safe for concurrent Execute calls — the
// Session Manager's per-session lock is what makes that safe system-wide.
type Runtime struct {
	interp *interp.Interpreter
	stdout *bytes.Buffer
	stderr *bytes.Buffer
	mu     sync.Mutex
}

// New creates a fresh Runtime with an empty interpreter state.
func New() (*Runtime, error) {
	r := &Runtime{}
	if err := r.reset(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Runtime) reset() error {
	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)

	i := interp.New(interp.Options{Stdout: stdout, Stderr: stderr})
	if err := i.Use(stdlib.Symbols); err != nil {
		return fmt.Errorf("load stdlib: %w", err)
	}

	// Yaegi does not implement the Go 1.21 min/max builtins; shim them so
	// generated code that uses them does not fail with a spurious syntax
	// error.
	shim := `
func min(a, b int) int { if a < b { return a }; return b }
func max(a, b int) int { if a > b { return a }; return b }
`
	if _, err := i.Eval(shim); err != nil {
		return fmt.Errorf("install builtin shims: %w", err)
	}

	r.interp = i
	r.stdout = stdout
	r.stderr = stderr
	return nil
}

// Execute runs code against the persistent interpreter state and returns
// Outputs. It never returns a non-nil error for sandbox-side failures —
// syntax errors, runtime panics, timeouts, and output overflow are all
// encoded as Outputs.ErrorKind, per the Sandbox Runtime contract. The only
// error this returns is ctx.Err() on caller cancellation.
func (r *Runtime) Execute(ctx context.Context, code string, limits Limits) (out core.Outputs, err error) {
	execStart := time.Now()
	defer func() {
		if err != nil {
			return
		}
		observability.SandboxExecutionDuration.Observe(time.Since(execStart).Seconds())
		if out.ErrorKind != nil {
			observability.SandboxErrors.WithLabelValues(string(*out.ErrorKind)).Inc()
		}
	}()

	if len(code) > maxCodeBytes {
		kind := core.ErrorKindSyntax
		return core.Outputs{Stderr: "code exceeds maximum length", ErrorKind: &kind}, nil
	}

	r.mu.Lock()
	r.stdout.Reset()
	r.stderr.Reset()
	r.mu.Unlock()

	timeout := limits.WallTimeout
	if timeout <= 0 {
		timeout = DefaultLimits().WallTimeout
	}

	var memBefore runtime.MemStats
	runtime.ReadMemStats(&memBefore)

	start := time.Now()
	done := make(chan struct{})
	var evalErr error

	// The goroutine is intentionally abandoned on timeout: yaegi's Eval
	// cannot be preempted mid-statement. It keeps writing into r.stdout/
	// r.stderr after we return; the next Execute call resets those buffers
	// under r.mu before reading them, so a stale write only risks being
	// silently overwritten, never corrupting the *next* result.
	//
	// Yaegi parses a snippet that starts with "import" as a file of
	// declarations only, so leading import declarations are evaluated
	// first and the statements after them in a second Eval.
	leadingImports := regexp.MustCompile(`^(?:\s*import\s*(?:\([^)]*\)|(?:[\w.]+\s*)?"[^"]*")\s*;?)+`)
	go func() {
		if loc := leadingImports.FindStringIndex(code); loc != nil && strings.TrimSpace(code[loc[1]:]) != "" {
			if _, evalErr = r.interp.Eval(code[:loc[1]]); evalErr == nil {
				_, evalErr = r.interp.Eval(code[loc[1]:])
			}
		} else {
			_, evalErr = r.interp.Eval(code)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		kind := core.ErrorKindTimeout
		return core.Outputs{
			Stderr:     "execution timeout exceeded",
			DurationMs: time.Since(start).Milliseconds(),
			ErrorKind:  &kind,
		}, nil
	case <-ctx.Done():
		return core.Outputs{}, ctx.Err()
	}

	duration := time.Since(start)

	r.mu.Lock()
	stdout := r.stdout.String()
	stderr := r.stderr.String()
	r.mu.Unlock()

	if evalErr != nil {
		if stderr != "" {
			stderr += "\n"
		}
		stderr += evalErr.Error()
	}

	out = core.Outputs{DurationMs: duration.Milliseconds()}
	truncBytes := limits.OutputTruncBytes
	if truncBytes <= 0 {
		truncBytes = DefaultLimits().OutputTruncBytes
	}
	out.Stdout, out.Stderr = truncate(stdout, truncBytes), truncate(stderr, truncBytes)

	switch {
	case len(stdout) > truncBytes || len(stderr) > truncBytes:
		kind := core.ErrorKindOutputOverflow
		out.ErrorKind = &kind
	case evalErr != nil:
		kind := classifyEvalErr(evalErr)
		out.ErrorKind = &kind
	}

	if limits.MemoryCapBytes > 0 {
		var memAfter runtime.MemStats
		runtime.ReadMemStats(&memAfter)
		if int64(memAfter.Alloc-memBefore.Alloc) > limits.MemoryCapBytes {
			kind := core.ErrorKindMemory
			out.ErrorKind = &kind
		}
	}

	return out, nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n...[truncated]"
}

// classifyEvalErr distinguishes a syntax error (yaegi reports these before
// any statement executes) from a runtime error (panic/exception during
// execution). Yaegi's parser errors carry recognizable substrings; anything
// else is treated as a runtime failure, matching the teacher's own
// best-effort error surfacing in pkg/repl/repl.go.
func classifyEvalErr(err error) core.ErrorKind {
	msg := err.Error()
	for _, marker := range []string{"syntax error", "expected ", "unexpected "} {
		if strings.Contains(msg, marker) {
			return core.ErrorKindSyntax
		}
	}
	return core.ErrorKindRuntime
}

// LoadVar binds a Go value into the interpreter as a named variable by
// evaluating "var <name> = <jsonLiteral>". Nothing in this module calls it.
func (r *Runtime) LoadVar(name, jsonLiteral string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.interp.Eval("var " + name + " = " + jsonLiteral)
	return err
}

// GetVariable resolves a variable name in the interpreter state and returns
// its value formatted with %v. Nothing in this module calls it.
func (r *Runtime) GetVariable(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, err := r.interp.Eval(name)
	if err != nil {
		return "", fmt.Errorf("variable %q not found: %w", name, err)
	}
	if !v.IsValid() {
		return "", fmt.Errorf("variable %q is invalid", name)
	}
	return fmt.Sprintf("%v", v.Interface()), nil
}

// Reset discards all interpreter state and starts fresh. The Session Manager
// does not call it: sessions are destroyed and a new one created rather
// than reset in place.
func (r *Runtime) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reset()
}

// Close releases the runtime's buffers. Yaegi has no explicit teardown; this
// exists so Runtime satisfies io.Closer-shaped cleanup in the Session
// Manager.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stdout.Reset()
	r.stderr.Reset()
	return nil
}
