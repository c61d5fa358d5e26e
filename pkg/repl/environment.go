// Package repl implements the REPL Environment: the boundary a Reasoning
// Loop uses to run code against a transport-backed session and, when
// recursion depth remains, to delegate a query to a child reasoning
// invocation.
package repl

import (
	"context"
	"fmt"
	"strings"

	"github.com/XiaoConstantine/rlm-go/pkg/core"
	"github.com/XiaoConstantine/rlm-go/pkg/sandbox"
	"github.com/XiaoConstantine/rlm-go/pkg/transport"
)

// SubResult is what a sub-reasoner invocation hands back to the parent's
// ask_sub_rlm dispatch: its final text plus the usage accumulated by the
// child and every further descendant it recursed into.
type SubResult struct {
	Answer        string
	Usage         core.UsageRecord
	PerLevelUsage []core.UsageRecord
}

// SubFactory instantiates a child reasoning invocation for ask_sub_rlm and
// returns its final assistant text and usage. It is supplied by the
// Recursion Controller; the Environment never constructs one itself.
type SubFactory func(ctx context.Context, query string) (SubResult, error)

// Environment binds one transport-backed session and an optional
// sub-reasoner factory. It is the concrete realization of new_repl /
// run_code / ask_sub / close.
type Environment struct {
	transport  transport.Transport
	sessionID  string
	subFactory SubFactory
	limits     transport.ExecuteOptions
}

// New calls transport.CreateSession and fails fast if the session cannot be
// established, matching the construction contract.
func New(ctx context.Context, t transport.Transport, ownerTag string, limits sandbox.Limits, subFactory SubFactory) (*Environment, error) {
	id, err := t.CreateSession(ctx, ownerTag)
	if err != nil {
		return nil, fmt.Errorf("new repl environment: %w", err)
	}
	return &Environment{
		transport:  t,
		sessionID:  id,
		subFactory: subFactory,
		limits:     transport.ExecuteOptions{TimeoutMs: limits.WallTimeout.Milliseconds()},
	}, nil
}

// HasSubFactory reports whether ask_sub is available, used by the Reasoning
// Loop to decide whether ask_sub_rlm is advertised.
func (e *Environment) HasSubFactory() bool {
	return e.subFactory != nil
}

// SessionID returns the transport session id this environment was
// constructed against, used for telemetry (LevelContext.session_id).
func (e *Environment) SessionID() string {
	return e.sessionID
}

// RunCode forwards to transport.Execute. It never returns an error:
// sandbox-level failures are encoded as an ErrorKind in Outputs, and a
// failed transport call becomes Outputs with ErrorKind transport_unavailable
// and the transport error text in Stderr.
func (e *Environment) RunCode(ctx context.Context, code string) core.Outputs {
	out, err := e.transport.Execute(ctx, e.sessionID, code, e.limits)
	if err != nil {
		kind := core.ErrorKindTransportUnavailable
		return core.Outputs{ErrorKind: &kind, Stderr: err.Error()}
	}
	return out
}

// AskSub invokes the sub-reasoner factory and returns its final text and
// usage. Callers must check HasSubFactory first; invoking it without one is
// a programming error and returns sub_failed rather than panicking.
func (e *Environment) AskSub(ctx context.Context, query string) (SubResult, error) {
	if e.subFactory == nil {
		return SubResult{}, fmt.Errorf("ask_sub invoked with no sub-reasoner factory: %w", core.ErrSubFailed)
	}
	res, err := e.subFactory(ctx, query)
	if err != nil {
		return SubResult{}, fmt.Errorf("sub-reasoner failed: %w: %w", core.ErrSubFailed, err)
	}
	return res, nil
}

// Close destroys the session via the transport. Idempotent.
func (e *Environment) Close(ctx context.Context) error {
	return e.transport.DestroySession(ctx, e.sessionID)
}

// FormatOutputs renders Outputs into the §6.3 tagged textual block: stdout
// (only if non-empty), then stderr (only if non-empty), then the error kind
// (only if present). Omitting empty sections means a failed tool call whose
// sandbox never produced output renders as just its error tag.
func FormatOutputs(o core.Outputs) string {
	var b strings.Builder
	if o.Stdout != "" {
		b.WriteString("<stdout>")
		b.WriteString(o.Stdout)
		b.WriteString("</stdout>")
	}
	if o.Stderr != "" {
		b.WriteString("<stderr>")
		b.WriteString(o.Stderr)
		b.WriteString("</stderr>")
	}
	if o.ErrorKind != nil {
		b.WriteString("<error>")
		b.WriteString(string(*o.ErrorKind))
		b.WriteString("</error>")
	}
	return b.String()
}
