// Package transport presents the Session Manager's operations behind one
// polymorphic interface, regardless of whether the manager lives in the
// same process, behind a loopback HTTP port, or across the network. All
// three bindings share identical operation semantics; the rest of the
// system (REPL Environment, Reasoning Loop) is written only against
// Transport.
package transport

import (
	"context"
	"time"

	"github.com/XiaoConstantine/rlm-go/pkg/core"
)

// ExecuteOptions carries the per-call overrides a REPL Environment may pass
// to execute, distinct from the session-wide defaults configured on the
// Transport itself.
type ExecuteOptions struct {
	TimeoutMs int64
}

// Transport is the boundary between Reasoning Loop (via REPL Environment)
// and Session Manager.
type Transport interface {
	CreateSession(ctx context.Context, ownerTag string) (sessionID string, err error)
	Execute(ctx context.Context, sessionID, code string, opts ExecuteOptions) (core.Outputs, error)
	DestroySession(ctx context.Context, sessionID string) error
	Health(ctx context.Context) error
}

// NetworkBudget is the minimum extra time budget a Transport adds on top of
// a caller-requested execute_timeout, per the design's "execute_timeout +
// network_budget (network budget >= 5s)" client duty.
const NetworkBudget = 5 * time.Second
