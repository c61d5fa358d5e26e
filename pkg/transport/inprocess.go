package transport

import (
	"context"

	"github.com/XiaoConstantine/rlm-go/pkg/core"
	"github.com/XiaoConstantine/rlm-go/pkg/sandbox"
	"github.com/XiaoConstantine/rlm-go/pkg/session"
)

// InProcess binds Transport directly to a *session.Manager living in the
// same process: zero serialization, failures surface as native Go errors.
// Used for local development and for single-process deployments.
type InProcess struct {
	manager      *session.Manager
	defaultLimits sandbox.Limits
}

// NewInProcess wraps an existing session.Manager.
func NewInProcess(manager *session.Manager, defaultLimits sandbox.Limits) *InProcess {
	return &InProcess{manager: manager, defaultLimits: defaultLimits}
}

func (t *InProcess) CreateSession(_ context.Context, ownerTag string) (string, error) {
	return t.manager.CreateSession(ownerTag)
}

func (t *InProcess) Execute(ctx context.Context, sessionID, code string, opts ExecuteOptions) (core.Outputs, error) {
	limits := t.defaultLimits
	if opts.TimeoutMs > 0 {
		limits.WallTimeout = msToDuration(opts.TimeoutMs)
	}
	return t.manager.Execute(ctx, sessionID, code, limits)
}

func (t *InProcess) DestroySession(_ context.Context, sessionID string) error {
	return t.manager.DestroySession(sessionID)
}

func (t *InProcess) Health(context.Context) error {
	return nil
}
