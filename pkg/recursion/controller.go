// Package recursion implements the Recursion Controller: depth-indexed
// model and transport selection, base-case substitution of a leaf reasoner
// with no further recursion, and recursion-lineage id propagation.
package recursion

import (
	"context"
	"fmt"

	"github.com/XiaoConstantine/rlm-go/internal/observability"
	"github.com/XiaoConstantine/rlm-go/pkg/modelclient"
	"github.com/XiaoConstantine/rlm-go/pkg/reasoning"
	"github.com/XiaoConstantine/rlm-go/pkg/repl"
	"github.com/XiaoConstantine/rlm-go/pkg/sandbox"
	"github.com/XiaoConstantine/rlm-go/pkg/translog"
	"github.com/XiaoConstantine/rlm-go/pkg/transport"
	"github.com/google/uuid"
)

// LevelContext is the per-invocation context the design names: depth,
// bounds, model selection, and lineage.
type LevelContext struct {
	Depth             int
	MaxDepth          int
	ModelID           string
	SubModelIDs       []string
	ParentRecursionID string
	RecursionID       string
	SessionID         string
	HardIterationCap  int
}

// Controller resolves LevelContext and builds REPL Environments for each
// reasoning invocation. One Controller is shared across an entire task
// tree; it holds no per-invocation state itself.
type Controller struct {
	transport transport.Transport
	client    modelclient.Client
	limits    sandbox.Limits

	RootModel   string
	SubModels   []string
	MaxDepth    int
	// SubClients optionally overrides which Model Client services each
	// sub-reasoner depth, clamped the same way as SubModels (depth k>=1 uses
	// SubClients[min(k-1, len-1)]), so depths past the end of a short slice
	// reuse its last client. A nil or empty slice leaves every depth on the
	// Controller's single client. Populated from
	// MODEL_SUB_BASE_URLS in cmd/rlm-server, letting different recursion
	// depths hit different provider endpoints.
	SubClients []modelclient.Client
	// PerDepthIterationCap optionally overrides reasoning.DefaultHardIterationCap
	// by depth, grounded in the teacher's PerDepthMaxIterations override map.
	// A nil or short map falls back to the global default for unlisted depths.
	PerDepthIterationCap map[int]int
	// TranscriptDir, if non-empty, makes every invocation (root and
	// sub-reasoner) write its own pkg/translog JSONL transcript under this
	// directory. Empty disables transcript logging entirely.
	TranscriptDir string
}

// New builds a Controller bound to one transport, one Model Client, and a
// resource budget shared by every sandbox session it creates.
func New(t transport.Transport, client modelclient.Client, limits sandbox.Limits, rootModel string, subModels []string, maxDepth int) *Controller {
	return &Controller{
		transport: t,
		client:    client,
		limits:    limits,
		RootModel: rootModel,
		SubModels: subModels,
		MaxDepth:  maxDepth,
	}
}

// ModelForDepth implements the clamped selection rule: depth 0 -> root
// model; depth k>=1 -> sub_models[min(k-1, len(sub_models)-1)].
func (c *Controller) ModelForDepth(depth int) string {
	if depth == 0 {
		return c.RootModel
	}
	if len(c.SubModels) == 0 {
		return c.RootModel
	}
	idx := depth - 1
	if idx >= len(c.SubModels) {
		idx = len(c.SubModels) - 1
	}
	return c.SubModels[idx]
}

func (c *Controller) iterationCapForDepth(depth int) int {
	if n, ok := c.PerDepthIterationCap[depth]; ok {
		return n
	}
	return reasoning.DefaultHardIterationCap
}

// clientForDepth implements the same clamped selection rule as
// ModelForDepth, but over Model Clients rather than model id strings: depth
// 0 or an unpopulated SubClients always uses the Controller's single
// client; depth k>=1 uses SubClients[min(k-1, len-1)] when set.
func (c *Controller) clientForDepth(depth int) modelclient.Client {
	if depth == 0 || len(c.SubClients) == 0 {
		return c.client
	}
	idx := depth - 1
	if idx >= len(c.SubClients) {
		idx = len(c.SubClients) - 1
	}
	return c.SubClients[idx]
}

// NewRoot starts a fresh recursion tree: depth 0, no parent lineage, using
// the Controller's configured max depth.
func (c *Controller) NewRoot(ctx context.Context, ownerTag string) (*reasoning.Loop, LevelContext, error) {
	return c.NewRootWithMaxDepth(ctx, ownerTag, c.MaxDepth)
}

// NewRootWithMaxDepth starts a fresh recursion tree with a per-task max
// depth override (options.max_depth), falling back to the Controller's
// configured depth when maxDepth <= 0. The override is threaded through
// LevelContext rather than mutating shared Controller state, so concurrent
// tasks with different overrides never race.
func (c *Controller) NewRootWithMaxDepth(ctx context.Context, ownerTag string, maxDepth int) (*reasoning.Loop, LevelContext, error) {
	return c.NewRootWithOptions(ctx, ownerTag, maxDepth, "")
}

// NewRootWithOptions starts a fresh recursion tree with both a per-task max
// depth override and a per-task root model override (options.model),
// falling back to the Controller's configured values when either is the
// zero value.
func (c *Controller) NewRootWithOptions(ctx context.Context, ownerTag string, maxDepth int, rootModelOverride string) (*reasoning.Loop, LevelContext, error) {
	if maxDepth <= 0 {
		maxDepth = c.MaxDepth
	}
	return c.newInvocation(ctx, ownerTag, 0, maxDepth, "", rootModelOverride)
}

// newInvocation builds the LevelContext, REPL Environment, and Reasoning
// Loop for one invocation at the given depth, wiring in a sub-factory
// unless depth+1 == max_depth (the base case). modelOverride only applies
// at depth 0 (a per-request override of the root model); sub-reasoner
// depths always use ModelForDepth.
func (c *Controller) newInvocation(ctx context.Context, ownerTag string, depth, maxDepth int, parentRecursionID, modelOverride string) (*reasoning.Loop, LevelContext, error) {
	modelID := c.ModelForDepth(depth)
	if depth == 0 && modelOverride != "" {
		modelID = modelOverride
	}

	lc := LevelContext{
		Depth:             depth,
		MaxDepth:          maxDepth,
		ModelID:           modelID,
		SubModelIDs:       c.SubModels,
		ParentRecursionID: parentRecursionID,
		RecursionID:       uuid.NewString(),
		HardIterationCap:  c.iterationCapForDepth(depth),
	}

	var subFactory repl.SubFactory
	if depth+1 < maxDepth {
		subFactory = c.subFactoryFor(lc)
	}

	env, err := repl.New(ctx, c.transport, ownerTag, c.limits, subFactory)
	if err != nil {
		return nil, LevelContext{}, fmt.Errorf("recursion controller: build environment at depth %d: %w", depth, err)
	}
	lc.SessionID = env.SessionID()

	cfg := reasoning.Config{
		ModelID:          lc.ModelID,
		HardIterationCap: lc.HardIterationCap,
		Depth:            lc.Depth,
	}
	if c.TranscriptDir != "" {
		if t, err := translog.New(c.TranscriptDir, translog.Metadata{
			RecursionID:       lc.RecursionID,
			ParentRecursionID: lc.ParentRecursionID,
			Depth:             lc.Depth,
			MaxDepth:          lc.MaxDepth,
			ModelID:           lc.ModelID,
			SessionID:         lc.SessionID,
		}); err == nil {
			cfg.Transcript = t
		}
	}

	observability.RecursionDepth.Observe(float64(depth))
	observability.ActiveRecursions.Inc()
	cfg.OnClose = func() { observability.ActiveRecursions.Dec() }

	loop := reasoning.New(c.clientForDepth(depth), env, cfg)
	return loop, lc, nil
}

// subFactoryFor returns a SubFactory that instantiates one child Reasoning
// Loop per ask_sub_rlm call, at depth+1, with lineage and max depth copied
// from parent. The child's environment (and its session) is destroyed
// before the sub-factory returns, whether it succeeded or failed.
func (c *Controller) subFactoryFor(parent LevelContext) repl.SubFactory {
	return func(ctx context.Context, query string) (repl.SubResult, error) {
		childLoop, _, err := c.newInvocation(ctx, "", parent.Depth+1, parent.MaxDepth, parent.RecursionID, "")
		if err != nil {
			return repl.SubResult{}, fmt.Errorf("spawn sub-reasoner: %w", err)
		}
		defer childLoop.Close(ctx)

		result, err := childLoop.Run(ctx, query)
		if err != nil {
			return repl.SubResult{}, fmt.Errorf("sub-reasoner failed: %w", err)
		}
		return repl.SubResult{Answer: result.FinalAnswer, Usage: result.Usage, PerLevelUsage: result.PerLevelUsage}, nil
	}
}
