// Package modelclient wraps the external chat-completion endpoint as a
// single function: complete(model_id, messages, tools?, options) ->
// (assistant_message, usage), with a uniform error taxonomy.
package modelclient

import (
	"context"

	"github.com/XiaoConstantine/rlm-go/pkg/core"
)

// ToolSpec describes one tool the Reasoning Loop may advertise to the
// model. ArgumentKey names the one string field each tool in this system
// takes; the Anthropic client turns it into a minimal JSON schema.
type ToolSpec struct {
	Name        string
	Description string
	ArgumentKey string // "code" or "query" — the single field this tool accepts.
}

// CodeExecutionTool and AskSubRLMTool are the two tools the design names.
// AskSubRLMTool is advertised only when depth+1 < max_depth.
var (
	CodeExecutionTool = ToolSpec{
		Name:        core.ToolCodeExecution,
		Description: "Execute a code snippet against the persistent session sandbox and observe stdout/stderr.",
		ArgumentKey: "code",
	}
	AskSubRLMTool = ToolSpec{
		Name:        core.ToolAskSubRLM,
		Description: "Delegate a narrower sub-query to a child reasoning invocation and receive its final answer.",
		ArgumentKey: "query",
	}
)

// Options carries the non-core knobs the design leaves implementation-picked.
type Options struct {
	Temperature    float64
	MaxOutputTokens int
	Stop           []string
}

// Client is the Model Client contract.
type Client interface {
	Complete(ctx context.Context, modelID string, messages []core.Message, tools []ToolSpec, opts Options) (core.Message, core.UsageRecord, error)
}
