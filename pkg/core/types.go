// Package core provides the shared data types passed between the Reasoning
// Loop, REPL Environment, Session Manager, and Model Client.
package core

// Role values recognized on a Message.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Tool names the Model Client may advertise and the Reasoning Loop dispatches.
const (
	ToolCodeExecution = "code_execution"
	ToolAskSubRLM     = "ask_sub_rlm"
)

// ErrorKind enumerates the closed set of error kinds that can be attached to
// Outputs or surfaced through the error taxonomy of the Model Client and
// Transport.
type ErrorKind string

const (
	ErrorKindSyntax               ErrorKind = "syntax"
	ErrorKindRuntime              ErrorKind = "runtime"
	ErrorKindTimeout              ErrorKind = "timeout"
	ErrorKindMemory               ErrorKind = "memory"
	ErrorKindOutputOverflow       ErrorKind = "output_overflow"
	ErrorKindTransportUnavailable ErrorKind = "transport_unavailable"
	ErrorKindUnknownTool          ErrorKind = "unknown_tool"
	ErrorKindSubFailed            ErrorKind = "sub_failed"
)

// ToolCall is a structured request embedded in an assistant Message naming a
// tool and its arguments. Arguments is a decoded key->value map; callers use
// the Code/Query helpers below to pull out the one field each tool needs.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Code returns the "code" argument of a code_execution tool call.
func (t ToolCall) Code() string {
	s, _ := t.Arguments["code"].(string)
	return s
}

// Query returns the "query" argument of an ask_sub_rlm tool call.
func (t ToolCall) Query() string {
	s, _ := t.Arguments["query"].(string)
	return s
}

// Message is one turn in a conversation. Assistant messages may carry tool
// calls; tool messages carry a result keyed to the ToolCall id that produced
// it via ToolCallID.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	// ContentFiltered is set on an assistant message whose model call ended
	// on a content-filter stop reason rather than a normal turn. Content is
	// always empty when this is set; the Reasoning Loop treats it as a
	// signal to stop rather than dispatching tool calls.
	ContentFiltered bool `json:"content_filtered,omitempty"`
}

// Outputs is the result record of a single code_execution.
type Outputs struct {
	Stdout     string     `json:"stdout"`
	Stderr     string     `json:"stderr"`
	DurationMs int64      `json:"duration_ms"`
	ErrorKind  *ErrorKind `json:"error_kind,omitempty"`
}

// UsageRecord is the token/wallclock accounting for one Model Client call,
// or an aggregate of many. Depth identifies which recursion level a
// breakdown entry in Coordinator Result.PerLevelUsage belongs to; it is
// left zero on a per-call record and only meaningful on an aggregated one.
type UsageRecord struct {
	PromptTokens       int    `json:"prompt_tokens"`
	CachedPromptTokens int    `json:"cached_prompt_tokens"`
	CompletionTokens   int    `json:"completion_tokens"`
	TotalTokens        int    `json:"total_tokens"`
	WallclockMs        int64  `json:"wallclock_ms"`
	ModelID            string `json:"model_id"`
	Depth              int    `json:"depth,omitempty"`
}

// Add accumulates u into the receiver in place, summing token and wallclock
// fields. ModelID is left as whichever of the two is already set (usage
// totals are aggregated across possibly-differing models, so this field is
// only meaningful on a per-call record, not a running total).
func (u *UsageRecord) Add(o UsageRecord) {
	u.PromptTokens += o.PromptTokens
	u.CachedPromptTokens += o.CachedPromptTokens
	u.CompletionTokens += o.CompletionTokens
	u.TotalTokens += o.TotalTokens
	u.WallclockMs += o.WallclockMs
	if u.ModelID == "" {
		u.ModelID = o.ModelID
	}
}
