package reasoning

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/XiaoConstantine/rlm-go/pkg/core"
	"github.com/XiaoConstantine/rlm-go/pkg/modelclient"
	"github.com/XiaoConstantine/rlm-go/pkg/repl"
	"github.com/XiaoConstantine/rlm-go/pkg/sandbox"
	"github.com/XiaoConstantine/rlm-go/pkg/session"
	"github.com/XiaoConstantine/rlm-go/pkg/transport"
)

// recordingSink captures LogTurn/LogFinal calls for assertions, standing in
// for *translog.Logger without touching the filesystem.
type recordingSink struct {
	turns      int
	finalCalls int
	lastAnswer string
}

func (r *recordingSink) LogTurn(iteration int, assistant core.Message, toolMessages []core.Message, usage core.UsageRecord, iterationTime time.Duration) error {
	r.turns++
	return nil
}

func (r *recordingSink) LogFinal(answer string, usageTotal core.UsageRecord, iterations int) error {
	r.finalCalls++
	r.lastAnswer = answer
	return nil
}

// scriptedClient replays a fixed sequence of assistant messages, mirroring
// the teacher's mockLLMClient canned-response test double.
type scriptedClient struct {
	turns []core.Message
	calls int
	lastTools []modelclient.ToolSpec
}

func (c *scriptedClient) Complete(ctx context.Context, modelID string, messages []core.Message, tools []modelclient.ToolSpec, opts modelclient.Options) (core.Message, core.UsageRecord, error) {
	c.lastTools = tools
	idx := c.calls
	if idx >= len(c.turns) {
		idx = len(c.turns) - 1
	}
	c.calls++
	return c.turns[idx], core.UsageRecord{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2, ModelID: modelID}, nil
}

func newEnv(t *testing.T) (*repl.Environment, func()) {
	t.Helper()
	mgr := session.New(session.DefaultConfig(), nil)
	tr := transport.NewInProcess(mgr, sandbox.DefaultLimits())
	env, err := repl.New(context.Background(), tr, "", sandbox.DefaultLimits(), nil)
	if err != nil {
		t.Fatalf("repl.New: %v", err)
	}
	return env, func() {
		_ = env.Close(context.Background())
		mgr.Close()
	}
}

func TestLoopHelloWorld(t *testing.T) {
	env, cleanup := newEnv(t)
	defer cleanup()

	client := &scriptedClient{turns: []core.Message{
		{
			Role: core.RoleAssistant,
			ToolCalls: []core.ToolCall{
				{ID: "1", Name: core.ToolCodeExecution, Arguments: map[string]any{"code": `import "fmt"; fmt.Print(21+21)`}},
			},
		},
		{Role: core.RoleAssistant, Content: "The answer is 42"},
	}}

	loop := New(client, env, Config{ModelID: "m"})
	result, err := loop.Run(context.Background(), "print 21+21")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(result.FinalAnswer, "42") {
		t.Fatalf("final answer = %q, want to contain 42", result.FinalAnswer)
	}
	if client.calls != 2 {
		t.Fatalf("calls = %d, want 2", client.calls)
	}
	if len(client.lastTools) != 1 || client.lastTools[0].Name != core.ToolCodeExecution {
		t.Fatalf("tools on last call = %+v, want only code_execution", client.lastTools)
	}
}

func TestLoopNoToolCallsReturnsImmediately(t *testing.T) {
	env, cleanup := newEnv(t)
	defer cleanup()

	client := &scriptedClient{turns: []core.Message{
		{Role: core.RoleAssistant, Content: "no tools needed"},
	}}

	loop := New(client, env, Config{ModelID: "m"})
	result, err := loop.Run(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.FinalAnswer != "no tools needed" {
		t.Fatalf("final answer = %q", result.FinalAnswer)
	}
	if client.calls != 1 {
		t.Fatalf("calls = %d, want 1", client.calls)
	}
}

func TestLoopForcedFinalizationAtIterationCap(t *testing.T) {
	env, cleanup := newEnv(t)
	defer cleanup()

	loopingTurn := core.Message{
		Role: core.RoleAssistant,
		ToolCalls: []core.ToolCall{
			{ID: "x", Name: core.ToolCodeExecution, Arguments: map[string]any{"code": "x := 1"}},
		},
	}
	client := &scriptedClient{turns: []core.Message{loopingTurn}}

	loop := New(client, env, Config{ModelID: "m", HardIterationCap: 2})
	result, err := loop.Run(context.Background(), "loop forever")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Iterations != 2 {
		t.Fatalf("iterations = %d, want 2", result.Iterations)
	}
	if len(client.lastTools) != 0 {
		t.Fatalf("final call tools = %+v, want none", client.lastTools)
	}
}

func TestLoopUnknownToolName(t *testing.T) {
	env, cleanup := newEnv(t)
	defer cleanup()

	client := &scriptedClient{turns: []core.Message{
		{
			Role: core.RoleAssistant,
			ToolCalls: []core.ToolCall{
				{ID: "1", Name: "mystery_tool", Arguments: map[string]any{}},
			},
		},
		{Role: core.RoleAssistant, Content: "done"},
	}}

	loop := New(client, env, Config{ModelID: "m"})
	_, err := loop.Run(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestLoopLogsTranscript(t *testing.T) {
	env, cleanup := newEnv(t)
	defer cleanup()

	client := &scriptedClient{turns: []core.Message{
		{Role: core.RoleAssistant, ToolCalls: []core.ToolCall{
			{ID: "1", Name: core.ToolCodeExecution, Arguments: map[string]any{"code": "x := 1"}},
		}},
		{Role: core.RoleAssistant, Content: "ok"},
	}}
	sink := &recordingSink{}

	loop := New(client, env, Config{ModelID: "m", Transcript: sink})
	result, err := loop.Run(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sink.turns != 2 {
		t.Fatalf("turns logged = %d, want 2", sink.turns)
	}
	if sink.finalCalls != 1 || sink.lastAnswer != result.FinalAnswer {
		t.Fatalf("final log = %d calls, answer %q", sink.finalCalls, sink.lastAnswer)
	}
}

func TestLoopStopsOnContentFiltered(t *testing.T) {
	env, cleanup := newEnv(t)
	defer cleanup()

	client := &scriptedClient{turns: []core.Message{
		{Role: core.RoleAssistant, ContentFiltered: true},
	}}

	loop := New(client, env, Config{ModelID: "m"})
	result, err := loop.Run(context.Background(), "say something filtered")
	if !errors.Is(err, core.ErrContentFiltered) {
		t.Fatalf("err = %v, want ErrContentFiltered", err)
	}
	if result.FinalAnswer != "" {
		t.Fatalf("final answer = %q, want empty", result.FinalAnswer)
	}
	if client.calls != 1 {
		t.Fatalf("calls = %d, want 1 (loop must stop, not retry)", client.calls)
	}
}

func TestLoopFoldsSubReasonerUsageIntoTotal(t *testing.T) {
	mgr := session.New(session.DefaultConfig(), nil)
	defer mgr.Close()
	tr := transport.NewInProcess(mgr, sandbox.DefaultLimits())

	sub := func(ctx context.Context, query string) (repl.SubResult, error) {
		return repl.SubResult{
			Answer:        "7",
			Usage:         core.UsageRecord{TotalTokens: 100, ModelID: "sub-model"},
			PerLevelUsage: []core.UsageRecord{{TotalTokens: 100, ModelID: "sub-model", Depth: 1}},
		}, nil
	}
	env, err := repl.New(context.Background(), tr, "", sandbox.DefaultLimits(), sub)
	if err != nil {
		t.Fatalf("repl.New: %v", err)
	}
	defer env.Close(context.Background())

	client := &scriptedClient{turns: []core.Message{
		{Role: core.RoleAssistant, ToolCalls: []core.ToolCall{
			{ID: "1", Name: core.ToolAskSubRLM, Arguments: map[string]any{"query": "3+4"}},
		}},
		{Role: core.RoleAssistant, Content: "the sub-reasoner says 7"},
	}}

	loop := New(client, env, Config{ModelID: "root-model", Depth: 0})
	result, err := loop.Run(context.Background(), "delegate 3+4")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Usage.TotalTokens != 104 { // 100 from the sub-reasoner + 2 per own scriptedClient turn.
		t.Fatalf("aggregate usage = %+v, want TotalTokens 104", result.Usage)
	}
	if len(result.PerLevelUsage) != 2 {
		t.Fatalf("PerLevelUsage = %+v, want 2 entries (own + sub)", result.PerLevelUsage)
	}
	if result.PerLevelUsage[0].Depth != 0 || result.PerLevelUsage[0].ModelID != "root-model" {
		t.Fatalf("own-level entry = %+v", result.PerLevelUsage[0])
	}
	if result.PerLevelUsage[1].Depth != 1 || result.PerLevelUsage[1].ModelID != "sub-model" {
		t.Fatalf("sub-level entry = %+v", result.PerLevelUsage[1])
	}
}

func TestLoopAskSubWithoutFactoryIsUnknownTool(t *testing.T) {
	env, cleanup := newEnv(t)
	defer cleanup()

	client := &scriptedClient{turns: []core.Message{
		{
			Role: core.RoleAssistant,
			ToolCalls: []core.ToolCall{
				{ID: "1", Name: core.ToolAskSubRLM, Arguments: map[string]any{"query": "3+4"}},
			},
		},
		{Role: core.RoleAssistant, Content: "fallback answer"},
	}}

	loop := New(client, env, Config{ModelID: "m"})
	result, err := loop.Run(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.FinalAnswer != "fallback answer" {
		t.Fatalf("final answer = %q", result.FinalAnswer)
	}
	if len(client.lastTools) != 1 {
		t.Fatalf("advertised tools at base case = %+v, want only code_execution", client.lastTools)
	}
}
