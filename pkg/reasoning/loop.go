// Package reasoning implements the per-level conversation engine: it seeds a
// message list, calls the Model Client, dispatches emitted tool calls to a
// REPL Environment, and terminates either on a tool-call-free assistant
// message or at the hard iteration cap.
package reasoning

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/XiaoConstantine/rlm-go/internal/observability"
	"github.com/XiaoConstantine/rlm-go/pkg/core"
	"github.com/XiaoConstantine/rlm-go/pkg/modelclient"
	"github.com/XiaoConstantine/rlm-go/pkg/repl"
)

// DefaultHardIterationCap matches the design's default of 20.
const DefaultHardIterationCap = 20

// TranscriptSink receives per-turn and final transcript events. Satisfied
// by *translog.Logger; kept as a narrow interface here so this package
// does not need to import translog directly.
type TranscriptSink interface {
	LogTurn(iteration int, assistant core.Message, toolMessages []core.Message, usage core.UsageRecord, iterationTime time.Duration) error
	LogFinal(answer string, usageTotal core.UsageRecord, iterations int) error
}

// Config parameterizes one Loop invocation.
type Config struct {
	ModelID             string
	HardIterationCap    int
	Options             modelclient.Options
	SystemPromptWithSub string
	SystemPromptNoSub   string
	// Depth identifies this invocation's recursion level, used only to tag
	// its own-level entry in Result.PerLevelUsage and to label the
	// reasoning-duration metric; it has no effect on model/tool selection.
	Depth int
	// Transcript, if non-nil, receives one LogTurn per model call and one
	// LogFinal when the loop terminates. Transcript logging failures are
	// swallowed (best-effort, never fail the reasoning invocation over it).
	Transcript TranscriptSink
	// OnClose, if non-nil, is called once by Loop.Close. Used by the
	// Recursion Controller to decrement its in-flight invocation gauge
	// without this package needing to import observability directly.
	OnClose func()
}

// Result is what one Loop.Run call produces. Usage is the aggregate across
// this invocation and every sub-reasoner it delegated to; PerLevelUsage
// breaks that total down into one entry per recursion depth touched.
type Result struct {
	FinalAnswer   string
	Usage         core.UsageRecord
	PerLevelUsage []core.UsageRecord
	Iterations    int
	Transcript    []core.Message
}

// Loop ties a Model Client to a REPL Environment for the duration of one
// reasoning invocation.
type Loop struct {
	client modelclient.Client
	env    *repl.Environment
	cfg    Config
}

// New builds a Loop. env.HasSubFactory determines whether ask_sub_rlm is
// advertised to the model, per the base-case contract.
func New(client modelclient.Client, env *repl.Environment, cfg Config) *Loop {
	if cfg.HardIterationCap <= 0 {
		cfg.HardIterationCap = DefaultHardIterationCap
	}
	return &Loop{client: client, env: env, cfg: cfg}
}

// Run executes the algorithm at design level: seed, call, dispatch,
// append, repeat until termination or forced finalization.
func (l *Loop) Run(ctx context.Context, query string) (result Result, err error) {
	runStart := time.Now()
	defer func() {
		observability.ReasoningIterations.Observe(float64(result.Iterations))
		observability.ReasoningDuration.WithLabelValues(strconv.Itoa(l.cfg.Depth)).Observe(time.Since(runStart).Seconds())
	}()

	tools := l.advertisedTools()
	messages := []core.Message{
		{Role: core.RoleSystem, Content: l.systemPrompt()},
		{Role: core.RoleUser, Content: query},
	}

	var usage core.UsageRecord     // aggregate: this invocation plus every descendant.
	var ownUsage core.UsageRecord  // this invocation's own model calls only.
	var perLevel []core.UsageRecord // descendants' per-level breakdown, bubbled up as-is.
	iterations := 0

	for {
		if err := ctx.Err(); err != nil {
			return Result{Usage: usage, PerLevelUsage: l.finishPerLevel(ownUsage, perLevel), Iterations: iterations, Transcript: messages}, err
		}

		turnStart := time.Now()
		assistant, turnUsage, err := l.client.Complete(ctx, l.cfg.ModelID, messages, tools, l.cfg.Options)
		if err != nil {
			return Result{Usage: usage, PerLevelUsage: l.finishPerLevel(ownUsage, perLevel), Iterations: iterations, Transcript: messages}, fmt.Errorf("model call failed: %w: %w", core.ErrModelUnavailable, err)
		}
		usage.Add(turnUsage)
		ownUsage.Add(turnUsage)
		messages = append(messages, assistant)

		if assistant.ContentFiltered {
			l.logTurn(iterations, assistant, nil, turnUsage, turnStart)
			l.logFinal(assistant.Content, usage, iterations)
			return Result{Usage: usage, PerLevelUsage: l.finishPerLevel(ownUsage, perLevel), Iterations: iterations, Transcript: messages},
				fmt.Errorf("model response content filtered: %w", core.ErrContentFiltered)
		}

		if len(assistant.ToolCalls) == 0 {
			l.logTurn(iterations, assistant, nil, turnUsage, turnStart)
			l.logFinal(assistant.Content, usage, iterations)
			return Result{FinalAnswer: assistant.Content, Usage: usage, PerLevelUsage: l.finishPerLevel(ownUsage, perLevel), Iterations: iterations, Transcript: messages}, nil
		}

		var toolMessages []core.Message
		for _, tc := range assistant.ToolCalls {
			tm, subUsage, subPerLevel := l.dispatch(ctx, tc)
			messages = append(messages, tm)
			toolMessages = append(toolMessages, tm)
			usage.Add(subUsage)
			perLevel = append(perLevel, subPerLevel...)
		}
		l.logTurn(iterations, assistant, toolMessages, turnUsage, turnStart)

		iterations++
		if iterations >= l.cfg.HardIterationCap {
			return l.forceFinalize(ctx, messages, usage, ownUsage, perLevel, iterations)
		}
	}
}

// finishPerLevel tags ownUsage with this invocation's depth and model, and
// prepends it to the descendant breakdown already collected from ask_sub_rlm
// dispatches.
func (l *Loop) finishPerLevel(ownUsage core.UsageRecord, descendants []core.UsageRecord) []core.UsageRecord {
	ownUsage.ModelID = l.cfg.ModelID
	ownUsage.Depth = l.cfg.Depth
	return append([]core.UsageRecord{ownUsage}, descendants...)
}

func (l *Loop) logTurn(iteration int, assistant core.Message, toolMessages []core.Message, usage core.UsageRecord, start time.Time) {
	if l.cfg.Transcript == nil {
		return
	}
	_ = l.cfg.Transcript.LogTurn(iteration, assistant, toolMessages, usage, time.Since(start))
}

func (l *Loop) logFinal(answer string, usageTotal core.UsageRecord, iterations int) {
	if l.cfg.Transcript == nil {
		return
	}
	_ = l.cfg.Transcript.LogFinal(answer, usageTotal, iterations)
}

// dispatch runs one tool call and returns its tool message plus any usage
// the call accumulated (non-zero only for ask_sub_rlm, which may have
// recursed through an arbitrary number of further descendants).
func (l *Loop) dispatch(ctx context.Context, tc core.ToolCall) (core.Message, core.UsageRecord, []core.UsageRecord) {
	switch tc.Name {
	case core.ToolCodeExecution:
		out := l.env.RunCode(ctx, tc.Code())
		return core.Message{Role: core.RoleTool, ToolCallID: tc.ID, Content: repl.FormatOutputs(out)}, core.UsageRecord{}, nil
	case core.ToolAskSubRLM:
		if !l.env.HasSubFactory() {
			kind := core.ErrorKindUnknownTool
			return core.Message{Role: core.RoleTool, ToolCallID: tc.ID, Content: repl.FormatOutputs(core.Outputs{ErrorKind: &kind})}, core.UsageRecord{}, nil
		}
		sub, err := l.env.AskSub(ctx, tc.Query())
		if err != nil {
			kind := core.ErrorKindSubFailed
			return core.Message{Role: core.RoleTool, ToolCallID: tc.ID, Content: repl.FormatOutputs(core.Outputs{ErrorKind: &kind})}, core.UsageRecord{}, nil
		}
		return core.Message{Role: core.RoleTool, ToolCallID: tc.ID, Content: sub.Answer}, sub.Usage, sub.PerLevelUsage
	default:
		kind := core.ErrorKindUnknownTool
		return core.Message{Role: core.RoleTool, ToolCallID: tc.ID, Content: repl.FormatOutputs(core.Outputs{ErrorKind: &kind})}, core.UsageRecord{}, nil
	}
}

// forceFinalize appends the synthetic "finalize now" user message and makes
// one more call with no tools advertised, per the hard_iteration_cap rule.
func (l *Loop) forceFinalize(ctx context.Context, messages []core.Message, usage, ownUsage core.UsageRecord, perLevel []core.UsageRecord, iterations int) (Result, error) {
	messages = append(messages, core.Message{
		Role:    core.RoleUser,
		Content: "You have reached the maximum number of reasoning steps. Provide your final answer now without using any tools.",
	})

	turnStart := time.Now()
	assistant, turnUsage, err := l.client.Complete(ctx, l.cfg.ModelID, messages, nil, l.cfg.Options)
	if err != nil {
		return Result{Usage: usage, PerLevelUsage: l.finishPerLevel(ownUsage, perLevel), Iterations: iterations, Transcript: messages}, fmt.Errorf("forced finalization call failed: %w: %w", core.ErrModelUnavailable, err)
	}
	usage.Add(turnUsage)
	ownUsage.Add(turnUsage)
	messages = append(messages, assistant)
	l.logTurn(iterations, assistant, nil, turnUsage, turnStart)
	l.logFinal(assistant.Content, usage, iterations)

	return Result{FinalAnswer: assistant.Content, Usage: usage, PerLevelUsage: l.finishPerLevel(ownUsage, perLevel), Iterations: iterations, Transcript: messages}, nil
}

// Close tears down the underlying REPL Environment's session, invokes
// cfg.OnClose if set, and, if the configured TranscriptSink is also an
// io.Closer (e.g. *translog.Logger), closes its transcript file too.
// Callers that own a Loop (e.g. the Recursion Controller's sub-factory,
// which owns child invocations) must call this on every exit path.
func (l *Loop) Close(ctx context.Context) error {
	if l.cfg.OnClose != nil {
		l.cfg.OnClose()
	}
	if closer, ok := l.cfg.Transcript.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	return l.env.Close(ctx)
}

func (l *Loop) advertisedTools() []modelclient.ToolSpec {
	tools := []modelclient.ToolSpec{modelclient.CodeExecutionTool}
	if l.env.HasSubFactory() {
		tools = append(tools, modelclient.AskSubRLMTool)
	}
	return tools
}

func (l *Loop) systemPrompt() string {
	if l.env.HasSubFactory() {
		if l.cfg.SystemPromptWithSub != "" {
			return l.cfg.SystemPromptWithSub
		}
		return defaultSystemPromptWithSub
	}
	if l.cfg.SystemPromptNoSub != "" {
		return l.cfg.SystemPromptNoSub
	}
	return defaultSystemPromptNoSub
}

const defaultSystemPromptWithSub = `You are a reasoning agent with access to a persistent code sandbox and the ability to delegate narrower sub-questions to a child reasoner. Use code_execution to compute; use ask_sub_rlm to delegate. Respond with your final answer in plain text once you are done.`

const defaultSystemPromptNoSub = `You are a reasoning agent with access to a persistent code sandbox. Use code_execution to compute. Respond with your final answer in plain text once you are done.`
