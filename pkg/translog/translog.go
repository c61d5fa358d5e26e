// Package translog provides JSONL transcript logging for reasoning
// invocations, one line per event. Adapted from the teacher's
// pkg/logger/logger.go (same metadata-then-entries JSONL shape, same
// os.Create/os.MkdirAll construction) but logging tool-call-based turns
// (ToolCall/Outputs) instead of the teacher's FINAL-marker/code-block
// convention.
package translog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/XiaoConstantine/rlm-go/pkg/core"
	"github.com/google/uuid"
)

// Logger writes one reasoning invocation's transcript as JSONL: a metadata
// line followed by one line per turn.
type Logger struct {
	file      *os.File
	startTime time.Time
}

// Metadata describes the invocation this transcript belongs to.
type Metadata struct {
	Type              string `json:"type"`
	Timestamp         string `json:"timestamp"`
	RecursionID       string `json:"recursion_id"`
	ParentRecursionID string `json:"parent_recursion_id,omitempty"`
	Depth             int    `json:"depth"`
	MaxDepth          int    `json:"max_depth"`
	ModelID           string `json:"model_id"`
	SessionID         string `json:"session_id"`
	Query             string `json:"query"`
}

// TurnEntry is one model call plus the tool messages it produced.
type TurnEntry struct {
	Type          string            `json:"type"`
	Iteration     int               `json:"iteration"`
	Timestamp     string            `json:"timestamp"`
	AssistantText string            `json:"assistant_text"`
	ToolCalls     []core.ToolCall   `json:"tool_calls,omitempty"`
	ToolMessages  []core.Message    `json:"tool_messages,omitempty"`
	Usage         core.UsageRecord  `json:"usage"`
	IterationTime float64           `json:"iteration_time_s"`
}

// FinalEntry records the terminal answer of the invocation.
type FinalEntry struct {
	Type        string           `json:"type"`
	Timestamp   string           `json:"timestamp"`
	Answer      string           `json:"answer"`
	UsageTotal  core.UsageRecord `json:"usage_total"`
	Iterations  int              `json:"iterations"`
	WallclockMs int64            `json:"wallclock_ms"`
}

// New creates a transcript file under dir named by timestamp and a short
// random suffix, and writes the metadata line.
func New(dir string, meta Metadata) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("translog: create directory: %w", err)
	}

	now := time.Now()
	filename := fmt.Sprintf("rlm_%s_%s.jsonl", now.Format("2006-01-02_15-04-05"), uuid.NewString()[:8])
	path := filepath.Join(dir, filename)

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("translog: create file: %w", err)
	}

	l := &Logger{file: file, startTime: now}

	meta.Type = "metadata"
	meta.Timestamp = now.Format(time.RFC3339Nano)
	if err := l.writeEntry(meta); err != nil {
		file.Close()
		return nil, fmt.Errorf("translog: write metadata: %w", err)
	}
	return l, nil
}

// LogTurn records one model call and the tool messages it produced.
func (l *Logger) LogTurn(iteration int, assistant core.Message, toolMessages []core.Message, usage core.UsageRecord, iterationTime time.Duration) error {
	entry := TurnEntry{
		Type:          "turn",
		Iteration:     iteration,
		Timestamp:     time.Now().Format(time.RFC3339Nano),
		AssistantText: assistant.Content,
		ToolCalls:     assistant.ToolCalls,
		ToolMessages:  toolMessages,
		Usage:         usage,
		IterationTime: iterationTime.Seconds(),
	}
	return l.writeEntry(entry)
}

// LogFinal records the terminal answer.
func (l *Logger) LogFinal(answer string, usageTotal core.UsageRecord, iterations int) error {
	entry := FinalEntry{
		Type:        "final",
		Timestamp:   time.Now().Format(time.RFC3339Nano),
		Answer:      answer,
		UsageTotal:  usageTotal,
		Iterations:  iterations,
		WallclockMs: time.Since(l.startTime).Milliseconds(),
	}
	return l.writeEntry(entry)
}

// Close closes the transcript file.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Path returns the path to the transcript file.
func (l *Logger) Path() string {
	if l.file != nil {
		return l.file.Name()
	}
	return ""
}

func (l *Logger) writeEntry(entry any) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = l.file.Write(append(data, '\n'))
	return err
}
