package translog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/XiaoConstantine/rlm-go/pkg/core"
)

func TestLoggerWritesMetadataTurnAndFinal(t *testing.T) {
	dir := t.TempDir()

	l, err := New(dir, Metadata{RecursionID: "r1", Depth: 0, MaxDepth: 1, ModelID: "m", Query: "hi"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	assistant := core.Message{Role: core.RoleAssistant, ToolCalls: []core.ToolCall{
		{ID: "1", Name: core.ToolCodeExecution, Arguments: map[string]any{"code": "fmt.Print(1)"}},
	}}
	toolMsgs := []core.Message{{Role: core.RoleTool, ToolCallID: "1", Content: "<stdout>1</stdout>"}}

	if err := l.LogTurn(0, assistant, toolMsgs, core.UsageRecord{TotalTokens: 5}, 10*time.Millisecond); err != nil {
		t.Fatalf("LogTurn: %v", err)
	}
	if err := l.LogFinal("done", core.UsageRecord{TotalTokens: 5}, 1); err != nil {
		t.Fatalf("LogFinal: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := readLines(t, l.Path())
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want 3", len(lines))
	}

	var meta Metadata
	if err := json.Unmarshal([]byte(lines[0]), &meta); err != nil {
		t.Fatalf("unmarshal metadata: %v", err)
	}
	if meta.Type != "metadata" || meta.RecursionID != "r1" {
		t.Fatalf("metadata = %+v", meta)
	}

	var turn TurnEntry
	if err := json.Unmarshal([]byte(lines[1]), &turn); err != nil {
		t.Fatalf("unmarshal turn: %v", err)
	}
	if turn.Type != "turn" || len(turn.ToolCalls) != 1 {
		t.Fatalf("turn = %+v", turn)
	}

	var final FinalEntry
	if err := json.Unmarshal([]byte(lines[2]), &final); err != nil {
		t.Fatalf("unmarshal final: %v", err)
	}
	if final.Answer != "done" {
		t.Fatalf("final = %+v", final)
	}
}

func TestNewCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	l, err := New(dir, Metadata{RecursionID: "r2"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("directory not created: %v", err)
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}
