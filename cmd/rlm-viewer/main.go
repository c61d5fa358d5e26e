// Command rlm-viewer renders a pkg/translog JSONL transcript file as a
// colored, human-readable timeline of turns. Adapted from the teacher's
// cmd/rlm-viewer (same scan-then-render shape, same ANSI palette) but reads
// the metadata/turn/final entry types written by pkg/translog instead of
// the teacher's metadata/iteration shape.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/XiaoConstantine/rlm-go/pkg/core"
)

var (
	Reset      = "\033[0m"
	Dim        = "\033[2m"
	Cyan       = "\033[36m"
	Green      = "\033[32m"
	Yellow     = "\033[33m"
	Blue       = "\033[34m"
	Red        = "\033[31m"
	BoldCyan   = "\033[1;36m"
	BoldGreen  = "\033[1;32m"
	BoldYellow = "\033[1;33m"
)

type metadataEntry struct {
	Type              string `json:"type"`
	Timestamp         string `json:"timestamp"`
	RecursionID       string `json:"recursion_id"`
	ParentRecursionID string `json:"parent_recursion_id"`
	Depth             int    `json:"depth"`
	MaxDepth          int    `json:"max_depth"`
	ModelID           string `json:"model_id"`
	SessionID         string `json:"session_id"`
	Query             string `json:"query"`
}

type turnEntry struct {
	Type          string           `json:"type"`
	Iteration     int              `json:"iteration"`
	AssistantText string           `json:"assistant_text"`
	ToolCalls     []core.ToolCall  `json:"tool_calls"`
	ToolMessages  []core.Message   `json:"tool_messages"`
	Usage         core.UsageRecord `json:"usage"`
	IterationTime float64          `json:"iteration_time_s"`
}

type finalEntry struct {
	Type        string           `json:"type"`
	Answer      string           `json:"answer"`
	UsageTotal  core.UsageRecord `json:"usage_total"`
	Iterations  int              `json:"iterations"`
	WallclockMs int64            `json:"wallclock_ms"`
}

func main() {
	compact := flag.Bool("compact", false, "Compact output (hide full tool output)")
	noColor := flag.Bool("no-color", false, "Disable colored output")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage: rlm-viewer [options] <file.jsonl>\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	if *noColor {
		disableColors()
	}
	if err := viewLog(flag.Arg(0), *compact); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func viewLog(filename string, compact bool) error {
	file, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 1024*1024), 10*1024*1024)

	var meta *metadataEntry
	var turns []turnEntry
	var final *finalEntry

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal([]byte(line), &probe); err != nil {
			continue
		}
		switch probe.Type {
		case "metadata":
			var m metadataEntry
			if json.Unmarshal([]byte(line), &m) == nil {
				meta = &m
			}
		case "turn":
			var t turnEntry
			if json.Unmarshal([]byte(line), &t) == nil {
				turns = append(turns, t)
			}
		case "final":
			var f finalEntry
			if json.Unmarshal([]byte(line), &f) == nil {
				final = &f
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan file: %w", err)
	}

	printHeader(filename, meta)
	for _, t := range turns {
		printTurn(t, compact)
	}
	printSummary(final)
	return nil
}

func printHeader(filename string, meta *metadataEntry) {
	fmt.Printf("\n%s%s RLM Transcript Viewer %s\n", BoldCyan, "═══", Reset)
	fmt.Printf("%sFile:%s %s\n", Dim, Reset, filename)
	if meta == nil {
		fmt.Println()
		return
	}
	fmt.Printf("%sRecursion:%s %s", Dim, Reset, meta.RecursionID)
	if meta.ParentRecursionID != "" {
		fmt.Printf(" %s(parent %s)%s", Dim, meta.ParentRecursionID, Reset)
	}
	fmt.Println()
	fmt.Printf("%sDepth:%s %d/%d\n", Dim, Reset, meta.Depth, meta.MaxDepth)
	fmt.Printf("%sModel:%s %s\n", Dim, Reset, meta.ModelID)
	if meta.Query != "" {
		fmt.Printf("%sQuery:%s %s\n", Dim, Reset, truncate(meta.Query, 100))
	}
	if ts, err := time.Parse(time.RFC3339Nano, meta.Timestamp); err == nil {
		fmt.Printf("%sStarted:%s %s\n", Dim, Reset, ts.Format("2006-01-02 15:04:05"))
	}
	fmt.Println()
}

func printTurn(t turnEntry, compact bool) {
	fmt.Printf("%s┌─ Turn %d %s", BoldYellow, t.Iteration, Reset)
	if t.IterationTime > 0 {
		fmt.Printf("%s(%.2fs)%s", Dim, t.IterationTime, Reset)
	}
	fmt.Println()

	if !compact && t.AssistantText != "" {
		fmt.Printf("%s│%s %sAssistant:%s\n", Yellow, Reset, Dim, Reset)
		printIndented(t.AssistantText, "│   ", 500)
	}

	for i, tc := range t.ToolCalls {
		fmt.Printf("%s│%s\n", Yellow, Reset)
		fmt.Printf("%s├─ Tool Call #%d:%s %s%s%s\n", Blue, i+1, Reset, Cyan, tc.Name, Reset)
		if code := tc.Code(); code != "" {
			printIndented(code, "│  │ ", 300)
		}
		if i < len(t.ToolMessages) {
			msg := t.ToolMessages[i]
			if msg.Content != "" && !compact {
				fmt.Printf("%s│%s  %s└─ Result:%s\n", Yellow, Reset, Green, Reset)
				printIndented(msg.Content, "│    ", 300)
			}
		}
	}
	fmt.Printf("%s│%s %stokens:%s %d\n", Yellow, Reset, Dim, Reset, t.Usage.TotalTokens)
	fmt.Println()
}

func printSummary(final *finalEntry) {
	fmt.Printf("%s%s Summary %s\n", BoldCyan, "═══", Reset)
	if final == nil {
		fmt.Printf("  %s(no final entry recorded — transcript may be incomplete)%s\n\n", Red, Reset)
		return
	}
	fmt.Printf("  Iterations: %d\n", final.Iterations)
	fmt.Printf("  Tokens: %d prompt + %d completion (%d cached) = %d total\n",
		final.UsageTotal.PromptTokens, final.UsageTotal.CompletionTokens,
		final.UsageTotal.CachedPromptTokens, final.UsageTotal.TotalTokens)
	fmt.Printf("  Wallclock: %dms\n", final.WallclockMs)
	fmt.Printf("%s└─ Final Answer:%s\n", BoldGreen, Reset)
	printIndented(final.Answer, "   ", 1000)
	fmt.Println()
}

func printIndented(text, prefix string, maxLen int) {
	text = truncate(text, maxLen)
	for _, line := range strings.Split(text, "\n") {
		fmt.Printf("%s%s%s\n", Yellow, prefix, Reset+line)
	}
}

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}

func disableColors() {
	Reset, Dim, Cyan, Green, Yellow, Blue, Red = "", "", "", "", "", "", ""
	BoldCyan, BoldGreen, BoldYellow = "", "", ""
}
