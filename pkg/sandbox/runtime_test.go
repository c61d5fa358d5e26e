package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestExecuteStatePersistsAcrossCalls(t *testing.T) {
	rt, err := New()
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer rt.Close()

	ctx := context.Background()
	limits := DefaultLimits()

	if out, err := rt.Execute(ctx, `x := 7`, limits); err != nil || out.ErrorKind != nil {
		t.Fatalf("first execute: out=%+v err=%v", out, err)
	}

	out, err := rt.Execute(ctx, `import "fmt"; fmt.Println(x*6)`, limits)
	if err != nil {
		t.Fatalf("second execute error: %v", err)
	}
	if out.ErrorKind != nil {
		t.Fatalf("unexpected error kind %v, stderr=%q", *out.ErrorKind, out.Stderr)
	}
	if out.Stdout != "42\n" {
		t.Fatalf("stdout = %q, want %q", out.Stdout, "42\n")
	}
}

func TestExecuteNoopThenPrint(t *testing.T) {
	rt, err := New()
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer rt.Close()

	ctx := context.Background()
	limits := DefaultLimits()

	if out, err := rt.Execute(ctx, `_ = 0`, limits); err != nil || out.Stdout != "" {
		t.Fatalf("noop execute: out=%+v err=%v", out, err)
	}

	out, err := rt.Execute(ctx, `import "fmt"; fmt.Print(1)`, limits)
	if err != nil {
		t.Fatalf("execute error: %v", err)
	}
	if out.Stdout != "1" {
		t.Fatalf("stdout = %q, want %q", out.Stdout, "1")
	}
}

func TestExecuteTimeout(t *testing.T) {
	rt, err := New()
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer rt.Close()

	limits := Limits{WallTimeout: 200 * time.Millisecond, OutputTruncBytes: DefaultLimits().OutputTruncBytes}
	start := time.Now()
	out, err := rt.Execute(context.Background(), `for {}`, limits)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Execute returned error, want nil (timeout is encoded in Outputs): %v", err)
	}
	if out.ErrorKind == nil || *out.ErrorKind != "timeout" {
		t.Fatalf("ErrorKind = %v, want timeout", out.ErrorKind)
	}
	if elapsed < limits.WallTimeout {
		t.Fatalf("returned before timeout elapsed: %v < %v", elapsed, limits.WallTimeout)
	}
	if elapsed > limits.WallTimeout+overshootTolerance+200*time.Millisecond {
		t.Fatalf("returned too long after timeout: %v", elapsed)
	}
}

func TestExecuteRuntimeErrorIsolatedFromSessions(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer a.Close()
	b, err := New()
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer b.Close()

	ctx := context.Background()
	limits := DefaultLimits()

	if out, _ := a.Execute(ctx, `secret := 42`, limits); out.ErrorKind != nil {
		t.Fatalf("unexpected error binding secret: %+v", out)
	}

	out, err := b.Execute(ctx, `import "fmt"; fmt.Println(secret)`, limits)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if out.ErrorKind == nil || *out.ErrorKind != "runtime" {
		t.Fatalf("expected a runtime error referencing an undefined name, got %+v", out)
	}
	if !strings.Contains(out.Stderr, "secret") {
		t.Fatalf("stderr should mention the undefined name, got %q", out.Stderr)
	}
}

func TestExecuteOutputTruncation(t *testing.T) {
	rt, err := New()
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer rt.Close()

	limits := Limits{WallTimeout: DefaultLimits().WallTimeout, OutputTruncBytes: 8}
	out, err := rt.Execute(context.Background(), `import "fmt"; fmt.Print("0123456789")`, limits)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if out.ErrorKind == nil || *out.ErrorKind != "output_overflow" {
		t.Fatalf("ErrorKind = %v, want output_overflow", out.ErrorKind)
	}
	if !strings.HasPrefix(out.Stdout, "01234567") {
		t.Fatalf("stdout = %q, want truncated prefix", out.Stdout)
	}
}
