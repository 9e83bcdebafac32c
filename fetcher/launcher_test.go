package fetcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-fetcher")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestRequestArgs(t *testing.T) {
	req := Request{Domain: "com", ASIN: testASIN, Count: 300, OutputDir: "/data/reviews"}
	got := strings.Join(req.Args(), " ")
	want := "-d com -m 300 -o /data/reviews B01DFKC2SO"
	if got != want {
		t.Fatalf("args = %q, want %q", got, want)
	}
}

func TestLaunchMissingBinary(t *testing.T) {
	l, err := NewLauncher("definitely-not-a-review-fetcher-binary", nil, nil, nil)
	if err != nil {
		t.Fatalf("new launcher: %v", err)
	}
	_, err = l.Launch(context.Background(), Request{Domain: "com", ASIN: testASIN, Count: 10, OutputDir: t.TempDir()})
	var unavailable ErrFetcherUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected ErrFetcherUnavailable, got %v", err)
	}
}

func TestNewLauncherEmptyCommand(t *testing.T) {
	_, err := NewLauncher("   ", nil, nil, nil)
	var unavailable ErrFetcherUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected ErrFetcherUnavailable, got %v", err)
	}
}

func TestLaunchPassesArguments(t *testing.T) {
	out := filepath.Join(t.TempDir(), "args.txt")
	script := writeScript(t, `echo "$@" > "`+out+`"`)

	l, err := NewLauncher(script+" -v", nil, nil, nil)
	if err != nil {
		t.Fatalf("new launcher: %v", err)
	}
	proc, err := l.Launch(context.Background(), Request{Domain: "com", ASIN: testASIN, Count: 50, OutputDir: "/tmp/r"})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("fetcher did not exit")
	}
	if err := proc.Err(); err != nil {
		t.Fatalf("process error: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read args: %v", err)
	}
	if got, want := strings.TrimSpace(string(data)), "-v -d com -m 50 -o /tmp/r B01DFKC2SO"; got != want {
		t.Fatalf("args = %q, want %q", got, want)
	}
	if err := proc.Stop(); err != nil {
		t.Fatalf("stop after exit should be a no-op: %v", err)
	}
}

func TestStopKillsRunningProcess(t *testing.T) {
	script := writeScript(t, "exec sleep 30")
	l, err := NewLauncher(script, nil, nil, nil)
	if err != nil {
		t.Fatalf("new launcher: %v", err)
	}
	proc, err := l.Launch(context.Background(), Request{Domain: "com", ASIN: testASIN, Count: 10, OutputDir: t.TempDir()})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	if err := proc.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-proc.Done():
	default:
		t.Fatalf("process should be done after stop")
	}
}

func TestLaunchCanceledContext(t *testing.T) {
	l, err := NewLauncher(writeScript(t, "exit 0"), nil, nil, nil)
	if err != nil {
		t.Fatalf("new launcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Launch(ctx, Request{Domain: "com", ASIN: testASIN, Count: 10}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}
