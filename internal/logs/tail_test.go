package logs_test

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"clipline/internal/logs"
)

func TestLastReturnsTrailingLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clipd.log")
	if err := os.WriteFile(path, []byte("a\nb\nc\npartial"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	lines, offset, err := logs.Last(path, 2)
	if err != nil {
		t.Fatalf("Last: %v", err)
	}
	if !slices.Equal(lines, []string{"b", "c"}) {
		t.Fatalf("unexpected lines %#v", lines)
	}
	if offset != int64(len("a\nb\nc\n")) {
		t.Fatalf("expected offset to stop before the partial line, got %d", offset)
	}

	lines, _, err = logs.Last(path, 10)
	if err != nil || !slices.Equal(lines, []string{"a", "b", "c"}) {
		t.Fatalf("expected all complete lines, got %#v (%v)", lines, err)
	}
}

func TestLastMissingFile(t *testing.T) {
	lines, offset, err := logs.Last(filepath.Join(t.TempDir(), "absent.log"), 5)
	if err != nil || lines != nil || offset != 0 {
		t.Fatalf("expected empty result, got %#v %d %v", lines, offset, err)
	}
}

type collector struct {
	mu    sync.Mutex
	lines []string
}

func (c *collector) add(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func TestFollowStreamsAppendedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clipd.log")
	if err := os.WriteFile(path, []byte("start\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	_, offset, err := logs.Last(path, 1)
	if err != nil {
		t.Fatalf("Last: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	got := &collector{}
	done := make(chan error, 1)
	go func() { done <- logs.Follow(ctx, path, offset, 10*time.Millisecond, got.add) }()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open append: %v", err)
	}
	_, _ = f.WriteString("later\n")
	_ = f.Close()

	deadline := time.Now().Add(5 * time.Second)
	for len(got.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Follow: %v", err)
	}
	if lines := got.snapshot(); !slices.Equal(lines, []string{"later"}) {
		t.Fatalf("unexpected followed lines %#v", lines)
	}
}

func TestFollowRestartsWhenLinkMoves(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "clipd-1.log")
	second := filepath.Join(dir, "clipd-2.log")
	link := filepath.Join(dir, "clipd.log")
	if err := os.WriteFile(first, []byte("old run\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Symlink(first, link); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	_, offset, _ := logs.Last(link, 0)

	ctx, cancel := context.WithCancel(context.Background())
	got := &collector{}
	done := make(chan error, 1)
	go func() { done <- logs.Follow(ctx, link, offset, 10*time.Millisecond, got.add) }()

	if err := os.WriteFile(second, []byte("new run\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = os.Remove(link)
	if err := os.Symlink(second, link); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(got.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
	if lines := got.snapshot(); !slices.Equal(lines, []string{"new run"}) {
		t.Fatalf("expected the new run log from the start, got %#v", lines)
	}
}
