package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func startWatch(t *testing.T, path string) <-chan string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	changes := make(chan string, 16)
	done := make(chan error, 1)
	go func() {
		done <- File(ctx, path, Options{Debounce: 30 * time.Millisecond}, func(_ context.Context, content string) {
			changes <- content
		})
	}()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("watch: %v", err)
		}
	})
	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)
	return changes
}

func waitChange(t *testing.T, changes <-chan string) string {
	t.Helper()
	select {
	case content := <-changes:
		return content
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for change")
	}
	return ""
}

func TestFileReportsWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.calc")
	if err := os.WriteFile(path, []byte("a = 1\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	changes := startWatch(t, path)
	if err := os.WriteFile(path, []byte("a = 2\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := waitChange(t, changes); got != "a = 2\n" {
		t.Fatalf("unexpected content: %q", got)
	}
}

func TestFileDebouncesBursts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.calc")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	changes := startWatch(t, path)
	for _, content := range []string{"x1", "x12", "x123"} {
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if got := waitChange(t, changes); got != "x123" {
		t.Fatalf("expected the last content, got %q", got)
	}
	select {
	case extra := <-changes:
		t.Fatalf("expected a single change, got extra %q", extra)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestFileFollowsRenameReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "script.calc")
	if err := os.WriteFile(path, []byte("old"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	changes := startWatch(t, path)
	tmp := filepath.Join(dir, "script.calc.tmp")
	if err := os.WriteFile(tmp, []byte("new"), 0o600); err != nil {
		t.Fatalf("write tmp: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if got := waitChange(t, changes); got != "new" {
		t.Fatalf("unexpected content: %q", got)
	}
}

func TestFileIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "script.calc")
	if err := os.WriteFile(path, []byte("a"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	changes := startWatch(t, path)
	if err := os.WriteFile(filepath.Join(dir, "other"), []byte("b"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case got := <-changes:
		t.Fatalf("unexpected change %q", got)
	case <-time.After(200 * time.Millisecond):
	}
}
