package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSweeper_RemovesStaleOnly(t *testing.T) {
	// WHAT: a sweep removes files older than MaxAge and leaves fresh ones.
	// WHY: spec.md §3's staged-artifact invariant — only artifacts with no
	// owning job, past retirement age, are fair game for the sweeper.
	dir := t.TempDir()

	stale := filepath.Join(dir, "job1_upload.pdf")
	fresh := filepath.Join(dir, "job2_upload.pdf")
	if err := os.WriteFile(stale, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(fresh, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	oldTime := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, oldTime, oldTime); err != nil {
		t.Fatal(err)
	}

	s := NewSweeper(SweeperOptions{Roots: []string{dir}, MaxAge: time.Hour})
	s.Once(context.Background())

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("expected stale artifact removed, stat err = %v", err)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("expected fresh artifact kept, stat err = %v", err)
	}
}

func TestSweeper_MissingRootIsNotFatal(t *testing.T) {
	s := NewSweeper(SweeperOptions{Roots: []string{"/nonexistent/does/not/exist"}})
	s.Once(context.Background()) // must not panic
}

func TestSweeper_RunRespectsCancellation(t *testing.T) {
	dir := t.TempDir()
	s := NewSweeper(SweeperOptions{Roots: []string{dir}, Interval: time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
