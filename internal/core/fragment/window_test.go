package fragment

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAppendOrderAndSeq(t *testing.T) {
	w := New(false)
	w.Append(&Segment{Seq: 1, Duration: time.Second})
	w.Append(&Segment{Seq: 2, Duration: time.Second})
	if w.Size() != 2 {
		t.Fatalf("expected 2 segments, got %d", w.Size())
	}
	if w.First().Seq != 1 || w.Last().Seq != 2 {
		t.Fatalf("expected insertion order preserved, got first=%d last=%d", w.First().Seq, w.Last().Seq)
	}
}

func TestShrinkEvictsOldestUntilWithinBound(t *testing.T) {
	w := New(false)
	for i := int64(1); i <= 5; i++ {
		w.Append(&Segment{Seq: i, Duration: 2 * time.Second})
	}
	evicted := w.Shrink(5 * time.Second)
	if w.Size() != 2 {
		t.Fatalf("expected 2 remaining (10s -> 4s, the first total <= 5s), got %d", w.Size())
	}
	if len(evicted) != 3 {
		t.Fatalf("expected 3 evicted, got %d", len(evicted))
	}
	if w.First().Seq != 4 {
		t.Fatalf("expected oldest remaining seq=4, got %d", w.First().Seq)
	}
}

func TestShrinkNeverEmptiesWindow(t *testing.T) {
	w := New(false)
	w.Append(&Segment{Seq: 1, Duration: 100 * time.Second})
	evicted := w.Shrink(time.Second)
	if len(evicted) != 0 {
		t.Fatalf("expected no eviction when only one segment remains, got %d", len(evicted))
	}
	if w.Size() != 1 {
		t.Fatalf("expected the single segment retained, got size=%d", w.Size())
	}
}

func TestShrinkUnlinksWhenCleanupEnabled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg1.ts")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	w := New(true)
	w.Append(&Segment{Seq: 1, Path: path, Duration: 10 * time.Second})
	w.Append(&Segment{Seq: 2, Duration: time.Second})
	w.Shrink(time.Second)

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected evicted file to be unlinked, stat err=%v", err)
	}
}

func TestShrinkKeepsFileWhenCleanupDisabled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg1.ts")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	w := New(false)
	w.Append(&Segment{Seq: 1, Path: path, Duration: 10 * time.Second})
	w.Append(&Segment{Seq: 2, Duration: time.Second})
	w.Shrink(time.Second)

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected evicted file to remain on disk, err=%v", err)
	}
}

func TestMaxDuration(t *testing.T) {
	w := New(false)
	w.Append(&Segment{Seq: 1, Duration: 3 * time.Second})
	w.Append(&Segment{Seq: 2, Duration: 7 * time.Second})
	if w.MaxDuration() != 7*time.Second {
		t.Fatalf("expected max 7s, got %v", w.MaxDuration())
	}
}

func TestDisposeUnlinksRegardlessOfCleanupFlag(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg1.ts")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	w := New(false)
	w.Append(&Segment{Seq: 1, Path: path})
	w.Dispose()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected dispose to unlink regardless of cleanup flag, err=%v", err)
	}
	if !w.Empty() {
		t.Fatalf("expected window empty after dispose")
	}
}
