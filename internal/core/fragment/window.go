// Package fragment implements the HLS Fragment Window (spec.md §4.B): an
// ordered, duration-bounded collection of finalized Segments with eviction
// and on-disk cleanup.
package fragment

import (
	"os"
	"sync"
	"time"
)

// Segment is a single finalized HLS fragment (spec.md §3).
type Segment struct {
	Seq             int64
	Path            string // final on-disk path (empty while still a .tmp)
	URI             string // playlist entry URI
	KeyURI          string // non-empty if encrypted with this segment's key
	KeyIV           [16]byte
	Encrypted       bool
	Start           time.Duration
	End             time.Duration
	Duration        time.Duration
	IsDiscontinuity bool
	VideoCodec      string
	AudioCodec      string
}

// Window is an insertion-ordered, duration-bounded collection of Segments.
// Safe for concurrent use: the HLS segmenter goroutine appends while an HTTP
// handler serving the playlist may read concurrently.
type Window struct {
	mu       sync.RWMutex
	segments []*Segment
	cleanup  bool
}

// New creates an empty Window. cleanupOn controls whether Shrink unlinks
// evicted segment files from disk (the hls_cleanup vhost option); Dispose
// unlinks regardless.
func New(cleanupOn bool) *Window {
	return &Window{cleanup: cleanupOn}
}

// Append pushes a newly reaped segment to the end of the window.
func (w *Window) Append(s *Segment) {
	if s == nil {
		return
	}
	w.mu.Lock()
	w.segments = append(w.segments, s)
	w.mu.Unlock()
}

// Shrink evicts the oldest segments while the window's total duration
// exceeds bound and more than one segment remains, unlinking evicted files
// per the cleanup policy. Returns the evicted segments (for notification).
func (w *Window) Shrink(bound time.Duration) []*Segment {
	w.mu.Lock()
	var evicted []*Segment
	total := w.totalLocked()
	for total > bound && len(w.segments) > 1 {
		oldest := w.segments[0]
		w.segments = w.segments[1:]
		evicted = append(evicted, oldest)
		total -= oldest.Duration
	}
	w.mu.Unlock()

	w.unlinkIfEnabled(evicted)
	return evicted
}

func (w *Window) totalLocked() time.Duration {
	var total time.Duration
	for _, s := range w.segments {
		total += s.Duration
	}
	return total
}

// unlinkIfEnabled removes each segment's file from disk when cleanup is on.
// Errors are swallowed (logged by the caller if it cares); a missing file is
// not an error condition worth surfacing per spec.md §7.
func (w *Window) unlinkIfEnabled(segs []*Segment) {
	if !w.cleanup {
		return
	}
	for _, s := range segs {
		if s.Path != "" {
			_ = os.Remove(s.Path)
		}
	}
}

// Dispose unlinks every live segment's file (regardless of the cleanup
// flag — disposal is a full teardown, not a rolling eviction) and empties
// the window. Used when a LiveSource is finally torn down.
func (w *Window) Dispose() {
	w.mu.Lock()
	segs := w.segments
	w.segments = nil
	w.mu.Unlock()

	for _, s := range segs {
		if s.Path != "" {
			_ = os.Remove(s.Path)
		}
	}
}

// MaxDuration returns the largest segment duration currently in the window,
// used to compute EXT-X-TARGETDURATION.
func (w *Window) MaxDuration() time.Duration {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var max time.Duration
	for _, s := range w.segments {
		if s.Duration > max {
			max = s.Duration
		}
	}
	return max
}

// First returns the oldest live segment, or nil if the window is empty.
func (w *Window) First() *Segment {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.segments) == 0 {
		return nil
	}
	return w.segments[0]
}

// Last returns the newest live segment, or nil if the window is empty.
func (w *Window) Last() *Segment {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.segments) == 0 {
		return nil
	}
	return w.segments[len(w.segments)-1]
}

// At returns the i-th live segment (0 = oldest), or nil if out of range.
func (w *Window) At(i int) *Segment {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if i < 0 || i >= len(w.segments) {
		return nil
	}
	return w.segments[i]
}

// Size returns the number of live segments.
func (w *Window) Size() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.segments)
}

// Empty reports whether the window currently holds no segments.
func (w *Window) Empty() bool { return w.Size() == 0 }

// Snapshot returns a copy of the current segment pointer slice, safe for a
// caller (e.g. the playlist writer) to range over without holding the lock.
func (w *Window) Snapshot() []*Segment {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]*Segment, len(w.segments))
	copy(out, w.segments)
	return out
}
