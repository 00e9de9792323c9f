// Package framequeue implements the bounded per-consumer FIFO described in
// spec.md §4.C: frames accumulate until the span between the first and last
// timestamped audio/video frame exceeds a configured duration, at which
// point the queue shrinks down to just its most recent sequence headers so
// a slow consumer never accumulates unbounded memory.
package framequeue

import (
	"sync"
	"time"

	"github.com/alxayo/go-rtmp/internal/core/frame"
)

// Queue is an ordered sequence of frames belonging to one consumer.
type Queue struct {
	mu      sync.Mutex
	frames  []frame.Frame
	maxSize time.Duration

	avStart time.Duration
	avEnd   time.Duration
	started bool
}

// New creates a Queue bounded by maxSize (the queue_length vhost option,
// expressed as a duration between the oldest and newest A/V timestamp).
func New(maxSize time.Duration) *Queue {
	return &Queue{maxSize: maxSize}
}

// Enqueue appends f, taking ownership of the caller's reference (the queue
// will Release it on shrink/clear/dump). It reports whether an overflow
// shrink occurred.
func (q *Queue) Enqueue(f frame.Frame) (overflowed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.frames = append(q.frames, f)

	if (f.IsVideo || f.IsAudio) && f.Timestamp != 0 {
		ts := time.Duration(f.Timestamp) * time.Millisecond
		if !q.started {
			q.avStart = ts
			q.started = true
		}
		q.avEnd = ts
	}

	if q.maxSize > 0 && q.avEnd-q.avStart > q.maxSize {
		q.shrinkLocked()
		return true
	}
	return false
}

// Dump copies up to maxN frames from the head of the queue into out
// (out must have capacity >= maxN) and removes them from the queue,
// advancing avStart to the timestamp of the last dumped A/V frame. It
// returns the number of frames copied. The caller becomes the owner of the
// returned frames' references and must Release them once delivered.
func (q *Queue) Dump(maxN int, out []frame.Frame) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := maxN
	if n > len(q.frames) {
		n = len(q.frames)
	}
	for i := 0; i < n; i++ {
		out[i] = q.frames[i]
		f := q.frames[i]
		if (f.IsVideo || f.IsAudio) && f.Timestamp != 0 {
			q.avStart = time.Duration(f.Timestamp) * time.Millisecond
		}
	}
	q.frames = q.frames[n:]
	return n
}

// Shrink discards every frame except the most recently seen audio and
// video sequence headers, re-stamping their timestamps to the current
// window end (avEnd) so a newly resumed consumer doesn't replay a stale
// codec header against a jumped timeline.
func (q *Queue) Shrink() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.shrinkLocked()
}

func (q *Queue) shrinkLocked() {
	var audioSH, videoSH *frame.Frame
	for i := range q.frames {
		f := q.frames[i]
		if !f.IsSequenceHeader {
			continue
		}
		if f.IsAudio {
			audioSH = &q.frames[i]
		} else if f.IsVideo {
			videoSH = &q.frames[i]
		}
	}

	endMs := uint32(q.avEnd / time.Millisecond)
	var kept []frame.Frame
	for i := range q.frames {
		keep := (audioSH == &q.frames[i]) || (videoSH == &q.frames[i])
		if keep {
			f := q.frames[i]
			f.Timestamp = endMs
			f.DTS = int64(endMs)
			kept = append(kept, f)
		} else {
			q.frames[i].Release()
		}
	}

	q.frames = kept
	q.avStart = q.avEnd
}

// Clear releases every frame and resets the queue to empty.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, f := range q.frames {
		f.Release()
	}
	q.frames = nil
	q.avStart = 0
	q.avEnd = 0
	q.started = false
}

// Len returns the current number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Span returns the current av_end - av_start duration.
func (q *Queue) Span() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.avEnd - q.avStart
}
