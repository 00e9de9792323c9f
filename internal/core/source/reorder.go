package source

import (
	"sort"
	"sync"

	"github.com/alxayo/go-rtmp/internal/core/frame"
)

// reorder is the mix-correct A/V reorder buffer spec.md §4.F describes: a
// timestamp-ordered multimap that releases its buffered frames only once
// one of three conditions holds, so that a publisher delivering audio and
// video on separate, slightly-skewed timelines still fans out a roughly
// interleaved stream instead of long same-track runs.
type reorder struct {
	mu         sync.Mutex
	entries    []frame.Frame
	videoCount int
	audioCount int
}

func newReorder() *reorder {
	return &reorder{}
}

// push inserts f in timestamp order and, if the pop condition is now
// satisfied, drains and returns the entire buffer in timestamp order.
// Otherwise it returns nil and f is held for a later push/flush.
func (r *reorder) push(f frame.Frame) []frame.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := sort.Search(len(r.entries), func(i int) bool { return r.entries[i].DTS > f.DTS })
	r.entries = append(r.entries, frame.Frame{})
	copy(r.entries[idx+1:], r.entries[idx:])
	r.entries[idx] = f

	if f.IsVideo {
		r.videoCount++
	} else if f.IsAudio {
		r.audioCount++
	}

	if (r.videoCount >= 10 && r.audioCount == 0) ||
		(r.audioCount >= 10 && r.videoCount == 0) ||
		(r.videoCount >= 1 && r.audioCount >= 1) {
		return r.drainLocked()
	}
	return nil
}

// flush drains whatever remains, used on unpublish so no buffered frame is
// silently lost.
func (r *reorder) flush() []frame.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.drainLocked()
}

func (r *reorder) drainLocked() []frame.Frame {
	out := r.entries
	r.entries = nil
	r.videoCount = 0
	r.audioCount = 0
	return out
}
