// Package gopcache implements the two caches spec.md §4.D describes as
// collaborators of the Live Source: the MetadataCache, which remembers the
// most recent on-metadata frame and both codecs' sequence headers so a late
// consumer can be primed without waiting for the publisher to resend them,
// and the GopCache, which retains the frames since the last video keyframe
// so a newly attached consumer can start decoding immediately instead of
// waiting for the next GOP boundary.
package gopcache

import (
	"bytes"
	"sync"

	"github.com/alxayo/go-rtmp/internal/core/frame"
)

// pureAudioGuessCount bounds how many consecutive audio frames may arrive
// after the last video frame before the cache gives up waiting for video
// and assumes the stream has gone (or always was) audio-only.
const pureAudioGuessCount = 115

// MetadataCache holds the single on-metadata frame and the most recent
// audio/video sequence headers for a live stream, plus the sequence header
// each replaced (so a caller can detect a duplicate resend and drop it per
// the reduce_sequence_header vhost option).
type MetadataCache struct {
	mu sync.RWMutex

	data frame.Frame

	vsh     frame.Frame
	prevVsh frame.Frame

	ash     frame.Frame
	prevAsh frame.Frame
}

// New creates an empty MetadataCache.
func New() *MetadataCache { return &MetadataCache{} }

// Data returns the current on-metadata frame (zero Frame if none seen yet).
func (m *MetadataCache) Data() frame.Frame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data
}

// VideoSH returns the current video sequence header.
func (m *MetadataCache) VideoSH() frame.Frame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.vsh
}

// AudioSH returns the current audio sequence header.
func (m *MetadataCache) AudioSH() frame.Frame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ash
}

// UpdateData replaces the cached on-metadata frame, taking ownership of f's
// reference.
func (m *MetadataCache) UpdateData(f frame.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.data
	m.data = f
	old.Release()
}

// UpdateVSH replaces the cached video sequence header, taking ownership of
// f's reference. It reports whether f is byte-identical to the header it
// replaces, so a caller honoring reduce_sequence_header can drop the
// duplicate resend instead of forwarding it to consumers.
func (m *MetadataCache) UpdateVSH(f frame.Frame) (duplicate bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	duplicate = !m.vsh.Empty() && bytes.Equal(m.vsh.Bytes(), f.Bytes())
	stale := m.prevVsh
	m.prevVsh = m.vsh
	m.vsh = f
	stale.Release()
	return duplicate
}

// UpdateASH is UpdateVSH's audio counterpart.
func (m *MetadataCache) UpdateASH(f frame.Frame) (duplicate bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	duplicate = !m.ash.Empty() && bytes.Equal(m.ash.Bytes(), f.Bytes())
	stale := m.prevAsh
	m.prevAsh = m.ash
	m.ash = f
	stale.Release()
	return duplicate
}

// Clear releases every held frame and resets the cache to empty. Called
// when a publisher reconnects with a new stream identity (spec.md §4.F).
func (m *MetadataCache) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.Release()
	m.vsh.Release()
	m.prevVsh.Release()
	m.ash.Release()
	m.prevAsh.Release()
	m.data = frame.Frame{}
	m.vsh = frame.Frame{}
	m.prevVsh = frame.Frame{}
	m.ash = frame.Frame{}
	m.prevAsh = frame.Frame{}
}

// GopCache retains frames since the last video keyframe for instant-start
// playback. Sequence headers are never pushed here — MetadataCache owns
// those — so Cache should only be called with ordinary audio/video frames.
type GopCache struct {
	mu sync.Mutex

	enabled   bool
	maxFrames int

	frames              []frame.Frame
	videoCount          int
	audioAfterLastVideo int
}

// NewGopCache creates a GopCache. Caching is disabled until Enable(true) is called
// (mirroring the gop_cache vhost option, which can flip at runtime).
func NewGopCache() *GopCache { return &GopCache{} }

// Enable flips the gop_cache vhost option. Disabling does not itself clear
// already-cached frames; the next republish or explicit Clear does.
func (g *GopCache) Enable(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = v
}

// Enabled reports the current gop_cache setting.
func (g *GopCache) Enabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled
}

// SetMaxFrames sets the gop_cache_max_frames vhost option (0 = unbounded).
func (g *GopCache) SetMaxFrames(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.maxFrames = n
}

// Cache applies spec.md §4.D's cache algorithm to f, taking ownership of a
// retained reference when f is actually stored.
func (g *GopCache) Cache(f frame.Frame) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.enabled {
		return
	}

	if f.IsVideo {
		if f.Codec != frame.CodecAVC && f.Codec != frame.CodecHEVC {
			return
		}
		g.videoCount++
		g.audioAfterLastVideo = 0
	}

	// No video has ever been accepted: treat the stream as pure audio and
	// don't cache, matching SRS's pure_audio() guard (cached_video_count
	// stays 0 until a real video frame arrives).
	if g.videoCount == 0 {
		return
	}

	if f.IsAudio {
		g.audioAfterLastVideo++
	}

	if g.audioAfterLastVideo > pureAudioGuessCount {
		g.clearLocked()
		return
	}

	if f.IsVideo && f.IsKeyFrame {
		g.clearLocked()
		g.videoCount = 1
	}

	g.frames = append(g.frames, f.Retain())

	if g.maxFrames > 0 && len(g.frames) > g.maxFrames {
		g.clearLocked()
	}
}

// Clear releases every cached frame and resets the GOP counters.
func (g *GopCache) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clearLocked()
}

func (g *GopCache) clearLocked() {
	for _, f := range g.frames {
		f.Release()
	}
	g.frames = nil
	g.videoCount = 0
	g.audioAfterLastVideo = 0
}

// Empty reports whether the cache currently holds no frames.
func (g *GopCache) Empty() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.frames) == 0
}

// StartTimestamp returns the timestamp of the oldest cached frame, or 0 if
// the cache is empty. Used to rewrite sequence header timestamps in ATC mode.
func (g *GopCache) StartTimestamp() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.frames) == 0 {
		return 0
	}
	return g.frames[0].Timestamp
}

// Dump hands every cached frame, in order, to sink. Each frame is a fresh
// retained reference; sink (typically a Consumer's enqueue) takes
// ownership and must Release it once delivered.
func (g *GopCache) Dump(sink func(frame.Frame)) {
	g.mu.Lock()
	frames := make([]frame.Frame, len(g.frames))
	for i, f := range g.frames {
		frames[i] = f.Retain()
	}
	g.mu.Unlock()

	for _, f := range frames {
		sink(f)
	}
}
