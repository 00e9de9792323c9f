// Package jitter implements per-stream timestamp normalization for audio and
// video frames (spec.md §4.A). It never reorders frames — it only rewrites
// timestamps so that they advance monotonically despite publisher clock
// jumps, resets or backwards-running timestamps.
//
// Three algorithms are supported, selected per vhost via Mode:
//
//	Off    (Mode = Disabled): pass timestamps through unchanged.
//	Default: the standard corrector — clamps the inter-frame delta to
//	        [0, maxJump] and resets on large jumps or backwards time.
//	Zero:   like Default, but the very first timestamp seen becomes the new
//	        origin (output starts at 0).
//	Full:   tightens the clamp to ±250ms and forces on-metadata frames to
//	        ts=0; falls back to a 10ms synthetic delta when jitter (an
//	        out-of-clamp jump) is detected, instead of zero.
package jitter

// Mode selects which correction algorithm a Corrector applies.
type Mode int

const (
	Default Mode = iota
	Zero
	Full
	Disabled
)

func (m Mode) String() string {
	switch m {
	case Zero:
		return "zero"
	case Full:
		return "full"
	case Disabled:
		return "off"
	default:
		return "default"
	}
}

// ParseMode maps the "time_jitter" vhost option's string values.
func ParseMode(s string) Mode {
	switch s {
	case "zero":
		return Zero
	case "full":
		return Full
	case "off":
		return Disabled
	default:
		return Default
	}
}

const (
	defaultMaxJumpMs = 90000 // 90s, spec.md §4.A
	fullMaxJumpMs    = 250   // ±250ms, spec.md §4.A "Full"
	fullSyntheticMs  = 10    // 10ms default delta used by Full on detected jitter
)

// Corrector holds one stream's running correction state. Not safe for
// concurrent use; a Corrector belongs to exactly one fan-out path (one
// LiveSource's dispatch to one consumer, or the HLS segmenter's own feed).
type Corrector struct {
	mode Mode

	delta       int64
	previousTS  int64
	pts         int64
	started     bool
	zeroOrigin  int64
	zeroApplied bool
}

// New creates a Corrector using the given mode.
func New(mode Mode) *Corrector {
	return &Corrector{mode: mode}
}

// Mode returns the corrector's configured algorithm.
func (c *Corrector) Mode() Mode { return c.mode }

// Correct computes the corrected timestamp for a frame whose source
// timestamp is ts (milliseconds, as a signed value so callers can pass
// already-unwrapped RTMP timestamps). isMetadata forces ts=0 output under
// Full mode only.
func (c *Corrector) Correct(ts int64, isMetadata bool) int64 {
	switch c.mode {
	case Disabled:
		return ts
	case Zero:
		return c.correctZero(ts)
	case Full:
		return c.correctFull(ts, isMetadata)
	default:
		return c.correctDefault(ts, defaultMaxJumpMs)
	}
}

func (c *Corrector) correctDefault(ts int64, maxJump int64) int64 {
	if !c.started {
		c.started = true
		c.previousTS = ts
		c.pts = ts
		return c.pts
	}

	delta := ts - c.previousTS
	if ts < c.previousTS || delta > maxJump {
		delta = 0
	}
	if delta < 0 {
		delta = 0
	}

	c.delta = delta
	c.previousTS = ts
	c.pts += delta
	return c.pts
}

func (c *Corrector) correctZero(ts int64) int64 {
	if !c.zeroApplied {
		c.zeroOrigin = ts
		c.zeroApplied = true
	}
	return c.correctDefault(ts-c.zeroOrigin, defaultMaxJumpMs)
}

func (c *Corrector) correctFull(ts int64, isMetadata bool) int64 {
	if isMetadata {
		return 0
	}
	if !c.started {
		c.started = true
		c.previousTS = ts
		c.pts = ts
		return c.pts
	}

	delta := ts - c.previousTS
	jittered := ts < c.previousTS || delta > fullMaxJumpMs || delta < -fullMaxJumpMs
	if jittered {
		delta = fullSyntheticMs
	}
	if delta < 0 {
		delta = 0
	}

	c.delta = delta
	c.previousTS = ts
	c.pts += delta
	return c.pts
}

// Reset clears all running state, as if the Corrector were freshly created.
// Used when a publisher re-publishes the same stream key.
func (c *Corrector) Reset() {
	*c = Corrector{mode: c.mode}
}
