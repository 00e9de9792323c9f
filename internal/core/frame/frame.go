// Package frame defines the media unit that flows through the live source,
// its caches and the HLS segmenter: a single audio or video access unit (or
// an on-metadata frame) with a source timestamp, a codec tag and a
// reference-counted payload shared across every consumer it fans out to.
package frame

import (
	"sync/atomic"

	"github.com/alxayo/go-rtmp/internal/bufpool"
)

// Kind classifies a Frame's media type.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindVideo
	KindAudio
	KindMetadata
)

// Codec name constants, matching the string values internal/rtmp/media
// uses for VideoCodecAVC/VideoCodecHEVC/AudioCodecAAC/AudioCodecMP3.
// Duplicated here (rather than imported) so the core packages stay
// decoupled from the RTMP wire layer and could equally classify frames
// handed in by a non-RTMP ingester.
const (
	CodecAVC  = "H264"
	CodecHEVC = "H265"
	CodecAAC  = "AAC"
	CodecMP3  = "MP3"
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindMetadata:
		return "metadata"
	default:
		return "unknown"
	}
}

// payload is a reference-counted byte buffer. The last Release returns the
// backing array to bufpool. A payload allocated outside the pool (capacity
// doesn't match a size class) is simply dropped on last release.
type payload struct {
	buf  []byte
	refs int32
}

func newPayload(data []byte) *payload {
	return &payload{buf: data, refs: 1}
}

func (p *payload) retain() {
	if p == nil {
		return
	}
	atomic.AddInt32(&p.refs, 1)
}

func (p *payload) release() {
	if p == nil {
		return
	}
	if atomic.AddInt32(&p.refs, -1) == 0 {
		bufpool.Put(p.buf)
	}
}

// Frame is a single audio/video/metadata unit. Copying a Frame by value is
// safe and cheap (it shares the underlying payload); callers that hold onto
// a Frame past the call that produced it must call Retain, and must call
// Release exactly once when finished with their copy.
type Frame struct {
	// Timestamp is the frame's source timestamp in milliseconds, as
	// delivered by the publisher (RTMP timestamps wrap at 2^32).
	Timestamp uint32
	// DTS is the decoding timestamp in milliseconds after jitter
	// correction (or, in ATC mode, identical to Timestamp). Monotone
	// per-consumer per spec.md's weak-monotonicity invariant.
	DTS int64

	Kind  Kind
	Codec string // e.g. "H264", "H265", "AAC", "MP3"; empty if undetected

	IsVideo          bool
	IsAudio          bool
	IsSequenceHeader bool
	IsKeyFrame bool // video only; meaningless for audio/metadata

	pl *payload
}

// New creates a Frame wrapping a freshly pool-allocated copy of data. The
// returned Frame owns one reference.
func New(kind Kind, timestamp uint32, data []byte) Frame {
	buf := bufpool.Get(len(data))
	copy(buf, data)
	return Frame{Timestamp: timestamp, Kind: kind, pl: newPayload(buf)}
}

// Bytes returns the frame's payload. The slice must not be retained past
// the holder's own Release of this Frame.
func (f Frame) Bytes() []byte {
	if f.pl == nil {
		return nil
	}
	return f.pl.buf
}

// Retain adds a reference, yielding an independent copy of f that must
// itself be Released. Use this when fanning f out to N consumers that will
// each Release independently.
func (f Frame) Retain() Frame {
	f.pl.retain()
	return f
}

// Release drops this Frame's reference to its payload. It is a no-op on a
// zero-value Frame.
func (f Frame) Release() {
	f.pl.release()
}

// Clone makes a private byte-for-byte copy, decoupled from the shared
// payload's refcount. Used where a caller must mutate bytes (e.g. stamping
// a retained sequence header to a new timestamp) without affecting other
// holders of the original payload.
func (f Frame) Clone() Frame {
	out := f
	if f.pl != nil {
		buf := bufpool.Get(len(f.pl.buf))
		copy(buf, f.pl.buf)
		out.pl = newPayload(buf)
	}
	return out
}

// Empty reports whether f carries no payload (zero value).
func (f Frame) Empty() bool { return f.pl == nil }
