package hls

import (
	"bytes"
	"fmt"
	"math"

	"github.com/google/renameio/v2"

	"github.com/alxayo/go-rtmp/internal/core/fragment"
)

// RenderPlaylist builds the UTF-8, LF-terminated m3u8 body for segs, per
// spec.md §4.E's playlist format. targetDuration is EXT-X-TARGETDURATION in
// whole seconds and must never decrease across successive calls for the
// same stream — the caller (Segmenter) is responsible for that
// monotonicity, passing in max(previousTargetDuration, newMaxDuration).
// mapURI is the fMP4 EXT-X-MAP target ("" omits the tag, i.e. TS variant).
func RenderPlaylist(segs []*fragment.Segment, version int, targetDurationSec int, mapURI string) []byte {
	var b bytes.Buffer
	b.WriteString("#EXTM3U\n")
	fmt.Fprintf(&b, "#EXT-X-VERSION:%d\n", version)

	var firstSeq int64
	if len(segs) > 0 {
		firstSeq = segs[0].Seq
	}
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", firstSeq)
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", targetDurationSec)

	if mapURI != "" {
		fmt.Fprintf(&b, "#EXT-X-MAP:URI=\"%s\"\n", mapURI)
	}

	var prevKeyURI string
	var prevIV [16]byte
	havePrevKey := false

	for _, s := range segs {
		if s.IsDiscontinuity {
			b.WriteString("#EXT-X-DISCONTINUITY\n")
		}
		if s.Encrypted {
			if !havePrevKey || s.KeyURI != prevKeyURI || s.KeyIV != prevIV {
				fmt.Fprintf(&b, "#EXT-X-KEY:METHOD=AES-128,URI=\"%s\",IV=0x%x\n", s.KeyURI, s.KeyIV)
			}
			prevKeyURI, prevIV, havePrevKey = s.KeyURI, s.KeyIV, true
		} else {
			havePrevKey = false
		}

		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", s.Duration.Seconds())
		b.WriteString(s.URI)
		b.WriteString("\n")
	}

	return b.Bytes()
}

// TargetDurationSeconds computes ceil(max(maxDuration, maxTD) / 1s) per
// spec.md §4.E's EXT-X-TARGETDURATION formula.
func TargetDurationSeconds(maxDurationMs, maxTDMs int64) int {
	maxMs := maxDurationMs
	if maxTDMs > maxMs {
		maxMs = maxTDMs
	}
	return int(math.Ceil(float64(maxMs) / 1000.0))
}

// WritePlaylistAtomic writes data to path via a temp-file-then-rename,
// matching spec.md §4.E step 7 ("write to playlist.tmp, then atomically
// rename") and §7's "failure during playlist rewrite leaves the previous
// playlist intact (because rename is atomic)".
func WritePlaylistAtomic(path string, data []byte) error {
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("hls: write playlist: %w", err)
	}
	return nil
}

// writeFileAtomic is the same temp-file-then-rename primitive used for
// both playlists and segment files — a half-written segment must never be
// visible to a player polling the directory any more than a half-written
// playlist should.
func writeFileAtomic(path string, data []byte) error {
	return renameio.WriteFile(path, data, 0o644)
}
