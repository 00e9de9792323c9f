// Package hls implements the HLS Segmenter (spec.md §4.E): a per-publish
// state machine that turns a monotone stream of audio/video frames into a
// rolling set of TS or fMP4 segment files plus an atomically-rewritten
// playlist. TSEncoder and FMP4Encoder are its two interchangeable Encoder
// implementations; Segmenter itself holds the open/reap state machine,
// floor-mode timestamp anchoring, and AES-128 key rotation that both
// variants share.
package hls

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alxayo/go-rtmp/internal/core/fragment"
	"github.com/alxayo/go-rtmp/internal/core/frame"
	"github.com/alxayo/go-rtmp/internal/metrics"
)

// Notifier receives the best-effort collaborator outcalls spec.md §6 names:
// on_hls (a newly reaped segment) and on_hls_notify (a lighter-weight
// "playlist changed" ping). A failure in either must never affect the
// segmenter, so Segmenter always dispatches these from a background
// goroutine and never inspects an error return.
type Notifier interface {
	OnHLS(path, uri, playlistPath, playlistURI string, seq int64, duration time.Duration)
	OnHLSNotify(uri string)
}

// Config is the subset of per-vhost options (spec.md §6) the segmenter
// needs. Fragment/TDRatio/AofRatio/Window/TSFloor/Cleanup/WaitKeyframe/
// UseFMP4 map directly to the vhost option table; PathPattern/HLSRoot/
// PlaylistPath/PlaylistURI/InitSegmentPath/InitSegmentURI are resolved by
// the caller from hls_path/hls_ts_file/hls_m3u8_file and the vhost/app/
// stream identity before constructing a Segmenter.
type Config struct {
	Vhost, App, Stream string

	PathPattern      string // segment filename template, relative to HLSRoot
	HLSRoot          string
	PlaylistPath     string
	PlaylistURI      string
	InitSegmentPath  string // fMP4 only
	InitSegmentURI   string // fMP4 only

	Fragment     time.Duration
	TDRatio      float64
	AofRatio     float64
	Window       time.Duration
	TSFloor      bool
	Cleanup      bool
	WaitKeyframe bool
	UseFMP4      bool

	Keys *KeyRotator // nil disables encryption

	// Clock is injectable for deterministic floor-mode tests; defaults to
	// time.Now when nil.
	Clock func() time.Time
}

func (c *Config) clock() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}

func (c *Config) maxTD() time.Duration {
	return time.Duration(float64(c.Fragment) * c.TDRatio)
}

type openSegment struct {
	seq           int64
	filenameTmpl  string // with [duration] not yet substituted
	uriTmpl       string
	start         time.Duration // basetime, ms since publish epoch
	duration      time.Duration
	deviationTs   int64
	discontinuity bool
	encrypted     bool
	keyURI        string
	keyIV         [16]byte
}

// Segmenter drives one live stream's HLS output. A Segmenter is created
// per publish session and discarded on unpublish/republish; it is not
// safe to reuse across sessions because sequence numbers and floor state
// reset.
type Segmenter struct {
	cfg      Config
	variant  Encoder
	window   *fragment.Window
	notifier Notifier

	mu                   sync.Mutex
	seq                  int64
	current              *openSegment
	videoCodec           string
	videoSH              []byte
	videoSHSet           bool
	audioCodec           string
	audioSH              []byte
	audioSHSet           bool
	pendingDiscontinuity bool

	acceptFloor   int64
	haveFloor     bool
	maxTDEverSeen time.Duration
}

// NewSegmenter creates a Segmenter writing into window and notifying
// notifier (which may be nil to disable outcalls, e.g. in tests).
func NewSegmenter(cfg Config, variant Encoder, window *fragment.Window, notifier Notifier) *Segmenter {
	return &Segmenter{cfg: cfg, variant: variant, window: window, notifier: notifier}
}

// SetVideoSH records the current video codec/sequence-header. It must be
// called once before the first video frame and again whenever the
// publisher sends a changed sequence header (a republish or a mid-stream
// SPS/PPS change per spec.md §9's design note treating every SH change as
// a discontinuity candidate). The very first call establishes the initial
// codec and never itself triggers a discontinuity.
func (s *Segmenter) SetVideoSH(codec string, sh []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	first := !s.videoSHSet
	changed := !first && (s.videoCodec != codec || !bytes.Equal(s.videoSH, sh))
	s.videoCodec = codec
	s.videoSH = append([]byte(nil), sh...)
	s.videoSHSet = true
	if changed {
		s.markDiscontinuityLocked()
	}
	if first || changed {
		return s.variant.SetCodecs(s.videoCodec, s.videoSH, s.audioCodec, s.audioSH)
	}
	return nil
}

// SetAudioSH is SetVideoSH's audio counterpart.
func (s *Segmenter) SetAudioSH(codec string, sh []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	first := !s.audioSHSet
	changed := !first && (s.audioCodec != codec || !bytes.Equal(s.audioSH, sh))
	s.audioCodec = codec
	s.audioSH = append([]byte(nil), sh...)
	s.audioSHSet = true
	if changed {
		s.markDiscontinuityLocked()
	}
	if first || changed {
		return s.variant.SetCodecs(s.videoCodec, s.videoSH, s.audioCodec, s.audioSH)
	}
	return nil
}

func (s *Segmenter) markDiscontinuityLocked() {
	if s.current != nil {
		s.current.discontinuity = true
	} else {
		s.pendingDiscontinuity = true
	}
}

// WriteVideo appends a non-sequence-header video frame, opening a fresh
// segment first if none is current, then evaluates the reap triggers.
func (s *Segmenter) WriteVideo(f frame.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dtsMs := f.DTS
	if err := s.ensureOpenLocked(dtsMs); err != nil {
		return s.recoverFromIOError(err)
	}
	if err := s.variant.WriteVideo(dtsMs, f.Bytes(), f.IsKeyFrame); err != nil {
		return s.recoverFromIOError(err)
	}
	s.appendDurationLocked(dtsMs)
	return s.checkReapLocked(true, f.IsKeyFrame)
}

// WriteAudio is WriteVideo's audio counterpart.
func (s *Segmenter) WriteAudio(f frame.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dtsMs := f.DTS
	if err := s.ensureOpenLocked(dtsMs); err != nil {
		return s.recoverFromIOError(err)
	}
	if err := s.variant.WriteAudio(dtsMs, f.Bytes()); err != nil {
		return s.recoverFromIOError(err)
	}
	s.appendDurationLocked(dtsMs)
	return s.checkReapLocked(false, false)
}

// recoverFromIOError implements spec.md §7's segment-file I/O failure
// policy: log (left to the caller via the returned error), drop the
// current segment, and let the next frame open a fresh one instead of
// deadlocking the publisher.
func (s *Segmenter) recoverFromIOError(cause error) error {
	s.current = nil
	return fmt.Errorf("hls: segment write failed, reopening on next frame: %w", cause)
}

func (s *Segmenter) appendDurationLocked(dtsMs int64) {
	cur := s.current
	d := time.Duration(dtsMs-int64(cur.start/time.Millisecond)) * time.Millisecond
	if d > cur.duration {
		cur.duration = d
	}
}

func (s *Segmenter) ensureOpenLocked(dtsMs int64) error {
	if s.current != nil {
		return nil
	}

	seq := s.seq
	s.seq++

	vars := TemplateVars{Vhost: s.cfg.Vhost, App: s.cfg.App, Stream: s.cfg.Stream, Seq: seq, Now: s.cfg.clock()}

	var deviationTs int64
	if s.cfg.TSFloor {
		fragMs := s.cfg.Fragment.Milliseconds()
		if fragMs <= 0 {
			fragMs = 1
		}
		currentFloor := vars.Now.UnixMilli() / fragMs
		if !s.haveFloor {
			s.acceptFloor = currentFloor - 1
			s.haveFloor = true
		} else {
			s.acceptFloor++
		}
		if s.acceptFloor-currentFloor > 20 {
			s.acceptFloor = currentFloor - 1
		}
		deviationTs = s.acceptFloor - currentFloor
		vars.Timestamp = s.acceptFloor
	} else {
		vars.Timestamp = vars.Now.UnixMilli()
	}

	filename := substitutePath(s.cfg.PathPattern, vars)

	var keyURI string
	var keyIV [16]byte
	encrypted := false
	if s.cfg.Keys != nil {
		_, iv, kURI, _, err := s.keysForSegment(vars)
		if err != nil {
			return err
		}
		keyURI, keyIV, encrypted = kURI, iv, true
	}

	if err := s.variant.Open(); err != nil {
		return fmt.Errorf("hls: open segment encoder: %w", err)
	}

	s.current = &openSegment{
		seq:           seq,
		filenameTmpl:  filename,
		uriTmpl:       filename,
		start:         time.Duration(dtsMs) * time.Millisecond,
		deviationTs:   deviationTs,
		discontinuity: s.pendingDiscontinuity,
		encrypted:     encrypted,
		keyURI:        keyURI,
		keyIV:         keyIV,
	}
	s.pendingDiscontinuity = false
	return nil
}

// keysForSegment exists only to give KeyRotator.ForSegment's five return
// values stable names at the call site above (Go doesn't let a multi-value
// call be partially discarded inline without this indirection reading
// awkwardly).
func (s *Segmenter) keysForSegment(vars TemplateVars) (key, iv [16]byte, uri string, rotated bool, err error) {
	key, iv, uri, rotated, err = s.cfg.Keys.ForSegment(vars)
	return
}

func (s *Segmenter) checkReapLocked(isVideo, isKeyFrame bool) error {
	cur := s.current
	if cur == nil {
		return nil
	}

	maxTD := s.cfg.maxTD()
	var floorDev time.Duration
	if s.cfg.TSFloor {
		floorDev = time.Duration(0.3 * float64(cur.deviationTs) * float64(s.cfg.Fragment))
	}

	if cur.duration >= maxTD+floorDev {
		if s.cfg.WaitKeyframe && !(isVideo && isKeyFrame) {
			return nil
		}
		return s.reapLocked()
	}

	if !isVideo {
		aofMax := time.Duration(float64(s.cfg.Fragment) * s.cfg.AofRatio)
		if cur.duration >= aofMax+floorDev {
			return s.reapLocked()
		}
	}
	return nil
}

func (s *Segmenter) streamKey() string {
	return s.cfg.App + "/" + s.cfg.Stream
}

func (s *Segmenter) reapLocked() error {
	cur := s.current
	s.current = nil

	data, err := s.variant.Finalize()
	if err != nil {
		metrics.SegmentsDropped.WithLabelValues(s.streamKey()).Inc()
		return fmt.Errorf("hls: finalize segment: %w", err)
	}

	maxTD := s.cfg.maxTD()
	if cur.duration < 100*time.Millisecond || cur.duration > 3*maxTD {
		// Drop: roll the sequence number back, skip the window append.
		s.seq--
		return nil
	}

	finalFilename := strings.ReplaceAll(cur.filenameTmpl, "[duration]", strconv.FormatInt(cur.duration.Milliseconds(), 10))
	finalURI := strings.ReplaceAll(cur.uriTmpl, "[duration]", strconv.FormatInt(cur.duration.Milliseconds(), 10))
	finalPath := filepath.Join(s.cfg.HLSRoot, finalFilename)

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		metrics.SegmentsDropped.WithLabelValues(s.streamKey()).Inc()
		return fmt.Errorf("hls: create segment dir: %w", err)
	}
	if err := writeFileAtomic(finalPath, data); err != nil {
		metrics.SegmentsDropped.WithLabelValues(s.streamKey()).Inc()
		return fmt.Errorf("hls: write segment file: %w", err)
	}
	if s.cfg.InitSegmentPath != "" {
		if init := s.variant.InitSegment(); init != nil {
			if err := writeFileAtomic(s.cfg.InitSegmentPath, init); err != nil {
				return fmt.Errorf("hls: write init segment: %w", err)
			}
		}
	}

	reason := "keyframe"
	if cur.duration > maxTD {
		reason = "overflow"
	}
	metrics.SegmentsReaped.WithLabelValues(s.streamKey(), reason).Inc()
	metrics.SegmentDuration.WithLabelValues(s.streamKey()).Observe(cur.duration.Seconds())

	seg := &fragment.Segment{
		Seq:             cur.seq,
		Path:            finalPath,
		URI:             finalURI,
		KeyURI:          cur.keyURI,
		KeyIV:           cur.keyIV,
		Encrypted:       cur.encrypted,
		Start:           cur.start,
		End:             cur.start + cur.duration,
		Duration:        cur.duration,
		IsDiscontinuity: cur.discontinuity,
		VideoCodec:      s.videoCodec,
		AudioCodec:      s.audioCodec,
	}
	s.window.Append(seg)

	if s.notifier != nil {
		n := s.notifier
		go n.OnHLS(finalPath, finalURI, s.cfg.PlaylistPath, s.cfg.PlaylistURI, seg.Seq, seg.Duration)
		go n.OnHLSNotify(finalURI)
	}

	s.window.Shrink(s.cfg.Window)

	return s.rewritePlaylistLocked()
}

func (s *Segmenter) rewritePlaylistLocked() error {
	segs := s.window.Snapshot()

	maxTD := s.cfg.maxTD()
	if maxTD > s.maxTDEverSeen {
		s.maxTDEverSeen = maxTD
	}
	if d := s.window.MaxDuration(); d > s.maxTDEverSeen {
		s.maxTDEverSeen = d
	}
	targetSec := TargetDurationSeconds(s.maxTDEverSeen.Milliseconds(), 0)

	mapURI := ""
	if s.cfg.UseFMP4 {
		mapURI = s.cfg.InitSegmentURI
	}

	data := RenderPlaylist(segs, PlaylistVersion(s.cfg.UseFMP4), targetSec, mapURI)
	if err := WritePlaylistAtomic(s.cfg.PlaylistPath, data); err != nil {
		metrics.SegmentsDropped.WithLabelValues(s.streamKey()).Inc()
		return fmt.Errorf("hls: rewrite playlist: %w", err)
	}
	metrics.PlaylistRewrites.WithLabelValues(s.streamKey()).Inc()
	return nil
}

// Close finalizes any open segment (even if it hasn't hit a reap trigger)
// so the final moments of a publish session aren't lost, then leaves the
// segmenter idle. The Fragment Window and its files are untouched — their
// lifetime is the LiveSource's hls_dispose grace period, not the
// segmenter's.
func (s *Segmenter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	return s.reapLocked()
}
