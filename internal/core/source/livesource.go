// Package source implements the Live Source / Origin Hub (spec.md §4.F):
// the per-stream publisher/consumer fan-out engine that sits between the
// protocol-agnostic Frame stream and the GOP/metadata caches, the HLS
// segmenter and every other downstream collaborator.
package source

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alxayo/go-rtmp/internal/core/frame"
	"github.com/alxayo/go-rtmp/internal/core/gopcache"
	"github.com/alxayo/go-rtmp/internal/core/jitter"
	"github.com/alxayo/go-rtmp/internal/metrics"
)

// ErrAlreadyPublishing is returned by Publish when a second publisher
// tries to claim a stream that already has one (spec.md §4.F: "exclusive;
// second publisher sees ERROR: already publishing").
var ErrAlreadyPublishing = errors.New("source: stream already publishing")

// ErrNotPublishing is returned by on_audio/on_video/on_metadata/Unpublish
// calls made outside an active publish session.
var ErrNotPublishing = errors.New("source: no active publisher")

// Config is the subset of per-vhost options (spec.md §6) the Live Source
// itself needs, independent of the HLS segmenter's own Config.
type Config struct {
	JitterMode           jitter.Mode
	GopCacheEnabled      bool
	GopCacheMaxFrames    int
	QueueLength          time.Duration
	MixCorrect           bool
	ReduceSequenceHeader bool

	// ATC ("absolute time continuation") bypasses the jitter corrector for
	// this source entirely: fan-out and GOP replay both use the frame's
	// original timestamp, matching SRS's atc option (spec.md §6, §4 SUPPLEMENTED
	// FEATURES). ATCAuto flips ATC on the first time Publish sees a
	// republish of an already-died stream, mirroring
	// SrsLiveSource::on_source_id_changed's heuristic that a republishing
	// encoder is already emitting a wall-clock-consistent timestamp
	// sequence across the gap.
	ATC     bool
	ATCAuto bool
}

// PublishRequest identifies the publisher claiming a stream (spec.md §6's
// on_publish(Request)).
type PublishRequest struct {
	Vhost, App, Stream string
	ClientID           string
}

// LiveSource is one stream's fan-out engine: exactly one publisher at a
// time, any number of concurrent Consumers, feeding the Origin Hub's
// downstream collaborators (spec.md §4.F).
//
// Every exported method takes the same mutex; spec.md §5 describes a
// single-threaded cooperative model instead (mutex-free, suspension only
// at explicit I/O points). That model has no direct Go translation —
// goroutines preempt at arbitrary points, not just I/O calls — so this
// type re-expresses the same ordering guarantees (frames leave fan-out in
// arrival order, per consumer) with an explicit sync.Mutex instead.
type LiveSource struct {
	key string
	cfg Config

	logger *slog.Logger

	mu            sync.Mutex
	publishing    bool
	videoCodec    string
	audioCodec    string
	lastTS        int64
	haveLastTS    bool
	diePending    bool
	dieAt         time.Time
	everPublished bool
	atcEnabled    bool

	consumers map[string]*Consumer

	meta *gopcache.MetadataCache
	gop  *gopcache.GopCache
	ro   *reorder

	hub *Hub
}

// New creates an idle LiveSource for key ("app/stream"). Publish must be
// called before on_metadata/on_audio/on_video will accept frames.
func New(key string, cfg Config, hub *Hub, logger *slog.Logger) *LiveSource {
	if logger == nil {
		logger = slog.Default()
	}
	g := gopcache.NewGopCache()
	g.Enable(cfg.GopCacheEnabled)
	g.SetMaxFrames(cfg.GopCacheMaxFrames)

	var ro *reorder
	if cfg.MixCorrect {
		ro = newReorder()
	}

	if hub != nil {
		hub.attachKey(key)
	}

	return &LiveSource{
		key:        key,
		cfg:        cfg,
		logger:     logger.With("stream", key),
		consumers:  make(map[string]*Consumer),
		meta:       gopcache.New(),
		gop:        g,
		ro:         ro,
		hub:        hub,
		atcEnabled: cfg.ATC,
	}
}

// Key returns the stream key ("app/stream") this source was created for.
func (s *LiveSource) Key() string { return s.key }

// Hub returns the Origin Hub this source dispatches to. A LiveSource keeps
// the same Hub for its entire lifetime (across republishes), so the wire
// layer uses this to attach a fresh HLS sink each time Publish succeeds.
func (s *LiveSource) Hub() *Hub { return s.hub }

// Publish claims exclusive publisher ownership of the stream.
func (s *LiveSource) Publish(req PublishRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publishing {
		return ErrAlreadyPublishing
	}
	if s.cfg.ATCAuto && s.everPublished && !s.atcEnabled {
		// A republish of a stream that already died once, with atc_auto
		// on, is taken as evidence the encoder is carrying its own
		// wall-clock-consistent timestamp base across the gap.
		s.atcEnabled = true
		s.logger.Info("atc_auto enabled jitter bypass after republish")
	}
	s.publishing = true
	s.everPublished = true
	s.haveLastTS = false
	s.videoCodec = ""
	s.audioCodec = ""
	s.diePending = false
	// A new publish session starts from empty caches, so no GOP frame or
	// sequence header of an earlier session is replayed to new consumers.
	s.gop.Clear()
	s.meta.Clear()
	return nil
}

// Publishing reports whether a publisher currently owns the stream.
func (s *LiveSource) Publishing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publishing
}

// Unpublish releases publisher ownership, flushes the reorder buffer, and
// closes the Hub's HLS sink. The GOP and metadata caches keep their frames
// until the next Publish clears them. Consumers are left
// attached — they drain whatever remains queued and the caller arranges
// cleanup per the stream_die_at + hls_dispose grace period (spec.md §4.F).
func (s *LiveSource) Unpublish() {
	s.mu.Lock()
	if !s.publishing {
		s.mu.Unlock()
		return
	}
	s.publishing = false
	s.dieAt = time.Now()
	s.diePending = true
	var trailing []frame.Frame
	if s.ro != nil {
		trailing = s.ro.flush()
	}
	s.mu.Unlock()

	for _, f := range trailing {
		s.fanOut(f)
		f.Release()
	}

	s.hub.Close()
}

// DieAt reports when the stream became unpublished (zero if still
// publishing or never published), for the caller's cleanup tick to
// compare against stream_die_at + max(3s, hls_dispose).
func (s *LiveSource) DieAt() (t time.Time, pending bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dieAt, s.diePending
}

// ConsumerCount reports the number of attached consumers.
func (s *LiveSource) ConsumerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.consumers)
}

// CreateConsumer registers a new Consumer and primes it with a snapshot —
// metadata, both sequence headers, then the current GOP cache — so
// playback can start immediately at a keyframe (spec.md §4.F).
func (s *LiveSource) CreateConsumer() *Consumer {
	c := newConsumer(s.cfg.QueueLength, s.cfg.JitterMode)

	// Sequence-header/metadata updates happen under s.mu (see onMedia and
	// OnMetadata), so the snapshot-then-Retain below must stay under the
	// same lock to avoid racing a concurrent UpdateVSH/UpdateASH/UpdateData
	// dropping the frame's last reference between the read and the Retain.
	s.mu.Lock()
	s.consumers[c.ID()] = c
	metrics.ConsumersAttached.WithLabelValues(s.key).Set(float64(len(s.consumers)))
	atc := s.atcEnabled
	var meta, vsh, ash frame.Frame
	if d := s.meta.Data(); !d.Empty() {
		meta = d.Retain()
	}
	if a := s.meta.AudioSH(); !a.Empty() {
		ash = a.Retain()
	}
	if v := s.meta.VideoSH(); !v.Empty() {
		vsh = v.Retain()
	}
	s.mu.Unlock()

	// dump(consumer, atc, jitter_mode): atc replays cached frames with
	// their original timestamp; otherwise each goes through this
	// consumer's own corrector, same as live fan-out (spec.md §4.D).
	replay := func(f frame.Frame) {
		if !atc {
			f.DTS = c.jitter().Correct(f.DTS, f.Kind == frame.KindMetadata)
		}
		c.enqueue(f)
	}

	if !meta.Empty() {
		replay(meta)
	}
	if !ash.Empty() {
		replay(ash)
	}
	if !vsh.Empty() {
		replay(vsh)
	}
	s.gop.Dump(replay)

	return c
}

// RemoveConsumer unregisters and closes c.
func (s *LiveSource) RemoveConsumer(c *Consumer) {
	if c == nil {
		return
	}
	s.mu.Lock()
	delete(s.consumers, c.ID())
	metrics.ConsumersAttached.WithLabelValues(s.key).Set(float64(len(s.consumers)))
	s.mu.Unlock()
	c.Close()
}

// OnMetadata sanitizes and forwards an on-metadata frame (spec.md §4.F:
// "drop duration, add server identity, diff against MetadataCache —
// forward only if changed").
func (s *LiveSource) OnMetadata(f frame.Frame) error {
	s.mu.Lock()
	if !s.publishing {
		s.mu.Unlock()
		f.Release()
		return ErrNotPublishing
	}
	s.mu.Unlock()

	sanitized := sanitizeMetadata(f)
	f.Release()

	s.mu.Lock()
	s.meta.UpdateData(sanitized.Retain())
	s.mu.Unlock()

	s.fanOut(sanitized)
	sanitized.Release()
	return nil
}

// OnAudio runs spec.md §4.F's on_audio algorithm: monotonicity check,
// sequence-header bookkeeping, fan-out, GOP cache append, Hub forward.
func (s *LiveSource) OnAudio(f frame.Frame) error {
	return s.onMedia(f, true)
}

// OnVideo is OnAudio's video counterpart.
func (s *LiveSource) OnVideo(f frame.Frame) error {
	return s.onMedia(f, false)
}

func (s *LiveSource) onMedia(f frame.Frame, isAudio bool) error {
	s.mu.Lock()
	if !s.publishing {
		s.mu.Unlock()
		f.Release()
		return ErrNotPublishing
	}

	// Step 1: monotonicity check (spec.md §4.F step 1). Mix-correct
	// reordering handles out-of-order delivery on its own path; without
	// it, a backwards jump is logged once and passed through unchanged
	// (the jitter corrector downstream still clamps it).
	if s.ro == nil {
		if s.haveLastTS && f.DTS < s.lastTS {
			s.logger.Warn("frame timestamp went backwards", "last_ts", s.lastTS, "ts", f.DTS, "audio", isAudio)
		}
		s.lastTS = f.DTS
		s.haveLastTS = true
	}

	// Step 3: sequence-header bookkeeping and reduce_sequence_header.
	dropDuplicate := false
	if f.IsSequenceHeader {
		if isAudio {
			s.audioCodec = f.Codec
			dup := s.meta.UpdateASH(f.Retain())
			dropDuplicate = dup && s.cfg.ReduceSequenceHeader
		} else {
			s.videoCodec = f.Codec
			dup := s.meta.UpdateVSH(f.Retain())
			dropDuplicate = dup && s.cfg.ReduceSequenceHeader
		}
	}
	s.mu.Unlock()

	if isAudio {
		if f.IsSequenceHeader {
			s.hub.DispatchAudioSH(f.Codec, f.Bytes())
		} else {
			s.hub.DispatchAudio(f)
		}
	} else {
		if f.IsSequenceHeader {
			s.hub.DispatchVideoSH(f.Codec, f.Bytes())
		} else {
			s.hub.DispatchVideo(f)
		}
	}

	// A duplicate sequence header is never pushed into the reorder buffer
	// in the first place — once inside, there is no way to tell it apart
	// from an unrelated sequence header already buffered from an earlier
	// push, so the decision has to be made here, per-frame, before reorder
	// sees it at all.
	if dropDuplicate {
		f.Release()
		return nil
	}
	if s.ro != nil {
		ready := s.ro.push(f.Retain())
		for _, rf := range ready {
			s.fanOutAndCache(rf)
			rf.Release()
		}
	} else {
		s.fanOutAndCache(f)
	}

	f.Release()
	return nil
}

// fanOutAndCache is steps 4-5 of spec.md §4.F's on_audio/on_video: fan out
// to every consumer and append to the GOP cache (sequence headers are
// never cached — MetadataCache already owns those).
func (s *LiveSource) fanOutAndCache(f frame.Frame) {
	s.fanOut(f)
	if !f.IsSequenceHeader {
		s.gop.Cache(f)
	}
}

// fanOut applies each consumer's own jitter correction (spec.md §4.F step
// 4: "applying per-consumer jitter mode" — a late-joining consumer gets
// its own corrector instance, not a shared stream-wide one, so Zero-mode
// origins and Full-mode clamps are relative to when that consumer
// attached) and skips consumers currently paused.
func (s *LiveSource) fanOut(f frame.Frame) {
	s.mu.Lock()
	atc := s.atcEnabled
	consumers := make([]*Consumer, 0, len(s.consumers))
	for _, c := range s.consumers {
		consumers = append(consumers, c)
	}
	s.mu.Unlock()

	kindLabel := "video"
	switch f.Kind {
	case frame.KindAudio:
		kindLabel = "audio"
	case frame.KindMetadata:
		kindLabel = "metadata"
	}

	for _, c := range consumers {
		if c.Paused() {
			continue
		}
		cf := f.Retain()
		if !atc {
			cf.DTS = c.jitter().Correct(cf.DTS, cf.Kind == frame.KindMetadata)
		}
		if c.enqueue(cf) {
			metrics.QueueShrinks.WithLabelValues(s.key).Inc()
		}
		metrics.FramesFannedOut.WithLabelValues(s.key, kindLabel).Inc()
	}
}

// sanitizeMetadata applies the on_metadata "drop duration, add server
// identity" step; the AMF0 rewrite itself is rewriteMetadataFrame in
// metadata.go.
func sanitizeMetadata(f frame.Frame) frame.Frame {
	return rewriteMetadataFrame(f)
}

func (s *LiveSource) String() string {
	return fmt.Sprintf("LiveSource(%s)", s.key)
}
