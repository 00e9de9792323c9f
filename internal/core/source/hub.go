package source

import (
	"log/slog"
	"sync"

	"github.com/alxayo/go-rtmp/internal/core/frame"
	"github.com/alxayo/go-rtmp/internal/metrics"
)

// HLSSink is the contract the HLS Segmenter exposes to the Origin Hub.
// Defined here (rather than importing internal/core/hls directly) so the
// Hub can be unit-tested against a stub without dragging in a real
// mediacommon-backed encoder; *hls.Segmenter satisfies it.
type HLSSink interface {
	SetVideoSH(codec string, sh []byte) error
	SetAudioSH(codec string, sh []byte) error
	WriteVideo(f frame.Frame) error
	WriteAudio(f frame.Frame) error
	Close() error
}

// DVRSink, Forwarder and ExecSink are the other collaborators spec.md §2
// and §4.F name as Hub dispatch targets (DVR/forwarder/exec). They are
// external collaborators whose own implementations are out of this
// module's scope — only the contract the Hub calls against is specified.
type DVRSink interface {
	WriteFrame(f frame.Frame) error
}

type Forwarder interface {
	Forward(f frame.Frame) error
}

type ExecSink interface {
	OnFrame(f frame.Frame) error
}

// Hub is the Origin Hub (spec.md §4.F): it multiplexes one publisher's
// frame stream to the HLS segmenter and to zero or more external
// collaborators, isolating each target's failures from the others and
// from the publisher itself (spec.md §7: "publishing never fails because
// a consumer subsystem fails").
type Hub struct {
	logger *slog.Logger
	key    string // stream key, for metrics labels only; set by attachKey

	mu         sync.Mutex
	hls        HLSSink
	hlsLive    bool
	dvr        DVRSink
	dvrLive    bool
	forwarders []Forwarder
	exec       ExecSink
	execLive   bool
}

// NewHub creates an Hub with no collaborators attached; use SetHLS/SetDVR/
// AddForwarder/SetExec to wire them in per publish session.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger}
}

// attachKey labels this Hub's metrics with the owning LiveSource's stream
// key; called once from New, not exported since a Hub never changes which
// stream it belongs to after construction.
func (h *Hub) attachKey(key string) {
	h.mu.Lock()
	h.key = key
	h.mu.Unlock()
}

func (h *Hub) SetHLS(sink HLSSink) {
	h.mu.Lock()
	h.hls = sink
	h.hlsLive = sink != nil
	h.mu.Unlock()
}

func (h *Hub) SetDVR(sink DVRSink) {
	h.mu.Lock()
	h.dvr = sink
	h.dvrLive = sink != nil
	h.mu.Unlock()
}

func (h *Hub) SetExec(sink ExecSink) {
	h.mu.Lock()
	h.exec = sink
	h.execLive = sink != nil
	h.mu.Unlock()
}

func (h *Hub) AddForwarder(f Forwarder) {
	if f == nil {
		return
	}
	h.mu.Lock()
	h.forwarders = append(h.forwarders, f)
	h.mu.Unlock()
}

// snapshot copies the current collaborator set out from under the lock so
// dispatch never holds it across a downstream call (a slow DVR write must
// not stall a forwarder or HLS write).
type hubSnapshot struct {
	hls        HLSSink
	hlsLive    bool
	dvr        DVRSink
	dvrLive    bool
	forwarders []Forwarder
	exec       ExecSink
	execLive   bool
}

func (h *Hub) snapshot() hubSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return hubSnapshot{
		hls:        h.hls,
		hlsLive:    h.hlsLive,
		dvr:        h.dvr,
		dvrLive:    h.dvrLive,
		forwarders: append([]Forwarder(nil), h.forwarders...),
		exec:       h.exec,
		execLive:   h.execLive,
	}
}

func (h *Hub) deactivateHLS(cause error) {
	h.mu.Lock()
	h.hlsLive = false
	key := h.key
	h.mu.Unlock()
	metrics.HookFailures.WithLabelValues("hls").Inc()
	h.logger.Error("hls sink failed, deactivating for this publish session", "stream", key, "error", cause)
}

func (h *Hub) deactivateDVR(cause error) {
	h.mu.Lock()
	h.dvrLive = false
	key := h.key
	h.mu.Unlock()
	metrics.HookFailures.WithLabelValues("dvr").Inc()
	h.logger.Error("dvr sink failed, deactivating for this publish session", "stream", key, "error", cause)
}

func (h *Hub) deactivateExec(cause error) {
	h.mu.Lock()
	h.execLive = false
	key := h.key
	h.mu.Unlock()
	metrics.HookFailures.WithLabelValues("exec").Inc()
	h.logger.Error("exec sink failed, deactivating for this publish session", "stream", key, "error", cause)
}

// DispatchVideoSH forwards a new video sequence header to the live HLS
// sink only (DVR/forwarders/exec receive it through DispatchVideo like any
// other frame).
func (h *Hub) DispatchVideoSH(codec string, sh []byte) {
	snap := h.snapshot()
	if snap.hls != nil && snap.hlsLive {
		if err := snap.hls.SetVideoSH(codec, sh); err != nil {
			h.deactivateHLS(err)
		}
	}
}

// DispatchAudioSH is DispatchVideoSH's audio counterpart.
func (h *Hub) DispatchAudioSH(codec string, sh []byte) {
	snap := h.snapshot()
	if snap.hls != nil && snap.hlsLive {
		if err := snap.hls.SetAudioSH(codec, sh); err != nil {
			h.deactivateHLS(err)
		}
	}
}

// DispatchVideo/DispatchAudio fan a single frame out to every live
// collaborator. Each call is independently fallible: one collaborator's
// error never prevents the others from receiving the frame.
func (h *Hub) DispatchVideo(f frame.Frame) {
	snap := h.snapshot()
	if snap.hls != nil && snap.hlsLive {
		if err := snap.hls.WriteVideo(f); err != nil {
			h.deactivateHLS(err)
		}
	}
	h.dispatchCommon(snap, f)
}

func (h *Hub) DispatchAudio(f frame.Frame) {
	snap := h.snapshot()
	if snap.hls != nil && snap.hlsLive {
		if err := snap.hls.WriteAudio(f); err != nil {
			h.deactivateHLS(err)
		}
	}
	h.dispatchCommon(snap, f)
}

func (h *Hub) dispatchCommon(snap hubSnapshot, f frame.Frame) {
	if snap.dvr != nil && snap.dvrLive {
		if err := snap.dvr.WriteFrame(f); err != nil {
			h.deactivateDVR(err)
		}
	}
	for _, fw := range snap.forwarders {
		if err := fw.Forward(f); err != nil {
			metrics.HookFailures.WithLabelValues("forwarder").Inc()
			h.logger.Warn("forwarder failed", "stream", h.key, "error", err)
		}
	}
	if snap.exec != nil && snap.execLive {
		if err := snap.exec.OnFrame(f); err != nil {
			h.deactivateExec(err)
		}
	}
}

// Close tears down the HLS sink (flushing its trailing segment); DVR/
// forwarder/exec collaborators own their own lifecycle.
func (h *Hub) Close() {
	snap := h.snapshot()
	if snap.hls != nil {
		if err := snap.hls.Close(); err != nil {
			h.logger.Error("hls close failed", "error", err)
		}
	}
}
