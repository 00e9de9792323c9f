// Package metrics exposes Prometheus collectors for the live source fan-out
// and HLS segmenter — the teacher has no metrics of its own, so these are
// new (spec.md's component table names fan-out and segment reap/playlist
// rewrite as the core's busiest paths).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FramesFannedOut counts frames dispatched to consumers, labeled by
	// stream key and media kind (audio/video/metadata).
	FramesFannedOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtmp_source_frames_fanned_out_total",
		Help: "Total frames fanned out to consumers, by stream and kind",
	}, []string{"stream", "kind"})

	// ConsumersAttached tracks the number of consumers currently attached
	// to a live source.
	ConsumersAttached = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rtmp_source_consumers_attached",
		Help: "Number of consumers currently attached to a stream",
	}, []string{"stream"})

	// QueueShrinks counts per-consumer frame-queue shrink-on-overflow
	// events (spec.md §4.C).
	QueueShrinks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtmp_source_queue_shrinks_total",
		Help: "Total times a consumer's frame queue was shrunk on overflow",
	}, []string{"stream"})

	// SegmentsReaped counts HLS segments written, labeled by stream and
	// reason: "overflow" when the segment ran longer than the target
	// duration (max_td), otherwise "keyframe".
	SegmentsReaped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtmp_hls_segments_reaped_total",
		Help: "Total HLS segments reaped, by stream and reason",
	}, []string{"stream", "reason"})

	// SegmentsDropped counts segment writes abandoned due to I/O failure
	// (spec.md §7's segment-file I/O failure kind).
	SegmentsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtmp_hls_segments_dropped_total",
		Help: "Total HLS segments dropped due to write/rename failure",
	}, []string{"stream"})

	// PlaylistRewrites counts playlist.m3u8 rewrites.
	PlaylistRewrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtmp_hls_playlist_rewrites_total",
		Help: "Total playlist.m3u8 rewrites, by stream",
	}, []string{"stream"})

	// HookFailures counts best-effort collaborator dispatch failures
	// (HLS sink, DVR, exec, forwarder) that were logged and
	// swallowed per spec.md §7's propagation policy.
	HookFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtmp_hub_collaborator_failures_total",
		Help: "Total best-effort collaborator dispatch failures, by collaborator kind",
	}, []string{"collaborator"})

	// SegmentDuration observes each reaped segment's actual duration
	// against hls_fragment/hls_td_ratio's target.
	SegmentDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rtmp_hls_segment_duration_seconds",
		Help:    "Observed duration of reaped HLS segments",
		Buckets: []float64{1, 2, 4, 6, 8, 10, 15, 20, 30},
	}, []string{"stream"})
)

// Handler returns the HTTP handler the CLI mounts at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
