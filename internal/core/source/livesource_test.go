package source

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alxayo/go-rtmp/internal/core/frame"
	"github.com/alxayo/go-rtmp/internal/core/jitter"
	"github.com/alxayo/go-rtmp/internal/rtmp/amf"
)

func lsVideoSH(ts uint32) frame.Frame {
	f := frame.New(frame.KindVideo, ts, []byte{0xAA, 0xBB})
	f.IsVideo = true
	f.IsSequenceHeader = true
	f.Codec = frame.CodecAVC
	f.DTS = int64(ts)
	return f
}

func lsAudioSH(ts uint32) frame.Frame {
	f := frame.New(frame.KindAudio, ts, []byte{0xCC})
	f.IsAudio = true
	f.IsSequenceHeader = true
	f.Codec = frame.CodecAAC
	f.DTS = int64(ts)
	return f
}

func lsKeyframe(ts uint32) frame.Frame {
	f := frame.New(frame.KindVideo, ts, []byte{0x01, 0x02, 0x03})
	f.IsVideo = true
	f.IsKeyFrame = true
	f.Codec = frame.CodecAVC
	f.DTS = int64(ts)
	return f
}

func newTestLiveSource(cfg Config) *LiveSource {
	if cfg.QueueLength == 0 {
		cfg.QueueLength = time.Minute
	}
	return New("live/test", cfg, NewHub(nil), nil)
}

func TestPublishIsExclusiveUntilUnpublish(t *testing.T) {
	s := newTestLiveSource(Config{})

	require.NoError(t, s.Publish(PublishRequest{Stream: "test"}))
	require.ErrorIs(t, s.Publish(PublishRequest{Stream: "test"}), ErrAlreadyPublishing)

	s.Unpublish()
	require.NoError(t, s.Publish(PublishRequest{Stream: "test"}), "publish must succeed again once the prior publisher left")
}

func TestMediaRejectedWithoutAnActivePublisher(t *testing.T) {
	s := newTestLiveSource(Config{})
	require.ErrorIs(t, s.OnVideo(lsKeyframe(0)), ErrNotPublishing)
	require.ErrorIs(t, s.OnAudio(lsAudioSH(0)), ErrNotPublishing)
}

func TestCreateConsumerIsPrimedWithSequenceHeadersAndGopCache(t *testing.T) {
	s := newTestLiveSource(Config{GopCacheEnabled: true, JitterMode: jitter.Disabled})
	require.NoError(t, s.Publish(PublishRequest{Stream: "test"}))

	require.NoError(t, s.OnVideo(lsVideoSH(0)))
	require.NoError(t, s.OnAudio(lsAudioSH(0)))
	require.NoError(t, s.OnVideo(lsKeyframe(40)))

	c := s.CreateConsumer()
	defer s.RemoveConsumer(c)

	out := c.DumpPackets(10)
	require.Len(t, out, 3, "expect audio SH, video SH, then the cached keyframe")
	require.True(t, out[0].IsSequenceHeader && out[0].IsAudio)
	require.True(t, out[1].IsSequenceHeader && out[1].IsVideo)
	require.True(t, out[2].IsKeyFrame)
	for _, f := range out {
		f.Release()
	}
}

func TestReduceSequenceHeaderDropsDuplicateResendFromFanOut(t *testing.T) {
	s := newTestLiveSource(Config{ReduceSequenceHeader: true, JitterMode: jitter.Disabled})
	require.NoError(t, s.Publish(PublishRequest{Stream: "test"}))

	c := s.CreateConsumer()
	defer s.RemoveConsumer(c)

	require.NoError(t, s.OnVideo(lsVideoSH(0)))
	first := c.DumpPackets(10)
	require.Len(t, first, 1)
	for _, f := range first {
		f.Release()
	}

	// Identical sequence header resent verbatim must not reach the consumer
	// a second time.
	require.NoError(t, s.OnVideo(lsVideoSH(0)))
	second := c.DumpPackets(10)
	require.Len(t, second, 0, "a duplicate sequence header resend must be dropped from fan-out")
}

func TestSequenceHeaderChangeIsForwardedNotDropped(t *testing.T) {
	s := newTestLiveSource(Config{ReduceSequenceHeader: true, JitterMode: jitter.Disabled})
	require.NoError(t, s.Publish(PublishRequest{Stream: "test"}))

	c := s.CreateConsumer()
	defer s.RemoveConsumer(c)

	require.NoError(t, s.OnVideo(lsVideoSH(0)))
	out1 := c.DumpPackets(10)
	require.Len(t, out1, 1)
	for _, f := range out1 {
		f.Release()
	}

	changed := frame.New(frame.KindVideo, 40, []byte{0xDE, 0xAD})
	changed.IsVideo = true
	changed.IsSequenceHeader = true
	changed.Codec = frame.CodecAVC
	changed.DTS = 40
	require.NoError(t, s.OnVideo(changed))

	out2 := c.DumpPackets(10)
	require.Len(t, out2, 1, "a genuinely different sequence header must still reach the consumer")
	for _, f := range out2 {
		f.Release()
	}
}

func TestOnMetadataSanitizesDurationAndStampsServerIdentity(t *testing.T) {
	s := newTestLiveSource(Config{})
	require.NoError(t, s.Publish(PublishRequest{Stream: "test"}))

	c := s.CreateConsumer()
	defer s.RemoveConsumer(c)

	payload, err := amf.EncodeAll("onMetaData", map[string]interface{}{
		"duration": 12.5,
		"width":    1920.0,
	})
	require.NoError(t, err)
	meta := frame.New(frame.KindMetadata, 0, payload)

	require.NoError(t, s.OnMetadata(meta))

	out := c.DumpPackets(10)
	require.Len(t, out, 1)
	defer out[0].Release()

	values, err := amf.DecodeAll(out[0].Bytes())
	require.NoError(t, err)
	require.Len(t, values, 2)
	obj, ok := values[1].(map[string]interface{})
	require.True(t, ok)
	require.NotContains(t, obj, "duration")
	require.Equal(t, "go-rtmp", obj["server"])
	require.Equal(t, 1920.0, obj["width"])

	cached := s.meta.Data()
	require.False(t, cached.Empty(), "sanitized metadata must be cached for late consumers")
}

func TestUnpublishClosesHLSSinkAndAllowsRepublish(t *testing.T) {
	h := NewHub(nil)
	hls := &fakeHLSSink{}
	h.SetHLS(hls)
	s := New("live/test", Config{}, h, nil)

	require.NoError(t, s.Publish(PublishRequest{Stream: "test"}))
	s.Unpublish()
	require.True(t, hls.closed)
	require.False(t, s.Publishing())
}
