package source

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alxayo/go-rtmp/internal/core/frame"
	"github.com/alxayo/go-rtmp/internal/rtmp/chunk"
)

type fakeUpstreamClient struct {
	connected  bool
	published  bool
	played     bool
	closed     bool
	audioSends [][]byte
	videoSends [][]byte

	messages []*chunk.Message
	readErr  error
}

func (c *fakeUpstreamClient) Connect() error { c.connected = true; return nil }
func (c *fakeUpstreamClient) Publish() error { c.published = true; return nil }
func (c *fakeUpstreamClient) Play() error    { c.played = true; return nil }
func (c *fakeUpstreamClient) SendAudio(ts uint32, payload []byte) error {
	c.audioSends = append(c.audioSends, payload)
	return nil
}
func (c *fakeUpstreamClient) SendVideo(ts uint32, payload []byte) error {
	c.videoSends = append(c.videoSends, payload)
	return nil
}
func (c *fakeUpstreamClient) ReadMessage() (*chunk.Message, error) {
	if len(c.messages) == 0 {
		if c.readErr != nil {
			return nil, c.readErr
		}
		return nil, io.EOF
	}
	m := c.messages[0]
	c.messages = c.messages[1:]
	return m, nil
}
func (c *fakeUpstreamClient) Close() error { c.closed = true; return nil }

func TestPublishEdgeForwarderRelaysOnlyAudioAndVideo(t *testing.T) {
	fake := &fakeUpstreamClient{}
	factory := func(url string) (UpstreamClient, error) { return fake, nil }

	p := NewPublishEdgeForwarder("rtmp://origin/live/test", factory, nil)
	require.NoError(t, p.Connect())
	require.True(t, fake.connected)
	require.True(t, fake.published)

	v := frame.New(frame.KindVideo, 0, []byte{0x01})
	v.IsVideo = true
	require.NoError(t, p.Forward(v))
	v.Release()

	a := frame.New(frame.KindAudio, 0, []byte{0x02})
	a.IsAudio = true
	require.NoError(t, p.Forward(a))
	a.Release()

	m := frame.New(frame.KindMetadata, 0, []byte{0x03})
	require.NoError(t, p.Forward(m))
	m.Release()

	require.Len(t, fake.videoSends, 1)
	require.Len(t, fake.audioSends, 1)

	require.NoError(t, p.Close())
	require.True(t, fake.closed)
}

func TestPublishEdgeForwarderRequiresConnectBeforeForward(t *testing.T) {
	p := NewPublishEdgeForwarder("rtmp://origin/live/test", nil, nil)
	f := frame.New(frame.KindVideo, 0, []byte{0x01})
	f.IsVideo = true
	defer f.Release()
	require.Error(t, p.Forward(f))
}

func videoSHMessage(ts uint32) *chunk.Message {
	return &chunk.Message{TypeID: frame.TypeVideo, Timestamp: ts, Payload: []byte{0x17, 0x00, 0x00, 0x00, 0x00, 0x01, 0x42}}
}

func videoKeyFrameMessage(ts uint32) *chunk.Message {
	return &chunk.Message{TypeID: frame.TypeVideo, Timestamp: ts, Payload: []byte{0x17, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x65}}
}

func audioSHMessage(ts uint32) *chunk.Message {
	return &chunk.Message{TypeID: frame.TypeAudio, Timestamp: ts, Payload: []byte{0xAF, 0x00, 0x11, 0x90}}
}

func TestPlayEdgePullsFramesIntoLocalLiveSource(t *testing.T) {
	fake := &fakeUpstreamClient{
		messages: []*chunk.Message{videoSHMessage(0), audioSHMessage(0), videoKeyFrameMessage(40)},
	}
	factory := func(url string) (UpstreamClient, error) { return fake, nil }

	dst := newTestLiveSource(Config{GopCacheEnabled: true})
	e := NewPlayEdge("rtmp://origin/live/test", factory, dst, nil)

	require.NoError(t, e.Start())

	select {
	case <-e.done:
	case <-time.After(time.Second):
		t.Fatalf("play edge pull loop never finished after the fake ran out of messages")
	}

	require.True(t, fake.played)
	require.False(t, dst.Publishing(), "pull loop must unpublish once the upstream connection ends")

	c := dst.CreateConsumer()
	defer dst.RemoveConsumer(c)
	out := c.DumpPackets(10)
	require.NotEmpty(t, out, "frames pulled from upstream should have populated the gop/metadata caches")
	for _, f := range out {
		f.Release()
	}
}

func TestPlayEdgeStopCancelsPullLoop(t *testing.T) {
	fake := &fakeUpstreamClient{readErr: errors.New("connection blocked")}
	// Never returns without an explicit Stop: simulate by having ReadMessage
	// block until Close is observed isn't available on the fake, so this
	// test only exercises the case where Stop is called before any message
	// arrives.
	factory := func(url string) (UpstreamClient, error) { return fake, nil }
	dst := newTestLiveSource(Config{})
	e := NewPlayEdge("rtmp://origin/live/test", factory, dst, nil)

	require.NoError(t, e.Start())
	e.Stop()
	require.True(t, fake.closed)
}
