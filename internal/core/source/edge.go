package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alxayo/go-rtmp/internal/core/frame"
	"github.com/alxayo/go-rtmp/internal/rtmp/chunk"
)

// edge mode (spec.md §4.F): a vhost configured as an edge has no publisher
// of its own. A publish arriving at an edge is relayed upstream to the
// origin (PublishEdge); a play request for a stream with no local
// publisher triggers a pull from the origin to populate local fan-out
// (PlayEdge), after which ordinary Consumers attach exactly as they would
// to a locally published stream.

// UpstreamClient is the subset of client.Client an edge needs to publish
// to, or play from, an origin. Defined narrowly here (rather than
// importing the concrete type) so edge.go can be unit-tested against a
// fake without dialing real TCP.
type UpstreamClient interface {
	Connect() error
	Publish() error
	Play() error
	SendAudio(ts uint32, payload []byte) error
	SendVideo(ts uint32, payload []byte) error
	ReadMessage() (*chunk.Message, error)
	Close() error
}

// UpstreamClientFactory dials a new client for the given rtmp:// URL,
// matching relay.RTMPClientFactory's shape so the same client.New
// constructor backs both relay destinations and edge origins.
type UpstreamClientFactory func(url string) (UpstreamClient, error)

// PublishEdgeForwarder relays a locally-published stream's audio/video
// frames to an upstream origin server, implemented as a Forwarder so the
// Hub can dispatch to it exactly like any other collaborator (spec.md
// §4.F: "the source delegates publish to a PublishEdge").
//
// Grounded on relay.Destination's connect/send/status lifecycle — an
// edge's upstream publish is the same shape as a forwarder's relay
// destination, just with an edge-specific origin URL instead of a
// multistream fan-out target.
type PublishEdgeForwarder struct {
	url     string
	factory UpstreamClientFactory
	logger  *slog.Logger

	client    UpstreamClient
	connected bool
}

// NewPublishEdgeForwarder creates a forwarder for the given origin URL.
// Connect must be called before Forward will succeed.
func NewPublishEdgeForwarder(originURL string, factory UpstreamClientFactory, logger *slog.Logger) *PublishEdgeForwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &PublishEdgeForwarder{url: originURL, factory: factory, logger: logger.With("origin", originURL)}
}

// Connect dials the origin and starts a publish session.
func (p *PublishEdgeForwarder) Connect() error {
	c, err := p.factory(p.url)
	if err != nil {
		return fmt.Errorf("source: dial publish edge origin: %w", err)
	}
	if err := c.Connect(); err != nil {
		return fmt.Errorf("source: publish edge handshake: %w", err)
	}
	if err := c.Publish(); err != nil {
		_ = c.Close()
		return fmt.Errorf("source: publish edge publish command: %w", err)
	}
	p.client = c
	p.connected = true
	return nil
}

// Forward implements Forwarder: relays f upstream. Video and audio are
// the only message types an origin accepts for a republish; metadata
// frames are not forwarded (the origin synthesizes its own).
func (p *PublishEdgeForwarder) Forward(f frame.Frame) error {
	if !p.connected {
		return errors.New("source: publish edge not connected")
	}
	switch f.Kind {
	case frame.KindAudio:
		return p.client.SendAudio(uint32(f.DTS), f.Bytes())
	case frame.KindVideo:
		return p.client.SendVideo(uint32(f.DTS), f.Bytes())
	default:
		return nil
	}
}

// Close ends the upstream publish session.
func (p *PublishEdgeForwarder) Close() error {
	if !p.connected {
		return nil
	}
	p.connected = false
	return p.client.Close()
}

// PlayEdge pulls a stream from an upstream origin and feeds it into a
// LiveSource's on_audio/on_video/on_metadata path, so that the edge's own
// Consumers see the same fan-out a locally published stream would get
// (spec.md §4.F: "PlayEdge originates a pull from an upstream origin to
// populate the local fan-out").
type PlayEdge struct {
	url     string
	factory UpstreamClientFactory
	logger  *slog.Logger
	dst     *LiveSource

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPlayEdge creates a puller that will feed frames into dst once Start
// is called.
func NewPlayEdge(originURL string, factory UpstreamClientFactory, dst *LiveSource, logger *slog.Logger) *PlayEdge {
	if logger == nil {
		logger = slog.Default()
	}
	return &PlayEdge{url: originURL, factory: factory, dst: dst, logger: logger.With("origin", originURL, "stream", dst.Key())}
}

// Start dials the origin, issues play, and runs the pull loop in its own
// goroutine until Stop is called or the connection fails.
func (p *PlayEdge) Start() error {
	c, err := p.factory(p.url)
	if err != nil {
		return fmt.Errorf("source: dial play edge origin: %w", err)
	}
	if err := c.Connect(); err != nil {
		return fmt.Errorf("source: play edge handshake: %w", err)
	}
	if err := c.Play(); err != nil {
		_ = c.Close()
		return fmt.Errorf("source: play edge play command: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.pullLoop(ctx, c)
	return nil
}

func (p *PlayEdge) pullLoop(ctx context.Context, c UpstreamClient) {
	defer close(p.done)
	defer c.Close()

	if err := p.dst.Publish(PublishRequest{ClientID: "edge:" + p.url}); err != nil {
		p.logger.Error("play edge could not claim local publisher slot", "error", err)
		return
	}
	defer p.dst.Unpublish()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := c.ReadMessage()
		if err != nil {
			p.logger.Warn("play edge upstream read failed, stopping pull", "error", err)
			return
		}

		f, err := frame.NewFromMessage(msg.TypeID, msg.Timestamp, msg.Payload)
		if err != nil {
			// Unsupported codec or non-media message (command/control):
			// drop and keep pulling, matching the non-fatal codec-drop
			// policy on_audio/on_video already apply to local publishers.
			continue
		}

		switch f.Kind {
		case frame.KindAudio:
			err = p.dst.OnAudio(f)
		case frame.KindVideo:
			err = p.dst.OnVideo(f)
		case frame.KindMetadata:
			err = p.dst.OnMetadata(f)
		default:
			f.Release()
		}
		if err != nil {
			p.logger.Warn("play edge frame rejected by local source", "error", err)
		}
	}
}

// Stop cancels the pull loop and waits for it to exit.
func (p *PlayEdge) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}
