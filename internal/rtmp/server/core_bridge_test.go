package server

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alxayo/go-rtmp/internal/core/vhost"
	rtmpclient "github.com/alxayo/go-rtmp/internal/rtmp/client"
)

// buildAVCDecoderConfig assembles a minimal AVCDecoderConfigurationRecord
// wrapping one SPS and one PPS NAL unit (ISO/IEC 14496-15 §5.2.4.1); the
// surrounding bytes (profile/level/lengthSize) are never inspected by
// parseAVCDecoderConfig, so arbitrary placeholders are fine.
func buildAVCDecoderConfig(sps, pps []byte) []byte {
	b := []byte{0x01, 0x42, 0x00, 0x1E, 0xFF, 0xE1}
	b = append(b, byte(len(sps)>>8), byte(len(sps)))
	b = append(b, sps...)
	b = append(b, 0x01)
	b = append(b, byte(len(pps)>>8), byte(len(pps)))
	b = append(b, pps...)
	return b
}

// buildVideoTag assembles an RTMP video message payload (type 9): the
// VideoHeader byte, AVCPacketType byte, 3-byte composition time (left at
// zero) and the AVC body (either the decoder config or a length-prefixed
// NALU stream).
func buildVideoTag(keyframe bool, packetType byte, body []byte) []byte {
	frameType := byte(0x02)
	if keyframe {
		frameType = 0x01
	}
	header := frameType<<4 | 0x07 // codecID 7 == AVC
	tag := []byte{header, packetType, 0x00, 0x00, 0x00}
	return append(tag, body...)
}

// lengthPrefixedNALU wraps a raw NAL unit in the uint32BE-length-prefixed
// AVCC form splitAVCC expects.
func lengthPrefixedNALU(nalu []byte) []byte {
	l := len(nalu)
	out := []byte{byte(l >> 24), byte(l >> 16), byte(l >> 8), byte(l)}
	return append(out, nalu...)
}

// TestPublishDrivesHLSSegmentToDisk is the end-to-end proof that a real
// RTMP publish is fed through the Live Source engine into a real HLS
// segmenter: connect, createStream and publish over an actual TCP
// connection, send an AVC sequence header plus two keyframes spaced past
// the fragment target, and confirm a .ts segment lands on disk.
func TestPublishDrivesHLSSegmentToDisk(t *testing.T) {
	hlsRoot := t.TempDir()

	vf := &vhost.File{Default: vhost.Defaults()}
	vf.Default.HLSPath = hlsRoot
	vf.Default.HLSFragment = "100ms"
	vf.Default.HLSTDRatio = 1.0
	f := false
	vf.Default.HLSCleanup = &f
	vf.Default.HLSWaitKeyframe = &f

	s := New(Config{ListenAddr: ":0", VhostFile: vf})
	if err := s.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()

	addr := s.Addr().String()
	url := fmt.Sprintf("rtmp://%s/live/teststream", addr)
	c, err := rtmpclient.New(url)
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	defer c.Close()

	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Publish(); err != nil {
		t.Fatalf("publish: %v", err)
	}
	// Publish is fire-and-forget on the wire; give the server a moment to
	// process the command and start the core session before media arrives.
	time.Sleep(100 * time.Millisecond)

	sps := []byte{0x67, 0x42, 0x00, 0x1E, 0x8D, 0x68}
	pps := []byte{0x68, 0xCE, 0x3C, 0x80}
	seqHeader := buildVideoTag(true, 0x00, buildAVCDecoderConfig(sps, pps))
	if err := c.SendVideo(0, seqHeader); err != nil {
		t.Fatalf("send sequence header: %v", err)
	}

	keyNALU := lengthPrefixedNALU([]byte{0x65, 0x88, 0x84, 0x00})
	if err := c.SendVideo(0, buildVideoTag(true, 0x01, keyNALU)); err != nil {
		t.Fatalf("send keyframe 0: %v", err)
	}
	// Past the 100ms fragment target (TDRatio 1.0), this frame's arrival
	// triggers the reap of the first segment.
	if err := c.SendVideo(150, buildVideoTag(true, 0x01, keyNALU)); err != nil {
		t.Fatalf("send keyframe 1: %v", err)
	}

	var matches []string
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		matches, _ = filepath.Glob(filepath.Join(hlsRoot, "live", "teststream", "*.ts"))
		if len(matches) > 0 {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	if len(matches) == 0 {
		t.Fatalf("expected at least one .ts segment under %s, found none", hlsRoot)
	}
	info, err := os.Stat(matches[0])
	if err != nil {
		t.Fatalf("stat segment: %v", err)
	}
	if info.Size() == 0 {
		t.Fatalf("segment file %s is empty", matches[0])
	}
}
