package hls

import (
	"bytes"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/alxayo/go-rtmp/internal/core/frame"
)

// mpegtsClock is the fixed 90kHz clock every MPEG-TS PES timestamp is
// expressed in.
const mpegtsClock = 90000

func msToTS(ms int64) int64 { return ms * mpegtsClock / 1000 }

const (
	tsVideoPID = 0x0100
	tsAudioPID = 0x0101
)

// TSEncoder mints one self-contained MPEG-TS segment (its own PAT/PMT) per
// Open/Finalize cycle, grounded on jmylchreest-tvarr's TSMuxer wrapping of
// mediacommon's mpegts.Writer.
type TSEncoder struct {
	videoCodec string
	audioCodec string
	videoSPS   []byte
	videoPPS   []byte
	videoVPS   []byte // HEVC only
	audioCfg   mpeg4audio.AudioSpecificConfig

	buf        bytes.Buffer
	w          *mpegts.Writer
	videoTrack *mpegts.Track
	audioTrack *mpegts.Track
}

var _ Encoder = (*TSEncoder)(nil)

// NewTSEncoder creates an empty TS encoder; SetCodecs must be called once
// before the first Open.
func NewTSEncoder() *TSEncoder { return &TSEncoder{} }

func (e *TSEncoder) SetCodecs(videoCodec string, videoSH []byte, audioCodec string, audioSH []byte) error {
	e.videoCodec = videoCodec
	e.audioCodec = audioCodec

	switch videoCodec {
	case frame.CodecAVC:
		sps, pps, err := parseAVCDecoderConfig(videoSH)
		if err != nil {
			return fmt.Errorf("hls: ts encoder: %w", err)
		}
		e.videoSPS, e.videoPPS = sps, pps
	case frame.CodecHEVC:
		vps, sps, pps, err := parseHVCCConfig(videoSH)
		if err != nil {
			return fmt.Errorf("hls: ts encoder: %w", err)
		}
		e.videoVPS, e.videoSPS, e.videoPPS = vps, sps, pps
	case "":
		// audio-only stream; no video track.
	default:
		return fmt.Errorf("hls: ts encoder: unsupported video codec %q", videoCodec)
	}

	switch audioCodec {
	case frame.CodecAAC:
		if err := e.audioCfg.Unmarshal(audioSH); err != nil {
			return fmt.Errorf("hls: ts encoder: parse AudioSpecificConfig: %w", err)
		}
	case frame.CodecMP3, "":
		// MP3 carries no out-of-band config; nothing to parse.
	default:
		return fmt.Errorf("hls: ts encoder: unsupported audio codec %q", audioCodec)
	}
	return nil
}

func (e *TSEncoder) InitSegment() []byte { return nil }

func (e *TSEncoder) Open() error {
	e.buf.Reset()

	var tracks []*mpegts.Track
	if e.videoCodec != "" {
		var codec mpegts.Codec
		if e.videoCodec == frame.CodecHEVC {
			codec = &mpegts.CodecH265{}
		} else {
			codec = &mpegts.CodecH264{}
		}
		e.videoTrack = &mpegts.Track{PID: tsVideoPID, Codec: codec}
		tracks = append(tracks, e.videoTrack)
	}
	if e.audioCodec != "" {
		var codec mpegts.Codec
		if e.audioCodec == frame.CodecMP3 {
			codec = &mpegts.CodecMPEG1Audio{}
		} else {
			codec = &mpegts.CodecMPEG4Audio{Config: e.audioCfg}
		}
		e.audioTrack = &mpegts.Track{PID: tsAudioPID, Codec: codec}
		tracks = append(tracks, e.audioTrack)
	}

	e.w = &mpegts.Writer{W: &e.buf, Tracks: tracks}
	if err := e.w.Initialize(); err != nil {
		return fmt.Errorf("hls: ts encoder: initialize: %w", err)
	}
	if _, err := e.w.WriteTables(); err != nil {
		return fmt.Errorf("hls: ts encoder: write PAT/PMT: %w", err)
	}
	return nil
}

func (e *TSEncoder) WriteVideo(dtsMs int64, data []byte, keyframe bool) error {
	if e.videoTrack == nil {
		return fmt.Errorf("hls: ts encoder: write video with no video track open")
	}
	au := splitAVCC(data)
	if keyframe {
		if e.videoCodec == frame.CodecHEVC {
			au = append([][]byte{e.videoVPS, e.videoSPS, e.videoPPS}, au...)
		} else {
			au = append([][]byte{e.videoSPS, e.videoPPS}, au...)
		}
	}
	ts := msToTS(dtsMs)
	if e.videoCodec == frame.CodecHEVC {
		return e.w.WriteH265(e.videoTrack, ts, ts, au)
	}
	return e.w.WriteH264(e.videoTrack, ts, ts, au)
}

func (e *TSEncoder) WriteAudio(dtsMs int64, data []byte) error {
	if e.audioTrack == nil {
		return fmt.Errorf("hls: ts encoder: write audio with no audio track open")
	}
	ts := msToTS(dtsMs)
	if e.audioCodec == frame.CodecMP3 {
		return e.w.WriteMPEG1Audio(e.audioTrack, ts, [][]byte{data})
	}
	return e.w.WriteMPEG4Audio(e.audioTrack, ts, [][]byte{data})
}

func (e *TSEncoder) Finalize() ([]byte, error) {
	out := make([]byte, e.buf.Len())
	copy(out, e.buf.Bytes())
	return out, nil
}
