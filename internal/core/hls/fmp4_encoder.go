package hls

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/alxayo/go-rtmp/internal/core/frame"
)

const (
	fmp4VideoTrackID = 1
	fmp4AudioTrackID = 2

	fmp4VideoTimeScale       = 90000
	fmp4DefaultVideoDuration = fmp4VideoTimeScale / 30
	fmp4DefaultAudioDuration = 1024
)

type fmp4TrackBuf struct {
	id        int
	timeScale uint32
	samples   []*fmp4.Sample
	dtsTS     []int64 // each sample's DTS in this track's timescale units
}

func (t *fmp4TrackBuf) reset() {
	t.samples = nil
	t.dtsTS = nil
}

// finalizeDurations fills in each buffered sample's Duration from the gap to
// the next sample (or a codec-appropriate default for the last one), the
// same scheme jmylchreest-tvarr's FMP4Muxer uses per-fragment.
func (t *fmp4TrackBuf) finalizeDurations(defaultDur uint32) {
	for i, s := range t.samples {
		if i+1 < len(t.dtsTS) {
			d := t.dtsTS[i+1] - t.dtsTS[i]
			if d > 0 {
				s.Duration = uint32(d)
				continue
			}
		}
		s.Duration = defaultDur
	}
}

// FMP4Encoder mints CMAF-style fMP4 segments: a one-shot init segment (ftyp
// + moov) followed by independent moof+mdat fragments, one per HLS segment
// file. Grounded on jmylchreest-tvarr's FMP4Muxer (fmp4.Init/fmp4.Part/
// fmp4.Sample, per-track BaseTime bookkeeping) and on
// other_examples/2636d386_babelcloud-gbox__...-fmp4_writer.go.go's
// seekablebuffer.Buffer marshal pattern.
type FMP4Encoder struct {
	videoCodec string
	audioCodec string

	videoMP4Codec mp4.Codec
	audioMP4Codec mp4.Codec
	audioTimeScale uint32

	video fmp4TrackBuf
	audio fmp4TrackBuf

	seq uint32
	init []byte
}

var _ Encoder = (*FMP4Encoder)(nil)

// NewFMP4Encoder creates an empty fMP4 encoder; SetCodecs must be called
// once before the first Open.
func NewFMP4Encoder() *FMP4Encoder {
	return &FMP4Encoder{
		video: fmp4TrackBuf{id: fmp4VideoTrackID, timeScale: fmp4VideoTimeScale},
		seq:   1,
	}
}

func (e *FMP4Encoder) SetCodecs(videoCodec string, videoSH []byte, audioCodec string, audioSH []byte) error {
	e.videoCodec = videoCodec
	e.audioCodec = audioCodec

	switch videoCodec {
	case frame.CodecAVC:
		sps, pps, err := parseAVCDecoderConfig(videoSH)
		if err != nil {
			return fmt.Errorf("hls: fmp4 encoder: %w", err)
		}
		e.videoMP4Codec = &mp4.CodecH264{SPS: sps, PPS: pps}
	case frame.CodecHEVC:
		vps, sps, pps, err := parseHVCCConfig(videoSH)
		if err != nil {
			return fmt.Errorf("hls: fmp4 encoder: %w", err)
		}
		e.videoMP4Codec = &mp4.CodecH265{VPS: vps, SPS: sps, PPS: pps}
	case "":
	default:
		return fmt.Errorf("hls: fmp4 encoder: unsupported video codec %q", videoCodec)
	}

	switch audioCodec {
	case frame.CodecAAC:
		var cfg mpeg4audio.AudioSpecificConfig
		if err := cfg.Unmarshal(audioSH); err != nil {
			return fmt.Errorf("hls: fmp4 encoder: parse AudioSpecificConfig: %w", err)
		}
		e.audioMP4Codec = &mp4.CodecMPEG4Audio{Config: cfg}
		e.audioTimeScale = uint32(cfg.SampleRate)
		e.audio = fmp4TrackBuf{id: fmp4AudioTrackID, timeScale: e.audioTimeScale}
	case "":
	default:
		// fMP4/CMAF has no standardized MP3-in-ISOBMFF sample entry in the
		// examples this module draws on; MP3 publishers must use the TS
		// variant.
		return fmt.Errorf("hls: fmp4 encoder: unsupported audio codec %q for fMP4", audioCodec)
	}
	return nil
}

func (e *FMP4Encoder) InitSegment() []byte { return e.init }

// buildInit marshals the ftyp+moov init segment from the codecs SetCodecs
// recorded. Open calls it once, while no init segment is cached; a later
// SetCodecs does not rebuild the cached bytes.
func (e *FMP4Encoder) buildInit() error {
	init := &fmp4.Init{}
	if e.videoMP4Codec != nil {
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        e.video.id,
			TimeScale: e.video.timeScale,
			Codec:     e.videoMP4Codec,
		})
	}
	if e.audioMP4Codec != nil {
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        e.audio.id,
			TimeScale: e.audio.timeScale,
			Codec:     e.audioMP4Codec,
		})
	}
	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return fmt.Errorf("hls: fmp4 encoder: marshal init: %w", err)
	}
	e.init = buf.Bytes()
	return nil
}

func (e *FMP4Encoder) Open() error {
	if e.init == nil {
		if err := e.buildInit(); err != nil {
			return err
		}
	}
	e.video.reset()
	e.audio.reset()
	return nil
}

func scaleMsToTimescale(ms int64, timeScale uint32) int64 {
	return ms * int64(timeScale) / 1000
}

func (e *FMP4Encoder) WriteVideo(dtsMs int64, data []byte, keyframe bool) error {
	if e.videoMP4Codec == nil {
		return fmt.Errorf("hls: fmp4 encoder: write video with no video track open")
	}
	au := splitAVCC(data)
	sample := &fmp4.Sample{IsNonSyncSample: !keyframe}
	var err error
	if e.videoCodec == frame.CodecHEVC {
		err = sample.FillH265(0, au)
	} else {
		err = sample.FillH264(0, au)
	}
	if err != nil {
		return fmt.Errorf("hls: fmp4 encoder: fill video sample: %w", err)
	}
	ts := scaleMsToTimescale(dtsMs, e.video.timeScale)
	e.video.samples = append(e.video.samples, sample)
	e.video.dtsTS = append(e.video.dtsTS, ts)
	return nil
}

func (e *FMP4Encoder) WriteAudio(dtsMs int64, data []byte) error {
	if e.audioMP4Codec == nil {
		return fmt.Errorf("hls: fmp4 encoder: write audio with no audio track open")
	}
	sample := &fmp4.Sample{Payload: data}
	ts := scaleMsToTimescale(dtsMs, e.audio.timeScale)
	e.audio.samples = append(e.audio.samples, sample)
	e.audio.dtsTS = append(e.audio.dtsTS, ts)
	return nil
}

func (e *FMP4Encoder) Finalize() ([]byte, error) {
	e.video.finalizeDurations(fmp4DefaultVideoDuration)
	e.audio.finalizeDurations(fmp4DefaultAudioDuration)

	part := &fmp4.Part{SequenceNumber: e.seq}
	if len(e.video.samples) > 0 {
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       e.video.id,
			BaseTime: uint64(e.video.dtsTS[0]),
			Samples:  e.video.samples,
		})
	}
	if len(e.audio.samples) > 0 {
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       e.audio.id,
			BaseTime: uint64(e.audio.dtsTS[0]),
			Samples:  e.audio.samples,
		})
	}
	e.seq++

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return nil, fmt.Errorf("hls: fmp4 encoder: marshal part: %w", err)
	}
	return buf.Bytes(), nil
}
