package frame

import (
	"fmt"

	"github.com/alxayo/go-rtmp/internal/rtmp/media"
)

// RTMP message type IDs the Format parser recognizes (FLV tag types).
const (
	TypeAudio    = 8
	TypeVideo    = 9
	TypeScriptAMF0 = 18
	TypeScriptAMF3 = 15
)

// Parsed carries the classification produced by Parse: codec, sequence
// header / keyframe flags, and the payload trimmed of codec-specific
// framing (AVCPacketType/AACPacketType bytes), ready to feed the GOP cache,
// metadata cache or an HLS encoder.
type Parsed struct {
	Kind             Kind
	Codec            string
	IsSequenceHeader bool
	IsKeyFrame       bool
	Payload          []byte
}

// ErrUnsupportedCodec is returned by Parse for codecs the core does not
// understand; callers drop the frame per spec.md §7 (codec-unsupported is
// non-fatal).
var ErrUnsupportedCodec = fmt.Errorf("frame: unsupported codec")

// Parse classifies a raw RTMP message payload (FLV tag body) by its message
// type ID. It is the "Format" collaborator spec.md §3/§4.D/§4.F refers to:
// the single place codec identity and sequence-header/keyframe status are
// derived from wire bytes.
func Parse(msgType uint8, payload []byte) (Parsed, error) {
	switch msgType {
	case TypeAudio:
		am, err := media.ParseAudioMessage(payload)
		if err != nil {
			return Parsed{}, fmt.Errorf("%w: %v", ErrUnsupportedCodec, err)
		}
		if am.Codec != media.AudioCodecAAC && am.Codec != media.AudioCodecMP3 {
			// Only AAC/MP3 accepted per spec.md §4.F step 2.
			return Parsed{}, fmt.Errorf("%w: audio codec %s", ErrUnsupportedCodec, am.Codec)
		}
		return Parsed{
			Kind:             KindAudio,
			Codec:            am.Codec,
			IsSequenceHeader: am.PacketType == media.AACPacketTypeSequenceHeader,
			Payload:          am.Payload,
		}, nil
	case TypeVideo:
		vm, err := media.ParseVideoMessage(payload)
		if err != nil {
			return Parsed{}, fmt.Errorf("%w: %v", ErrUnsupportedCodec, err)
		}
		if vm.Codec != media.VideoCodecAVC && vm.Codec != media.VideoCodecHEVC {
			return Parsed{}, fmt.Errorf("%w: video codec %s", ErrUnsupportedCodec, vm.Codec)
		}
		// vm.Payload still carries the 3-byte composition-time field ahead
		// of the AVCDecoderConfigurationRecord/NALU data (media.ParseVideoMessage
		// keeps it for transparent relay); the core needs the bare codec
		// payload, so strip it here rather than push that knowledge into
		// every Parse caller.
		if len(vm.Payload) < 3 {
			return Parsed{}, fmt.Errorf("%w: video packet truncated (need composition time)", ErrUnsupportedCodec)
		}
		return Parsed{
			Kind:             KindVideo,
			Codec:            vm.Codec,
			IsSequenceHeader: vm.PacketType == media.AVCPacketTypeSequenceHeader,
			IsKeyFrame:       vm.FrameType == media.VideoFrameTypeKey,
			Payload:          vm.Payload[3:],
		}, nil
	case TypeScriptAMF0, TypeScriptAMF3:
		return Parsed{Kind: KindMetadata, Payload: payload}, nil
	default:
		return Parsed{}, fmt.Errorf("%w: message type %d", ErrUnsupportedCodec, msgType)
	}
}

// NewFromMessage builds a Frame from a raw RTMP-style message, applying
// Parse to fill in Codec/IsSequenceHeader/IsKeyFrame. It is the bridge
// between the wire layer's message types and the core's transport-agnostic
// Frame; an RTSP or GB28181 ingester (out of scope here) would populate a
// Frame the same way from its own framing.
func NewFromMessage(msgType uint8, timestamp uint32, payload []byte) (Frame, error) {
	p, err := Parse(msgType, payload)
	if err != nil {
		return Frame{}, err
	}
	f := New(p.Kind, timestamp, p.Payload)
	f.Codec = p.Codec
	f.IsSequenceHeader = p.IsSequenceHeader
	f.IsKeyFrame = p.IsKeyFrame
	f.IsVideo = p.Kind == KindVideo
	f.IsAudio = p.Kind == KindAudio
	f.DTS = int64(timestamp)
	return f, nil
}
