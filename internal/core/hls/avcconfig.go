package hls

import "fmt"

// parseAVCDecoderConfig splits an AVCDecoderConfigurationRecord (the payload
// of an RTMP AVC sequence header, ISO/IEC 14496-15 §5.2.4.1) into its SPS and
// PPS NAL units. mediacommon's mp4.CodecH264 wants the raw NAL unit bytes,
// not the wrapped record, so every HLS segment init needs this extracted
// once per publish session (or per sequence-header change).
func parseAVCDecoderConfig(b []byte) (sps, pps []byte, err error) {
	if len(b) < 6 {
		return nil, nil, fmt.Errorf("hls: avcC record too short (%d bytes)", len(b))
	}
	numSPS := int(b[5] & 0x1F)
	off := 6
	for i := 0; i < numSPS; i++ {
		if off+2 > len(b) {
			return nil, nil, fmt.Errorf("hls: avcC record truncated reading SPS length")
		}
		l := int(b[off])<<8 | int(b[off+1])
		off += 2
		if off+l > len(b) {
			return nil, nil, fmt.Errorf("hls: avcC record truncated reading SPS body")
		}
		if sps == nil {
			sps = b[off : off+l]
		}
		off += l
	}
	if off >= len(b) {
		return nil, nil, fmt.Errorf("hls: avcC record missing PPS count")
	}
	numPPS := int(b[off])
	off++
	for i := 0; i < numPPS; i++ {
		if off+2 > len(b) {
			return nil, nil, fmt.Errorf("hls: avcC record truncated reading PPS length")
		}
		l := int(b[off])<<8 | int(b[off+1])
		off += 2
		if off+l > len(b) {
			return nil, nil, fmt.Errorf("hls: avcC record truncated reading PPS body")
		}
		if pps == nil {
			pps = b[off : off+l]
		}
		off += l
	}
	if sps == nil || pps == nil {
		return nil, nil, fmt.Errorf("hls: avcC record missing SPS or PPS")
	}
	return sps, pps, nil
}

// hvccFixedHeaderLen is the size, in bytes, of an HEVCDecoderConfigurationRecord
// (ISO/IEC 14496-15 §8.3.3.1.2) before its numOfArrays byte.
const hvccFixedHeaderLen = 22

// parseHVCCConfig splits an HEVCDecoderConfigurationRecord into VPS, SPS and
// PPS NAL units (mp4.CodecH265 wants the same raw-NALU shape CodecH264 does).
func parseHVCCConfig(b []byte) (vps, sps, pps []byte, err error) {
	if len(b) < hvccFixedHeaderLen+1 {
		return nil, nil, nil, fmt.Errorf("hls: hvcC record too short (%d bytes)", len(b))
	}
	numArrays := int(b[hvccFixedHeaderLen])
	off := hvccFixedHeaderLen + 1
	for i := 0; i < numArrays; i++ {
		if off+3 > len(b) {
			return nil, nil, nil, fmt.Errorf("hls: hvcC record truncated reading array header")
		}
		naluType := b[off] & 0x3F
		numNalus := int(b[off+1])<<8 | int(b[off+2])
		off += 3
		for n := 0; n < numNalus; n++ {
			if off+2 > len(b) {
				return nil, nil, nil, fmt.Errorf("hls: hvcC record truncated reading NALU length")
			}
			l := int(b[off])<<8 | int(b[off+1])
			off += 2
			if off+l > len(b) {
				return nil, nil, nil, fmt.Errorf("hls: hvcC record truncated reading NALU body")
			}
			nalu := b[off : off+l]
			switch naluType {
			case 32: // VPS_NUT
				if vps == nil {
					vps = nalu
				}
			case 33: // SPS_NUT
				if sps == nil {
					sps = nalu
				}
			case 34: // PPS_NUT
				if pps == nil {
					pps = nalu
				}
			}
			off += l
		}
	}
	if vps == nil || sps == nil || pps == nil {
		return nil, nil, nil, fmt.Errorf("hls: hvcC record missing VPS/SPS/PPS")
	}
	return vps, sps, pps, nil
}
