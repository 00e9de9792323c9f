package source

import (
	"github.com/alxayo/go-rtmp/internal/core/frame"
	"github.com/alxayo/go-rtmp/internal/rtmp/amf"
)

// serverIdentity is stamped into every sanitized on-metadata object's
// "server" field (spec.md §4.F: "add server/version identity").
const serverIdentity = "go-rtmp"

// rewriteMetadataFrame applies the on_metadata sanitization spec.md §4.F
// describes: drop "duration" (a VOD-only field a live publisher should
// never set) and stamp server identity. on-metadata payloads conventionally
// use the AMF0 ECMA Array marker (0x08), which this codec does not decode
// (spec.md's AMF0 surface only needed Object/Strict Array for command
// messages); rather than teach the whole codec a marker only this one
// caller needs, best-effort decode here and forward the frame unchanged on
// any failure — consistent with treating a malformed or unrecognized
// on-metadata payload as non-fatal everywhere else in the core.
func rewriteMetadataFrame(f frame.Frame) frame.Frame {
	values, err := amf.DecodeAll(f.Bytes())
	if err != nil || len(values) == 0 {
		return f.Retain()
	}

	obj, ok := values[len(values)-1].(map[string]interface{})
	if !ok {
		return f.Retain()
	}

	sanitized := make(map[string]interface{}, len(obj))
	for k, v := range obj {
		if k == "duration" {
			continue
		}
		sanitized[k] = v
	}
	sanitized["server"] = serverIdentity

	rebuilt := append(append([]interface{}{}, values[:len(values)-1]...), sanitized)
	encoded, err := amf.EncodeAll(rebuilt...)
	if err != nil {
		return f.Retain()
	}

	out := frame.New(frame.KindMetadata, f.Timestamp, encoded)
	out.DTS = f.DTS
	return out
}
