// Package vhost loads the per-vhost configuration table (spec.md §6) from
// YAML and translates it into the Config structs the HLS segmenter and the
// Live Source actually consume.
package vhost

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alxayo/go-rtmp/internal/core/hls"
	"github.com/alxayo/go-rtmp/internal/core/jitter"
	"github.com/alxayo/go-rtmp/internal/core/source"
)

// File is the top-level YAML document: a named set of vhosts plus the one
// applied to any stream key that doesn't match a more specific entry.
type File struct {
	Default Options            `yaml:"default"`
	Vhosts  map[string]Options `yaml:"vhosts,omitempty"`
}

// Options is a single vhost's section of spec.md §6's option table. Every
// field has a `FileConfig`-style YAML tag; zero values fall back to
// Defaults() so a vhost section only needs to list what it overrides.
type Options struct {
	HLSPath       string `yaml:"hls_path,omitempty"`
	HLSFragment   string `yaml:"hls_fragment,omitempty"`   // duration string, e.g. "10s"
	HLSTDRatio    float64 `yaml:"hls_td_ratio,omitempty"`
	HLSAofRatio   float64 `yaml:"hls_aof_ratio,omitempty"`
	HLSWindow     string `yaml:"hls_window,omitempty"` // duration string
	HLSTSFloor    *bool  `yaml:"hls_ts_floor,omitempty"`
	HLSCleanup    *bool  `yaml:"hls_cleanup,omitempty"`
	HLSWaitKeyframe *bool `yaml:"hls_wait_keyframe,omitempty"`

	HLSKeys            *bool  `yaml:"hls_keys,omitempty"`
	HLSFragmentsPerKey int    `yaml:"hls_fragments_per_key,omitempty"`
	HLSKeyFile         string `yaml:"hls_key_file,omitempty"`
	HLSKeyFilePath     string `yaml:"hls_key_file_path,omitempty"`
	HLSKeyURL          string `yaml:"hls_key_url,omitempty"`

	HLSDispose string `yaml:"hls_dispose,omitempty"` // duration string
	HLSUseFMP4 *bool  `yaml:"hls_use_fmp4,omitempty"`

	GopCache          *bool `yaml:"gop_cache,omitempty"`
	GopCacheMaxFrames int   `yaml:"gop_cache_max_frames,omitempty"`

	QueueLength string `yaml:"queue_length,omitempty"` // duration string

	TimeJitter string `yaml:"time_jitter,omitempty"` // off|zero|full|"" (default)
	MixCorrect *bool  `yaml:"mix_correct,omitempty"`

	ATC     *bool `yaml:"atc,omitempty"`
	ATCAuto *bool `yaml:"atc_auto,omitempty"`

	ReduceSequenceHeader *bool `yaml:"reduce_sequence_header,omitempty"`
	ParseSPS             *bool `yaml:"parse_sps,omitempty"`
}

// Defaults returns the option set applied when a vhost's YAML is empty or
// absent, chosen to match the behavior spec.md's Design Notes describe as
// the uncontroversial default for each knob.
func Defaults() Options {
	t := true
	return Options{
		HLSPath:            "./hls",
		HLSFragment:        "10s",
		HLSTDRatio:         1.5,
		HLSAofRatio:        2.0,
		HLSWindow:          "60s",
		HLSTSFloor:         boolPtr(false),
		HLSCleanup:         &t,
		HLSWaitKeyframe:    &t,
		HLSKeys:            boolPtr(false),
		HLSFragmentsPerKey: 5,
		HLSKeyFile:         "[seq].key",
		HLSKeyFilePath:     "./hls",
		HLSDispose:         "30s",
		HLSUseFMP4:         boolPtr(false),
		GopCache:           &t,
		GopCacheMaxFrames:  0, // unbounded
		QueueLength:        "2s",
		TimeJitter:         "full",
		MixCorrect:         boolPtr(false),
		ATC:                boolPtr(false),
		ATCAuto:            boolPtr(false),
		ReduceSequenceHeader: boolPtr(false),
		ParseSPS:             &t,
	}
}

func boolPtr(b bool) *bool { return &b }

// Load reads and parses a vhost YAML file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vhost: read config %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("vhost: parse config %s: %w", path, err)
	}
	return &f, nil
}

// For resolves the effective Options for a given vhost name, layering
// Defaults() under File.Default under the named vhost's own section (later
// layers win field-by-field, following the "only override what differs"
// convention FileConfig-style YAML configs use).
func (f *File) For(vhostName string) Options {
	opts := Defaults()
	opts = merge(opts, f.Default)
	if vh, ok := f.Vhosts[vhostName]; ok {
		opts = merge(opts, vh)
	}
	return opts
}

// merge overlays non-zero fields of override onto base.
func merge(base, override Options) Options {
	if override.HLSPath != "" {
		base.HLSPath = override.HLSPath
	}
	if override.HLSFragment != "" {
		base.HLSFragment = override.HLSFragment
	}
	if override.HLSTDRatio != 0 {
		base.HLSTDRatio = override.HLSTDRatio
	}
	if override.HLSAofRatio != 0 {
		base.HLSAofRatio = override.HLSAofRatio
	}
	if override.HLSWindow != "" {
		base.HLSWindow = override.HLSWindow
	}
	if override.HLSTSFloor != nil {
		base.HLSTSFloor = override.HLSTSFloor
	}
	if override.HLSCleanup != nil {
		base.HLSCleanup = override.HLSCleanup
	}
	if override.HLSWaitKeyframe != nil {
		base.HLSWaitKeyframe = override.HLSWaitKeyframe
	}
	if override.HLSKeys != nil {
		base.HLSKeys = override.HLSKeys
	}
	if override.HLSFragmentsPerKey != 0 {
		base.HLSFragmentsPerKey = override.HLSFragmentsPerKey
	}
	if override.HLSKeyFile != "" {
		base.HLSKeyFile = override.HLSKeyFile
	}
	if override.HLSKeyFilePath != "" {
		base.HLSKeyFilePath = override.HLSKeyFilePath
	}
	if override.HLSKeyURL != "" {
		base.HLSKeyURL = override.HLSKeyURL
	}
	if override.HLSDispose != "" {
		base.HLSDispose = override.HLSDispose
	}
	if override.HLSUseFMP4 != nil {
		base.HLSUseFMP4 = override.HLSUseFMP4
	}
	if override.GopCache != nil {
		base.GopCache = override.GopCache
	}
	if override.GopCacheMaxFrames != 0 {
		base.GopCacheMaxFrames = override.GopCacheMaxFrames
	}
	if override.QueueLength != "" {
		base.QueueLength = override.QueueLength
	}
	if override.TimeJitter != "" {
		base.TimeJitter = override.TimeJitter
	}
	if override.MixCorrect != nil {
		base.MixCorrect = override.MixCorrect
	}
	if override.ATC != nil {
		base.ATC = override.ATC
	}
	if override.ATCAuto != nil {
		base.ATCAuto = override.ATCAuto
	}
	if override.ReduceSequenceHeader != nil {
		base.ReduceSequenceHeader = override.ReduceSequenceHeader
	}
	if override.ParseSPS != nil {
		base.ParseSPS = override.ParseSPS
	}
	return base
}

func boolVal(b *bool) bool { return b != nil && *b }

func durationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// SourceConfig translates the vhost option table into the Live Source's own
// Config (spec.md §4.F knobs: gop cache, queue length, jitter mode,
// mix-correct, reduce_sequence_header, atc/atc_auto).
func (o Options) SourceConfig() source.Config {
	return source.Config{
		JitterMode:           jitter.ParseMode(o.TimeJitter),
		GopCacheEnabled:      boolVal(o.GopCache),
		GopCacheMaxFrames:    o.GopCacheMaxFrames,
		QueueLength:          durationOr(o.QueueLength, 2*time.Second),
		MixCorrect:           boolVal(o.MixCorrect),
		ReduceSequenceHeader: boolVal(o.ReduceSequenceHeader),
		ATC:                  boolVal(o.ATC),
		ATCAuto:              boolVal(o.ATCAuto),
	}
}

// HLSConfig translates the vhost option table into the segmenter's Config
// for the given vhost/app/stream identity. PathPattern/PlaylistPath/
// PlaylistURI/InitSegmentPath/InitSegmentURI are derived from HLSPath and
// the stream identity the way segmenter.go's doc comment describes; Keys is
// left nil when hls_keys is off.
func (o Options) HLSConfig(vhostName, app, stream string) hls.Config {
	cfg := hls.Config{
		Vhost:        vhostName,
		App:          app,
		Stream:       stream,
		HLSRoot:      o.HLSPath + "/" + app + "/" + stream,
		PathPattern:  "[stream]-[seq].ts",
		PlaylistPath: o.HLSPath + "/" + app + "/" + stream + "/playlist.m3u8",
		PlaylistURI:  "playlist.m3u8",
		Fragment:     durationOr(o.HLSFragment, 10*time.Second),
		TDRatio:      valOrDefault(o.HLSTDRatio, 1.5),
		AofRatio:     valOrDefault(o.HLSAofRatio, 2.0),
		Window:       durationOr(o.HLSWindow, 60*time.Second),
		TSFloor:      boolVal(o.HLSTSFloor),
		Cleanup:      boolVal(o.HLSCleanup),
		WaitKeyframe: boolVal(o.HLSWaitKeyframe),
		UseFMP4:      boolVal(o.HLSUseFMP4),
	}
	if cfg.UseFMP4 {
		cfg.InitSegmentPath = o.HLSPath + "/" + app + "/" + stream + "/init.mp4"
		cfg.InitSegmentURI = "init.mp4"
		cfg.PathPattern = "[stream]-[seq].m4s"
	}
	if boolVal(o.HLSKeys) {
		keyFile := o.HLSKeyFile
		if keyFile == "" {
			keyFile = "[seq].key"
		}
		keyPath := o.HLSKeyFilePath
		if keyPath == "" {
			keyPath = o.HLSPath
		}
		cfg.Keys = &hls.KeyRotator{
			Enabled:         true,
			FragmentsPerKey: o.HLSFragmentsPerKey,
			FilePattern:     keyFile,
			FilePath:        keyPath,
			URLPattern:      o.HLSKeyURL,
		}
	}
	return cfg
}

func valOrDefault(v, fallback float64) float64 {
	if v == 0 {
		return fallback
	}
	return v
}

// DisposeDelay returns hls_dispose as a Duration, used by the cleanup tick
// together with the 3s floor spec.md §4.F's collection rule names
// ("now > stream_die_at + max(3s, hls.cleanup_delay)").
func (o Options) DisposeDelay() time.Duration {
	return durationOr(o.HLSDispose, 30*time.Second)
}

// ParseSPSEnabled reports whether SPS parsing during publish is enabled
// (spec.md §6's parse_sps option).
func (o Options) ParseSPSEnabled() bool { return boolVal(o.ParseSPS) }
