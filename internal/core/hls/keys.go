package hls

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// KeyRotator generates and writes the AES-128 keys spec.md §4.E's
// encryption policy describes: "if hls_keys is on, every fragments_per_key
// segments rotate a fresh random key+iv; write the key to its own file."
type KeyRotator struct {
	Enabled         bool
	FragmentsPerKey int
	FilePattern     string // e.g. "[seq].key"
	FilePath        string // directory the key file is written under
	URLPattern      string // public-facing URI template for the playlist's EXT-X-KEY URI

	mu                  sync.Mutex
	segmentsSinceRotate int
	haveKey             bool
	key                 [16]byte
	iv                  [16]byte
	uri                 string
}

// ForSegment returns the key/iv/playlist-URI to use for the segment
// identified by vars, rotating (and writing a fresh key file) if this is
// the first segment or fragments_per_key segments have elapsed since the
// last rotation. rotated reports whether a new key was generated for this
// call, which the segmenter uses to decide whether the playlist needs a
// fresh #EXT-X-KEY line.
func (k *KeyRotator) ForSegment(vars TemplateVars) (key, iv [16]byte, uri string, rotated bool, err error) {
	if !k.Enabled {
		return [16]byte{}, [16]byte{}, "", false, nil
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	perKey := k.FragmentsPerKey
	if perKey <= 0 {
		perKey = 1
	}

	if !k.haveKey || k.segmentsSinceRotate >= perKey {
		if err := k.rotateLocked(vars); err != nil {
			return [16]byte{}, [16]byte{}, "", false, err
		}
		rotated = true
	}
	k.segmentsSinceRotate++
	return k.key, k.iv, k.uri, rotated, nil
}

func (k *KeyRotator) rotateLocked(vars TemplateVars) error {
	var key, iv [16]byte
	if _, err := rand.Read(key[:]); err != nil {
		return fmt.Errorf("hls: key rotation: generate key: %w", err)
	}
	if _, err := rand.Read(iv[:]); err != nil {
		return fmt.Errorf("hls: key rotation: generate iv: %w", err)
	}

	filename := substitutePath(k.FilePattern, vars)
	path := filepath.Join(k.FilePath, filename)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("hls: key rotation: mkdir: %w", err)
	}
	if err := os.WriteFile(path, key[:], 0o644); err != nil {
		return fmt.Errorf("hls: key rotation: write key file: %w", err)
	}

	k.key = key
	k.iv = iv
	if k.URLPattern != "" {
		k.uri = substitutePath(k.URLPattern, vars)
	} else {
		k.uri = filename
	}
	k.haveKey = true
	k.segmentsSinceRotate = 0
	return nil
}
