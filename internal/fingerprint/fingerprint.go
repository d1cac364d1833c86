// Package fingerprint produces deterministic content-addressed hashes of
// (content, settings) pairs so already-generated artifacts can be detected
// before any work is scheduled.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// HexLength is the length of a fingerprint's hex form.
const HexLength = sha256.Size * 2

// Fingerprint is the lowercase hex form of a SHA-256 over canonicalized
// (content, settings) bytes.
type Fingerprint string

// Sum computes the fingerprint of content rendered with settings.
//
// Settings are canonicalized before hashing: the value is marshaled to JSON,
// decoded back into generic form, and re-marshaled, which normalizes structs
// into maps and yields stable key ordering at every nesting level.
// Semantically identical settings therefore hash identically regardless of
// key order or concrete Go type.
func Sum(content []byte, settings any) (Fingerprint, error) {
	canon, err := canonicalize(settings)
	if err != nil {
		return "", fmt.Errorf("canonicalize settings: %w", err)
	}
	h := sha256.New()
	h.Write(content)
	h.Write([]byte{0})
	h.Write(canon)
	return Fingerprint(hex.EncodeToString(h.Sum(nil))), nil
}

// Valid reports whether f is a well-formed fingerprint.
func (f Fingerprint) Valid() bool {
	return isHexToken(string(f))
}

// Short returns an abbreviated form for logs.
func (f Fingerprint) Short() string {
	if len(f) < 12 {
		return string(f)
	}
	return string(f[:12])
}

// Extract recovers a fingerprint embedded in a storage path by scanning path
// segments (and the stem of each segment, so extensions do not interfere)
// for a token of the right length and character class. The first match wins.
//
// This is a best-effort heuristic: a coincidental 64-hex-char segment that
// was never meant as a fingerprint would be misidentified. Callers must not
// rely on it beyond "extremely unlikely collision".
func Extract(path string) (Fingerprint, bool) {
	normalized := strings.ReplaceAll(path, "\\", "/")
	for _, seg := range strings.Split(normalized, "/") {
		if isHexToken(seg) {
			return Fingerprint(seg), true
		}
		stem := strings.TrimSuffix(seg, filepath.Ext(seg))
		if isHexToken(stem) {
			return Fingerprint(stem), true
		}
	}
	return "", false
}

func isHexToken(s string) bool {
	if len(s) != HexLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func canonicalize(settings any) ([]byte, error) {
	if settings == nil {
		return []byte("null"), nil
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
