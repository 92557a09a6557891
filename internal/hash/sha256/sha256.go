// Package sha256 fingerprints fetched documents.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher digests snapshot bodies with SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Sum returns the hex digest of html.
func (h *Hasher) Sum(html string) string {
	sum := sha256.Sum256([]byte(html))
	return hex.EncodeToString(sum[:])
}
