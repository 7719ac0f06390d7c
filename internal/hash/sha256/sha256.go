// Package sha256 computes content signatures with SHA-256.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Sum returns the raw digest of data. Empty content has no signature.
func (h *Hasher) Sum(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	sum := sha256.Sum256(data)
	return sum[:]
}

// Hex renders a signature for logs and the API.
func Hex(signature []byte) string {
	return hex.EncodeToString(signature)
}
