package util

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewID returns a random UUID. Demo and step ids use this form so they stay
// compatible with ids minted by the capture extension.
func NewID() string {
	return uuid.NewString()
}

// NewToken returns 16 random bytes hex-encoded, optionally prefixed. It is
// used for token ids and opaque refresh tokens.
func NewToken(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
