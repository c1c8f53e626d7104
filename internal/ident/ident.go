// Package ident generates identifiers for peers and message payloads.
package ident

import (
	"crypto/rand"
	"math/big"

	"github.com/google/uuid"
)

const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewPeerID returns a fresh random peer identifier.
func NewPeerID() string {
	return uuid.NewString()
}

// RandomString returns n characters drawn uniformly from [a-z0-9].
func RandomString(n int) string {
	if n <= 0 {
		return ""
	}
	size := big.NewInt(int64(len(alphabet)))
	b := make([]byte, n)
	for i := range b {
		v, err := rand.Int(rand.Reader, size)
		if err != nil {
			// crypto/rand does not fail on supported platforms.
			panic(err)
		}
		b[i] = alphabet[v.Int64()]
	}
	return string(b)
}
