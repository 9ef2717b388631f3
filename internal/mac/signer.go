// Package mac implements the process-wide HMAC-SHA-256 signer that binds a
// token's secret bytes to the action that minted it, plus the URL-safe
// base64 encoding used to place the signed artifact on standard output.
package mac

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
)

// Size is the length in bytes of a computed MAC.
const Size = sha256.Size

// KeySize is the required length in bytes of the signing key.
const KeySize = 32

// Signer holds a process-wide HMAC-SHA-256 key and produces MACs over
// arbitrary byte strings.
//
// A Signer is not reentrant; callers must serialise calls to Sign. Create
// one with New at startup and call Cleanup exactly once at shutdown.
type Signer struct {
	key []byte
}

// New installs key as the signer's HMAC key. key must be exactly KeySize
// bytes; New copies it so the caller's slice can be zeroed or discarded
// immediately after this call returns.
func New(key []byte) (*Signer, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("mac: key must be %d bytes, got %d", KeySize, len(key))
	}
	s := &Signer{key: make([]byte, KeySize)}
	copy(s.key, key)
	return s, nil
}

// Sign returns the HMAC-SHA-256 of data under the installed key. Every call
// constructs a fresh hash.Hash, so repeated calls never observe state left
// over from a previous call.
func (s *Signer) Sign(data []byte) ([Size]byte, error) {
	if s == nil || s.key == nil {
		return [Size]byte{}, fmt.Errorf("mac: signer not initialized")
	}
	h := hmac.New(sha256.New, s.key)
	if _, err := h.Write(data); err != nil {
		return [Size]byte{}, fmt.Errorf("mac: write: %w", err)
	}
	var out [Size]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// Cleanup overwrites the key bytes in place and drops the signer's
// reference to them. Safe to call on a nil Signer. Not safe to call Sign
// concurrently with Cleanup.
func (s *Signer) Cleanup() {
	if s == nil {
		return
	}
	for i := range s.key {
		s.key[i] = 0
	}
	s.key = nil
}
