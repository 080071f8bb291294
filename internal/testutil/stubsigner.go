// Package testutil provides a deterministic stand-in for the core's
// external Signer collaborator so that packages under
// internal/ can be tested without dragging in real cryptography, which
// spec.md keeps explicitly out of scope.
package testutil

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// StubSigner produces a deterministic, non-cryptographic HMAC-based
// "signature" keyed by secretKeyEnc. It exists only to give tests a
// Signer that behaves consistently (same message + key -> same output,
// different key -> different output) without claiming to implement any
// real signature scheme.
type StubSigner struct{}

// Sign implements signer.Signer.
func (StubSigner) Sign(ctx context.Context, message []byte, secretKeyEnc string) (string, error) {
	mac := hmac.New(sha256.New, []byte(secretKeyEnc))
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks a signature produced by StubSigner.Sign using the public
// counterpart convention pub == "pub:"+secret used across these tests.
func (StubSigner) Verify(ctx context.Context, message []byte, pubkey, signature string) (bool, error) {
	expected, _ := StubSigner{}.Sign(ctx, message, "sec:"+pubkey[len("pub:"):])
	return hmac.Equal([]byte(expected), []byte(signature)), nil
}
