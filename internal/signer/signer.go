// Package signer declares the signing contract the core consumes. The
// core never verifies signatures with its own key material: it either
// asks a Signer to produce one (for locally generated blocks) or, for
// blocks obtained from the outside, treats signature verification as a
// callback matching this same interface's inverse (see Verifier).
package signer

import "context"

// Signer produces a signature over message using the key material
// referenced by secretKeyEnc (base58-encoded, as it would be transported
// into an out-of-process PoW worker per spec.md §6). Real implementations
// (Ed25519, hardware tokens) live outside this module; the core only
// consumes this interface.
type Signer interface {
	Sign(ctx context.Context, message []byte, secretKeyEnc string) (signature string, err error)
}

// Verifier checks a signature produced by some Signer. Kept separate from
// Signer because a node commonly verifies many more signatures (every
// incoming block, cert, membership) than it produces.
type Verifier interface {
	Verify(ctx context.Context, message []byte, pubkey, signature string) (ok bool, err error)
}

// SignerFunc adapts a plain function to Signer.
type SignerFunc func(ctx context.Context, message []byte, secretKeyEnc string) (string, error)

// Sign implements Signer.
func (f SignerFunc) Sign(ctx context.Context, message []byte, secretKeyEnc string) (string, error) {
	return f(ctx, message, secretKeyEnc)
}

// VerifierFunc adapts a plain function to Verifier.
type VerifierFunc func(ctx context.Context, message []byte, pubkey, signature string) (bool, error)

// Verify implements Verifier.
func (f VerifierFunc) Verify(ctx context.Context, message []byte, pubkey, signature string) (bool, error) {
	return f(ctx, message, pubkey, signature)
}
