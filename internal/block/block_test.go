package block_test

import (
	"testing"

	"github.com/duniter-io/ucoin-core/internal/block"
)

func TestIdentityHashDeterministicAndUppercaseHex(t *testing.T) {
	h1 := block.IdentityHash("alice", 1500000000, "PUBKEY1")
	h2 := block.IdentityHash("alice", 1500000000, "PUBKEY1")
	if h1 != h2 {
		t.Fatalf("IdentityHash is not deterministic: %s != %s", h1, h2)
	}
	if len(h1) != 40 {
		t.Fatalf("expected a 40-character SHA1 hex digest, got %d chars: %q", len(h1), h1)
	}
	for _, c := range h1 {
		if c >= 'a' && c <= 'z' {
			t.Fatalf("expected uppercase hex, got lowercase character in %q", h1)
		}
	}
}

func TestIdentityHashDiffersOnAnyField(t *testing.T) {
	base := block.IdentityHash("alice", 1500000000, "PUBKEY1")
	cases := []string{
		block.IdentityHash("bob", 1500000000, "PUBKEY1"),
		block.IdentityHash("alice", 1500000001, "PUBKEY1"),
		block.IdentityHash("alice", 1500000000, "PUBKEY2"),
	}
	for i, c := range cases {
		if c == base {
			t.Fatalf("case %d: expected a different hash, got the same as base", i)
		}
	}
}

func TestLinkIsAliveAt(t *testing.T) {
	l := block.Link{From: "A", To: "B", Timestamp: 1000, ExpiresOn: 2000}
	if !l.IsAliveAt(1999) {
		t.Fatalf("expected link alive just before expiry")
	}
	if l.IsAliveAt(2000) {
		t.Fatalf("expected link dead exactly at expiry")
	}
	if l.IsAliveAt(2001) {
		t.Fatalf("expected link dead after expiry")
	}
}

func TestBlockIsRoot(t *testing.T) {
	root := &block.Block{Number: 0}
	if !root.IsRoot() {
		t.Fatalf("expected number 0 to be root")
	}
	next := &block.Block{Number: 1}
	if next.IsRoot() {
		t.Fatalf("expected number 1 to not be root")
	}
}

func TestLeadingZeroNibbles(t *testing.T) {
	tests := []struct {
		hash     string
		expected int
	}{
		{"00034FA2", 3},
		{"FA20001", 0},
		{"", 0},
		{"0000", 4},
	}
	for _, tt := range tests {
		if got := block.LeadingZeroNibbles(tt.hash); got != tt.expected {
			t.Errorf("LeadingZeroNibbles(%q) = %d, want %d", tt.hash, got, tt.expected)
		}
	}
}
