// Package block defines the wire-level data model of the chain: blocks,
// identities, memberships, certifications, and materialized links.
package block

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/duniter-io/ucoin-core/internal/params"
)

// MembershipType distinguishes a membership's direction.
type MembershipType string

const (
	// MembershipIn requests entry into (or renewal of) the WoT.
	MembershipIn MembershipType = "IN"
	// MembershipOut requests leaving the WoT.
	MembershipOut MembershipType = "OUT"
)

// Identity is a candidate or accepted member's civil identity.
type Identity struct {
	Pubkey string
	UID    string
	Time   int64 // certts, seconds

	// Hash is SHA1(uid | certts_epoch | issuer), uppercase hex.
	Hash string

	Member     bool
	WasMember  bool
	CurrentMSN int64

	// MembershipTS is the certts of the last applied IN/actives membership,
	// used to check membership freshness against msValidity.
	MembershipTS int64
}

// IdentityHash computes the identity hash for a candidate identity, per
// spec.md's SHA1(uid | certts_epoch | issuer) scheme. This is an internal
// domain computation (an identifier derivation, not a pluggable signature
// or transport hash), hence plain crypto/sha1 rather than a third-party
// wrapper.
func IdentityHash(uid string, certTimeEpoch int64, issuer string) string {
	payload := fmt.Sprintf("%s|%d|%s", uid, certTimeEpoch, issuer)
	sum := sha1.Sum([]byte(payload))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// Membership is a pending or applied IN/OUT request.
type Membership struct {
	Issuer     string
	UserID     string
	CertTS     int64
	Number     int64 // membership sequence number (MSN)
	Membership MembershipType
	Signature  string
}

// Certification is an inline cert record carried by a block.
type Certification struct {
	From        string
	To          string
	BlockNumber int64 // basis block height
	Signature   string
}

// Link is the materialized cert edge tracked by the WoT graph, carrying
// the timestamp needed for distance and replay computation.
type Link struct {
	From      string
	To        string
	Timestamp int64 // medianTime of the block that created the link
	ExpiresOn int64 // Timestamp + sigValidity, cached at materialization
}

// IsAliveAt reports whether the link has not yet expired at t.
func (l Link) IsAliveAt(t int64) bool {
	return t < l.ExpiresOn
}

// TxInput references a previously produced, unspent output.
type TxInput struct {
	Source string // "T" (transaction) or "D" (dividend)
	Ref    string // source identifier: tx hash or issuer pubkey
	Number int64  // originating block number, for dividend inputs
	Amount int64
	Base   int
}

// TxOutput assigns an amount to a locking condition (a pubkey, in the
// simple single-sig case this core validates structurally).
type TxOutput struct {
	Amount int64
	Base   int
	Pubkey string
}

// Transaction is a structurally-checked, minimally-scripted transfer.
type Transaction struct {
	Hash       string
	Issuers    []string
	Inputs     []TxInput
	Outputs    []TxOutput
	Signatures []string
	Comment    string
	Locktime   int64
}

// Block is an immutable, once-accepted block in the chain.
type Block struct {
	Number         int64
	Hash           string
	InnerHash      string // hash of everything but the signature
	PreviousHash   string
	PreviousIssuer string
	Issuer         string
	Version        int
	Currency       string

	// Parameters is set only at height 0.
	Parameters *params.Params

	MedianTime   int64
	PoWMin       int
	Nonce        int64
	MembersCount int64
	MonetaryMass int64
	Dividend     int64 // 0 means absent; use HasDividend
	HasDividend  bool
	UDTime       int64

	Signature string

	Identities     []Identity
	Joiners        []Membership
	Actives        []Membership
	Leavers        []Membership
	Excluded       []string
	Certifications []Certification
	Transactions   []Transaction
}

// IsRoot reports whether this is the genesis block.
func (b *Block) IsRoot() bool {
	return b.Number == 0
}

// LeadingZeroNibbles counts the number of leading '0' hex nibbles in the
// block's hash, the quantity compared against PoWMin.
func LeadingZeroNibbles(hash string) int {
	n := 0
	for _, c := range hash {
		if c != '0' {
			break
		}
		n++
	}
	return n
}
