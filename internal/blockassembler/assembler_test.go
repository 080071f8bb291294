package blockassembler_test

import (
	"context"
	"testing"

	"github.com/duniter-io/ucoin-core/internal/block"
	"github.com/duniter-io/ucoin-core/internal/blockassembler"
	"github.com/duniter-io/ucoin-core/internal/chaincontext"
	"github.com/duniter-io/ucoin-core/internal/dal/memdal"
	"github.com/duniter-io/ucoin-core/internal/params"
)

func testParams() *params.Params {
	return &params.Params{
		Currency:         "test_currency",
		C:                0.05,
		Dt:               1_000_000_000, // effectively never due, keeps dividend absent
		UD0:              100,
		SigDelay:         1,
		SigValidity:      1_000_000,
		SigQty:           1,
		SigWoT:           1,
		MsValidity:       1_000_000,
		StepMax:          1,
		MedianTimeBlocks: 3,
		AvgGenTime:       300,
		DtDiffEval:       100,
		BlocksRot:        20,
		PercentRot:       0.67,
	}
}

func TestGenerateManualRootAssemblesThreeMutualJoiners(t *testing.T) {
	ctx := context.Background()
	d := memdal.New()
	p := testParams()
	p.SigQty = 0 // three brand-new identities can only certify each other; nobody
	// can bootstrap a first incoming link from an existing member, so the
	// manual root strategy admits on selection alone, not on cert count.

	cc := chaincontext.New(d, p, nil)
	a := blockassembler.New(cc, 0)

	idA := block.Identity{Pubkey: "PUB_A", UID: "alice", Hash: "HASH_A"}
	idB := block.Identity{Pubkey: "PUB_B", UID: "bob", Hash: "HASH_B"}
	idC := block.Identity{Pubkey: "PUB_C", UID: "carol", Hash: "HASH_C"}
	for _, idty := range []block.Identity{idA, idB, idC} {
		if err := d.SavePendingIdentity(ctx, idty); err != nil {
			t.Fatalf("SavePendingIdentity(%s): %s", idty.UID, err)
		}
		if err := d.SavePendingMembership(ctx, block.Membership{Issuer: idty.Pubkey, Number: 1, Membership: block.MembershipIn}); err != nil {
			t.Fatalf("SavePendingMembership(%s): %s", idty.UID, err)
		}
	}
	for _, from := range []string{"PUB_A", "PUB_B", "PUB_C"} {
		for _, to := range []string{"PUB_A", "PUB_B", "PUB_C"} {
			if from == to {
				continue
			}
			d.SavePendingCertification(block.Certification{From: from, To: to})
		}
	}

	b, err := a.GenerateManualRoot(ctx, p, []string{"alice", "bob", "carol"})
	if err != nil {
		t.Fatalf("GenerateManualRoot: %s", err)
	}
	if b.Number != 0 {
		t.Fatalf("expected root block number 0, got %d", b.Number)
	}
	if len(b.Identities) != 3 || len(b.Joiners) != 3 {
		t.Fatalf("expected 3 identities and 3 joiners, got %d/%d", len(b.Identities), len(b.Joiners))
	}
	if len(b.Certifications) != 6 {
		t.Fatalf("expected all 6 mutual certifications retained, got %d: %+v", len(b.Certifications), b.Certifications)
	}
	if b.MembersCount != 3 {
		t.Fatalf("expected membersCount 3, got %d", b.MembersCount)
	}
	if b.PoWMin != 0 {
		t.Fatalf("expected root powMin 0, got %d", b.PoWMin)
	}
	if b.HasDividend {
		t.Fatalf("expected no dividend on the root block")
	}
}

func TestGenerateManualRootFailsIfTipAlreadyExists(t *testing.T) {
	ctx := context.Background()
	d := memdal.New()
	p := testParams()
	root := &block.Block{Number: 0, Hash: "H0", Parameters: p, Currency: p.Currency}
	if err := d.AddBlock(ctx, root); err != nil {
		t.Fatalf("seed root: %s", err)
	}
	cc := chaincontext.New(d, p, nil)
	a := blockassembler.New(cc, 0)

	if _, err := a.GenerateManualRoot(ctx, p, nil); err == nil {
		t.Fatalf("expected GenerateManualRoot to fail once a tip already exists")
	}
}

// TestGenerateNextRejectsOutdistancedJoiner sets up an existing WoT of two
// members, M1 (a sentry, one outgoing link) and M2 (not a sentry), then
// offers two joiner candidates: J certified only by M2 (two hops from the
// sentry M1, farther than stepMax=1) and K certified directly by M1 (one
// hop). Only K should survive selection.
func TestGenerateNextRejectsOutdistancedJoiner(t *testing.T) {
	ctx := context.Background()
	d := memdal.New()
	p := testParams()

	root := &block.Block{
		Number:     0,
		Hash:       "H0",
		Parameters: p,
		Currency:   p.Currency,
		Identities: []block.Identity{
			{Pubkey: "M1", UID: "m1", Hash: "HASH_M1"},
			{Pubkey: "M2", UID: "m2", Hash: "HASH_M2"},
		},
		Joiners: []block.Membership{
			{Issuer: "M1", Number: 1, Membership: block.MembershipIn},
			{Issuer: "M2", Number: 1, Membership: block.MembershipIn},
		},
		Certifications: []block.Certification{{From: "M1", To: "M2", BlockNumber: 0}},
		MembersCount:   2,
	}
	if err := d.AddBlock(ctx, root); err != nil {
		t.Fatalf("seed root: %s", err)
	}

	idJ := block.Identity{Pubkey: "J", UID: "jay", Hash: "HASH_J"}
	idK := block.Identity{Pubkey: "K", UID: "kay", Hash: "HASH_K"}
	if err := d.SavePendingIdentity(ctx, idJ); err != nil {
		t.Fatalf("SavePendingIdentity(J): %s", err)
	}
	if err := d.SavePendingIdentity(ctx, idK); err != nil {
		t.Fatalf("SavePendingIdentity(K): %s", err)
	}
	if err := d.SavePendingMembership(ctx, block.Membership{Issuer: "J", Number: 1, Membership: block.MembershipIn}); err != nil {
		t.Fatalf("SavePendingMembership(J): %s", err)
	}
	if err := d.SavePendingMembership(ctx, block.Membership{Issuer: "K", Number: 1, Membership: block.MembershipIn}); err != nil {
		t.Fatalf("SavePendingMembership(K): %s", err)
	}
	d.SavePendingCertification(block.Certification{From: "M2", To: "J", BlockNumber: 0})
	d.SavePendingCertification(block.Certification{From: "M1", To: "K", BlockNumber: 0})

	cc := chaincontext.New(d, p, nil)
	a := blockassembler.New(cc, 0)

	b, err := a.GenerateNext(ctx, blockassembler.AutomaticStrategy())
	if err != nil {
		t.Fatalf("GenerateNext: %s", err)
	}
	if len(b.Joiners) != 1 || b.Joiners[0].Issuer != "K" {
		t.Fatalf("expected only K to be admitted, got joiners %+v", b.Joiners)
	}
	if len(b.Identities) != 1 || b.Identities[0].Pubkey != "K" {
		t.Fatalf("expected only K's identity carried, got %+v", b.Identities)
	}
	foundLink := false
	for _, c := range b.Certifications {
		if c.From == "M1" && c.To == "K" {
			foundLink = true
		}
		if c.From == "M2" && c.To == "J" {
			t.Fatalf("rejected joiner J's certification must not appear in the block")
		}
	}
	if !foundLink {
		t.Fatalf("expected the M1->K certification in the block, got %+v", b.Certifications)
	}
	if b.MembersCount != 3 {
		t.Fatalf("expected membersCount 3 (2 existing + 1 admitted), got %d", b.MembersCount)
	}
}

func TestGenerateEmptyNextBlockCarriesNoActivity(t *testing.T) {
	ctx := context.Background()
	d := memdal.New()
	p := testParams()
	root := &block.Block{Number: 0, Hash: "H0", Parameters: p, Currency: p.Currency, MembersCount: 0}
	if err := d.AddBlock(ctx, root); err != nil {
		t.Fatalf("seed root: %s", err)
	}
	if err := d.SavePendingIdentity(ctx, block.Identity{Pubkey: "PUB_A", UID: "alice", Hash: "HASH_A"}); err != nil {
		t.Fatalf("SavePendingIdentity: %s", err)
	}
	if err := d.SavePendingMembership(ctx, block.Membership{Issuer: "PUB_A", Number: 1, Membership: block.MembershipIn}); err != nil {
		t.Fatalf("SavePendingMembership: %s", err)
	}

	cc := chaincontext.New(d, p, nil)
	a := blockassembler.New(cc, 0)

	b, err := a.GenerateEmptyNextBlock(ctx)
	if err != nil {
		t.Fatalf("GenerateEmptyNextBlock: %s", err)
	}
	if len(b.Identities) != 0 || len(b.Joiners) != 0 || len(b.Certifications) != 0 {
		t.Fatalf("expected an empty block despite a pending joiner, got %+v", b)
	}
	if b.Number != 1 || b.PreviousHash != "H0" {
		t.Fatalf("expected block 1 chained on H0, got number=%d prev=%s", b.Number, b.PreviousHash)
	}
}
