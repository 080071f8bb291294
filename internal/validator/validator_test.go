package validator_test

import (
	"context"
	"errors"
	"testing"

	"github.com/duniter-io/ucoin-core/internal/block"
	"github.com/duniter-io/ucoin-core/internal/dal/memdal"
	"github.com/duniter-io/ucoin-core/internal/params"
	"github.com/duniter-io/ucoin-core/internal/ruleerrors"
	"github.com/duniter-io/ucoin-core/internal/validator"
)

func TestLocalCheckRejectsDuplicatePubkeyWithinIdentities(t *testing.T) {
	b := &block.Block{
		Identities: []block.Identity{
			{Pubkey: "PUB_A", UID: "alice"},
			{Pubkey: "PUB_A", UID: "alice2"},
		},
	}
	err := validator.LocalCheck(b)
	if !errors.Is(err, ruleerrors.ErrDuplicatePubkey) {
		t.Fatalf("expected ErrDuplicatePubkey, got %v", err)
	}
}

func TestLocalCheckAllowsNewcomerIdentityAndItsOwnMembership(t *testing.T) {
	b := &block.Block{
		Identities: []block.Identity{{Pubkey: "PUB_A", UID: "alice"}},
		Joiners:    []block.Membership{{Issuer: "PUB_A"}},
	}
	if err := validator.LocalCheck(b); err != nil {
		t.Fatalf("expected a newcomer's identity and its own membership to coexist, got %s", err)
	}
}

func TestLocalCheckRejectsSelfCertification(t *testing.T) {
	b := &block.Block{Certifications: []block.Certification{{From: "PUB_A", To: "PUB_A"}}}
	if err := validator.LocalCheck(b); !errors.Is(err, ruleerrors.ErrSelfCert) {
		t.Fatalf("expected ErrSelfCert, got %v", err)
	}
}

func TestLocalCheckRejectsUnbalancedTransaction(t *testing.T) {
	b := &block.Block{Transactions: []block.Transaction{{
		Hash:    "TX1",
		Inputs:  []block.TxInput{{Amount: 100}},
		Outputs: []block.TxOutput{{Amount: 90}},
	}}}
	if err := validator.LocalCheck(b); !errors.Is(err, ruleerrors.ErrTxBadBalance) {
		t.Fatalf("expected ErrTxBadBalance, got %v", err)
	}
}

func TestLocalCheckAcceptsBalancedTransaction(t *testing.T) {
	b := &block.Block{Transactions: []block.Transaction{{
		Hash:    "TX1",
		Inputs:  []block.TxInput{{Amount: 100, Base: 0}},
		Outputs: []block.TxOutput{{Amount: 1, Base: 6}, {Amount: 36, Base: 0}},
	}}}
	if err := validator.LocalCheck(b); err != nil {
		t.Fatalf("expected a base-shifted balanced tx to pass, got %s", err)
	}
}

func TestDividendForFloorsAtPreviousUD(t *testing.T) {
	p := &params.Params{C: 0.05}
	got := validator.DividendFor(p, 1000, 10, 5000) // c*M/N ≈ 0.0001, far below prevUD
	if got != 1000 {
		t.Fatalf("expected the previous UD floor of 1000, got %d", got)
	}
}

func TestDividendForGrowsWithMonetaryMass(t *testing.T) {
	p := &params.Params{C: 0.1}
	got := validator.DividendFor(p, 100, 100000, 1000) // c*M/N = 10
	if got != 100 {
		t.Fatalf("expected max(100,10)=100, got %d", got)
	}
	got = validator.DividendFor(p, 100, 10_000_000, 1000) // c*M/N = 1000
	if got != 1000 {
		t.Fatalf("expected max(100,1000)=1000, got %d", got)
	}
}

func TestComputePoWMinHoldsWithinEpochAndAdjustsAtBoundary(t *testing.T) {
	ctx := context.Background()
	d := memdal.New()
	p := &params.Params{DtDiffEval: 2, AvgGenTime: 1000, PercentRot: 0.5}

	root := &block.Block{Number: 0, Hash: "H0", MedianTime: 0, PoWMin: 2, Parameters: &params.Params{Currency: "test"}}
	if err := d.AddBlock(ctx, root); err != nil {
		t.Fatalf("seed root: %s", err)
	}
	mid := &block.Block{Number: 1, Hash: "H1", MedianTime: 100, PoWMin: 2}
	if err := d.AddBlock(ctx, mid); err != nil {
		t.Fatalf("seed mid: %s", err)
	}

	// parent.Number+1 = 1 lies inside the first epoch: powMin carries over.
	held, err := validator.ComputePoWMin(ctx, d, p, root)
	if err != nil {
		t.Fatalf("ComputePoWMin(root): %s", err)
	}
	if held != root.PoWMin {
		t.Fatalf("expected powMin to hold at %d within the epoch, got %d", root.PoWMin, held)
	}

	// parent.Number+1 = 2, DtDiffEval = 2: an epoch boundary. Blocks issued
	// far faster than target -> difficulty should rise.
	got, err := validator.ComputePoWMin(ctx, d, p, mid)
	if err != nil {
		t.Fatalf("ComputePoWMin: %s", err)
	}
	if got != mid.PoWMin+1 {
		t.Fatalf("expected difficulty to rise to %d on fast issuance, got %d", mid.PoWMin+1, got)
	}
}

func TestComputeMedianTimeFloorsAtParent(t *testing.T) {
	ctx := context.Background()
	d := memdal.New()
	p := &params.Params{MedianTimeBlocks: 3}

	root := &block.Block{Number: 0, Hash: "H0", MedianTime: 1000, Parameters: &params.Params{Currency: "test"}}
	if err := d.AddBlock(ctx, root); err != nil {
		t.Fatalf("seed: %s", err)
	}
	got, err := validator.ComputeMedianTime(ctx, d, p, root)
	if err != nil {
		t.Fatalf("ComputeMedianTime: %s", err)
	}
	if got < root.MedianTime {
		t.Fatalf("expected medianTime floored at parent's %d, got %d", root.MedianTime, got)
	}
}
