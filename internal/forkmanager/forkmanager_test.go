package forkmanager_test

import (
	"context"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/duniter-io/ucoin-core/internal/block"
	"github.com/duniter-io/ucoin-core/internal/dal/memdal"
	"github.com/duniter-io/ucoin-core/internal/forkmanager"
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
		StepMax:          3,
		MedianTimeBlocks: 3,
		AvgGenTime:       300,
		DtDiffEval:       100, // large enough that test chains never cross an epoch boundary
		BlocksRot:        20,
		PercentRot:       0.67,
	}
}

func plainBlock(number int64, hash, previousHash string) *block.Block {
	return &block.Block{
		Number:       number,
		Hash:         hash,
		PreviousHash: previousHash,
		MedianTime:   1000,
		PoWMin:       0,
	}
}

func rootBlock(hash string, p *params.Params) *block.Block {
	b := plainBlock(0, hash, "")
	b.Parameters = p
	b.Currency = p.Currency
	return b
}

func TestLinearAdmissionWithZeroWindow(t *testing.T) {
	ctx := context.Background()
	p := testParams()
	m := forkmanager.New(memdal.New(), p, nil, 0)

	if _, err := m.Submit(ctx, rootBlock("H0", p), true); err != nil {
		t.Fatalf("submit root: %s", err)
	}
	if _, err := m.Submit(ctx, plainBlock(1, "H1", "H0"), true); err != nil {
		t.Fatalf("submit block 1: %s", err)
	}

	cur, err := m.Current(ctx)
	if err != nil || cur == nil || cur.Hash != "H1" {
		t.Fatalf("Current() = %+v, %s", cur, err)
	}
	if len(m.Branches()) != 0 {
		t.Fatalf("expected no cores with W=0 (direct application), got %d", len(m.Branches()))
	}
}

func TestForkAndPromotionAtWindowBoundary(t *testing.T) {
	ctx := context.Background()
	p := testParams()
	m := forkmanager.New(memdal.New(), p, nil, 3)

	if _, err := m.Submit(ctx, rootBlock("H0", p), true); err != nil {
		t.Fatalf("submit root: %s", err)
	}
	if _, err := m.Submit(ctx, plainBlock(1, "H1", "H0"), true); err != nil {
		t.Fatalf("submit block 1: %s", err)
	}
	if _, err := m.Submit(ctx, plainBlock(2, "H2", "H1"), true); err != nil {
		t.Fatalf("submit block 2: %s", err)
	}
	if len(m.Branches()) != 1 {
		t.Fatalf("expected a single leaf core (2) chained behind 0 and 1, got %d\n%s", len(m.Branches()), spew.Sdump(m.Branches()))
	}
	cores, err := m.MainContext().DAL().GetCores(ctx)
	if err != nil {
		t.Fatalf("GetCores: %s", err)
	}
	if len(cores) != 3 {
		t.Fatalf("expected 3 registered cores (0,1,2) before the window fills, got %d", len(cores))
	}

	// Submitting block 3 pushes branch size to 4 > W=3, promoting block 0.
	if _, err := m.Submit(ctx, plainBlock(3, "H3", "H2"), true); err != nil {
		t.Fatalf("submit block 3: %s", err)
	}

	promoted, err := m.MainContext().DAL().GetPromoted(ctx, 0)
	if err != nil || promoted == nil || promoted.Hash != "H0" {
		t.Fatalf("expected block 0 promoted to the confirmed chain, got %s, err=%s", spew.Sdump(promoted), err)
	}
	if len(m.Branches()) != 1 {
		t.Fatalf("expected a single surviving leaf core after promotion, got %d", len(m.Branches()))
	}

	cur, err := m.Current(ctx)
	if err != nil || cur == nil || cur.Hash != "H3" {
		t.Fatalf("Current() after promotion = %+v, %s", cur, err)
	}
}

func TestMainForkElectionPicksLexicographicallyGreatestHash(t *testing.T) {
	ctx := context.Background()
	p := testParams()
	m := forkmanager.New(memdal.New(), p, nil, 10)

	if _, err := m.Submit(ctx, rootBlock("H0", p), true); err != nil {
		t.Fatalf("submit root: %s", err)
	}
	if _, err := m.Submit(ctx, plainBlock(1, "AAAA", "H0"), true); err != nil {
		t.Fatalf("submit AAAA: %s", err)
	}
	if _, err := m.Submit(ctx, plainBlock(1, "ZZZZ", "H0"), true); err != nil {
		t.Fatalf("submit ZZZZ: %s", err)
	}

	if len(m.Branches()) != 2 {
		t.Fatalf("expected two sibling cores at height 1, got %d", len(m.Branches()))
	}
	cur, err := m.Current(ctx)
	if err != nil {
		t.Fatalf("Current(): %s", err)
	}
	if cur.Hash != "ZZZZ" {
		t.Fatalf("expected the lexicographically greatest hash ZZZZ to lead, got %s", cur.Hash)
	}
}

func TestCheckBlockRejectsAlreadyKnownBlock(t *testing.T) {
	ctx := context.Background()
	p := testParams()
	m := forkmanager.New(memdal.New(), p, nil, 3)

	if _, err := m.Submit(ctx, rootBlock("H0", p), true); err != nil {
		t.Fatalf("submit root: %s", err)
	}
	if err := m.CheckBlock(ctx, rootBlock("H0", p)); err == nil {
		t.Fatalf("expected re-checking the already-known root to fail")
	}
}
