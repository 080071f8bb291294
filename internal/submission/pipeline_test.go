package submission_test

import (
	"context"
	"testing"

	"github.com/duniter-io/ucoin-core/internal/block"
	"github.com/duniter-io/ucoin-core/internal/dal/memdal"
	"github.com/duniter-io/ucoin-core/internal/forkmanager"
	"github.com/duniter-io/ucoin-core/internal/params"
	"github.com/duniter-io/ucoin-core/internal/powcoordinator"
	"github.com/duniter-io/ucoin-core/internal/submission"
	"github.com/duniter-io/ucoin-core/internal/testutil"
)

func testParams() *params.Params {
	return &params.Params{
		Currency:         "test_currency",
		Dt:               1_000_000_000,
		UD0:              100,
		SigValidity:      1_000_000,
		SigQty:           1,
		SigWoT:           1,
		MsValidity:       1_000_000,
		StepMax:          3,
		MedianTimeBlocks: 3,
		AvgGenTime:       300,
		DtDiffEval:       100,
		PercentRot:       0.67,
	}
}

func TestSubmitAppliesBlockAndSkipsPoWNotificationForOwnMinedBlocks(t *testing.T) {
	ctx := context.Background()
	p := testParams()
	fm := forkmanager.New(memdal.New(), p, nil, 0)
	pow := powcoordinator.New(testutil.StubSigner{}, 1)
	pl := submission.New(fm, pow)

	root := &block.Block{Number: 0, Hash: "H0", Parameters: p, Currency: p.Currency}

	applied, err := pl.Submit(ctx, root, true, true)
	if err != nil {
		t.Fatalf("Submit(own-mined root): %s", err)
	}
	if applied.Hash != "H0" {
		t.Fatalf("expected the applied block to be H0, got %+v", applied)
	}
	if pow.State() != powcoordinator.Idle {
		t.Fatalf("expected the coordinator to remain Idle, got %s", pow.State())
	}
}

func TestSubmitNotifiesPoWCoordinatorForExternalBlocks(t *testing.T) {
	ctx := context.Background()
	p := testParams()
	fm := forkmanager.New(memdal.New(), p, nil, 0)
	pow := powcoordinator.New(testutil.StubSigner{}, 1)
	pl := submission.New(fm, pow)

	root := &block.Block{Number: 0, Hash: "H0", Parameters: p, Currency: p.Currency}

	// pow is Idle, so NotifyExternalBlock confirms synchronously and
	// Submit must not block.
	applied, err := pl.Submit(ctx, root, true, false)
	if err != nil {
		t.Fatalf("Submit(external root): %s", err)
	}
	if applied.Hash != "H0" {
		t.Fatalf("expected the applied block to be H0, got %+v", applied)
	}
}

func TestSubmitRejectsAlreadyKnownBlock(t *testing.T) {
	ctx := context.Background()
	p := testParams()
	fm := forkmanager.New(memdal.New(), p, nil, 0)
	pow := powcoordinator.New(testutil.StubSigner{}, 1)
	pl := submission.New(fm, pow)

	root := &block.Block{Number: 0, Hash: "H0", Parameters: p, Currency: p.Currency}
	if _, err := pl.Submit(ctx, root, true, true); err != nil {
		t.Fatalf("first submit: %s", err)
	}
	if _, err := pl.Submit(ctx, root, true, true); err == nil {
		t.Fatalf("expected the second submit of the same block to fail")
	}
}

func TestRecomputeStatsSerializesThroughStatQueue(t *testing.T) {
	fm := forkmanager.New(memdal.New(), testParams(), nil, 0)
	pow := powcoordinator.New(testutil.StubSigner{}, 1)
	pl := submission.New(fm, pow)

	ran := false
	err := pl.RecomputeStats(func() error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("RecomputeStats: %s", err)
	}
	if !ran {
		t.Fatalf("expected the recompute function to run")
	}
}
