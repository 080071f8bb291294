package blockchainservice_test

import (
	"context"
	"testing"

	"github.com/duniter-io/ucoin-core/blockchainservice"
	"github.com/duniter-io/ucoin-core/config"
	"github.com/duniter-io/ucoin-core/internal/block"
	"github.com/duniter-io/ucoin-core/internal/dal/memdal"
	"github.com/duniter-io/ucoin-core/internal/params"
	"github.com/duniter-io/ucoin-core/internal/testutil"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Participate = true
	cfg.Params = params.Params{
		Currency:         "test_currency",
		C:                0.05,
		Dt:               1_000_000_000,
		UD0:              100,
		SigDelay:         1,
		SigValidity:      1_000_000,
		SigQty:           0, // brand-new identities can only certify each other
		SigWoT:           1,
		MsValidity:       1_000_000,
		StepMax:          1,
		MedianTimeBlocks: 3,
		AvgGenTime:       300,
		DtDiffEval:       100,
		BlocksRot:        20,
		PercentRot:       0.67,
	}
	return cfg
}

func mustSaveMember(t *testing.T, d *memdal.MemDAL, ctx context.Context, pubkey, uid, hash string) {
	t.Helper()
	if err := d.SavePendingIdentity(ctx, block.Identity{Pubkey: pubkey, UID: uid, Hash: hash}); err != nil {
		t.Fatalf("SavePendingIdentity(%s): %s", uid, err)
	}
	if err := d.SavePendingMembership(ctx, block.Membership{Issuer: pubkey, Number: 1, Membership: block.MembershipIn}); err != nil {
		t.Fatalf("SavePendingMembership(%s): %s", uid, err)
	}
}

func TestManualRootProveAndSubmitHappyPath(t *testing.T) {
	ctx := context.Background()
	d := memdal.New()
	cfg := testConfig()
	svc := blockchainservice.New(cfg, d, testutil.StubSigner{}, testutil.StubSigner{}, "pub:A")

	mustSaveMember(t, d, ctx, "PUB_A", "alice", "HASH_A")
	mustSaveMember(t, d, ctx, "PUB_B", "bob", "HASH_B")
	mustSaveMember(t, d, ctx, "PUB_C", "carol", "HASH_C")
	for _, from := range []string{"PUB_A", "PUB_B", "PUB_C"} {
		for _, to := range []string{"PUB_A", "PUB_B", "PUB_C"} {
			if from == to {
				continue
			}
			d.SavePendingCertification(block.Certification{From: from, To: to})
		}
	}

	candidate, err := svc.GenerateManualRoot(ctx, []string{"alice", "bob", "carol"})
	if err != nil {
		t.Fatalf("GenerateManualRoot: %s", err)
	}
	candidate.Issuer = "pub:A"

	proved, err := svc.Prove(ctx, candidate, candidate.PoWMin)
	if err != nil {
		t.Fatalf("Prove: %s", err)
	}
	if proved == nil || proved.Signature == "" {
		t.Fatalf("expected a signed proved block, got %+v", proved)
	}

	applied, err := svc.SubmitBlock(ctx, proved, true)
	if err != nil {
		t.Fatalf("SubmitBlock: %s", err)
	}
	if applied.Number != 0 {
		t.Fatalf("expected the root block to be applied, got %+v", applied)
	}

	current, err := svc.Current(ctx)
	if err != nil || current == nil || current.Hash != applied.Hash {
		t.Fatalf("expected Current() to reflect the applied root, got %+v, %s", current, err)
	}

	memberReq, err := svc.RequirementsOfIdentity(ctx, "PUB_A")
	if err != nil {
		t.Fatalf("RequirementsOfIdentity(PUB_A): %s", err)
	}
	if !memberReq.IsMember {
		t.Fatalf("expected PUB_A to already be a member, got %+v", memberReq)
	}
	if memberReq.Outdistanced {
		t.Fatalf("expected an existing sentry-connected member to not be outdistanced, got %+v", memberReq)
	}

	if err := d.SavePendingIdentity(ctx, block.Identity{Pubkey: "PUB_X", UID: "xavier", Hash: "HASH_X"}); err != nil {
		t.Fatalf("SavePendingIdentity(PUB_X): %s", err)
	}
	pendingReq, err := svc.RequirementsOfIdentity(ctx, "PUB_X")
	if err != nil {
		t.Fatalf("RequirementsOfIdentity(PUB_X): %s", err)
	}
	if pendingReq.IsMember {
		t.Fatalf("expected PUB_X to not yet be a member")
	}
	if !pendingReq.Outdistanced {
		t.Fatalf("expected an uncertified newcomer to be outdistanced from every sentry, got %+v", pendingReq)
	}
}

func TestRequirementsOfIdentityRejectsUnknownPubkey(t *testing.T) {
	ctx := context.Background()
	d := memdal.New()
	cfg := testConfig()
	svc := blockchainservice.New(cfg, d, testutil.StubSigner{}, testutil.StubSigner{}, "pub:A")

	if _, err := svc.RequirementsOfIdentity(ctx, "UNKNOWN"); err == nil {
		t.Fatalf("expected an error for a pubkey with no identity record")
	}
}
