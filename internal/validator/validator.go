// Package validator implements the two layers of block validation
// described in spec.md §4.1: local (pure, intra-block) checks and global
// (DAL-backed, chain-context-dependent) checks.
package validator

import (
	"context"
	"math"
	"sort"

	"github.com/duniter-io/ucoin-core/internal/block"
	"github.com/duniter-io/ucoin-core/internal/dal"
	"github.com/duniter-io/ucoin-core/internal/params"
	"github.com/duniter-io/ucoin-core/internal/ruleerrors"
	"github.com/duniter-io/ucoin-core/internal/signer"
	"github.com/duniter-io/ucoin-core/internal/wotgraph"
	"gonum.org/v1/gonum/stat"
)

// LocalCheck validates b's intra-block structure, independent of chain
// history: pubkey uniqueness, no duplicate/self certifications, and
// transaction balance.
func LocalCheck(b *block.Block) error {
	// Each category is checked for internal duplicates only: a newcomer's
	// own identity and its IN membership legitimately share a pubkey in
	// the same block, so pubkeys are not required to be unique across
	// categories, only within one.
	dupChecker := func() func(pub string) error {
		seen := map[string]bool{}
		return func(pub string) error {
			if seen[pub] {
				return ruleerrors.ErrDuplicatePubkey.WithMessagef("pubkey %s appears more than once", pub)
			}
			seen[pub] = true
			return nil
		}
	}
	addIdentity := dupChecker()
	for _, idty := range b.Identities {
		if err := addIdentity(idty.Pubkey); err != nil {
			return err
		}
	}
	addJoiner := dupChecker()
	for _, m := range b.Joiners {
		if err := addJoiner(m.Issuer); err != nil {
			return err
		}
	}
	addActive := dupChecker()
	for _, m := range b.Actives {
		if err := addActive(m.Issuer); err != nil {
			return err
		}
	}
	addLeaver := dupChecker()
	for _, m := range b.Leavers {
		if err := addLeaver(m.Issuer); err != nil {
			return err
		}
	}
	addExcluded := dupChecker()
	for _, pub := range b.Excluded {
		if err := addExcluded(pub); err != nil {
			return err
		}
	}

	seenCerts := map[string]bool{}
	for _, c := range b.Certifications {
		if c.From == c.To {
			return ruleerrors.ErrSelfCert.WithMessagef("pubkey %s self-certified", c.From)
		}
		key := c.From + "->" + c.To
		if seenCerts[key] {
			return ruleerrors.ErrDuplicateCertification.WithMessagef("%s already present", key)
		}
		seenCerts[key] = true
	}

	for _, tx := range b.Transactions {
		if err := checkTxBalance(tx); err != nil {
			return err
		}
	}
	return nil
}

func checkTxBalance(tx block.Transaction) error {
	var in, out int64
	for _, i := range tx.Inputs {
		in += i.Amount << uint(i.Base)
	}
	for _, o := range tx.Outputs {
		out += o.Amount << uint(o.Base)
	}
	if in != out {
		return ruleerrors.ErrTxBadBalance.WithMessagef("tx %s: inputs=%d outputs=%d", tx.Hash, in, out)
	}
	return nil
}

// Global performs every DAL-backed check of spec.md §4.1 against parent,
// the block that must immediately precede b in the view d exposes.
// withSigAndPoW additionally checks the block signature and the PoW
// threshold; assembly-time validation of a not-yet-signed candidate skips
// those two checks.
func Global(ctx context.Context, d dal.DAL, p *params.Params, parent *block.Block, b *block.Block, withSigAndPoW bool, verifier signer.Verifier) error {
	if err := checkChaining(parent, b); err != nil {
		return err
	}
	if err := checkMedianTime(ctx, d, p, parent, b); err != nil {
		return err
	}
	if err := checkPoWMin(ctx, d, p, parent, b); err != nil {
		return err
	}
	if withSigAndPoW {
		if block.LeadingZeroNibbles(b.Hash) < b.PoWMin {
			return ruleerrors.ErrBadPoW
		}
		if verifier != nil {
			ok, err := verifier.Verify(ctx, []byte(b.InnerHash), b.Issuer, b.Signature)
			if err != nil {
				return err
			}
			if !ok {
				return ruleerrors.ErrBadSignature
			}
		}
	}
	if err := checkCertifications(ctx, d, p, b); err != nil {
		return err
	}
	if err := checkNewcomers(ctx, d, p, b); err != nil {
		return err
	}
	if err := checkMembershipFreshness(p, b); err != nil {
		return err
	}
	if err := checkWoTStability(ctx, d, p, b); err != nil {
		return err
	}
	if err := checkMembersCount(parent, b); err != nil {
		return err
	}
	if err := checkDividend(ctx, d, p, parent, b); err != nil {
		return err
	}
	return nil
}

func checkChaining(parent *block.Block, b *block.Block) error {
	if b.IsRoot() {
		return nil
	}
	if parent == nil {
		return ruleerrors.ErrPreviousNotFound
	}
	if b.PreviousHash != parent.Hash {
		return ruleerrors.ErrBadPreviousHash
	}
	if b.PreviousIssuer != parent.Issuer {
		return ruleerrors.ErrBadPreviousIssuer
	}
	return nil
}

// ComputeMedianTime returns the median of the medianTimeBlocks trailing
// blocks' medianTime values, floored at the parent's own medianTime, per
// spec.md §4.1. Height 0 is exempted (assembled separately as
// now-rootoffset).
func ComputeMedianTime(ctx context.Context, d dal.DAL, p *params.Params, parent *block.Block) (int64, error) {
	if parent == nil {
		return 0, nil
	}
	window := p.MedianTimeBlocks
	values := make([]float64, 0, window)
	for n := parent.Number; n >= 0 && len(values) < window; n-- {
		blk, err := d.GetBlockOrNil(ctx, n)
		if err != nil {
			return 0, err
		}
		if blk == nil {
			break
		}
		values = append(values, float64(blk.MedianTime))
	}
	if len(values) == 0 {
		return parent.MedianTime, nil
	}
	sort.Float64s(values)
	median := stat.Quantile(0.5, stat.Empirical, values, nil)
	rounded := int64(math.Floor(median))
	if rounded < parent.MedianTime {
		rounded = parent.MedianTime
	}
	return rounded, nil
}

func checkMedianTime(ctx context.Context, d dal.DAL, p *params.Params, parent *block.Block, b *block.Block) error {
	if b.IsRoot() {
		return nil
	}
	want, err := ComputeMedianTime(ctx, d, p, parent)
	if err != nil {
		return err
	}
	if b.MedianTime != want {
		return ruleerrors.ErrBadMedianTime.WithMessagef("want %d got %d", want, b.MedianTime)
	}
	return nil
}

// ComputePoWMin implements the difficulty rotation schedule: powMin holds
// steady within a dtDiffEval-block epoch and is recomputed at epoch
// boundaries by comparing the actual generation time of the epoch against
// avgGenTime * dtDiffEval: powMin rises by one below 1-percentRot of the
// target and falls by one (not below zero) above 1+percentRot. blocksRot
// is not consulted.
func ComputePoWMin(ctx context.Context, d dal.DAL, p *params.Params, parent *block.Block) (int, error) {
	if parent == nil {
		return 0, nil
	}
	if (parent.Number+1)%int64(p.DtDiffEval) != 0 {
		return parent.PoWMin, nil
	}
	epochStartNumber := parent.Number + 1 - int64(p.DtDiffEval)
	if epochStartNumber < 0 {
		return parent.PoWMin, nil
	}
	epochStart, err := d.GetBlockOrNil(ctx, epochStartNumber)
	if err != nil {
		return 0, err
	}
	if epochStart == nil {
		return parent.PoWMin, nil
	}
	actualDuration := parent.MedianTime - epochStart.MedianTime
	targetDuration := p.AvgGenTime * int64(p.DtDiffEval)
	if targetDuration <= 0 {
		return parent.PoWMin, nil
	}
	ratio := float64(actualDuration) / float64(targetDuration)
	maxRatio := 1 + p.PercentRot
	minRatio := 1 - p.PercentRot
	switch {
	case ratio < minRatio:
		return parent.PoWMin + 1, nil
	case ratio > maxRatio:
		if parent.PoWMin > 0 {
			return parent.PoWMin - 1, nil
		}
		return 0, nil
	default:
		return parent.PoWMin, nil
	}
}

func checkPoWMin(ctx context.Context, d dal.DAL, p *params.Params, parent *block.Block, b *block.Block) error {
	if b.IsRoot() {
		if b.PoWMin != 0 {
			return ruleerrors.ErrBadPoWMin
		}
		return nil
	}
	want, err := ComputePoWMin(ctx, d, p, parent)
	if err != nil {
		return err
	}
	if b.PoWMin != want {
		return ruleerrors.ErrBadPoWMin.WithMessagef("want %d got %d", want, b.PoWMin)
	}
	return nil
}

func checkCertifications(ctx context.Context, d dal.DAL, p *params.Params, b *block.Block) error {
	seenFrom := map[string]bool{}
	for _, c := range b.Certifications {
		if seenFrom[c.From] {
			return ruleerrors.ErrDuplicateCertification.WithMessagef("issuer %s certifies twice in this block", c.From)
		}
		seenFrom[c.From] = true

		isMember, err := d.IsMember(ctx, c.From)
		if err != nil {
			return err
		}
		if !isMember {
			return ruleerrors.ErrCertifierNotMember.WithMessagef("%s", c.From)
		}

		basis, err := d.GetBlockOrNil(ctx, c.BlockNumber)
		if err != nil {
			return err
		}
		if basis == nil {
			return ruleerrors.ErrStaleCert.WithMessagef("missing basis block %d", c.BlockNumber)
		}
		if b.MedianTime-basis.MedianTime > p.SigValidity {
			return ruleerrors.ErrStaleCert.WithMessagef("%s->%s basis too old", c.From, c.To)
		}

		replay, err := d.ExistsLinkFromOrAfterDate(ctx, c.From, c.To, b.MedianTime-p.SigDelay)
		if err != nil {
			return err
		}
		if replay {
			return ruleerrors.ErrReplayedCert.WithMessagef("%s->%s", c.From, c.To)
		}
	}
	return nil
}

func checkNewcomers(ctx context.Context, d dal.DAL, p *params.Params, b *block.Block) error {
	incoming := map[string]int{}
	for _, c := range b.Certifications {
		incoming[c.To]++
	}
	for _, idty := range b.Identities {
		existing, err := d.GetValidLinksTo(ctx, idty.Pubkey)
		if err != nil {
			return err
		}
		total := len(existing) + incoming[idty.Pubkey]
		if total < p.SigQty {
			return ruleerrors.ErrNotEnoughLinks.WithMessagef("%s has %d, need %d", idty.Pubkey, total, p.SigQty)
		}
	}
	return nil
}

func checkMembershipFreshness(p *params.Params, b *block.Block) error {
	for _, m := range b.Joiners {
		if b.MedianTime-m.CertTS > p.MsValidity {
			return ruleerrors.ErrExpiredMembership.WithMessagef("%s", m.Issuer)
		}
	}
	return nil
}

// checkWoTStability enforces that every newcomer joining in b remains
// reachable within stepMax hops of every sentry on the post-block graph.
// The post-block graph combines the DAL's existing member/link state with
// this block's own new joiners and certifications, since a block may
// admit sentries and newcomers together.
func checkWoTStability(ctx context.Context, d dal.DAL, p *params.Params, b *block.Block) error {
	if len(b.Joiners) == 0 {
		return nil
	}
	members, err := d.GetMembers(ctx)
	if err != nil {
		return err
	}
	memberSet := map[string]bool{}
	for _, m := range members {
		memberSet[m] = true
	}
	for _, m := range b.Joiners {
		memberSet[m.Issuer] = true
	}

	var links [][2]string
	for pub := range memberSet {
		existing, err := d.GetValidLinksFrom(ctx, pub)
		if err != nil {
			return err
		}
		for _, l := range existing {
			links = append(links, [2]string{l.From, l.To})
		}
	}
	for _, c := range b.Certifications {
		links = append(links, [2]string{c.From, c.To})
	}

	allMembers := make([]string, 0, len(memberSet))
	for m := range memberSet {
		allMembers = append(allMembers, m)
	}
	g := wotgraph.New(allMembers, links)
	sentries := g.Sentries(p.SigWoT)

	for _, m := range b.Joiners {
		if wotgraph.IsOutdistanced(g, sentries, m.Issuer, p.StepMax) {
			return ruleerrors.ErrOutdistanced.WithMessagef("%s", m.Issuer)
		}
	}
	return nil
}

func checkMembersCount(parent *block.Block, b *block.Block) error {
	var parentCount int64
	if parent != nil {
		parentCount = parent.MembersCount
	}
	newJoiners := int64(len(b.Joiners))
	want := parentCount + newJoiners - int64(len(b.Excluded))
	if b.MembersCount != want {
		return ruleerrors.ErrBadMembersCount.WithMessagef("want %d got %d", want, b.MembersCount)
	}
	return nil
}

// DividendFor computes the dividend amount due at b's medianTime given
// the prior monetary mass M and member count N, per spec.md §3's formula
// ceil(max(prevUD, c*M/N)).
func DividendFor(p *params.Params, prevUD int64, monetaryMass int64, membersCount int64) int64 {
	if membersCount == 0 {
		return prevUD
	}
	computed := p.C * float64(monetaryMass) / float64(membersCount)
	value := math.Ceil(math.Max(float64(prevUD), computed))
	return int64(value)
}

func checkDividend(ctx context.Context, d dal.DAL, p *params.Params, parent *block.Block, b *block.Block) error {
	lastUD, err := d.LastUDBlock(ctx)
	if err != nil {
		return err
	}
	var lastUDTime int64
	prevUD := p.UD0
	if lastUD != nil {
		lastUDTime = lastUD.UDTime
		prevUD = lastUD.Dividend
	}
	shouldHaveDividend := lastUDTime+p.Dt <= b.MedianTime
	if shouldHaveDividend != b.HasDividend {
		return ruleerrors.ErrBadDividend.WithMessagef("expected present=%v", shouldHaveDividend)
	}
	if !shouldHaveDividend {
		return nil
	}
	var monetaryMass int64
	if parent != nil {
		monetaryMass = parent.MonetaryMass
	}
	want := DividendFor(p, prevUD, monetaryMass, b.MembersCount)
	if b.Dividend != want {
		return ruleerrors.ErrBadDividend.WithMessagef("want %d got %d", want, b.Dividend)
	}
	return nil
}
