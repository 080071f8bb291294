// Package blockassembler produces unsigned candidate blocks from the
// main-fork view, running the iterated WoT-stability selection described
// in spec.md §4.4.
package blockassembler

import (
	"context"
	"sort"

	"github.com/duniter-io/ucoin-core/internal/block"
	"github.com/duniter-io/ucoin-core/internal/chaincontext"
	"github.com/duniter-io/ucoin-core/internal/dal"
	"github.com/duniter-io/ucoin-core/internal/params"
	"github.com/duniter-io/ucoin-core/internal/ruleerrors"
	"github.com/duniter-io/ucoin-core/internal/validator"
	"github.com/duniter-io/ucoin-core/internal/wotgraph"
	"github.com/duniter-io/ucoin-core/util/mstime"
)

// preJoinData is the vetted candidate data for one pending joiner,
// produced by getPreJoinData.
type preJoinData struct {
	Identity   block.Identity
	Membership block.Membership
	Certs      []block.Certification
}

// Strategy is the small capability bundle spec.md §9 describes: the two
// behaviors that differ between generating a normal next block and
// generating a manual root.
type Strategy struct {
	// FilterJoiners narrows preflighted joiner candidates before the
	// iterated WoT-stability pass.
	FilterJoiners func(ctx context.Context, a *Assembler, candidates []preJoinData) ([]preJoinData, error)
}

// AutomaticStrategy rejects joiners whose uid or pubkey is already taken
// by a different identity that was, at some point, a member.
func AutomaticStrategy() Strategy {
	return Strategy{FilterJoiners: automaticFilterJoiners}
}

// ManualRootStrategy presents the candidate uid list to an operator via
// selectedUIDs and keeps only those. Used only when generating the root
// block, where no chain context exists yet to check uid/pubkey
// uniqueness against.
func ManualRootStrategy(selectedUIDs []string) Strategy {
	selected := make(map[string]bool, len(selectedUIDs))
	for _, uid := range selectedUIDs {
		selected[uid] = true
	}
	return Strategy{
		FilterJoiners: func(ctx context.Context, a *Assembler, candidates []preJoinData) ([]preJoinData, error) {
			var out []preJoinData
			for _, c := range candidates {
				if selected[c.Identity.UID] {
					out = append(out, c)
				}
			}
			return out, nil
		},
	}
}

func automaticFilterJoiners(ctx context.Context, a *Assembler, candidates []preJoinData) ([]preJoinData, error) {
	var out []preJoinData
	for _, c := range candidates {
		byUID, err := a.d().GetIdentityByUIDOrNil(ctx, c.Identity.UID)
		if err != nil {
			return nil, err
		}
		if byUID != nil && byUID.Hash != c.Identity.Hash && byUID.WasMember {
			log.Debugf("rejecting joiner %s: uid already taken", c.Identity.UID)
			continue
		}
		byPub, err := a.d().GetIdentityByPubkeyOrNil(ctx, c.Identity.Pubkey)
		if err != nil {
			return nil, err
		}
		if byPub != nil && byPub.Hash != c.Identity.Hash && byPub.WasMember {
			log.Debugf("rejecting joiner %s: pubkey already taken", c.Identity.Pubkey)
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// Assembler assembles candidate blocks from a ChainContext's view.
type Assembler struct {
	ctx        *chaincontext.ChainContext
	rootOffset int64
}

// New returns an Assembler reading from ctx. rootOffset is subtracted
// from "now" when computing the root block's medianTime.
func New(ctx *chaincontext.ChainContext, rootOffset int64) *Assembler {
	return &Assembler{ctx: ctx, rootOffset: rootOffset}
}

func (a *Assembler) d() dal.DAL { return a.ctx.DAL() }

// GenerateNext assembles a candidate block extending the current tip.
func (a *Assembler) GenerateNext(ctx context.Context, strategy Strategy) (*block.Block, error) {
	current, err := a.ctx.Current(ctx)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ruleerrors.ErrPreviousNotFound.WithMessagef("no confirmed tip; use GenerateManualRoot")
	}
	return a.assemble(ctx, current, strategy)
}

// GenerateEmptyNextBlock assembles a candidate block that carries no
// identities, joiners, certifications, or transactions: only the
// dividend/monetary bookkeeping fields change. Used to keep the chain's
// medianTime advancing when there is no pending activity.
func (a *Assembler) GenerateEmptyNextBlock(ctx context.Context) (*block.Block, error) {
	b, err := a.GenerateNext(ctx, Strategy{FilterJoiners: func(ctx context.Context, a *Assembler, c []preJoinData) ([]preJoinData, error) {
		return nil, nil
	}})
	if err != nil {
		return nil, err
	}
	b.Certifications = nil
	b.Transactions = nil
	return b, nil
}

// GenerateManualRoot assembles the height-0 block from an operator's
// explicit joiner selection. It fails if a confirmed tip already exists.
func (a *Assembler) GenerateManualRoot(ctx context.Context, p *params.Params, selectedUIDs []string) (*block.Block, error) {
	current, err := a.ctx.Current(ctx)
	if err != nil {
		return nil, err
	}
	if current != nil {
		return nil, ruleerrors.ErrManualRootRequired
	}
	rootBlock := &block.Block{Number: -1, Parameters: p, Currency: p.Currency}
	return a.assemble(ctx, rootBlock, ManualRootStrategy(selectedUIDs))
}

// assemble runs the full selection pipeline of spec.md §4.4. parent is
// the block the candidate extends; for the root case, a placeholder with
// Number -1 stands in for "no block yet" and the produced block's own
// Number is 0.
func (a *Assembler) assemble(ctx context.Context, parent *block.Block, strategy Strategy) (*block.Block, error) {
	isRoot := parent.Number < 0
	p := a.paramsFor(parent)

	candidates, err := a.getPreJoinData(ctx, p, parent)
	if err != nil {
		return nil, err
	}
	filtered, err := strategy.FilterJoiners(ctx, a, candidates)
	if err != nil {
		return nil, err
	}

	sentries, memberSet, existingLinks, err := a.wotSnapshot(ctx, p)
	if err != nil {
		return nil, err
	}

	passing, newLinks := selectJoiners(filtered, sentries, memberSet, existingLinks, p.SigQty, p.StepMax)

	memberCerts, err := a.findNewCertsFromWoT(ctx, passing)
	if err != nil {
		return nil, err
	}

	leavers, err := a.selectLeavers(ctx, parent)
	if err != nil {
		return nil, err
	}

	txs, err := a.selectTransactions(ctx)
	if err != nil {
		return nil, err
	}

	excluded, err := a.d().GetToBeKicked(ctx)
	if err != nil {
		return nil, err
	}
	excludedSet := map[string]bool{}
	for _, pub := range excluded {
		excludedSet[pub] = true
	}

	b := &block.Block{
		Currency: p.Currency,
		Excluded: excluded,
	}
	if isRoot {
		b.Number = 0
		b.Parameters = p
	} else {
		b.Number = parent.Number + 1
		b.PreviousHash = parent.Hash
		b.PreviousIssuer = parent.Issuer
	}

	for _, c := range passing {
		if excludedSet[c.Identity.Pubkey] {
			continue
		}
		b.Identities = append(b.Identities, c.Identity)
		b.Joiners = append(b.Joiners, c.Membership)
	}
	for _, l := range newLinks {
		if excludedSet[l.To] {
			continue
		}
		b.Certifications = append(b.Certifications, block.Certification{From: l.From, To: l.To, BlockNumber: parent.Number})
	}
	for _, c := range memberCerts {
		if excludedSet[c.To] {
			continue
		}
		b.Certifications = append(b.Certifications, c)
	}
	for _, l := range leavers {
		if excludedSet[l.Issuer] {
			continue
		}
		b.Leavers = append(b.Leavers, l)
	}
	b.Transactions = txs

	var parentCount int64
	if !isRoot {
		parentCount = parent.MembersCount
	}
	b.MembersCount = parentCount + int64(len(b.Joiners)) - int64(len(b.Excluded))

	medianTime, err := a.computeMedianTime(ctx, isRoot, p, parent)
	if err != nil {
		return nil, err
	}
	b.MedianTime = medianTime

	var powMinParent *block.Block
	if !isRoot {
		powMinParent = parent
	}
	powMin, err := validator.ComputePoWMin(ctx, a.d(), p, powMinParent)
	if err != nil {
		return nil, err
	}
	b.PoWMin = powMin

	if err := a.applyDividend(ctx, isRoot, p, parent, b); err != nil {
		return nil, err
	}

	if err := validator.LocalCheck(b); err != nil {
		return nil, err
	}
	return b, nil
}

func (a *Assembler) paramsFor(parent *block.Block) *params.Params {
	if parent.Parameters != nil {
		return parent.Parameters
	}
	return a.ctx.Params()
}

func (a *Assembler) computeMedianTime(ctx context.Context, isRoot bool, p *params.Params, parent *block.Block) (int64, error) {
	if isRoot {
		return mstime.Now().Unix() - a.rootOffset, nil
	}
	return validator.ComputeMedianTime(ctx, a.d(), p, parent)
}

func (a *Assembler) applyDividend(ctx context.Context, isRoot bool, p *params.Params, parent *block.Block, b *block.Block) error {
	if isRoot {
		return nil
	}
	lastUD, err := a.d().LastUDBlock(ctx)
	if err != nil {
		return err
	}
	var lastUDTime, prevUD int64
	prevUD = p.UD0
	if lastUD != nil {
		lastUDTime = lastUD.UDTime
		prevUD = lastUD.Dividend
	}
	if lastUDTime+p.Dt > b.MedianTime {
		b.MonetaryMass = parent.MonetaryMass
		return nil
	}
	b.HasDividend = true
	b.UDTime = b.MedianTime
	b.Dividend = validator.DividendFor(p, prevUD, parent.MonetaryMass, b.MembersCount)
	b.MonetaryMass = parent.MonetaryMass + b.Dividend*b.MembersCount
	return nil
}

// getPreJoinData implements spec.md §4.4 step 1: resolves each pending
// joiner's identity and gathers individually-vetted candidate
// certifications for it.
func (a *Assembler) getPreJoinData(ctx context.Context, p *params.Params, parent *block.Block) ([]preJoinData, error) {
	newcomers, err := a.d().FindNewcomers(ctx)
	if err != nil {
		return nil, err
	}
	identities, err := a.d().ListLocalPendingIdentities(ctx)
	if err != nil {
		return nil, err
	}
	byPub := map[string]block.Identity{}
	for _, idty := range identities {
		byPub[idty.Pubkey] = idty
	}

	var out []preJoinData
	for _, m := range newcomers {
		idty, ok := byPub[m.Issuer]
		if !ok {
			continue
		}
		if m.Number <= idty.CurrentMSN {
			continue
		}
		certs, err := a.d().CertsNotLinkedToTarget(ctx, idty.Hash)
		if err != nil {
			return nil, err
		}
		vetted, err := a.vetCerts(ctx, p, parent, certs)
		if err != nil {
			return nil, err
		}
		out = append(out, preJoinData{Identity: idty, Membership: m, Certs: vetted})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity.UID < out[j].Identity.UID })
	return out, nil
}

// vetCerts individually validates each candidate certification: basis
// block exists, not stale, no live-link replay, certifier is a current
// member, and at most one cert per (from) in this bunch. For the root
// block there are no members or basis blocks yet: only the one-per-(from)
// rule applies, and computeNewLinks decides which newcomer certifiers
// count.
func (a *Assembler) vetCerts(ctx context.Context, p *params.Params, parent *block.Block, certs []block.Certification) ([]block.Certification, error) {
	isRoot := parent.Number < 0
	seenFrom := map[string]bool{}
	var out []block.Certification
	for _, c := range certs {
		if seenFrom[c.From] {
			continue
		}
		if isRoot {
			seenFrom[c.From] = true
			out = append(out, c)
			continue
		}
		isMember, err := a.d().IsMember(ctx, c.From)
		if err != nil {
			return nil, err
		}
		if !isMember {
			continue
		}
		basis, err := a.d().GetBlockOrNil(ctx, c.BlockNumber)
		if err != nil {
			return nil, err
		}
		if basis == nil {
			continue
		}
		if parent.MedianTime-basis.MedianTime > p.SigValidity {
			continue
		}
		replay, err := a.d().ExistsLinkFromOrAfterDate(ctx, c.From, c.To, parent.MedianTime-p.SigDelay)
		if err != nil {
			return nil, err
		}
		if replay {
			continue
		}
		seenFrom[c.From] = true
		out = append(out, c)
	}
	return out, nil
}

func (a *Assembler) wotSnapshot(ctx context.Context, p *params.Params) ([]string, map[string]bool, [][2]string, error) {
	members, err := a.d().GetMembers(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	memberSet := map[string]bool{}
	var links [][2]string
	for _, m := range members {
		memberSet[m] = true
		valid, err := a.d().GetValidLinksFrom(ctx, m)
		if err != nil {
			return nil, nil, nil, err
		}
		for _, l := range valid {
			links = append(links, [2]string{l.From, l.To})
		}
	}
	g := wotgraph.New(members, links)
	return g.Sentries(p.SigWoT), memberSet, links, nil
}

// selectJoiners implements the iterated WoT-stability selection of
// spec.md §4.4 step 3: repeated passes over the current passing list, in
// original candidate order, until a full pass produces zero rejections.
// This is the maximal admissible prefix-stable subset under input order
// (see DESIGN.md's resolution of Open Question 1), not a globally maximal
// independent set: a candidate rejected in one pass never re-enters a
// later pass.
func selectJoiners(candidates []preJoinData, sentries []string, members map[string]bool, existingLinks [][2]string, sigQty, stepMax int) ([]preJoinData, []block.Link) {
	current := candidates
	for {
		passing, newLinks, rejected := onePass(current, sentries, members, existingLinks, sigQty, stepMax)
		if !rejected {
			return passing, newLinks
		}
		current = passing
	}
}

func onePass(candidates []preJoinData, sentries []string, members map[string]bool, existingLinks [][2]string, sigQty, stepMax int) ([]preJoinData, []block.Link, bool) {
	var passing []preJoinData
	rejected := false

	for _, cand := range candidates {
		trial := append(append([]preJoinData{}, passing...), cand)
		newLinks := computeNewLinks(trial, members)
		if checkWoTConstraints(sentries, trial, members, existingLinks, newLinks, sigQty, stepMax) {
			passing = append(passing, cand)
		} else {
			rejected = true
		}
	}

	finalLinks := computeNewLinks(passing, members)
	return passing, finalLinks, rejected
}

// computeNewLinks implements spec.md §4.4 step 4: a candidate newcomer's
// vetted cert is admitted if its certifier is either a current member or
// another newcomer in trial. A certifier may back more than one newcomer
// in the same block; only an exact (from, to) repeat is deduplicated,
// which vetCerts already guards against for any single target, so this is
// a safety net rather than a live path.
func computeNewLinks(trial []preJoinData, members map[string]bool) []block.Link {
	inTrial := map[string]bool{}
	for _, c := range trial {
		inTrial[c.Identity.Pubkey] = true
	}
	seen := map[string]bool{}
	var links []block.Link
	for _, c := range trial {
		for _, cert := range c.Certs {
			if !members[cert.From] && !inTrial[cert.From] {
				continue
			}
			key := cert.From + "->" + cert.To
			if seen[key] {
				continue
			}
			seen[key] = true
			links = append(links, block.Link{From: cert.From, To: cert.To})
		}
	}
	return links
}

// checkWoTConstraints implements spec.md §4.4 step 3's admissibility
// check: every newcomer in trial has >= sigQty incoming links (existing +
// new) and is reachable within stepMax hops from every sentry on the
// post-block graph.
func checkWoTConstraints(sentries []string, trial []preJoinData, members map[string]bool, existingLinks [][2]string, newLinks []block.Link, sigQty, stepMax int) bool {
	incoming := map[string]int{}
	for _, l := range existingLinks {
		incoming[l[1]]++
	}
	for _, l := range newLinks {
		incoming[l.To]++
	}

	allMembers := make([]string, 0, len(members)+len(trial))
	for m := range members {
		allMembers = append(allMembers, m)
	}
	for _, c := range trial {
		allMembers = append(allMembers, c.Identity.Pubkey)
	}
	allLinks := append([][2]string{}, existingLinks...)
	for _, l := range newLinks {
		allLinks = append(allLinks, [2]string{l.From, l.To})
	}
	g := wotgraph.New(allMembers, allLinks)

	for _, c := range trial {
		if incoming[c.Identity.Pubkey] < sigQty {
			return false
		}
		if wotgraph.IsOutdistanced(g, sentries, c.Identity.Pubkey, stepMax) {
			return false
		}
	}
	return true
}

// findNewCertsFromWoT implements spec.md §4.4 step 5: certifications
// between existing members, admissible only if the certifier is not
// already certifying a joiner in this block (joiner certs have
// priority).
func (a *Assembler) findNewCertsFromWoT(ctx context.Context, passing []preJoinData) ([]block.Certification, error) {
	usedIssuers := map[string]bool{}
	for _, c := range passing {
		for _, cert := range c.Certs {
			usedIssuers[cert.From] = true
		}
	}
	candidates, err := a.d().CertsFindNew(ctx)
	if err != nil {
		return nil, err
	}
	seenIssuer := map[string]bool{}
	var out []block.Certification
	for _, c := range candidates {
		if usedIssuers[c.From] || seenIssuer[c.From] {
			continue
		}
		seenIssuer[c.From] = true
		out = append(out, c)
	}
	return out, nil
}

// selectLeavers implements spec.md §4.4 step 6: a pending OUT membership
// is honored only if its issuer is currently a member with an MSN lower
// than the leaver's own.
func (a *Assembler) selectLeavers(ctx context.Context, parent *block.Block) ([]block.Membership, error) {
	pending, err := a.d().FindLeavers(ctx)
	if err != nil {
		return nil, err
	}
	var out []block.Membership
	for _, m := range pending {
		isMember, err := a.d().IsMember(ctx, m.Issuer)
		if err != nil {
			return nil, err
		}
		if !isMember {
			continue
		}
		idty, err := a.d().GetIdentityByPubkeyOrNil(ctx, m.Issuer)
		if err != nil {
			return nil, err
		}
		if idty != nil && m.Number <= idty.CurrentMSN {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// selectTransactions implements spec.md §4.4 step 7: iterate pending txs
// in order, dropping any that fail structural validation from the
// pending pool.
func (a *Assembler) selectTransactions(ctx context.Context) ([]block.Transaction, error) {
	pending, err := a.d().GetTransactionsPending(ctx)
	if err != nil {
		return nil, err
	}
	var accepted []block.Transaction
	for _, tx := range pending {
		if err := txPassesLocalCheck(tx); err != nil {
			if rmErr := a.d().RemoveTxByHash(ctx, tx.Hash); rmErr != nil {
				return nil, rmErr
			}
			log.Debugf("dropping tx %s: %s", tx.Hash, err)
			continue
		}
		accepted = append(accepted, tx)
	}
	return accepted, nil
}

// txPassesLocalCheck runs validator's balance check on a single
// transaction, so selectTransactions can drop offending pending txs one
// at a time.
func txPassesLocalCheck(tx block.Transaction) error {
	dummy := &block.Block{Transactions: []block.Transaction{tx}}
	return validator.LocalCheck(dummy)
}
