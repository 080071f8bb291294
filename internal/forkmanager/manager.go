// Package forkmanager maintains the set of candidate fork-tree Cores,
// elects the main fork, admits new blocks, and prunes the branch window,
// per spec.md §4.3.
package forkmanager

import (
	"context"
	"sort"

	"github.com/duniter-io/ucoin-core/internal/block"
	"github.com/duniter-io/ucoin-core/internal/chaincontext"
	"github.com/duniter-io/ucoin-core/internal/dal"
	"github.com/duniter-io/ucoin-core/internal/params"
	"github.com/duniter-io/ucoin-core/internal/ruleerrors"
	"github.com/duniter-io/ucoin-core/internal/signer"
	"github.com/pkg/errors"
)

// Manager owns the in-memory cores set backed by the DAL's persisted
// cores index.
type Manager struct {
	mainCtx  *chaincontext.ChainContext
	verifier signer.Verifier
	window   int
	cores    map[coreKey]*Core
}

// New returns a Manager bound to the main chain's DAL, with the given
// branch window size W.
func New(mainDAL dal.DAL, p *params.Params, verifier signer.Verifier, window int) *Manager {
	return &Manager{
		mainCtx:  chaincontext.New(mainDAL, p, verifier),
		verifier: verifier,
		window:   window,
		cores:    map[coreKey]*Core{},
	}
}

// LoadCores rebuilds the in-memory cores set from the DAL's persisted
// index, reattaching each record to a live overlay via DAL.LoadCore. It
// is meant to run once at startup.
func (m *Manager) LoadCores(ctx context.Context) error {
	records, err := m.mainCtx.DAL().GetCores(ctx)
	if err != nil {
		return errors.Wrap(err, "forkmanager: loading cores index")
	}
	for _, rec := range records {
		childDAL, err := m.mainCtx.DAL().LoadCore(ctx, rec)
		if err != nil {
			return errors.Wrapf(err, "forkmanager: loading core %d/%s", rec.ForkPointNumber, rec.ForkPointHash)
		}
		core := &Core{
			ForkPointNumber:       rec.ForkPointNumber,
			ForkPointHash:         rec.ForkPointHash,
			ForkPointPreviousHash: rec.ForkPointPreviousHash,
			Ctx:                   chaincontext.New(childDAL, m.mainCtx.Params(), m.verifier),
		}
		m.cores[core.key()] = core
	}
	return nil
}

// Current returns the block at the tip of the main fork: the leading
// core's block if any core exists, otherwise the confirmed tip.
func (m *Manager) Current(ctx context.Context) (*block.Block, error) {
	main := m.mainForkContext()
	return main.Current(ctx)
}

// Branches returns the leaf cores: those with no child core in the set.
func (m *Manager) Branches() []*Core {
	hasChild := map[coreKey]bool{}
	for _, c := range m.cores {
		hasChild[c.parentKey()] = true
	}
	var leaves []*Core
	for _, c := range m.cores {
		if !hasChild[c.key()] {
			leaves = append(leaves, c)
		}
	}
	return leaves
}

// mainForkContext returns the ChainContext of the elected main fork: among
// leaf... actually among ALL cores at the greatest forkPointNumber, the
// one with the lexicographically greatest hash, per spec.md §4.3. If no
// core exists, the main chain's own context is the main fork.
func (m *Manager) mainForkContext() *chaincontext.ChainContext {
	leader := m.mainForkCore()
	if leader == nil {
		return m.mainCtx
	}
	return leader.Ctx
}

func (m *Manager) mainForkCore() *Core {
	if len(m.cores) == 0 {
		return nil
	}
	var max int64 = -1
	for _, c := range m.cores {
		if c.ForkPointNumber > max {
			max = c.ForkPointNumber
		}
	}
	var best *Core
	for _, c := range m.cores {
		if c.ForkPointNumber != max {
			continue
		}
		if best == nil || c.ForkPointHash > best.ForkPointHash {
			best = c
		}
	}
	return best
}

// Submit implements the admission algorithm of spec.md §4.3. doCheck
// governs whether promotion re-validates blocks it appends to the
// confirmed chain; the initial admission check against the parent's
// context always runs in full (signatures and PoW included).
func (m *Manager) Submit(ctx context.Context, b *block.Block, doCheck bool) (*block.Block, error) {
	if already, err := m.isAlreadyKnown(ctx, b); err != nil {
		return nil, err
	} else if already {
		return nil, ruleerrors.ErrAlreadyKnown
	}

	if len(m.cores) == 0 && m.window == 0 {
		applied, err := m.mainCtx.AddBlock(ctx, b, true)
		if err != nil {
			return nil, err
		}
		return applied, nil
	}

	parentCtx, err := m.findParentContext(ctx, b)
	if err != nil {
		return nil, err
	}

	if err := parentCtx.CheckBlock(ctx, b, true); err != nil {
		return nil, err
	}

	rec := dal.CoreRecord{
		ForkPointNumber:       b.Number,
		ForkPointHash:         b.Hash,
		ForkPointPreviousHash: b.PreviousHash,
	}
	childDAL, err := parentCtx.DAL().Fork(ctx, rec)
	if err != nil {
		return nil, errors.Wrap(err, "forkmanager: forking DAL view")
	}
	childCtx := chaincontext.New(childDAL, m.mainCtx.Params(), m.verifier)
	if _, err := childCtx.AddBlock(ctx, b, false); err != nil {
		return nil, err
	}
	if err := m.mainCtx.DAL().AddCore(ctx, rec); err != nil {
		return nil, errors.Wrap(err, "forkmanager: registering core")
	}
	core := &Core{
		ForkPointNumber:       rec.ForkPointNumber,
		ForkPointHash:         rec.ForkPointHash,
		ForkPointPreviousHash: rec.ForkPointPreviousHash,
		Ctx:                   childCtx,
	}
	m.cores[core.key()] = core
	log.Debugf("admitted core %s", core.key())

	if err := m.prune(ctx, doCheck); err != nil {
		return nil, err
	}
	return b, nil
}

// CheckBlock validates b against the context of whichever core (or the
// main chain) it extends, without admitting it. Used by checkBlock(B) of
// spec.md §6, which is a dry run of Submit's first two steps.
func (m *Manager) CheckBlock(ctx context.Context, b *block.Block) error {
	if already, err := m.isAlreadyKnown(ctx, b); err != nil {
		return err
	} else if already {
		return ruleerrors.ErrAlreadyKnown
	}
	parentCtx, err := m.findParentContext(ctx, b)
	if err != nil {
		return err
	}
	return parentCtx.CheckBlock(ctx, b, true)
}

// MainContext returns the ChainContext of the currently elected main
// fork (a core's, or the confirmed chain's own if no core exists).
func (m *Manager) MainContext() *chaincontext.ChainContext {
	return m.mainForkContext()
}

func (m *Manager) isAlreadyKnown(ctx context.Context, b *block.Block) (bool, error) {
	if _, ok := m.cores[(coreKey{number: b.Number, hash: b.Hash})]; ok {
		return true, nil
	}
	confirmed, err := m.mainCtx.DAL().GetBlockOrNil(ctx, b.Number)
	if err != nil {
		return false, err
	}
	if confirmed != nil && confirmed.Hash == b.Hash {
		return true, nil
	}
	return false, nil
}

// findParentContext locates the context (a core's, or the main chain's)
// whose tip matches (B.number-1, B.previousHash).
func (m *Manager) findParentContext(ctx context.Context, b *block.Block) (*chaincontext.ChainContext, error) {
	want := coreKey{number: b.Number - 1, hash: b.PreviousHash}
	if core, ok := m.cores[want]; ok {
		return core.Ctx, nil
	}
	tip, err := m.mainCtx.Current(ctx)
	if err != nil {
		return nil, err
	}
	if b.Number == 0 && tip == nil {
		return m.mainCtx, nil
	}
	if tip != nil && tip.Number == want.number && tip.Hash == want.hash {
		return m.mainCtx, nil
	}
	return nil, ruleerrors.ErrPreviousNotFound
}

// prune promotes stabilized branches once the unique highest leaf exceeds
// the branch window, per spec.md §4.3's pruning algorithm. Pruning is
// suspended (a no-op) while more than one core sits at the highest
// height, per spec.md §4.3 step 3 and Open Question 2 in DESIGN.md.
func (m *Manager) prune(ctx context.Context, doCheck bool) error {
	leaves := m.Branches()
	if len(leaves) == 0 {
		return nil
	}
	var maxHeight int64 = -1
	for _, l := range leaves {
		if l.ForkPointNumber > maxHeight {
			maxHeight = l.ForkPointNumber
		}
	}
	var atMax []*Core
	for _, l := range leaves {
		if l.ForkPointNumber == maxHeight {
			atMax = append(atMax, l)
		}
	}
	if len(atMax) != 1 {
		log.Debugf("pruning suspended: %d cores at height %d", len(atMax), maxHeight)
		return nil
	}
	leaf := atMax[0]

	tip, err := m.mainCtx.Current(ctx)
	if err != nil {
		return err
	}
	var branchSize int64
	if tip != nil {
		branchSize = leaf.ForkPointNumber - tip.Number
	} else {
		branchSize = leaf.ForkPointNumber + 1
	}
	if branchSize <= int64(m.window) {
		return nil
	}

	branch := m.collectBranch(leaf)
	toPromote := int(branchSize) - m.window
	if toPromote > len(branch) {
		toPromote = len(branch)
	}
	eligible := branch[:toPromote]

	for _, c := range eligible {
		if err := m.promote(ctx, c, doCheck); err != nil {
			return err
		}
	}
	return nil
}

// collectBranch walks from leaf down through its ancestor cores and
// returns them in ascending height order (lowest first).
func (m *Manager) collectBranch(leaf *Core) []*Core {
	var chain []*Core
	cur := leaf
	for {
		chain = append(chain, cur)
		parent, ok := m.cores[cur.parentKey()]
		if !ok {
			break
		}
		cur = parent
	}
	sort.Slice(chain, func(i, j int) bool { return chain[i].ForkPointNumber < chain[j].ForkPointNumber })
	return chain
}

func (m *Manager) promote(ctx context.Context, c *Core, doCheck bool) error {
	blk, err := c.Ctx.Current(ctx)
	if err != nil {
		return err
	}
	if _, err := m.mainCtx.AddBlock(ctx, blk, doCheck); err != nil {
		return errors.Wrapf(err, "forkmanager: promoting core %s", c.key())
	}
	if err := m.mainCtx.DAL().TransferPendingFrom(ctx, c.Ctx.DAL()); err != nil {
		return errors.Wrap(err, "forkmanager: transferring pending pool")
	}
	rec := dal.CoreRecord{ForkPointNumber: c.ForkPointNumber, ForkPointHash: c.ForkPointHash, ForkPointPreviousHash: c.ForkPointPreviousHash}
	if err := m.mainCtx.DAL().Unfork(ctx, rec); err != nil {
		return errors.Wrap(err, "forkmanager: unforking promoted core")
	}
	delete(m.cores, c.key())

	// Recursive orphan pruning: siblings that shared c's parent key but
	// represent a different block are now unreachable.
	sameParent := c.parentKey()
	for key, x := range m.cores {
		if x.parentKey() == sameParent && x.ForkPointHash != c.ForkPointHash {
			m.discardRecursive(ctx, key)
		}
	}

	// Rebind the surviving line: children of c reparent their overlay
	// directly onto the (now-extended) main DAL.
	cKey := c.key()
	for _, x := range m.cores {
		if x.parentKey() == cKey {
			if err := x.Ctx.DAL().SetRootDAL(ctx, m.mainCtx.DAL()); err != nil {
				return errors.Wrapf(err, "forkmanager: rebinding core %s", x.key())
			}
		}
	}

	log.Infof("promoted block %d/%s to confirmed chain", c.ForkPointNumber, c.ForkPointHash)
	return nil
}

func (m *Manager) discardRecursive(ctx context.Context, key coreKey) {
	c, ok := m.cores[key]
	if !ok {
		return
	}
	delete(m.cores, key)
	rec := dal.CoreRecord{ForkPointNumber: c.ForkPointNumber, ForkPointHash: c.ForkPointHash, ForkPointPreviousHash: c.ForkPointPreviousHash}
	if err := m.mainCtx.DAL().Unfork(ctx, rec); err != nil {
		log.Warnf("forkmanager: unforking orphan %s: %s", key, err)
	}
	log.Debugf("discarded orphan core %s", key)
	for otherKey, x := range m.cores {
		if x.parentKey() == key {
			m.discardRecursive(ctx, otherKey)
		}
	}
}
