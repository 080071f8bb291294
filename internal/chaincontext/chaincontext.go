// Package chaincontext binds a validator to one concrete DAL view,
// exposing the checkBlock/addBlock/current operations spec.md §4.2
// describes.
package chaincontext

import (
	"context"

	"github.com/duniter-io/ucoin-core/internal/block"
	"github.com/duniter-io/ucoin-core/internal/dal"
	"github.com/duniter-io/ucoin-core/internal/params"
	"github.com/duniter-io/ucoin-core/internal/ruleerrors"
	"github.com/duniter-io/ucoin-core/internal/signer"
	"github.com/duniter-io/ucoin-core/internal/validator"
	"github.com/duniter-io/ucoin-core/internal/wotgraph"
	"github.com/pkg/errors"
)

// ChainContext binds a Validator to a specific DAL view.
type ChainContext struct {
	d        dal.DAL
	params   *params.Params
	verifier signer.Verifier
}

// New returns a ChainContext bound to d. params is the genesis protocol
// constants; it is discovered from the DAL's height-0 block if nil is
// passed and a root block already exists.
func New(d dal.DAL, p *params.Params, verifier signer.Verifier) *ChainContext {
	if p == nil {
		if root, err := d.GetBlockOrNil(context.Background(), 0); err == nil && root != nil {
			p = root.Parameters
		}
	}
	return &ChainContext{d: d, params: p, verifier: verifier}
}

// DAL returns the view this context is bound to.
func (c *ChainContext) DAL() dal.DAL { return c.d }

// Params returns the protocol constants this context validates against.
func (c *ChainContext) Params() *params.Params { return c.params }

// Current returns the tip of this view, or nil on an empty chain.
func (c *ChainContext) Current(ctx context.Context) (*block.Block, error) {
	return c.d.CurrentBlockOrNil(ctx)
}

// GetBlock returns the block at height n in this view.
func (c *ChainContext) GetBlock(ctx context.Context, n int64) (*block.Block, error) {
	return c.d.GetBlock(ctx, n)
}

// GetPromoted returns the confirmed (non-forkable) block at height n.
func (c *ChainContext) GetPromoted(ctx context.Context, n int64) (*block.Block, error) {
	return c.d.GetPromoted(ctx, n)
}

// GetPoWMin returns the difficulty floor the next block after the current
// tip must satisfy.
func (c *ChainContext) GetPoWMin(ctx context.Context) (int, error) {
	parent, err := c.Current(ctx)
	if err != nil {
		return 0, err
	}
	return validator.ComputePoWMin(ctx, c.d, c.params, parent)
}

// GetMedianTime returns the medianTime the next block after the current
// tip must carry.
func (c *ChainContext) GetMedianTime(ctx context.Context) (int64, error) {
	parent, err := c.Current(ctx)
	if err != nil {
		return 0, err
	}
	return validator.ComputeMedianTime(ctx, c.d, c.params, parent)
}

// GetTrialLevel returns the current personal-difficulty ceiling
// (current.PoWMin + 1) an issuer must not exceed to be allowed to mine,
// per spec.md §4.5's precondition list.
func (c *ChainContext) GetTrialLevel(ctx context.Context) (int, error) {
	current, err := c.Current(ctx)
	if err != nil {
		return 0, err
	}
	if current == nil {
		return 1, nil
	}
	return current.PoWMin + 1, nil
}

// CheckBlock validates b against this view without mutating it.
func (c *ChainContext) CheckBlock(ctx context.Context, b *block.Block, withSigAndPoW bool) error {
	if err := validator.LocalCheck(b); err != nil {
		return err
	}
	parent, err := c.Current(ctx)
	if err != nil {
		return err
	}
	if !b.IsRoot() && parent == nil {
		return ruleerrors.ErrPreviousNotFound
	}
	p := c.params
	if b.IsRoot() {
		p = b.Parameters
	}
	return validator.Global(ctx, c.d, p, parent, b, withSigAndPoW, c.verifier)
}

// AddBlock validates (unless doCheck is false) and applies b to this
// view: persisting it, materializing certifications as links, applying
// membership/exclusion transitions, and consuming the entities of the
// pending pool that b just confirmed. AddBlock is atomic with respect to
// the DAL view.
func (c *ChainContext) AddBlock(ctx context.Context, b *block.Block, doCheck bool) (*block.Block, error) {
	if doCheck {
		if err := c.CheckBlock(ctx, b, true); err != nil {
			return nil, err
		}
	}
	if b.IsRoot() {
		c.params = b.Parameters
	}
	if err := c.d.AddBlock(ctx, b); err != nil {
		return nil, errors.Wrap(err, "chaincontext: applying block")
	}
	for _, pub := range b.Excluded {
		if err := c.d.ClearToBeKicked(ctx, pub); err != nil {
			return nil, errors.Wrap(err, "chaincontext: clearing kicked flag")
		}
	}
	if !b.IsRoot() {
		if err := c.markExclusions(ctx, b); err != nil {
			return nil, errors.Wrap(err, "chaincontext: scanning for exclusions")
		}
	}
	log.Debugf("added block %d/%s (members=%d)", b.Number, b.Hash, b.MembersCount)
	return b, nil
}

// markExclusions implements spec.md §4.2's "apply exclusions" step and
// SPEC_FULL.md §3's third exclusion category: after b is applied, every
// current member is re-checked against the three ways a member falls out
// of good standing — membership expiry (msValidity), certification
// undersupply (fewer than sigQty live incoming links), and WoT distance
// (not reachable within stepMax hops from at least one sentry). A member failing any
// check is flagged via MarkToBeKicked so the next assembled block appends
// it to Excluded, per spec.md §4.4 step 8.
func (c *ChainContext) markExclusions(ctx context.Context, b *block.Block) error {
	p := c.params
	if p == nil {
		return nil
	}
	members, err := c.d.GetMembers(ctx)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}

	var links [][2]string
	incoming := map[string]int{}
	for _, m := range members {
		from, err := c.d.GetValidLinksFrom(ctx, m)
		if err != nil {
			return err
		}
		for _, l := range from {
			if !l.IsAliveAt(b.MedianTime) {
				continue
			}
			links = append(links, [2]string{l.From, l.To})
			incoming[l.To]++
		}
	}
	g := wotgraph.New(members, links)
	sentries := g.Sentries(p.SigWoT)

	for _, m := range members {
		idty, err := c.d.GetIdentityByPubkeyOrNil(ctx, m)
		if err != nil {
			return err
		}

		expired := idty != nil && b.MedianTime-idty.MembershipTS > p.MsValidity
		undersupplied := incoming[m] < p.SigQty
		outdistanced := wotgraph.IsOutdistanced(g, sentries, m, p.StepMax)

		if !expired && !undersupplied && !outdistanced {
			continue
		}
		if err := c.d.MarkToBeKicked(ctx, m); err != nil {
			return err
		}
		log.Debugf("marking %s to be kicked (expired=%v undersupplied=%v outdistanced=%v)", m, expired, undersupplied, outdistanced)
	}
	return nil
}
