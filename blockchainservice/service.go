// Package blockchainservice wires ChainContext, ForkManager,
// BlockAssembler, PoWCoordinator, and SubmissionPipeline into the single
// entry point spec.md §6 describes: the full operation list a node's
// networking/RPC layer (out of scope here) would call into.
package blockchainservice

import (
	"context"
	"time"

	"github.com/duniter-io/ucoin-core/config"
	"github.com/duniter-io/ucoin-core/internal/block"
	"github.com/duniter-io/ucoin-core/internal/blockassembler"
	"github.com/duniter-io/ucoin-core/internal/chaincontext"
	"github.com/duniter-io/ucoin-core/internal/dal"
	"github.com/duniter-io/ucoin-core/internal/forkmanager"
	"github.com/duniter-io/ucoin-core/internal/powcoordinator"
	"github.com/duniter-io/ucoin-core/internal/ruleerrors"
	"github.com/duniter-io/ucoin-core/internal/signer"
	"github.com/duniter-io/ucoin-core/internal/submission"
	"github.com/duniter-io/ucoin-core/internal/wotgraph"
)

// Service is the BlockchainService core described by spec.md §1-2: a
// storage-agnostic, network-agnostic block-validation and fork-tree
// consensus engine, with an optional self-mining loop.
type Service struct {
	cfg       *config.Config
	pubkey    string
	fm        *forkmanager.Manager
	assembler *blockassembler.Assembler
	pipeline  *submission.Pipeline
	pow       *powcoordinator.Coordinator
}

// New wires a Service reading/writing through mainDAL. pubkey identifies
// this node's own signing identity, used to decide whether the
// PoWCoordinator's Waiting delay applies (spec.md §4.5's "self was not
// the last issuer" precondition). sig is used to sign self-mined blocks;
// verifier checks every signature this core is handed.
func New(cfg *config.Config, mainDAL dal.DAL, sig signer.Signer, verifier signer.Verifier, pubkey string) *Service {
	fm := forkmanager.New(mainDAL, &cfg.Params, verifier, cfg.BranchesWindowSize)
	pow := powcoordinator.New(sig, cfg.CPU)
	return &Service{
		cfg:       cfg,
		pubkey:    pubkey,
		fm:        fm,
		assembler: blockassembler.New(chaincontext.New(mainDAL, &cfg.Params, verifier), cfg.RootOffset),
		pipeline:  submission.New(fm, pow),
		pow:       pow,
	}
}

// LoadCores rebuilds the in-memory fork-tree from the DAL's persisted
// cores index. Call once at startup before serving any operation.
func (s *Service) LoadCores(ctx context.Context) error {
	return s.fm.LoadCores(ctx)
}

// SubmitBlock implements submitBlock(B, doCheck).
func (s *Service) SubmitBlock(ctx context.Context, b *block.Block, doCheck bool) (*block.Block, error) {
	return s.pipeline.Submit(ctx, b, doCheck, false)
}

// CheckBlock implements checkBlock(B): a dry-run validation with no
// admission side effect.
func (s *Service) CheckBlock(ctx context.Context, b *block.Block) error {
	return s.fm.CheckBlock(ctx, b)
}

// Current implements current(): the tip of the elected main fork.
func (s *Service) Current(ctx context.Context) (*block.Block, error) {
	return s.fm.Current(ctx)
}

// Promoted implements promoted(n): the confirmed (unforkable) block at
// height n.
func (s *Service) Promoted(ctx context.Context, n int64) (*block.Block, error) {
	return s.fm.MainContext().DAL().GetPromoted(ctx, n)
}

// Branches implements branches(): the leaf cores of the fork tree.
func (s *Service) Branches() []*forkmanager.Core {
	return s.fm.Branches()
}

// GenerateNext implements generateNext(): a candidate extending the
// current tip, selecting joiners/leavers/certifiers/transactions
// automatically.
func (s *Service) GenerateNext(ctx context.Context) (*block.Block, error) {
	return s.assembler.GenerateNext(ctx, blockassembler.AutomaticStrategy())
}

// GenerateEmptyNextBlock implements generateEmptyNextBlock().
func (s *Service) GenerateEmptyNextBlock(ctx context.Context) (*block.Block, error) {
	return s.assembler.GenerateEmptyNextBlock(ctx)
}

// GenerateManualRoot implements generateManualRoot().
func (s *Service) GenerateManualRoot(ctx context.Context, selectedUIDs []string) (*block.Block, error) {
	return s.assembler.GenerateManualRoot(ctx, &s.cfg.Params, selectedUIDs)
}

// MakeNextBlock implements makeNextBlock(B?, sigFn?, trial?): if
// existing is non-nil it is returned as-is (the caller already has a
// candidate to prove); otherwise a fresh candidate is generated, subject
// to the mining preconditions of spec.md §4.5. trial is the issuer's
// personal difficulty ceiling; a value above current.powMin+1 defers
// generation with ErrPersonalTrialTooHigh.
func (s *Service) MakeNextBlock(ctx context.Context, existing *block.Block, trial int) (*block.Block, error) {
	if existing != nil {
		return existing, nil
	}
	if !s.cfg.Participate {
		return nil, nil
	}
	current, err := s.Current(ctx)
	if err != nil {
		return nil, err
	}
	if current != nil {
		ceiling, err := s.fm.MainContext().GetTrialLevel(ctx)
		if err != nil {
			return nil, err
		}
		if trial > ceiling {
			return nil, ruleerrors.ErrPersonalTrialTooHigh
		}
	}
	if current == nil {
		return nil, ruleerrors.ErrPreviousNotFound.WithMessagef("no confirmed tip; call GenerateManualRoot instead")
	}
	return s.GenerateNext(ctx)
}

// Prove implements prove(B, sigFn, nbZeros): it blocks until B's nonce
// satisfies nbZeros leading zero nibbles, is cancelled by an externally
// submitted block (returning nil, nil), or ctx is cancelled.
func (s *Service) Prove(ctx context.Context, b *block.Block, nbZeros int) (*block.Block, error) {
	return s.pow.Prove(ctx, b, nbZeros)
}

// StartGeneration implements startGeneration(): one self-mining round,
// which mines at most one block and then returns. The mined block is
// submitted through the pipeline with priority below externally-arrived
// blocks, per spec.md §4.6.
func (s *Service) StartGeneration(ctx context.Context) error {
	current, err := s.Current(ctx)
	if err != nil {
		return err
	}
	var delay time.Duration
	if current != nil && current.Issuer == s.pubkey {
		delay = s.cfg.PowDelay
	}

	next := func(ctx context.Context) (*block.Block, int, error) {
		b, err := s.MakeNextBlock(ctx, nil, 0)
		if err != nil {
			return nil, 0, err
		}
		if b == nil {
			return nil, 0, ruleerrors.ErrPreviousNotFound.WithMessagef("mining preconditions not met")
		}
		return b, b.PoWMin, nil
	}
	onMined := func(found *block.Block) {
		spawn(func() {
			if _, err := s.pipeline.Submit(context.Background(), found, true, true); err != nil {
				log.Errorf("submitting self-mined block %d: %s", found.Number, err)
			}
		})
	}
	return s.pow.StartGeneration(ctx, delay, next, onMined)
}

// StopProof implements stopProof().
func (s *Service) StopProof() {
	s.pow.StopProof()
}

// GetPoWProcessStats implements getPoWProcessStats().
func (s *Service) GetPoWProcessStats() powcoordinator.Stats {
	return s.pow.Stats()
}

// IdentityRequirements is the diagnostic requirementsOfIdentity(idty)
// returns: what is still missing for a pending identity to be admitted
// as a member on the next block.
type IdentityRequirements struct {
	Pubkey               string
	IsMember             bool
	CertificationCount   int
	CertificationsNeeded int
	Outdistanced         bool
	FailingSentries      []string
}

// RequirementsOfIdentity implements requirementsOfIdentity(idty).
func (s *Service) RequirementsOfIdentity(ctx context.Context, pubkey string) (*IdentityRequirements, error) {
	d := s.fm.MainContext().DAL()
	idty, err := d.GetIdentityByPubkeyOrNil(ctx, pubkey)
	if err != nil {
		return nil, err
	}
	if idty == nil {
		return nil, ruleerrors.ErrIdentityNotFound
	}
	p := s.fm.MainContext().Params()
	isMember, err := d.IsMember(ctx, pubkey)
	if err != nil {
		return nil, err
	}
	incoming, err := d.GetValidLinksTo(ctx, pubkey)
	if err != nil {
		return nil, err
	}
	members, err := d.GetMembers(ctx)
	if err != nil {
		return nil, err
	}
	var links [][2]string
	memberSet := map[string]bool{}
	for _, m := range members {
		memberSet[m] = true
		from, err := d.GetValidLinksFrom(ctx, m)
		if err != nil {
			return nil, err
		}
		for _, l := range from {
			links = append(links, [2]string{l.From, l.To})
		}
	}
	graph := wotgraph.New(append(members, pubkey), links)
	sentries := graph.Sentries(p.SigWoT)
	failing := wotgraph.FailingSentries(graph, sentries, pubkey, p.StepMax)

	return &IdentityRequirements{
		Pubkey:               pubkey,
		IsMember:             isMember,
		CertificationCount:   len(incoming),
		CertificationsNeeded: max(0, p.SigQty-len(incoming)),
		Outdistanced:         len(failing) > 0,
		FailingSentries:      failing,
	}, nil
}

// GetCertificationsExcludingBlock implements
// getCertificationsExludingBlock().
func (s *Service) GetCertificationsExcludingBlock(ctx context.Context, number int64) ([]block.Certification, error) {
	return s.fm.MainContext().DAL().GetCertificationExcludingBlock(ctx, number)
}

// RecomputeTxRecords implements recomputeTxRecords(): it drops and
// rebuilds the pending-transaction pool's derived index files, serialized
// through the pipeline's stand-in statQueue.
func (s *Service) RecomputeTxRecords(ctx context.Context) error {
	return s.pipeline.RecomputeStats(func() error {
		d := s.fm.MainContext().DAL()
		pending, err := d.GetTransactionsPending(ctx)
		if err != nil {
			return err
		}
		if err := d.DropTxRecords(ctx); err != nil {
			return err
		}
		return d.SaveTxsInFiles(ctx, pending)
	})
}

// AddStatComputing implements addStatComputing(): it records one metric
// data point, serialized through the stand-in statQueue.
func (s *Service) AddStatComputing(ctx context.Context, name string, blockNumber, value int64) error {
	return s.pipeline.RecomputeStats(func() error {
		d := s.fm.MainContext().DAL()
		stat, err := d.GetStat(ctx, name)
		if err != nil {
			return err
		}
		if stat == nil {
			stat = &dal.Stat{Name: name}
		}
		stat.Blocks = append(stat.Blocks, blockNumber)
		stat.Values = append(stat.Values, value)
		stat.LastParsedBlock = blockNumber
		return d.SaveStat(ctx, *stat)
	})
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
