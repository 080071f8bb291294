// Package dal declares the data-access contract the core consumes. The
// core never talks to storage directly; every component is handed a DAL
// and reads/writes exclusively through it, so the storage backend (or a
// forked in-memory overlay) is swappable.
package dal

import (
	"context"

	"github.com/duniter-io/ucoin-core/internal/block"
)

// CoreRecord is the persisted identity of one fork-tree node: enough to
// rebuild the cores index without walking every block.
type CoreRecord struct {
	ForkPointNumber       int64
	ForkPointHash         string
	ForkPointPreviousHash string
}

// Stat accumulates per-block-range counters for one metric.
type Stat struct {
	Name            string
	LastParsedBlock int64
	Blocks          []int64
	Values          []int64
}

// DAL is the read/write contract consumed by ChainContext, ForkManager,
// and BlockAssembler. Every method is context-cancellable and returns
// wrapped errors (via github.com/pkg/errors) on I/O failure; validation
// failures are reported by the caller as ruleerrors, not by the DAL.
type DAL interface {
	// Confirmed-chain reads.
	CurrentBlockOrNil(ctx context.Context) (*block.Block, error)
	GetBlock(ctx context.Context, number int64) (*block.Block, error)
	GetBlockOrNil(ctx context.Context, number int64) (*block.Block, error)
	GetPromoted(ctx context.Context, number int64) (*block.Block, error)

	// Confirmed-chain writes. AddBlock is the only mutating entry point
	// for the confirmed chain and must be atomic: identities/memberships/
	// links/exclusions/monetary-mass/UD-state all commit together or not
	// at all.
	AddBlock(ctx context.Context, b *block.Block) error

	// Cores index, backing ForkManager's in-memory set.
	GetCores(ctx context.Context) ([]CoreRecord, error)
	AddCore(ctx context.Context, rec CoreRecord) error
	Unfork(ctx context.Context, rec CoreRecord) error

	// Fork creates a child DAL overlaying this one with no delta applied
	// yet; the caller applies the new block's effects onto the child via
	// AddBlock.
	Fork(ctx context.Context, forkPoint CoreRecord) (DAL, error)

	// LoadCore rebuilds a forked view for an already-registered core, used
	// on startup to reattach cores index entries to live DAL overlays.
	LoadCore(ctx context.Context, rec CoreRecord) (DAL, error)

	// SetRootDAL reparents an overlay onto a new base, used when a parent
	// core is promoted and its surviving children must rebind directly
	// onto the main DAL.
	SetRootDAL(ctx context.Context, root DAL) error

	// WoT / membership queries.
	IsMember(ctx context.Context, pubkey string) (bool, error)
	IsMemberOrError(ctx context.Context, pubkey string) error
	IsMemberAndNonLeaverOrError(ctx context.Context, pubkey string) error
	GetMembers(ctx context.Context) ([]string, error)
	GetIdentityByHashOrNil(ctx context.Context, hash string) (*block.Identity, error)
	GetIdentityByPubkeyOrNil(ctx context.Context, pubkey string) (*block.Identity, error)
	GetIdentityByUIDOrNil(ctx context.Context, uid string) (*block.Identity, error)
	GetMembershipsForIssuer(ctx context.Context, issuer string) ([]block.Membership, error)
	GetToBeKicked(ctx context.Context) ([]string, error)

	// MarkToBeKicked/ClearToBeKicked maintain the toBeKicked set that
	// ChainContext.AddBlock's exclusion pass populates and the assembler's
	// GetToBeKicked read consumes at the next assembly.
	MarkToBeKicked(ctx context.Context, pubkey string) error
	ClearToBeKicked(ctx context.Context, pubkey string) error

	// Link graph.
	GetValidLinksFrom(ctx context.Context, pubkey string) ([]block.Link, error)
	GetValidLinksTo(ctx context.Context, pubkey string) ([]block.Link, error)
	ExistsLinkFromOrAfterDate(ctx context.Context, from, to string, minTime int64) (bool, error)
	RegisterNewCertification(ctx context.Context, l block.Link) error
	CertsNotLinkedToTarget(ctx context.Context, targetHash string) ([]block.Certification, error)
	CertsFindNew(ctx context.Context) ([]block.Certification, error)
	GetCertificationExcludingBlock(ctx context.Context, number int64) ([]block.Certification, error)

	// Universal dividend.
	LastUDBlock(ctx context.Context) (*block.Block, error)

	// Pending pools.
	GetTransactionsPending(ctx context.Context) ([]block.Transaction, error)
	RemoveTxByHash(ctx context.Context, hash string) error
	DropTxRecords(ctx context.Context) error
	SaveTxsInFiles(ctx context.Context, txs []block.Transaction) error
	FindNewcomers(ctx context.Context) ([]block.Membership, error)
	FindLeavers(ctx context.Context) ([]block.Membership, error)
	ListLocalPendingIdentities(ctx context.Context) ([]block.Identity, error)
	ListLocalPendingCerts(ctx context.Context) ([]block.Certification, error)
	ListPendingLocalMemberships(ctx context.Context) ([]block.Membership, error)
	ListAllPeers(ctx context.Context) ([]string, error)
	SavePendingIdentity(ctx context.Context, idty block.Identity) error
	SavePendingMembership(ctx context.Context, m block.Membership) error
	SavePeer(ctx context.Context, peer string) error

	// Statistics.
	SaveStat(ctx context.Context, s Stat) error
	GetStat(ctx context.Context, name string) (*Stat, error)

	// TransferPendingFrom moves the pending pools (identities, certs,
	// memberships, peers) of another DAL view into this one, deduplicated
	// by natural key. Used during pruning promotion.
	TransferPendingFrom(ctx context.Context, other DAL) error
}
