// Package memdal is an in-memory dal.DAL used by every package's tests
// and available as a development backend. Forking copies the mutable
// view state (members, identities, links, monetary mass) so that a core's
// overlay can diverge from its parent without touching it; promotion
// (dal.DAL.SetRootDAL) simply re-points a surviving overlay's parent.
package memdal

import (
	"context"
	"fmt"
	"sort"

	"github.com/duniter-io/ucoin-core/internal/block"
	"github.com/duniter-io/ucoin-core/internal/dal"
	"github.com/duniter-io/ucoin-core/internal/params"
	"github.com/pkg/errors"
)

var errNotFound = errors.New("memdal: not found")

// root holds state shared by every view forked from the same base chain:
// the confirmed chain itself and the cores index. Overlays never mutate
// root's confirmedBlocks directly except through the one instance that is
// actually the main chain DAL.
type root struct {
	confirmedBlocks []*block.Block
	cores           []dal.CoreRecord
}

// MemDAL is one view of the chain: either the main chain (parent == nil,
// ownBlock == nil) or a core's overlay (parent set, ownBlock the block
// this core adds on top of parent's view).
type MemDAL struct {
	r        *root
	parent   *MemDAL
	ownBlock *block.Block

	members        map[string]bool
	identityByHash map[string]*block.Identity
	identityByPub  map[string]*block.Identity
	identityByUID  map[string]*block.Identity
	linksFrom      map[string][]block.Link
	linksTo        map[string][]block.Link
	monetaryMass   int64
	membersCount   int64
	lastUDBlock    *block.Block
	toBeKicked     map[string]bool

	pendingIdentities  []block.Identity
	pendingCerts       []block.Certification
	pendingMemberships []block.Membership
	pendingTxs         []block.Transaction
	peers              map[string]bool
	stats              map[string]*dal.Stat
}

// New returns an empty main-chain DAL.
func New() *MemDAL {
	return &MemDAL{
		r:              &root{},
		members:        map[string]bool{},
		identityByHash: map[string]*block.Identity{},
		identityByPub:  map[string]*block.Identity{},
		identityByUID:  map[string]*block.Identity{},
		linksFrom:      map[string][]block.Link{},
		linksTo:        map[string][]block.Link{},
		toBeKicked:     map[string]bool{},
		peers:          map[string]bool{},
		stats:          map[string]*dal.Stat{},
	}
}

func cloneStringLinks(m map[string][]block.Link) map[string][]block.Link {
	out := make(map[string][]block.Link, len(m))
	for k, v := range m {
		cp := make([]block.Link, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

func cloneIdentities(m map[string]*block.Identity) map[string]*block.Identity {
	out := make(map[string]*block.Identity, len(m))
	for k, v := range m {
		cp := *v
		out[k] = &cp
	}
	return out
}

func cloneBoolSet(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// snapshot copies the mutable view state of d into a fresh child overlay.
func (d *MemDAL) snapshot() *MemDAL {
	idByHash := cloneIdentities(d.identityByHash)
	idByPub := make(map[string]*block.Identity, len(idByHash))
	idByUID := make(map[string]*block.Identity, len(idByHash))
	for _, idty := range idByHash {
		idByPub[idty.Pubkey] = idty
		idByUID[idty.UID] = idty
	}
	return &MemDAL{
		r:              d.r,
		parent:         d,
		members:        cloneBoolSet(d.members),
		identityByHash: idByHash,
		identityByPub:  idByPub,
		identityByUID:  idByUID,
		linksFrom:      cloneStringLinks(d.linksFrom),
		linksTo:        cloneStringLinks(d.linksTo),
		monetaryMass:   d.monetaryMass,
		membersCount:   d.membersCount,
		lastUDBlock:    d.lastUDBlock,
		toBeKicked:     cloneBoolSet(d.toBeKicked),
		peers:          cloneBoolSet(d.peers),
		stats:          map[string]*dal.Stat{},
	}
}

// Fork implements dal.DAL.
func (d *MemDAL) Fork(ctx context.Context, forkPoint dal.CoreRecord) (dal.DAL, error) {
	child := d.snapshot()
	return child, nil
}

// LoadCore implements dal.DAL. For the in-memory implementation there is
// nothing to reload from disk; a fresh empty overlay is handed back and
// the caller (ForkManager) is expected to replay the core's block onto it
// via AddBlock, since memdal keeps no independent persistence.
func (d *MemDAL) LoadCore(ctx context.Context, rec dal.CoreRecord) (dal.DAL, error) {
	return d.snapshot(), nil
}

// SetRootDAL implements dal.DAL: reparent this overlay directly onto root
// (used when this overlay's parent core gets promoted, collapsing
// one level of the overlay chain).
func (d *MemDAL) SetRootDAL(ctx context.Context, newRoot dal.DAL) error {
	rd, ok := newRoot.(*MemDAL)
	if !ok {
		return errors.New("memdal: SetRootDAL requires a *MemDAL")
	}
	d.parent = rd
	return nil
}

// CurrentBlockOrNil implements dal.DAL.
func (d *MemDAL) CurrentBlockOrNil(ctx context.Context) (*block.Block, error) {
	if d.ownBlock != nil {
		return d.ownBlock, nil
	}
	if d.parent != nil {
		return d.parent.CurrentBlockOrNil(ctx)
	}
	if len(d.r.confirmedBlocks) == 0 {
		return nil, nil
	}
	return d.r.confirmedBlocks[len(d.r.confirmedBlocks)-1], nil
}

// GetBlockOrNil implements dal.DAL.
func (d *MemDAL) GetBlockOrNil(ctx context.Context, number int64) (*block.Block, error) {
	if d.ownBlock != nil && d.ownBlock.Number == number {
		return d.ownBlock, nil
	}
	if d.parent != nil {
		return d.parent.GetBlockOrNil(ctx, number)
	}
	if number < 0 || number >= int64(len(d.r.confirmedBlocks)) {
		return nil, nil
	}
	return d.r.confirmedBlocks[number], nil
}

// GetBlock implements dal.DAL.
func (d *MemDAL) GetBlock(ctx context.Context, number int64) (*block.Block, error) {
	b, err := d.GetBlockOrNil(ctx, number)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, errors.Wrapf(errNotFound, "block %d", number)
	}
	return b, nil
}

// GetPromoted implements dal.DAL: an alias for GetBlock against the
// confirmed chain specifically (this view's parent-most root), since
// "promoted" refers to a block that has left the fork window.
func (d *MemDAL) GetPromoted(ctx context.Context, number int64) (*block.Block, error) {
	root := d
	for root.parent != nil {
		root = root.parent
	}
	return root.GetBlock(ctx, number)
}

// AddBlock implements dal.DAL. It applies the block's delta onto this
// view: if this view is a bare overlay with no block yet, the block
// becomes its ownBlock; if this view is the main chain, the block is
// appended to the confirmed chain. Either way, membership/link/monetary
// state is updated identically.
func (d *MemDAL) AddBlock(ctx context.Context, b *block.Block) error {
	if d.parent != nil {
		if d.ownBlock != nil {
			return errors.New("memdal: overlay already has a block")
		}
	} else if int64(len(d.r.confirmedBlocks)) != b.Number {
		return errors.Errorf("memdal: out-of-order confirmed append, want number %d got %d", len(d.r.confirmedBlocks), b.Number)
	}

	d.applyMembers(b)
	d.applyLinks(b)
	d.monetaryMass = b.MonetaryMass
	d.membersCount = b.MembersCount
	if b.HasDividend {
		d.lastUDBlock = b
	}

	if d.parent != nil {
		d.ownBlock = b
		return nil
	}
	d.r.confirmedBlocks = append(d.r.confirmedBlocks, b)
	return nil
}

func (d *MemDAL) applyMembers(b *block.Block) {
	for _, idty := range b.Identities {
		cp := idty
		d.identityByHash[idty.Hash] = &cp
		d.identityByPub[idty.Pubkey] = &cp
		d.identityByUID[idty.UID] = &cp
	}
	for _, m := range b.Joiners {
		d.members[m.Issuer] = true
		if idty, ok := d.identityByPub[m.Issuer]; ok {
			idty.Member = true
			idty.WasMember = true
			idty.CurrentMSN = m.Number
			idty.MembershipTS = m.CertTS
		}
	}
	for _, m := range b.Actives {
		if idty, ok := d.identityByPub[m.Issuer]; ok {
			idty.CurrentMSN = m.Number
			idty.MembershipTS = m.CertTS
		}
	}
	for _, m := range b.Leavers {
		delete(d.members, m.Issuer)
		if idty, ok := d.identityByPub[m.Issuer]; ok {
			idty.Member = false
			idty.CurrentMSN = m.Number
		}
	}
	for _, pub := range b.Excluded {
		delete(d.members, pub)
		if idty, ok := d.identityByPub[pub]; ok {
			idty.Member = false
		}
	}
}

func (d *MemDAL) applyLinks(b *block.Block) {
	if b.Parameters == nil && len(b.Certifications) == 0 {
		return
	}
	sigValidity := int64(0)
	if b.Parameters != nil {
		sigValidity = b.Parameters.SigValidity
	} else if root := d.rootDAL(); root != nil {
		if p := root.genesisParams(); p != nil {
			sigValidity = p.SigValidity
		}
	}
	for _, c := range b.Certifications {
		l := block.Link{From: c.From, To: c.To, Timestamp: b.MedianTime, ExpiresOn: b.MedianTime + sigValidity}
		d.linksFrom[c.From] = append(d.linksFrom[c.From], l)
		d.linksTo[c.To] = append(d.linksTo[c.To], l)
	}
}

func (d *MemDAL) rootDAL() *MemDAL {
	root := d
	for root.parent != nil {
		root = root.parent
	}
	return root
}

func (d *MemDAL) genesisParams() *params.Params {
	b, _ := d.GetBlockOrNil(context.Background(), 0)
	if b == nil {
		return nil
	}
	return b.Parameters
}

// GetCores implements dal.DAL.
func (d *MemDAL) GetCores(ctx context.Context) ([]dal.CoreRecord, error) {
	out := make([]dal.CoreRecord, len(d.r.cores))
	copy(out, d.r.cores)
	return out, nil
}

// AddCore implements dal.DAL.
func (d *MemDAL) AddCore(ctx context.Context, rec dal.CoreRecord) error {
	d.r.cores = append(d.r.cores, rec)
	return nil
}

// Unfork implements dal.DAL.
func (d *MemDAL) Unfork(ctx context.Context, rec dal.CoreRecord) error {
	for i, c := range d.r.cores {
		if c.ForkPointNumber == rec.ForkPointNumber && c.ForkPointHash == rec.ForkPointHash {
			d.r.cores = append(d.r.cores[:i], d.r.cores[i+1:]...)
			return nil
		}
	}
	return nil
}

// IsMember implements dal.DAL.
func (d *MemDAL) IsMember(ctx context.Context, pubkey string) (bool, error) {
	return d.members[pubkey], nil
}

// IsMemberOrError implements dal.DAL.
func (d *MemDAL) IsMemberOrError(ctx context.Context, pubkey string) error {
	if !d.members[pubkey] {
		return errors.Errorf("memdal: %s is not a member", pubkey)
	}
	return nil
}

// IsMemberAndNonLeaverOrError implements dal.DAL.
func (d *MemDAL) IsMemberAndNonLeaverOrError(ctx context.Context, pubkey string) error {
	return d.IsMemberOrError(ctx, pubkey)
}

// GetMembers implements dal.DAL.
func (d *MemDAL) GetMembers(ctx context.Context) ([]string, error) {
	out := make([]string, 0, len(d.members))
	for pub := range d.members {
		out = append(out, pub)
	}
	sort.Strings(out)
	return out, nil
}

// GetIdentityByHashOrNil implements dal.DAL.
func (d *MemDAL) GetIdentityByHashOrNil(ctx context.Context, hash string) (*block.Identity, error) {
	return d.identityByHash[hash], nil
}

// GetIdentityByPubkeyOrNil implements dal.DAL.
func (d *MemDAL) GetIdentityByPubkeyOrNil(ctx context.Context, pubkey string) (*block.Identity, error) {
	return d.identityByPub[pubkey], nil
}

// GetIdentityByUIDOrNil implements dal.DAL.
func (d *MemDAL) GetIdentityByUIDOrNil(ctx context.Context, uid string) (*block.Identity, error) {
	return d.identityByUID[uid], nil
}

// GetMembershipsForIssuer implements dal.DAL by scanning the local
// pending pool; applied memberships are folded into identity.CurrentMSN
// and are not separately retained.
func (d *MemDAL) GetMembershipsForIssuer(ctx context.Context, issuer string) ([]block.Membership, error) {
	var out []block.Membership
	for _, m := range d.pendingMemberships {
		if m.Issuer == issuer {
			out = append(out, m)
		}
	}
	return out, nil
}

// GetToBeKicked implements dal.DAL.
func (d *MemDAL) GetToBeKicked(ctx context.Context) ([]string, error) {
	out := make([]string, 0, len(d.toBeKicked))
	for pub := range d.toBeKicked {
		out = append(out, pub)
	}
	sort.Strings(out)
	return out, nil
}

// MarkToBeKicked implements dal.DAL: flags pubkey for exclusion at next
// assembly, used by ChainContext when detecting expired memberships,
// certification undersupply, or WoT distance failures outside of the
// assembler's own newcomer-selection pass.
func (d *MemDAL) MarkToBeKicked(ctx context.Context, pubkey string) error {
	d.toBeKicked[pubkey] = true
	return nil
}

// ClearToBeKicked implements dal.DAL: removes pubkey once it has been
// excluded in a block.
func (d *MemDAL) ClearToBeKicked(ctx context.Context, pubkey string) error {
	delete(d.toBeKicked, pubkey)
	return nil
}

// GetValidLinksFrom implements dal.DAL.
func (d *MemDAL) GetValidLinksFrom(ctx context.Context, pubkey string) ([]block.Link, error) {
	return d.linksFrom[pubkey], nil
}

// GetValidLinksTo implements dal.DAL.
func (d *MemDAL) GetValidLinksTo(ctx context.Context, pubkey string) ([]block.Link, error) {
	return d.linksTo[pubkey], nil
}

// ExistsLinkFromOrAfterDate implements dal.DAL.
func (d *MemDAL) ExistsLinkFromOrAfterDate(ctx context.Context, from, to string, minTime int64) (bool, error) {
	for _, l := range d.linksFrom[from] {
		if l.To == to && l.Timestamp >= minTime {
			return true, nil
		}
	}
	return false, nil
}

// RegisterNewCertification implements dal.DAL.
func (d *MemDAL) RegisterNewCertification(ctx context.Context, l block.Link) error {
	d.linksFrom[l.From] = append(d.linksFrom[l.From], l)
	d.linksTo[l.To] = append(d.linksTo[l.To], l)
	return nil
}

// CertsNotLinkedToTarget implements dal.DAL by returning the pending certs
// addressed to that identity for which no link from the same certifier
// has been materialized yet.
func (d *MemDAL) CertsNotLinkedToTarget(ctx context.Context, targetHash string) ([]block.Certification, error) {
	idty := d.identityByHash[targetHash]
	if idty == nil {
		return nil, nil
	}
	var out []block.Certification
	for _, c := range d.pendingCerts {
		if c.To != idty.Pubkey {
			continue
		}
		linked := false
		for _, l := range d.linksTo[c.To] {
			if l.From == c.From {
				linked = true
				break
			}
		}
		if !linked {
			out = append(out, c)
		}
	}
	return out, nil
}

// CertsFindNew implements dal.DAL: all pending certs targeting existing
// members (used by findNewCertsFromWoT).
func (d *MemDAL) CertsFindNew(ctx context.Context) ([]block.Certification, error) {
	var out []block.Certification
	for _, c := range d.pendingCerts {
		if d.members[c.To] {
			out = append(out, c)
		}
	}
	return out, nil
}

// GetCertificationExcludingBlock implements dal.DAL.
func (d *MemDAL) GetCertificationExcludingBlock(ctx context.Context, number int64) ([]block.Certification, error) {
	b, err := d.GetBlockOrNil(ctx, number)
	if err != nil || b == nil {
		return nil, err
	}
	return b.Certifications, nil
}

// LastUDBlock implements dal.DAL.
func (d *MemDAL) LastUDBlock(ctx context.Context) (*block.Block, error) {
	return d.lastUDBlock, nil
}

// GetTransactionsPending implements dal.DAL.
func (d *MemDAL) GetTransactionsPending(ctx context.Context) ([]block.Transaction, error) {
	return d.pendingTxs, nil
}

// RemoveTxByHash implements dal.DAL.
func (d *MemDAL) RemoveTxByHash(ctx context.Context, hash string) error {
	for i, tx := range d.pendingTxs {
		if tx.Hash == hash {
			d.pendingTxs = append(d.pendingTxs[:i], d.pendingTxs[i+1:]...)
			return nil
		}
	}
	return nil
}

// DropTxRecords implements dal.DAL.
func (d *MemDAL) DropTxRecords(ctx context.Context) error {
	d.pendingTxs = nil
	return nil
}

// SaveTxsInFiles implements dal.DAL: memdal keeps everything in memory so
// this is equivalent to appending to the pending pool.
func (d *MemDAL) SaveTxsInFiles(ctx context.Context, txs []block.Transaction) error {
	d.pendingTxs = append(d.pendingTxs, txs...)
	return nil
}

// FindNewcomers implements dal.DAL.
func (d *MemDAL) FindNewcomers(ctx context.Context) ([]block.Membership, error) {
	var out []block.Membership
	for _, m := range d.pendingMemberships {
		if m.Membership == block.MembershipIn {
			out = append(out, m)
		}
	}
	return out, nil
}

// FindLeavers implements dal.DAL.
func (d *MemDAL) FindLeavers(ctx context.Context) ([]block.Membership, error) {
	var out []block.Membership
	for _, m := range d.pendingMemberships {
		if m.Membership == block.MembershipOut {
			out = append(out, m)
		}
	}
	return out, nil
}

// ListLocalPendingIdentities implements dal.DAL.
func (d *MemDAL) ListLocalPendingIdentities(ctx context.Context) ([]block.Identity, error) {
	return d.pendingIdentities, nil
}

// ListLocalPendingCerts implements dal.DAL.
func (d *MemDAL) ListLocalPendingCerts(ctx context.Context) ([]block.Certification, error) {
	return d.pendingCerts, nil
}

// ListPendingLocalMemberships implements dal.DAL.
func (d *MemDAL) ListPendingLocalMemberships(ctx context.Context) ([]block.Membership, error) {
	return d.pendingMemberships, nil
}

// ListAllPeers implements dal.DAL.
func (d *MemDAL) ListAllPeers(ctx context.Context) ([]string, error) {
	out := make([]string, 0, len(d.peers))
	for p := range d.peers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// SavePendingIdentity implements dal.DAL. The identity is also indexed by
// hash/pubkey/uid immediately, so a brand-new candidate's own certs are
// resolvable by CertsNotLinkedToTarget before it is ever admitted into a
// block; AddBlock overwrites the same entry with the applied state once
// (if ever) the identity joins.
func (d *MemDAL) SavePendingIdentity(ctx context.Context, idty block.Identity) error {
	d.pendingIdentities = append(d.pendingIdentities, idty)
	cp := idty
	d.identityByHash[idty.Hash] = &cp
	d.identityByPub[idty.Pubkey] = &cp
	d.identityByUID[idty.UID] = &cp
	return nil
}

// SavePendingMembership implements dal.DAL.
func (d *MemDAL) SavePendingMembership(ctx context.Context, m block.Membership) error {
	d.pendingMemberships = append(d.pendingMemberships, m)
	return nil
}

// SavePendingCertification stores a pending, not-yet-linked certification.
// Not part of the DAL interface named in spec.md §6 verbatim, but needed
// to feed CertsNotLinkedToTarget/CertsFindNew; grounded in the same "save
// pending X" family as SavePendingIdentity/SavePendingMembership.
func (d *MemDAL) SavePendingCertification(c block.Certification) {
	d.pendingCerts = append(d.pendingCerts, c)
}

// SavePeer implements dal.DAL.
func (d *MemDAL) SavePeer(ctx context.Context, peer string) error {
	d.peers[peer] = true
	return nil
}

// SaveStat implements dal.DAL.
func (d *MemDAL) SaveStat(ctx context.Context, s dal.Stat) error {
	cp := s
	d.stats[s.Name] = &cp
	return nil
}

// GetStat implements dal.DAL.
func (d *MemDAL) GetStat(ctx context.Context, name string) (*dal.Stat, error) {
	return d.stats[name], nil
}

// TransferPendingFrom implements dal.DAL: dedups by natural key (identity
// hash, cert (from,to), membership (issuer,number), peer pubkey).
func (d *MemDAL) TransferPendingFrom(ctx context.Context, otherDAL dal.DAL) error {
	other, ok := otherDAL.(*MemDAL)
	if !ok {
		return errors.New("memdal: TransferPendingFrom requires a *MemDAL")
	}

	seenIdty := map[string]bool{}
	for _, idty := range d.pendingIdentities {
		seenIdty[idty.Hash] = true
	}
	for _, idty := range other.pendingIdentities {
		if !seenIdty[idty.Hash] {
			d.pendingIdentities = append(d.pendingIdentities, idty)
			seenIdty[idty.Hash] = true
		}
	}

	seenCert := map[string]bool{}
	certKey := func(c block.Certification) string { return c.From + "->" + c.To }
	for _, c := range d.pendingCerts {
		seenCert[certKey(c)] = true
	}
	for _, c := range other.pendingCerts {
		if !seenCert[certKey(c)] {
			d.pendingCerts = append(d.pendingCerts, c)
			seenCert[certKey(c)] = true
		}
	}

	seenMS := map[string]bool{}
	msKey := func(m block.Membership) string { return fmt.Sprintf("%s#%d", m.Issuer, m.Number) }
	for _, m := range d.pendingMemberships {
		seenMS[msKey(m)] = true
	}
	for _, m := range other.pendingMemberships {
		if !seenMS[msKey(m)] {
			d.pendingMemberships = append(d.pendingMemberships, m)
			seenMS[msKey(m)] = true
		}
	}

	for p := range other.peers {
		d.peers[p] = true
	}

	return nil
}
