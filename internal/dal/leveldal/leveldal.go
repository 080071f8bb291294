// Package leveldal persists the cores index, the pending identity and
// membership pools, and the per-metric statistics counters to a
// github.com/syndtr/goleveldb store, so a restarted node does not lose
// in-flight fork state or unconfirmed identities/memberships. Pending
// certifications found in the store are read back on Open, but
// SavePendingCertification is the embedded MemDAL's and does not write
// them to the store. Everything else (the confirmed
// chain view, WoT queries) is delegated to an in-memory memdal.MemDAL,
// since the DAL's on-disk block/WoT storage format is out of scope
// (spec.md Non-goals: "Persistence format of the DAL").
package leveldal

import (
	"context"
	"encoding/json"

	"github.com/duniter-io/ucoin-core/internal/block"
	"github.com/duniter-io/ucoin-core/internal/dal"
	"github.com/duniter-io/ucoin-core/internal/dal/memdal"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
)

const (
	coresPrefix    = "cores/"
	statsPrefix    = "stats/"
	pendingIdtyKey = "pending/identities"
	pendingCertKey = "pending/certs"
	pendingMSKey   = "pending/memberships"
)

// LevelDAL is a dal.DAL whose cores index, pending pools, and stats
// survive a process restart.
type LevelDAL struct {
	*memdal.MemDAL
	db *leveldb.DB
}

// Open opens (creating if absent) a goleveldb store at path and replays
// its persisted cores index and pending pools into a fresh in-memory
// view.
func Open(path string) (*LevelDAL, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "leveldal: opening store")
	}
	ld := &LevelDAL{MemDAL: memdal.New(), db: db}
	if err := ld.replay(); err != nil {
		db.Close()
		return nil, err
	}
	return ld, nil
}

// Close releases the underlying leveldb handle.
func (l *LevelDAL) Close() error {
	return l.db.Close()
}

func (l *LevelDAL) replay() error {
	iter := l.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		key := string(iter.Key())
		switch {
		case key == pendingIdtyKey:
			var idts []block.Identity
			if err := json.Unmarshal(iter.Value(), &idts); err != nil {
				return errors.Wrap(err, "leveldal: decoding pending identities")
			}
			for _, idty := range idts {
				if err := l.MemDAL.SavePendingIdentity(context.Background(), idty); err != nil {
					return err
				}
			}
		case key == pendingCertKey:
			var certs []block.Certification
			if err := json.Unmarshal(iter.Value(), &certs); err != nil {
				return errors.Wrap(err, "leveldal: decoding pending certs")
			}
			for _, c := range certs {
				l.MemDAL.SavePendingCertification(c)
			}
		case key == pendingMSKey:
			var mss []block.Membership
			if err := json.Unmarshal(iter.Value(), &mss); err != nil {
				return errors.Wrap(err, "leveldal: decoding pending memberships")
			}
			for _, m := range mss {
				if err := l.MemDAL.SavePendingMembership(context.Background(), m); err != nil {
					return err
				}
			}
		case len(key) > len(coresPrefix) && key[:len(coresPrefix)] == coresPrefix:
			var rec dal.CoreRecord
			if err := json.Unmarshal(iter.Value(), &rec); err != nil {
				return errors.Wrap(err, "leveldal: decoding core record")
			}
			if err := l.MemDAL.AddCore(context.Background(), rec); err != nil {
				return err
			}
		case len(key) > len(statsPrefix) && key[:len(statsPrefix)] == statsPrefix:
			var s dal.Stat
			if err := json.Unmarshal(iter.Value(), &s); err != nil {
				return errors.Wrap(err, "leveldal: decoding stat")
			}
			if err := l.MemDAL.SaveStat(context.Background(), s); err != nil {
				return err
			}
		}
	}
	return iter.Error()
}

func coreKey(rec dal.CoreRecord) string {
	return coresPrefix + rec.ForkPointHash
}

// AddCore persists the core record in addition to registering it
// in-memory.
func (l *LevelDAL) AddCore(ctx context.Context, rec dal.CoreRecord) error {
	if err := l.MemDAL.AddCore(ctx, rec); err != nil {
		return err
	}
	buf, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "leveldal: encoding core record")
	}
	return l.db.Put([]byte(coreKey(rec)), buf, nil)
}

// Unfork removes the core record from disk in addition to unregistering
// it in-memory.
func (l *LevelDAL) Unfork(ctx context.Context, rec dal.CoreRecord) error {
	if err := l.MemDAL.Unfork(ctx, rec); err != nil {
		return err
	}
	return l.db.Delete([]byte(coreKey(rec)), nil)
}

// SavePendingIdentity persists the whole pending-identities pool after
// recording the new one in memory. The pool is small (bounded by
// in-flight newcomers) so a whole-pool rewrite on each save is
// acceptable.
func (l *LevelDAL) SavePendingIdentity(ctx context.Context, idty block.Identity) error {
	if err := l.MemDAL.SavePendingIdentity(ctx, idty); err != nil {
		return err
	}
	return l.persistPendingIdentities(ctx)
}

func (l *LevelDAL) persistPendingIdentities(ctx context.Context) error {
	idts, err := l.MemDAL.ListLocalPendingIdentities(ctx)
	if err != nil {
		return err
	}
	buf, err := json.Marshal(idts)
	if err != nil {
		return errors.Wrap(err, "leveldal: encoding pending identities")
	}
	return l.db.Put([]byte(pendingIdtyKey), buf, nil)
}

// SavePendingMembership persists the whole pending-memberships pool.
func (l *LevelDAL) SavePendingMembership(ctx context.Context, m block.Membership) error {
	if err := l.MemDAL.SavePendingMembership(ctx, m); err != nil {
		return err
	}
	mss, err := l.MemDAL.ListPendingLocalMemberships(ctx)
	if err != nil {
		return err
	}
	buf, err := json.Marshal(mss)
	if err != nil {
		return errors.Wrap(err, "leveldal: encoding pending memberships")
	}
	return l.db.Put([]byte(pendingMSKey), buf, nil)
}

// SaveStat persists s under its own metric-named key.
func (l *LevelDAL) SaveStat(ctx context.Context, s dal.Stat) error {
	if err := l.MemDAL.SaveStat(ctx, s); err != nil {
		return err
	}
	buf, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "leveldal: encoding stat")
	}
	return l.db.Put([]byte(statsPrefix+s.Name), buf, nil)
}
