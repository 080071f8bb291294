package forkmanager

import (
	"fmt"

	"github.com/duniter-io/ucoin-core/internal/chaincontext"
)

// Core is a candidate block plus the forked DAL overlay its ChainContext
// is bound to, one node in the fork tree.
type Core struct {
	ForkPointNumber       int64
	ForkPointHash         string
	ForkPointPreviousHash string
	Ctx                   *chaincontext.ChainContext
}

// key identifies a core by its (number, hash) pair, the natural key
// spec.md §3 requires be unique across the whole cores set.
func (c *Core) key() coreKey {
	return coreKey{number: c.ForkPointNumber, hash: c.ForkPointHash}
}

// parentKey identifies the (number, hash) pair a core expects its parent
// to have.
func (c *Core) parentKey() coreKey {
	return coreKey{number: c.ForkPointNumber - 1, hash: c.ForkPointPreviousHash}
}

type coreKey struct {
	number int64
	hash   string
}

func (k coreKey) String() string {
	return fmt.Sprintf("%d/%s", k.number, k.hash)
}
