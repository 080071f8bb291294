// Package submission implements SubmissionPipeline, the single
// serialized entry point of spec.md §4.6: submit → fork/extend → prune
// → notify-PoW. It is the top of the single-threaded cooperative model
// of spec.md §5, giving externally-sourced blocks priority over the
// node's own in-flight mining via a util/prioritylock.Mutex standing in
// for blockFifo.
package submission

import (
	"context"
	"sync"

	"github.com/duniter-io/ucoin-core/internal/block"
	"github.com/duniter-io/ucoin-core/internal/forkmanager"
	"github.com/duniter-io/ucoin-core/internal/powcoordinator"
	"github.com/duniter-io/ucoin-core/util/prioritylock"
)

// Pipeline is the SubmissionPipeline. blockFifo depth-1 serialization is
// realized directly by fifo, which admits one submission at a time
// regardless of priority; powFifo serialization is realized by pow's own
// internal mutex (internal/powcoordinator.Coordinator is already safe
// for concurrent use).
type Pipeline struct {
	fifo *prioritylock.Mutex
	fm   *forkmanager.Manager
	pow  *powcoordinator.Coordinator

	statMu sync.Mutex // stands in for statQueue: serializes stat recomputation
}

// New returns a Pipeline sequencing submissions through fm and
// coordinating cancellation with pow.
func New(fm *forkmanager.Manager, pow *powcoordinator.Coordinator) *Pipeline {
	return &Pipeline{fifo: prioritylock.New(), fm: fm, pow: pow}
}

// Submit implements the four-step submission algorithm of spec.md §4.6.
// External callers (network-relayed blocks) should pass ownJustMined =
// false so their submission preempts a self-mined submission still
// waiting on the fifo; the coordinator's own generation loop passes
// ownJustMined = true for the block it just found.
func (p *Pipeline) Submit(ctx context.Context, b *block.Block, doCheck bool, ownJustMined bool) (*block.Block, error) {
	if ownJustMined {
		p.fifo.LowPriorityLock()
		defer p.fifo.LowPriorityUnlock()
	} else {
		p.fifo.HighPriorityLock()
		defer p.fifo.HighPriorityUnlock()
	}

	applied, err := p.fm.Submit(ctx, b, doCheck)
	if err != nil {
		return nil, err
	}

	if !ownJustMined {
		done := make(chan struct{})
		p.pow.NotifyExternalBlock(func() { close(done) })
		<-done
	}

	log.Debugf("submitted block %d/%s", applied.Number, applied.Hash)
	return applied, nil
}

// RecomputeStats serializes a statistics recomputation through the
// stand-in statQueue, matching spec.md §5's third named serial queue.
func (p *Pipeline) RecomputeStats(fn func() error) error {
	p.statMu.Lock()
	defer p.statMu.Unlock()
	return fn()
}
