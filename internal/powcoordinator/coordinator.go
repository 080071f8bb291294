// Package powcoordinator implements the single-miner state machine of
// spec.md §4.5: it owns at most one powworker.Worker, serializes proof
// requests, supports cooperative cancellation when a better block
// arrives externally, and recycles the worker on nonce thresholds to
// bound memory.
package powcoordinator

import (
	"context"
	"sync"
	"time"

	"github.com/duniter-io/ucoin-core/internal/block"
	"github.com/duniter-io/ucoin-core/internal/powworker"
	"github.com/duniter-io/ucoin-core/internal/signer"
)

// ReleaseMemoryThreshold is RELEASE_MEMORY_THRESHOLD of spec.md §4.5: once
// a worker's reported nonce exceeds lastKnownNonce by this much, it is
// killed and respawned so its heap resets.
const ReleaseMemoryThreshold = 5_000_000

// State is one of the four PoWCoordinator states of spec.md §4.5.
type State int

const (
	Idle State = iota
	Waiting
	Proving
	Cancelling
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Waiting:
		return "waiting"
	case Proving:
		return "proving"
	case Cancelling:
		return "cancelling"
	default:
		return "unknown"
	}
}

// Stats is what getPoWProcessStats() of spec.md §6 exposes.
type Stats struct {
	State          State
	TestsPerSecond float64
	Nonce          int64
}

type cancelToken struct {
	confirm func()
}

// Coordinator is the PoWCoordinator actor. All exported methods are safe
// for concurrent use; internally a single mutex guards the state enum
// and cancels queue, matching the "single global mutable state, one
// state enum" collapse called for in spec.md's redesign notes.
type Coordinator struct {
	signer signer.Signer
	cpu    float64

	mu      sync.Mutex
	state   State
	cancels []cancelToken
	stats   Stats
	cancel  context.CancelFunc // cancels the in-flight proof or wait
}

// New returns an idle Coordinator that signs found blocks with sig and
// throttles worker hash rate to cpu ∈ (0,1].
func New(sig signer.Signer, cpu float64) *Coordinator {
	return &Coordinator{signer: sig, cpu: cpu, state: Idle}
}

// State reports the coordinator's current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats implements getPoWProcessStats().
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Prove implements prove(block, sigFn, nbZeros): it blocks until a valid
// proof is found, the proof is cancelled by NotifyExternalBlock (in
// which case it returns nil, nil per spec.md's "resolves to null"), or
// ctx is cancelled by the caller.
func (c *Coordinator) Prove(ctx context.Context, b *block.Block, nbZeros int) (*block.Block, error) {
	proveCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.state = Proving
	c.cancel = cancel
	c.stats = Stats{State: Proving}
	c.mu.Unlock()

	w := powworker.New(c.signer)
	w.Start(proveCtx, powworker.Request{Block: b, Zeros: nbZeros, CPU: c.cpu})

	calibrated := false
	var lastKnownNonce int64

	for {
		select {
		case ev, ok := <-w.Progress():
			if !ok {
				continue
			}
			if ev.Calibration {
				calibrated = true
				c.mu.Lock()
				c.stats.TestsPerSecond = ev.TestsPerSecond
				c.mu.Unlock()
				continue
			}

			c.mu.Lock()
			c.stats.Nonce = ev.Nonce
			shouldCancel := calibrated && len(c.cancels) > 0
			shouldRecycle := ev.Nonce > lastKnownNonce+ReleaseMemoryThreshold
			c.mu.Unlock()

			if shouldCancel {
				cancel()
				return c.resolveCancellation(), nil
			}
			if shouldRecycle {
				log.Debugf("recycling pow worker at nonce %d", ev.Nonce)
				cancel()
				lastKnownNonce = ev.Nonce
				proveCtx, cancel = context.WithCancel(ctx)
				c.mu.Lock()
				c.cancel = cancel
				c.mu.Unlock()
				w = powworker.New(c.signer)
				w.Start(proveCtx, powworker.Request{Block: b, Zeros: nbZeros, CPU: c.cpu})
				calibrated = false
			}

		case found, ok := <-w.Found():
			c.mu.Lock()
			c.state = Idle
			c.stats.State = Idle
			c.mu.Unlock()
			if !ok {
				return nil, nil
			}
			return found.Block, nil

		case <-ctx.Done():
			cancel()
			c.mu.Lock()
			c.state = Idle
			c.stats.State = Idle
			c.mu.Unlock()
			return nil, ctx.Err()
		}
	}
}

// resolveCancellation transitions Proving → Cancelling → Idle, popping
// and confirming every queued cancel token, per spec.md §4.5's
// cancellation protocol.
func (c *Coordinator) resolveCancellation() *block.Block {
	c.mu.Lock()
	c.state = Cancelling
	tokens := c.cancels
	c.cancels = nil
	c.mu.Unlock()

	for _, t := range tokens {
		t.confirm()
	}

	c.mu.Lock()
	c.state = Idle
	c.stats.State = Idle
	c.mu.Unlock()
	return nil
}

// NotifyExternalBlock implements the cooperative-cancellation trigger:
// SubmissionPipeline calls this once an externally-sourced block has
// been accepted while mining is in progress. confirm is invoked once
// the in-flight proof has actually stopped, so the submitter may
// proceed. If no proof is in progress, confirm runs immediately.
func (c *Coordinator) NotifyExternalBlock(confirm func()) {
	c.mu.Lock()
	proving := c.state == Proving
	if proving {
		c.cancels = append(c.cancels, cancelToken{confirm: confirm})
	}
	c.mu.Unlock()

	if !proving {
		confirm()
	}
}

// StartGeneration implements startGeneration(): it waits delay
// (Waiting state, only when the previous block was self-issued and
// powDelay has not elapsed), builds the next candidate via next, mines
// it, and invokes onMined with the signed block. It returns after onMined
// has been called for that one block, or when the context is cancelled,
// the proof is cancelled by an external block (onMined is not called in
// that case), or next/Prove errors.
func (c *Coordinator) StartGeneration(ctx context.Context, delay time.Duration, next func(context.Context) (*block.Block, int, error), onMined func(*block.Block)) error {
	waitCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.state = Waiting
	c.cancel = cancel
	c.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-waitCtx.Done():
			c.mu.Lock()
			c.state = Idle
			c.mu.Unlock()
			return waitCtx.Err()
		}
	}

	b, zeros, err := next(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = Idle
		c.mu.Unlock()
		return err
	}

	found, err := c.Prove(ctx, b, zeros)
	if err != nil {
		return err
	}
	if found != nil {
		onMined(found)
	}
	return nil
}

// StopProof implements stopProof(): if idle it is a no-op; otherwise it
// cancels the in-flight wait or proof and transitions to Idle.
func (c *Coordinator) StopProof() {
	c.mu.Lock()
	cancel := c.cancel
	c.state = Idle
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
