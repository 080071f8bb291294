// Package powworker implements the mining worker abstraction of spec.md
// §6's PoW worker wire format: request in, calibration/progress/found
// events out. It is modeled as a goroutine communicating over channels
// rather than an OS subprocess, since no serialization/exec framework is
// in scope, but the request/progress/found contract is exactly what
// would carry over an OS pipe to a real external miner process.
package powworker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/duniter-io/ucoin-core/internal/block"
	"github.com/duniter-io/ucoin-core/internal/signer"
	"golang.org/x/time/rate"
)

// calibrationRounds is the number of hash attempts used to measure this
// machine's uncapped hash rate before a rate.Limiter is installed.
const calibrationRounds = 20000

// progressEvery is how many nonce attempts pass between progress events,
// matching the wire format's periodic {nonce, block} progress messages.
const progressEvery = 5000

// Request is the {conf, block, zeros, pair} message of spec.md §6.
type Request struct {
	Block        *block.Block
	Zeros        int
	CPU          float64 // (0,1]
	SecretKeyEnc string
}

// ProgressEvent reports either a calibration measurement or a live nonce
// count, mirroring the two shapes spec.md §6 lists under "progress".
type ProgressEvent struct {
	Calibration    bool
	TestsPerRound  int
	TestsPerSecond float64
	Nonce          int64
}

// FoundEvent is emitted once a nonce satisfying Zeros is found and the
// block has been signed.
type FoundEvent struct {
	Signature  string
	TestsCount int64
	Block      *block.Block
}

// Worker runs one proof search. A Worker is single-use: call Start once,
// consume Progress/Found, and discard it (PoWCoordinator constructs a
// fresh Worker on every prove() call and again whenever it recycles for
// memory).
type Worker struct {
	signer   signer.Signer
	progress chan ProgressEvent
	found    chan FoundEvent
}

// New returns a Worker that signs found blocks using sig.
func New(sig signer.Signer) *Worker {
	return &Worker{
		signer:   sig,
		progress: make(chan ProgressEvent, 8),
		found:    make(chan FoundEvent, 1),
	}
}

// Progress returns the channel on which calibration and nonce-progress
// events are delivered.
func (w *Worker) Progress() <-chan ProgressEvent { return w.progress }

// Found returns the channel on which a successful proof is delivered. It
// is closed, with no value sent, if ctx is cancelled before a proof is
// found.
func (w *Worker) Found() <-chan FoundEvent { return w.found }

// Start begins the proof search in its own goroutine. Cancelling ctx
// stops the search cooperatively at the next hash-loop check, matching
// the "next progress tick" cancellation guarantee of spec.md §5.
func (w *Worker) Start(ctx context.Context, req Request) {
	spawn(func() {
		defer close(w.found)
		w.run(ctx, req)
	})
}

func (w *Worker) run(ctx context.Context, req Request) {
	limiter := w.calibrate(ctx, req)
	if limiter == nil {
		return // cancelled during calibration
	}

	var nonce int64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		hash := hashAttempt(req.Block, nonce)
		if block.LeadingZeroNibbles(hash) >= req.Zeros {
			w.finish(ctx, req, nonce, hash)
			return
		}
		nonce++
		if nonce%progressEvery == 0 {
			select {
			case w.progress <- ProgressEvent{Nonce: nonce}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// calibrate measures the machine's uncapped hash rate over a short burst
// and returns a rate.Limiter capped at cpu * measuredRate, implementing
// spec.md §4.5's self-throttling: "the worker performs testsPerRound
// hashes per scheduling tick sized so that observed rate ≈ cpu ·
// measuredMaxRate."
func (w *Worker) calibrate(ctx context.Context, req Request) *rate.Limiter {
	start := time.Now()
	for i := 0; i < calibrationRounds; i++ {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		hashAttempt(req.Block, int64(i))
	}
	elapsed := time.Since(start)
	measuredRate := float64(calibrationRounds) / elapsed.Seconds()

	cpu := req.CPU
	if cpu <= 0 || cpu > 1 {
		cpu = 1
	}
	throttled := measuredRate * cpu

	select {
	case w.progress <- ProgressEvent{Calibration: true, TestsPerRound: calibrationRounds, TestsPerSecond: throttled}:
	case <-ctx.Done():
		return nil
	}

	return rate.NewLimiter(rate.Limit(throttled), calibrationRounds/10+1)
}

func (w *Worker) finish(ctx context.Context, req Request, nonce int64, hash string) {
	req.Block.Nonce = nonce
	req.Block.Hash = hash
	req.Block.InnerHash = hash
	sig, err := w.signer.Sign(ctx, []byte(req.Block.InnerHash), req.SecretKeyEnc)
	if err != nil {
		log.Errorf("signing found block: %s", err)
		return
	}
	req.Block.Signature = sig
	select {
	case w.found <- FoundEvent{Signature: sig, TestsCount: nonce, Block: req.Block}:
	case <-ctx.Done():
	}
}

// hashAttempt computes the trial hash for one nonce. Real Duniter/uCoin
// nodes hash the block's full signed-minus-signature content; this
// stands in with the block's inner hash payload plus the nonce, which is
// enough to exercise the leading-zero-nibbles PoW check this core owns.
func hashAttempt(b *block.Block, nonce int64) string {
	payload := fmt.Sprintf("%d|%s|%s|%d", b.Number, b.PreviousHash, b.Issuer, nonce)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
