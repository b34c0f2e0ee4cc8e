package prover

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/edgechain/proofserver/internal/hashing"
)

// DispatchStatus is the terminal state of one dispatch attempt, surfaced
// on WS as proof:submitted or recorded as Orphaned for operator
// attention (spec.md §4.7).
type DispatchStatus string

const (
	StatusSubmitted DispatchStatus = "submitted"
	StatusOrphaned  DispatchStatus = "orphaned"
)

// Result is published once a dispatch reaches a terminal state.
type Result struct {
	Nullifier hashing.Hash
	Epoch     uint64
	Status    DispatchStatus
	Receipt   TxReceipt
	Err       error
}

// Dispatcher serializes prove+submit calls per (nullifier, epoch) — spec.md
// §4.7/§5 — and retries transient prover errors with exponential backoff
// up to MaxAttempts, via github.com/cenkalti/backoff/v4 (grounded on
// luxfi-consensus's indirect dependency on the same package, promoted
// here to direct use — see DESIGN.md).
type Dispatcher struct {
	client      *Client
	maxAttempts uint64
	log         *logrus.Entry

	keyMu sync.Mutex
	locks map[key]*sync.Mutex

	results chan Result
}

type key struct {
	n     hashing.Hash
	epoch uint64
}

// NewDispatcher builds a Dispatcher. results is buffered so the
// supervisor's WS fan-out never blocks dispatch workers (spec.md §5: "no
// blocking of the ingress task on prover latency").
func NewDispatcher(client *Client, maxAttempts int, log *logrus.Entry) *Dispatcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Dispatcher{
		client:      client,
		maxAttempts: uint64(maxAttempts),
		log:         log.WithField("component", "prover"),
		locks:       make(map[key]*sync.Mutex),
		results:     make(chan Result, 256),
	}
}

// Results returns the channel terminal dispatch outcomes are published on.
func (d *Dispatcher) Results() <-chan Result {
	return d.results
}

func (d *Dispatcher) lockFor(k key) *sync.Mutex {
	d.keyMu.Lock()
	defer d.keyMu.Unlock()
	m, ok := d.locks[k]
	if !ok {
		m = &sync.Mutex{}
		d.locks[k] = m
	}
	return m
}

// Dispatch runs prove-then-submit for (inputs, witness), serialized
// against any other in-flight dispatch for the same (nullifier, epoch).
// It blocks until a terminal state is reached (or ctx is cancelled) and
// also publishes the same Result on Results().
func (d *Dispatcher) Dispatch(ctx context.Context, inputs PublicInputs, witness Witness) Result {
	k := key{inputs.Nullifier, inputs.Epoch}
	mu := d.lockFor(k)
	mu.Lock()
	defer mu.Unlock()

	res := d.run(ctx, inputs, witness)

	select {
	case d.results <- res:
	default:
		d.log.Warn("prover results channel full, dropping publication")
	}
	return res
}

// DispatchSubmit serializes and submits a proof the caller already holds
// (spec.md §4.8 POST /claim-reward: the body already carries `proof`),
// skipping the Prove call. Serialization and backoff behave exactly as
// in Dispatch.
func (d *Dispatcher) DispatchSubmit(ctx context.Context, proof Proof, inputs PublicInputs) Result {
	k := key{inputs.Nullifier, inputs.Epoch}
	mu := d.lockFor(k)
	mu.Lock()
	defer mu.Unlock()

	receipt, err := d.submitWithRetry(ctx, proof, inputs)
	var res Result
	if err != nil {
		res = Result{Nullifier: inputs.Nullifier, Epoch: inputs.Epoch, Status: StatusOrphaned, Err: err}
	} else {
		res = Result{Nullifier: inputs.Nullifier, Epoch: inputs.Epoch, Status: StatusSubmitted, Receipt: receipt}
	}

	select {
	case d.results <- res:
	default:
		d.log.Warn("prover results channel full, dropping publication")
	}
	return res
}

func (d *Dispatcher) run(ctx context.Context, inputs PublicInputs, witness Witness) Result {
	proof, err := d.proveWithRetry(ctx, inputs, witness)
	if err != nil {
		return Result{Nullifier: inputs.Nullifier, Epoch: inputs.Epoch, Status: StatusOrphaned, Err: err}
	}

	receipt, err := d.submitWithRetry(ctx, proof, inputs)
	if err != nil {
		// The spend is already durably recorded by the nullifier store
		// before Dispatch is ever called (spec.md §4.4/§4.7): a
		// non-transient submit failure marks the dispatch Orphaned, it
		// does not unwind the spend.
		return Result{Nullifier: inputs.Nullifier, Epoch: inputs.Epoch, Status: StatusOrphaned, Err: err}
	}

	return Result{Nullifier: inputs.Nullifier, Epoch: inputs.Epoch, Status: StatusSubmitted, Receipt: receipt}
}

func (d *Dispatcher) proveWithRetry(ctx context.Context, inputs PublicInputs, witness Witness) (Proof, error) {
	var proof Proof
	op := func() error {
		p, err := d.client.Prove(ctx, inputs, witness)
		if err != nil {
			if !isTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		proof = p
		return nil
	}
	if err := d.retry(ctx, op); err != nil {
		return Proof{}, err
	}
	return proof, nil
}

func (d *Dispatcher) submitWithRetry(ctx context.Context, proof Proof, inputs PublicInputs) (TxReceipt, error) {
	var receipt TxReceipt
	op := func() error {
		r, err := d.client.Submit(ctx, proof, inputs)
		if err != nil {
			if !isTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		receipt = r
		return nil
	}
	if err := d.retry(ctx, op); err != nil {
		return TxReceipt{}, err
	}
	return receipt, nil
}

func (d *Dispatcher) retry(ctx context.Context, op backoff.Operation) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), d.maxAttempts-1), ctx)
	var attempt int
	return backoff.RetryNotify(op, bo, func(err error, wait time.Duration) {
		attempt++
		d.log.WithError(err).Warnf("prover call attempt %d failed, retrying in %s", attempt, wait)
	})
}

func isTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrTimeout)
}
