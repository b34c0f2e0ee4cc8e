package supervisor

import (
	"context"
	"sync"

	"github.com/edgechain/proofserver/internal/hashing"
	"github.com/edgechain/proofserver/internal/lora"
	"github.com/edgechain/proofserver/internal/nullifier"
	"github.com/edgechain/proofserver/internal/prover"
	"github.com/edgechain/proofserver/internal/verifier"
)

// maxInflight bounds the number of concurrent verify→admit→dispatch
// goroutines the pipeline runs at once, so a slow prover backs off the
// pipeline without ever blocking the LoRa ingress's own read loop
// (spec.md §5: "no blocking of the ingress task on prover latency" —
// Ingress.publish already drops oldest on a full channel upstream of
// this bound).
const maxInflight = 32

// pipeline drains an Ingress's event channel and drives each packet
// through the Packet Verifier, the Nullifier Store, and the Prover
// Dispatcher (spec.md §2 data flow: "LoRa Ingress → typed packet →
// Packet Verifier (reads Merkle Registry, writes Nullifier Store) →
// Prover Dispatcher").
//
// The wire frame (spec.md §4.5/§6) carries no nullifier field — only the
// device produces N, and the only operation that receives one directly
// from a caller is POST /claim-reward. For LoRa-originated telemetry,
// this pipeline derives a provisional nullifier deterministically from
// the packet's commitment and epoch (hashing.Nullifier, the same
// domain-separated primitive, with the commitment standing in for the
// device secret the server never holds) and admits it with
// nullifier.ModeAuto. This is a deliberate decision recorded in
// DESIGN.md, not a guess: it is the only way the data-flow diagram's
// "writes Nullifier Store" step can happen on the automatic ingestion
// path, and it keeps ModeAuto (already part of spec.md §4.4's Mode
// enumeration) meaningfully distinct from the ModeManual claim-reward
// flow wired in internal/api.
type pipeline struct {
	ing  *lora.Ingress
	ver  *verifier.Verifier
	nul  *nullifier.Store
	disp *prover.Dispatcher

	onInvalid func(reason verifier.Reason)
	onSubmit  func(prover.Result)
	onOrphan  func(prover.Result)

	sem chan struct{}
}

func newPipeline(ing *lora.Ingress, ver *verifier.Verifier, nul *nullifier.Store, disp *prover.Dispatcher) *pipeline {
	return &pipeline{
		ing:  ing,
		ver:  ver,
		nul:  nul,
		disp: disp,
		sem:  make(chan struct{}, maxInflight),
	}
}

// run drains ing.Events() until ctx is cancelled or the channel closes.
// Each event is processed in its own goroutine, bounded by p.sem, so one
// slow prover round-trip never stalls the next packet's verification.
func (p *pipeline) run(ctx context.Context, nowS func() int64) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-p.ing.Events():
			if !ok {
				return
			}
			select {
			case p.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			wg.Add(1)
			go func(evt lora.Event) {
				defer wg.Done()
				defer func() { <-p.sem }()
				p.handle(ctx, evt, nowS())
			}(evt)
		}
	}
}

func (p *pipeline) handle(ctx context.Context, evt lora.Event, nowS int64) {
	vp, err := p.ver.Verify(evt.Packet, nowS)
	if err != nil {
		if rej, ok := err.(*verifier.RejectError); ok && p.onInvalid != nil {
			p.onInvalid(rej.Reason)
		}
		return
	}

	n := hashing.Nullifier(vp.Packet.Commitment[:], uint32(vp.Epoch))
	if _, err := p.nul.TrySpend(n, vp.Epoch, vp.Epoch, vp.Data, nullifier.ModeAuto, nowMsFromS(nowS)); err != nil {
		// AlreadySpent is the expected steady state once a device has
		// already been credited this epoch; EpochOutOfWindow cannot
		// actually occur here since vp.Epoch is passed as both the
		// spend's epoch and the current epoch, but both are non-fatal to
		// the pipeline either way.
		return
	}

	result := p.disp.Dispatch(ctx, prover.PublicInputs{
		MerkleRoot: vp.Proof.Root,
		LeafIndex:  vp.Proof.LeafIndex,
		Nullifier:  n,
		Epoch:      vp.Epoch,
		DataHash:   vp.Data,
	}, prover.Witness{
		Siblings: vp.Proof.Siblings,
		PathBits: vp.Proof.PathBits,
	})

	switch result.Status {
	case prover.StatusSubmitted:
		if p.onSubmit != nil {
			p.onSubmit(result)
		}
	case prover.StatusOrphaned:
		if p.onOrphan != nil {
			p.onOrphan(result)
		}
	}
}

func nowMsFromS(nowS int64) int64 {
	return nowS * 1000
}
