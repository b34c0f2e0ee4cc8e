// Package verifier implements the Packet Verifier, BRACE/ACR (spec.md
// §4.6): an ordered, fail-fast pipeline of structural, freshness, range,
// and membership checks that turns a lora.Packet into a VerifiedPacket
// ready for nullifier admission and prover dispatch.
//
// The ordered-checks-assemble-a-result shape is grounded on the
// teacher's utils/witness.go PrepareWitness, which runs a fixed sequence
// of independent checks before assembling a circuit witness; here the
// same shape assembles a VerifiedPacket instead.
package verifier

import (
	"fmt"
	"sync"
	"time"

	"github.com/edgechain/proofserver/internal/clock"
	"github.com/edgechain/proofserver/internal/hashing"
	"github.com/edgechain/proofserver/internal/lora"
	"github.com/edgechain/proofserver/internal/registry"
)

// Policy selects how an unregistered commitment is handled (spec.md §4.6).
type Policy string

const (
	PolicyStrict     Policy = "strict"
	PolicyAutoEnroll Policy = "auto-enroll"
)

// Reason is the rejection reason published on packet:invalid/packet:error
// WS events and used for counters.
type Reason string

const (
	ReasonStructural             Reason = "structural"
	ReasonStale                  Reason = "stale"
	ReasonOutOfRange             Reason = "out_of_range"
	ReasonUnregistered           Reason = "unregistered"
	ReasonEnrollmentRateLimited  Reason = "enrollment_rate_limited"
)

// RejectError is returned by Verify for any non-fatal packet rejection
// (spec.md §4.6/§4.7: "rejects are non-fatal; they are counted and
// published on WS").
type RejectError struct {
	Reason Reason
}

func (e *RejectError) Error() string { return fmt.Sprintf("verifier: rejected: %s", e.Reason) }

// DefaultSkewS is the default freshness tolerance (spec.md §6).
const DefaultSkewS = 300

// DefaultAutoEnrollPerMin is the default auto-enroll rate limit (spec.md §6).
const DefaultAutoEnrollPerMin = 5

// The sensor bounds below are the validity intervals from spec.md §3; boundary
// values are accepted, any value one ULP outside is rejected.
var (
	tempRange = bounds{-40, 85}
	humRange  = bounds{0, 100}
	presRange = bounds{300, 1100}
	soilRange = bounds{0, 100}
)

type bounds struct {
	lo, hi float32
}

func (b bounds) contains(v float32) bool { return v >= b.lo && v <= b.hi }

// VerifiedPacket is the pipeline's terminal success value (spec.md §4.6).
type VerifiedPacket struct {
	Packet lora.Packet
	Proof  registry.Proof
	Epoch  uint64
	Data   hashing.Hash
}

// Verifier runs the ordered BRACE/ACR pipeline against a shared Merkle
// Registry and clock.
type Verifier struct {
	reg    *registry.Registry
	clk    *clock.Clock
	skewS  int64
	policy Policy

	autoEnrollPerMin int
	rl               *rateLimiter
}

// New builds a Verifier. reg and clk are shared with the rest of the
// supervisor's component graph (spec.md §4.10).
func New(reg *registry.Registry, clk *clock.Clock, skewS int64, policy Policy, autoEnrollPerMin int) *Verifier {
	return &Verifier{
		reg:              reg,
		clk:              clk,
		skewS:            skewS,
		policy:           policy,
		autoEnrollPerMin: autoEnrollPerMin,
		rl:               newRateLimiter(time.Minute),
	}
}

// Verify runs the ordered checks in spec.md §4.6: structural, freshness,
// range, commitment presence, then constructs VerifiedPacket.
func (v *Verifier) Verify(pkt lora.Packet, nowS int64) (VerifiedPacket, error) {
	if err := v.structural(pkt); err != nil {
		return VerifiedPacket{}, err
	}
	if err := v.freshness(pkt, nowS); err != nil {
		return VerifiedPacket{}, err
	}
	if err := v.rangeCheck(pkt); err != nil {
		return VerifiedPacket{}, err
	}
	if err := v.membership(pkt); err != nil {
		return VerifiedPacket{}, err
	}

	proof, err := v.reg.ProofFor(pkt.Commitment)
	if err != nil {
		// Only reachable if auto-enroll raced a concurrent GC/removal,
		// which the registry never does; treat as unregistered defensively.
		return VerifiedPacket{}, &RejectError{Reason: ReasonUnregistered}
	}

	return VerifiedPacket{
		Packet: pkt,
		Proof:  proof,
		Epoch:  v.clk.EpochOf(int64(pkt.TimestampS)),
		Data:   pkt.DataHash(),
	}, nil
}

func (v *Verifier) structural(pkt lora.Packet) error {
	if pkt.Commitment.IsZero() {
		return &RejectError{Reason: ReasonStructural}
	}
	return nil
}

func (v *Verifier) freshness(pkt lora.Packet, nowS int64) error {
	skew := int64(pkt.TimestampS) - nowS
	if skew < 0 {
		skew = -skew
	}
	if skew > v.skewS {
		return &RejectError{Reason: ReasonStale}
	}
	return nil
}

func (v *Verifier) rangeCheck(pkt lora.Packet) error {
	switch {
	case !tempRange.contains(pkt.TemperatureC),
		!humRange.contains(pkt.HumidityPct),
		!presRange.contains(pkt.PressureHpa),
		!soilRange.contains(pkt.SoilMoisturePct):
		return &RejectError{Reason: ReasonOutOfRange}
	default:
		return nil
	}
}

func (v *Verifier) membership(pkt lora.Packet) error {
	if v.reg.Contains(pkt.Commitment) {
		return nil
	}

	switch v.policy {
	case PolicyAutoEnroll:
		if !v.rl.allow(pkt.SrcAddr, v.autoEnrollPerMin) {
			return &RejectError{Reason: ReasonEnrollmentRateLimited}
		}
		if _, err := v.reg.Insert(pkt.Commitment); err != nil {
			return fmt.Errorf("verifier: auto-enroll insert: %w", err)
		}
		return nil
	default:
		return &RejectError{Reason: ReasonUnregistered}
	}
}

// rateLimiter is a fixed-window per-key counter (spec.md §4.6/§8 invariant
// 10: "the (N+1)-th auto-enrollment from the same src_addr within a 60s
// window is rejected").
type rateLimiter struct {
	window time.Duration

	mu   sync.Mutex
	seen map[int]*windowCount
}

type windowCount struct {
	start time.Time
	count int
}

func newRateLimiter(window time.Duration) *rateLimiter {
	return &rateLimiter{window: window, seen: make(map[int]*windowCount)}
}

func (rl *rateLimiter) allow(srcAddr int, limit int) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	wc, ok := rl.seen[srcAddr]
	if !ok || now.Sub(wc.start) >= rl.window {
		rl.seen[srcAddr] = &windowCount{start: now, count: 1}
		return true
	}
	if wc.count >= limit {
		return false
	}
	wc.count++
	return true
}
