package verifier

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/edgechain/proofserver/internal/clock"
	"github.com/edgechain/proofserver/internal/hashing"
	"github.com/edgechain/proofserver/internal/lora"
	"github.com/edgechain/proofserver/internal/registry"
)

func fixedHash(b byte) hashing.Hash {
	var h hashing.Hash
	for i := range h {
		h[i] = b
	}
	return h
}

func newFixtures(t *testing.T, policy Policy) (*Verifier, *registry.Registry) {
	t.Helper()
	reg, err := registry.New(10, func() int64 { return 1700000000 })
	require.NoError(t, err)
	clk, err := clock.New(86400)
	require.NoError(t, err)
	v := New(reg, clk, DefaultSkewS, policy, DefaultAutoEnrollPerMin)
	return v, reg
}

func validPacket(commitment hashing.Hash, tsS uint32) lora.Packet {
	return lora.Packet{
		Commitment:      commitment,
		TemperatureC:    20,
		HumidityPct:     50,
		PressureHpa:     1013,
		SoilMoisturePct: 30,
		TimestampS:      tsS,
		SrcAddr:         1,
	}
}

func TestVerifyAcceptsRegisteredFreshPacket(t *testing.T) {
	v, reg := newFixtures(t, PolicyStrict)
	c := fixedHash(0x01)
	_, err := reg.Insert(c)
	require.NoError(t, err)

	vp, err := v.Verify(validPacket(c, 1700000000), 1700000000)
	require.NoError(t, err)
	require.Equal(t, c, vp.Packet.Commitment)
}

func TestVerifyRejectsUnregisteredUnderStrict(t *testing.T) {
	v, _ := newFixtures(t, PolicyStrict)
	c := fixedHash(0x02)

	_, err := v.Verify(validPacket(c, 1700000000), 1700000000)
	var rej *RejectError
	require.ErrorAs(t, err, &rej)
	require.Equal(t, ReasonUnregistered, rej.Reason)
}

func TestVerifyAutoEnrollsUnderAutoEnrollPolicy(t *testing.T) {
	v, reg := newFixtures(t, PolicyAutoEnroll)
	c := fixedHash(0x03)

	_, err := v.Verify(validPacket(c, 1700000000), 1700000000)
	require.NoError(t, err)
	require.True(t, reg.Contains(c))
}

// TestS4StalePacket is scenario S4 from spec.md §8.
func TestS4StalePacket(t *testing.T) {
	v, reg := newFixtures(t, PolicyStrict)
	c := fixedHash(0x04)
	_, err := reg.Insert(c)
	require.NoError(t, err)

	now := int64(1700000000)
	_, err = v.Verify(validPacket(c, uint32(now-301)), now)
	var rej *RejectError
	require.ErrorAs(t, err, &rej)
	require.Equal(t, ReasonStale, rej.Reason)
}

// TestPacketSkewBoundary is invariant 9 from spec.md §8.
func TestPacketSkewBoundary(t *testing.T) {
	v, reg := newFixtures(t, PolicyStrict)
	c := fixedHash(0x05)
	_, err := reg.Insert(c)
	require.NoError(t, err)

	now := int64(1700000000)
	_, err = v.Verify(validPacket(c, uint32(now-DefaultSkewS)), now)
	require.NoError(t, err)
}

// TestRangeBoundaries is invariant 8 from spec.md §8.
func TestRangeBoundaries(t *testing.T) {
	v, reg := newFixtures(t, PolicyStrict)
	c := fixedHash(0x06)
	_, err := reg.Insert(c)
	require.NoError(t, err)

	now := uint32(1700000000)

	ok := validPacket(c, now)
	ok.TemperatureC = 85
	_, err = v.Verify(ok, int64(now))
	require.NoError(t, err)

	bad := validPacket(c, now)
	bad.TemperatureC = 85.01
	_, err = v.Verify(bad, int64(now))
	var rej *RejectError
	require.ErrorAs(t, err, &rej)
	require.Equal(t, ReasonOutOfRange, rej.Reason)
}

// TestAutoEnrollRateLimit is invariant 10 from spec.md §8.
func TestAutoEnrollRateLimit(t *testing.T) {
	v, _ := newFixtures(t, PolicyAutoEnroll)
	now := int64(1700000000)

	for i := 0; i < DefaultAutoEnrollPerMin; i++ {
		c := fixedHash(byte(0x10 + i))
		pkt := validPacket(c, uint32(now))
		pkt.SrcAddr = 42
		_, err := v.Verify(pkt, now)
		require.NoError(t, err)
	}

	overLimit := validPacket(fixedHash(0x99), uint32(now))
	overLimit.SrcAddr = 42
	_, err := v.Verify(overLimit, now)
	var rej *RejectError
	require.ErrorAs(t, err, &rej)
	require.Equal(t, ReasonEnrollmentRateLimited, rej.Reason)

	otherSrc := validPacket(fixedHash(0x9a), uint32(now))
	otherSrc.SrcAddr = 43
	_, err = v.Verify(otherSrc, now)
	require.NoError(t, err)
}
