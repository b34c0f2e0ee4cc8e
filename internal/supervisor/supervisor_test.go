package supervisor

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/edgechain/proofserver/internal/config"
	"github.com/edgechain/proofserver/internal/lora"
)

func buildFrameHex(commitment byte, temp, hum, pres, soil float32, ts uint32) string {
	buf := make([]byte, lora.MinFrameLen)
	for i := 0; i < 32; i++ {
		buf[i] = commitment
	}
	binary.LittleEndian.PutUint32(buf[32:36], math.Float32bits(temp))
	binary.LittleEndian.PutUint32(buf[36:40], math.Float32bits(hum))
	binary.LittleEndian.PutUint32(buf[40:44], math.Float32bits(pres))
	binary.LittleEndian.PutUint32(buf[44:48], math.Float32bits(soil))
	for i := 48; i < 112; i++ {
		buf[i] = 0xAB
	}
	binary.LittleEndian.PutUint32(buf[112:116], ts)
	return hex.EncodeToString(buf)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Server.Port = 0
	cfg.Merkle.SnapshotPath = filepath.Join(dir, "merkle.json")
	cfg.Nullifier.StorePath = filepath.Join(dir, "nullifiers.log")
	cfg.Verifier.Policy = config.PolicyAutoEnroll
	cfg.Prover.Mock = true
	cfg.DemoMode = true
	return cfg
}

func TestSupervisorIngestsAndDispatchesViaSimTransport(t *testing.T) {
	cfg := testConfig(t)

	now := uint32(time.Now().Unix())
	simPath := filepath.Join(t.TempDir(), "replay.txt")
	line := "+RCV=7,116," + buildFrameHex(0x42, 21.0, 50.0, 1000.0, 30.0, now) + ",-60,9\n"
	require.NoError(t, os.WriteFile(simPath, []byte(line), 0o644))

	transport, err := lora.NewSimTransport(simPath)
	require.NoError(t, err)

	sup, err := New(cfg, transport, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		return sup.reg.Len() == 1
	}, 2*time.Second, 10*time.Millisecond, "commitment should have been auto-enrolled")

	require.Eventually(t, func() bool {
		return sup.nul.Len() == 1
	}, 2*time.Second, 10*time.Millisecond, "a nullifier should have been admitted for the ingested packet")

	cancel()
	require.NoError(t, <-runErr)
}

func TestSupervisorRunsAPIOnlyWithoutTransport(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Port = 0

	sup, err := New(cfg, nil, nil)
	require.NoError(t, err)
	require.Nil(t, sup.ing)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		return sup.httpServer != nil
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-runErr)
}

// flakyTransport fails the very first configure command with "+ERR",
// then answers "+OK" to the next five reads (one full command batch),
// and after that blocks until ctx is done — it never replays any +RCV=
// lines. It exists to exercise the Configuring → Closed restart-backoff
// path (spec.md §4.5) without needing a real or simulated radio.
type flakyTransport struct {
	reads      atomic.Int64
	failedOnce atomic.Bool
}

func (f *flakyTransport) WriteCommand(cmd string) error { return nil }

func (f *flakyTransport) ReadLine(ctx context.Context) (string, error) {
	n := f.reads.Add(1)
	if n == 1 && f.failedOnce.CompareAndSwap(false, true) {
		return "+ERR", nil
	}
	if n <= 6 {
		return "+OK", nil
	}
	<-ctx.Done()
	return "", ctx.Err()
}

func (f *flakyTransport) Close() error { return nil }

func TestSupervisorRestartsIngressAfterConfigFailure(t *testing.T) {
	cfg := testConfig(t)
	transport := &flakyTransport{}

	sup, err := New(cfg, transport, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		return sup.ing.State() == lora.StateReady
	}, 3*time.Second, 10*time.Millisecond, "ingress should recover to Ready after the first config failure backs off and retries")

	cancel()
	require.NoError(t, <-runErr)
}

func TestSupervisorRefusesCorruptRegistrySnapshot(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.Merkle.SnapshotPath, []byte("not json"), 0o644))

	_, err := New(cfg, nil, nil)
	require.ErrorIs(t, err, ErrCorruptState)
}

func TestHealthEndpointReachableAfterStartup(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Port = 18743

	sup, err := New(cfg, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- sup.Run(ctx) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		var e error
		resp, e = http.Get("http://127.0.0.1:18743/health")
		return e == nil
	}, 2*time.Second, 20*time.Millisecond)
	if resp != nil {
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	cancel()
	require.NoError(t, <-runErr)
}
