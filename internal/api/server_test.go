package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/edgechain/proofserver/internal/clock"
	"github.com/edgechain/proofserver/internal/config"
	"github.com/edgechain/proofserver/internal/hashing"
	"github.com/edgechain/proofserver/internal/metrics"
	"github.com/edgechain/proofserver/internal/nullifier"
	"github.com/edgechain/proofserver/internal/prover"
	"github.com/edgechain/proofserver/internal/registry"
)

func newTestServer(t *testing.T) (*Server, *registry.Registry) {
	t.Helper()
	cfg := config.Default()
	cfg.Admin.Mode = config.AdminModeDemo

	reg, err := registry.New(6, func() int64 { return 1700000000 })
	require.NoError(t, err)
	clk, err := clock.New(86400)
	require.NoError(t, err)
	nul := nullifier.New(nullifier.DefaultMaxLag, nullifier.DefaultMaxLead)
	client := prover.NewClient("", time.Second, true)
	disp := prover.NewDispatcher(client, 3, nil)

	s := New(Deps{
		Config:    cfg,
		Registry:  reg,
		Nullifier: nul,
		Clock:     clk,
		Dispatch:  disp,
		Metrics:   metrics.New(),
	})
	return s, reg
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRegisterCommitmentAndMerkleProof(t *testing.T) {
	s, reg := newTestServer(t)
	c := hashing.Commitment([]byte("pk"), []byte("r"))

	body, _ := json.Marshal(registerCommitmentRequest{Commitment: c.Hex()})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/register-commitment", bytes.NewReader(body))
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp registerCommitmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, uint64(0), resp.LeafIndex)
	require.True(t, reg.Contains(c))

	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/merkle-proof/"+c.Hex(), nil)
	s.Handler().ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)
}

func TestMerkleProofNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/merkle-proof/"+hashing.Zero.Hex(), nil)
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClaimRewardThenReplayReturns409(t *testing.T) {
	s, _ := newTestServer(t)
	n := hashing.Nullifier([]byte("device-secret"), 100)
	dataHash := hashing.Data([]byte("sensor"))

	body, _ := json.Marshal(claimRewardRequest{
		Nullifier:      n.Hex(),
		Proof:          "bW9jaw==", // base64("mock")
		SensorDataHash: dataHash.Hex(),
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/claim-reward", bytes.NewReader(body))
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodPost, "/claim-reward", bytes.NewReader(body))
	s.Handler().ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusConflict, rec2.Code)
}

func TestAdminGateRejectsNonLoopbackInLoopbackMode(t *testing.T) {
	s, _ := newTestServer(t)
	s.cfg.Admin.Mode = config.AdminModeLoopback
	s.cfg.DemoMode = false

	body, _ := json.Marshal(registerCommitmentRequest{Commitment: hashing.Zero.Hex()})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/register-commitment", bytes.NewReader(body))
	req.RemoteAddr = "203.0.113.5:1234"
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCORSDeniesUnlistedOrigin(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	s.Handler().ServeHTTP(rec, req)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
