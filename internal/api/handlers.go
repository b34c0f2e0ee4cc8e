package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/edgechain/proofserver/internal/hashing"
	"github.com/edgechain/proofserver/internal/nullifier"
	"github.com/edgechain/proofserver/internal/prover"
)

type componentStatus struct {
	Ready bool `json:"ready"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components"`
	UptimeS    int64                      `json:"uptime_s"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]componentStatus{
		"registry": {Ready: true},
		"prover":   {Ready: s.disp != nil},
		"ingress":  {Ready: s.ing != nil},
	}

	status := "ok"
	for _, c := range components {
		if !c.Ready {
			status = "degraded"
			break
		}
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:     status,
		Components: components,
		UptimeS:    int64(time.Since(s.startedAt).Seconds()),
	})
}

type statusResponse struct {
	PacketsReceived int64   `json:"packets_received"`
	PacketsDropped  int64   `json:"packets_dropped"`
	AvgRSSI         float64 `json:"avg_rssi"`
	RegistryLeaves  uint64  `json:"registry_leaves"`
	MerkleRoot      string  `json:"merkle_root"`
	NullifierCount  int     `json:"nullifier_count"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var ingStats struct {
		received, dropped int64
		avgRSSI           float64
	}
	if s.ing != nil {
		st := s.ing.Stats()
		ingStats.received, ingStats.dropped, ingStats.avgRSSI = st.PacketsReceived, st.PacketsDropped, st.AvgRSSI
	}

	writeJSON(w, http.StatusOK, statusResponse{
		PacketsReceived: ingStats.received,
		PacketsDropped:  ingStats.dropped,
		AvgRSSI:         ingStats.avgRSSI,
		RegistryLeaves:  s.reg.Len(),
		MerkleRoot:      s.reg.Root().Hex(),
		NullifierCount:  s.nul.Len(),
	})
}

type registerCommitmentRequest struct {
	Commitment string `json:"commitment"`
}

type registerCommitmentResponse struct {
	MerkleRoot string `json:"merkle_root"`
	LeafIndex  uint64 `json:"leaf_index"`
}

func (s *Server) handleRegisterCommitment(w http.ResponseWriter, r *http.Request) {
	var req registerCommitmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "parse_error", "invalid JSON body")
		return
	}

	c, err := hashing.ParseHash(req.Commitment)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "commitment must be 32 bytes hex")
		return
	}

	idx, err := s.reg.Insert(c)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "registry_full", err.Error())
		return
	}

	s.Broadcast("registry:updated", map[string]any{
		"commitment":  c.Hex(),
		"leaf_index":  idx,
		"merkle_root": s.reg.Root().Hex(),
	})

	writeJSON(w, http.StatusOK, registerCommitmentResponse{
		MerkleRoot: s.reg.Root().Hex(),
		LeafIndex:  idx,
	})
}

type merkleProofResponse struct {
	Root      string   `json:"root"`
	LeafIndex uint64   `json:"leaf_index"`
	Siblings  []string `json:"siblings"`
	PathBits  []bool   `json:"path_bits"`
}

func (s *Server) handleMerkleProof(w http.ResponseWriter, r *http.Request) {
	commitmentHex := mux.Vars(r)["commitment"]
	c, err := hashing.ParseHash(commitmentHex)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "commitment must be 32 bytes hex")
		return
	}

	proof, err := s.reg.ProofFor(c)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "commitment not registered")
		return
	}

	siblings := make([]string, len(proof.Siblings))
	for i, sib := range proof.Siblings {
		siblings[i] = sib.Hex()
	}

	writeJSON(w, http.StatusOK, merkleProofResponse{
		Root:      proof.Root.Hex(),
		LeafIndex: proof.LeafIndex,
		Siblings:  siblings,
		PathBits:  proof.PathBits,
	})
}

type claimRewardRequest struct {
	Nullifier      string `json:"nullifier"`
	Proof          string `json:"proof"` // base64
	SensorDataHash string `json:"sensor_data_hash"`
}

type claimRewardResponse struct {
	Tier        string `json:"tier"`
	RewardMicro uint64 `json:"reward_micro"`
	TxHash      string `json:"tx_hash"`
	IsMock      bool   `json:"is_mock"`
}

// handleClaimReward runs the ACR flow (spec.md §4.8/§3): admit the
// nullifier for the server's current epoch, then submit the caller's
// already-computed proof to the external prover/submitter.
func (s *Server) handleClaimReward(w http.ResponseWriter, r *http.Request) {
	var req claimRewardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "parse_error", "invalid JSON body")
		return
	}

	n, err := hashing.ParseHash(req.Nullifier)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "nullifier must be 32 bytes hex")
		return
	}
	dataHash, err := hashing.ParseHash(req.SensorDataHash)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "sensor_data_hash must be 32 bytes hex")
		return
	}
	proofBytes, err := base64.StdEncoding.DecodeString(req.Proof)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "proof must be base64")
		return
	}

	currentEpoch := s.clk.CurrentEpoch()
	rec, err := s.nul.TrySpend(n, currentEpoch, currentEpoch, dataHash, nullifier.ModeManual, s.clk.NowMs())
	switch {
	case errors.Is(err, nullifier.ErrAlreadySpent):
		writeError(w, http.StatusConflict, "already_spent", "nullifier already spent this epoch")
		return
	case errors.Is(err, nullifier.ErrEpochOutOfWindow):
		writeError(w, http.StatusBadRequest, "epoch_out_of_window", "epoch is outside the admissible window")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "storage_error", "failed to durably record spend")
		return
	}

	result := s.disp.DispatchSubmit(r.Context(), prover.Proof{Bytes: proofBytes}, prover.PublicInputs{
		MerkleRoot: s.reg.Root(),
		Nullifier:  n,
		Epoch:      currentEpoch,
		DataHash:   dataHash,
	})

	if result.Status != prover.StatusSubmitted {
		s.Broadcast("packet:error", map[string]any{"nullifier": n.Hex(), "reason": "orphaned"})
		if errors.Is(r.Context().Err(), context.DeadlineExceeded) {
			writeError(w, http.StatusGatewayTimeout, "deadline_exceeded", "request deadline exceeded")
			return
		}
		writeError(w, http.StatusBadGateway, "submit_failed", "proof submission could not be completed")
		return
	}

	s.Broadcast("proof:submitted", map[string]any{
		"nullifier": n.Hex(),
		"epoch":     currentEpoch,
		"tx_hash":   result.Receipt.TxHash,
	})

	writeJSON(w, http.StatusOK, claimRewardResponse{
		Tier:        string(rec.Tier),
		RewardMicro: rec.RewardMicro,
		TxHash:      result.Receipt.TxHash,
		IsMock:      result.Receipt.IsMock,
	})
}
