// Package prover implements the Prover Dispatcher (spec.md §4.7): an
// async client for an external prove/submit service, serialized per
// nullifier, with retry-with-backoff on transient errors and a
// clearly-labeled mock/dev mode.
//
// The HTTP-RPC-to-an-external-service shape is grounded on
// other_examples/.../gonka__decentralized-api-poc-proof_client.go's
// ProofClient (a net/http.Client wrapper with typed sentinel errors
// calling out to a remote proof/verification API); the dev/production
// mode split is grounded on the teacher's pkg/setup.DevSetup, which
// prints a loud banner distinguishing unsafe dev setup parameters from
// a production run.
package prover

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/edgechain/proofserver/internal/hashing"
)

// Typed sentinel errors (spec.md §7).
var (
	ErrTimeout   = errors.New("prover: timeout")
	ErrTransient = errors.New("prover: transient error")
	ErrPermanent = errors.New("prover: permanent error")
)

// PublicInputs is the public statement a proof attests to: the
// registered commitment's Merkle membership, the nullifier spent for
// this epoch, and the sensor data hash being attested.
type PublicInputs struct {
	MerkleRoot hashing.Hash `json:"merkle_root"`
	LeafIndex  uint64       `json:"leaf_index"`
	Nullifier  hashing.Hash `json:"nullifier"`
	Epoch      uint64       `json:"epoch"`
	DataHash   hashing.Hash `json:"data_hash"`
}

// Witness is the private assignment handed to the external prover. The
// server never interprets its contents (spec.md §1: "prepares inputs and
// forwards them").
type Witness struct {
	Siblings []hashing.Hash `json:"siblings"`
	PathBits []bool         `json:"path_bits"`
}

// Proof is an opaque proof blob as returned by the external prover.
type Proof struct {
	Bytes  []byte `json:"proof"`
	IsMock bool   `json:"is_mock"`
}

// TxReceipt is the result of a successful Submit call.
type TxReceipt struct {
	TxHash string `json:"tx_hash"`
	IsMock bool   `json:"is_mock"`
}

// Client talks to the external prover/submitter over HTTP, exactly as
// the teacher's ProofClient talks to a participant's proof API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	mock       bool
}

// NewClient builds a Client. When mock is true, Prove/Submit synthesize
// deterministic placeholder results instead of calling baseURL — callers
// are responsible for enforcing spec.md §4.7's "production MUST refuse
// to start with mock_proofs=true unless demo_mode is also set" at
// configuration-validation time (internal/config.Validate already does
// this).
func NewClient(baseURL string, timeout time.Duration, mock bool) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		mock:       mock,
	}
}

// Prove requests a proof for (inputs, witness). On a 5xx, connection
// reset, or context deadline, it returns an error wrapping ErrTransient
// or ErrTimeout so callers can classify retry eligibility (spec.md §4.7).
func (c *Client) Prove(ctx context.Context, inputs PublicInputs, witness Witness) (Proof, error) {
	if c.mock {
		return mockProof(inputs), nil
	}

	body, err := json.Marshal(map[string]any{"public_inputs": inputs, "witness": witness})
	if err != nil {
		return Proof{}, fmt.Errorf("%w: marshal request: %v", ErrPermanent, err)
	}

	var proof Proof
	if err := c.postJSON(ctx, "/prove", body, &proof); err != nil {
		return Proof{}, err
	}
	return proof, nil
}

// Submit posts a completed proof for on-chain/off-chain settlement.
func (c *Client) Submit(ctx context.Context, proof Proof, inputs PublicInputs) (TxReceipt, error) {
	if c.mock {
		return mockReceipt(inputs), nil
	}

	body, err := json.Marshal(map[string]any{"proof": proof, "public_inputs": inputs})
	if err != nil {
		return TxReceipt{}, fmt.Errorf("%w: marshal request: %v", ErrPermanent, err)
	}

	var receipt TxReceipt
	if err := c.postJSON(ctx, "/submit", body, &receipt); err != nil {
		return TxReceipt{}, err
	}
	return receipt, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrPermanent, err)
		}
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: prover returned %d", ErrTransient, resp.StatusCode)
	default:
		return fmt.Errorf("%w: prover returned %d: %s", ErrPermanent, resp.StatusCode, string(respBody))
	}
}

// mockProof synthesizes a deterministic placeholder proof from inputs,
// so dev-mode runs are reproducible and plainly labeled (spec.md §4.7).
func mockProof(inputs PublicInputs) Proof {
	h := sha256.Sum256(mockSeed(inputs))
	return Proof{Bytes: h[:], IsMock: true}
}

func mockReceipt(inputs PublicInputs) TxReceipt {
	h := sha256.Sum256(mockSeed(inputs))
	return TxReceipt{TxHash: "mock_" + base64.RawURLEncoding.EncodeToString(h[:8]), IsMock: true}
}

func mockSeed(inputs PublicInputs) []byte {
	buf := make([]byte, 0, 3*hashing.Size+8)
	buf = append(buf, inputs.MerkleRoot[:]...)
	buf = append(buf, inputs.Nullifier[:]...)
	buf = append(buf, inputs.DataHash[:]...)
	return buf
}
