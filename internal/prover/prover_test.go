package prover

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/edgechain/proofserver/internal/hashing"
)

func fixedHash(b byte) hashing.Hash {
	var h hashing.Hash
	for i := range h {
		h[i] = b
	}
	return h
}

func TestMockClientIsLabeled(t *testing.T) {
	c := NewClient("", time.Second, true)
	inputs := PublicInputs{Nullifier: fixedHash(1), Epoch: 5}

	proof, err := c.Prove(context.Background(), inputs, Witness{})
	require.NoError(t, err)
	require.True(t, proof.IsMock)

	receipt, err := c.Submit(context.Background(), proof, inputs)
	require.NoError(t, err)
	require.True(t, receipt.IsMock)
}

func TestMockClientIsDeterministic(t *testing.T) {
	c := NewClient("", time.Second, true)
	inputs := PublicInputs{Nullifier: fixedHash(1), Epoch: 5}

	p1, err := c.Prove(context.Background(), inputs, Witness{})
	require.NoError(t, err)
	p2, err := c.Prove(context.Background(), inputs, Witness{})
	require.NoError(t, err)
	require.Equal(t, p1.Bytes, p2.Bytes)
}

func TestClientProveSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/prove", r.URL.Path)
		json.NewEncoder(w).Encode(Proof{Bytes: []byte("real-proof")})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, false)
	proof, err := c.Prove(context.Background(), PublicInputs{}, Witness{})
	require.NoError(t, err)
	require.Equal(t, []byte("real-proof"), proof.Bytes)
	require.False(t, proof.IsMock)
}

func TestClientProve5xxIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, false)
	_, err := c.Prove(context.Background(), PublicInputs{}, Witness{})
	require.ErrorIs(t, err, ErrTransient)
}

func TestClientProve4xxIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, false)
	_, err := c.Prove(context.Background(), PublicInputs{}, Witness{})
	require.ErrorIs(t, err, ErrPermanent)
}

func TestDispatcherRetriesTransientThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if r.URL.Path == "/prove" && n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		switch r.URL.Path {
		case "/prove":
			json.NewEncoder(w).Encode(Proof{Bytes: []byte("p")})
		case "/submit":
			json.NewEncoder(w).Encode(TxReceipt{TxHash: "0xabc"})
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second, false)
	d := NewDispatcher(client, 3, nil)

	res := d.Dispatch(context.Background(), PublicInputs{Nullifier: fixedHash(1), Epoch: 1}, Witness{})
	require.Equal(t, StatusSubmitted, res.Status)
	require.Equal(t, "0xabc", res.Receipt.TxHash)
}

func TestDispatcherMarksOrphanedOnPermanentSubmitError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/prove":
			json.NewEncoder(w).Encode(Proof{Bytes: []byte("p")})
		case "/submit":
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second, false)
	d := NewDispatcher(client, 2, nil)

	res := d.Dispatch(context.Background(), PublicInputs{Nullifier: fixedHash(2), Epoch: 1}, Witness{})
	require.Equal(t, StatusOrphaned, res.Status)
	require.Error(t, res.Err)
}

func TestDispatcherExhaustsRetriesOnPersistentTransientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second, false)
	d := NewDispatcher(client, 2, nil)

	res := d.Dispatch(context.Background(), PublicInputs{Nullifier: fixedHash(3), Epoch: 1}, Witness{})
	require.Equal(t, StatusOrphaned, res.Status)
	require.ErrorIs(t, res.Err, ErrTransient)
}
