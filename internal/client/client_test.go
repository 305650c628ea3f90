package client

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/betledger/internal/crypto"
	"github.com/alanyoungcy/betledger/internal/domain"
)

func newTestSigner(t *testing.T) *crypto.Signer {
	t.Helper()
	pk, err := crypto.GenerateKey()
	require.NoError(t, err)
	return crypto.NewSignerFromKey(pk)
}

func TestExecuteSignsAndWaits(t *testing.T) {
	signer := newTestSigner(t)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/tx", func(w http.ResponseWriter, r *http.Request) {
		var env domain.Envelope
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&env)) {
			return
		}
		got, err := crypto.RecoverSigner(env)
		assert.NoError(t, err)
		assert.Equal(t, signer.Address(), got)
		assert.Equal(t, "250", env.Command.Amount.String())

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{"tx_id": "tx-9", "status": "pending"})
	})
	mux.HandleFunc("GET /api/tx/{id}/wait", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tx-9", r.PathValue("id"))
		assert.Equal(t, "5s", r.URL.Query().Get("timeout"))
		json.NewEncoder(w).Encode(map[string]any{"tx_id": "tx-9", "status": "confirmed", "bet_id": 3})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL, signer)
	r, err := c.Execute(context.Background(), domain.Command{Type: domain.CommandInvest, BetID: 3, Amount: big.NewInt(250)}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.TxConfirmed, r.Status)
	assert.Equal(t, uint64(3), r.BetID)
}

func TestExecuteReportsRejection(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/tx", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"tx_id":"tx-1","status":"pending"}`))
	})
	mux.HandleFunc("GET /api/tx/{id}/wait", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tx_id":"tx-1","status":"rejected","error_code":"too_early","error":"investment window has not closed yet"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r, err := New(srv.URL, newTestSigner(t)).Execute(context.Background(), domain.Command{Type: domain.CommandSettleBet}, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too_early")
	assert.Equal(t, domain.TxRejected, r.Status)
}

func TestAPIErrorsAreDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"not found: bet 4","code":"not_found","kind":"not_found"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, nil).GetBet(context.Background(), 4)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "not_found", apiErr.Code)
}

func TestGetBetDecodesAmounts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":2,"title":"Derby","outcomes":["A","B"],"phase":"open",
			"pools":[{"wei":"1500000000000000000","ether":"1.5"},{"wei":"0","ether":"0"}]}`))
	}))
	defer srv.Close()

	b, err := New(srv.URL, nil).GetBet(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseOpen, b.Phase)
	require.Len(t, b.Pools, 2)
	assert.Equal(t, "1.5", b.Pools[0].Ether.String())
}

func TestSubmitNeedsSigner(t *testing.T) {
	_, err := New("http://unused", nil).Submit(context.Background(), domain.Command{Type: domain.CommandInvest})
	assert.ErrorContains(t, err, "no signing key")
}
