package chain

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func TestBroadcast(t *testing.T) {
	c := qt.New(t)
	var gotContentType, gotAPIKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotAPIKey = r.Header.Get("x-api-key")
		c.Check(r.Method, qt.Equals, http.MethodPost)
		c.Check(r.URL.Path, qt.Equals, "/v2/transactions")
		_ = json.NewEncoder(w).Encode("0xaabbcc")
	}))
	defer srv.Close()

	client := New(srv.URL, "secret")
	txid, err := client.Broadcast(context.Background(), []byte{0x01, 0x02})
	c.Assert(err, qt.IsNil)
	c.Assert(txid, qt.Equals, "aabbcc")
	c.Assert(gotContentType, qt.Equals, "application/octet-stream")
	c.Assert(gotAPIKey, qt.Equals, "secret")
}

func TestBroadcastRejection(t *testing.T) {
	c := qt.New(t)
	reasons := map[string]bool{
		"ConflictingNonceInMempool": true,
		"BadNonce":                  true,
		"NotEnoughFunds":            false,
	}
	for reason, wantConflict := range reasons {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":  "transaction rejected",
				"reason": reason,
			})
		}))
		client := New(srv.URL, "")
		_, err := client.Broadcast(context.Background(), []byte{0x01})
		srv.Close()

		var rejection *BroadcastError
		c.Assert(errors.As(err, &rejection), qt.IsTrue)
		c.Assert(rejection.Reason, qt.Equals, reason)
		c.Assert(rejection.NonceConflict(), qt.Equals, wantConflict)
	}
}

func TestGetTxStatus(t *testing.T) {
	c := qt.New(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/extended/v1/tx/aa":
			_ = json.NewEncoder(w).Encode(map[string]any{"tx_status": "success", "block_height": 12345})
		case "/extended/v1/tx/bb":
			w.WriteHeader(http.StatusNotFound)
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"tx_status": "abort_by_response"})
		}
	}))
	defer srv.Close()

	client := New(srv.URL, "")
	status, err := client.GetTxStatus(context.Background(), "0xaa")
	c.Assert(err, qt.IsNil)
	c.Assert(status.Status, qt.Equals, StatusSuccess)
	c.Assert(status.BlockHeight, qt.Equals, uint64(12345))
	c.Assert(status.Final(), qt.IsTrue)
	c.Assert(status.Failed(), qt.IsFalse)

	// not yet indexed means pending
	status, err = client.GetTxStatus(context.Background(), "bb")
	c.Assert(err, qt.IsNil)
	c.Assert(status.Status, qt.Equals, StatusPending)
	c.Assert(status.Final(), qt.IsFalse)

	status, err = client.GetTxStatus(context.Background(), "cc")
	c.Assert(err, qt.IsNil)
	c.Assert(status.Failed(), qt.IsTrue)
	c.Assert(status.Final(), qt.IsTrue)
}

func TestGetPossibleNextNonce(t *testing.T) {
	c := qt.New(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.Check(r.URL.Path, qt.Equals, "/extended/v1/address/SPADDR/nonces")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"last_executed_tx_nonce": 6,
			"possible_next_nonce":    7,
		})
	}))
	defer srv.Close()

	nonce, err := New(srv.URL, "").GetPossibleNextNonce(context.Background(), "SPADDR")
	c.Assert(err, qt.IsNil)
	c.Assert(nonce, qt.Equals, uint64(7))
}

func TestGetFeeEstimates(t *testing.T) {
	c := qt.New(t)
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.Check(r.URL.Path, qt.Equals, "/v2/fees/transaction")
		var req struct {
			TransactionPayload string `json:"transaction_payload"`
			EstimatedLen       int    `json:"estimated_len"`
		}
		c.Check(json.NewDecoder(r.Body).Decode(&req), qt.IsNil)
		c.Check(req.TransactionPayload, qt.Not(qt.Equals), "")
		n := calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"estimations": []map[string]any{
				{"fee": 100 * n}, {"fee": 200 * n}, {"fee": 300 * n},
			},
		})
	}))
	defer srv.Close()

	estimates, err := New(srv.URL, "").GetFeeEstimates(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(calls.Load(), qt.Equals, int64(3))
	c.Assert(estimates.TokenTransfer, qt.Equals, FeeTiers{Low: 100, Medium: 200, High: 300})
	c.Assert(estimates.ContractCall.Low, qt.Equals, uint64(200))
	c.Assert(estimates.SmartContract.High, qt.Equals, uint64(900))
}

func TestRateLimited(t *testing.T) {
	c := qt.New(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").GetFeeEstimates(context.Background())
	var limited *RateLimitError
	c.Assert(errors.As(err, &limited), qt.IsTrue)
	c.Assert(limited.RetryAfter, qt.Equals, 30*time.Second)
}

func TestRetriesTransportErrors(t *testing.T) {
	c := qt.New(t)
	// Server closed before the call: both attempts fail, error surfaces.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	_, err := New(srv.URL, "").GetPossibleNextNonce(context.Background(), "SPADDR")
	c.Assert(err, qt.IsNotNil)
}
