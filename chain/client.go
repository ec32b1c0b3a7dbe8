// Package chain is the client for the upstream chain indexer (Hiro API). It
// broadcasts raw transactions and reads back transaction status, account
// nonces and fee estimates. The relay trusts the indexer for all chain state.
package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aibtcdev/x402-sponsor-relay-sub000/log"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/stacks"
)

const (
	// DefaultRequestTimeout bounds every indexer round-trip.
	DefaultRequestTimeout = 8 * time.Second

	defaultRateLimitCooldown = 60 * time.Second
)

// Transaction status values reported by the indexer. Anything prefixed
// abort_ or dropped_ is a terminal failure.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
)

// TxStatus is the indexer's view of one transaction.
type TxStatus struct {
	Status      string
	BlockHeight uint64
}

// Final reports whether the status will not change anymore.
func (s TxStatus) Final() bool {
	return s.Status == StatusSuccess || s.Failed()
}

// Failed reports whether the transaction was aborted or dropped.
func (s TxStatus) Failed() bool {
	return strings.HasPrefix(s.Status, "abort_") || strings.HasPrefix(s.Status, "dropped_")
}

// FeeTiers holds one fee estimate per priority.
type FeeTiers struct {
	Low    uint64 `json:"low"`
	Medium uint64 `json:"medium"`
	High   uint64 `json:"high"`
}

// FeeEstimates holds the per-payload-class fee matrix.
type FeeEstimates struct {
	TokenTransfer FeeTiers `json:"token_transfer"`
	ContractCall  FeeTiers `json:"contract_call"`
	SmartContract FeeTiers `json:"smart_contract"`
}

// Class returns the tiers for a payload class.
func (e FeeEstimates) Class(class stacks.PayloadClass) FeeTiers {
	switch class {
	case stacks.ClassContractCall:
		return e.ContractCall
	case stacks.ClassSmartContract:
		return e.SmartContract
	default:
		return e.TokenTransfer
	}
}

// BroadcastError is a node-side rejection of a broadcast. NonceConflict marks
// the closed set of rejection reasons caused by a reused or stale nonce.
type BroadcastError struct {
	Reason     string
	ReasonData string
	StatusCode int
}

func (e *BroadcastError) Error() string {
	return fmt.Sprintf("transaction rejected: %s", e.Reason)
}

// NonceConflict reports whether the rejection is a nonce conflict.
func (e *BroadcastError) NonceConflict() bool {
	return strings.Contains(e.Reason, "ConflictingNonceInMempool") ||
		strings.Contains(e.Reason, "BadNonce")
}

// RateLimitError reports an indexer 429 with the cooldown it asked for.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("indexer rate limited, retry after %s", e.RetryAfter)
}

// Client talks to a Hiro-compatible indexer.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a Client for the given indexer base URL. The apiKey is
// optional; when set it is sent as x-api-key on every request.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: DefaultRequestTimeout},
	}
}

// Broadcast submits a serialized transaction and returns its txid. A node
// rejection surfaces as *BroadcastError.
func (c *Client) Broadcast(ctx context.Context, txBytes []byte) (string, error) {
	body, status, err := c.do(ctx, http.MethodPost, "/v2/transactions", "application/octet-stream", txBytes)
	if err != nil {
		return "", fmt.Errorf("broadcast transaction: %w", err)
	}
	if status == http.StatusOK {
		// the node returns the txid as a JSON string
		var txid string
		if err := json.Unmarshal(body, &txid); err != nil {
			return "", fmt.Errorf("decode broadcast response: %w", err)
		}
		return strings.TrimPrefix(txid, "0x"), nil
	}
	var rejection struct {
		Error      string          `json:"error"`
		Reason     string          `json:"reason"`
		ReasonData json.RawMessage `json:"reason_data"`
	}
	if err := json.Unmarshal(body, &rejection); err != nil || rejection.Reason == "" {
		// no structured reason, classify on the raw body
		return "", &BroadcastError{Reason: string(body), StatusCode: status}
	}
	return "", &BroadcastError{
		Reason:     rejection.Reason,
		ReasonData: string(rejection.ReasonData),
		StatusCode: status,
	}
}

// GetTxStatus returns the indexer's view of a transaction. A 404 means the
// transaction has not been indexed yet and maps to pending.
func (c *Client) GetTxStatus(ctx context.Context, txid string) (TxStatus, error) {
	body, status, err := c.do(ctx, http.MethodGet,
		"/extended/v1/tx/"+url.PathEscape(strings.TrimPrefix(txid, "0x")), "", nil)
	if err != nil {
		return TxStatus{}, fmt.Errorf("get tx status: %w", err)
	}
	if status == http.StatusNotFound {
		return TxStatus{Status: StatusPending}, nil
	}
	if status != http.StatusOK {
		return TxStatus{}, fmt.Errorf("get tx status: unexpected status %d", status)
	}
	var resp struct {
		TxStatus    string `json:"tx_status"`
		BlockHeight uint64 `json:"block_height"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return TxStatus{}, fmt.Errorf("decode tx status: %w", err)
	}
	return TxStatus{Status: resp.TxStatus, BlockHeight: resp.BlockHeight}, nil
}

// GetPossibleNextNonce returns the indexer's view of the next unused nonce
// for an address, mempool included.
func (c *Client) GetPossibleNextNonce(ctx context.Context, address string) (uint64, error) {
	body, status, err := c.do(ctx, http.MethodGet,
		"/extended/v1/address/"+url.PathEscape(address)+"/nonces", "", nil)
	if err != nil {
		return 0, fmt.Errorf("get account nonces: %w", err)
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("get account nonces: unexpected status %d", status)
	}
	var resp struct {
		PossibleNextNonce uint64 `json:"possible_next_nonce"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("decode account nonces: %w", err)
	}
	return resp.PossibleNextNonce, nil
}

// GetFeeEstimates fetches the low/medium/high estimate per payload class.
// One estimation request per class, using a canonical payload of that class.
func (c *Client) GetFeeEstimates(ctx context.Context) (FeeEstimates, error) {
	var out FeeEstimates
	classes := []struct {
		class stacks.PayloadClass
		tiers *FeeTiers
	}{
		{stacks.ClassTokenTransfer, &out.TokenTransfer},
		{stacks.ClassContractCall, &out.ContractCall},
		{stacks.ClassSmartContract, &out.SmartContract},
	}
	for _, entry := range classes {
		tiers, err := c.estimateClass(ctx, entry.class)
		if err != nil {
			return FeeEstimates{}, err
		}
		*entry.tiers = tiers
	}
	return out, nil
}

func (c *Client) estimateClass(ctx context.Context, class stacks.PayloadClass) (FeeTiers, error) {
	payload := stacks.EstimationPayload(class)
	reqBody, err := json.Marshal(map[string]any{
		"transaction_payload": hex.EncodeToString(payload),
		"estimated_len":       180,
	})
	if err != nil {
		return FeeTiers{}, err
	}
	body, status, err := c.do(ctx, http.MethodPost, "/v2/fees/transaction", "application/json", reqBody)
	if err != nil {
		return FeeTiers{}, fmt.Errorf("estimate %s fees: %w", class, err)
	}
	if status != http.StatusOK {
		return FeeTiers{}, fmt.Errorf("estimate %s fees: unexpected status %d", class, status)
	}
	var resp struct {
		Estimations []struct {
			Fee uint64 `json:"fee"`
		} `json:"estimations"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return FeeTiers{}, fmt.Errorf("decode %s fee estimations: %w", class, err)
	}
	if len(resp.Estimations) < 3 {
		return FeeTiers{}, fmt.Errorf("estimate %s fees: got %d estimations", class, len(resp.Estimations))
	}
	return FeeTiers{
		Low:    resp.Estimations[0].Fee,
		Medium: resp.Estimations[1].Fee,
		High:   resp.Estimations[2].Fee,
	}, nil
}

// do performs one request against the indexer, retrying once on transport
// errors. It returns the body and HTTP status; 429 becomes *RateLimitError.
func (c *Client) do(ctx context.Context, method, path, contentType string, reqBody []byte) ([]byte, int, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
			log.Debugw("retrying indexer request", "method", method, "path", path)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(reqBody))
		if err != nil {
			return nil, 0, err
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if c.apiKey != "" {
			req.Header.Set("x-api-key", c.apiKey)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, resp.StatusCode, &RateLimitError{RetryAfter: retryAfter(resp)}
		}
		return body, resp.StatusCode, nil
	}
	return nil, 0, lastErr
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultRateLimitCooldown
}
