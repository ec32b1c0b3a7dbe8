package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aibtcdev/x402-sponsor-relay-sub000/auth"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/sponsor"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/storage"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/types"
)

// relayRequest is the POST /relay and POST /sponsor body.
type relayRequest struct {
	Transaction string               `json:"transaction"`
	Settle      *types.SettleOptions `json:"settle,omitempty"`
	Auth        *auth.Auth           `json:"auth,omitempty"`
}

// relayResponse is the success envelope of the sponsorship endpoints.
type relayResponse struct {
	Success     bool                    `json:"success"`
	RequestID   string                  `json:"requestId"`
	Txid        string                  `json:"txid"`
	ExplorerURL string                  `json:"explorerUrl"`
	Settlement  *sponsor.SettlementInfo `json:"settlement,omitempty"`
	SponsoredTx string                  `json:"sponsoredTx,omitempty"`
	ReceiptID   string                  `json:"receiptId,omitempty"`
	Cached      bool                    `json:"cached,omitempty"`
}

// relay handles POST /relay: the full verify+sponsor+broadcast+receipt
// lifecycle.
func (a *API) relay(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	var body relayRequest
	if err := decodeBody(w, r, &body); err != nil {
		ErrMalformedBody.WithErr(err).Write(w, requestID)
		return
	}
	result, pErr := a.pipeline.Relay(r.Context(), &sponsor.Request{
		RequestID:      requestID,
		TransactionHex: body.Transaction,
		Settle:         body.Settle,
		Auth:           body.Auth,
	})
	if pErr != nil {
		fromPipeline(pErr).Write(w, requestID)
		return
	}
	httpWriteJSON(w, a.successEnvelope(requestID, result))
}

// sponsor handles POST /sponsor: sponsorship without settlement verification,
// gated by a Bearer API key.
func (a *API) sponsor(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	key, apiErr := a.bearerKey(r)
	if apiErr != nil {
		apiErr.Write(w, requestID)
		return
	}
	var body relayRequest
	if err := decodeBody(w, r, &body); err != nil {
		ErrMalformedBody.WithErr(err).Write(w, requestID)
		return
	}
	result, pErr := a.pipeline.Sponsor(r.Context(), &sponsor.Request{
		RequestID:      requestID,
		TransactionHex: body.Transaction,
		Auth:           body.Auth,
		APIKey:         key,
	})
	if pErr != nil {
		fromPipeline(pErr).Write(w, requestID)
		return
	}
	httpWriteJSON(w, a.successEnvelope(requestID, result))
}

func (a *API) successEnvelope(requestID string, result *sponsor.Result) relayResponse {
	return relayResponse{
		Success:     true,
		RequestID:   requestID,
		Txid:        result.Txid,
		ExplorerURL: a.network.ExplorerTxURL(result.Txid),
		Settlement:  result.Settlement,
		SponsoredTx: result.SponsoredTx,
		ReceiptID:   result.ReceiptID,
		Cached:      result.Cached,
	}
}

// bearerKey resolves the Authorization Bearer token into API-key metadata.
func (a *API) bearerKey(r *http.Request) (*storage.APIKey, *Error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		err := ErrMissingAPIKey
		return nil, &err
	}
	key, err := a.storage.APIKey(strings.TrimSpace(token))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			e := ErrInvalidAPIKey
			return nil, &e
		}
		e := ErrInternal.WithErr(err)
		return nil, &e
	}
	if !key.Valid(time.Now()) {
		e := ErrExpiredAPIKey
		return nil, &e
	}
	return key, nil
}
