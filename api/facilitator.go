package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/aibtcdev/x402-sponsor-relay-sub000/log"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/settle"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/stacks"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/storage"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/types"
)

const x402Version = 1

// x402Request is the facilitator request body shared by /settle and /verify.
type x402Request struct {
	X402Version    int `json:"x402Version,omitempty"`
	PaymentPayload struct {
		X402Version int `json:"x402Version,omitempty"`
		Payload     struct {
			Transaction string `json:"transaction"`
			ID          string `json:"id,omitempty"`
		} `json:"payload"`
	} `json:"paymentPayload"`
	PaymentRequirements struct {
		Scheme            string `json:"scheme"`
		Network           string `json:"network"`
		Amount            string `json:"amount"`
		Asset             string `json:"asset,omitempty"`
		PayTo             string `json:"payTo"`
		MaxTimeoutSeconds int    `json:"maxTimeoutSeconds,omitempty"`
	} `json:"paymentRequirements"`
}

// settleResponse is the facilitator /settle envelope. Business failures use
// HTTP 200 with ErrorReason set; only malformed requests get a 4xx.
type settleResponse struct {
	Success     bool   `json:"success"`
	Payer       string `json:"payer,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// verifyResponse is the facilitator /verify envelope.
type verifyResponse struct {
	IsValid       bool   `json:"isValid"`
	Payer         string `json:"payer,omitempty"`
	InvalidReason string `json:"invalidReason,omitempty"`
}

// requirementsToOptions maps x402 payment requirements onto settle options.
// The returned reason is empty when the mapping succeeded.
func (a *API) requirementsToOptions(req *x402Request) (types.SettleOptions, string, string) {
	r := req.PaymentRequirements
	if r.Scheme == "" {
		return types.SettleOptions{}, settle.ReasonInvalidScheme, "scheme is required"
	}
	if r.Scheme != "exact" {
		return types.SettleOptions{}, settle.ReasonUnsupportedScheme, "only the exact scheme is supported"
	}
	if !strings.EqualFold(r.Network, a.network.CAIP2()) && !strings.EqualFold(r.Network, a.network.Name) {
		return types.SettleOptions{}, settle.ReasonInvalidNetwork, "network does not match this facilitator"
	}
	opts := types.SettleOptions{
		ExpectedRecipient: r.PayTo,
		MinAmount:         r.Amount,
		MaxTimeoutSeconds: r.MaxTimeoutSeconds,
	}
	switch {
	case r.Asset == "" || strings.EqualFold(r.Asset, "STX"):
		opts.TokenType = types.TokenNative
	default:
		tokenType, ok := a.network.TokenTypeForContract(r.Asset)
		if !ok {
			return types.SettleOptions{}, settle.ReasonUnrecognizedAsset, "asset is not an allow-listed token contract"
		}
		opts.TokenType = tokenType
	}
	return opts, "", ""
}

// paymentPayloadHash binds a payment identifier to the exact transaction and
// payment requirements pair: a retry must resend both unchanged to replay the
// cached response, anything else conflicts.
func paymentPayloadHash(txHex string, req *x402Request) string {
	fingerprint := stacks.Fingerprint(txHex)
	r := req.PaymentRequirements
	canonical, _ := json.Marshal([]any{r.Scheme, r.Network, r.Amount, r.Asset, r.PayTo, r.MaxTimeoutSeconds})
	sum := sha256.Sum256(append(fingerprint[:], canonical...))
	return hex.EncodeToString(sum[:])
}

// settle handles POST /settle: verify and broadcast a pre-sponsored
// transaction on behalf of an x402 resource server.
func (a *API) settle(w http.ResponseWriter, r *http.Request) {
	var req x402Request
	if err := decodeBody(w, r, &req); err != nil {
		ErrMalformedBody.WithErr(err).Write(w, "")
		return
	}
	txHex := req.PaymentPayload.Payload.Transaction
	network := a.network.CAIP2()

	opts, reason, message := a.requirementsToOptions(&req)
	if reason != "" {
		log.Debugw("settle requirements rejected", "reason", reason, "detail", message)
		httpWriteJSON(w, settleResponse{Network: network, ErrorReason: reason})
		return
	}

	// payment-identifier fence: same id + same payload replays, same id +
	// different payload conflicts
	paymentID := req.PaymentPayload.Payload.ID
	payloadHash := ""
	if paymentID != "" {
		if !storage.ValidPaymentID(paymentID) {
			ErrMalformedBody.Withf("invalid payment identifier").Write(w, "")
			return
		}
		payloadHash = paymentPayloadHash(txHex, &req)
		entry, err := a.storage.CheckPaymentID(paymentID, payloadHash)
		switch {
		case err == nil:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			if _, err := w.Write(entry.Response); err != nil {
				log.Warnw("failed to replay settle response", "error", err.Error())
			}
			return
		case errors.Is(err, storage.ErrPayloadConflict):
			httpWriteJSONStatus(w, http.StatusConflict, settleResponse{
				Network:     network,
				ErrorReason: settle.ReasonPaymentIdentifierConflict,
			})
			return
		}
	}

	maxTimeout := time.Duration(opts.MaxTimeoutSeconds) * time.Second
	result := a.pipeline.SettleX402(r.Context(), txHex, opts, maxTimeout)
	resp := settleResponse{
		Success:     result.Success,
		Payer:       result.Payer,
		Transaction: result.Txid,
		Network:     network,
		ErrorReason: result.Reason,
	}
	if result.Success && paymentID != "" {
		if raw, err := json.Marshal(resp); err == nil {
			if err := a.storage.RecordPaymentID(paymentID, payloadHash, raw); err != nil {
				log.Warnw("payment identifier record failed", "id", paymentID, "error", err.Error())
			}
		}
	}
	httpWriteJSON(w, resp)
}

// verify handles POST /verify: payment verification without broadcast.
func (a *API) verify(w http.ResponseWriter, r *http.Request) {
	var req x402Request
	if err := decodeBody(w, r, &req); err != nil {
		ErrMalformedBody.WithErr(err).Write(w, "")
		return
	}
	opts, reason, _ := a.requirementsToOptions(&req)
	if reason != "" {
		httpWriteJSON(w, verifyResponse{InvalidReason: reason})
		return
	}
	txHex := req.PaymentPayload.Payload.Transaction
	if paymentID := req.PaymentPayload.Payload.ID; paymentID != "" && storage.ValidPaymentID(paymentID) {
		if _, err := a.storage.CheckPaymentID(paymentID, paymentPayloadHash(txHex, &req)); errors.Is(err, storage.ErrPayloadConflict) {
			httpWriteJSONStatus(w, http.StatusConflict, verifyResponse{
				InvalidReason: settle.ReasonPaymentIdentifierConflict,
			})
			return
		}
	}
	result := a.pipeline.VerifyX402(txHex, opts)
	httpWriteJSON(w, verifyResponse{
		IsValid:       result.Success,
		Payer:         result.Payer,
		InvalidReason: result.Reason,
	})
}

// supported handles GET /supported: the facilitator discovery document.
func (a *API) supported(w http.ResponseWriter, _ *http.Request) {
	type kind struct {
		X402Version int    `json:"x402Version"`
		Scheme      string `json:"scheme"`
		Network     string `json:"network"`
	}
	httpWriteJSON(w, map[string]any{
		"kinds": []kind{
			{X402Version: x402Version, Scheme: "exact", Network: a.network.CAIP2()},
		},
		"extensions": []string{},
		"signers": map[string][]string{
			"stacks:*": {},
		},
	})
}
