package api

import (
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/aibtcdev/x402-sponsor-relay-sub000/log"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/storage"
	"github.com/go-chi/chi/v5"
)

// receiptInfo is the public view of a stored receipt.
type receiptInfo struct {
	ReceiptID   string `json:"receiptId"`
	Status      string `json:"status"`
	Txid        string `json:"txid"`
	Sender      string `json:"sender,omitempty"`
	Resource    string `json:"resource,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
	ExpiresAt   int64  `json:"expiresAt"`
	AccessCount int    `json:"accessCount"`
}

func receiptView(r *storage.Receipt) receiptInfo {
	status := "valid"
	if r.Consumed {
		status = "consumed"
	}
	return receiptInfo{
		ReceiptID:   r.ReceiptID,
		Status:      status,
		Txid:        r.Txid,
		Sender:      r.SenderAddress,
		Resource:    r.Settle.Resource,
		CreatedAt:   r.CreatedAt,
		ExpiresAt:   r.ExpiresAt,
		AccessCount: r.AccessCount,
	}
}

// receiptStatus handles GET /verify/{receiptId}: receipt lookup without
// consuming it.
func (a *API) receiptStatus(w http.ResponseWriter, r *http.Request) {
	receiptID := chi.URLParam(r, ReceiptIDURLParam)
	receipt, err := a.storage.Receipt(receiptID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			ErrReceiptNotFound.Write(w, "")
			return
		}
		ErrInternal.WithErr(err).Write(w, "")
		return
	}
	httpWriteJSON(w, receiptView(receipt))
}

// accessRequest is the POST /access body.
type accessRequest struct {
	ReceiptID string `json:"receiptId"`
	Resource  string `json:"resource,omitempty"`
	TargetURL string `json:"targetUrl,omitempty"`
}

// accessResource handles POST /access: single-use redemption of a receipt,
// optionally proxying the request to the protected resource with the
// sponsored transaction attached as payment proof. The receipt is consumed
// only after the upstream answers 2xx, so a flaky resource does not burn it.
func (a *API) accessResource(w http.ResponseWriter, r *http.Request) {
	var body accessRequest
	if err := decodeBody(w, r, &body); err != nil {
		ErrMalformedBody.WithErr(err).Write(w, "")
		return
	}
	receipt, err := a.storage.Receipt(body.ReceiptID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			ErrReceiptNotFound.Write(w, "")
			return
		}
		ErrInternal.WithErr(err).Write(w, "")
		return
	}
	if receipt.Consumed {
		ErrReceiptConsumed.Write(w, "")
		return
	}
	if body.Resource != "" && receipt.Settle.Resource != "" && body.Resource != receipt.Settle.Resource {
		ErrInvalidTarget.Withf("receipt is bound to a different resource").Write(w, "")
		return
	}

	if body.TargetURL == "" {
		// direct redemption, no upstream involved
		if _, err := a.storage.MarkReceiptConsumed(receipt.ReceiptID); err != nil {
			if errors.Is(err, storage.ErrReceiptConsumed) {
				ErrReceiptConsumed.Write(w, "")
				return
			}
			ErrInternal.WithErr(err).Write(w, "")
			return
		}
		receipt.Consumed = true
		httpWriteJSON(w, receiptView(receipt))
		return
	}

	if err := validateTarget(body.TargetURL); err != nil {
		ErrInvalidTarget.WithErr(err).Write(w, "")
		return
	}
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, body.TargetURL, nil)
	if err != nil {
		ErrInvalidTarget.WithErr(err).Write(w, "")
		return
	}
	req.Header.Set("X-Payment", receipt.SponsoredTxHex)
	upstream, err := a.access.Do(req)
	if err != nil {
		ErrUpstreamFailed.WithErr(err).Write(w, "")
		return
	}
	defer func() {
		if err := upstream.Body.Close(); err != nil {
			log.Warnw("failed to close upstream body", "error", err.Error())
		}
	}()
	if upstream.StatusCode >= 200 && upstream.StatusCode < 300 {
		if _, err := a.storage.MarkReceiptConsumed(receipt.ReceiptID); err != nil && !errors.Is(err, storage.ErrReceiptConsumed) {
			log.Warnw("could not consume receipt after access", "receiptId", receipt.ReceiptID, "error", err.Error())
		}
	}
	if ct := upstream.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(upstream.StatusCode)
	if _, err := io.Copy(w, io.LimitReader(upstream.Body, maxBodySize)); err != nil {
		log.Warnw("failed to stream upstream body", "error", err.Error())
	}
}

// validateTarget restricts proxy targets to public HTTPS hosts. Hostnames
// are checked lexically, without DNS resolution.
func validateTarget(raw string) error {
	target, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if target.Scheme != "https" {
		return errors.New("target must use https")
	}
	host := target.Hostname()
	if host == "" {
		return errors.New("target has no host")
	}
	lowered := strings.ToLower(host)
	if lowered == "localhost" || strings.HasSuffix(lowered, ".localhost") || strings.HasSuffix(lowered, ".internal") {
		return errors.New("target host is not allowed")
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return errors.New("target IP is not allowed")
		}
	}
	return nil
}
