package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/aibtcdev/x402-sponsor-relay-sub000/log"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/sponsor"
)

// Error is the API error value. Code is a string from the pipeline taxonomy;
// Retryable and RetryAfter tell the caller whether and when to retry,
// RetryAfter mirrored into a Retry-After header.
type Error struct {
	Err        error
	Code       string
	HTTPstatus int
	Retryable  bool
	RetryAfter int // seconds, 0 = no header
}

// Error satisfies the error interface.
func (e Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

// Withf returns a copy of the error with a formatted message.
func (e Error) Withf(format string, args ...any) Error {
	e.Err = fmt.Errorf(format, args...)
	return e
}

// WithErr returns a copy of the error wrapping err under the original
// message.
func (e Error) WithErr(err error) Error {
	e.Err = fmt.Errorf("%v: %w", e.Err, err)
	return e
}

// Write replies to the request with the error envelope.
func (e Error) Write(w http.ResponseWriter, requestID string) {
	body, err := json.Marshal(errorBody{
		Success:    false,
		RequestID:  requestID,
		Error:      e.Err.Error(),
		Code:       e.Code,
		Retryable:  e.Retryable,
		RetryAfter: e.RetryAfter,
	})
	if err != nil {
		log.Warnw("marshal error response failed", "error", err.Error())
		http.Error(w, e.Err.Error(), e.HTTPstatus)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	w.WriteHeader(e.HTTPstatus)
	if _, err := w.Write(body); err != nil {
		log.Warnw("failed to write error response", "error", err.Error())
	}
}

type errorBody struct {
	Success    bool   `json:"success"`
	RequestID  string `json:"requestId,omitempty"`
	Error      string `json:"error"`
	Code       string `json:"code"`
	Retryable  bool   `json:"retryable"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// Errors produced by the HTTP layer itself. Pipeline failures carry their own
// code and status and pass through fromPipeline.
var (
	ErrMalformedBody   = Error{Code: sponsor.CodeInvalidTransaction, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("malformed JSON body")}
	ErrMissingAPIKey   = Error{Code: sponsor.CodeInvalidAPIKey, HTTPstatus: http.StatusUnauthorized, Err: fmt.Errorf("missing API key")}
	ErrInvalidAPIKey   = Error{Code: sponsor.CodeInvalidAPIKey, HTTPstatus: http.StatusUnauthorized, Err: fmt.Errorf("invalid API key")}
	ErrExpiredAPIKey   = Error{Code: sponsor.CodeExpiredAPIKey, HTTPstatus: http.StatusUnauthorized, Err: fmt.Errorf("expired or revoked API key")}
	ErrReceiptNotFound = Error{Code: sponsor.CodeNotFound, HTTPstatus: http.StatusNotFound, Err: fmt.Errorf("receipt not found or expired")}
	ErrReceiptConsumed = Error{Code: sponsor.CodeReceiptConsumed, HTTPstatus: http.StatusConflict, Err: fmt.Errorf("receipt already consumed")}
	ErrInvalidTarget   = Error{Code: sponsor.CodeInvalidTransaction, HTTPstatus: http.StatusBadRequest, Err: fmt.Errorf("invalid access target")}
	ErrUpstreamFailed  = Error{Code: sponsor.CodeInternalError, HTTPstatus: http.StatusBadGateway, Err: fmt.Errorf("upstream resource unreachable"), Retryable: true}
	ErrInternal        = Error{Code: sponsor.CodeInternalError, HTTPstatus: http.StatusInternalServerError, Err: fmt.Errorf("internal server error"), Retryable: true}
)

// fromPipeline converts a pipeline error into the API error value.
func fromPipeline(pErr *sponsor.Error) Error {
	return Error{
		Err:        fmt.Errorf("%s", pErr.Message),
		Code:       pErr.Code,
		HTTPstatus: pErr.HTTPStatus,
		Retryable:  pErr.Retryable,
		RetryAfter: pErr.RetryAfter,
	}
}
