package sponsor

import "fmt"

// Pipeline error codes. Closed set, returned verbatim in the response body.
const (
	CodeMissingTransaction   = "MISSING_TRANSACTION"
	CodeMissingSettleOptions = "MISSING_SETTLE_OPTIONS"
	CodeInvalidSettleOptions = "INVALID_SETTLE_OPTIONS"
	CodeInvalidTransaction   = "INVALID_TRANSACTION"
	CodeNotSponsored         = "NOT_SPONSORED"
	CodeRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
	CodeDailyLimitExceeded   = "DAILY_LIMIT_EXCEEDED"
	CodeSpendingCapExceeded  = "SPENDING_CAP_EXCEEDED"
	CodeSponsorConfigError   = "SPONSOR_CONFIG_ERROR"
	CodeSponsorFailed        = "SPONSOR_FAILED"
	CodeNonceUnavailable     = "NONCE_DO_UNAVAILABLE"
	CodeBroadcastFailed      = "BROADCAST_FAILED"
	CodeVerificationFailed   = "SETTLEMENT_VERIFICATION_FAILED"
	CodeSettlementBroadcast  = "SETTLEMENT_BROADCAST_FAILED"
	CodeNonceConflict        = "NONCE_CONFLICT"
	CodeSettlementFailed     = "SETTLEMENT_FAILED"
	CodeReceiptConsumed      = "RECEIPT_CONSUMED"
	CodeNotFound             = "NOT_FOUND"
	CodeInvalidAPIKey        = "INVALID_API_KEY"
	CodeExpiredAPIKey        = "EXPIRED_API_KEY"
	CodeInternalError        = "INTERNAL_ERROR"
)

// Error is a terminal pipeline failure carrying everything the HTTP layer
// needs: the taxonomy code, the status to write, whether the caller should
// retry and after how many seconds.
type Error struct {
	Code       string
	HTTPStatus int
	Retryable  bool
	RetryAfter int // seconds, 0 = no header
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(code string, status int, message string) *Error {
	return &Error{Code: code, HTTPStatus: status, Message: message}
}

func (e *Error) retry(after int) *Error {
	e.Retryable = true
	e.RetryAfter = after
	return e
}
