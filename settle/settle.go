// Package settle implements the settlement engine: it validates declared
// payment requirements, verifies that a candidate transaction actually pays
// them, and broadcasts with bounded confirmation polling.
package settle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/aibtcdev/x402-sponsor-relay-sub000/chain"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/config"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/log"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/stacks"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/types"
)

// Facilitator error reasons, used verbatim in errorReason/invalidReason.
const (
	ReasonInvalidPayload            = "invalid_payload"
	ReasonInvalidRequirements       = "invalid_payment_requirements"
	ReasonInvalidNetwork            = "invalid_network"
	ReasonInvalidScheme             = "invalid_scheme"
	ReasonUnsupportedScheme         = "unsupported_scheme"
	ReasonUnrecognizedAsset         = "unrecognized_asset"
	ReasonRecipientMismatch         = "recipient_mismatch"
	ReasonAmountInsufficient        = "amount_insufficient"
	ReasonInvalidTransactionState   = "invalid_transaction_state"
	ReasonBroadcastFailed           = "broadcast_failed"
	ReasonTransactionFailed         = "transaction_failed"
	ReasonConflictingNonce          = "conflicting_nonce"
	ReasonPaymentIdentifierConflict = "payment_identifier_conflict"
)

// Polling parameters of the confirmation loop.
const (
	pollInitialDelay = 2 * time.Second
	pollBackoff      = 1.5
	pollMaxDelay     = 8 * time.Second
	pollOverallCap   = 60 * time.Second
)

// Settlement statuses.
const (
	StatusConfirmed = "confirmed"
	StatusPending   = "pending"
)

// VerificationError is a payment verification failure with its facilitator
// reason.
type VerificationError struct {
	Reason  string
	Message string
}

func (e *VerificationError) Error() string { return e.Message }

// BroadcastFailure is a failed broadcast. NonceConflict marks the node
// rejections caused by a reused nonce; those are retried by the agent, not
// the relay.
type BroadcastFailure struct {
	Reason        string
	NonceConflict bool
	Retryable     bool
}

func (e *BroadcastFailure) Error() string {
	return fmt.Sprintf("broadcast failed: %s", e.Reason)
}

// OnChainFailure means the transaction was included and aborted, or dropped
// from the mempool. Never retryable with the same bytes.
type OnChainFailure struct {
	Status string
}

func (e *OnChainFailure) Error() string {
	return "Transaction failed on-chain: " + e.Status
}

// Engine verifies and settles payments against one network.
type Engine struct {
	network config.Network
	chain   Broadcaster
}

// Broadcaster is the chain-client subset the engine needs.
type Broadcaster interface {
	Broadcast(ctx context.Context, txBytes []byte) (string, error)
	GetTxStatus(ctx context.Context, txid string) (chain.TxStatus, error)
}

// New creates a settlement engine.
func New(network config.Network, broadcaster Broadcaster) *Engine {
	return &Engine{network: network, chain: broadcaster}
}

// ValidateSettleOptions checks shape and ranges of declared requirements.
func ValidateSettleOptions(opts types.SettleOptions) error {
	if strings.TrimSpace(opts.ExpectedRecipient) == "" {
		return fmt.Errorf("expectedRecipient is required")
	}
	if _, _, err := stacks.DecodeAddress(strings.SplitN(opts.ExpectedRecipient, ".", 2)[0]); err != nil {
		return fmt.Errorf("expectedRecipient: %w", err)
	}
	amount, err := opts.MinAmountInt()
	if err != nil {
		return err
	}
	if amount.Sign() == 0 {
		return fmt.Errorf("minAmount must be positive")
	}
	opts = opts.Normalized()
	supported := false
	for _, tokenType := range types.SupportedTokenTypes {
		if opts.TokenType == tokenType {
			supported = true
			break
		}
	}
	if !supported {
		return fmt.Errorf("unsupported tokenType %q", opts.TokenType)
	}
	if opts.MaxTimeoutSeconds < 0 {
		return fmt.Errorf("maxTimeoutSeconds must not be negative")
	}
	return nil
}

// PaymentParams is the payment extracted from a verified transaction.
type PaymentParams struct {
	Sender    string
	Recipient string
	Amount    *big.Int
	TokenType types.TokenType
	Tx        *stacks.Transaction
}

// VerifyPaymentParams deserializes the transaction and checks that it pays
// what the settle options require.
func (e *Engine) VerifyPaymentParams(txHex string, opts types.SettleOptions) (*PaymentParams, *VerificationError) {
	opts = opts.Normalized()
	tx, err := stacks.ParseTransactionHex(txHex)
	if err != nil {
		return nil, &VerificationError{Reason: ReasonInvalidPayload, Message: "Invalid transaction: " + err.Error()}
	}
	params, vErr := e.extractPayment(tx)
	if vErr != nil {
		return nil, vErr
	}
	if params.TokenType != opts.TokenType {
		return nil, &VerificationError{Reason: ReasonUnrecognizedAsset, Message: "Token type mismatch"}
	}
	if !strings.EqualFold(params.Recipient, opts.ExpectedRecipient) {
		return nil, &VerificationError{Reason: ReasonRecipientMismatch, Message: "Recipient mismatch"}
	}
	if opts.ExpectedSender != "" && !strings.EqualFold(params.Sender, opts.ExpectedSender) {
		return nil, &VerificationError{Reason: ReasonInvalidTransactionState, Message: "Sender mismatch"}
	}
	minAmount, err := opts.MinAmountInt()
	if err != nil {
		return nil, &VerificationError{Reason: ReasonInvalidRequirements, Message: err.Error()}
	}
	// inclusive lower bound
	if params.Amount.Cmp(minAmount) < 0 {
		return nil, &VerificationError{Reason: ReasonAmountInsufficient, Message: "Insufficient payment amount"}
	}
	return params, nil
}

// extractPayment dispatches on the payload type. Contract calls must be
// SIP-010 transfers of an allow-listed token contract.
func (e *Engine) extractPayment(tx *stacks.Transaction) (*PaymentParams, *VerificationError) {
	switch payload := tx.Payload.(type) {
	case *stacks.TokenTransferPayload:
		return &PaymentParams{
			Sender:    tx.SenderAddress(),
			Recipient: payload.Recipient.String(),
			Amount:    new(big.Int).SetUint64(payload.Amount),
			TokenType: types.TokenNative,
			Tx:        tx,
		}, nil
	case *stacks.ContractCallPayload:
		if payload.FunctionName != "transfer" {
			return nil, &VerificationError{
				Reason:  ReasonInvalidTransactionState,
				Message: fmt.Sprintf("contract call %q is not a transfer", payload.FunctionName),
			}
		}
		tokenType, ok := e.network.TokenTypeForContract(payload.Contract.String())
		if !ok {
			return nil, &VerificationError{Reason: ReasonUnrecognizedAsset, Message: "Unsupported token contract"}
		}
		// SIP-010 transfer args: (amount uint) (from principal) (to principal) (memo optional)
		if len(payload.Args) < 3 {
			return nil, &VerificationError{Reason: ReasonInvalidPayload, Message: "transfer call is missing arguments"}
		}
		amountArg, fromArg, toArg := payload.Args[0], payload.Args[1], payload.Args[2]
		if amountArg.Type != stacks.ClarityTypeUInt || fromArg.Principal == nil || toArg.Principal == nil {
			return nil, &VerificationError{Reason: ReasonInvalidPayload, Message: "malformed transfer arguments"}
		}
		return &PaymentParams{
			Sender:    fromArg.Principal.String(),
			Recipient: toArg.Principal.String(),
			Amount:    new(big.Int).Set(amountArg.Int),
			TokenType: tokenType,
			Tx:        tx,
		}, nil
	default:
		return nil, &VerificationError{Reason: ReasonInvalidPayload, Message: "unsupported payload type for settlement"}
	}
}

// PayerAddress recovers the origin signer's address. Multisig origins have
// no single recoverable key; the second return is false then.
func (e *Engine) PayerAddress(tx *stacks.Transaction) (string, bool) {
	pub, err := tx.VerifyOrigin()
	if err != nil || pub == nil {
		return "", false
	}
	return stacks.AddressFromPubKey(pub, e.network.TxVersion), true
}

// Settlement is the result of a broadcast-and-confirm run.
type Settlement struct {
	Txid        string
	Status      string
	BlockHeight uint64
}

// BroadcastAndConfirm broadcasts the transaction and polls for confirmation
// with exponential backoff until confirmation, terminal failure, or the
// overall cap min(maxPoll, 60s). A timeout is not an error: the settlement
// comes back pending.
func (e *Engine) BroadcastAndConfirm(ctx context.Context, tx *stacks.Transaction, maxPoll time.Duration) (*Settlement, error) {
	txid, err := e.chain.Broadcast(ctx, tx.Serialize())
	if err != nil {
		var rejection *chain.BroadcastError
		if errors.As(err, &rejection) {
			if rejection.NonceConflict() {
				return nil, &BroadcastFailure{Reason: rejection.Reason, NonceConflict: true}
			}
			return nil, &BroadcastFailure{Reason: rejection.Reason, Retryable: true}
		}
		return nil, &BroadcastFailure{Reason: err.Error(), Retryable: true}
	}

	overall := pollOverallCap
	if maxPoll > 0 && maxPoll < overall {
		overall = maxPoll
	}
	deadline := time.Now().Add(overall)
	delay := pollInitialDelay
	for {
		status, err := e.chain.GetTxStatus(ctx, txid)
		if err != nil {
			// a failed poll skips the iteration, it never fails settlement
			log.Debugw("confirmation poll failed", "txid", txid, "error", err)
		} else {
			if status.Status == chain.StatusSuccess && status.BlockHeight > 0 {
				return &Settlement{Txid: txid, Status: StatusConfirmed, BlockHeight: status.BlockHeight}, nil
			}
			if status.Failed() {
				return &Settlement{Txid: txid}, &OnChainFailure{Status: status.Status}
			}
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return &Settlement{Txid: txid, Status: StatusPending}, nil
		}
		sleep := delay
		if sleep > remaining {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return &Settlement{Txid: txid, Status: StatusPending}, nil
		case <-time.After(sleep):
		}
		delay = time.Duration(float64(delay) * pollBackoff)
		if delay > pollMaxDelay {
			delay = pollMaxDelay
		}
	}
}
