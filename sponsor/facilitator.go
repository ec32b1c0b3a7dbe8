package sponsor

import (
	"context"
	"errors"
	"time"

	"github.com/aibtcdev/x402-sponsor-relay-sub000/log"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/settle"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/stacks"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/storage"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/types"
)

// FacilitatorResult is the outcome of the x402 settle/verify paths. Business
// failures come back with Success=false and a Reason from the facilitator
// reason set; they are not transport errors.
type FacilitatorResult struct {
	Success     bool
	Payer       string
	Txid        string
	Status      string
	BlockHeight uint64
	Reason      string
	Message     string
}

func facilitatorFailure(reason, message string) *FacilitatorResult {
	return &FacilitatorResult{Reason: reason, Message: message}
}

// VerifyX402 checks a payment without broadcasting it.
func (p *Pipeline) VerifyX402(txHex string, opts types.SettleOptions) *FacilitatorResult {
	if err := settle.ValidateSettleOptions(opts); err != nil {
		return facilitatorFailure(settle.ReasonInvalidRequirements, err.Error())
	}
	params, vErr := p.engine.VerifyPaymentParams(txHex, opts)
	if vErr != nil {
		return facilitatorFailure(vErr.Reason, vErr.Message)
	}
	result := &FacilitatorResult{Success: true}
	if payer, ok := p.engine.PayerAddress(params.Tx); ok {
		result.Payer = payer
	}
	return result
}

// SettleX402 verifies and broadcasts a pre-sponsored transaction. The
// sponsor-sign step is skipped: the transaction arrives fully signed.
func (p *Pipeline) SettleX402(ctx context.Context, txHex string, opts types.SettleOptions, maxTimeout time.Duration) *FacilitatorResult {
	if err := settle.ValidateSettleOptions(opts); err != nil {
		return facilitatorFailure(settle.ReasonInvalidRequirements, err.Error())
	}
	params, vErr := p.engine.VerifyPaymentParams(txHex, opts)
	if vErr != nil {
		return facilitatorFailure(vErr.Reason, vErr.Message)
	}
	tx := params.Tx
	if tx.IsSponsored() {
		if err := tx.VerifySponsor(); err != nil {
			return facilitatorFailure(settle.ReasonInvalidTransactionState,
				"sponsor signature invalid: "+err.Error())
		}
	}

	// replay the dedup cache for byte-identical retries
	fingerprint := stacks.Fingerprint(txHex)
	if entry, err := p.store.Dedup(fingerprint); err == nil {
		result := &FacilitatorResult{
			Success:     true,
			Txid:        entry.Txid,
			Status:      entry.Status,
			BlockHeight: entry.BlockHeight,
		}
		if payer, ok := p.engine.PayerAddress(tx); ok {
			result.Payer = payer
		}
		return result
	}

	budget := maxTimeout
	if budget > pollMargin {
		budget -= pollMargin
	}
	settlement, err := p.engine.BroadcastAndConfirm(ctx, tx, budget)
	if err != nil {
		var failure *settle.BroadcastFailure
		if errors.As(err, &failure) {
			if failure.NonceConflict {
				return facilitatorFailure(settle.ReasonConflictingNonce, failure.Reason)
			}
			return facilitatorFailure(settle.ReasonBroadcastFailed, failure.Reason)
		}
		var onchain *settle.OnChainFailure
		if errors.As(err, &onchain) {
			return facilitatorFailure(settle.ReasonTransactionFailed, onchain.Error())
		}
		return facilitatorFailure(settle.ReasonBroadcastFailed, err.Error())
	}

	result := &FacilitatorResult{
		Success:     true,
		Txid:        settlement.Txid,
		Status:      settlement.Status,
		BlockHeight: settlement.BlockHeight,
	}
	if payer, ok := p.engine.PayerAddress(tx); ok {
		result.Payer = payer
	}
	p.queue.Enqueue("record-settle-dedup", func(context.Context) {
		entry := &storage.DedupEntry{
			Txid:        result.Txid,
			Status:      result.Status,
			Sender:      params.Sender,
			Recipient:   params.Recipient,
			Amount:      params.Amount.String(),
			BlockHeight: result.BlockHeight,
		}
		if err := p.store.RecordDedup(fingerprint, entry); err != nil {
			log.Warnw("settle dedup record failed", "txid", result.Txid, "error", err.Error())
		}
	})
	return result
}
