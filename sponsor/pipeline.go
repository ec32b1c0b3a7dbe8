// Package sponsor orchestrates one relay request end to end: validation,
// per-agent rate limiting, dedup, fee clamping, nonce assignment, sponsor
// signing, settlement and receipt issuance. Every terminal path after a nonce
// has been assigned either consumes or releases it, exactly once.
package sponsor

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/aibtcdev/x402-sponsor-relay-sub000/auth"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/config"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/fees"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/log"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/noncepool"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/settle"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/stacks"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/storage"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/types"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/workers"
)

// SIP-018 auth actions, one per signing endpoint.
const (
	ActionRelay   = "relay"
	ActionSponsor = "sponsor"
)

// Per-agent rate limit: 10 requests per rolling minute.
const (
	agentRequestsPerMin = 10
	agentLimiterCap     = 4096
	agentLimiterTTL     = 5 * time.Minute
)

// pollMargin keeps the pipeline responding before the caller's own timeout
// fires.
const pollMargin = 5 * time.Second

// Pipeline wires the relay components together. Safe for concurrent use.
type Pipeline struct {
	network config.Network
	store   *storage.Storage
	pool    *noncepool.Pool
	fees    *fees.Service
	engine  *settle.Engine
	queue   *workers.Queue
	keys    map[int]*secp256k1.PrivateKey

	limiters    *expirable.LRU[string, *rate.Limiter]
	keyLimiters *expirable.LRU[string, *rate.Limiter]
}

// New creates the pipeline. keys maps wallet index to the sponsor private key
// of that wallet.
func New(network config.Network, store *storage.Storage, pool *noncepool.Pool,
	feeService *fees.Service, engine *settle.Engine, queue *workers.Queue,
	keys map[int]*secp256k1.PrivateKey) *Pipeline {
	return &Pipeline{
		network:     network,
		store:       store,
		pool:        pool,
		fees:        feeService,
		engine:      engine,
		queue:       queue,
		keys:        keys,
		limiters:    expirable.NewLRU[string, *rate.Limiter](agentLimiterCap, nil, agentLimiterTTL),
		keyLimiters: expirable.NewLRU[string, *rate.Limiter](agentLimiterCap, nil, agentLimiterTTL),
	}
}

// Request is one sponsorship request, already decoded from JSON.
type Request struct {
	RequestID      string
	TransactionHex string
	Settle         *types.SettleOptions
	Auth           *auth.Auth
	APIKey         *storage.APIKey
}

// SettlementInfo is the settlement snapshot returned to the caller.
type SettlementInfo struct {
	Status      string `json:"status"`
	Sender      string `json:"sender,omitempty"`
	Recipient   string `json:"recipient,omitempty"`
	Amount      string `json:"amount,omitempty"`
	BlockHeight uint64 `json:"blockHeight,omitempty"`
}

// Result is a successful pipeline outcome.
type Result struct {
	Txid        string
	SponsoredTx string
	ReceiptID   string
	Fee         uint64
	Settlement  *SettlementInfo
	Cached      bool
}

// Relay runs the full lifecycle: verify payment params, sponsor-sign,
// broadcast, poll, receipt, dedup.
func (p *Pipeline) Relay(ctx context.Context, req *Request) (*Result, *Error) {
	return p.process(ctx, req, ActionRelay)
}

// Sponsor signs and broadcasts without settlement verification and without a
// receipt. Callers authenticate with an API key, resolved by the HTTP layer.
func (p *Pipeline) Sponsor(ctx context.Context, req *Request) (*Result, *Error) {
	return p.process(ctx, req, ActionSponsor)
}

func (p *Pipeline) process(ctx context.Context, req *Request, action string) (*Result, *Error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	verify := action == ActionRelay

	// 1. parse & validate
	txHex := strings.TrimSpace(req.TransactionHex)
	if txHex == "" {
		return nil, newError(CodeMissingTransaction, http.StatusBadRequest, "transaction is required")
	}
	var opts types.SettleOptions
	if verify {
		if req.Settle == nil {
			return nil, newError(CodeMissingSettleOptions, http.StatusBadRequest, "settle options are required")
		}
		if err := settle.ValidateSettleOptions(*req.Settle); err != nil {
			return nil, newError(CodeInvalidSettleOptions, http.StatusBadRequest, err.Error())
		}
		opts = req.Settle.Normalized()
	}
	tx, err := stacks.ParseTransactionHex(txHex)
	if err != nil {
		return nil, newError(CodeInvalidTransaction, http.StatusBadRequest, err.Error())
	}
	if !tx.IsSponsored() {
		return nil, newError(CodeNotSponsored, http.StatusBadRequest,
			"transaction does not use sponsored authorization")
	}
	sender := tx.SenderAddress()
	if req.Auth != nil {
		if err := auth.Verify(req.Auth, action, p.network.ChainID, tx.Origin.Signer); err != nil {
			return nil, newError(CodeInvalidTransaction, http.StatusUnauthorized, err.Error())
		}
	}

	// 2. per-agent rate limit
	if !p.allowAgent(sender) {
		return nil, newError(CodeRateLimitExceeded, http.StatusTooManyRequests,
			"too many requests for this sender").retry(6)
	}

	// 3. dedup on the tx fingerprint
	fingerprint := stacks.Fingerprint(txHex)
	if entry, err := p.store.Dedup(fingerprint); err == nil {
		log.Debugw("dedup hit", "requestId", req.RequestID, "txid", entry.Txid)
		return resultFromDedup(entry), nil
	}

	// API-key quotas, before any chain work
	if pErr := p.checkQuota(req.APIKey); pErr != nil {
		return nil, pErr
	}

	// 4. clamped fee for the payload class
	fee, feeSource := p.fees.ClampedFee(ctx, tx.Payload.Class())

	// 5. nonce assignment, round-robin over sponsor wallets
	coordinator := p.pool.Next()
	key, ok := p.keys[coordinator.WalletIndex()]
	if !ok {
		return nil, newError(CodeSponsorConfigError, http.StatusInternalServerError,
			"no sponsor key for selected wallet")
	}
	nonce, err := coordinator.Assign(ctx, req.RequestID)
	if err != nil {
		return nil, newError(CodeNonceUnavailable, http.StatusServiceUnavailable,
			"no sponsor nonce available").retry(3)
	}
	// every path below must consume or release exactly once

	// 6. sponsor-sign with the assigned nonce and clamped fee
	if err := tx.SignSponsor(key, nonce, fee); err != nil {
		coordinator.Release(nonce)
		return nil, newError(CodeSponsorFailed, http.StatusBadRequest, err.Error())
	}
	sponsoredHex := tx.SerializeHex()

	// 7. verify payment params against the declared settle options
	var params *settle.PaymentParams
	if verify {
		var vErr *settle.VerificationError
		params, vErr = p.engine.VerifyPaymentParams(txHex, opts)
		if vErr != nil {
			coordinator.Release(nonce)
			return nil, newError(CodeVerificationFailed, http.StatusBadRequest, vErr.Message)
		}
	}

	// 8. broadcast and poll
	settlement, err := p.engine.BroadcastAndConfirm(ctx, tx, p.pollBudget(opts))
	if err != nil {
		return nil, p.mapBroadcastError(coordinator, nonce, err)
	}

	// 9. consume the nonce, account usage
	coordinator.Consume(nonce, settlement.Txid, fee)
	p.recordUsage(req.APIKey, fee)
	log.Infow("sponsored transaction broadcast",
		"requestId", req.RequestID,
		"txid", settlement.Txid,
		"wallet", coordinator.WalletIndex(),
		"nonce", nonce,
		"fee", fee,
		"feeSource", feeSource,
		"status", settlement.Status)

	result := &Result{
		Txid:        settlement.Txid,
		SponsoredTx: sponsoredHex,
		Fee:         fee,
		Settlement:  &SettlementInfo{Status: settlement.Status, BlockHeight: settlement.BlockHeight},
	}
	if params != nil {
		result.Settlement.Sender = params.Sender
		result.Settlement.Recipient = params.Recipient
		result.Settlement.Amount = params.Amount.String()
	}

	// 10. receipt, best-effort: a store failure degrades the response but
	// never fails the request
	if verify {
		receipt := &storage.Receipt{
			ReceiptID:      uuid.NewString(),
			SenderAddress:  sender,
			SponsoredTxHex: sponsoredHex,
			Fee:            fee,
			Txid:           settlement.Txid,
			Settle:         opts,
		}
		if err := p.store.StoreReceipt(receipt); err != nil {
			log.Warnw("receipt store failed", "requestId", req.RequestID, "error", err.Error())
		} else {
			result.ReceiptID = receipt.ReceiptID
		}
	}

	// 11. dedup record, off the response path
	p.queue.Enqueue("record-dedup", func(context.Context) {
		entry := &storage.DedupEntry{
			Txid:        result.Txid,
			ReceiptID:   result.ReceiptID,
			Status:      result.Settlement.Status,
			Sender:      result.Settlement.Sender,
			Recipient:   result.Settlement.Recipient,
			Amount:      result.Settlement.Amount,
			BlockHeight: result.Settlement.BlockHeight,
			SponsoredTx: sponsoredHex,
		}
		if err := p.store.RecordDedup(fingerprint, entry); err != nil {
			log.Warnw("dedup record failed", "txid", result.Txid, "error", err.Error())
		}
	})
	return result, nil
}

// pollBudget derives the confirmation polling budget from the caller's
// declared timeout, keeping a response margin.
func (p *Pipeline) pollBudget(opts types.SettleOptions) time.Duration {
	if opts.MaxTimeoutSeconds <= 0 {
		return 0 // engine default cap
	}
	budget := time.Duration(opts.MaxTimeoutSeconds)*time.Second - pollMargin
	if budget < 2*time.Second {
		budget = 2 * time.Second
	}
	return budget
}

// mapBroadcastError turns a settlement failure into a pipeline error,
// honoring the nonce discipline: release on every failure, with a scheduled
// resync when the failure was a nonce conflict.
func (p *Pipeline) mapBroadcastError(coordinator *noncepool.Coordinator, nonce uint64, err error) *Error {
	var failure *settle.BroadcastFailure
	if errors.As(err, &failure) {
		if failure.NonceConflict {
			coordinator.ReleaseConflict(nonce)
			return newError(CodeNonceConflict, http.StatusConflict, failure.Reason).retry(1)
		}
		coordinator.Release(nonce)
		return newError(CodeSettlementBroadcast, http.StatusBadGateway, failure.Reason).retry(5)
	}
	var onchain *settle.OnChainFailure
	if errors.As(err, &onchain) {
		coordinator.Release(nonce)
		coordinator.ResyncDelayed()
		return newError(CodeSettlementFailed, http.StatusUnprocessableEntity, onchain.Error())
	}
	coordinator.Release(nonce)
	return newError(CodeInternalError, http.StatusInternalServerError, err.Error())
}

// allowAgent applies the per-sender token bucket.
func (p *Pipeline) allowAgent(sender string) bool {
	limiter, ok := p.limiters.Get(sender)
	if !ok {
		limiter = rate.NewLimiter(rate.Every(time.Minute/agentRequestsPerMin), agentRequestsPerMin)
		p.limiters.Add(sender, limiter)
	}
	return limiter.Allow()
}

// checkQuota enforces the caller's tier quotas when an API key is attached.
func (p *Pipeline) checkQuota(key *storage.APIKey) *Error {
	if key == nil {
		return nil
	}
	limits := storage.LimitsForTier(key.Tier)
	if limits.ReqPerMin > 0 {
		limiter, ok := p.keyLimiters.Get(key.KeyID)
		if !ok {
			limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(limits.ReqPerMin)), limits.ReqPerMin)
			p.keyLimiters.Add(key.KeyID, limiter)
		}
		if !limiter.Allow() {
			return newError(CodeRateLimitExceeded, http.StatusTooManyRequests,
				"per-minute request limit for this key reached").retry(6)
		}
	}
	usage, err := p.store.UsageToday(key.KeyID)
	if err != nil {
		log.Warnw("usage lookup failed", "key", key.KeyID, "error", err.Error())
		return nil
	}
	if limits.DailyReq > 0 && usage.Requests >= limits.DailyReq {
		return newError(CodeDailyLimitExceeded, http.StatusTooManyRequests,
			"daily request limit reached").retry(3600)
	}
	if limits.DailyFeeCap > 0 && usage.FeesSpent >= limits.DailyFeeCap {
		return newError(CodeSpendingCapExceeded, http.StatusTooManyRequests,
			"daily fee spending cap reached").retry(3600)
	}
	return nil
}

// recordUsage accounts a successful broadcast off the response path.
func (p *Pipeline) recordUsage(key *storage.APIKey, fee uint64) {
	p.queue.Enqueue("record-usage", func(context.Context) {
		if err := p.store.AddGlobalStats(fee); err != nil {
			log.Warnw("global stats update failed", "error", err.Error())
		}
		if key == nil {
			return
		}
		if _, err := p.store.RecordUsage(key.KeyID, fee); err != nil {
			log.Warnw("usage record failed", "key", key.KeyID, "error", err.Error())
		}
	})
}

func resultFromDedup(entry *storage.DedupEntry) *Result {
	return &Result{
		Txid:        entry.Txid,
		SponsoredTx: entry.SponsoredTx,
		ReceiptID:   entry.ReceiptID,
		Cached:      true,
		Settlement: &SettlementInfo{
			Status:      entry.Status,
			Sender:      entry.Sender,
			Recipient:   entry.Recipient,
			Amount:      entry.Amount,
			BlockHeight: entry.BlockHeight,
		},
	}
}
