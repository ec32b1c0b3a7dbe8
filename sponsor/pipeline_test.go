package sponsor

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	qt "github.com/frankban/quicktest"

	"github.com/aibtcdev/x402-sponsor-relay-sub000/chain"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/config"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/db"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/db/inmemory"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/fees"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/noncepool"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/settle"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/stacks"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/storage"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/types"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/workers"
)

const testRecipient = "ST000000000000000000002AMW42H"

// scriptedChain fakes the indexer for the whole pipeline: broadcast, status
// polling, nonce lookups and fee estimates.
type scriptedChain struct {
	mu            sync.Mutex
	broadcasts    int
	accepted      uint64
	broadcastErrs []error // consumed per broadcast, nil = accept
	txid          string
	statuses      []chain.TxStatus
	statusIdx     int
	possibleNonce uint64
	lastBroadcast []byte
}

func (m *scriptedChain) Broadcast(_ context.Context, raw []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.broadcasts
	m.broadcasts++
	m.lastBroadcast = raw
	if i < len(m.broadcastErrs) && m.broadcastErrs[i] != nil {
		return "", m.broadcastErrs[i]
	}
	m.accepted++
	return m.txid, nil
}

func (m *scriptedChain) GetTxStatus(context.Context, string) (chain.TxStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.statusIdx
	if i >= len(m.statuses) {
		i = len(m.statuses) - 1
	}
	m.statusIdx++
	if i < 0 {
		return chain.TxStatus{Status: chain.StatusPending}, nil
	}
	return m.statuses[i], nil
}

// GetPossibleNextNonce tracks accepted broadcasts, like a real mempool view.
func (m *scriptedChain) GetPossibleNextNonce(context.Context, string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.possibleNonce + m.accepted, nil
}

func (m *scriptedChain) GetFeeEstimates(context.Context) (chain.FeeEstimates, error) {
	return chain.FeeEstimates{
		TokenTransfer: chain.FeeTiers{Low: 200, Medium: 400, High: 800},
		ContractCall:  chain.FeeTiers{Low: 300, Medium: 600, High: 1200},
		SmartContract: chain.FeeTiers{Low: 400, Medium: 900, High: 1800},
	}, nil
}

func (m *scriptedChain) broadcastCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.broadcasts
}

type harness struct {
	pipeline *Pipeline
	chain    *scriptedChain
	store    *storage.Storage
	pool     *noncepool.Pool
}

func newHarness(t *testing.T, mock *scriptedChain) *harness {
	c := qt.New(t)
	database, err := inmemory.New(db.Options{})
	c.Assert(err, qt.IsNil)
	store := storage.New(database)
	t.Cleanup(store.Close)

	network, err := config.NetworkByName("testnet")
	c.Assert(err, qt.IsNil)

	sponsorKey := sponsorTestKey(1)
	wallets := []noncepool.Wallet{{
		Index:   0,
		Address: stacks.EncodeAddress(stacks.AddressVersionTestnet, stacks.Hash160(sponsorKey.PubKey())),
	}}
	pool, err := noncepool.NewPool(wallets, mock, store)
	c.Assert(err, qt.IsNil)
	t.Cleanup(pool.Close)

	queue := workers.NewQueue(64)
	queue.Start(context.Background())
	t.Cleanup(queue.Stop)

	pipeline := New(network, store, pool,
		fees.New(store, mock),
		settle.New(network, mock),
		queue,
		map[int]*secp256k1.PrivateKey{0: sponsorKey})
	return &harness{pipeline: pipeline, chain: mock, store: store, pool: pool}
}

func sponsorTestKey(seed byte) *secp256k1.PrivateKey {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = seed + byte(i)
	}
	return secp256k1.PrivKeyFromBytes(raw)
}

// unsponsoredTransfer builds an origin-signed sponsored transfer with the
// given agent nonce.
func unsponsoredTransfer(c *qt.C, agentKey *secp256k1.PrivateKey, agentNonce uint64, amount uint64) string {
	version, hash, err := stacks.DecodeAddress(testRecipient)
	c.Assert(err, qt.IsNil)
	tx, err := stacks.NewTokenTransfer(
		stacks.TransactionVersionTestnet, stacks.ChainIDTestnet, true,
		stacks.Principal{Version: version, Hash160: hash}, amount, "")
	c.Assert(err, qt.IsNil)
	tx.Origin.Nonce = agentNonce
	c.Assert(tx.SignOrigin(agentKey), qt.IsNil)
	return tx.SerializeHex()
}

func relayRequest(txHex string) *Request {
	return &Request{
		TransactionHex: txHex,
		Settle: &types.SettleOptions{
			ExpectedRecipient: testRecipient,
			MinAmount:         "1000",
			TokenType:         types.TokenNative,
		},
	}
}

// waitDedup blocks until the background dedup record lands.
func waitDedup(c *qt.C, store *storage.Storage, txHex string) {
	fingerprint := stacks.Fingerprint(txHex)
	for i := 0; i < 100; i++ {
		if _, err := store.Dedup(fingerprint); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.Fatal("dedup entry never recorded")
}

func TestRelayHappyPath(t *testing.T) {
	c := qt.New(t)
	mock := &scriptedChain{
		txid:          "aa11",
		statuses:      []chain.TxStatus{{Status: chain.StatusSuccess, BlockHeight: 12345}},
		possibleNonce: 100,
	}
	h := newHarness(t, mock)
	txHex := unsponsoredTransfer(c, sponsorTestKey(0x40), 1, 1000)

	result, pErr := h.pipeline.Relay(context.Background(), relayRequest(txHex))
	c.Assert(pErr == nil, qt.IsTrue, qt.Commentf("unexpected error: %v", pErr))
	c.Assert(result.Txid, qt.Equals, "aa11")
	c.Assert(result.Settlement.Status, qt.Equals, settle.StatusConfirmed)
	c.Assert(result.Settlement.BlockHeight, qt.Equals, uint64(12345))
	c.Assert(result.Settlement.Amount, qt.Equals, "1000")
	c.Assert(result.ReceiptID, qt.Not(qt.Equals), "")

	// the broadcast bytes carry a valid sponsor signature
	sponsored, err := stacks.ParseTransaction(mock.lastBroadcast)
	c.Assert(err, qt.IsNil)
	c.Assert(sponsored.VerifySponsor(), qt.IsNil)
	c.Assert(sponsored.Sponsor.Nonce, qt.Equals, uint64(100))

	// receipt persisted and valid
	receipt, err := h.store.Receipt(result.ReceiptID)
	c.Assert(err, qt.IsNil)
	c.Assert(receipt.Txid, qt.Equals, "aa11")
	c.Assert(receipt.Consumed, qt.IsFalse)

	// nonce consumed, none reserved
	status := h.pool.Wallet(0).Status()
	c.Assert(status.Reserved, qt.Equals, 0)
	c.Assert(status.TxCount, qt.Equals, uint64(1))
}

func TestRelayIdempotentRetry(t *testing.T) {
	c := qt.New(t)
	mock := &scriptedChain{
		txid:          "aa22",
		statuses:      []chain.TxStatus{{Status: chain.StatusSuccess, BlockHeight: 7}},
		possibleNonce: 100,
	}
	h := newHarness(t, mock)
	txHex := unsponsoredTransfer(c, sponsorTestKey(0x41), 1, 1000)

	first, pErr := h.pipeline.Relay(context.Background(), relayRequest(txHex))
	c.Assert(pErr == nil, qt.IsTrue, qt.Commentf("unexpected error: %v", pErr))
	waitDedup(c, h.store, txHex)

	second, pErr := h.pipeline.Relay(context.Background(), relayRequest(txHex))
	c.Assert(pErr == nil, qt.IsTrue, qt.Commentf("unexpected error: %v", pErr))
	c.Assert(second.Cached, qt.IsTrue)
	c.Assert(second.Txid, qt.Equals, first.Txid)
	c.Assert(second.ReceiptID, qt.Equals, first.ReceiptID)
	c.Assert(second.Settlement.Amount, qt.Equals, first.Settlement.Amount)
	c.Assert(mock.broadcastCount(), qt.Equals, 1)
}

func TestRelayNonceConflictThenSuccess(t *testing.T) {
	c := qt.New(t)
	mock := &scriptedChain{
		txid: "aa33",
		broadcastErrs: []error{
			&chain.BroadcastError{Reason: "ConflictingNonceInMempool", StatusCode: 400},
		},
		statuses:      []chain.TxStatus{{Status: chain.StatusSuccess, BlockHeight: 9}},
		possibleNonce: 100,
	}
	h := newHarness(t, mock)
	agent := sponsorTestKey(0x42)

	_, pErr := h.pipeline.Relay(context.Background(), relayRequest(unsponsoredTransfer(c, agent, 1, 1000)))
	c.Assert(pErr, qt.IsNotNil)
	c.Assert(pErr.Code, qt.Equals, CodeNonceConflict)
	c.Assert(pErr.HTTPStatus, qt.Equals, http.StatusConflict)
	c.Assert(pErr.RetryAfter, qt.Equals, 1)

	// a fresh agent nonce goes through
	result, pErr := h.pipeline.Relay(context.Background(), relayRequest(unsponsoredTransfer(c, agent, 2, 1000)))
	c.Assert(pErr == nil, qt.IsTrue, qt.Commentf("unexpected error: %v", pErr))
	c.Assert(result.Txid, qt.Equals, "aa33")

	status := h.pool.Wallet(0).Status()
	c.Assert(status.ConflictsDetected, qt.Equals, uint64(1))
	c.Assert(status.Reserved, qt.Equals, 0)
}

func TestRelayVerificationFailureReleasesNonce(t *testing.T) {
	c := qt.New(t)
	mock := &scriptedChain{txid: "aa44", possibleNonce: 100}
	h := newHarness(t, mock)
	txHex := unsponsoredTransfer(c, sponsorTestKey(0x43), 1, 500) // below minAmount

	_, pErr := h.pipeline.Relay(context.Background(), relayRequest(txHex))
	c.Assert(pErr, qt.IsNotNil)
	c.Assert(pErr.Code, qt.Equals, CodeVerificationFailed)
	c.Assert(pErr.HTTPStatus, qt.Equals, http.StatusBadRequest)
	c.Assert(mock.broadcastCount(), qt.Equals, 0)

	status := h.pool.Wallet(0).Status()
	c.Assert(status.Reserved, qt.Equals, 0)
	c.Assert(status.Available, qt.Equals, noncepool.PoolSize)
}

func TestRelayPendingSettlement(t *testing.T) {
	c := qt.New(t)
	mock := &scriptedChain{
		txid:          "aa55",
		statuses:      []chain.TxStatus{{Status: chain.StatusPending}},
		possibleNonce: 100,
	}
	h := newHarness(t, mock)
	txHex := unsponsoredTransfer(c, sponsorTestKey(0x44), 1, 1000)

	req := relayRequest(txHex)
	req.Settle.MaxTimeoutSeconds = 6 // poll budget 1s floor -> 2s

	result, pErr := h.pipeline.Relay(context.Background(), req)
	c.Assert(pErr == nil, qt.IsTrue, qt.Commentf("unexpected error: %v", pErr))
	c.Assert(result.Settlement.Status, qt.Equals, settle.StatusPending)
	c.Assert(result.ReceiptID, qt.Not(qt.Equals), "")
	waitDedup(c, h.store, txHex)

	// pending still consumes the nonce: the tx is in the mempool
	status := h.pool.Wallet(0).Status()
	c.Assert(status.TxCount, qt.Equals, uint64(1))
}

func TestRelayValidationErrors(t *testing.T) {
	c := qt.New(t)
	mock := &scriptedChain{txid: "aa66", possibleNonce: 100}
	h := newHarness(t, mock)

	_, pErr := h.pipeline.Relay(context.Background(), &Request{})
	c.Assert(pErr.Code, qt.Equals, CodeMissingTransaction)

	_, pErr = h.pipeline.Relay(context.Background(), &Request{TransactionHex: "00"})
	c.Assert(pErr.Code, qt.Equals, CodeMissingSettleOptions)

	req := relayRequest("zznothex")
	_, pErr = h.pipeline.Relay(context.Background(), req)
	c.Assert(pErr.Code, qt.Equals, CodeInvalidTransaction)

	req = relayRequest(unsponsoredTransfer(c, sponsorTestKey(0x45), 1, 1000))
	req.Settle.MinAmount = "0"
	_, pErr = h.pipeline.Relay(context.Background(), req)
	c.Assert(pErr.Code, qt.Equals, CodeInvalidSettleOptions)
}

func TestRelayRejectsNonSponsored(t *testing.T) {
	c := qt.New(t)
	h := newHarness(t, &scriptedChain{txid: "aa77", possibleNonce: 100})

	version, hash, err := stacks.DecodeAddress(testRecipient)
	c.Assert(err, qt.IsNil)
	tx, err := stacks.NewTokenTransfer(
		stacks.TransactionVersionTestnet, stacks.ChainIDTestnet, false,
		stacks.Principal{Version: version, Hash160: hash}, 1000, "")
	c.Assert(err, qt.IsNil)
	tx.Origin.Nonce = 1
	c.Assert(tx.SignOrigin(sponsorTestKey(0x46)), qt.IsNil)

	_, pErr := h.pipeline.Relay(context.Background(), relayRequest(tx.SerializeHex()))
	c.Assert(pErr.Code, qt.Equals, CodeNotSponsored)
}

func TestRelayAgentRateLimit(t *testing.T) {
	c := qt.New(t)
	mock := &scriptedChain{
		txid:          "aa88",
		statuses:      []chain.TxStatus{{Status: chain.StatusSuccess, BlockHeight: 2}},
		possibleNonce: 100,
	}
	h := newHarness(t, mock)
	agent := sponsorTestKey(0x47)

	var limited *Error
	for nonce := uint64(1); nonce <= agentRequestsPerMin+1; nonce++ {
		_, pErr := h.pipeline.Relay(context.Background(), relayRequest(unsponsoredTransfer(c, agent, nonce, 1000)))
		if pErr != nil {
			limited = pErr
			break
		}
	}
	c.Assert(limited, qt.IsNotNil)
	c.Assert(limited.Code, qt.Equals, CodeRateLimitExceeded)
	c.Assert(limited.HTTPStatus, qt.Equals, http.StatusTooManyRequests)
}

func TestSponsorSkipsVerificationAndReceipt(t *testing.T) {
	c := qt.New(t)
	mock := &scriptedChain{
		txid:          "aa99",
		statuses:      []chain.TxStatus{{Status: chain.StatusSuccess, BlockHeight: 3}},
		possibleNonce: 100,
	}
	h := newHarness(t, mock)
	// amount below any settle minimum: /sponsor does not verify payments
	txHex := unsponsoredTransfer(c, sponsorTestKey(0x48), 1, 1)

	result, pErr := h.pipeline.Sponsor(context.Background(), &Request{TransactionHex: txHex})
	c.Assert(pErr == nil, qt.IsTrue, qt.Commentf("unexpected error: %v", pErr))
	c.Assert(result.Txid, qt.Equals, "aa99")
	c.Assert(result.ReceiptID, qt.Equals, "")
	c.Assert(result.Settlement.Sender, qt.Equals, "")
}

func TestSponsorDailyQuota(t *testing.T) {
	c := qt.New(t)
	mock := &scriptedChain{
		txid:          "ab01",
		statuses:      []chain.TxStatus{{Status: chain.StatusSuccess, BlockHeight: 4}},
		possibleNonce: 100,
	}
	h := newHarness(t, mock)

	key := &storage.APIKey{KeyID: "k1", Tier: storage.TierFree, Active: true}
	c.Assert(h.store.SetAPIKey(key), qt.IsNil)
	// burn the whole free daily budget
	limits := storage.LimitsForTier(storage.TierFree)
	for i := 0; i < limits.DailyReq; i++ {
		_, err := h.store.RecordUsage("k1", 0)
		c.Assert(err, qt.IsNil)
	}

	req := &Request{
		TransactionHex: unsponsoredTransfer(c, sponsorTestKey(0x49), 1, 1000),
		APIKey:         key,
	}
	_, pErr := h.pipeline.Sponsor(context.Background(), req)
	c.Assert(pErr, qt.IsNotNil)
	c.Assert(pErr.Code, qt.Equals, CodeDailyLimitExceeded)
}

func TestSponsorSpendingCap(t *testing.T) {
	c := qt.New(t)
	mock := &scriptedChain{txid: "ab02", possibleNonce: 100}
	h := newHarness(t, mock)

	key := &storage.APIKey{KeyID: "k2", Tier: storage.TierFree, Active: true}
	c.Assert(h.store.SetAPIKey(key), qt.IsNil)
	limits := storage.LimitsForTier(storage.TierFree)
	_, err := h.store.RecordUsage("k2", limits.DailyFeeCap)
	c.Assert(err, qt.IsNil)

	req := &Request{
		TransactionHex: unsponsoredTransfer(c, sponsorTestKey(0x4a), 1, 1000),
		APIKey:         key,
	}
	_, pErr := h.pipeline.Sponsor(context.Background(), req)
	c.Assert(pErr, qt.IsNotNil)
	c.Assert(pErr.Code, qt.Equals, CodeSpendingCapExceeded)
}

func TestSponsorPerMinuteTierLimit(t *testing.T) {
	c := qt.New(t)
	h := newHarness(t, &scriptedChain{txid: "ab05", possibleNonce: 100})

	key := &storage.APIKey{KeyID: "k3", Tier: storage.TierFree, Active: true}
	c.Assert(h.store.SetAPIKey(key), qt.IsNil)
	limits := storage.LimitsForTier(storage.TierFree)

	// distinct senders keep the per-sender bucket out of the way; the amount
	// below the settle minimum fails verification after the quota check, so
	// every attempt is charged against the key without a broadcast
	var limited *Error
	for i := 0; i <= limits.ReqPerMin; i++ {
		req := relayRequest(unsponsoredTransfer(c, sponsorTestKey(byte(0x60+i)), 1, 500))
		req.APIKey = key
		_, pErr := h.pipeline.Relay(context.Background(), req)
		c.Assert(pErr, qt.IsNotNil)
		if pErr.Code == CodeRateLimitExceeded {
			limited = pErr
			break
		}
		c.Assert(pErr.Code, qt.Equals, CodeVerificationFailed)
	}
	c.Assert(limited, qt.IsNotNil)
	c.Assert(limited.HTTPStatus, qt.Equals, http.StatusTooManyRequests)
	c.Assert(h.chain.broadcastCount(), qt.Equals, 0)
}

func TestRelayHostileRecipientNoNonceLeak(t *testing.T) {
	c := qt.New(t)
	h := newHarness(t, &scriptedChain{txid: "ab06", possibleNonce: 100})

	// a recipient version byte outside the c32 digit range must come back as
	// a plain validation error, with the pool untouched
	tx, err := stacks.NewTokenTransfer(
		stacks.TransactionVersionTestnet, stacks.ChainIDTestnet, true,
		stacks.Principal{Version: 0xff}, 1000, "")
	c.Assert(err, qt.IsNil)
	tx.Origin.Nonce = 1
	c.Assert(tx.SignOrigin(sponsorTestKey(0x4d)), qt.IsNil)

	_, pErr := h.pipeline.Relay(context.Background(), relayRequest(tx.SerializeHex()))
	c.Assert(pErr, qt.IsNotNil)
	c.Assert(pErr.Code, qt.Equals, CodeInvalidTransaction)
	c.Assert(h.chain.broadcastCount(), qt.Equals, 0)

	status := h.pool.Wallet(0).Status()
	c.Assert(status.Reserved, qt.Equals, 0)
	c.Assert(status.Available, qt.Equals, noncepool.PoolSize)
}

func TestSettleX402BroadcastsPreSponsored(t *testing.T) {
	c := qt.New(t)
	mock := &scriptedChain{
		txid:          "ab03",
		statuses:      []chain.TxStatus{{Status: chain.StatusSuccess, BlockHeight: 55}},
		possibleNonce: 100,
	}
	h := newHarness(t, mock)

	// fully signed sponsored tx, as an external facilitator client sends it
	agent := sponsorTestKey(0x4b)
	txHex := unsponsoredTransfer(c, agent, 1, 1000)
	tx, err := stacks.ParseTransactionHex(txHex)
	c.Assert(err, qt.IsNil)
	c.Assert(tx.SignSponsor(sponsorTestKey(1), 100, 500), qt.IsNil)

	opts := types.SettleOptions{
		ExpectedRecipient: testRecipient,
		MinAmount:         "1000",
	}
	result := h.pipeline.SettleX402(context.Background(), tx.SerializeHex(), opts, 30*time.Second)
	c.Assert(result.Reason, qt.Equals, "")
	c.Assert(result.Success, qt.IsTrue)
	c.Assert(result.Txid, qt.Equals, "ab03")
	c.Assert(result.Payer, qt.Equals, tx.SenderAddress())
	c.Assert(result.Status, qt.Equals, settle.StatusConfirmed)
}

func TestVerifyX402NoBroadcast(t *testing.T) {
	c := qt.New(t)
	mock := &scriptedChain{txid: "ab04", possibleNonce: 100}
	h := newHarness(t, mock)
	txHex := unsponsoredTransfer(c, sponsorTestKey(0x4c), 1, 1000)

	result := h.pipeline.VerifyX402(txHex, types.SettleOptions{
		ExpectedRecipient: testRecipient,
		MinAmount:         "1000",
	})
	c.Assert(result.Success, qt.IsTrue)
	c.Assert(result.Payer, qt.Not(qt.Equals), "")
	c.Assert(mock.broadcastCount(), qt.Equals, 0)

	bad := h.pipeline.VerifyX402(txHex, types.SettleOptions{
		ExpectedRecipient: testRecipient,
		MinAmount:         "2000",
	})
	c.Assert(bad.Success, qt.IsFalse)
	c.Assert(bad.Reason, qt.Equals, settle.ReasonAmountInsufficient)
}
