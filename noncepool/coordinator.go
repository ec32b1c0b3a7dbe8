// Package noncepool hands out chain nonces for the sponsor wallets. Each
// wallet is owned by a single-writer coordinator goroutine: every mutation of
// the pool goes through its mailbox, so two concurrent requests can never be
// given the same nonce. Pool state is persisted through storage and restored
// on startup; a periodic reconcile pass repairs drift against the indexer.
package noncepool

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/aibtcdev/x402-sponsor-relay-sub000/log"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/storage"
)

const (
	// PoolSize bounds the nonces reserved ahead of the chain per wallet.
	PoolSize = 8

	reconcileInterval  = 5 * time.Minute
	resyncDelay        = 2 * time.Second
	idleHardResetAfter = 10 * time.Minute
)

// ErrUnavailable is returned when the pool is empty and the indexer cannot
// be reached to refill it.
var ErrUnavailable = errors.New("nonce pool unavailable")

// ResetMode selects how Reset rebuilds the pool.
type ResetMode string

const (
	ResetResync    ResetMode = "resync"
	ResetHardReset ResetMode = "hardReset"
)

// ChainNonces is the chain-client subset the coordinator needs.
type ChainNonces interface {
	GetPossibleNextNonce(ctx context.Context, address string) (uint64, error)
}

// Status is a point-in-time copy of a wallet's pool state.
type Status struct {
	WalletIndex       int       `json:"walletIndex"`
	Address           string    `json:"address"`
	Available         int       `json:"available"`
	Reserved          int       `json:"reserved"`
	LastExecutedNonce uint64    `json:"lastExecutedNonce"`
	LastChainSync     time.Time `json:"lastChainSync"`
	TotalAssigned     uint64    `json:"totalAssigned"`
	ConflictsDetected uint64    `json:"conflictsDetected"`
	GapsRecovered     uint64    `json:"gapsRecovered"`
	TxCount           uint64    `json:"txCount"`
	FeesSpent         uint64    `json:"feesSpent"`
}

// Coordinator owns the nonce pool of one sponsor wallet.
type Coordinator struct {
	walletIndex int
	address     string
	chain       ChainNonces
	store       *storage.Storage

	requests chan func()
	stop     chan struct{}
	done     chan struct{}

	// state below is touched only by the actor goroutine
	state        storage.NoncePoolSnapshot
	lastActivity time.Time
	resyncTimer  *time.Timer
}

// NewCoordinator starts the coordinator for one wallet, restoring any
// persisted pool snapshot.
func NewCoordinator(walletIndex int, address string, chainClient ChainNonces, store *storage.Storage) *Coordinator {
	c := &Coordinator{
		walletIndex: walletIndex,
		address:     address,
		chain:       chainClient,
		store:       store,
		requests:    make(chan func()),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	if snapshot, err := store.NoncePool(walletIndex); err == nil {
		c.state = *snapshot
	} else {
		c.state = storage.NoncePoolSnapshot{WalletIndex: walletIndex}
	}
	c.lastActivity = time.Now()
	go c.run()
	return c
}

// WalletIndex returns the wallet this coordinator serves.
func (c *Coordinator) WalletIndex() int {
	return c.walletIndex
}

// Address returns the wallet's chain address.
func (c *Coordinator) Address() string {
	return c.address
}

// Close stops the actor goroutine.
func (c *Coordinator) Close() {
	close(c.stop)
	<-c.done
}

func (c *Coordinator) run() {
	defer close(c.done)
	reconcile := time.NewTicker(reconcileInterval)
	defer reconcile.Stop()
	for {
		var resyncC <-chan time.Time
		if c.resyncTimer != nil {
			resyncC = c.resyncTimer.C
		}
		select {
		case <-c.stop:
			if c.resyncTimer != nil {
				c.resyncTimer.Stop()
			}
			return
		case op := <-c.requests:
			op()
		case <-reconcile.C:
			c.reconcile(true)
		case <-resyncC:
			c.resyncTimer = nil
			c.reconcile(false)
		}
	}
}

// exec runs op inside the actor goroutine and waits for it.
func (c *Coordinator) exec(ctx context.Context, op func()) error {
	wrapped := make(chan struct{})
	fn := func() {
		op()
		close(wrapped)
	}
	select {
	case c.requests <- fn:
	case <-c.stop:
		return ErrUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-wrapped:
		return nil
	case <-c.stop:
		return ErrUnavailable
	}
}

// Assign reserves the lowest available nonce, lazily refilling the pool from
// the indexer when empty.
func (c *Coordinator) Assign(ctx context.Context, requestID string) (uint64, error) {
	var nonce uint64
	var opErr error
	err := c.exec(ctx, func() {
		nonce, opErr = c.assign(ctx, requestID)
	})
	if err != nil {
		return 0, err
	}
	return nonce, opErr
}

// Consume removes a reserved nonce permanently after a successful broadcast.
// Calling it for a nonce that is not reserved is a no-op.
func (c *Coordinator) Consume(nonce uint64, txid string, fee uint64) {
	_ = c.exec(context.Background(), func() {
		c.consume(nonce, txid, fee)
	})
}

// Release returns a reserved nonce to the available pool. Idempotent.
func (c *Coordinator) Release(nonce uint64) {
	_ = c.exec(context.Background(), func() {
		c.release(nonce)
	})
}

// ReleaseConflict releases a nonce whose broadcast hit a nonce conflict,
// counts the conflict, and schedules a reconciliation shortly after.
func (c *Coordinator) ReleaseConflict(nonce uint64) {
	_ = c.exec(context.Background(), func() {
		c.release(nonce)
		c.state.ConflictsDetected++
		c.scheduleResync()
		c.persist()
	})
}

// ResyncDelayed schedules a reconciliation a couple of seconds out. Cheap to
// call from error paths.
func (c *Coordinator) ResyncDelayed() {
	_ = c.exec(context.Background(), func() {
		c.scheduleResync()
	})
}

// Reset rebuilds the pool. ResetResync reconciles against the indexer
// immediately; ResetHardReset moves the floor to lastExecutedNonce+1 and
// clears all reservations.
func (c *Coordinator) Reset(mode ResetMode) {
	_ = c.exec(context.Background(), func() {
		switch mode {
		case ResetHardReset:
			c.hardReset(c.state.LastExecutedNonce + 1)
		default:
			c.reconcile(false)
		}
	})
}

// Status returns a copy of the wallet's pool state.
func (c *Coordinator) Status() Status {
	var status Status
	_ = c.exec(context.Background(), func() {
		status = Status{
			WalletIndex:       c.walletIndex,
			Address:           c.address,
			Available:         len(c.state.Available),
			Reserved:          len(c.state.Reserved),
			LastExecutedNonce: c.state.LastExecutedNonce,
			LastChainSync:     time.Unix(c.state.LastChainSync, 0),
			TotalAssigned:     c.state.TotalAssigned,
			ConflictsDetected: c.state.ConflictsDetected,
			GapsRecovered:     c.state.GapsRecovered,
			TxCount:           c.state.TxCount,
			FeesSpent:         c.state.FeesSpent,
		}
	})
	return status
}

// --- actor-side state transitions ---

func (c *Coordinator) assign(ctx context.Context, requestID string) (uint64, error) {
	c.lastActivity = time.Now()
	if len(c.state.Available) == 0 {
		if err := c.refill(ctx); err != nil {
			return 0, err
		}
	}
	if len(c.state.Available) == 0 {
		return 0, ErrUnavailable
	}
	nonce := c.state.Available[0]
	c.state.Available = c.state.Available[1:]
	if c.state.Reserved == nil {
		c.state.Reserved = make(map[uint64]storage.ReservedNonce)
	}
	c.state.Reserved[nonce] = storage.ReservedNonce{
		AssignedAt: time.Now().Unix(),
		RequestID:  requestID,
	}
	c.state.TotalAssigned++
	c.persist()
	return nonce, nil
}

// refill extends the available set from the indexer's possible next nonce.
func (c *Coordinator) refill(ctx context.Context) error {
	chainNext, err := c.chain.GetPossibleNextNonce(ctx, c.address)
	if err != nil {
		log.Warnw("nonce pool refill failed",
			"wallet", c.walletIndex, "address", c.address, "error", err)
		return ErrUnavailable
	}
	c.state.LastChainSync = time.Now().Unix()
	for nonce := chainNext; nonce < chainNext+PoolSize; nonce++ {
		if _, reserved := c.state.Reserved[nonce]; reserved {
			continue
		}
		if nonce <= c.state.LastExecutedNonce && c.state.TotalAssigned > 0 {
			continue // already consumed
		}
		if slices.Contains(c.state.Available, nonce) {
			continue
		}
		c.state.Available = append(c.state.Available, nonce)
	}
	slices.Sort(c.state.Available)
	return nil
}

func (c *Coordinator) consume(nonce uint64, txid string, fee uint64) {
	c.lastActivity = time.Now()
	if _, reserved := c.state.Reserved[nonce]; !reserved {
		return
	}
	delete(c.state.Reserved, nonce)
	c.state.LastExecutedNonce = max(c.state.LastExecutedNonce, nonce)
	c.bumpTxCounters(fee)
	if err := c.store.SetNonceTx(c.walletIndex, nonce, txid); err != nil {
		log.Warnw("could not record nonce txid", "wallet", c.walletIndex, "nonce", nonce, "error", err)
	}
	c.persist()
}

func (c *Coordinator) release(nonce uint64) {
	c.lastActivity = time.Now()
	if _, reserved := c.state.Reserved[nonce]; !reserved {
		return
	}
	delete(c.state.Reserved, nonce)
	c.state.Available = append(c.state.Available, nonce)
	slices.Sort(c.state.Available)
	c.persist()
}

// reconcile repairs the pool against the indexer's nonce view. Any reserved
// nonce strictly below the chain's possible next nonce already took effect
// on-chain through a path the coordinator missed: count it as a recovered
// gap and consume it.
func (c *Coordinator) reconcile(idleCheck bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	chainNext, err := c.chain.GetPossibleNextNonce(ctx, c.address)
	if err != nil {
		log.Warnw("nonce reconcile failed", "wallet", c.walletIndex, "error", err)
		return
	}
	c.state.LastChainSync = time.Now().Unix()

	for nonce := range c.state.Reserved {
		if nonce < chainNext {
			delete(c.state.Reserved, nonce)
			c.state.LastExecutedNonce = max(c.state.LastExecutedNonce, nonce)
			c.state.GapsRecovered++
			log.Infow("recovered stale reserved nonce",
				"wallet", c.walletIndex, "nonce", nonce, "chainNext", chainNext)
		}
	}
	// drop available nonces the chain has moved past
	c.state.Available = slices.DeleteFunc(c.state.Available, func(n uint64) bool {
		return n < chainNext
	})
	if chainNext > 0 {
		c.state.LastExecutedNonce = max(c.state.LastExecutedNonce, chainNext-1)
	}

	// a long-idle pool whose floor ran ahead of the chain is rebuilt from
	// the chain nonce
	if idleCheck && time.Since(c.lastActivity) > idleHardResetAfter {
		if len(c.state.Available) > 0 && c.state.Available[0] > chainNext {
			log.Warnw("idle pool floor ahead of chain, hard resetting",
				"wallet", c.walletIndex, "floor", c.state.Available[0], "chainNext", chainNext)
			c.hardReset(chainNext)
			return
		}
	}
	c.persist()
}

func (c *Coordinator) hardReset(floor uint64) {
	c.state.Reserved = nil
	c.state.Available = c.state.Available[:0]
	for nonce := floor; nonce < floor+PoolSize; nonce++ {
		c.state.Available = append(c.state.Available, nonce)
	}
	c.persist()
}

func (c *Coordinator) scheduleResync() {
	if c.resyncTimer != nil {
		return
	}
	c.resyncTimer = time.NewTimer(resyncDelay)
}

func (c *Coordinator) bumpTxCounters(fee uint64) {
	day := time.Now().UTC().Format("2006-01-02")
	if c.state.TxCountDay != day {
		c.state.TxCountDay = day
		c.state.TxCount = 0
	}
	c.state.TxCount++
	c.state.FeesSpent += fee
}

func (c *Coordinator) persist() {
	snapshot := c.state
	snapshot.WalletIndex = c.walletIndex
	if err := c.store.SetNoncePool(&snapshot); err != nil {
		log.Warnw("could not persist nonce pool", "wallet", c.walletIndex, "error", err)
	}
}
