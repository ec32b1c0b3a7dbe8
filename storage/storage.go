/*
Package storage provides the persistent storage layer of the relay.

# Storage Organization

A single key-value database with prefixed namespaces:

## Idempotency
  - dd/ : sha256(txHex) → dedup entry (cached submission result), TTL 300 s
  - pi/ : payment identifier → {payloadHash, cached response}, TTL 300 s

## Receipts
  - rc/ : receiptId → receipt, TTL 1 h

## Fees
  - fe/estimates  : cached fee estimate matrix, TTL 60 s
  - fe/config     : clamp configuration, no TTL
  - fe/limited    : rate-limit cooldown marker, TTL = cooldown

## API keys
  - ak/ : keyId → key metadata (tier, expiry, active)
  - us/ : keyId + day → usage counters (requests, fees spent)

## Nonce pools
  - np/ : wallet index → pool snapshot
  - nt/ : wallet index + nonce → txid (gap diagnosis)

## Statistics
  - st/ : global counters (sponsored tx count, total fees)

Entries with a TTL are wrapped in an envelope carrying the expiry; reads
treat expired entries as missing and a background sweeper reclaims them.
*/
package storage

import (
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/aibtcdev/x402-sponsor-relay-sub000/db"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/db/prefixeddb"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/log"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrReceiptConsumed = errors.New("receipt already consumed")
	ErrPayloadConflict = errors.New("payment identifier bound to a different payload")

	// Prefixes
	dedupPrefix     = []byte("dd/")
	paymentIDPrefix = []byte("pi/")
	receiptPrefix   = []byte("rc/")
	feePrefix       = []byte("fe/")
	apiKeyPrefix    = []byte("ak/")
	usagePrefix     = []byte("us/")
	noncePoolPrefix = []byte("np/")
	nonceTxPrefix   = []byte("nt/")
	statsPrefix     = []byte("st/")
)

// TTLs of the expiring namespaces.
const (
	DedupTTL     = 300 * time.Second
	PaymentIDTTL = 300 * time.Second
	ReceiptTTL   = time.Hour

	sweepInterval = 30 * time.Second
)

// apiKeyCacheTTL bounds how stale a revoked or expired key can look.
const apiKeyCacheTTL = time.Minute

// Storage manages the relay's persistent state.
type Storage struct {
	db          db.Database
	globalLock  sync.Mutex // serializes read-modify-write operations
	apiKeyCache *expirable.LRU[string, *APIKey]
	stopSweep   chan struct{}
	sweepDone   chan struct{}
}

// New creates a Storage instance over the given database and starts the
// expiry sweeper.
func New(database db.Database) *Storage {
	s := &Storage{
		db:          database,
		apiKeyCache: expirable.NewLRU[string, *APIKey](1024, nil, apiKeyCacheTTL),
		stopSweep:   make(chan struct{}),
		sweepDone:   make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Close stops the sweeper and closes the underlying database.
func (s *Storage) Close() {
	close(s.stopSweep)
	<-s.sweepDone
	if err := s.db.Close(); err != nil {
		log.Warnw("could not close storage database", "error", err)
	}
}

func (s *Storage) sweepLoop() {
	defer close(s.sweepDone)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			if n, err := s.sweepExpired(); err != nil {
				log.Warnw("expired entry sweep failed", "error", err)
			} else if n > 0 {
				log.Debugw("swept expired entries", "count", n)
			}
		}
	}
}

// sweepExpired removes expired entries from the TTL'd namespaces.
func (s *Storage) sweepExpired() (int, error) {
	now := time.Now().UnixMilli()
	removed := 0
	for _, prefix := range [][]byte{dedupPrefix, paymentIDPrefix, receiptPrefix, feePrefix, usagePrefix} {
		namespace := prefixeddb.NewPrefixedDatabase(s.db, prefix)
		var stale [][]byte
		err := namespace.Iterate(nil, func(key, value []byte) bool {
			var env envelope
			if err := decodeArtifact(value, &env); err != nil {
				// unreadable entries are reclaimed too
				stale = append(stale, append([]byte{}, key...))
				return true
			}
			if env.ExpiresAt != 0 && env.ExpiresAt <= now {
				stale = append(stale, append([]byte{}, key...))
			}
			return true
		})
		if err != nil {
			return removed, err
		}
		if len(stale) == 0 {
			continue
		}
		wTx := namespace.WriteTx()
		for _, key := range stale {
			if err := wTx.Delete(key); err != nil {
				wTx.Discard()
				return removed, err
			}
		}
		if err := wTx.Commit(); err != nil {
			return removed, err
		}
		removed += len(stale)
	}
	return removed, nil
}

// setArtifact stores an artifact under prefix+key, wrapped with the expiry
// derived from ttl (zero ttl means no expiry).
func (s *Storage) setArtifact(prefix, key []byte, artifact any, ttl time.Duration) error {
	payload, err := encodeArtifact(artifact)
	if err != nil {
		return err
	}
	env := envelope{Payload: payload}
	if ttl > 0 {
		env.ExpiresAt = time.Now().Add(ttl).UnixMilli()
	}
	raw, err := encodeArtifact(env)
	if err != nil {
		return err
	}
	wTx := prefixeddb.NewPrefixedWriteTx(s.db.WriteTx(), prefix)
	if err := wTx.Set(key, raw); err != nil {
		wTx.Discard()
		return err
	}
	return wTx.Commit()
}

// getArtifact loads an artifact, honoring its expiry. Expired and missing
// entries both return ErrNotFound.
func (s *Storage) getArtifact(prefix, key []byte, out any) error {
	raw, err := prefixeddb.NewPrefixedReader(s.db, prefix).Get(key)
	if errors.Is(err, db.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	var env envelope
	if err := decodeArtifact(raw, &env); err != nil {
		return err
	}
	if env.ExpiresAt != 0 && env.ExpiresAt <= time.Now().UnixMilli() {
		return ErrNotFound
	}
	return decodeArtifact(env.Payload, out)
}

func (s *Storage) deleteArtifact(prefix, key []byte) error {
	wTx := prefixeddb.NewPrefixedWriteTx(s.db.WriteTx(), prefix)
	if err := wTx.Delete(key); err != nil {
		wTx.Discard()
		return err
	}
	return wTx.Commit()
}
