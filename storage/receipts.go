package storage

import (
	"time"

	"github.com/aibtcdev/x402-sponsor-relay-sub000/types"
)

// Receipt proves a successful sponsored broadcast. It carries a copy of the
// settle options so the access path can re-validate without the original
// request.
type Receipt struct {
	ReceiptID      string              `cbor:"0,keyasint"`
	CreatedAt      int64               `cbor:"1,keyasint"`
	ExpiresAt      int64               `cbor:"2,keyasint"`
	SenderAddress  string              `cbor:"3,keyasint"`
	SponsoredTxHex string              `cbor:"4,keyasint"`
	Fee            uint64              `cbor:"5,keyasint"`
	Txid           string              `cbor:"6,keyasint"`
	Settle         types.SettleOptions `cbor:"7,keyasint"`
	Consumed       bool                `cbor:"8,keyasint"`
	AccessCount    int                 `cbor:"9,keyasint"`
}

// StoreReceipt persists a receipt under its TTL. CreatedAt and ExpiresAt are
// filled when unset.
func (s *Storage) StoreReceipt(r *Receipt) error {
	now := time.Now()
	if r.CreatedAt == 0 {
		r.CreatedAt = now.Unix()
	}
	if r.ExpiresAt == 0 {
		r.ExpiresAt = now.Add(ReceiptTTL).Unix()
	}
	ttl := time.Until(time.Unix(r.ExpiresAt, 0))
	if ttl <= 0 {
		ttl = time.Second
	}
	return s.setArtifact(receiptPrefix, []byte(r.ReceiptID), r, ttl)
}

// Receipt loads a receipt and counts the access. Returns ErrNotFound for
// missing or expired receipts.
func (s *Storage) Receipt(receiptID string) (*Receipt, error) {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()
	r := new(Receipt)
	if err := s.getArtifact(receiptPrefix, []byte(receiptID), r); err != nil {
		return nil, err
	}
	r.AccessCount++
	if err := s.storeReceiptUnsafe(r); err != nil {
		return nil, err
	}
	return r, nil
}

// MarkReceiptConsumed flips the consumed flag exactly once. The read and
// write happen under the storage writer lock, so concurrent calls observe a
// single false→true transition; later calls get ErrReceiptConsumed.
func (s *Storage) MarkReceiptConsumed(receiptID string) (*Receipt, error) {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()
	r := new(Receipt)
	if err := s.getArtifact(receiptPrefix, []byte(receiptID), r); err != nil {
		return nil, err
	}
	if r.Consumed {
		return r, ErrReceiptConsumed
	}
	r.Consumed = true
	if err := s.storeReceiptUnsafe(r); err != nil {
		return nil, err
	}
	return r, nil
}

// storeReceiptUnsafe rewrites a receipt keeping its original expiry.
func (s *Storage) storeReceiptUnsafe(r *Receipt) error {
	ttl := time.Until(time.Unix(r.ExpiresAt, 0))
	if ttl <= 0 {
		return ErrNotFound
	}
	return s.setArtifact(receiptPrefix, []byte(r.ReceiptID), r, ttl)
}
