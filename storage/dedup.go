package storage

import (
	"regexp"
	"time"
)

// DedupEntry is the cached outcome of a successful submission, keyed by the
// transaction fingerprint. A retry of the same bytes within the TTL replays
// this entry instead of broadcasting again.
type DedupEntry struct {
	Txid        string `cbor:"0,keyasint"`
	ReceiptID   string `cbor:"1,keyasint,omitempty"`
	Status      string `cbor:"2,keyasint"`
	Sender      string `cbor:"3,keyasint,omitempty"`
	Recipient   string `cbor:"4,keyasint,omitempty"`
	Amount      string `cbor:"5,keyasint,omitempty"`
	BlockHeight uint64 `cbor:"6,keyasint,omitempty"`
	SponsoredTx string `cbor:"7,keyasint,omitempty"`
	RecordedAt  int64  `cbor:"8,keyasint"`
}

// RecordDedup stores a dedup entry for a transaction fingerprint.
func (s *Storage) RecordDedup(fingerprint [32]byte, entry *DedupEntry) error {
	if entry.RecordedAt == 0 {
		entry.RecordedAt = time.Now().Unix()
	}
	return s.setArtifact(dedupPrefix, fingerprint[:], entry, DedupTTL)
}

// Dedup returns the cached entry for a fingerprint, or ErrNotFound.
func (s *Storage) Dedup(fingerprint [32]byte) (*DedupEntry, error) {
	entry := new(DedupEntry)
	if err := s.getArtifact(dedupPrefix, fingerprint[:], entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// PaymentIDEntry binds a client-chosen payment identifier to the hash of the
// exact payload that first used it, plus the response to replay.
type PaymentIDEntry struct {
	PayloadHash string `cbor:"0,keyasint"`
	Response    []byte `cbor:"1,keyasint"`
	RecordedAt  int64  `cbor:"2,keyasint"`
}

var paymentIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{16,128}$`)

// ValidPaymentID reports whether id satisfies the identifier charset and
// length constraints.
func ValidPaymentID(id string) bool {
	return paymentIDPattern.MatchString(id)
}

// CheckPaymentID looks up a payment identifier. A present entry whose bound
// payload hash differs returns ErrPayloadConflict; a miss returns
// ErrNotFound.
func (s *Storage) CheckPaymentID(id, payloadHash string) (*PaymentIDEntry, error) {
	entry := new(PaymentIDEntry)
	if err := s.getArtifact(paymentIDPrefix, []byte(id), entry); err != nil {
		return nil, err
	}
	if entry.PayloadHash != payloadHash {
		return nil, ErrPayloadConflict
	}
	return entry, nil
}

// RecordPaymentID stores the response bound to a payment identifier.
func (s *Storage) RecordPaymentID(id, payloadHash string, response []byte) error {
	return s.setArtifact(paymentIDPrefix, []byte(id), &PaymentIDEntry{
		PayloadHash: payloadHash,
		Response:    response,
		RecordedAt:  time.Now().Unix(),
	}, PaymentIDTTL)
}
