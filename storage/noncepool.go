package storage

import (
	"encoding/binary"
	"strconv"
)

// ReservedNonce tracks one handed-out nonce awaiting consume or release.
type ReservedNonce struct {
	AssignedAt int64  `cbor:"0,keyasint"`
	RequestID  string `cbor:"1,keyasint"`
}

// NoncePoolSnapshot is the durable state of one wallet's nonce coordinator.
type NoncePoolSnapshot struct {
	WalletIndex       int                      `cbor:"0,keyasint"`
	Available         []uint64                 `cbor:"1,keyasint,omitempty"`
	Reserved          map[uint64]ReservedNonce `cbor:"2,keyasint,omitempty"`
	LastExecutedNonce uint64                   `cbor:"3,keyasint"`
	LastChainSync     int64                    `cbor:"4,keyasint"`
	TotalAssigned     uint64                   `cbor:"5,keyasint"`
	ConflictsDetected uint64                   `cbor:"6,keyasint"`
	GapsRecovered     uint64                   `cbor:"7,keyasint"`
	TxCountDay        string                   `cbor:"8,keyasint,omitempty"`
	TxCount           uint64                   `cbor:"9,keyasint"`
	FeesSpent         uint64                   `cbor:"10,keyasint"`
}

func walletKey(walletIndex int) []byte {
	return []byte(strconv.Itoa(walletIndex))
}

// SetNoncePool persists a wallet's pool snapshot.
func (s *Storage) SetNoncePool(snapshot *NoncePoolSnapshot) error {
	return s.setArtifact(noncePoolPrefix, walletKey(snapshot.WalletIndex), snapshot, 0)
}

// NoncePool loads a wallet's pool snapshot.
func (s *Storage) NoncePool(walletIndex int) (*NoncePoolSnapshot, error) {
	snapshot := new(NoncePoolSnapshot)
	if err := s.getArtifact(noncePoolPrefix, walletKey(walletIndex), snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func nonceTxKey(walletIndex int, nonce uint64) []byte {
	key := append(walletKey(walletIndex), '/')
	var n8 [8]byte
	binary.BigEndian.PutUint64(n8[:], nonce)
	return append(key, n8[:]...)
}

// SetNonceTx records which txid consumed a nonce, for gap diagnosis.
func (s *Storage) SetNonceTx(walletIndex int, nonce uint64, txid string) error {
	return s.setArtifact(nonceTxPrefix, nonceTxKey(walletIndex, nonce), txid, 0)
}

// NonceTx returns the txid that consumed a nonce, or ErrNotFound.
func (s *Storage) NonceTx(walletIndex int, nonce uint64) (string, error) {
	var txid string
	if err := s.getArtifact(nonceTxPrefix, nonceTxKey(walletIndex, nonce), &txid); err != nil {
		return "", err
	}
	return txid, nil
}

// GlobalStats are relay-wide counters.
type GlobalStats struct {
	SponsoredTxCount uint64 `cbor:"0,keyasint"`
	TotalFeesSpent   uint64 `cbor:"1,keyasint"`
}

var globalStatsKey = []byte("global")

// AddGlobalStats accumulates one sponsored transaction and its fee into the
// relay-wide counters.
func (s *Storage) AddGlobalStats(fee uint64) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()
	var stats GlobalStats
	if err := s.getArtifact(statsPrefix, globalStatsKey, &stats); err != nil && err != ErrNotFound {
		return err
	}
	stats.SponsoredTxCount++
	stats.TotalFeesSpent += fee
	return s.setArtifact(statsPrefix, globalStatsKey, &stats, 0)
}

// Stats returns the relay-wide counters.
func (s *Storage) Stats() (GlobalStats, error) {
	var stats GlobalStats
	err := s.getArtifact(statsPrefix, globalStatsKey, &stats)
	if err == ErrNotFound {
		return GlobalStats{}, nil
	}
	return stats, err
}
