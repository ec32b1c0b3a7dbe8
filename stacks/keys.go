package stacks

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/tyler-smith/go-bip39"
)

// Stacks wallets derive accounts at m/44'/5757'/0'/0/index.
const stacksCoinType = 5757

// DeriveKeys derives count sponsor private keys from a BIP-39 mnemonic along
// the standard Stacks wallet path. Index i maps to wallet i.
func DeriveKeys(mnemonic string, count int) ([]*secp256k1.PrivateKey, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, "")
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("derive master key: %w", err)
	}
	account, err := derivePath(master, []uint32{
		hdkeychain.HardenedKeyStart + 44,
		hdkeychain.HardenedKeyStart + stacksCoinType,
		hdkeychain.HardenedKeyStart,
		0,
	})
	if err != nil {
		return nil, err
	}
	keys := make([]*secp256k1.PrivateKey, 0, count)
	for i := 0; i < count; i++ {
		child, err := account.Derive(uint32(i))
		if err != nil {
			return nil, fmt.Errorf("derive wallet %d: %w", i, err)
		}
		ecPriv, err := child.ECPrivKey()
		if err != nil {
			return nil, fmt.Errorf("extract wallet %d key: %w", i, err)
		}
		keys = append(keys, secp256k1.PrivKeyFromBytes(ecPriv.Serialize()))
	}
	return keys, nil
}

func derivePath(key *hdkeychain.ExtendedKey, path []uint32) (*hdkeychain.ExtendedKey, error) {
	var err error
	for _, step := range path {
		if key, err = key.Derive(step); err != nil {
			return nil, fmt.Errorf("derive path step %d: %w", step, err)
		}
	}
	return key, nil
}

// ParsePrivateKey accepts a 32-byte hex private key, or the 33-byte form
// with a trailing 0x01 compression marker that Stacks tooling emits.
func ParsePrivateKey(keyHex string) (*secp256k1.PrivateKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(keyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("private key is not valid hex: %w", err)
	}
	switch len(raw) {
	case 33:
		if raw[32] != 0x01 {
			return nil, fmt.Errorf("invalid 33-byte private key suffix 0x%02x", raw[32])
		}
		raw = raw[:32]
	case 32:
	default:
		return nil, fmt.Errorf("private key must be 32 or 33 bytes, got %d", len(raw))
	}
	return secp256k1.PrivKeyFromBytes(raw), nil
}

// Fingerprint is the content hash of a transaction's normalized hex: the
// sha256 of the lowercase hex with any 0x prefix stripped. It keys the
// submission dedup cache.
func Fingerprint(txHex string) [32]byte {
	norm := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(txHex), "0x"))
	return sha256.Sum256([]byte(norm))
}

// MnemonicFingerprint is a short non-reversible tag identifying a mnemonic,
// safe to log and to key derived-key caches.
func MnemonicFingerprint(mnemonic string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(mnemonic)))
	return hex.EncodeToString(sum[:4])
}
