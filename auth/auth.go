// Package auth verifies SIP-018 structured-data signatures attached to relay
// requests. The signed message binds the endpoint action, an expiry and a
// replay nonce; the signing domain binds the relay name, version and chain
// id, so a signature produced for one chain or one endpoint cannot authorize
// another.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/aibtcdev/x402-sponsor-relay-sub000/stacks"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Signing domain of the relay.
const (
	DomainName    = "x402-sponsor-relay"
	DomainVersion = "1.0.0"
)

// structuredDataPrefix is the SIP-018 message prefix ("SIP018").
var structuredDataPrefix = []byte{0x53, 0x49, 0x50, 0x30, 0x31, 0x38}

var (
	ErrExpired        = errors.New("auth signature expired")
	ErrActionMismatch = errors.New("auth action does not match endpoint")
	ErrBadNonce       = errors.New("auth nonce is not an integer")
	ErrBadSignature   = errors.New("auth signature invalid")
	ErrWrongSigner    = errors.New("auth signature not from transaction sender")
)

// Auth is the optional signed authorization of a relay request. Expiry and
// Nonce are decimal strings; Signature is the 65-byte vrs hex.
type Auth struct {
	Action    string `json:"action"`
	Expiry    string `json:"expiry"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// Verify checks the signature against the expected endpoint action and chain
// id, and requires the recovered signer to be the transaction's origin.
func Verify(a *Auth, action string, chainID uint32, expectedSigner [20]byte) error {
	if a.Action != action {
		return ErrActionMismatch
	}
	expiry, err := strconv.ParseInt(strings.TrimSpace(a.Expiry), 10, 64)
	if err != nil {
		return fmt.Errorf("parse auth expiry: %w", err)
	}
	if time.Now().Unix() >= expiry {
		return ErrExpired
	}
	nonce, ok := new(big.Int).SetString(strings.TrimSpace(a.Nonce), 10)
	if !ok || nonce.Sign() < 0 {
		return ErrBadNonce
	}

	digest, err := messageDigest(a.Action, expiry, nonce, chainID)
	if err != nil {
		return err
	}
	rawSig, err := hex.DecodeString(strings.TrimPrefix(a.Signature, "0x"))
	if err != nil || len(rawSig) != 65 {
		return ErrBadSignature
	}
	compact := make([]byte, 65)
	compact[0] = rawSig[0] + 27 + 4
	copy(compact[1:], rawSig[1:])
	pub, _, err := secpecdsa.RecoverCompact(compact, digest[:])
	if err != nil {
		return ErrBadSignature
	}
	if stacks.Hash160(pub) != expectedSigner {
		return ErrWrongSigner
	}
	return nil
}

// Sign produces an Auth over the given action, used by agent tooling and
// tests.
func Sign(priv *secp256k1.PrivateKey, action string, expiry time.Time, nonce uint64, chainID uint32) (*Auth, error) {
	digest, err := messageDigest(action, expiry.Unix(), new(big.Int).SetUint64(nonce), chainID)
	if err != nil {
		return nil, err
	}
	compact := secpecdsa.SignCompact(priv, digest[:], true)
	vrs := make([]byte, 65)
	vrs[0] = compact[0] - 27 - 4
	copy(vrs[1:], compact[1:])
	return &Auth{
		Action:    action,
		Expiry:    strconv.FormatInt(expiry.Unix(), 10),
		Nonce:     strconv.FormatUint(nonce, 10),
		Signature: hex.EncodeToString(vrs),
	}, nil
}

// messageDigest is sha256(prefix ‖ domainHash ‖ messageHash) per SIP-018,
// with both hashes over the serialized Clarity tuples.
func messageDigest(action string, expiry int64, nonce *big.Int, chainID uint32) ([32]byte, error) {
	domain := stacks.TupleCV(
		stacks.TupleEntry{Name: "name", Value: stacks.StringASCIICV(DomainName)},
		stacks.TupleEntry{Name: "version", Value: stacks.StringASCIICV(DomainVersion)},
		stacks.TupleEntry{Name: "chain-id", Value: stacks.UIntCV(new(big.Int).SetUint64(uint64(chainID)))},
	)
	message := stacks.TupleCV(
		stacks.TupleEntry{Name: "action", Value: stacks.StringASCIICV(action)},
		stacks.TupleEntry{Name: "expiry", Value: stacks.UIntCV(big.NewInt(expiry))},
		stacks.TupleEntry{Name: "nonce", Value: stacks.UIntCV(nonce)},
	)
	domainRaw, err := stacks.SerializeCV(domain)
	if err != nil {
		return [32]byte{}, fmt.Errorf("serialize auth domain: %w", err)
	}
	messageRaw, err := stacks.SerializeCV(message)
	if err != nil {
		return [32]byte{}, fmt.Errorf("serialize auth message: %w", err)
	}
	domainHash := sha256.Sum256(domainRaw)
	messageHash := sha256.Sum256(messageRaw)

	payload := make([]byte, 0, len(structuredDataPrefix)+64)
	payload = append(payload, structuredDataPrefix...)
	payload = append(payload, domainHash[:]...)
	payload = append(payload, messageHash[:]...)
	return sha256.Sum256(payload), nil
}
