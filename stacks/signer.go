package stacks

import (
	"bytes"
	"crypto/sha512"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Hash160 returns ripemd160(sha256(compressed public key)), the signer field
// of a single-sig spending condition.
func Hash160(pub *secp256k1.PublicKey) [20]byte {
	var out [20]byte
	copy(out[:], btcutil.Hash160(pub.SerializeCompressed()))
	return out
}

// AddressFromPubKey renders the c32check address of a compressed public key
// for the given transaction version.
func AddressFromPubKey(pub *secp256k1.PublicKey, txVersion byte) string {
	version := byte(AddressVersionTestnet)
	if txVersion == TransactionVersionMainnet {
		version = AddressVersionMainnet
	}
	return EncodeAddress(version, Hash160(pub))
}

// initialSigHash is the sha512/256 of the transaction with both spending
// conditions cleared (and the sponsor condition, if any, replaced by the
// all-zero placeholder).
func (tx *Transaction) initialSigHash() [32]byte {
	shadow := *tx
	shadow.Origin = tx.Origin.cleared()
	if tx.AuthType == AuthTypeSponsored {
		placeholder := initialSponsorCondition()
		shadow.Sponsor = &placeholder
	}
	return sha512.Sum512_256(shadow.Serialize())
}

// sigHashPreSign mixes the auth flag, fee and nonce of the signing party into
// the running sighash. This is the digest the party actually signs.
func sigHashPreSign(cur [32]byte, authFlag byte, fee, nonce uint64) [32]byte {
	var buf bytes.Buffer
	buf.Write(cur[:])
	buf.WriteByte(authFlag)
	var n8 [8]byte
	binary.BigEndian.PutUint64(n8[:], fee)
	buf.Write(n8[:])
	binary.BigEndian.PutUint64(n8[:], nonce)
	buf.Write(n8[:])
	return sha512.Sum512_256(buf.Bytes())
}

// sigHashPostSign mixes a produced signature back into the chain so the next
// party commits to it.
func sigHashPostSign(pre [32]byte, keyEncoding byte, sig [65]byte) [32]byte {
	var buf bytes.Buffer
	buf.Write(pre[:])
	buf.WriteByte(keyEncoding)
	buf.Write(sig[:])
	return sha512.Sum512_256(buf.Bytes())
}

// signRecoverable produces the 65-byte vrs signature format used on the
// wire: one recovery-id byte followed by r and s.
func signRecoverable(priv *secp256k1.PrivateKey, digest [32]byte) [65]byte {
	compact := secpecdsa.SignCompact(priv, digest[:], true)
	var out [65]byte
	out[0] = compact[0] - 27 - 4
	copy(out[1:], compact[1:])
	return out
}

// recoverPubKey recovers the compressed public key that produced a vrs
// signature over digest.
func recoverPubKey(digest [32]byte, sig [65]byte, keyEncoding byte) (*secp256k1.PublicKey, error) {
	compact := make([]byte, 65)
	offset := byte(27 + 4)
	if keyEncoding == KeyEncodingUncompressed {
		offset = 27
	}
	compact[0] = sig[0] + offset
	copy(compact[1:], sig[1:])
	pub, _, err := secpecdsa.RecoverCompact(compact, digest[:])
	if err != nil {
		return nil, fmt.Errorf("recover public key: %w", err)
	}
	return pub, nil
}

// originSigHash walks the origin's signature chain and returns the sighash a
// sponsor signs over. For single-sig origins it also verifies that the
// recovered key matches the declared signer and returns it; multisig origins
// are chained without key verification and return a nil key.
func (tx *Transaction) originSigHash() ([32]byte, *secp256k1.PublicKey, error) {
	cur := tx.initialSigHash()
	origin := &tx.Origin
	if origin.isMultisig() {
		for _, field := range origin.Fields {
			if field.ID != 0x02 && field.ID != 0x03 {
				continue
			}
			var sig [65]byte
			copy(sig[:], field.Data)
			keyEncoding := byte(KeyEncodingCompressed)
			if field.ID == 0x03 {
				keyEncoding = KeyEncodingUncompressed
			}
			pre := sigHashPreSign(cur, AuthTypeStandard, origin.Fee, origin.Nonce)
			cur = sigHashPostSign(pre, keyEncoding, sig)
		}
		return cur, nil, nil
	}
	pre := sigHashPreSign(cur, AuthTypeStandard, origin.Fee, origin.Nonce)
	pub, err := recoverPubKey(pre, origin.Signature, origin.KeyEncoding)
	if err != nil {
		return cur, nil, err
	}
	if Hash160(pub) != origin.Signer {
		return cur, nil, fmt.Errorf("origin signature does not match declared signer")
	}
	return sigHashPostSign(pre, origin.KeyEncoding, origin.Signature), pub, nil
}

// VerifyOrigin checks the origin authorization and returns the sender's
// compressed public key, or nil for multisig origins where no single key can
// be recovered.
func (tx *Transaction) VerifyOrigin() (*secp256k1.PublicKey, error) {
	_, pub, err := tx.originSigHash()
	return pub, err
}

// SignOrigin fills the origin spending condition, signing over fee and nonce
// already set on it. Used by agent-side tooling and tests; the relay itself
// only ever sponsor-signs.
func (tx *Transaction) SignOrigin(priv *secp256k1.PrivateKey) error {
	if tx.Origin.isMultisig() {
		return fmt.Errorf("cannot single-sign a multisig origin condition")
	}
	tx.Origin.Signer = Hash160(priv.PubKey())
	tx.Origin.KeyEncoding = KeyEncodingCompressed
	cur := tx.initialSigHash()
	pre := sigHashPreSign(cur, AuthTypeStandard, tx.Origin.Fee, tx.Origin.Nonce)
	tx.Origin.Signature = signRecoverable(priv, pre)
	return nil
}

// SignSponsor verifies the origin chain, then fills the sponsor spending
// condition with the given fee and nonce and signs it. The transaction must
// carry sponsored auth.
func (tx *Transaction) SignSponsor(priv *secp256k1.PrivateKey, nonce, fee uint64) error {
	if tx.AuthType != AuthTypeSponsored {
		return fmt.Errorf("transaction does not use sponsored authorization")
	}
	originHash, _, err := tx.originSigHash()
	if err != nil {
		return fmt.Errorf("verify origin before sponsoring: %w", err)
	}
	sponsor := SpendingCondition{
		HashMode:    HashModeP2PKH,
		Signer:      Hash160(priv.PubKey()),
		Nonce:       nonce,
		Fee:         fee,
		KeyEncoding: KeyEncodingCompressed,
	}
	pre := sigHashPreSign(originHash, AuthTypeSponsored, fee, nonce)
	sponsor.Signature = signRecoverable(priv, pre)
	tx.Sponsor = &sponsor
	return nil
}

// VerifySponsor checks the sponsor signature against the declared sponsor
// signer. Used to self-check right after signing and by tests.
func (tx *Transaction) VerifySponsor() error {
	if tx.AuthType != AuthTypeSponsored || tx.Sponsor == nil {
		return fmt.Errorf("transaction carries no sponsor condition")
	}
	originHash, _, err := tx.originSigHash()
	if err != nil {
		return err
	}
	if tx.Sponsor.isMultisig() {
		return fmt.Errorf("multisig sponsor conditions are not supported")
	}
	pre := sigHashPreSign(originHash, AuthTypeSponsored, tx.Sponsor.Fee, tx.Sponsor.Nonce)
	pub, err := recoverPubKey(pre, tx.Sponsor.Signature, tx.Sponsor.KeyEncoding)
	if err != nil {
		return err
	}
	if Hash160(pub) != tx.Sponsor.Signer {
		return fmt.Errorf("sponsor signature does not match declared signer")
	}
	return nil
}
