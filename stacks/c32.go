// Package stacks implements the Stacks transaction wire format: c32check
// addresses, Clarity value (de)serialization, the two-party sponsored
// authorization and its sighash chain, and BIP-44 sponsor key derivation.
package stacks

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"
)

const c32Alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// Address version bytes for single-sig pay-to-public-key-hash principals.
const (
	AddressVersionMainnet = 22 // 'P'
	AddressVersionTestnet = 26 // 'T'
)

// c32Normalize uppercases and maps the Crockford homoglyphs.
func c32Normalize(s string) string {
	s = strings.ToUpper(s)
	s = strings.ReplaceAll(s, "O", "0")
	s = strings.ReplaceAll(s, "L", "1")
	return strings.ReplaceAll(s, "I", "1")
}

// c32Encode encodes data in Crockford base-32, preserving one leading zero
// digit per leading zero byte.
func c32Encode(data []byte) string {
	leadingZeros := 0
	for _, b := range data {
		if b != 0 {
			break
		}
		leadingZeros++
	}

	value := new(big.Int).SetBytes(data)
	base := big.NewInt(32)
	mod := new(big.Int)
	var digits []byte
	for value.Sign() > 0 {
		value.DivMod(value, base, mod)
		digits = append(digits, c32Alphabet[mod.Int64()])
	}
	var sb strings.Builder
	for i := 0; i < leadingZeros; i++ {
		sb.WriteByte('0')
	}
	for i := len(digits) - 1; i >= 0; i-- {
		sb.WriteByte(digits[i])
	}
	return sb.String()
}

func c32Decode(s string) ([]byte, error) {
	s = c32Normalize(s)
	leadingZeros := 0
	for _, ch := range s {
		if ch != '0' {
			break
		}
		leadingZeros++
	}

	value := new(big.Int)
	base := big.NewInt(32)
	for _, ch := range s {
		idx := strings.IndexRune(c32Alphabet, ch)
		if idx < 0 {
			return nil, fmt.Errorf("invalid c32 character %q", ch)
		}
		value.Mul(value, base)
		value.Add(value, big.NewInt(int64(idx)))
	}
	out := make([]byte, leadingZeros)
	return append(out, value.Bytes()...), nil
}

func c32Checksum(version byte, data []byte) []byte {
	payload := append([]byte{version}, data...)
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	return second[:4]
}

// EncodeAddress renders a (version, hash160) pair as a c32check Stacks
// address, e.g. SP000000000000000000002Q6VF78.
func EncodeAddress(version byte, hash160 [20]byte) string {
	payload := append(hash160[:], c32Checksum(version, hash160[:])...)
	return "S" + string(c32Alphabet[version]) + c32Encode(payload)
}

// DecodeAddress parses a c32check Stacks address into its version byte and
// hash160. The comparison contract for addresses is case-insensitive, which
// DecodeAddress honors by normalizing first.
func DecodeAddress(addr string) (byte, [20]byte, error) {
	var hash [20]byte
	norm := c32Normalize(addr)
	if len(norm) < 7 || norm[0] != 'S' {
		return 0, hash, fmt.Errorf("invalid stacks address %q", addr)
	}
	version := strings.IndexByte(c32Alphabet, norm[1])
	if version < 0 {
		return 0, hash, fmt.Errorf("invalid address version character %q", norm[1])
	}
	payload, err := c32Decode(norm[2:])
	if err != nil {
		return 0, hash, fmt.Errorf("decode address %q: %w", addr, err)
	}
	if len(payload) != 24 {
		return 0, hash, fmt.Errorf("invalid address payload length %d", len(payload))
	}
	data, checksum := payload[:20], payload[20:]
	if string(checksum) != string(c32Checksum(byte(version), data)) {
		return 0, hash, fmt.Errorf("address checksum mismatch for %q", addr)
	}
	copy(hash[:], data)
	return byte(version), hash, nil
}
