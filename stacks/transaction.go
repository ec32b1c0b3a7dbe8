package stacks

import (
	"bytes"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// Transaction wire constants.
const (
	TransactionVersionMainnet = 0x00
	TransactionVersionTestnet = 0x80

	ChainIDMainnet = uint32(0x00000001)
	ChainIDTestnet = uint32(0x80000000)

	AuthTypeStandard  = 0x04
	AuthTypeSponsored = 0x05

	// Hash modes of a spending condition. P2SH variants carry a multisig
	// body, the rest are single-sig.
	HashModeP2PKH  = 0x00
	HashModeP2SH   = 0x01
	HashModeP2WPKH = 0x02
	HashModeP2WSH  = 0x03

	KeyEncodingCompressed   = 0x00
	KeyEncodingUncompressed = 0x01

	PayloadTypeTokenTransfer = 0x00
	PayloadTypeSmartContract = 0x01
	PayloadTypeContractCall  = 0x02
)

// PayloadClass names the fee-estimation class of a transaction.
type PayloadClass string

const (
	ClassTokenTransfer PayloadClass = "token_transfer"
	ClassContractCall  PayloadClass = "contract_call"
	ClassSmartContract PayloadClass = "smart_contract"
)

// SpendingCondition is one party's authorization of a transaction. Fields
// beyond Fee and Nonce depend on HashMode: single-sig modes use KeyEncoding
// and Signature, multisig modes use Fields and SignaturesRequired.
type SpendingCondition struct {
	HashMode byte
	Signer   [20]byte
	Nonce    uint64
	Fee      uint64

	KeyEncoding byte
	Signature   [65]byte

	Fields             []AuthField
	SignaturesRequired uint16
}

// AuthField is one entry of a multisig spending condition: a 33-byte
// compressed public key or a 65-byte recoverable signature.
type AuthField struct {
	ID   byte // 0x00/0x01 pubkey (compressed/uncompressed key), 0x02/0x03 signature
	Data []byte
}

func (sc *SpendingCondition) isMultisig() bool {
	return sc.HashMode == HashModeP2SH || sc.HashMode == HashModeP2WSH ||
		sc.HashMode == 0x05 || sc.HashMode == 0x07
}

// cleared returns a copy with fee, nonce and signatures zeroed, as required
// by the initial sighash computation.
func (sc *SpendingCondition) cleared() SpendingCondition {
	out := *sc
	out.Nonce = 0
	out.Fee = 0
	out.Signature = [65]byte{}
	if out.isMultisig() {
		out.Fields = nil
	}
	return out
}

// initialSponsorCondition is the placeholder sponsor condition every party
// hashes over before the sponsor is known.
func initialSponsorCondition() SpendingCondition {
	return SpendingCondition{HashMode: HashModeP2PKH}
}

// Transaction is a parsed Stacks transaction. PostConditions and payload are
// retained as raw bytes so that re-serialization of the parts the relay does
// not touch is byte-exact; Payload exposes the parsed view.
type Transaction struct {
	Version           byte
	ChainID           uint32
	AuthType          byte
	Origin            SpendingCondition
	Sponsor           *SpendingCondition
	AnchorMode        byte
	PostConditionMode byte

	rawPostConditions []byte // includes the 4-byte count
	rawPayload        []byte

	Payload Payload
}

// Payload is the parsed transaction payload.
type Payload interface {
	Class() PayloadClass
}

// TokenTransferPayload moves native STX to a recipient principal.
type TokenTransferPayload struct {
	Recipient Principal
	Amount    uint64
	Memo      [34]byte
}

func (*TokenTransferPayload) Class() PayloadClass { return ClassTokenTransfer }

// ContractCallPayload invokes a public function of a deployed contract.
type ContractCallPayload struct {
	Contract     Principal
	FunctionName string
	Args         []ClarityValue
}

func (*ContractCallPayload) Class() PayloadClass { return ClassContractCall }

// SmartContractPayload deploys a contract. Kept opaque beyond the name.
type SmartContractPayload struct {
	Name string
}

func (*SmartContractPayload) Class() PayloadClass { return ClassSmartContract }

// IsSponsored reports whether the transaction carries a two-party
// authorization.
func (tx *Transaction) IsSponsored() bool {
	return tx.AuthType == AuthTypeSponsored
}

// SenderAddress renders the origin signer as a c32check address using the
// transaction's network version.
func (tx *Transaction) SenderAddress() string {
	return EncodeAddress(tx.addressVersion(), tx.Origin.Signer)
}

func (tx *Transaction) addressVersion() byte {
	if tx.Version == TransactionVersionMainnet {
		return AddressVersionMainnet
	}
	return AddressVersionTestnet
}

// TxID returns the lowercase hex transaction id, the sha512/256 of the full
// serialization.
func (tx *Transaction) TxID() string {
	sum := sha512.Sum512_256(tx.Serialize())
	return hex.EncodeToString(sum[:])
}

// ParseTransactionHex decodes an optionally 0x-prefixed hex string.
func ParseTransactionHex(txHex string) (*Transaction, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(txHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("transaction is not valid hex: %w", err)
	}
	return ParseTransaction(raw)
}

// ParseTransaction decodes a serialized Stacks transaction. Trailing bytes
// after the payload are rejected.
func ParseTransaction(raw []byte) (*Transaction, error) {
	r := &txReader{data: raw}
	tx := &Transaction{}
	var err error
	if tx.Version, err = r.byte(); err != nil {
		return nil, fmt.Errorf("read version: %w", err)
	}
	if tx.ChainID, err = r.uint32(); err != nil {
		return nil, fmt.Errorf("read chain id: %w", err)
	}
	if tx.AuthType, err = r.byte(); err != nil {
		return nil, fmt.Errorf("read auth type: %w", err)
	}
	if tx.AuthType != AuthTypeStandard && tx.AuthType != AuthTypeSponsored {
		return nil, fmt.Errorf("unknown auth type 0x%02x", tx.AuthType)
	}
	if tx.Origin, err = readSpendingCondition(r); err != nil {
		return nil, fmt.Errorf("read origin condition: %w", err)
	}
	if tx.AuthType == AuthTypeSponsored {
		sponsor, err := readSpendingCondition(r)
		if err != nil {
			return nil, fmt.Errorf("read sponsor condition: %w", err)
		}
		tx.Sponsor = &sponsor
	}
	if tx.AnchorMode, err = r.byte(); err != nil {
		return nil, fmt.Errorf("read anchor mode: %w", err)
	}
	if tx.PostConditionMode, err = r.byte(); err != nil {
		return nil, fmt.Errorf("read post-condition mode: %w", err)
	}
	pcStart := r.pos
	if err := skipPostConditions(r); err != nil {
		return nil, fmt.Errorf("read post-conditions: %w", err)
	}
	tx.rawPostConditions = raw[pcStart:r.pos]
	payloadStart := r.pos
	if tx.Payload, err = readPayload(r); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	tx.rawPayload = raw[payloadStart:r.pos]
	if r.pos != len(raw) {
		return nil, fmt.Errorf("%d trailing bytes after payload", len(raw)-r.pos)
	}
	return tx, nil
}

// Serialize re-encodes the transaction. Post-conditions and payload are
// emitted from the original bytes.
func (tx *Transaction) Serialize() []byte {
	var w bytes.Buffer
	w.WriteByte(tx.Version)
	var chainID [4]byte
	binary.BigEndian.PutUint32(chainID[:], tx.ChainID)
	w.Write(chainID[:])
	w.WriteByte(tx.AuthType)
	writeSpendingCondition(&w, &tx.Origin)
	if tx.AuthType == AuthTypeSponsored {
		sponsor := tx.Sponsor
		if sponsor == nil {
			placeholder := initialSponsorCondition()
			sponsor = &placeholder
		}
		writeSpendingCondition(&w, sponsor)
	}
	w.WriteByte(tx.AnchorMode)
	w.WriteByte(tx.PostConditionMode)
	w.Write(tx.rawPostConditions)
	w.Write(tx.rawPayload)
	return w.Bytes()
}

// SerializeHex returns the lowercase hex encoding without a 0x prefix.
func (tx *Transaction) SerializeHex() string {
	return hex.EncodeToString(tx.Serialize())
}

func readSpendingCondition(r *txReader) (SpendingCondition, error) {
	var sc SpendingCondition
	var err error
	if sc.HashMode, err = r.byte(); err != nil {
		return sc, err
	}
	signer, err := r.bytes(20)
	if err != nil {
		return sc, err
	}
	copy(sc.Signer[:], signer)
	if sc.Nonce, err = r.uint64(); err != nil {
		return sc, err
	}
	if sc.Fee, err = r.uint64(); err != nil {
		return sc, err
	}
	if sc.isMultisig() {
		count, err := r.uint32()
		if err != nil {
			return sc, err
		}
		for i := uint32(0); i < count; i++ {
			field, err := readAuthField(r)
			if err != nil {
				return sc, err
			}
			sc.Fields = append(sc.Fields, field)
		}
		required, err := r.bytes(2)
		if err != nil {
			return sc, err
		}
		sc.SignaturesRequired = binary.BigEndian.Uint16(required)
		return sc, nil
	}
	if sc.KeyEncoding, err = r.byte(); err != nil {
		return sc, err
	}
	sig, err := r.bytes(65)
	if err != nil {
		return sc, err
	}
	copy(sc.Signature[:], sig)
	return sc, nil
}

func writeSpendingCondition(w *bytes.Buffer, sc *SpendingCondition) {
	w.WriteByte(sc.HashMode)
	w.Write(sc.Signer[:])
	var n8 [8]byte
	binary.BigEndian.PutUint64(n8[:], sc.Nonce)
	w.Write(n8[:])
	binary.BigEndian.PutUint64(n8[:], sc.Fee)
	w.Write(n8[:])
	if sc.isMultisig() {
		var n4 [4]byte
		binary.BigEndian.PutUint32(n4[:], uint32(len(sc.Fields)))
		w.Write(n4[:])
		for _, field := range sc.Fields {
			w.WriteByte(field.ID)
			w.Write(field.Data)
		}
		var n2 [2]byte
		binary.BigEndian.PutUint16(n2[:], sc.SignaturesRequired)
		w.Write(n2[:])
		return
	}
	w.WriteByte(sc.KeyEncoding)
	w.Write(sc.Signature[:])
}

func readAuthField(r *txReader) (AuthField, error) {
	id, err := r.byte()
	if err != nil {
		return AuthField{}, err
	}
	size := 33 // compressed public key
	if id == 0x02 || id == 0x03 {
		size = 65 // recoverable signature
	} else if id > 0x03 {
		return AuthField{}, fmt.Errorf("unknown auth field id 0x%02x", id)
	}
	data, err := r.bytes(size)
	if err != nil {
		return AuthField{}, err
	}
	return AuthField{ID: id, Data: data}, nil
}

// skipPostConditions consumes the post-condition block. Conditions are
// parsed for length only; the relay never alters them.
func skipPostConditions(r *txReader) error {
	count, err := r.uint32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		typ, err := r.byte()
		if err != nil {
			return err
		}
		if typ > 0x02 {
			return fmt.Errorf("unknown post-condition type 0x%02x", typ)
		}
		if err := skipPostConditionPrincipal(r); err != nil {
			return err
		}
		if typ != 0x00 {
			// asset info: contract principal plus asset name
			if _, err := readPrincipal(r, true); err != nil {
				return err
			}
			if _, err := r.lpString(); err != nil {
				return err
			}
		}
		if typ == 0x02 {
			// NFT condition carries the asset value
			if _, err := readClarityValue(r); err != nil {
				return err
			}
		}
		if _, err := r.byte(); err != nil { // condition code
			return err
		}
		if typ != 0x02 {
			if _, err := r.uint64(); err != nil { // amount
				return err
			}
		}
	}
	return nil
}

func skipPostConditionPrincipal(r *txReader) error {
	typ, err := r.byte()
	if err != nil {
		return err
	}
	switch typ {
	case 0x01: // origin
		return nil
	case 0x02:
		_, err := readPrincipal(r, false)
		return err
	case 0x03:
		_, err := readPrincipal(r, true)
		return err
	default:
		return fmt.Errorf("unknown post-condition principal type 0x%02x", typ)
	}
}

func readPayload(r *txReader) (Payload, error) {
	typ, err := r.byte()
	if err != nil {
		return nil, err
	}
	switch typ {
	case PayloadTypeTokenTransfer:
		recipient, err := readClarityValue(r)
		if err != nil {
			return nil, err
		}
		if recipient.Principal == nil {
			return nil, fmt.Errorf("token transfer recipient is not a principal")
		}
		amount, err := r.uint64()
		if err != nil {
			return nil, err
		}
		memo, err := r.bytes(34)
		if err != nil {
			return nil, err
		}
		p := &TokenTransferPayload{Recipient: *recipient.Principal, Amount: amount}
		copy(p.Memo[:], memo)
		return p, nil
	case PayloadTypeContractCall:
		contract, err := readPrincipal(r, true)
		if err != nil {
			return nil, err
		}
		functionName, err := r.lpString()
		if err != nil {
			return nil, err
		}
		argc, err := r.uint32()
		if err != nil {
			return nil, err
		}
		p := &ContractCallPayload{Contract: *contract, FunctionName: functionName}
		for i := uint32(0); i < argc; i++ {
			arg, err := readClarityValue(r)
			if err != nil {
				return nil, err
			}
			p.Args = append(p.Args, arg)
		}
		return p, nil
	case PayloadTypeSmartContract:
		name, err := r.lpString()
		if err != nil {
			return nil, err
		}
		codeLen, err := r.uint32()
		if err != nil {
			return nil, err
		}
		if _, err := r.bytes(int(codeLen)); err != nil {
			return nil, err
		}
		return &SmartContractPayload{Name: name}, nil
	default:
		return nil, fmt.Errorf("unsupported payload type 0x%02x", typ)
	}
}

// txReader is a cursor over a serialized transaction.
type txReader struct {
	data []byte
	pos  int
}

func (r *txReader) byte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, io.ErrUnexpectedEOF
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *txReader) bytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, io.ErrUnexpectedEOF
	}
	out := r.data[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

func (r *txReader) uint32() (uint32, error) {
	raw, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(raw), nil
}

func (r *txReader) uint64() (uint64, error) {
	raw, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (r *txReader) lpString() (string, error) {
	n, err := r.byte()
	if err != nil {
		return "", err
	}
	raw, err := r.bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
