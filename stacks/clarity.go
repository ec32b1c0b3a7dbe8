package stacks

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"
)

// Clarity value type tags.
const (
	ClarityTypeInt               = 0x00
	ClarityTypeUInt              = 0x01
	ClarityTypeBuffer            = 0x02
	ClarityTypeBoolTrue          = 0x03
	ClarityTypeBoolFalse         = 0x04
	ClarityTypePrincipalStandard = 0x05
	ClarityTypePrincipalContract = 0x06
	ClarityTypeResponseOk        = 0x07
	ClarityTypeResponseErr       = 0x08
	ClarityTypeOptionalNone      = 0x09
	ClarityTypeOptionalSome      = 0x0a
	ClarityTypeList              = 0x0b
	ClarityTypeTuple             = 0x0c
	ClarityTypeStringASCII       = 0x0d
	ClarityTypeStringUTF8        = 0x0e
)

// ClarityValue is a parsed Clarity wire value. Type dispatches the meaning of
// the remaining fields.
type ClarityValue struct {
	Type byte

	Int       *big.Int       // int, uint
	Bytes     []byte         // buffer, string-ascii, string-utf8
	Principal *Principal     // standard and contract principals
	Inner     *ClarityValue  // response ok/err, optional some
	List      []ClarityValue // list
	Tuple     []TupleEntry   // tuple, field order as serialized
}

// TupleEntry is one named field of a Clarity tuple.
type TupleEntry struct {
	Name  string
	Value ClarityValue
}

// Principal identifies a standard or contract principal. ContractName is
// empty for standard principals.
type Principal struct {
	Version      byte
	Hash160      [20]byte
	ContractName string
}

// Address renders the principal's address part as a c32check string.
func (p *Principal) Address() string {
	return EncodeAddress(p.Version, p.Hash160)
}

// String renders the full principal, including the contract name when set.
func (p *Principal) String() string {
	if p.ContractName != "" {
		return p.Address() + "." + p.ContractName
	}
	return p.Address()
}

// UIntCV builds a Clarity uint value.
func UIntCV(v *big.Int) ClarityValue {
	return ClarityValue{Type: ClarityTypeUInt, Int: new(big.Int).Set(v)}
}

// StringASCIICV builds a Clarity string-ascii value.
func StringASCIICV(s string) ClarityValue {
	return ClarityValue{Type: ClarityTypeStringASCII, Bytes: []byte(s)}
}

// TupleCV builds a Clarity tuple. Entries are sorted by field name, the
// canonical order for serialized tuples.
func TupleCV(entries ...TupleEntry) ClarityValue {
	sorted := make([]TupleEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	return ClarityValue{Type: ClarityTypeTuple, Tuple: sorted}
}

// SerializeCV returns the wire encoding of a Clarity value.
func SerializeCV(cv ClarityValue) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeClarityValue(&buf, cv); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// maxClarityDepth caps nesting of optional/response/list/tuple values, as
// the reference codecs do.
const maxClarityDepth = 64

// readClarityValue consumes one serialized Clarity value from r.
func readClarityValue(r *txReader) (ClarityValue, error) {
	return readClarityValueDepth(r, 0)
}

func readClarityValueDepth(r *txReader, depth int) (ClarityValue, error) {
	if depth > maxClarityDepth {
		return ClarityValue{}, fmt.Errorf("clarity value nested deeper than %d levels", maxClarityDepth)
	}
	typ, err := r.byte()
	if err != nil {
		return ClarityValue{}, err
	}
	cv := ClarityValue{Type: typ}
	switch typ {
	case ClarityTypeInt:
		raw, err := r.bytes(16)
		if err != nil {
			return cv, err
		}
		v := new(big.Int).SetBytes(raw)
		if raw[0]&0x80 != 0 {
			// two's complement negative
			v.Sub(v, new(big.Int).Lsh(big.NewInt(1), 128))
		}
		cv.Int = v
	case ClarityTypeUInt:
		raw, err := r.bytes(16)
		if err != nil {
			return cv, err
		}
		cv.Int = new(big.Int).SetBytes(raw)
	case ClarityTypeBuffer, ClarityTypeStringASCII, ClarityTypeStringUTF8:
		n, err := r.uint32()
		if err != nil {
			return cv, err
		}
		cv.Bytes, err = r.bytes(int(n))
		if err != nil {
			return cv, err
		}
	case ClarityTypeBoolTrue, ClarityTypeBoolFalse, ClarityTypeOptionalNone:
	case ClarityTypePrincipalStandard, ClarityTypePrincipalContract:
		p, err := readPrincipal(r, typ == ClarityTypePrincipalContract)
		if err != nil {
			return cv, err
		}
		cv.Principal = p
	case ClarityTypeResponseOk, ClarityTypeResponseErr, ClarityTypeOptionalSome:
		inner, err := readClarityValueDepth(r, depth+1)
		if err != nil {
			return cv, err
		}
		cv.Inner = &inner
	case ClarityTypeList:
		n, err := r.uint32()
		if err != nil {
			return cv, err
		}
		for i := uint32(0); i < n; i++ {
			item, err := readClarityValueDepth(r, depth+1)
			if err != nil {
				return cv, err
			}
			cv.List = append(cv.List, item)
		}
	case ClarityTypeTuple:
		n, err := r.uint32()
		if err != nil {
			return cv, err
		}
		for i := uint32(0); i < n; i++ {
			name, err := r.lpString()
			if err != nil {
				return cv, err
			}
			val, err := readClarityValueDepth(r, depth+1)
			if err != nil {
				return cv, err
			}
			cv.Tuple = append(cv.Tuple, TupleEntry{Name: name, Value: val})
		}
	default:
		return cv, fmt.Errorf("unknown clarity type 0x%02x", typ)
	}
	return cv, nil
}

func readPrincipal(r *txReader, contract bool) (*Principal, error) {
	version, err := r.byte()
	if err != nil {
		return nil, err
	}
	// version must be a c32 digit, or the address cannot be rendered
	if version >= 32 {
		return nil, fmt.Errorf("invalid principal version byte 0x%02x", version)
	}
	hash, err := r.bytes(20)
	if err != nil {
		return nil, err
	}
	p := &Principal{Version: version}
	copy(p.Hash160[:], hash)
	if contract {
		p.ContractName, err = r.lpString()
		if err != nil {
			return nil, err
		}
	}
	return p, nil
}

func writeClarityValue(w *bytes.Buffer, cv ClarityValue) error {
	w.WriteByte(cv.Type)
	switch cv.Type {
	case ClarityTypeInt, ClarityTypeUInt:
		v := cv.Int
		if cv.Type == ClarityTypeInt && v.Sign() < 0 {
			v = new(big.Int).Add(v, new(big.Int).Lsh(big.NewInt(1), 128))
		}
		raw := v.Bytes()
		if len(raw) > 16 {
			return fmt.Errorf("clarity integer out of range")
		}
		w.Write(make([]byte, 16-len(raw)))
		w.Write(raw)
	case ClarityTypeBuffer, ClarityTypeStringASCII, ClarityTypeStringUTF8:
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(cv.Bytes)))
		w.Write(n[:])
		w.Write(cv.Bytes)
	case ClarityTypeBoolTrue, ClarityTypeBoolFalse, ClarityTypeOptionalNone:
	case ClarityTypePrincipalStandard, ClarityTypePrincipalContract:
		w.WriteByte(cv.Principal.Version)
		w.Write(cv.Principal.Hash160[:])
		if cv.Type == ClarityTypePrincipalContract {
			if err := writeLPString(w, cv.Principal.ContractName); err != nil {
				return err
			}
		}
	case ClarityTypeResponseOk, ClarityTypeResponseErr, ClarityTypeOptionalSome:
		return writeClarityValue(w, *cv.Inner)
	case ClarityTypeList:
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(cv.List)))
		w.Write(n[:])
		for _, item := range cv.List {
			if err := writeClarityValue(w, item); err != nil {
				return err
			}
		}
	case ClarityTypeTuple:
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(cv.Tuple)))
		w.Write(n[:])
		for _, entry := range cv.Tuple {
			if err := writeLPString(w, entry.Name); err != nil {
				return err
			}
			if err := writeClarityValue(w, entry.Value); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown clarity type 0x%02x", cv.Type)
	}
	return nil
}

func writeLPString(w *bytes.Buffer, s string) error {
	if len(s) > 0xff {
		return fmt.Errorf("string %q exceeds 255 bytes", s)
	}
	w.WriteByte(byte(len(s)))
	w.WriteString(s)
	return nil
}
