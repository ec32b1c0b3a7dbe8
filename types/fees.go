package types

// ClampRange bounds a fee in smallest-unit integers.
type ClampRange struct {
	Floor   uint64 `json:"floor" cbor:"0,keyasint"`
	Ceiling uint64 `json:"ceiling" cbor:"1,keyasint"`
}

// ClampConfig holds one clamp range per transaction payload class
// (token_transfer, contract_call, smart_contract).
type ClampConfig map[string]ClampRange
