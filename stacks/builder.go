package stacks

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	anchorModeAny         = 0x03
	postConditionModeDeny = 0x02
)

// emptyPostConditions is the serialized zero-length post-condition block.
var emptyPostConditions = []byte{0x00, 0x00, 0x00, 0x00}

// NewTokenTransfer builds an unsigned native transfer. The origin condition
// is left blank for SignOrigin to fill. Used by agent-side tooling and tests.
func NewTokenTransfer(version byte, chainID uint32, sponsored bool, recipient Principal, amount uint64, memo string) (*Transaction, error) {
	if len(memo) > 34 {
		return nil, fmt.Errorf("memo exceeds 34 bytes")
	}
	payload := &TokenTransferPayload{Recipient: recipient, Amount: amount}
	copy(payload.Memo[:], memo)

	var raw bytes.Buffer
	raw.WriteByte(PayloadTypeTokenTransfer)
	cvType := byte(ClarityTypePrincipalStandard)
	if recipient.ContractName != "" {
		cvType = ClarityTypePrincipalContract
	}
	if err := writeClarityValue(&raw, ClarityValue{Type: cvType, Principal: &recipient}); err != nil {
		return nil, err
	}
	var n8 [8]byte
	binary.BigEndian.PutUint64(n8[:], amount)
	raw.Write(n8[:])
	raw.Write(payload.Memo[:])

	return newUnsigned(version, chainID, sponsored, raw.Bytes(), payload), nil
}

// NewContractCall builds an unsigned contract call.
func NewContractCall(version byte, chainID uint32, sponsored bool, contract Principal, functionName string, args []ClarityValue) (*Transaction, error) {
	if contract.ContractName == "" {
		return nil, fmt.Errorf("contract principal requires a contract name")
	}
	var raw bytes.Buffer
	raw.WriteByte(PayloadTypeContractCall)
	raw.WriteByte(contract.Version)
	raw.Write(contract.Hash160[:])
	if err := writeLPString(&raw, contract.ContractName); err != nil {
		return nil, err
	}
	if err := writeLPString(&raw, functionName); err != nil {
		return nil, err
	}
	var n4 [4]byte
	binary.BigEndian.PutUint32(n4[:], uint32(len(args)))
	raw.Write(n4[:])
	for _, arg := range args {
		if err := writeClarityValue(&raw, arg); err != nil {
			return nil, err
		}
	}

	payload := &ContractCallPayload{Contract: contract, FunctionName: functionName, Args: args}
	return newUnsigned(version, chainID, sponsored, raw.Bytes(), payload), nil
}

// EstimationPayload returns a canonical serialized payload of the given
// class, suitable as the transaction_payload of a fee estimation request.
func EstimationPayload(class PayloadClass) []byte {
	var raw bytes.Buffer
	zero := Principal{Version: AddressVersionMainnet}
	switch class {
	case ClassContractCall:
		raw.WriteByte(PayloadTypeContractCall)
		raw.WriteByte(zero.Version)
		raw.Write(zero.Hash160[:])
		_ = writeLPString(&raw, "token")
		_ = writeLPString(&raw, "transfer")
		raw.Write([]byte{0x00, 0x00, 0x00, 0x00})
	case ClassSmartContract:
		raw.WriteByte(PayloadTypeSmartContract)
		_ = writeLPString(&raw, "contract")
		raw.Write([]byte{0x00, 0x00, 0x00, 0x00})
	default:
		raw.WriteByte(PayloadTypeTokenTransfer)
		_ = writeClarityValue(&raw, ClarityValue{Type: ClarityTypePrincipalStandard, Principal: &zero})
		var n8 [8]byte
		binary.BigEndian.PutUint64(n8[:], 1)
		raw.Write(n8[:])
		raw.Write(make([]byte, 34))
	}
	return raw.Bytes()
}

func newUnsigned(version byte, chainID uint32, sponsored bool, rawPayload []byte, payload Payload) *Transaction {
	tx := &Transaction{
		Version:           version,
		ChainID:           chainID,
		AuthType:          AuthTypeStandard,
		AnchorMode:        anchorModeAny,
		PostConditionMode: postConditionModeDeny,
		rawPostConditions: emptyPostConditions,
		rawPayload:        rawPayload,
		Payload:           payload,
	}
	if sponsored {
		tx.AuthType = AuthTypeSponsored
		placeholder := initialSponsorCondition()
		tx.Sponsor = &placeholder
	}
	return tx
}
