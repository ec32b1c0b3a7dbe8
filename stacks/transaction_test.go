package stacks

import (
	"math/big"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func testRecipient() Principal {
	var hash [20]byte
	for i := range hash {
		hash[i] = byte(i + 1)
	}
	return Principal{Version: AddressVersionTestnet, Hash160: hash}
}

func testKey(c *qt.C, seed byte) *secp256k1.PrivateKey {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = seed + byte(i)
	}
	priv := secp256k1.PrivKeyFromBytes(raw)
	c.Assert(priv, qt.IsNotNil)
	return priv
}

// sponsoredTransfer builds and origin-signs a sponsored token transfer the
// way an agent would: zero fee, agent nonce, sponsor condition left blank.
func sponsoredTransfer(c *qt.C, agent *secp256k1.PrivateKey, amount uint64) *Transaction {
	tx, err := NewTokenTransfer(TransactionVersionTestnet, ChainIDTestnet, true, testRecipient(), amount, "test")
	c.Assert(err, qt.IsNil)
	tx.Origin.Nonce = 7
	c.Assert(tx.SignOrigin(agent), qt.IsNil)
	return tx
}

func TestParseSerializeRoundTrip(t *testing.T) {
	c := qt.New(t)
	tx := sponsoredTransfer(c, testKey(c, 1), 1000)
	raw := tx.Serialize()

	parsed, err := ParseTransaction(raw)
	c.Assert(err, qt.IsNil)
	c.Assert(parsed.Serialize(), qt.DeepEquals, raw)
	c.Assert(parsed.IsSponsored(), qt.IsTrue)
	c.Assert(parsed.Origin.Nonce, qt.Equals, uint64(7))
	c.Assert(parsed.Origin.Fee, qt.Equals, uint64(0))

	transfer, ok := parsed.Payload.(*TokenTransferPayload)
	c.Assert(ok, qt.IsTrue)
	c.Assert(transfer.Amount, qt.Equals, uint64(1000))
	wantRecipient := testRecipient()
	c.Assert(transfer.Recipient.Address(), qt.Equals, wantRecipient.Address())
	c.Assert(parsed.Payload.Class(), qt.Equals, ClassTokenTransfer)
}

func TestParseRejectsTruncatedAndTrailing(t *testing.T) {
	c := qt.New(t)
	raw := sponsoredTransfer(c, testKey(c, 1), 1000).Serialize()

	_, err := ParseTransaction(raw[:len(raw)-5])
	c.Assert(err, qt.IsNotNil)

	_, err = ParseTransaction(append(raw, 0x00))
	c.Assert(err, qt.IsNotNil)

	_, err = ParseTransactionHex("zz")
	c.Assert(err, qt.IsNotNil)
}

func TestSponsorSignVerify(t *testing.T) {
	c := qt.New(t)
	agent := testKey(c, 1)
	sponsor := testKey(c, 50)
	tx := sponsoredTransfer(c, agent, 1000)

	// The wire round-trip must not break the origin chain.
	parsed, err := ParseTransaction(tx.Serialize())
	c.Assert(err, qt.IsNil)
	pub, err := parsed.VerifyOrigin()
	c.Assert(err, qt.IsNil)
	c.Assert(Hash160(pub), qt.Equals, Hash160(agent.PubKey()))

	c.Assert(parsed.SignSponsor(sponsor, 42, 180), qt.IsNil)
	c.Assert(parsed.Sponsor.Nonce, qt.Equals, uint64(42))
	c.Assert(parsed.Sponsor.Fee, qt.Equals, uint64(180))
	c.Assert(parsed.VerifySponsor(), qt.IsNil)

	// Sponsor-signed form still parses and verifies.
	signed, err := ParseTransaction(parsed.Serialize())
	c.Assert(err, qt.IsNil)
	c.Assert(signed.VerifySponsor(), qt.IsNil)
	c.Assert(signed.TxID(), qt.Equals, parsed.TxID())
}

func TestSponsorSignRejectsTamperedOrigin(t *testing.T) {
	c := qt.New(t)
	tx := sponsoredTransfer(c, testKey(c, 1), 1000)
	tx.Origin.Signer[0] ^= 0xff

	err := tx.SignSponsor(testKey(c, 50), 1, 180)
	c.Assert(err, qt.ErrorMatches, ".*does not match declared signer.*")
}

func TestSponsorSignRequiresSponsoredAuth(t *testing.T) {
	c := qt.New(t)
	tx, err := NewTokenTransfer(TransactionVersionTestnet, ChainIDTestnet, false, testRecipient(), 5, "")
	c.Assert(err, qt.IsNil)
	c.Assert(tx.SignOrigin(testKey(c, 1)), qt.IsNil)

	err = tx.SignSponsor(testKey(c, 50), 1, 180)
	c.Assert(err, qt.ErrorMatches, ".*sponsored authorization.*")
}

func TestSponsorFeeChangesTxID(t *testing.T) {
	c := qt.New(t)
	agent := testKey(c, 1)
	sponsor := testKey(c, 50)

	a := sponsoredTransfer(c, agent, 1000)
	c.Assert(a.SignSponsor(sponsor, 42, 180), qt.IsNil)
	b := sponsoredTransfer(c, agent, 1000)
	c.Assert(b.SignSponsor(sponsor, 42, 200), qt.IsNil)

	c.Assert(a.TxID(), qt.Not(qt.Equals), b.TxID())
}

func TestContractCallRoundTrip(t *testing.T) {
	c := qt.New(t)
	contract := Principal{Version: AddressVersionTestnet, ContractName: "token"}
	args := []ClarityValue{
		UIntCV(big.NewInt(2500)),
		{Type: ClarityTypePrincipalStandard, Principal: &Principal{Version: AddressVersionTestnet}},
		{Type: ClarityTypePrincipalStandard, Principal: ptr(testRecipient())},
		{Type: ClarityTypeOptionalNone},
	}
	tx, err := NewContractCall(TransactionVersionTestnet, ChainIDTestnet, true, contract, "transfer", args)
	c.Assert(err, qt.IsNil)
	c.Assert(tx.SignOrigin(testKey(c, 9)), qt.IsNil)

	parsed, err := ParseTransaction(tx.Serialize())
	c.Assert(err, qt.IsNil)
	call, ok := parsed.Payload.(*ContractCallPayload)
	c.Assert(ok, qt.IsTrue)
	c.Assert(call.FunctionName, qt.Equals, "transfer")
	c.Assert(call.Contract.ContractName, qt.Equals, "token")
	c.Assert(call.Args, qt.HasLen, 4)
	c.Assert(call.Args[0].Int.Int64(), qt.Equals, int64(2500))
	wantRecipient := testRecipient()
	c.Assert(call.Args[2].Principal.Address(), qt.Equals, wantRecipient.Address())
	c.Assert(call.Args[3].Type, qt.Equals, byte(ClarityTypeOptionalNone))
	c.Assert(parsed.Payload.Class(), qt.Equals, ClassContractCall)
}

func TestClarityNestedValues(t *testing.T) {
	c := qt.New(t)
	inner := UIntCV(new(big.Int).Lsh(big.NewInt(1), 100))
	args := []ClarityValue{
		{Type: ClarityTypeOptionalSome, Inner: &inner},
		{Type: ClarityTypeBuffer, Bytes: []byte{0xde, 0xad}},
		{Type: ClarityTypeList, List: []ClarityValue{{Type: ClarityTypeBoolTrue}, {Type: ClarityTypeBoolFalse}}},
		{Type: ClarityTypeTuple, Tuple: []TupleEntry{{Name: "amt", Value: UIntCV(big.NewInt(1))}}},
		{Type: ClarityTypeInt, Int: big.NewInt(-12)},
	}
	contract := Principal{Version: AddressVersionTestnet, ContractName: "c"}
	tx, err := NewContractCall(TransactionVersionTestnet, ChainIDTestnet, false, contract, "f", args)
	c.Assert(err, qt.IsNil)
	c.Assert(tx.SignOrigin(testKey(c, 3)), qt.IsNil)

	parsed, err := ParseTransaction(tx.Serialize())
	c.Assert(err, qt.IsNil)
	call := parsed.Payload.(*ContractCallPayload)
	c.Assert(call.Args[0].Inner.Int.Cmp(inner.Int), qt.Equals, 0)
	c.Assert(call.Args[1].Bytes, qt.DeepEquals, []byte{0xde, 0xad})
	c.Assert(call.Args[2].List, qt.HasLen, 2)
	c.Assert(call.Args[3].Tuple[0].Name, qt.Equals, "amt")
	c.Assert(call.Args[4].Int.Int64(), qt.Equals, int64(-12))
}

func TestParseRejectsHostilePrincipalVersion(t *testing.T) {
	c := qt.New(t)
	// c32 has 32 digits; a larger version byte has no address rendering and
	// must be refused at parse time, not when the address is formatted
	for _, version := range []byte{32, 0x7f, 0xff} {
		tx, err := NewTokenTransfer(TransactionVersionTestnet, ChainIDTestnet, true,
			Principal{Version: version}, 1000, "")
		c.Assert(err, qt.IsNil)
		c.Assert(tx.SignOrigin(testKey(c, 1)), qt.IsNil)

		_, err = ParseTransaction(tx.Serialize())
		c.Assert(err, qt.ErrorMatches, ".*invalid principal version byte.*")
	}
}

func TestClarityDepthLimit(t *testing.T) {
	c := qt.New(t)

	wrap := func(levels int) []byte {
		raw := make([]byte, 0, levels+1)
		for i := 0; i < levels; i++ {
			raw = append(raw, ClarityTypeOptionalSome)
		}
		return append(raw, ClarityTypeBoolTrue)
	}

	_, err := readClarityValue(&txReader{data: wrap(maxClarityDepth)})
	c.Assert(err, qt.IsNil)

	_, err = readClarityValue(&txReader{data: wrap(maxClarityDepth + 1)})
	c.Assert(err, qt.ErrorMatches, ".*nested deeper than.*")
}

func TestSenderAddressMatchesKey(t *testing.T) {
	c := qt.New(t)
	agent := testKey(c, 1)
	tx := sponsoredTransfer(c, agent, 1)
	c.Assert(tx.SenderAddress(), qt.Equals, AddressFromPubKey(agent.PubKey(), TransactionVersionTestnet))
}

func ptr[T any](v T) *T { return &v }
