package stacks

import (
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestEncodeAddressBurnVectors(t *testing.T) {
	c := qt.New(t)
	var zero [20]byte
	c.Assert(EncodeAddress(AddressVersionMainnet, zero), qt.Equals, "SP000000000000000000002Q6VF78")
	c.Assert(EncodeAddress(AddressVersionTestnet, zero), qt.Equals, "ST000000000000000000002AMW42H")
}

func TestDecodeAddressRoundTrip(t *testing.T) {
	c := qt.New(t)
	var hash [20]byte
	for i := range hash {
		hash[i] = byte(i*7 + 1)
	}
	for _, version := range []byte{AddressVersionMainnet, AddressVersionTestnet} {
		addr := EncodeAddress(version, hash)
		gotVersion, gotHash, err := DecodeAddress(addr)
		c.Assert(err, qt.IsNil)
		c.Assert(gotVersion, qt.Equals, version)
		c.Assert(gotHash, qt.Equals, hash)
	}
}

func TestDecodeAddressCaseInsensitive(t *testing.T) {
	c := qt.New(t)
	version, hash, err := DecodeAddress("sp000000000000000000002q6vf78")
	c.Assert(err, qt.IsNil)
	c.Assert(version, qt.Equals, byte(AddressVersionMainnet))
	c.Assert(hash, qt.Equals, [20]byte{})
}

func TestDecodeAddressRejectsBadChecksum(t *testing.T) {
	c := qt.New(t)
	_, _, err := DecodeAddress("SP000000000000000000002Q6VF79")
	c.Assert(err, qt.IsNotNil)

	_, _, err = DecodeAddress("")
	c.Assert(err, qt.IsNotNil)

	_, _, err = DecodeAddress("XP000000000000000000002Q6VF78")
	c.Assert(err, qt.IsNotNil)
}

func TestC32EncodePreservesLeadingZeros(t *testing.T) {
	c := qt.New(t)
	c.Assert(c32Encode([]byte{0x00, 0x01}), qt.Equals, "01")
	c.Assert(c32Encode([]byte{0x01, 0x00}), qt.Equals, "80")
	c.Assert(c32Encode([]byte{0x00}), qt.Equals, "0")

	decoded, err := c32Decode("01")
	c.Assert(err, qt.IsNil)
	c.Assert(decoded, qt.DeepEquals, []byte{0x00, 0x01})
}
