package service

import (
	"testing"

	qt "github.com/frankban/quicktest"
)

// BIP-39 test vector mnemonic.
const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestSponsorKeysFromMnemonic(t *testing.T) {
	c := qt.New(t)
	keys, err := sponsorKeys(&Config{Mnemonic: testMnemonic, WalletCount: 3})
	c.Assert(err, qt.IsNil)
	c.Assert(keys, qt.HasLen, 3)
	c.Assert(keys[0].Serialize(), qt.Not(qt.DeepEquals), keys[1].Serialize())
}

func TestSponsorKeysFromPrivateKey(t *testing.T) {
	c := qt.New(t)
	keys, err := sponsorKeys(&Config{
		PrivateKey: "0000000000000000000000000000000000000000000000000000000000000001",
	})
	c.Assert(err, qt.IsNil)
	c.Assert(keys, qt.HasLen, 1)

	_, err = sponsorKeys(&Config{
		PrivateKey:  "0000000000000000000000000000000000000000000000000000000000000001",
		WalletCount: 2,
	})
	c.Assert(err, qt.ErrorMatches, "multiple wallets require a mnemonic")
}

func TestSponsorKeysValidation(t *testing.T) {
	c := qt.New(t)
	_, err := sponsorKeys(&Config{})
	c.Assert(err, qt.ErrorMatches, "a sponsor mnemonic or private key is required")

	_, err = sponsorKeys(&Config{Mnemonic: "not a real mnemonic"})
	c.Assert(err, qt.ErrorMatches, "invalid mnemonic")

	_, err = sponsorKeys(&Config{Mnemonic: testMnemonic, WalletCount: MaxWallets + 1})
	c.Assert(err, qt.ErrorMatches, "wallet count .* exceeds the maximum of .*")
}
