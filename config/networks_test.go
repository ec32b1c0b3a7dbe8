package config

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/aibtcdev/x402-sponsor-relay-sub000/types"
)

func TestNetworkByName(t *testing.T) {
	c := qt.New(t)

	mainnet, err := NetworkByName("mainnet")
	c.Assert(err, qt.IsNil)
	c.Assert(mainnet.ChainID, qt.Equals, uint32(0x00000001))

	// name lookup is trimmed and case-insensitive
	testnet, err := NetworkByName("  Testnet ")
	c.Assert(err, qt.IsNil)
	c.Assert(testnet.Name, qt.Equals, "testnet")

	_, err = NetworkByName("devnet")
	c.Assert(err, qt.ErrorMatches, `unknown network .*`)
}

func TestCAIP2(t *testing.T) {
	c := qt.New(t)
	mainnet := DefaultNetworks["mainnet"]
	testnet := DefaultNetworks["testnet"]
	c.Assert(mainnet.CAIP2(), qt.Equals, "stacks:1")
	// the testnet chain id has the high bit set, which CAIP-2 drops
	c.Assert(testnet.CAIP2(), qt.Equals, "stacks:0")
}

func TestExplorerTxURL(t *testing.T) {
	c := qt.New(t)
	testnet := DefaultNetworks["testnet"]
	want := "https://explorer.hiro.so/txid/0xabcd?chain=testnet"
	c.Assert(testnet.ExplorerTxURL("abcd"), qt.Equals, want)
	c.Assert(testnet.ExplorerTxURL("0xabcd"), qt.Equals, want)
}

func TestTokenTypeForContract(t *testing.T) {
	c := qt.New(t)
	mainnet := DefaultNetworks["mainnet"]

	tokenType, ok := mainnet.TokenTypeForContract("SM3VDXK3WZZSA84XXFKAFAF15NNZX32CTSG82JFQ4.sbtc-token")
	c.Assert(ok, qt.IsTrue)
	c.Assert(tokenType, qt.Equals, types.TokenBridgedBTC)

	// address part is case-insensitive
	_, ok = mainnet.TokenTypeForContract("sm3vdxk3wzzsa84xxfkafaf15nnzx32ctsg82jfq4.sbtc-token")
	c.Assert(ok, qt.IsTrue)

	_, ok = mainnet.TokenTypeForContract("SM3VDXK3WZZSA84XXFKAFAF15NNZX32CTSG82JFQ4.unlisted")
	c.Assert(ok, qt.IsFalse)

	contract, ok := mainnet.ContractForTokenType(types.TokenStablecoin)
	c.Assert(ok, qt.IsTrue)
	c.Assert(contract, qt.Equals, "SP3Y2ZSH8P7D50B0VBTSX11S7XSG24M1VB9YFQA4K.token-aeusdc")
}
