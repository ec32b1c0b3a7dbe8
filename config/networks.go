// Package config holds the static network tables of the relay: chain
// parameters, indexer and explorer endpoints, and the allow-list of token
// contracts whose transfers the settlement engine can verify.
package config

import (
	"fmt"
	"strings"

	"github.com/aibtcdev/x402-sponsor-relay-sub000/stacks"
	"github.com/aibtcdev/x402-sponsor-relay-sub000/types"
)

// Network bundles the chain parameters of one Stacks network.
type Network struct {
	Name           string
	TxVersion      byte
	ChainID        uint32
	AddressVersion byte
	IndexerBaseURL string
	explorerTxURL  string
}

// DefaultNetworks are the supported networks keyed by name.
var DefaultNetworks = map[string]Network{
	"mainnet": {
		Name:           "mainnet",
		TxVersion:      stacks.TransactionVersionMainnet,
		ChainID:        stacks.ChainIDMainnet,
		AddressVersion: stacks.AddressVersionMainnet,
		IndexerBaseURL: "https://api.hiro.so",
		explorerTxURL:  "https://explorer.hiro.so/txid/%s?chain=mainnet",
	},
	"testnet": {
		Name:           "testnet",
		TxVersion:      stacks.TransactionVersionTestnet,
		ChainID:        stacks.ChainIDTestnet,
		AddressVersion: stacks.AddressVersionTestnet,
		IndexerBaseURL: "https://api.testnet.hiro.so",
		explorerTxURL:  "https://explorer.hiro.so/txid/%s?chain=testnet",
	},
}

// NetworkByName returns the named network.
func NetworkByName(name string) (Network, error) {
	network, ok := DefaultNetworks[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Network{}, fmt.Errorf("unknown network %q (supported: mainnet, testnet)", name)
	}
	return network, nil
}

// ExplorerTxURL renders the explorer link for a txid.
func (n Network) ExplorerTxURL(txid string) string {
	return fmt.Sprintf(n.explorerTxURL, "0x"+strings.TrimPrefix(txid, "0x"))
}

// CAIP2 renders the network identifier used by the facilitator endpoints,
// e.g. "stacks:1".
func (n Network) CAIP2() string {
	return fmt.Sprintf("stacks:%d", n.ChainID&0x7fffffff)
}

// tokenContracts maps contract principals to the token type they settle,
// per network. Contracts not listed here are rejected by the settlement
// engine.
var tokenContracts = map[string]map[string]types.TokenType{
	"mainnet": {
		"SM3VDXK3WZZSA84XXFKAFAF15NNZX32CTSG82JFQ4.sbtc-token": types.TokenBridgedBTC,
		"SP3Y2ZSH8P7D50B0VBTSX11S7XSG24M1VB9YFQA4K.token-aeusdc": types.TokenStablecoin,
	},
	"testnet": {
		"ST1F7QA2MDF17S807EPA36TSS8AMEFY4KA9TVGWXT.sbtc-token": types.TokenBridgedBTC,
		"ST1PQHQKV0RJXZFY1DGX8MNSNYVE3VGZJSRTPGZGM.token-aeusdc": types.TokenStablecoin,
	},
}

// TokenTypeForContract resolves a contract principal ("ADDR.name") against
// the network's allow-list. The address part compares case-insensitively.
func (n Network) TokenTypeForContract(contractID string) (types.TokenType, bool) {
	for id, tokenType := range tokenContracts[n.Name] {
		if strings.EqualFold(id, contractID) {
			return tokenType, true
		}
	}
	return "", false
}

// ContractForTokenType returns the allow-listed contract principal of a
// token type, used by the facilitator discovery document.
func (n Network) ContractForTokenType(tokenType types.TokenType) (string, bool) {
	for id, tt := range tokenContracts[n.Name] {
		if tt == tokenType {
			return id, true
		}
	}
	return "", false
}
