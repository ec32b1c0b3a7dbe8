package types

import (
	"fmt"
	"math/big"
	"strings"
)

// TokenType names the payment assets the relay can verify.
type TokenType string

const (
	TokenNative     TokenType = "native"
	TokenBridgedBTC TokenType = "bridgedBTC"
	TokenStablecoin TokenType = "stablecoin"
)

// SupportedTokenTypes is the closed set accepted in settle options.
var SupportedTokenTypes = []TokenType{TokenNative, TokenBridgedBTC, TokenStablecoin}

// SettleOptions declares the payment requirements a submitted transaction
// claims to satisfy. MinAmount is a non-negative integer string in the
// token's smallest unit.
type SettleOptions struct {
	ExpectedRecipient string    `json:"expectedRecipient" cbor:"0,keyasint"`
	MinAmount         string    `json:"minAmount" cbor:"1,keyasint"`
	TokenType         TokenType `json:"tokenType,omitempty" cbor:"2,keyasint,omitempty"`
	ExpectedSender    string    `json:"expectedSender,omitempty" cbor:"3,keyasint,omitempty"`
	Resource          string    `json:"resource,omitempty" cbor:"4,keyasint,omitempty"`
	Method            string    `json:"method,omitempty" cbor:"5,keyasint,omitempty"`
	MaxTimeoutSeconds int       `json:"maxTimeoutSeconds,omitempty" cbor:"6,keyasint,omitempty"`
}

// Normalized returns a copy with the token type defaulted to native.
func (o SettleOptions) Normalized() SettleOptions {
	if o.TokenType == "" {
		o.TokenType = TokenNative
	}
	return o
}

// MinAmountInt parses MinAmount as a non-negative big integer.
func (o SettleOptions) MinAmountInt() (*big.Int, error) {
	trimmed := strings.TrimSpace(o.MinAmount)
	if trimmed == "" {
		return nil, fmt.Errorf("minAmount is required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("minAmount %q is not a non-negative integer", o.MinAmount)
	}
	return amount, nil
}
