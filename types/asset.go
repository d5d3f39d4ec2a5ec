package types

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

func (a Asset) Token(chain string) (Token, bool) {
	t, ok := a.Tokens[chain]
	return t, ok
}

// IsNative reports whether the asset is the chain's own coin rather than a token contract
func (a Asset) IsNative(ch Chain) bool {
	return strings.EqualFold(a.Symbol, ch.NativeSymbol)
}

func FindAsset(assets []Asset, symbol string) (Asset, bool) {
	for _, a := range assets {
		if strings.EqualFold(a.Symbol, symbol) {
			return a, true
		}
	}
	return Asset{}, false
}

// ToBaseUnits converts a human amount to the token's smallest unit, truncating extra precision
func ToBaseUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}

func FromBaseUnits(v *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(v, -decimals)
}

// BridgeContract is the contract that pulls tokens on the source chain for the protocol
func (c Chain) BridgeContract(p Protocol) string {
	switch p {
	case ProtocolWormhole:
		return c.WormholeTokenBridge
	case ProtocolCCTP:
		return c.CCTPTokenMessenger
	case ProtocolNative:
		return c.NativeBridge
	}
	return ""
}
