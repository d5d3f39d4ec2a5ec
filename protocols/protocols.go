// Package protocols implements the per-protocol transfer sub-procedures: the
// source lock or burn call, the finality policy that produces the attestation
// payload, and the destination release or mint call.
package protocols

import (
	"context"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"goxbridge/SOLRPC"
	"goxbridge/chain"
	"goxbridge/types"
)

// ErrNotFinal means the source transaction has no usable attestation yet
var ErrNotFinal = errors.New("source transaction not final yet")

// Source is what a finality policy knows about the source transaction
type Source struct {
	Transfer *types.Transfer
	Chain    types.Chain
	Receipt  *chain.Receipt
	Head     uint64
}

// FinalityPolicy decides when a source transaction is final and returns the
// opaque payload proving it. ErrNotFinal until then.
type FinalityPolicy interface {
	Check(ctx context.Context, src Source) ([]byte, error)
}

// Leg is one side of a transfer, resolved against configuration
type Leg struct {
	Chain types.Chain
	Token types.Token
	// the chain's own coin, no token contract involved
	Native bool
}

type Procedure interface {
	Protocol() types.Protocol
	// Spender is the contract the sender must approve on the source chain
	Spender(src types.Chain) string
	Lock(t *types.Transfer, src, dst Leg) (chain.Call, error)
	Finality() FinalityPolicy
	Release(t *types.Transfer, src, dst Leg, payload []byte) (chain.Call, error)
}

type Registry map[types.Protocol]Procedure

func NewRegistry(procs ...Procedure) Registry {
	r := make(Registry, len(procs))
	for _, p := range procs {
		r[p.Protocol()] = p
	}
	return r
}

// Forget drops per-transfer polling state once the transfer is terminal
func (r Registry) Forget(id string) {
	for _, p := range r {
		if f, ok := p.Finality().(interface{ Forget(id string) }); ok {
			f.Forget(id)
		}
	}
}

func (r Registry) Get(p types.Protocol) (Procedure, error) {
	proc, ok := r[p]
	if !ok {
		return nil, types.NewError(types.CodeRouteNotSupported, "protocol %s is not available", p)
	}
	return proc, nil
}

// BaseAmount converts the transfer amount to the leg's smallest unit
func BaseAmount(t *types.Transfer, leg Leg) (*big.Int, error) {
	amount, err := decimal.NewFromString(t.Amount)
	if err != nil {
		return nil, types.WrapError(types.CodeInvalidAmount, err, "invalid amount %q", t.Amount)
	}
	return types.ToBaseUnits(amount, leg.Token.Decimals), nil
}

// Address32 left pads an EVM address or decodes a Solana public key
func Address32(ch types.Chain, addr string) ([32]byte, error) {
	var res [32]byte
	if ch.IsEVM() {
		if !common.IsHexAddress(addr) {
			return res, types.NewError(types.CodeInvalidRequest, "invalid %s address %q", ch.Key, addr)
		}
		copy(res[:], common.LeftPadBytes(common.HexToAddress(addr).Bytes(), 32))
		return res, nil
	}
	res, err := SOLRPC.DecodeAddress(addr)
	if err != nil {
		return res, types.WrapError(types.CodeInvalidRequest, err, "invalid %s address %q", ch.Key, addr)
	}
	return res, nil
}

func sameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimPrefix(a, "0x"), strings.TrimPrefix(b, "0x"))
}

func missingContract(ch types.Chain, what string) error {
	return types.NewError(types.CodeRouteNotSupported, "no %s configured on %s", what, ch.Key)
}

func noMessage(what string, txHash string) error {
	return types.NewError(types.CodeSourceSubmissionFailed, "%s not found in source transaction %s", what, txHash)
}

func unsupportedLeg(p types.Protocol, ch types.Chain) error {
	return types.WrapError(types.CodeRouteNotSupported, chain.ErrUnsupported, "%s is not available on %s", p, ch.Key)
}
