package protocols

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"goxbridge/EVMRPC"
	"goxbridge/chain"
	"goxbridge/types"
)

const nativeJSON = `[
	{"inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"destinationChainId","type":"uint256"},{"name":"recipient","type":"bytes32"}],"name":"burn","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"token","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"},{"name":"sourceTxHash","type":"bytes32"}],"name":"mint","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

var nativeABI = EVMRPC.MustParseABI(nativeJSON)

// ConfirmationDepth treats a transaction as final once the chain's configured
// number of blocks sit on top of it.
type ConfirmationDepth struct{}

type depthProof struct {
	TxHash        string `json:"txHash"`
	Block         uint64 `json:"block"`
	Confirmations uint64 `json:"confirmations"`
}

func (ConfirmationDepth) Check(_ context.Context, src Source) ([]byte, error) {
	r := src.Receipt
	if src.Head < r.BlockNumber {
		return nil, ErrNotFinal
	}
	depth := src.Head - r.BlockNumber + 1
	if depth < src.Chain.Confirmations {
		return nil, ErrNotFinal
	}
	return json.Marshal(depthProof{TxHash: r.TxHash, Block: r.BlockNumber, Confirmations: depth})
}

// Native burns with the issuer's bridge on the source chain and mints with the
// issuer's bridge on the destination once the burn is deep enough.
type Native struct{}

func NewNative() *Native {
	return &Native{}
}

func (n *Native) Protocol() types.Protocol {
	return types.ProtocolNative
}

func (n *Native) Spender(src types.Chain) string {
	return src.NativeBridge
}

func (n *Native) Finality() FinalityPolicy {
	return ConfirmationDepth{}
}

func (n *Native) Lock(t *types.Transfer, src, dst Leg) (chain.Call, error) {
	if !src.Chain.IsEVM() || !dst.Chain.IsEVM() {
		return chain.Call{}, unsupportedLeg(types.ProtocolNative, src.Chain)
	}
	if src.Chain.NativeBridge == "" {
		return chain.Call{}, missingContract(src.Chain, "native bridge")
	}
	recipient, err := Address32(dst.Chain, t.RecipientAddress)
	if err != nil {
		return chain.Call{}, err
	}
	amount, err := BaseAmount(t, src)
	if err != nil {
		return chain.Call{}, err
	}
	data, err := nativeABI.Pack("burn", common.HexToAddress(src.Token.Address), amount, big.NewInt(dst.Chain.ChainID), recipient)
	return chain.Call{To: src.Chain.NativeBridge, Data: data}, err
}

func (n *Native) Release(t *types.Transfer, src, dst Leg, payload []byte) (chain.Call, error) {
	if !dst.Chain.IsEVM() {
		return chain.Call{}, unsupportedLeg(types.ProtocolNative, dst.Chain)
	}
	if dst.Chain.NativeBridge == "" {
		return chain.Call{}, missingContract(dst.Chain, "native bridge")
	}
	var proof depthProof
	if err := json.Unmarshal(payload, &proof); err != nil {
		return chain.Call{}, fmt.Errorf("invalid confirmation proof: %w", err)
	}
	amount, err := BaseAmount(t, dst)
	if err != nil {
		return chain.Call{}, err
	}
	data, err := nativeABI.Pack("mint", common.HexToAddress(dst.Token.Address), common.HexToAddress(t.RecipientAddress), amount, common.HexToHash(proof.TxHash))
	return chain.Call{To: dst.Chain.NativeBridge, Data: data}, err
}
