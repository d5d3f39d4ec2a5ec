package protocols

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"goxbridge/EVMRPC"
	"goxbridge/chain"
	"goxbridge/config"
	"goxbridge/types"
)

const wormholeJSON = `[
	{"inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"recipientChain","type":"uint16"},{"name":"recipient","type":"bytes32"},{"name":"arbiterFee","type":"uint256"},{"name":"nonce","type":"uint32"}],"name":"transferTokens","outputs":[{"name":"sequence","type":"uint64"}],"stateMutability":"payable","type":"function"},
	{"inputs":[{"name":"recipientChain","type":"uint16"},{"name":"recipient","type":"bytes32"},{"name":"arbiterFee","type":"uint256"},{"name":"nonce","type":"uint32"}],"name":"wrapAndTransferETH","outputs":[{"name":"sequence","type":"uint64"}],"stateMutability":"payable","type":"function"},
	{"inputs":[{"name":"encodedVm","type":"bytes"}],"name":"completeTransfer","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"encodedVm","type":"bytes"}],"name":"completeTransferAndUnwrapETH","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"sender","type":"address"},{"indexed":false,"name":"sequence","type":"uint64"},{"indexed":false,"name":"nonce","type":"uint32"},{"indexed":false,"name":"payload","type":"bytes"},{"indexed":false,"name":"consistencyLevel","type":"uint8"}],"name":"LogMessagePublished","type":"event"}
]`

var wormholeABI = EVMRPC.MustParseABI(wormholeJSON)

const (
	vaaHeaderLen    = 6
	vaaSignatureLen = 66
	solanaSeqPrefix = "Program log: Sequence: "
)

// Wormhole locks on the source token bridge, waits for a guardian-signed VAA
// and redeems it on the destination token bridge.
type Wormhole struct {
	guardians *GuardianClient
	quorum    int
	pacer     *Pacer
}

func NewWormhole(guardians *GuardianClient, quorum int, pacer *Pacer) *Wormhole {
	return &Wormhole{guardians: guardians, quorum: quorum, pacer: pacer}
}

func (w *Wormhole) Protocol() types.Protocol {
	return types.ProtocolWormhole
}

func (w *Wormhole) Spender(src types.Chain) string {
	return src.WormholeTokenBridge
}

func (w *Wormhole) Finality() FinalityPolicy {
	return w
}

func (w *Wormhole) Forget(id string) {
	w.pacer.Forget(id)
}

type wormholeIntent struct {
	Instruction    string `json:"instruction"`
	Mint           string `json:"mint,omitempty"`
	Amount         string `json:"amount,omitempty"`
	RecipientChain uint16 `json:"recipientChain,omitempty"`
	Recipient      string `json:"recipient,omitempty"`
	Nonce          uint32 `json:"nonce,omitempty"`
	VAA            []byte `json:"vaa,omitempty"`
}

func (w *Wormhole) Lock(t *types.Transfer, src, dst Leg) (chain.Call, error) {
	bridge := src.Chain.WormholeTokenBridge
	if bridge == "" {
		return chain.Call{}, missingContract(src.Chain, "wormhole token bridge")
	}
	if dst.Chain.WormholeChainID == 0 {
		return chain.Call{}, missingContract(dst.Chain, "wormhole chain id")
	}
	recipient, err := Address32(dst.Chain, t.RecipientAddress)
	if err != nil {
		return chain.Call{}, err
	}
	amount, err := BaseAmount(t, src)
	if err != nil {
		return chain.Call{}, err
	}
	nonce := crc32.ChecksumIEEE([]byte(t.ID))

	if !src.Chain.IsEVM() {
		data, err := json.Marshal(wormholeIntent{
			Instruction:    "transfer_tokens",
			Mint:           src.Token.Address,
			Amount:         amount.String(),
			RecipientChain: dst.Chain.WormholeChainID,
			Recipient:      hex.EncodeToString(recipient[:]),
			Nonce:          nonce,
		})
		return chain.Call{To: bridge, Data: data}, err
	}

	if src.Native {
		data, err := wormholeABI.Pack("wrapAndTransferETH", dst.Chain.WormholeChainID, recipient, big.NewInt(0), nonce)
		return chain.Call{To: bridge, Data: data, Value: amount}, err
	}
	data, err := wormholeABI.Pack("transferTokens", common.HexToAddress(src.Token.Address), amount, dst.Chain.WormholeChainID, recipient, big.NewInt(0), nonce)
	return chain.Call{To: bridge, Data: data}, err
}

// Check fetches the VAA for the message the source transaction published and
// accepts it once it carries a guardian quorum.
func (w *Wormhole) Check(ctx context.Context, src Source) ([]byte, error) {
	sequence, emitter, err := w.message(src)
	if err != nil {
		return nil, err
	}
	if !w.pacer.Allow(src.Transfer.ID) {
		return nil, ErrNotFinal
	}
	vaa, err := w.guardians.SignedVAA(ctx, src.Chain.WormholeChainID, emitter, sequence)
	if err != nil {
		return nil, err
	}
	if err := VerifyQuorum(vaa, w.quorum); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFinal, err)
	}
	w.pacer.Forget(src.Transfer.ID)
	return vaa, nil
}

// message finds the sequence and emitter of the LogMessagePublished event
func (w *Wormhole) message(src Source) (uint64, string, error) {
	r := src.Receipt
	if src.Chain.IsEVM() {
		for _, l := range r.Logs {
			if len(l.Topics) < 2 || !strings.EqualFold(l.Topics[0], config.WORMHOLE_LOG_MESSAGE_PUBLISHED) {
				continue
			}
			if src.Chain.WormholeCore != "" && !sameAddress(l.Address, src.Chain.WormholeCore) {
				continue
			}
			values, err := wormholeABI.Unpack("LogMessagePublished", l.Data)
			if err != nil || len(values) == 0 {
				return 0, "", noMessage("LogMessagePublished", r.TxHash)
			}
			sequence, ok := values[0].(uint64)
			if !ok {
				return 0, "", noMessage("LogMessagePublished", r.TxHash)
			}
			return sequence, strings.ToLower(strings.TrimPrefix(l.Topics[1], "0x")), nil
		}
		return 0, "", noMessage("LogMessagePublished", r.TxHash)
	}

	if src.Chain.WormholeEmitter == "" {
		return 0, "", missingContract(src.Chain, "wormhole emitter")
	}
	for _, msg := range r.Messages {
		if !strings.HasPrefix(msg, solanaSeqPrefix) {
			continue
		}
		sequence, err := strconv.ParseUint(strings.TrimSpace(strings.TrimPrefix(msg, solanaSeqPrefix)), 10, 64)
		if err != nil {
			continue
		}
		return sequence, src.Chain.WormholeEmitter, nil
	}
	return 0, "", noMessage("wormhole sequence", r.TxHash)
}

// VerifyQuorum checks the VAA header and that it carries at least quorum guardian signatures
func VerifyQuorum(vaa []byte, quorum int) error {
	if len(vaa) < vaaHeaderLen {
		return fmt.Errorf("vaa too short: %d bytes", len(vaa))
	}
	if vaa[0] != 1 {
		return fmt.Errorf("unsupported vaa version %d", vaa[0])
	}
	signatures := int(vaa[5])
	if len(vaa) < vaaHeaderLen+signatures*vaaSignatureLen {
		return fmt.Errorf("vaa truncated: %d signatures in %d bytes", signatures, len(vaa))
	}
	if signatures < quorum {
		return fmt.Errorf("vaa has %d guardian signatures, quorum is %d", signatures, quorum)
	}
	return nil
}

func (w *Wormhole) Release(t *types.Transfer, src, dst Leg, payload []byte) (chain.Call, error) {
	bridge := dst.Chain.WormholeTokenBridge
	if bridge == "" {
		return chain.Call{}, missingContract(dst.Chain, "wormhole token bridge")
	}
	if !dst.Chain.IsEVM() {
		data, err := json.Marshal(wormholeIntent{Instruction: "complete_transfer", VAA: payload})
		return chain.Call{To: bridge, Data: data}, err
	}
	method := "completeTransfer"
	if dst.Native {
		method = "completeTransferAndUnwrapETH"
	}
	data, err := wormholeABI.Pack(method, payload)
	return chain.Call{To: bridge, Data: data}, err
}
