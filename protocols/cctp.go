package protocols

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"goxbridge/EVMRPC"
	"goxbridge/chain"
	"goxbridge/types"
)

const cctpJSON = `[
	{"inputs":[{"name":"amount","type":"uint256"},{"name":"destinationDomain","type":"uint32"},{"name":"mintRecipient","type":"bytes32"},{"name":"burnToken","type":"address"}],"name":"depositForBurn","outputs":[{"name":"_nonce","type":"uint64"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"message","type":"bytes"},{"name":"attestation","type":"bytes"}],"name":"receiveMessage","outputs":[{"name":"success","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":false,"name":"message","type":"bytes"}],"name":"MessageSent","type":"event"}
]`

var cctpABI = EVMRPC.MustParseABI(cctpJSON)

// CCTP burns on the source token messenger, waits for Circle's attestation of
// the emitted message and mints through the destination message transmitter.
type CCTP struct {
	circle *CircleClient
	pacer  *Pacer
}

// what the destination transmitter needs, kept as the attestation payload
type cctpPayload struct {
	Message     []byte `json:"message"`
	Attestation []byte `json:"attestation"`
}

type cctpIntent struct {
	Instruction       string `json:"instruction"`
	Mint              string `json:"mint,omitempty"`
	Amount            string `json:"amount,omitempty"`
	DestinationDomain uint32 `json:"destinationDomain,omitempty"`
	MintRecipient     string `json:"mintRecipient,omitempty"`
	Message           []byte `json:"message,omitempty"`
	Attestation       []byte `json:"attestation,omitempty"`
}

func NewCCTP(circle *CircleClient, pacer *Pacer) *CCTP {
	return &CCTP{circle: circle, pacer: pacer}
}

func (c *CCTP) Protocol() types.Protocol {
	return types.ProtocolCCTP
}

func (c *CCTP) Spender(src types.Chain) string {
	return src.CCTPTokenMessenger
}

func (c *CCTP) Finality() FinalityPolicy {
	return c
}

func (c *CCTP) Forget(id string) {
	c.pacer.Forget(id)
}

func (c *CCTP) Lock(t *types.Transfer, src, dst Leg) (chain.Call, error) {
	messenger := src.Chain.CCTPTokenMessenger
	if messenger == "" || dst.Chain.CCTPTransmitter == "" {
		return chain.Call{}, missingContract(src.Chain, "cctp token messenger")
	}
	if src.Native {
		return chain.Call{}, types.NewError(types.CodeRouteNotSupported, "cctp moves tokens only")
	}
	recipient, err := Address32(dst.Chain, t.RecipientAddress)
	if err != nil {
		return chain.Call{}, err
	}
	amount, err := BaseAmount(t, src)
	if err != nil {
		return chain.Call{}, err
	}

	if !src.Chain.IsEVM() {
		data, err := json.Marshal(cctpIntent{
			Instruction:       "deposit_for_burn",
			Mint:              src.Token.Address,
			Amount:            amount.String(),
			DestinationDomain: dst.Chain.CCTPDomain,
			MintRecipient:     common.Bytes2Hex(recipient[:]),
		})
		return chain.Call{To: messenger, Data: data}, err
	}
	data, err := cctpABI.Pack("depositForBurn", amount, dst.Chain.CCTPDomain, recipient, common.HexToAddress(src.Token.Address))
	return chain.Call{To: messenger, Data: data}, err
}

// Check hashes the MessageSent payload and asks the attestation service for it
func (c *CCTP) Check(ctx context.Context, src Source) ([]byte, error) {
	if !src.Chain.IsEVM() {
		return nil, unsupportedLeg(types.ProtocolCCTP, src.Chain)
	}
	event := cctpABI.Events["MessageSent"]
	var message []byte
	for _, l := range src.Receipt.Logs {
		if len(l.Topics) == 0 || common.HexToHash(l.Topics[0]) != event.ID {
			continue
		}
		if src.Chain.CCTPTransmitter != "" && !sameAddress(l.Address, src.Chain.CCTPTransmitter) {
			continue
		}
		values, err := cctpABI.Unpack("MessageSent", l.Data)
		if err != nil || len(values) != 1 {
			return nil, noMessage("MessageSent", src.Receipt.TxHash)
		}
		msg, ok := values[0].([]byte)
		if !ok {
			return nil, noMessage("MessageSent", src.Receipt.TxHash)
		}
		message = msg
		break
	}
	if message == nil {
		return nil, noMessage("MessageSent", src.Receipt.TxHash)
	}

	if !c.pacer.Allow(src.Transfer.ID) {
		return nil, ErrNotFinal
	}
	attestation, err := c.circle.Attestation(ctx, crypto.Keccak256Hash(message).Hex())
	if err != nil {
		return nil, err
	}
	c.pacer.Forget(src.Transfer.ID)
	return json.Marshal(cctpPayload{Message: message, Attestation: attestation})
}

func (c *CCTP) Release(t *types.Transfer, src, dst Leg, payload []byte) (chain.Call, error) {
	transmitter := dst.Chain.CCTPTransmitter
	if transmitter == "" {
		return chain.Call{}, missingContract(dst.Chain, "cctp message transmitter")
	}
	var p cctpPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return chain.Call{}, fmt.Errorf("invalid cctp payload: %w", err)
	}
	if !dst.Chain.IsEVM() {
		data, err := json.Marshal(cctpIntent{Instruction: "receive_message", Message: p.Message, Attestation: p.Attestation})
		return chain.Call{To: transmitter, Data: data}, err
	}
	data, err := cctpABI.Pack("receiveMessage", p.Message, p.Attestation)
	return chain.Call{To: transmitter, Data: data}, err
}
