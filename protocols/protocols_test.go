package protocols

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goxbridge/chain"
	"goxbridge/config"
	"goxbridge/types"
)

const (
	evmRecipient = "0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf"
	solRecipient = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
)

func chainByKey(t *testing.T, key string) types.Chain {
	for _, ch := range config.DefaultChains() {
		if ch.Key == key {
			return ch
		}
	}
	t.Fatalf("no chain %s", key)
	return types.Chain{}
}

func leg(t *testing.T, key, asset string) Leg {
	ch := chainByKey(t, key)
	a, ok := types.FindAsset(config.DefaultAssets(), asset)
	require.True(t, ok)
	tok, ok := a.Token(key)
	require.True(t, ok)
	return Leg{Chain: ch, Token: tok, Native: a.IsNative(ch)}
}

func transfer(src, dst, recipient string) *types.Transfer {
	return &types.Transfer{
		ID:               "6f1c2a9e-1b7f-4f0e-9a51-3c2f1d9d2b10",
		SourceChain:      src,
		DestinationChain: dst,
		Asset:            "USDC",
		Amount:           "100",
		RecipientAddress: recipient,
	}
}

// vaa builds a version 1 VAA header with n empty guardian signatures
func vaa(n int) []byte {
	b := make([]byte, vaaHeaderLen+n*vaaSignatureLen+10)
	b[0] = 1
	b[5] = byte(n)
	return b
}

func publishedLog(t *testing.T, core string, sequence uint64) chain.Log {
	ev := wormholeABI.Events["LogMessagePublished"]
	data, err := ev.Inputs.NonIndexed().Pack(sequence, uint32(7), []byte("payload"), uint8(1))
	require.NoError(t, err)
	return chain.Log{
		Address: core,
		Topics:  []string{config.WORMHOLE_LOG_MESSAGE_PUBLISHED, common.BytesToHash(common.HexToAddress(core).Bytes()).Hex()},
		Data:    data,
	}
}

func TestLogMessagePublishedTopic(t *testing.T) {
	assert.Equal(t, config.WORMHOLE_LOG_MESSAGE_PUBLISHED, wormholeABI.Events["LogMessagePublished"].ID.Hex())
}

func TestVerifyQuorum(t *testing.T) {
	tests := []struct {
		name    string
		vaa     []byte
		quorum  int
		wantErr bool
	}{
		{"quorum reached", vaa(13), 13, false},
		{"all guardians", vaa(19), 13, false},
		{"below quorum", vaa(12), 13, true},
		{"too short", []byte{1, 0, 0}, 13, true},
		{"wrong version", append([]byte{2}, vaa(13)[1:]...), 13, true},
		{"truncated signatures", vaa(13)[:vaaHeaderLen+5*vaaSignatureLen], 13, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyQuorum(tt.vaa, tt.quorum)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWormholeLockEVM(t *testing.T) {
	w := NewWormhole(nil, 13, nil)
	src, dst := leg(t, "ethereum", "USDC"), leg(t, "solana", "USDC")

	call, err := w.Lock(transfer("ethereum", "solana", solRecipient), src, dst)
	require.NoError(t, err)
	assert.Equal(t, src.Chain.WormholeTokenBridge, call.To)
	assert.Nil(t, call.Value)

	method := wormholeABI.Methods["transferTokens"]
	require.Equal(t, method.ID, call.Data[:4])
	args, err := method.Inputs.Unpack(call.Data[4:])
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(src.Token.Address), args[0])
	assert.Equal(t, big.NewInt(100_000_000), args[1])
	assert.Equal(t, uint16(1), args[2])
	want, err := Address32(dst.Chain, solRecipient)
	require.NoError(t, err)
	assert.Equal(t, want, args[3])
}

func TestWormholeLockNativeSendsValue(t *testing.T) {
	w := NewWormhole(nil, 13, nil)
	src, dst := leg(t, "ethereum", "ETH"), leg(t, "solana", "ETH")
	require.True(t, src.Native)

	tr := transfer("ethereum", "solana", solRecipient)
	tr.Amount = "1.5"
	call, err := w.Lock(tr, src, dst)
	require.NoError(t, err)
	assert.Equal(t, wormholeABI.Methods["wrapAndTransferETH"].ID, call.Data[:4])
	assert.Equal(t, "1500000000000000000", call.Value.String())
}

func TestWormholeLockSolanaIntent(t *testing.T) {
	w := NewWormhole(nil, 13, nil)
	src, dst := leg(t, "solana", "USDC"), leg(t, "ethereum", "USDC")

	call, err := w.Lock(transfer("solana", "ethereum", evmRecipient), src, dst)
	require.NoError(t, err)
	var intent wormholeIntent
	require.NoError(t, json.Unmarshal(call.Data, &intent))
	assert.Equal(t, "transfer_tokens", intent.Instruction)
	assert.Equal(t, "100000000", intent.Amount)
	assert.Equal(t, uint16(2), intent.RecipientChain)
	assert.Equal(t, src.Token.Address, intent.Mint)
}

func TestWormholeLockRejectsBadRecipient(t *testing.T) {
	w := NewWormhole(nil, 13, nil)
	_, err := w.Lock(transfer("ethereum", "solana", "0xnot-a-key"), leg(t, "ethereum", "USDC"), leg(t, "solana", "USDC"))
	require.Error(t, err)
	assert.Equal(t, types.CodeInvalidRequest, types.CodeOf(err, ""))
}

func guardianServer(t *testing.T, path string, body []byte, hits *int32) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		if r.URL.Path != path || body == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"vaaBytes": base64.StdEncoding.EncodeToString(body)})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWormholeCheckEVM(t *testing.T) {
	eth := chainByKey(t, "ethereum")
	emitter := common.BytesToHash(common.HexToAddress(eth.WormholeCore).Bytes()).Hex()[2:]
	signed := vaa(13)

	var hits int32
	srv := guardianServer(t, fmt.Sprintf("/v1/signed_vaa/2/%s/42", emitter), signed, &hits)
	w := NewWormhole(NewGuardianClient(srv.URL, time.Second), 13, NewPacer(time.Hour))

	src := Source{
		Transfer: transfer("ethereum", "solana", solRecipient),
		Chain:    eth,
		Receipt:  &chain.Receipt{TxHash: "0xabc", Success: true, Logs: []chain.Log{publishedLog(t, eth.WormholeCore, 42)}},
	}
	payload, err := w.Check(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, signed, payload)
	assert.EqualValues(t, 1, hits)
}

func TestWormholeCheckPacesPolls(t *testing.T) {
	eth := chainByKey(t, "ethereum")
	var hits int32
	srv := guardianServer(t, "/never", nil, &hits)
	w := NewWormhole(NewGuardianClient(srv.URL, time.Second), 13, NewPacer(time.Hour))

	src := Source{
		Transfer: transfer("ethereum", "solana", solRecipient),
		Chain:    eth,
		Receipt:  &chain.Receipt{Success: true, Logs: []chain.Log{publishedLog(t, eth.WormholeCore, 1)}},
	}
	for i := 0; i < 3; i++ {
		_, err := w.Check(context.Background(), src)
		assert.ErrorIs(t, err, ErrNotFinal)
	}
	assert.EqualValues(t, 1, hits)
}

func TestRegistryForgetReleasesPacing(t *testing.T) {
	pacer := NewPacer(time.Hour)
	w := NewWormhole(NewGuardianClient("http://guardian.invalid", time.Second), 13, pacer)
	c := NewCCTP(NewCircleClient("http://circle.invalid", time.Second), pacer)
	reg := NewRegistry(w, c, NewNative())

	assert.True(t, pacer.Allow("failed"))
	assert.False(t, pacer.Allow("failed"))
	assert.True(t, pacer.Allow("other"))

	reg.Forget("failed")
	assert.Len(t, pacer.limiters, 1)
	assert.True(t, pacer.Allow("failed"), "a forgotten transfer polls again at once")
}

func TestWormholeCheckBelowQuorumKeepsWaiting(t *testing.T) {
	eth := chainByKey(t, "ethereum")
	emitter := common.BytesToHash(common.HexToAddress(eth.WormholeCore).Bytes()).Hex()[2:]
	var hits int32
	srv := guardianServer(t, fmt.Sprintf("/v1/signed_vaa/2/%s/3", emitter), vaa(5), &hits)
	w := NewWormhole(NewGuardianClient(srv.URL, time.Second), 13, nil)

	_, err := w.Check(context.Background(), Source{
		Transfer: transfer("ethereum", "solana", solRecipient),
		Chain:    eth,
		Receipt:  &chain.Receipt{Success: true, Logs: []chain.Log{publishedLog(t, eth.WormholeCore, 3)}},
	})
	assert.ErrorIs(t, err, ErrNotFinal)
}

func TestWormholeCheckWithoutMessageFails(t *testing.T) {
	w := NewWormhole(nil, 13, nil)
	_, err := w.Check(context.Background(), Source{
		Transfer: transfer("ethereum", "solana", solRecipient),
		Chain:    chainByKey(t, "ethereum"),
		Receipt:  &chain.Receipt{TxHash: "0xabc", Success: true},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrSourceSubmissionFailed)
}

func TestWormholeCheckSolanaSequence(t *testing.T) {
	sol := chainByKey(t, "solana")
	var hits int32
	srv := guardianServer(t, fmt.Sprintf("/v1/signed_vaa/1/%s/981", sol.WormholeEmitter), vaa(13), &hits)
	w := NewWormhole(NewGuardianClient(srv.URL, time.Second), 13, nil)

	payload, err := w.Check(context.Background(), Source{
		Transfer: transfer("solana", "ethereum", evmRecipient),
		Chain:    sol,
		Receipt: &chain.Receipt{Success: true, Messages: []string{
			"Program worm2ZoG2kUd4vFXhvjh93UUH596ayRfgQ2MgjNMTth invoke [2]",
			"Program log: Sequence: 981",
		}},
	})
	require.NoError(t, err)
	assert.Len(t, payload, len(vaa(13)))
}

func TestGuardianServiceUnavailableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewGuardianClient(srv.URL, time.Second).SignedVAA(context.Background(), 2, "00", 1)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFinal)
	assert.True(t, chain.IsTransient(err))
}

func TestWormholeRelease(t *testing.T) {
	w := NewWormhole(nil, 13, nil)
	signed := vaa(13)

	call, err := w.Release(transfer("solana", "ethereum", evmRecipient), leg(t, "solana", "USDC"), leg(t, "ethereum", "USDC"), signed)
	require.NoError(t, err)
	method := wormholeABI.Methods["completeTransfer"]
	require.Equal(t, method.ID, call.Data[:4])
	args, err := method.Inputs.Unpack(call.Data[4:])
	require.NoError(t, err)
	assert.Equal(t, signed, args[0])

	call, err = w.Release(transfer("ethereum", "solana", solRecipient), leg(t, "ethereum", "USDC"), leg(t, "solana", "USDC"), signed)
	require.NoError(t, err)
	var intent wormholeIntent
	require.NoError(t, json.Unmarshal(call.Data, &intent))
	assert.Equal(t, "complete_transfer", intent.Instruction)
	assert.Equal(t, signed, intent.VAA)
}

func messageSentLog(t *testing.T, transmitter string, message []byte) chain.Log {
	ev := cctpABI.Events["MessageSent"]
	data, err := ev.Inputs.NonIndexed().Pack(message)
	require.NoError(t, err)
	return chain.Log{Address: transmitter, Topics: []string{ev.ID.Hex()}, Data: data}
}

func TestCCTPRoundTrip(t *testing.T) {
	eth := chainByKey(t, "ethereum")
	message := []byte("cctp message body")
	attestation := []byte{0xde, 0xad, 0xbe, 0xef}
	hash := crypto.Keccak256Hash(message).Hex()

	var polls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&polls, 1)
		assert.Equal(t, "/attestations/"+hash, r.URL.Path)
		if n == 1 {
			_ = json.NewEncoder(w).Encode(map[string]string{"attestation": "PENDING", "status": "pending_confirmations"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"attestation": hexutil.Encode(attestation), "status": "complete"})
	}))
	defer srv.Close()

	c := NewCCTP(NewCircleClient(srv.URL, time.Second), nil)
	src := Source{
		Transfer: transfer("ethereum", "polygon", evmRecipient),
		Chain:    eth,
		Receipt:  &chain.Receipt{Success: true, Logs: []chain.Log{messageSentLog(t, eth.CCTPTransmitter, message)}},
	}

	_, err := c.Check(context.Background(), src)
	require.ErrorIs(t, err, ErrNotFinal)

	payload, err := c.Check(context.Background(), src)
	require.NoError(t, err)

	dst := leg(t, "polygon", "USDC")
	call, err := c.Release(src.Transfer, leg(t, "ethereum", "USDC"), dst, payload)
	require.NoError(t, err)
	assert.Equal(t, dst.Chain.CCTPTransmitter, call.To)
	method := cctpABI.Methods["receiveMessage"]
	args, err := method.Inputs.Unpack(call.Data[4:])
	require.NoError(t, err)
	assert.Equal(t, message, args[0])
	assert.Equal(t, attestation, args[1])
}

func TestCCTPLock(t *testing.T) {
	c := NewCCTP(nil, nil)
	src, dst := leg(t, "ethereum", "USDC"), leg(t, "polygon", "USDC")

	call, err := c.Lock(transfer("ethereum", "polygon", evmRecipient), src, dst)
	require.NoError(t, err)
	assert.Equal(t, src.Chain.CCTPTokenMessenger, call.To)
	args, err := cctpABI.Methods["depositForBurn"].Inputs.Unpack(call.Data[4:])
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(100_000_000), args[0])
	assert.Equal(t, uint32(7), args[1])
	assert.Equal(t, common.HexToAddress(src.Token.Address), args[3])
}

func TestCCTPCheckNeedsMessage(t *testing.T) {
	c := NewCCTP(nil, nil)
	_, err := c.Check(context.Background(), Source{
		Transfer: transfer("ethereum", "polygon", evmRecipient),
		Chain:    chainByKey(t, "ethereum"),
		Receipt:  &chain.Receipt{Success: true},
	})
	assert.ErrorIs(t, err, types.ErrSourceSubmissionFailed)
}

func TestConfirmationDepth(t *testing.T) {
	bsc := chainByKey(t, "bsc")
	r := &chain.Receipt{TxHash: "0x01", BlockNumber: 100, Success: true}
	tests := []struct {
		head  uint64
		final bool
	}{
		{99, false},
		{100, false},
		{113, false},
		{114, true},
		{200, true},
	}
	for _, tt := range tests {
		payload, err := ConfirmationDepth{}.Check(context.Background(), Source{Chain: bsc, Receipt: r, Head: tt.head})
		if !tt.final {
			assert.ErrorIs(t, err, ErrNotFinal, "head %d", tt.head)
			continue
		}
		require.NoError(t, err, "head %d", tt.head)
		var proof depthProof
		require.NoError(t, json.Unmarshal(payload, &proof))
		assert.Equal(t, tt.head-99, proof.Confirmations)
	}
}

func TestNativeBurnAndMint(t *testing.T) {
	n := NewNative()
	src, dst := leg(t, "ethereum", "USDC"), leg(t, "bsc", "USDC")
	src.Chain.NativeBridge = "0x1111111111111111111111111111111111111111"
	dst.Chain.NativeBridge = "0x2222222222222222222222222222222222222222"
	tr := transfer("ethereum", "bsc", evmRecipient)

	call, err := n.Lock(tr, src, dst)
	require.NoError(t, err)
	args, err := nativeABI.Methods["burn"].Inputs.Unpack(call.Data[4:])
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(56), args[2])

	proof, err := json.Marshal(depthProof{TxHash: "0x" + common.Bytes2Hex(make([]byte, 31)) + "09", Block: 10, Confirmations: 12})
	require.NoError(t, err)
	call, err = n.Release(tr, src, dst, proof)
	require.NoError(t, err)
	assert.Equal(t, dst.Chain.NativeBridge, call.To)
	args, err = nativeABI.Methods["mint"].Inputs.Unpack(call.Data[4:])
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(evmRecipient), args[1])
	// bsc USDC has 18 decimals
	assert.Equal(t, "100000000000000000000", args[2].(*big.Int).String())
}

func TestNativeWithoutBridgeIsUnsupported(t *testing.T) {
	_, err := NewNative().Lock(transfer("ethereum", "bsc", evmRecipient), leg(t, "ethereum", "USDC"), leg(t, "bsc", "USDC"))
	assert.ErrorIs(t, err, types.ErrRouteNotSupported)
}

func TestRegistryGet(t *testing.T) {
	reg := NewRegistry(NewWormhole(nil, 13, nil), NewNative())
	p, err := reg.Get(types.ProtocolWormhole)
	require.NoError(t, err)
	assert.Equal(t, types.ProtocolWormhole, p.Protocol())

	_, err = reg.Get(types.ProtocolCCTP)
	assert.ErrorIs(t, err, types.ErrRouteNotSupported)
}
