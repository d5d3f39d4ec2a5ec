// Package signer provides the wallet collaborators that sign transactions on
// behalf of senders and relayers.
package signer

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ybbus/jsonrpc"

	"goxbridge/chain"
)

// Remote forwards sign requests to an external signing service speaking JSON-RPC
type Remote struct {
	client jsonrpc.RPCClient
}

type signParams struct {
	Chain           string `json:"chain"`
	From            string `json:"from"`
	Digest          string `json:"digest,omitempty"`  // 0x hex
	Message         string `json:"message,omitempty"` // base64
	RecentBlockhash string `json:"recentBlockhash,omitempty"`
}

func NewRemote(url string, timeout time.Duration) *Remote {
	return &Remote{
		client: jsonrpc.NewClientWithOpts(url, &jsonrpc.RPCClientOpts{
			HTTPClient: &http.Client{Timeout: timeout},
		}),
	}
}

// Sign calls bridge_sign. EVM requests return a hex signature, others a
// base64 serialized transaction.
func (r *Remote) Sign(ctx context.Context, req chain.SignRequest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	params := signParams{
		Chain:           req.Chain,
		From:            req.From,
		RecentBlockhash: req.RecentBlockhash,
	}
	if len(req.Digest) > 0 {
		params.Digest = hexutil.Encode(req.Digest)
	}
	if len(req.Message) > 0 {
		params.Message = base64.StdEncoding.EncodeToString(req.Message)
	}

	var result string
	if err := r.client.CallFor(&result, "bridge_sign", params); err != nil {
		return nil, fmt.Errorf("remote signer: %w", err)
	}
	if len(req.Digest) > 0 {
		return hexutil.Decode(result)
	}
	return base64.StdEncoding.DecodeString(result)
}

// Keys signs EVM digests with in-process private keys. For development only.
type Keys struct {
	keys map[common.Address]*ecdsa.PrivateKey
}

func NewKeys(hexKeys []string) (*Keys, error) {
	k := &Keys{keys: make(map[common.Address]*ecdsa.PrivateKey, len(hexKeys))}
	for _, hk := range hexKeys {
		priv, err := crypto.HexToECDSA(strings.TrimPrefix(hk, "0x"))
		if err != nil {
			return nil, fmt.Errorf("error instantiating private key: %w", err)
		}
		k.keys[crypto.PubkeyToAddress(priv.PublicKey)] = priv
	}
	return k, nil
}

func (k *Keys) Addresses() []string {
	res := make([]string, 0, len(k.keys))
	for addr := range k.keys {
		res = append(res, addr.Hex())
	}
	return res
}

func (k *Keys) Sign(_ context.Context, req chain.SignRequest) ([]byte, error) {
	if len(req.Digest) == 0 {
		return nil, fmt.Errorf("local keys sign EVM digests only: %w", chain.ErrUnsupported)
	}
	if !common.IsHexAddress(req.From) {
		return nil, fmt.Errorf("invalid signer address %q", req.From)
	}
	priv, ok := k.keys[common.HexToAddress(req.From)]
	if !ok {
		return nil, errors.New("no key for " + req.From)
	}
	return crypto.Sign(req.Digest, priv)
}
