package SOLRPC

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog"
	"github.com/ybbus/jsonrpc"
	"golang.org/x/time/rate"

	"goxbridge/chain"
	"goxbridge/logger"
	"goxbridge/types"
)

// lamports per signature, Solana charges a flat base fee
const baseFeeLamports = 5000

// Connector talks to a Solana cluster over JSON-RPC, slots play the role of blocks
type Connector struct {
	chain   types.Chain
	urls    []string
	clients []jsonrpc.RPCClient
	signer  chain.Signer
	opts    chain.Options
	limiter *rate.Limiter
	log     zerolog.Logger
}

var _ chain.Connector = (*Connector)(nil)
var _ chain.ThroughputReader = (*Connector)(nil)

func New(ch types.Chain, signer chain.Signer, opts chain.Options) (*Connector, error) {
	if len(ch.RPCList) == 0 {
		return nil, fmt.Errorf("chain %s: %w: no rpc endpoint", ch.Key, types.ErrConnectorUnavailable)
	}
	c := &Connector{
		chain:   ch,
		signer:  signer,
		opts:    opts,
		limiter: opts.Limiter(),
		log:     logger.Component("solrpc").With().Str("chain", ch.Key).Logger(),
	}
	httpClient := &http.Client{Timeout: opts.Timeout}
	for _, url := range ch.RPCList {
		c.urls = append(c.urls, url)
		c.clients = append(c.clients, jsonrpc.NewClientWithOpts(url, &jsonrpc.RPCClientOpts{HTTPClient: httpClient}))
	}
	return c, nil
}

// IsAddress reports whether s is a base58 encoded 32 byte public key
func IsAddress(s string) bool {
	_, err := DecodeAddress(s)
	return err == nil
}

func DecodeAddress(s string) ([32]byte, error) {
	var res [32]byte
	b, err := base58.Decode(s)
	if err != nil {
		return res, err
	}
	if len(b) != 32 {
		return res, fmt.Errorf("invalid public key length %d", len(b))
	}
	copy(res[:], b)
	return res, nil
}

func classify(err error) error {
	var httpErr *jsonrpc.HTTPError
	if errors.As(err, &httpErr) && (httpErr.Code == http.StatusTooManyRequests || httpErr.Code >= 500) {
		return fmt.Errorf("service unavailable (%d): %w", httpErr.Code, err)
	}
	return err
}

func withClient[T any](ctx context.Context, c *Connector, op string, f func(client jsonrpc.RPCClient) (T, error)) (T, error) {
	return chain.Retry(ctx, c.opts.Retry, c.chain.Key+" "+op, func(ctx context.Context) (res T, err error) {
		for i, client := range c.clients {
			if err = c.limiter.Wait(ctx); err != nil {
				return
			}
			res, err = f(client)
			if err == nil {
				return
			}
			err = classify(err)
			if !chain.IsTransient(err) {
				return
			}
			c.log.Debug().Err(err).Str("rpc", c.urls[i]).Msgf("%s failed", op)
		}
		return
	})
}

func callFor[T any](ctx context.Context, c *Connector, method string, params ...interface{}) (T, error) {
	return withClient(ctx, c, method, func(client jsonrpc.RPCClient) (T, error) {
		var out T
		err := client.CallFor(&out, method, params...)
		return out, err
	})
}

type commitment struct {
	Commitment string `json:"commitment"`
}

var confirmed = commitment{Commitment: "confirmed"}

// a lone struct argument would be sent as named params, Solana wants positional
func positional(v interface{}) []interface{} {
	return []interface{}{v}
}

func (c *Connector) Chain() types.Chain {
	return c.chain
}

func (c *Connector) BlockNumber(ctx context.Context) (uint64, error) {
	return callFor[uint64](ctx, c, "getSlot", positional(confirmed))
}

func (c *Connector) GasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(baseFeeLamports), nil
}

type balanceResult struct {
	Value uint64 `json:"value"`
}

type tokenAccountsResult struct {
	Value []struct {
		Account struct {
			Data struct {
				Parsed struct {
					Info struct {
						TokenAmount struct {
							Amount string `json:"amount"`
						} `json:"tokenAmount"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"data"`
		} `json:"account"`
	} `json:"value"`
}

func (c *Connector) Balance(ctx context.Context, token, owner string) (*big.Int, error) {
	if !IsAddress(owner) {
		return nil, types.NewError(types.CodeInvalidRequest, "invalid address %q", owner)
	}
	if token == "" {
		res, err := callFor[balanceResult](ctx, c, "getBalance", owner, confirmed)
		if err != nil {
			return nil, err
		}
		return new(big.Int).SetUint64(res.Value), nil
	}

	res, err := callFor[tokenAccountsResult](ctx, c, "getTokenAccountsByOwner", owner,
		map[string]string{"mint": token},
		map[string]string{"encoding": "jsonParsed", "commitment": "confirmed"})
	if err != nil {
		return nil, err
	}
	total := new(big.Int)
	for _, acc := range res.Value {
		amount, ok := new(big.Int).SetString(acc.Account.Data.Parsed.Info.TokenAmount.Amount, 10)
		if !ok {
			return nil, fmt.Errorf("invalid token amount %q", acc.Account.Data.Parsed.Info.TokenAmount.Amount)
		}
		total.Add(total, amount)
	}
	return total, nil
}

// Allowance has no Solana equivalent, programs are invoked with the owner's signature
func (c *Connector) Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error) {
	return nil, chain.ErrUnsupported
}

func (c *Connector) EstimateGas(ctx context.Context, from string, call chain.Call) (uint64, error) {
	return 0, chain.ErrUnsupported
}

// Instruction is the intent handed to the wallet, which assembles and signs the transaction
type Instruction struct {
	ProgramID string `json:"programId"`
	Data      []byte `json:"data"`
}

type blockhashResult struct {
	Value struct {
		Blockhash            string `json:"blockhash"`
		LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
	} `json:"value"`
}

func (c *Connector) Submit(ctx context.Context, from string, call chain.Call) (string, error) {
	if c.signer == nil {
		return "", errors.New("no signer configured")
	}
	if !IsAddress(from) || !IsAddress(call.To) {
		return "", types.NewError(types.CodeInvalidRequest, "invalid from or program address")
	}

	bh, err := callFor[blockhashResult](ctx, c, "getLatestBlockhash", positional(confirmed))
	if err != nil {
		return "", fmt.Errorf("error getting latest blockhash: %w", err)
	}
	msg, err := json.Marshal(Instruction{ProgramID: call.To, Data: call.Data})
	if err != nil {
		return "", err
	}
	signed, err := c.signer.Sign(ctx, chain.SignRequest{
		Chain:           c.chain.Key,
		From:            from,
		Message:         msg,
		RecentBlockhash: bh.Value.Blockhash,
	})
	if err != nil {
		return "", fmt.Errorf("error signing transaction: %w", err)
	}
	if len(signed) < 65 {
		return "", errors.New("signed transaction too short")
	}
	// first signature is the transaction id, after the compact-u16 signature count
	txID := base58.Encode(signed[1:65])

	encoded := base64.StdEncoding.EncodeToString(signed)
	_, err = withClient(ctx, c, "sendTransaction", func(client jsonrpc.RPCClient) (string, error) {
		var sig string
		err := client.CallFor(&sig, "sendTransaction", encoded, map[string]interface{}{
			"encoding":            "base64",
			"preflightCommitment": "confirmed",
		})
		if err != nil && isAlreadyProcessed(err) {
			return txID, nil
		}
		return sig, err
	})
	if err != nil {
		return "", err
	}
	c.log.Info().Str("tx", txID).Str("program", call.To).Msg("transaction sent")
	return txID, nil
}

func isAlreadyProcessed(err error) bool {
	var rpcErr *jsonrpc.RPCError
	return errors.As(err, &rpcErr) && strings.Contains(strings.ToLower(rpcErr.Message), "already been processed")
}

type signatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

type statusesResult struct {
	Value []*signatureStatus `json:"value"`
}

type transactionResult struct {
	Slot uint64 `json:"slot"`
	Meta *struct {
		Err         json.RawMessage `json:"err"`
		LogMessages []string        `json:"logMessages"`
	} `json:"meta"`
}

func failed(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

func (c *Connector) Receipt(ctx context.Context, txHash string) (*chain.Receipt, error) {
	statuses, err := callFor[statusesResult](ctx, c, "getSignatureStatuses", []string{txHash},
		map[string]bool{"searchTransactionHistory": true})
	if err != nil {
		return nil, err
	}
	if len(statuses.Value) == 0 || statuses.Value[0] == nil || statuses.Value[0].ConfirmationStatus == "processed" {
		return nil, chain.ErrPending
	}
	st := statuses.Value[0]

	res := &chain.Receipt{TxHash: txHash, BlockNumber: st.Slot, Success: !failed(st.Err)}
	tx, err := callFor[*transactionResult](ctx, c, "getTransaction", txHash, map[string]interface{}{
		"encoding":                       "json",
		"commitment":                     "confirmed",
		"maxSupportedTransactionVersion": 0,
	})
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, chain.ErrPending
	}
	if tx.Meta != nil {
		res.Messages = tx.Meta.LogMessages
		res.Success = res.Success && !failed(tx.Meta.Err)
	}
	return res, nil
}

func (c *Connector) WaitReceipt(ctx context.Context, txHash string, confirmations uint64) (*chain.Receipt, error) {
	poll := c.opts.ReceiptPoll
	if poll <= 0 {
		poll = 2 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		r, err := c.Receipt(ctx, txHash)
		switch {
		case errors.Is(err, chain.ErrPending):
		case err != nil:
			return nil, err
		case !r.Success || confirmations <= 1:
			return r, nil
		default:
			slot, err := c.BlockNumber(ctx)
			if err != nil {
				return nil, err
			}
			if slot >= r.BlockNumber && slot-r.BlockNumber+1 >= confirmations {
				return r, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

type performanceSample struct {
	NumTransactions  uint64 `json:"numTransactions"`
	SamplePeriodSecs uint64 `json:"samplePeriodSecs"`
}

// Throughput returns transactions per second over the latest performance sample
func (c *Connector) Throughput(ctx context.Context) (float64, error) {
	samples, err := callFor[[]performanceSample](ctx, c, "getRecentPerformanceSamples", 1)
	if err != nil {
		return 0, err
	}
	if len(samples) == 0 || samples[0].SamplePeriodSecs == 0 {
		return 0, errors.New("no performance samples")
	}
	return float64(samples[0].NumTransactions) / float64(samples[0].SamplePeriodSecs), nil
}

func (c *Connector) Close() {}
