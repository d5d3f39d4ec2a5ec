package EVMRPC

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"goxbridge/chain"
	"goxbridge/logger"
	"goxbridge/types"
)

// Connector talks to one EVM chain over its RPC list, first healthy endpoint wins
type Connector struct {
	chain   types.Chain
	urls    []string
	clients []*ethclient.Client
	signer  chain.Signer
	opts    chain.Options
	limiter *rate.Limiter
	log     zerolog.Logger

	// nonce allocation is serialized per sender
	nonceMu    sync.Mutex
	nonceLocks map[common.Address]*sync.Mutex
}

var _ chain.Connector = (*Connector)(nil)

func New(ch types.Chain, signer chain.Signer, opts chain.Options) (*Connector, error) {
	c := &Connector{
		chain:      ch,
		signer:     signer,
		opts:       opts,
		limiter:    opts.Limiter(),
		log:        logger.Component("evmrpc").With().Str("chain", ch.Key).Logger(),
		nonceLocks: make(map[common.Address]*sync.Mutex),
	}
	for _, url := range ch.RPCList {
		client, err := ethclient.Dial(url)
		if err != nil {
			c.log.Error().Err(err).Msgf("Error connecting to %s", url)
			continue
		}
		c.urls = append(c.urls, url)
		c.clients = append(c.clients, client)
	}
	if len(c.clients) == 0 {
		return nil, fmt.Errorf("chain %s: %w: no usable rpc endpoint", ch.Key, types.ErrConnectorUnavailable)
	}
	return c, nil
}

// WithClient runs f against each endpoint in order until one succeeds or fails
// with a non-transient error, under the connector's retry budget.
func WithClient[T any](ctx context.Context, c *Connector, op string, f func(ctx context.Context, client *ethclient.Client) (T, error)) (T, error) {
	return chain.Retry(ctx, c.opts.Retry, c.chain.Key+" "+op, func(ctx context.Context) (res T, err error) {
		for i, client := range c.clients {
			if err = c.limiter.Wait(ctx); err != nil {
				return
			}
			callCtx, cancel := c.callContext(ctx)
			res, err = f(callCtx, client)
			cancel()
			if err == nil || !chain.IsTransient(err) {
				return
			}
			c.log.Debug().Err(err).Str("rpc", c.urls[i]).Msgf("%s failed", op)
		}
		return
	})
}

func (c *Connector) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opts.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.opts.Timeout)
}

func (c *Connector) Chain() types.Chain {
	return c.chain
}

func (c *Connector) BlockNumber(ctx context.Context) (uint64, error) {
	return WithClient(ctx, c, "blockNumber", func(ctx context.Context, client *ethclient.Client) (uint64, error) {
		return client.BlockNumber(ctx)
	})
}

// GasPrice returns the node's suggested price without any multiplier
func (c *Connector) GasPrice(ctx context.Context) (*big.Int, error) {
	return WithClient(ctx, c, "gasPrice", func(ctx context.Context, client *ethclient.Client) (*big.Int, error) {
		return client.SuggestGasPrice(ctx)
	})
}

func (c *Connector) Balance(ctx context.Context, token, owner string) (*big.Int, error) {
	if !common.IsHexAddress(owner) {
		return nil, types.NewError(types.CodeInvalidRequest, "invalid address %q", owner)
	}
	ownerAddr := common.HexToAddress(owner)
	if token == "" {
		return WithClient(ctx, c, "balance", func(ctx context.Context, client *ethclient.Client) (*big.Int, error) {
			return client.BalanceAt(ctx, ownerAddr, nil)
		})
	}
	data, err := ERC20.Pack("balanceOf", ownerAddr)
	if err != nil {
		return nil, err
	}
	out, err := c.call(ctx, "balanceOf", token, data)
	if err != nil {
		return nil, err
	}
	return unpackUint("balanceOf", out)
}

func (c *Connector) Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error) {
	if !common.IsHexAddress(owner) || !common.IsHexAddress(spender) {
		return nil, types.NewError(types.CodeInvalidRequest, "invalid owner or spender address")
	}
	data, err := ERC20.Pack("allowance", common.HexToAddress(owner), common.HexToAddress(spender))
	if err != nil {
		return nil, err
	}
	out, err := c.call(ctx, "allowance", token, data)
	if err != nil {
		return nil, err
	}
	return unpackUint("allowance", out)
}

func (c *Connector) call(ctx context.Context, op, contract string, data []byte) ([]byte, error) {
	if !common.IsHexAddress(contract) {
		return nil, types.NewError(types.CodeInvalidRequest, "invalid contract address %q", contract)
	}
	to := common.HexToAddress(contract)
	return WithClient(ctx, c, op, func(ctx context.Context, client *ethclient.Client) ([]byte, error) {
		return client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	})
}

func (c *Connector) EstimateGas(ctx context.Context, from string, call chain.Call) (uint64, error) {
	msg, err := callMsg(from, call)
	if err != nil {
		return 0, err
	}
	return WithClient(ctx, c, "estimateGas", func(ctx context.Context, client *ethclient.Client) (uint64, error) {
		return client.EstimateGas(ctx, msg)
	})
}

func callMsg(from string, call chain.Call) (ethereum.CallMsg, error) {
	if !common.IsHexAddress(from) || !common.IsHexAddress(call.To) {
		return ethereum.CallMsg{}, types.NewError(types.CodeInvalidRequest, "invalid from or to address")
	}
	to := common.HexToAddress(call.To)
	return ethereum.CallMsg{
		From:  common.HexToAddress(from),
		To:    &to,
		Value: call.Value,
		Data:  call.Data,
	}, nil
}

func (c *Connector) senderLock(addr common.Address) *sync.Mutex {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	mu, ok := c.nonceLocks[addr]
	if !ok {
		mu = &sync.Mutex{}
		c.nonceLocks[addr] = mu
	}
	return mu
}

// Submit builds a legacy EIP-155 transaction, has the signer sign its hash and
// broadcasts it. The same signed transaction is re-sent on transient errors.
func (c *Connector) Submit(ctx context.Context, from string, call chain.Call) (string, error) {
	if c.signer == nil {
		return "", errors.New("no signer configured")
	}
	msg, err := callMsg(from, call)
	if err != nil {
		return "", err
	}

	mu := c.senderLock(msg.From)
	mu.Lock()
	defer mu.Unlock()

	nonce, err := WithClient(ctx, c, "pendingNonce", func(ctx context.Context, client *ethclient.Client) (uint64, error) {
		return client.PendingNonceAt(ctx, msg.From)
	})
	if err != nil {
		return "", fmt.Errorf("error getting nonce for wallet: %w", err)
	}

	gasPrice, err := c.GasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("error getting suggested gas price: %w", err)
	}
	if c.chain.ChainID != 1 && c.opts.GasPricePercent > 0 {
		gasPrice = new(big.Int).Div(new(big.Int).Mul(gasPrice, big.NewInt(c.opts.GasPricePercent)), big.NewInt(100))
	}

	gasLimit := call.GasLimit
	if gasLimit == 0 {
		estimated, err := c.EstimateGas(ctx, from, call)
		if err != nil {
			return "", fmt.Errorf("error estimating gas: %w", err)
		}
		gasLimit = estimated * 12 / 10
	}

	value := call.Value
	if value == nil {
		value = big.NewInt(0)
	}
	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       msg.To,
		Value:    value,
		Data:     call.Data,
	})

	txSigner := ethtypes.NewEIP155Signer(big.NewInt(c.chain.ChainID))
	sig, err := c.signer.Sign(ctx, chain.SignRequest{
		Chain:  c.chain.Key,
		From:   from,
		Digest: txSigner.Hash(tx).Bytes(),
	})
	if err != nil {
		return "", fmt.Errorf("error signing transaction: %w", err)
	}
	signed, err := tx.WithSignature(txSigner, sig)
	if err != nil {
		return "", fmt.Errorf("invalid signature: %w", err)
	}
	sender, err := ethtypes.Sender(txSigner, signed)
	if err != nil || sender != msg.From {
		return "", fmt.Errorf("signature does not recover to %s", msg.From.Hex())
	}

	_, err = WithClient(ctx, c, "sendTransaction", func(ctx context.Context, client *ethclient.Client) (struct{}, error) {
		err := client.SendTransaction(ctx, signed)
		if err != nil && strings.Contains(strings.ToLower(err.Error()), "already known") {
			return struct{}{}, nil
		}
		return struct{}{}, err
	})
	if err != nil {
		return "", err
	}

	c.log.Info().Str("tx", signed.Hash().Hex()).Uint64("nonce", nonce).Str("to", call.To).Msg("transaction sent")
	return signed.Hash().Hex(), nil
}

func (c *Connector) Receipt(ctx context.Context, txHash string) (*chain.Receipt, error) {
	hash := common.HexToHash(txHash)
	r, err := WithClient(ctx, c, "receipt", func(ctx context.Context, client *ethclient.Client) (*ethtypes.Receipt, error) {
		return client.TransactionReceipt(ctx, hash)
	})
	if errors.Is(err, ethereum.NotFound) {
		return nil, chain.ErrPending
	}
	if err != nil {
		return nil, err
	}
	return convertReceipt(r), nil
}

func convertReceipt(r *ethtypes.Receipt) *chain.Receipt {
	res := &chain.Receipt{
		TxHash:    r.TxHash.Hex(),
		BlockHash: r.BlockHash.Hex(),
		Success:   r.Status == ethtypes.ReceiptStatusSuccessful,
		GasUsed:   r.GasUsed,
	}
	if r.BlockNumber != nil {
		res.BlockNumber = r.BlockNumber.Uint64()
	}
	for _, l := range r.Logs {
		topics := make([]string, len(l.Topics))
		for i, t := range l.Topics {
			topics[i] = t.Hex()
		}
		res.Logs = append(res.Logs, chain.Log{
			Address: l.Address.Hex(),
			Topics:  topics,
			Data:    l.Data,
		})
	}
	return res
}

func (c *Connector) WaitReceipt(ctx context.Context, txHash string, confirmations uint64) (*chain.Receipt, error) {
	poll := c.opts.ReceiptPoll
	if poll <= 0 {
		poll = 3 * time.Second
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
			head, err := c.BlockNumber(ctx)
			if err != nil {
				return nil, err
			}
			if head >= r.BlockNumber && head-r.BlockNumber+1 >= confirmations {
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

// SubscribeHeads opens a dedicated websocket connection for newHeads.
// The subscription closes the connection when it ends.
func (c *Connector) SubscribeHeads(ctx context.Context, ch chan<- chain.Head) (chain.Subscription, error) {
	if c.chain.WSURL == "" {
		return nil, chain.ErrNoPushChannel
	}
	client, err := ethclient.DialContext(ctx, c.chain.WSURL)
	if err != nil {
		return nil, fmt.Errorf("error connecting to %s: %w", c.chain.WSURL, err)
	}
	headers := make(chan *ethtypes.Header, 16)
	sub, err := client.SubscribeNewHead(ctx, headers)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("error subscribing to new heads: %w", err)
	}

	key := c.chain.Key
	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer client.Close()
		defer sub.Unsubscribe()
		for {
			select {
			case h := <-headers:
				head := chain.Head{Chain: key, Number: h.Number.Uint64(), Time: time.Unix(int64(h.Time), 0)}
				select {
				case ch <- head:
				case <-quit:
					return nil
				}
			case err := <-sub.Err():
				return err
			case <-quit:
				return nil
			}
		}
	}), nil
}

func (c *Connector) Close() {
	for _, client := range c.clients {
		client.Close()
	}
}
