// Package chain defines the uniform interface to a single chain's read and
// write operations. EVMRPC and SOLRPC provide the implementations.
package chain

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"golang.org/x/time/rate"

	"goxbridge/types"
)

var (
	// ErrPending is returned by Receipt while the transaction is not yet included
	ErrPending = errors.New("transaction pending")
	// ErrUnsupported is returned for operations a chain family has no notion of
	ErrUnsupported = errors.New("operation not supported on this chain")
	// ErrNoPushChannel is returned by SubscribeHeads when no websocket endpoint is configured
	ErrNoPushChannel = errors.New("no push channel configured")
)

// Head is a new block (EVM) or slot (Solana) observed on a chain
type Head struct {
	Chain  string
	Number uint64
	Time   time.Time
}

type Log struct {
	Address string
	Topics  []string
	Data    []byte
}

type Receipt struct {
	TxHash      string
	BlockNumber uint64
	BlockHash   string
	Success     bool
	GasUsed     uint64
	Logs        []Log
	// program log lines, non-EVM chains only
	Messages []string
}

// Call is a contract call or program instruction to submit
type Call struct {
	To       string
	Data     []byte
	Value    *big.Int
	GasLimit uint64 // 0 means estimate
}

// Subscription is the go-ethereum subscription contract: Err delivers at most
// one error and is closed on Unsubscribe.
type Subscription = ethereum.Subscription

type Connector interface {
	Chain() types.Chain
	BlockNumber(ctx context.Context) (uint64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	// Balance returns the base-unit balance of owner, token "" is the native asset
	Balance(ctx context.Context, token, owner string) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error)
	EstimateGas(ctx context.Context, from string, call Call) (uint64, error)
	// Submit builds, signs (through the Signer) and broadcasts, returning the tx hash
	Submit(ctx context.Context, from string, call Call) (string, error)
	Receipt(ctx context.Context, txHash string) (*Receipt, error)
	// WaitReceipt blocks until the transaction has at least confirmations blocks on top
	WaitReceipt(ctx context.Context, txHash string, confirmations uint64) (*Receipt, error)
	SubscribeHeads(ctx context.Context, ch chan<- Head) (Subscription, error)
	Close()
}

// ThroughputReader is implemented by chains whose congestion is derived from
// recent throughput rather than gas price.
type ThroughputReader interface {
	Throughput(ctx context.Context) (float64, error)
}

type SignRequest struct {
	Chain string
	From  string
	// EVM: transaction signing hash, the signer returns a 65 byte [R || S || V] signature
	Digest []byte
	// non-EVM: instruction intent, the signer returns the serialized signed transaction
	Message         []byte
	RecentBlockhash string
}

// Signer is the wallet collaborator, keyed by (chain, address)
type Signer interface {
	Sign(ctx context.Context, req SignRequest) ([]byte, error)
}

// Options shared by connector implementations
type Options struct {
	Timeout     time.Duration
	Retry       RetryPolicy
	RateLimit   float64 // requests per second, 0 is unlimited
	ReceiptPoll time.Duration
	// gas price multiplier in percent for chains other than Ethereum mainnet
	GasPricePercent int64
}

func (o Options) Limiter() *rate.Limiter {
	if o.RateLimit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(o.RateLimit), int(o.RateLimit)+1)
}
