// Package chaintest provides an in-memory chain.Connector for tests.
package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"

	"goxbridge/chain"
	"goxbridge/types"
)

type Submission struct {
	From   string
	Call   chain.Call
	TxHash string
}

type pushSub struct {
	in   chan chain.Head
	kill chan error
}

// Connector is a scriptable chain. Submitted transactions are mined at the
// current head unless the hook says otherwise.
type Connector struct {
	mu sync.Mutex

	info       types.Chain
	head       uint64
	gasPrice   *big.Int
	gas        uint64
	tps        float64
	balances   map[string]*big.Int
	allowances map[string]*big.Int
	receipts   map[string]*chain.Receipt
	errs       map[string]error
	submitted  []Submission
	subs       map[*pushSub]struct{}
	subscribes int
	noPush     bool

	// SubmitHook builds the receipt of a submitted call; nil means success with no logs
	SubmitHook func(from string, call chain.Call) *chain.Receipt
}

var _ chain.Connector = (*Connector)(nil)

func New(info types.Chain) *Connector {
	return &Connector{
		info:       info,
		head:       100,
		gasPrice:   big.NewInt(20_000_000_000),
		gas:        50_000,
		balances:   map[string]*big.Int{},
		allowances: map[string]*big.Int{},
		receipts:   map[string]*chain.Receipt{},
		errs:       map[string]error{},
		subs:       map[*pushSub]struct{}{},
	}
}

// SetError makes every call of op fail with err until cleared with nil
func (c *Connector) SetError(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.errs, op)
		return
	}
	c.errs[op] = err
}

func (c *Connector) fail(op string) error {
	return c.errs[op]
}

func (c *Connector) SetGasPrice(wei *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gasPrice = wei
}

func (c *Connector) SetGas(gas uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gas = gas
}

func (c *Connector) SetThroughput(tps float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tps = tps
}

func balanceKey(token, owner string) string {
	return strings.ToLower(token + "/" + owner)
}

func (c *Connector) SetBalance(token, owner string, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[balanceKey(token, owner)] = amount
}

func (c *Connector) SetAllowance(token, owner, spender string, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allowances[balanceKey(token, owner+"/"+spender)] = amount
}

// DisablePush makes SubscribeHeads fail as if no websocket endpoint were configured
func (c *Connector) DisablePush(disabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noPush = disabled
}

// Disconnect terminates every live head subscription with err
func (c *Connector) Disconnect(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for s := range c.subs {
		select {
		case s.kill <- err:
		default:
		}
		delete(c.subs, s)
	}
}

func (c *Connector) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *Connector) SubscribeCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribes
}

func (c *Connector) Head() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}

// Mine advances the head by n blocks and pushes each one to subscribers
func (c *Connector) Mine(n int) {
	for i := 0; i < n; i++ {
		c.mu.Lock()
		c.head++
		h := chain.Head{Chain: c.info.Key, Number: c.head, Time: time.Now()}
		for s := range c.subs {
			select {
			case s.in <- h:
			default:
			}
		}
		c.mu.Unlock()
	}
}

func (c *Connector) Submitted() []Submission {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Submission(nil), c.submitted...)
}

// SetReceipt overrides the receipt returned for txHash
func (c *Connector) SetReceipt(txHash string, r *chain.Receipt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receipts[txHash] = r
}

func (c *Connector) Chain() types.Chain {
	return c.info
}

func (c *Connector) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("blockNumber"); err != nil {
		return 0, err
	}
	return c.head, nil
}

func (c *Connector) GasPrice(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("gasPrice"); err != nil {
		return nil, err
	}
	return new(big.Int).Set(c.gasPrice), nil
}

func (c *Connector) Balance(ctx context.Context, token, owner string) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("balance"); err != nil {
		return nil, err
	}
	if b, ok := c.balances[balanceKey(token, owner)]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (c *Connector) Allowance(ctx context.Context, token, owner, spender string) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("allowance"); err != nil {
		return nil, err
	}
	if !c.info.IsEVM() {
		return nil, chain.ErrUnsupported
	}
	if a, ok := c.allowances[balanceKey(token, owner+"/"+spender)]; ok {
		return new(big.Int).Set(a), nil
	}
	return big.NewInt(0), nil
}

func (c *Connector) EstimateGas(ctx context.Context, from string, call chain.Call) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("estimateGas"); err != nil {
		return 0, err
	}
	return c.gas, nil
}

func (c *Connector) Submit(ctx context.Context, from string, call chain.Call) (string, error) {
	c.mu.Lock()
	if err := c.fail("submit"); err != nil {
		c.mu.Unlock()
		return "", err
	}
	hash := fmt.Sprintf("0x%02x%062x", c.info.ChainID&0xff, len(c.submitted)+1)
	c.submitted = append(c.submitted, Submission{From: from, Call: call, TxHash: hash})
	head := c.head
	hook := c.SubmitHook
	c.mu.Unlock()

	r := &chain.Receipt{Success: true}
	if hook != nil {
		r = hook(from, call)
	}
	r.TxHash = hash
	if r.BlockNumber == 0 {
		r.BlockNumber = head
	}

	c.mu.Lock()
	c.receipts[hash] = r
	c.mu.Unlock()
	return hash, nil
}

func (c *Connector) Receipt(ctx context.Context, txHash string) (*chain.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("receipt"); err != nil {
		return nil, err
	}
	r, ok := c.receipts[txHash]
	if !ok || r.BlockNumber > c.head {
		return nil, chain.ErrPending
	}
	cp := *r
	return &cp, nil
}

func (c *Connector) WaitReceipt(ctx context.Context, txHash string, confirmations uint64) (*chain.Receipt, error) {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		r, err := c.Receipt(ctx, txHash)
		if err == nil {
			head := c.Head()
			if !r.Success || head-r.BlockNumber+1 >= confirmations {
				return r, nil
			}
		} else if err != chain.ErrPending {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Connector) SubscribeHeads(ctx context.Context, ch chan<- chain.Head) (chain.Subscription, error) {
	c.mu.Lock()
	c.subscribes++
	if c.noPush {
		c.mu.Unlock()
		return nil, chain.ErrNoPushChannel
	}
	if err := c.fail("subscribe"); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	s := &pushSub{in: make(chan chain.Head, 64), kill: make(chan error, 1)}
	c.subs[s] = struct{}{}
	c.mu.Unlock()

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer func() {
			c.mu.Lock()
			delete(c.subs, s)
			c.mu.Unlock()
		}()
		for {
			select {
			case h := <-s.in:
				select {
				case ch <- h:
				case <-quit:
					return nil
				}
			case err := <-s.kill:
				return err
			case <-quit:
				return nil
			}
		}
	}), nil
}

func (c *Connector) Throughput(ctx context.Context) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("throughput"); err != nil {
		return 0, err
	}
	return c.tps, nil
}

func (c *Connector) Close() {}
