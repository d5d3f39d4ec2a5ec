// Package netstatus samples the health of every configured chain and keeps the
// latest sample per chain.
package netstatus

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"goxbridge/chain"
	"goxbridge/logger"
	"goxbridge/metrics"
	"goxbridge/types"
)

const (
	// EVM chains above this score are congested
	evmCongestedAbove = 80
	// Solana chains above this score are congested
	solanaCongestedAbove = 70
	solanaCapacityTPS    = 5000.0
)

type Options struct {
	Interval time.Duration
	// per chain, a chain not answering in time is reported offline
	Timeout time.Duration
}

type Aggregator struct {
	chains []types.Chain
	assets []types.Asset
	conns  map[string]chain.Connector
	opts   Options
	now    func() time.Time
	log    zerolog.Logger

	mu     sync.RWMutex
	latest map[string]types.NetworkStatus
}

func New(chains []types.Chain, assets []types.Asset, conns map[string]chain.Connector, opts Options) *Aggregator {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Aggregator{
		chains: chains,
		assets: assets,
		conns:  conns,
		opts:   opts,
		now:    time.Now,
		log:    logger.Component("netstatus"),
		latest: make(map[string]types.NetworkStatus),
	}
}

// Sample queries all chains concurrently and returns one record per configured
// chain, in configuration order. The cache is replaced with the result.
func (a *Aggregator) Sample(ctx context.Context) []types.NetworkStatus {
	res := make([]types.NetworkStatus, len(a.chains))
	var g errgroup.Group
	for i, ch := range a.chains {
		i, ch := i, ch
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
			defer cancel()
			st, err := a.sampleChain(cctx, ch)
			if err != nil {
				a.log.Warn().Err(err).Str("chain", ch.Key).Msg("chain sample failed, reporting offline")
				st = a.offline(ch)
			}
			res[i] = st
			return nil
		})
	}
	_ = g.Wait()

	a.mu.Lock()
	for _, st := range res {
		a.latest[st.ChainKey] = st
		metrics.Congestion.WithLabelValues(st.ChainKey).Set(float64(st.CongestionScore))
		online := 0.0
		if st.Health != types.HealthOffline {
			online = 1
		}
		metrics.ChainOnline.WithLabelValues(st.ChainKey).Set(online)
	}
	a.mu.Unlock()
	return res
}

func (a *Aggregator) offline(ch types.Chain) types.NetworkStatus {
	return types.NetworkStatus{
		ChainKey:               ch.Key,
		ChainID:                ch.ChainID,
		Name:                   ch.Name,
		Health:                 types.HealthOffline,
		GasPrice:               "n/a",
		BridgeLiquidityBalance: "0",
		SampledAt:              a.now(),
	}
}

func (a *Aggregator) sampleChain(ctx context.Context, ch types.Chain) (types.NetworkStatus, error) {
	conn, ok := a.conns[ch.Key]
	if !ok {
		return types.NetworkStatus{}, fmt.Errorf("no connector for %s", ch.Key)
	}
	block, err := conn.BlockNumber(ctx)
	if err != nil {
		return types.NetworkStatus{}, err
	}
	st := types.NetworkStatus{
		ChainKey:          ch.Key,
		ChainID:           ch.ChainID,
		Name:              ch.Name,
		Health:            types.HealthOnline,
		LastObservedBlock: block,
		SampledAt:         a.now(),
	}

	wei, err := conn.GasPrice(ctx)
	if err != nil {
		return types.NetworkStatus{}, err
	}
	threshold := evmCongestedAbove
	if ch.IsEVM() {
		gwei := decimal.NewFromBigInt(wei, -9)
		st.GasPrice = gwei.Round(2).String() + " gwei"
		f, _ := gwei.Float64()
		st.CongestionScore = EVMCongestion(f, ch.BaseGasGwei)
	} else {
		st.GasPrice = wei.String() + " lamports"
		threshold = solanaCongestedAbove
		// without throughput samples the chain reports as uncongested
		if tr, ok := conn.(chain.ThroughputReader); ok {
			tps, err := tr.Throughput(ctx)
			if err != nil {
				return types.NetworkStatus{}, err
			}
			st.CongestionScore = SolanaCongestion(tps)
		}
	}
	if st.CongestionScore > threshold {
		st.Health = types.HealthCongested
	}

	st.BridgeLiquidityBalance, err = a.liquidity(ctx, conn, ch)
	if err != nil {
		return types.NetworkStatus{}, err
	}
	return st, nil
}

// liquidity is the holder's balance of the chain's bridged asset, in asset units
func (a *Aggregator) liquidity(ctx context.Context, conn chain.Connector, ch types.Chain) (string, error) {
	if ch.LiquidityHolder == "" {
		return "0", nil
	}
	symbol := ch.LiquidityAsset
	if symbol == "" {
		symbol = "USDC"
	}
	asset, ok := types.FindAsset(a.assets, symbol)
	if !ok {
		return "0", nil
	}
	tok, ok := asset.Token(ch.Key)
	if !ok {
		return "0", nil
	}
	balance, err := conn.Balance(ctx, tok.Address, ch.LiquidityHolder)
	if err != nil {
		return "", err
	}
	return decimal.NewFromBigInt(balance, -tok.Decimals).String(), nil
}

// EVMCongestion is the gas price excess over the chain base price, in percent of it
func EVMCongestion(gasGwei, baseGwei float64) int {
	if baseGwei <= 0 {
		return 0
	}
	return clamp((gasGwei - baseGwei) / baseGwei * 100)
}

func SolanaCongestion(tps float64) int {
	return clamp(tps / solanaCapacityTPS * 100)
}

func clamp(score float64) int {
	return int(math.Round(math.Max(0, math.Min(100, score))))
}

// Latest returns the cached samples in configuration order. Chains never
// sampled are missing.
func (a *Aggregator) Latest() []types.NetworkStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	res := make([]types.NetworkStatus, 0, len(a.latest))
	for _, ch := range a.chains {
		if st, ok := a.latest[ch.Key]; ok {
			res = append(res, st)
		}
	}
	return res
}

func (a *Aggregator) Status(chainKey string) (types.NetworkStatus, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st, ok := a.latest[chainKey]
	return st, ok
}

// Run samples immediately, then on every interval until ctx is done
func (a *Aggregator) Run(ctx context.Context) {
	a.Sample(ctx)
	ticker := time.NewTicker(a.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.log.Info().Msg("network sampler shutting down")
			return
		case <-ticker.C:
			a.Sample(ctx)
		}
	}
}
