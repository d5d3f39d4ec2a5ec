package estimator

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"goxbridge/EVMRPC"
	"goxbridge/chain"
	"goxbridge/logger"
	"goxbridge/routes"
	"goxbridge/types"
)

const (
	minTimeFactor = 0.8
	maxTimeFactor = 1.5
	weiDecimals   = 18
)

var defaultThreshold = decimal.NewFromInt(1000)

// StatusSource serves the latest network sample per chain
type StatusSource interface {
	Status(chain string) (types.NetworkStatus, bool)
}

type Options struct {
	SurchargePercent int64
	LargeTransfer    map[string]string // protocol -> amount above which the surcharge applies
	GasPriceTTL      time.Duration
	BridgeGasLimit   uint64
}

type Request struct {
	Source      string `json:"sourceChain"`
	Destination string `json:"destinationChain"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	Sender      string `json:"senderAddress,omitempty"`
}

type gasSample struct {
	price *big.Int
	at    time.Time
}

type Estimator struct {
	routes     *routes.Registry
	chains     map[string]types.Chain
	assets     []types.Asset
	connectors map[string]chain.Connector
	network    StatusSource
	opts       Options
	thresholds map[types.Protocol]decimal.Decimal
	gasPrices  *ttlcache.Cache[string, gasSample]
	log        zerolog.Logger
}

func New(reg *routes.Registry, chains []types.Chain, assets []types.Asset, connectors map[string]chain.Connector, network StatusSource, opts Options) (*Estimator, error) {
	e := &Estimator{
		routes:     reg,
		chains:     make(map[string]types.Chain, len(chains)),
		assets:     assets,
		connectors: connectors,
		network:    network,
		opts:       opts,
		thresholds: make(map[types.Protocol]decimal.Decimal),
		log:        logger.Component("estimator"),
	}
	for _, ch := range chains {
		e.chains[ch.Key] = ch
	}
	for p, v := range opts.LargeTransfer {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("invalid large transfer threshold for %s: %w", p, err)
		}
		e.thresholds[types.Protocol(p)] = d
	}
	ttl := opts.GasPriceTTL
	if ttl <= 0 || ttl > 30*time.Second {
		ttl = 15 * time.Second
	}
	e.gasPrices = ttlcache.New[string, gasSample](
		ttlcache.WithTTL[string, gasSample](ttl),
		ttlcache.WithDisableTouchOnHit[string, gasSample](),
	)
	return e, nil
}

// ParseAmount accepts a positive decimal string
func ParseAmount(s string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, types.WrapError(types.CodeInvalidAmount, err, "cannot parse amount %q", s)
	}
	if !amount.IsPositive() {
		return decimal.Zero, types.NewError(types.CodeInvalidAmount, "amount must be positive, got %s", s)
	}
	return amount, nil
}

// Estimate never fails because of gas sampling, the gas estimate is dropped instead
func (e *Estimator) Estimate(ctx context.Context, req Request) (*types.BridgeEstimate, error) {
	amount, err := ParseAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	route, err := e.routes.Find(req.Source, req.Destination)
	if err != nil {
		return nil, err
	}
	asset, ok := types.FindAsset(e.assets, req.Asset)
	if !ok {
		return nil, types.NewError(types.CodeInvalidRequest, "unknown asset %q", req.Asset)
	}

	fee := e.Fee(route, amount)
	duration := e.Duration(route)
	res := &types.BridgeEstimate{
		Fee:           fee.StringFixed(2),
		Time:          fmt.Sprintf("~%d minutes", int(duration/time.Minute)),
		Duration:      duration,
		Protocol:      route.Protocol,
		Supported:     route.Supported,
		ReceiveAmount: e.receiveAmount(asset, req.Destination, amount, fee),
	}
	if !route.Supported {
		return res, nil
	}

	src := e.chains[req.Source]
	if src.IsEVM() && !asset.IsNative(src) {
		gas, err := e.gasEstimate(ctx, src, route, asset, amount, req.Sender)
		if err != nil {
			e.log.Warn().Err(err).Str("chain", src.Key).Msg("gas estimate unavailable")
		} else {
			res.GasEstimate = gas
		}
	}
	return res, nil
}

// Fee is the route base fee in USD, with the size surcharge above the protocol threshold
func (e *Estimator) Fee(route types.BridgeRoute, amount decimal.Decimal) decimal.Decimal {
	fee, _ := decimal.NewFromString(route.BaseFee)
	threshold, ok := e.thresholds[route.Protocol]
	if !ok {
		threshold = defaultThreshold
	}
	if amount.GreaterThan(threshold) {
		fee = fee.Mul(decimal.NewFromInt(100 + e.opts.SurchargePercent)).Div(decimal.NewFromInt(100))
	}
	return fee.Round(2)
}

// Duration scales the nominal time by the source chain congestion, rounded up to whole minutes
func (e *Estimator) Duration(route types.BridgeRoute) time.Duration {
	m := 1.0
	if e.network != nil {
		if st, ok := e.network.Status(route.Source); ok && st.Health != types.HealthOffline {
			m = TimeFactor(st.CongestionScore)
		}
	}
	minutes := math.Ceil(route.NominalTime.Minutes() * m)
	return time.Duration(minutes) * time.Minute
}

func TimeFactor(congestion int) float64 {
	m := minTimeFactor + (maxTimeFactor-minTimeFactor)*float64(congestion)/100
	return math.Max(minTimeFactor, math.Min(maxTimeFactor, m))
}

// surcharge first, then the USD fee converted to asset units is taken off the amount
func (e *Estimator) receiveAmount(asset types.Asset, destination string, amount, fee decimal.Decimal) string {
	price, err := decimal.NewFromString(asset.UsdPrice)
	if err != nil || !price.IsPositive() {
		return amount.String()
	}
	receive := amount.Sub(fee.Div(price))
	if receive.IsNegative() {
		receive = decimal.Zero
	}
	decimals := int32(8)
	if tok, ok := asset.Token(destination); ok && tok.Decimals < decimals {
		decimals = tok.Decimals
	}
	return receive.Truncate(decimals).String()
}

func (e *Estimator) gasPrice(ctx context.Context, conn chain.Connector) (gasSample, error) {
	key := conn.Chain().Key
	if item := e.gasPrices.Get(key); item != nil {
		return item.Value(), nil
	}
	price, err := conn.GasPrice(ctx)
	if err != nil {
		return gasSample{}, err
	}
	sample := gasSample{price: price, at: time.Now()}
	e.gasPrices.Set(key, sample, ttlcache.DefaultTTL)
	return sample, nil
}

// approve gas from a live simulation plus the configured bridge call gas
func (e *Estimator) gasEstimate(ctx context.Context, src types.Chain, route types.BridgeRoute, asset types.Asset, amount decimal.Decimal, sender string) (*types.GasEstimate, error) {
	conn, ok := e.connectors[src.Key]
	if !ok {
		return nil, fmt.Errorf("no connector for %s", src.Key)
	}
	tok, ok := asset.Token(src.Key)
	if !ok {
		return nil, fmt.Errorf("asset %s has no token on %s", asset.Symbol, src.Key)
	}
	spender := src.BridgeContract(route.Protocol)
	if spender == "" {
		return nil, fmt.Errorf("no %s contract on %s", route.Protocol, src.Key)
	}
	if !common.IsHexAddress(sender) {
		sender = common.Address{}.Hex()
	}

	sample, err := e.gasPrice(ctx, conn)
	if err != nil {
		return nil, err
	}
	data, err := EVMRPC.PackApprove(spender, types.ToBaseUnits(amount, tok.Decimals))
	if err != nil {
		return nil, err
	}
	approveGas, err := conn.EstimateGas(ctx, sender, chain.Call{To: tok.Address, Data: data})
	if err != nil {
		return nil, err
	}

	gasLimit := approveGas + e.opts.BridgeGasLimit
	costWei := new(big.Int).Mul(sample.price, new(big.Int).SetUint64(gasLimit))
	costNative := types.FromBaseUnits(costWei, weiDecimals)
	nativePrice, _ := decimal.NewFromString(src.NativeUsdPrice)

	return &types.GasEstimate{
		GasLimit:     gasLimit,
		GasPrice:     sample.price.String(),
		CostInNative: costNative.StringFixed(8),
		CostInUsd:    costNative.Mul(nativePrice).StringFixed(2),
		SampledAt:    sample.at,
	}, nil
}
