// Package transfer owns the transfer lifecycle: validation and creation, the
// per-transfer state machine, cancellation and recovery after restart.
package transfer

import (
	"context"
	"errors"
	"sync"
	"time"

	ethav "github.com/KOREAN139/ethereum-address-validator"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"goxbridge/SOLRPC"
	"goxbridge/approval"
	"goxbridge/chain"
	"goxbridge/estimator"
	"goxbridge/ledger"
	"goxbridge/logger"
	"goxbridge/metrics"
	"goxbridge/monitor"
	"goxbridge/protocols"
	"goxbridge/routes"
	"goxbridge/types"
)

// Watcher is the part of the monitor the service drives
type Watcher interface {
	Watch(t monitor.Target)
	Unwatch(id string)
}

type Options struct {
	Chains     []types.Chain
	Assets     []types.Asset
	Routes     *routes.Registry
	Estimator  *estimator.Estimator
	Connectors map[string]chain.Connector
	Protocols  protocols.Registry
	Approvals  *approval.Manager
	Ledger     ledger.Ledger
	Watcher    Watcher
	Publishers []Publisher
	// attestation overdue after factor x route nominal time
	AttestationWindowFactor int
	Now                     func() time.Time
	// per update limit on Publishers, default 2s
	PublishTimeout time.Duration
}

type Request struct {
	Source      string `json:"sourceChain"`
	Destination string `json:"destinationChain"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	Sender      string `json:"senderAddress"`
	Recipient   string `json:"recipientAddress"`
}

const defaultPublishTimeout = 2 * time.Second

type Service struct {
	chains  map[string]types.Chain
	assets  []types.Asset
	routes  *routes.Registry
	est     *estimator.Estimator
	conns   map[string]chain.Connector
	protos  protocols.Registry
	ledger  ledger.Ledger
	watcher Watcher
	hub     *Hub
	env     *env
	log     zerolog.Logger

	mu       sync.Mutex
	machines map[string]*Machine
}

func NewService(opts Options) (*Service, error) {
	if opts.Routes == nil || opts.Estimator == nil || opts.Ledger == nil || opts.Watcher == nil {
		return nil, errors.New("transfer service needs routes, estimator, ledger and watcher")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Approvals == nil {
		opts.Approvals = approval.New()
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaultPublishTimeout
	}
	chains := make(map[string]types.Chain, len(opts.Chains))
	for _, ch := range opts.Chains {
		chains[ch.Key] = ch
	}

	hub := NewHub()
	log := logger.Component("transfer")
	s := &Service{
		chains:  chains,
		assets:  opts.Assets,
		routes:  opts.Routes,
		est:     opts.Estimator,
		conns:   opts.Connectors,
		protos:  opts.Protocols,
		ledger:  opts.Ledger,
		watcher: opts.Watcher,
		hub:     hub,
		env: &env{
			ledger:       opts.Ledger,
			approvals:    opts.Approvals,
			publishers:   append([]Publisher{hub}, opts.Publishers...),
			windowFactor: opts.AttestationWindowFactor,
			now:          opts.Now,
			log:          log,

			publishTimeout: opts.PublishTimeout,
		},
		log:      log,
		machines: make(map[string]*Machine),
	}
	s.env.done = s.forget
	return s, nil
}

// CreateTransfer validates the request, writes the created record and hands
// the transfer to the monitor. No chain is contacted.
func (s *Service) CreateTransfer(ctx context.Context, req Request) (*types.Transfer, error) {
	amount, err := estimator.ParseAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	if req.Source == req.Destination {
		return nil, types.NewError(types.CodeInvalidRequest, "source and destination chain must differ")
	}
	src, ok := s.chains[req.Source]
	if !ok {
		return nil, types.NewError(types.CodeInvalidRequest, "unknown chain %q", req.Source)
	}
	dst, ok := s.chains[req.Destination]
	if !ok {
		return nil, types.NewError(types.CodeInvalidRequest, "unknown chain %q", req.Destination)
	}
	route, err := s.routes.Find(req.Source, req.Destination)
	if err != nil {
		return nil, err
	}
	if !route.Supported {
		return nil, types.NewError(types.CodeRouteNotSupported, "%s bridge from %s to %s is not available yet", route.Protocol, req.Source, req.Destination)
	}
	if err := ValidateAddress(src, req.Sender); err != nil {
		return nil, err
	}
	if err := ValidateAddress(dst, req.Recipient); err != nil {
		return nil, err
	}

	now := s.env.now()
	t := &types.Transfer{
		ID:                    uuid.New().String(),
		SourceChain:           src.Key,
		DestinationChain:      dst.Key,
		Asset:                 assetSymbol(s.assets, req.Asset),
		Amount:                amount.String(),
		SenderAddress:         req.Sender,
		RecipientAddress:      req.Recipient,
		Protocol:              route.Protocol,
		Fee:                   s.est.Fee(route, amount).StringFixed(2),
		Status:                types.StatusCreated,
		CreatedAt:             now,
		LastUpdatedAt:         now,
		EstimatedCompletionAt: now.Add(s.est.Duration(route)),
	}
	m, err := s.newMachine(t)
	if err != nil {
		return nil, err
	}

	if err := s.ledger.Put(ctx, t); err != nil {
		return nil, types.WrapError(types.CodeConnectorUnavailable, err, "cannot store transfer")
	}
	metrics.TransfersCreated.WithLabelValues(string(t.Protocol)).Inc()
	s.log.Info().Str("transfer", t.ID).Str("source", t.SourceChain).Str("destination", t.DestinationChain).
		Str("amount", t.Amount).Str("asset", t.Asset).Msg("transfer created")

	s.track(m)
	return t.Clone(), nil
}

func assetSymbol(assets []types.Asset, symbol string) string {
	if a, ok := types.FindAsset(assets, symbol); ok {
		return a.Symbol
	}
	return symbol
}

// ValidateAddress checks the address format of the chain family
func ValidateAddress(ch types.Chain, addr string) error {
	if addr == "" {
		return types.NewError(types.CodeInvalidRequest, "missing %s address", ch.Name)
	}
	if ch.IsEVM() {
		if !common.IsHexAddress(addr) {
			return types.NewError(types.CodeInvalidRequest, "invalid %s address %q", ch.Name, addr)
		}
		if err := ethav.Validate(common.HexToAddress(addr).Hex()); err != nil {
			return types.WrapError(types.CodeInvalidRequest, err, "invalid %s address %q", ch.Name, addr)
		}
		return nil
	}
	if !SOLRPC.IsAddress(addr) {
		return types.NewError(types.CodeInvalidRequest, "invalid %s address %q", ch.Name, addr)
	}
	return nil
}

// newMachine resolves configuration for t; the machine starts from t as committed state
func (s *Service) newMachine(t *types.Transfer) (*Machine, error) {
	route, err := s.routes.Find(t.SourceChain, t.DestinationChain)
	if err != nil {
		return nil, err
	}
	proc, err := s.protos.Get(route.Protocol)
	if err != nil {
		return nil, err
	}
	asset, ok := types.FindAsset(s.assets, t.Asset)
	if !ok {
		return nil, types.NewError(types.CodeInvalidRequest, "unknown asset %q", t.Asset)
	}
	src, dst := s.chains[t.SourceChain], s.chains[t.DestinationChain]
	srcTok, ok := asset.Token(src.Key)
	if !ok {
		return nil, types.NewError(types.CodeInvalidRequest, "%s is not available on %s", asset.Symbol, src.Key)
	}
	dstTok, ok := asset.Token(dst.Key)
	if !ok {
		return nil, types.NewError(types.CodeInvalidRequest, "%s is not available on %s", asset.Symbol, dst.Key)
	}
	srcC, ok := s.conns[src.Key]
	if !ok {
		return nil, types.NewError(types.CodeConnectorUnavailable, "no connector for %s", src.Key)
	}
	dstC, ok := s.conns[dst.Key]
	if !ok {
		return nil, types.NewError(types.CodeConnectorUnavailable, "no connector for %s", dst.Key)
	}

	m := &Machine{
		env:   s.env,
		route: route,
		proc:  proc,
		src:   protocols.Leg{Chain: src, Token: srcTok, Native: asset.IsNative(src)},
		dst:   protocols.Leg{Chain: dst, Token: dstTok, Native: asset.IsNative(dst)},
		srcC:  srcC,
		dstC:  dstC,
		log:   s.log.With().Str("transfer", t.ID).Logger(),
	}
	m.cur.Store(t)
	return m, nil
}

func (s *Service) track(m *Machine) {
	s.mu.Lock()
	s.machines[m.ID()] = m
	s.mu.Unlock()
	s.watcher.Watch(m)
}

func (s *Service) machine(id string) (*Machine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[id]
	return m, ok
}

// Get reads the canonical record from the ledger
func (s *Service) Get(ctx context.Context, id string) (*types.Transfer, error) {
	return s.ledger.Get(ctx, id)
}

// List returns transfer history, newest first
func (s *Service) List(ctx context.Context, f ledger.Filter) ([]*types.Transfer, error) {
	return s.ledger.List(ctx, f)
}

func (s *Service) CancelTransfer(ctx context.Context, id string) (*types.Transfer, error) {
	m, ok := s.machine(id)
	if !ok {
		t, err := s.ledger.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.Status.Terminal() {
			return nil, types.ErrTerminal
		}
		return nil, types.ErrNotCancellable
	}
	t, err := m.Cancel(ctx)
	if err != nil {
		return nil, err
	}
	s.watcher.Unwatch(id)
	s.forget(id)
	s.log.Info().Str("transfer", id).Msg("transfer cancelled")
	return t, nil
}

func (s *Service) forget(id string) {
	s.mu.Lock()
	delete(s.machines, id)
	s.mu.Unlock()
	s.protos.Forget(id)
}

// Recover reloads in-flight transfers after a restart and watches them again.
// A transfer whose broadcast outcome is unknown is failed, never re-broadcast.
func (s *Service) Recover(ctx context.Context) (int, error) {
	pending, err := s.ledger.List(ctx, ledger.NonTerminal())
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, t := range pending {
		if _, ok := s.machine(t.ID); ok {
			continue
		}
		m, err := s.newMachine(t)
		if err != nil {
			s.log.Error().Err(err).Str("transfer", t.ID).Msg("cannot resume transfer")
			s.failStale(ctx, t, types.CodeOf(err, types.CodeRouteNotSupported), err)
			continue
		}
		switch {
		case t.SourceSubmitAttempted && t.SourceTxHash == "":
			_, err = m.fail(ctx, t, types.CodeSourceSubmissionFailed, errOutcomeUnknown)
		case t.DestinationSubmitAttempted && t.DestinationTxHash == "":
			_, err = m.fail(ctx, t, types.CodeDestinationSubmissionFailed, errOutcomeUnknown)
		default:
			s.track(m)
			resumed++
			continue
		}
		if err != nil {
			return resumed, err
		}
	}
	s.log.Info().Int("resumed", resumed).Int("pending", len(pending)).Msg("recovered transfers")
	return resumed, nil
}

// failStale fails a record that can no longer be driven with the current configuration
func (s *Service) failStale(ctx context.Context, t *types.Transfer, code types.ErrorCode, cause error) {
	next := t.Clone()
	next.Status = types.StatusFailed
	next.FailureReason = code
	next.FailureMessage = cause.Error()
	next.LastUpdatedAt = s.env.now()
	if err := s.ledger.Put(ctx, next); err != nil {
		s.log.Error().Err(err).Str("transfer", t.ID).Msg("cannot store failed transfer")
	}
}

// Subscribe streams committed states of id. The first value is the current state.
func (s *Service) Subscribe(ctx context.Context, id string) (<-chan *types.Transfer, func(), error) {
	// subscribe before reading so no commit falls in between
	updates, unsubscribe := s.hub.Subscribe(id)
	t, err := s.ledger.Get(ctx, id)
	if err != nil {
		unsubscribe()
		return nil, nil, err
	}
	if t.Status.Terminal() {
		unsubscribe()
		ch := make(chan *types.Transfer, 1)
		ch <- t
		close(ch)
		return ch, func() {}, nil
	}

	out := make(chan *types.Transfer, updateBuffer)
	go func() {
		defer close(out)
		out <- t
		for {
			select {
			case u, ok := <-updates:
				if !ok {
					return
				}
				select {
				case out <- u:
				case <-ctx.Done():
					unsubscribe()
					return
				}
			case <-ctx.Done():
				unsubscribe()
				return
			}
		}
	}()
	return out, unsubscribe, nil
}

// Active lists transfers currently driven by this process
func (s *Service) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.machines))
	for id, m := range s.machines {
		if !m.Terminal() {
			ids = append(ids, id)
		}
	}
	return ids
}
