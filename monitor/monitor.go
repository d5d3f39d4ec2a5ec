// Package monitor observes chains on behalf of in-flight transfers. Each chain
// gets one feed, shared by every transfer currently driven by that chain, and
// each transfer gets an actor that serializes its state machine steps.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"goxbridge/chain"
	"goxbridge/logger"
	"goxbridge/metrics"
)

// Target is a transfer the monitor can drive
type Target interface {
	ID() string
	// ActiveChain is the chain whose heads currently matter to the transfer
	ActiveChain() string
	Terminal() bool
	// Advance performs at most one step and reports whether it made progress
	Advance(ctx context.Context, head chain.Head) (bool, error)
}

type Options struct {
	PollInterval     time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

type Monitor struct {
	ctx    context.Context
	cancel context.CancelFunc
	conns  map[string]chain.Connector
	opts   Options
	log    zerolog.Logger

	mu     sync.Mutex
	feeds  map[string]*feed
	actors map[string]*actor
	wg     sync.WaitGroup
}

func New(ctx context.Context, conns map[string]chain.Connector, opts Options) *Monitor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 60 * time.Second
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Monitor{
		ctx:    ctx,
		cancel: cancel,
		conns:  conns,
		opts:   opts,
		log:    logger.Component("monitor"),
		feeds:  make(map[string]*feed),
		actors: make(map[string]*actor),
	}
}

// Watch starts driving t. Watching an id twice is a no-op.
func (m *Monitor) Watch(t Target) {
	if t.Terminal() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx.Err() != nil {
		return
	}
	if _, ok := m.actors[t.ID()]; ok {
		return
	}
	a := newActor(m, t)
	m.actors[t.ID()] = a
	m.attach(a, t.ActiveChain())
	metrics.WatchedTransfers.Set(float64(len(m.actors)))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		a.run(m.ctx)
	}()
	a.kick()
}

// Unwatch stops observing id. The ledger is not touched.
func (m *Monitor) Unwatch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unwatchLocked(id)
}

func (m *Monitor) unwatchLocked(id string) {
	a, ok := m.actors[id]
	if !ok {
		return
	}
	delete(m.actors, id)
	m.detach(a)
	a.close()
	metrics.WatchedTransfers.Set(float64(len(m.actors)))
}

func (m *Monitor) Watching() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.actors)
}

// Close stops every feed and actor and waits for them
func (m *Monitor) Close() {
	m.cancel()
	m.wg.Wait()
}

// attach moves the actor onto the chain's feed, starting the feed if needed
func (m *Monitor) attach(a *actor, chainKey string) {
	f, ok := m.feeds[chainKey]
	if !ok {
		f = m.startFeed(chainKey)
		m.feeds[chainKey] = f
	}
	f.actors[a] = struct{}{}
	a.setChain(chainKey)
}

// detach drops the actor from its feed and stops the feed once nobody depends on it
func (m *Monitor) detach(a *actor) {
	key := a.chainKey()
	f, ok := m.feeds[key]
	if !ok {
		return
	}
	delete(f.actors, a)
	if len(f.actors) == 0 {
		f.stop()
		delete(m.feeds, key)
	}
}

// retarget is called by an actor when its transfer moved to another chain
func (m *Monitor) retarget(a *actor, chainKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.actors[a.target.ID()] != a || a.chainKey() == chainKey {
		return
	}
	m.log.Debug().Str("transfer", a.target.ID()).Str("from", a.chainKey()).Str("to", chainKey).Msg("moving transfer to another feed")
	m.detach(a)
	m.attach(a, chainKey)
}

func (m *Monitor) finished(a *actor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.actors[a.target.ID()] == a {
		m.unwatchLocked(a.target.ID())
	}
}

// fanout hands a head to every actor attached to the chain
func (m *Monitor) fanout(chainKey string, h chain.Head) {
	m.mu.Lock()
	f, ok := m.feeds[chainKey]
	var actors []*actor
	if ok {
		actors = make([]*actor, 0, len(f.actors))
		for a := range f.actors {
			actors = append(actors, a)
		}
	}
	m.mu.Unlock()
	for _, a := range actors {
		a.offer(h)
	}
}

type feed struct {
	chain  string
	actors map[*actor]struct{}
	cancel context.CancelFunc
}

func (f *feed) stop() {
	f.cancel()
}

func (m *Monitor) startFeed(chainKey string) *feed {
	ctx, cancel := context.WithCancel(m.ctx)
	f := &feed{chain: chainKey, actors: make(map[*actor]struct{}), cancel: cancel}

	conn, ok := m.conns[chainKey]
	if !ok {
		m.log.Error().Str("chain", chainKey).Msg("no connector for chain, transfers on it only move when kicked")
		return f
	}

	heads := make(chan chain.Head, 16)
	m.wg.Add(3)
	go func() {
		defer m.wg.Done()
		m.push(ctx, conn, heads)
	}()
	go func() {
		defer m.wg.Done()
		m.poll(ctx, conn, heads)
	}()
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case h := <-heads:
				m.fanout(chainKey, h)
			}
		}
	}()
	return f
}

func (m *Monitor) reconnectBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.ReconnectInitial
	b.MaxInterval = m.opts.ReconnectMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// push keeps a head subscription open, reconnecting without limit. Chains
// without a push channel are served by the poll loop alone.
func (m *Monitor) push(ctx context.Context, conn chain.Connector, out chan<- chain.Head) {
	key := conn.Chain().Key
	log := m.log.With().Str("chain", key).Logger()
	b := m.reconnectBackOff()

	for {
		sub, err := conn.SubscribeHeads(ctx, out)
		if errors.Is(err, chain.ErrNoPushChannel) {
			log.Info().Msg("no push channel, polling only")
			return
		}
		if err == nil {
			log.Debug().Msg("head subscription established")
			b.Reset()
			select {
			case <-ctx.Done():
				sub.Unsubscribe()
				return
			case err = <-sub.Err():
			}
			sub.Unsubscribe()
		}
		if ctx.Err() != nil {
			return
		}

		wait := b.NextBackOff()
		metrics.FeedReconnects.WithLabelValues(key).Inc()
		log.Warn().Err(err).Dur("retry_in", wait).Msg("head subscription lost")
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// poll reads the head on an interval; it runs regardless of the push channel state
func (m *Monitor) poll(ctx context.Context, conn chain.Connector, out chan<- chain.Head) {
	key := conn.Chain().Key
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := conn.BlockNumber(ctx)
		if err != nil {
			m.log.Debug().Err(err).Str("chain", key).Msg("head poll failed")
			continue
		}
		select {
		case out <- chain.Head{Chain: key, Number: n, Time: time.Now()}:
		case <-ctx.Done():
			return
		}
	}
}
