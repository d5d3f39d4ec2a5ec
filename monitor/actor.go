package monitor

import (
	"context"
	"sync"

	"goxbridge/chain"
)

// actor owns the calls into one Target. Heads arriving while a step runs are
// coalesced to the latest one.
type actor struct {
	m      *Monitor
	target Target

	mu       sync.Mutex
	chain    string
	lastSeen uint64
	latest   chain.Head

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func newActor(m *Monitor, t Target) *actor {
	return &actor{
		m:      m,
		target: t,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (a *actor) setChain(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.chain != key {
		a.chain = key
		a.lastSeen = 0
		a.latest = chain.Head{Chain: key}
	}
}

func (a *actor) chainKey() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chain
}

// offer drops heads from other chains and heads not newer than the last one seen
func (a *actor) offer(h chain.Head) {
	a.mu.Lock()
	if h.Chain != a.chain || h.Number <= a.lastSeen {
		a.mu.Unlock()
		return
	}
	a.lastSeen = h.Number
	a.latest = h
	a.mu.Unlock()
	a.kick()
}

func (a *actor) kick() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *actor) close() {
	a.once.Do(func() { close(a.done) })
}

func (a *actor) run(ctx context.Context) {
	log := a.m.log.With().Str("transfer", a.target.ID()).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		case <-a.wake:
		}

		for {
			a.mu.Lock()
			head := a.latest
			a.mu.Unlock()

			progressed, err := a.target.Advance(ctx, head)
			if err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Uint64("head", head.Number).Msg("step failed, retrying on next head")
			}
			if a.target.Terminal() {
				a.m.finished(a)
				return
			}
			if next := a.target.ActiveChain(); next != a.chainKey() {
				a.m.retarget(a, next)
				progressed = true
			}
			if !progressed || ctx.Err() != nil {
				break
			}
			select {
			case <-a.done:
				return
			default:
			}
		}
	}
}
