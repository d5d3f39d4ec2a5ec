package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goxbridge/chain"
	"goxbridge/chain/chaintest"
	"goxbridge/config"
)

// stepper moves one stage per head at or above its next threshold and
// switches chain after the switchAt stage
type stepper struct {
	mu       sync.Mutex
	id       string
	chains   [2]string
	switchAt int
	stage    int
	final    int
	needs    []uint64
	heads    []chain.Head
}

func (s *stepper) ID() string { return s.id }

func (s *stepper) ActiveChain() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.switchAt > 0 && s.stage >= s.switchAt {
		return s.chains[1]
	}
	return s.chains[0]
}

func (s *stepper) Terminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage >= s.final
}

func (s *stepper) Advance(_ context.Context, h chain.Head) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heads = append(s.heads, h)
	if s.stage >= s.final {
		return false, nil
	}
	if h.Number < s.needs[s.stage] {
		return false, nil
	}
	s.stage++
	return true, nil
}

func (s *stepper) Stage() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

func (s *stepper) Heads() []chain.Head {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chain.Head(nil), s.heads...)
}

func connectors(t *testing.T) (map[string]chain.Connector, map[string]*chaintest.Connector) {
	byKey := map[string]chain.Connector{}
	fakes := map[string]*chaintest.Connector{}
	for _, ch := range config.DefaultChains() {
		c := chaintest.New(ch)
		byKey[ch.Key] = c
		fakes[ch.Key] = c
	}
	return byKey, fakes
}

func newMonitor(t *testing.T, conns map[string]chain.Connector, poll time.Duration) *Monitor {
	m := New(context.Background(), conns, Options{PollInterval: poll, ReconnectInitial: 5 * time.Millisecond, ReconnectMax: 20 * time.Millisecond})
	t.Cleanup(m.Close)
	return m
}

func TestPushHeadsDriveTarget(t *testing.T) {
	conns, fakes := connectors(t)
	m := newMonitor(t, conns, time.Hour)
	eth := fakes["ethereum"]

	s := &stepper{id: "t1", chains: [2]string{"ethereum"}, final: 3, needs: []uint64{0, 101, 103}}
	m.Watch(s)
	m.Watch(s)
	assert.Equal(t, 1, m.Watching())

	// the initial kick runs the first step without a head
	require.Eventually(t, func() bool { return s.Stage() == 1 }, time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool { return eth.Subscribers() == 1 }, time.Second, 2*time.Millisecond)

	eth.Mine(1)
	require.Eventually(t, func() bool { return s.Stage() == 2 }, time.Second, 2*time.Millisecond)
	eth.Mine(2)
	require.Eventually(t, func() bool { return s.Stage() == 3 }, time.Second, 2*time.Millisecond)

	// terminal targets are dropped and the unused feed torn down
	require.Eventually(t, func() bool { return m.Watching() == 0 }, time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool { return eth.Subscribers() == 0 }, time.Second, 2*time.Millisecond)
}

func TestPollingCoversLostPushChannel(t *testing.T) {
	conns, fakes := connectors(t)
	m := newMonitor(t, conns, 10*time.Millisecond)
	eth := fakes["ethereum"]

	s := &stepper{id: "t1", chains: [2]string{"ethereum"}, final: 2, needs: []uint64{0, 105}}
	m.Watch(s)
	require.Eventually(t, func() bool { return eth.Subscribers() == 1 }, time.Second, 2*time.Millisecond)

	// the node goes away and refuses new subscriptions
	eth.SetError("subscribe", errors.New("dial tcp: connection refused"))
	eth.Disconnect(errors.New("websocket: close 1006"))
	require.Eventually(t, func() bool { return eth.Subscribers() == 0 }, time.Second, 2*time.Millisecond)

	eth.Mine(5)
	require.Eventually(t, func() bool { return s.Stage() == 2 }, time.Second, 2*time.Millisecond)
	assert.Greater(t, eth.SubscribeCalls(), 1, "reconnect attempts keep going")
}

func TestStaleHeadsAreDropped(t *testing.T) {
	m := newMonitor(t, map[string]chain.Connector{}, time.Hour)
	s := &stepper{id: "t1", chains: [2]string{"ethereum"}, final: 9, needs: []uint64{1000, 1000, 1000}}
	m.Watch(s)
	require.Eventually(t, func() bool { return len(s.Heads()) == 1 }, time.Second, 2*time.Millisecond)

	for _, n := range []uint64{10, 10, 9, 11, 5} {
		m.fanout("ethereum", chain.Head{Chain: "ethereum", Number: n})
		time.Sleep(5 * time.Millisecond)
	}
	m.fanout("solana", chain.Head{Chain: "solana", Number: 50})

	var seen []uint64
	for _, h := range s.Heads()[1:] {
		seen = append(seen, h.Number)
	}
	assert.Equal(t, []uint64{10, 11}, seen)
}

func TestTargetMovesToDestinationFeed(t *testing.T) {
	conns, fakes := connectors(t)
	m := newMonitor(t, conns, time.Hour)
	eth, sol := fakes["ethereum"], fakes["solana"]

	s := &stepper{id: "t1", chains: [2]string{"ethereum", "solana"}, switchAt: 2, final: 3, needs: []uint64{0, 101, 102}}
	m.Watch(s)
	require.Eventually(t, func() bool { return eth.Subscribers() == 1 }, time.Second, 2*time.Millisecond)

	eth.Mine(1)
	require.Eventually(t, func() bool { return sol.Subscribers() == 1 }, time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool { return eth.Subscribers() == 0 }, time.Second, 2*time.Millisecond)
	// the ethereum head that caused the move is recorded before the retarget
	before := len(s.Heads())

	// ethereum heads no longer matter, solana ones do
	sol.Mine(2)
	require.Eventually(t, func() bool { return s.Stage() == 3 }, time.Second, 2*time.Millisecond)
	after := s.Heads()[before:]
	require.NotEmpty(t, after)
	for _, h := range after {
		assert.Equal(t, "solana", h.Chain)
	}
}

func TestSharedFeedIsKeptWhileReferenced(t *testing.T) {
	conns, fakes := connectors(t)
	m := newMonitor(t, conns, time.Hour)
	eth := fakes["ethereum"]

	a := &stepper{id: "a", chains: [2]string{"ethereum"}, final: 5, needs: []uint64{1000}}
	b := &stepper{id: "b", chains: [2]string{"ethereum"}, final: 5, needs: []uint64{1000}}
	m.Watch(a)
	m.Watch(b)
	require.Eventually(t, func() bool { return eth.Subscribers() == 1 }, time.Second, 2*time.Millisecond)

	m.Unwatch("a")
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, eth.Subscribers())

	m.Unwatch("b")
	require.Eventually(t, func() bool { return eth.Subscribers() == 0 }, time.Second, 2*time.Millisecond)
}

func TestTerminalTargetIsNotWatched(t *testing.T) {
	m := newMonitor(t, map[string]chain.Connector{}, time.Hour)
	m.Watch(&stepper{id: "done", chains: [2]string{"ethereum"}, final: 0})
	assert.Equal(t, 0, m.Watching())
}
