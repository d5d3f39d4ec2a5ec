// Package ledger defines the durable transfer store and an in-memory implementation.
package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"goxbridge/types"
)

// Ledger holds the canonical copy of every transfer. A Get after a Put of the
// same id returns what was written.
type Ledger interface {
	Put(ctx context.Context, t *types.Transfer) error
	Get(ctx context.Context, id string) (*types.Transfer, error)
	List(ctx context.Context, f Filter) ([]*types.Transfer, error)
}

// Filter selects transfers for List. Zero fields match everything.
type Filter struct {
	Statuses    []types.Status
	Sender      string
	Source      string
	Destination string
	// created at or after
	Since time.Time
	Limit int
}

// NonTerminal is the filter used on restart to find transfers still in flight
func NonTerminal() Filter {
	var f Filter
	for _, s := range types.Statuses {
		if !s.Terminal() {
			f.Statuses = append(f.Statuses, s)
		}
	}
	return f
}

func (f Filter) Match(t *types.Transfer) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if t.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Sender != "" && !strings.EqualFold(f.Sender, t.SenderAddress) {
		return false
	}
	if f.Source != "" && f.Source != t.SourceChain {
		return false
	}
	if f.Destination != "" && f.Destination != t.DestinationChain {
		return false
	}
	if !f.Since.IsZero() && t.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// Apply sorts newest first and cuts the result to the filter limit
func (f Filter) Apply(ts []*types.Transfer) []*types.Transfer {
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].ID < ts[j].ID
		}
		return ts[i].CreatedAt.After(ts[j].CreatedAt)
	})
	if f.Limit > 0 && len(ts) > f.Limit {
		ts = ts[:f.Limit]
	}
	return ts
}

type Memory struct {
	mu        sync.RWMutex
	transfers map[string]*types.Transfer
}

var _ Ledger = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{transfers: make(map[string]*types.Transfer)}
}

func (m *Memory) Put(_ context.Context, t *types.Transfer) error {
	if t == nil || t.ID == "" {
		return types.NewError(types.CodeInvalidRequest, "transfer without id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transfers[t.ID] = t.Clone()
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*types.Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transfers[id]
	if !ok {
		return nil, types.ErrTransferNotFound
	}
	return t.Clone(), nil
}

func (m *Memory) List(_ context.Context, f Filter) ([]*types.Transfer, error) {
	m.mu.RLock()
	res := make([]*types.Transfer, 0, len(m.transfers))
	for _, t := range m.transfers {
		if f.Match(t) {
			res = append(res, t.Clone())
		}
	}
	m.mu.RUnlock()
	return f.Apply(res), nil
}
