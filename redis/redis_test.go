package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goxbridge/ledger"
	"goxbridge/types"
)

func newLedger(t *testing.T) (*Ledger, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	l := New(mr.Addr(), "")
	t.Cleanup(func() { _ = l.Close() })
	return l, mr
}

func transfer(id string, status types.Status, created time.Time) *types.Transfer {
	return &types.Transfer{
		ID:               id,
		SourceChain:      "ethereum",
		DestinationChain: "solana",
		Asset:            "USDC",
		Amount:           "25.5",
		SenderAddress:    "0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf",
		RecipientAddress: "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM",
		Protocol:         types.ProtocolWormhole,
		Status:           status,
		CreatedAt:        created,
		LastUpdatedAt:    created,
	}
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	require.NoError(t, l.Ping(ctx))

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := transfer("t1", types.StatusSourceSubmitted, created)
	tr.SourceTxHash = "0xfeed"
	tr.AttestationPayload = []byte{1, 2, 3}
	require.NoError(t, l.Put(ctx, tr))

	got, err := l.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "0xfeed", got.SourceTxHash)
	assert.Equal(t, []byte{1, 2, 3}, got.AttestationPayload)
	assert.True(t, created.Equal(got.CreatedAt))

	_, err = l.Get(ctx, "nope")
	assert.ErrorIs(t, err, types.ErrTransferNotFound)
}

func TestStatusSetsFollowTransitions(t *testing.T) {
	ctx := context.Background()
	l, mr := newLedger(t)

	tr := transfer("t1", types.StatusCreated, time.Now())
	require.NoError(t, l.Put(ctx, tr))
	ok, err := mr.SIsMember(statusSet(types.StatusCreated), "t1")
	require.NoError(t, err)
	assert.True(t, ok)

	tr.Status = types.StatusApproving
	require.NoError(t, l.Put(ctx, tr))

	// the emptied set is removed altogether
	assert.False(t, mr.Exists(statusSet(types.StatusCreated)))
	ok, err = mr.SIsMember(statusSet(types.StatusApproving), "t1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	l, mr := newLedger(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, l.Put(ctx, transfer("a", types.StatusCompleted, base)))
	require.NoError(t, l.Put(ctx, transfer("b", types.StatusAwaitingAttestation, base.Add(time.Minute))))
	c := transfer("c", types.StatusCreated, base.Add(2*time.Minute))
	c.SenderAddress = "0x0000000000000000000000000000000000000009"
	c.SourceChain = "polygon"
	require.NoError(t, l.Put(ctx, c))

	// dangling index entry
	_, err := mr.ZAdd(createdIndex, float64(base.Add(time.Hour).UnixMilli()), "ghost")
	require.NoError(t, err)

	tests := []struct {
		name   string
		filter ledger.Filter
		want   []string
	}{
		{"everything newest first", ledger.Filter{}, []string{"c", "b", "a"}},
		{"non terminal", ledger.NonTerminal(), []string{"c", "b"}},
		{"by sender", ledger.Filter{Sender: "0x7e5f4552091a69125d5dfcb7b8c2659029395bdf"}, []string{"b", "a"}},
		{"by source and limit", ledger.Filter{Source: "ethereum", Limit: 1}, []string{"b"}},
		{"since", ledger.Filter{Since: base.Add(90 * time.Second)}, []string{"c"}},
		{"nothing", ledger.Filter{Statuses: []types.Status{types.StatusFailed}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := l.List(ctx, tt.filter)
			require.NoError(t, err)
			var ids []string
			for _, tr := range got {
				ids = append(ids, tr.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestUnavailableServer(t *testing.T) {
	l, mr := newLedger(t)
	mr.Close()

	err := l.Put(context.Background(), transfer("x", types.StatusCreated, time.Now()))
	assert.Error(t, err)
}
