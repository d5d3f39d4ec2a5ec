package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goxbridge/estimator"
	"goxbridge/ledger"
	"goxbridge/transfer"
	"goxbridge/types"
	"goxbridge/workers/handlers"
)

type fakeTransfers struct {
	mu       sync.Mutex
	byID     map[string]*types.Transfer
	filter   ledger.Filter
	created  []transfer.Request
	createFn func(transfer.Request) (*types.Transfer, error)
	updates  chan *types.Transfer
}

func (f *fakeTransfers) CreateTransfer(_ context.Context, req transfer.Request) (*types.Transfer, error) {
	f.mu.Lock()
	f.created = append(f.created, req)
	f.mu.Unlock()
	return f.createFn(req)
}

func (f *fakeTransfers) Get(_ context.Context, id string) (*types.Transfer, error) {
	if t, ok := f.byID[id]; ok {
		return t, nil
	}
	return nil, types.ErrTransferNotFound
}

func (f *fakeTransfers) List(_ context.Context, filter ledger.Filter) ([]*types.Transfer, error) {
	f.mu.Lock()
	f.filter = filter
	f.mu.Unlock()
	var res []*types.Transfer
	for _, t := range f.byID {
		if filter.Match(t) {
			res = append(res, t)
		}
	}
	return filter.Apply(res), nil
}

func (f *fakeTransfers) CancelTransfer(_ context.Context, id string) (*types.Transfer, error) {
	t, ok := f.byID[id]
	if !ok {
		return nil, types.ErrTransferNotFound
	}
	if t.Status != types.StatusApproving {
		return nil, types.ErrNotCancellable
	}
	c := t.Clone()
	c.Status = types.StatusFailed
	c.FailureReason = types.CodeUserCancelled
	return c, nil
}

func (f *fakeTransfers) Subscribe(_ context.Context, id string) (<-chan *types.Transfer, func(), error) {
	if _, ok := f.byID[id]; !ok {
		return nil, nil, types.ErrTransferNotFound
	}
	return f.updates, func() {}, nil
}

func (f *fakeTransfers) Stats(context.Context) (types.BridgeStats, error) {
	return types.BridgeStats{Volume24h: "1250.00", Transfers24h: 4, AverageCompletionTime: "~15 minutes", SuccessRate: 66.7}, nil
}

func (f *fakeTransfers) Active() []string {
	return []string{"a", "b"}
}

type fakeEstimates struct{}

func (fakeEstimates) Estimate(_ context.Context, req estimator.Request) (*types.BridgeEstimate, error) {
	if req.Amount == "0" {
		return nil, types.NewError(types.CodeInvalidAmount, "amount must be positive, got 0")
	}
	return &types.BridgeEstimate{Fee: "15.00", Time: "~8 minutes", Protocol: types.ProtocolWormhole, Supported: true}, nil
}

type fakeRoutes []types.BridgeRoute

func (r fakeRoutes) List() []types.BridgeRoute { return r }

type fakeNetwork struct {
	latest  []types.NetworkStatus
	sampled int
}

func (n *fakeNetwork) Latest() []types.NetworkStatus { return n.latest }

func (n *fakeNetwork) Sample(context.Context) []types.NetworkStatus {
	n.sampled++
	n.latest = []types.NetworkStatus{
		{ChainKey: "ethereum", Health: types.HealthOnline},
		{ChainKey: "bsc", Health: types.HealthOffline},
	}
	return n.latest
}

type server struct {
	*httptest.Server
	transfers *fakeTransfers
	network   *fakeNetwork
}

func newServer(t *testing.T) *server {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	ft := &fakeTransfers{
		byID: map[string]*types.Transfer{
			"t-1": {ID: "t-1", SourceChain: "ethereum", DestinationChain: "solana", SenderAddress: "0xabc", Status: types.StatusApproving, CreatedAt: now},
			"t-2": {ID: "t-2", SourceChain: "polygon", DestinationChain: "ethereum", SenderAddress: "0xdef", Status: types.StatusCompleted, CreatedAt: now.Add(time.Minute)},
		},
		updates: make(chan *types.Transfer, 4),
	}
	ft.createFn = func(req transfer.Request) (*types.Transfer, error) {
		if req.Destination == "bsc" {
			return nil, types.NewError(types.CodeRouteNotSupported, "native bridge from ethereum to bsc is not available yet")
		}
		return &types.Transfer{ID: "new", SourceChain: req.Source, DestinationChain: req.Destination, Status: types.StatusCreated}, nil
	}
	nw := &fakeNetwork{}
	routes := fakeRoutes{{Source: "ethereum", Destination: "solana", Protocol: types.ProtocolWormhole, Supported: true}}
	h := handlers.New(ft, fakeEstimates{}, routes, nw)
	srv := httptest.NewServer(NewRouter(h, http.NotFoundHandler()))
	t.Cleanup(srv.Close)
	return &server{Server: srv, transfers: ft, network: nw}
}

func (s *server) do(t *testing.T, method, path, body string) (*http.Response, map[string]interface{}) {
	req, err := http.NewRequest(method, s.URL+path, bytes.NewBufferString(body))
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	var out map[string]interface{}
	_ = json.NewDecoder(res.Body).Decode(&out)
	return res, out
}

func (s *server) list(t *testing.T, path string) (*http.Response, []types.Transfer) {
	res, err := http.Get(s.URL + path)
	require.NoError(t, err)
	defer res.Body.Close()
	var out []types.Transfer
	if res.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	}
	return res, out
}

func TestSubmitTransfer(t *testing.T) {
	s := newServer(t)
	tests := []struct {
		name  string
		body  string
		code  int
		field string
	}{
		{"created", `{"sourceChain":"ethereum","destinationChain":"solana","asset":"USDC","amount":"10","senderAddress":"0xabc","recipientAddress":"9Wz"}`, http.StatusCreated, ""},
		{"bad json", `{"sourceChain":`, http.StatusBadRequest, ""},
		{"no sender", `{"sourceChain":"ethereum","destinationChain":"solana","recipientAddress":"9Wz"}`, http.StatusBadRequest, "senderAddress"},
		{"no recipient", `{"sourceChain":"ethereum","destinationChain":"solana","senderAddress":"0xabc"}`, http.StatusBadRequest, "recipientAddress"},
		{"unsupported route", `{"sourceChain":"ethereum","destinationChain":"bsc","amount":"1","senderAddress":"0xabc","recipientAddress":"0xdef"}`, http.StatusUnprocessableEntity, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, body := s.do(t, http.MethodPost, "/transfers", tt.body)
			assert.Equal(t, tt.code, res.StatusCode)
			assert.Equal(t, "*", res.Header.Get("Access-Control-Allow-Origin"))
			if tt.field != "" {
				assert.Equal(t, tt.field, body["field"])
			}
		})
	}
	res, body := s.do(t, http.MethodPost, "/transfers", `{"sourceChain":"ethereum","destinationChain":"bsc","amount":"1","senderAddress":"0xabc","recipientAddress":"0xdef"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	assert.Equal(t, "RouteNotSupported", body["code"])
	assert.Equal(t, "solana", s.transfers.created[0].Destination)
}

func TestGetTransfer(t *testing.T) {
	s := newServer(t)
	res, body := s.do(t, http.MethodGet, "/transfers/t-1", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "approving", body["status"])

	res, _ = s.do(t, http.MethodGet, "/transfers/nope", "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestGetTransfers(t *testing.T) {
	s := newServer(t)

	res, all := s.list(t, "/transfers")
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Len(t, all, 2)
	assert.Equal(t, "t-2", all[0].ID, "newest first")

	_, bySender := s.list(t, "/transfers?sender=0xabc&status=approving,created&limit=5")
	require.Len(t, bySender, 1)
	assert.Equal(t, "t-1", bySender[0].ID)
	assert.Equal(t, 5, s.transfers.filter.Limit)
	assert.Equal(t, []types.Status{types.StatusApproving, types.StatusCreated}, s.transfers.filter.Statuses)

	_, none := s.list(t, "/transfers?source=bsc")
	assert.NotNil(t, none)
	assert.Empty(t, none)

	res, _ = s.list(t, "/transfers?status=lost")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	res, _ = s.list(t, "/transfers?limit=-1")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestCancelTransfer(t *testing.T) {
	s := newServer(t)
	res, body := s.do(t, http.MethodPost, "/transfers/t-1/cancel", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "failed", body["status"])
	assert.Equal(t, "UserCancelled", body["failureReason"])

	res, _ = s.do(t, http.MethodPost, "/transfers/t-2/cancel", "")
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	res, _ = s.do(t, http.MethodPost, "/transfers/nope/cancel", "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestEstimate(t *testing.T) {
	s := newServer(t)
	res, body := s.do(t, http.MethodPost, "/estimate", `{"sourceChain":"ethereum","destinationChain":"solana","asset":"USDC","amount":"100"}`)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "15.00", body["fee"])

	res, body = s.do(t, http.MethodPost, "/estimate", `{"sourceChain":"ethereum","destinationChain":"solana","asset":"USDC","amount":"0"}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "InvalidAmount", body["code"])

	res, _ = s.do(t, http.MethodPost, "/estimate", `{"asset":"USDC"}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestNetworkStatsState(t *testing.T) {
	s := newServer(t)

	res, err := http.Get(s.URL + "/network")
	require.NoError(t, err)
	var network []types.NetworkStatus
	require.NoError(t, json.NewDecoder(res.Body).Decode(&network))
	res.Body.Close()
	assert.Len(t, network, 2)
	assert.Equal(t, 1, s.network.sampled, "samples once when nothing is cached")

	_, state := s.do(t, http.MethodGet, "/state", "")
	assert.Equal(t, "ok", state["status"])
	assert.Equal(t, float64(2), state["activeTransfers"])
	assert.Equal(t, float64(1), state["chainsOnline"])

	_, stats := s.do(t, http.MethodGet, "/stats", "")
	assert.Equal(t, "1250.00", stats["totalVolume24h"])
	assert.Equal(t, 66.7, stats["successRate"])

	res, err = http.Get(s.URL + "/routes")
	require.NoError(t, err)
	var routes []types.BridgeRoute
	require.NoError(t, json.NewDecoder(res.Body).Decode(&routes))
	res.Body.Close()
	assert.Len(t, routes, 1)

	res, _ = s.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestUpdatesStream(t *testing.T) {
	s := newServer(t)
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/transfers/t-1/updates"

	s.transfers.updates <- &types.Transfer{ID: "t-1", Status: types.StatusApproving}
	s.transfers.updates <- &types.Transfer{ID: "t-1", Status: types.StatusSourceSubmitted, SourceTxHash: "0x01"}
	s.transfers.updates <- &types.Transfer{ID: "t-1", Status: types.StatusFailed}
	close(s.transfers.updates)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var got []types.Status
	for {
		var u types.Transfer
		if err := conn.ReadJSON(&u); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error %v", err)
			break
		}
		got = append(got, u.Status)
	}
	assert.Equal(t, []types.Status{types.StatusApproving, types.StatusSourceSubmitted, types.StatusFailed}, got)

	_, res, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.URL, "http")+"/transfers/nope/updates", nil)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}
