// Package handlers serves the bridge HTTP API.
package handlers

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"goxbridge/estimator"
	"goxbridge/ledger"
	"goxbridge/logger"
	"goxbridge/transfer"
	"goxbridge/types"
)

// Transfers is the part of transfer.Service served over HTTP
type Transfers interface {
	CreateTransfer(ctx context.Context, req transfer.Request) (*types.Transfer, error)
	Get(ctx context.Context, id string) (*types.Transfer, error)
	List(ctx context.Context, f ledger.Filter) ([]*types.Transfer, error)
	CancelTransfer(ctx context.Context, id string) (*types.Transfer, error)
	Subscribe(ctx context.Context, id string) (<-chan *types.Transfer, func(), error)
	Stats(ctx context.Context) (types.BridgeStats, error)
	Active() []string
}

type Estimates interface {
	Estimate(ctx context.Context, req estimator.Request) (*types.BridgeEstimate, error)
}

type Routes interface {
	List() []types.BridgeRoute
}

type Network interface {
	Latest() []types.NetworkStatus
	Sample(ctx context.Context) []types.NetworkStatus
}

type Handlers struct {
	transfers Transfers
	estimates Estimates
	routes    Routes
	network   Network
	upgrader  websocket.Upgrader
	log       zerolog.Logger
}

func New(transfers Transfers, estimates Estimates, routes Routes, network Network) *Handlers {
	return &Handlers{
		transfers: transfers,
		estimates: estimates,
		routes:    routes,
		network:   network,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: logger.Component("http"),
	}
}
