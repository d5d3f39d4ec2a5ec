package emitters

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"goxbridge/logger"
	"goxbridge/types"
)

type natsConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATS publishes transfer updates on <subject>.<status>, so consumers can
// subscribe to <subject>.> or to a single status.
type NATS struct {
	conn    natsConn
	subject string
}

func NewNATS(url, subject string) (*NATS, error) {
	log := logger.Component("nats")
	nc, err := nats.Connect(url,
		nats.Name("goxbridge"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to NATS at %s: %w", url, err)
	}
	return &NATS{conn: nc, subject: subject}, nil
}

func (n *NATS) Subject(t *types.Transfer) string {
	return n.subject + "." + string(t.Status)
}

// Publish does not wait for the server; the connection buffers while reconnecting
func (n *NATS) Publish(_ context.Context, t *types.Transfer) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal transfer: %w", err)
	}
	if err := n.conn.Publish(n.Subject(t), data); err != nil {
		return fmt.Errorf("failed to publish to NATS: %w", err)
	}
	return nil
}

// Close flushes pending updates and closes the connection
func (n *NATS) Close() error {
	return n.conn.Drain()
}
