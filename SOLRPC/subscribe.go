package SOLRPC

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/gorilla/websocket"

	"goxbridge/chain"
)

type slotNotification struct {
	Method string `json:"method"`
	Params struct {
		Result struct {
			Slot uint64 `json:"slot"`
		} `json:"result"`
	} `json:"params"`
}

// SubscribeHeads opens a slotSubscribe stream on the websocket endpoint
func (c *Connector) SubscribeHeads(ctx context.Context, ch chan<- chain.Head) (chain.Subscription, error) {
	if c.chain.WSURL == "" {
		return nil, chain.ErrNoPushChannel
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.chain.WSURL, nil)
	if err != nil {
		return nil, fmt.Errorf("error connecting to %s: %w", c.chain.WSURL, err)
	}
	err = conn.WriteJSON(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "slotSubscribe",
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("error subscribing to slots: %w", err)
	}

	key := c.chain.Key
	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer conn.Close()

		errc := make(chan error, 1)
		go func() {
			for {
				var msg slotNotification
				if err := conn.ReadJSON(&msg); err != nil {
					errc <- err
					return
				}
				if msg.Method != "slotNotification" {
					continue
				}
				select {
				case ch <- chain.Head{Chain: key, Number: msg.Params.Result.Slot, Time: time.Now()}:
				case <-quit:
					errc <- nil
					return
				}
			}
		}()

		select {
		case err := <-errc:
			return err
		case <-quit:
			return nil
		}
	}), nil
}
