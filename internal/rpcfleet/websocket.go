package rpcfleet

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"watchtower/internal/apperr"
)

// Subscription is a streaming feed of raw JSON-RPC subscription
// notifications from one endpoint, used by Watcher when use_websocket is
// enabled. Falling back to polling is the caller's responsibility when
// Subscribe fails or the channel closes.
type Subscription struct {
	Notifications <-chan json.RawMessage
	Errs          <-chan error
	close         func() error
}

// Close tears down the underlying websocket connection.
func (s *Subscription) Close() error { return s.close() }

type wsSubscribeRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type wsNotification struct {
	Method string `json:"method"`
	Params struct {
		Result json.RawMessage `json:"result"`
	} `json:"params"`
}

// Subscribe opens a newHeads subscription on the given websocket URL
// (typically a chain's ws:// or wss:// RPC endpoint, distinct from the
// http(s):// one used for calls). It is grounded on the same
// gorilla/websocket client pattern the pack's xchainserver-adjacent
// servers use for their own streaming endpoints.
func Subscribe(ctx context.Context, wsURL string) (*Subscription, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, apperr.Transient("WSConnectFailed", err.Error())
	}

	sub := wsSubscribeRequest{JSONRPC: "2.0", ID: 1, Method: "eth_subscribe", Params: []any{"newHeads"}}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, apperr.Transient("WSSubscribeFailed", err.Error())
	}
	// Discard the subscription-id ack; Watchtower keys observations by
	// transaction hash, not subscription id.
	var ack json.RawMessage
	_ = conn.ReadJSON(&ack)

	notifications := make(chan json.RawMessage, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(notifications)
		defer close(errs)
		for {
			var n wsNotification
			if err := conn.ReadJSON(&n); err != nil {
				errs <- err
				return
			}
			select {
			case notifications <- n.Params.Result:
			default:
				// Slow consumer: drop rather than block the read loop, the
				// Watcher re-derives state from polling when it falls behind.
			}
		}
	}()

	return &Subscription{
		Notifications: notifications,
		Errs:          errs,
		close:         conn.Close,
	}, nil
}
