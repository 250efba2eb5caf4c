package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tinoosan/workshopsync/internal/data"
	"nhooyr.io/websocket"
)

const (
	MethodOnSubscribed   = "workshop.onSubscribed"
	MethodOnUnsubscribed = "workshop.onUnsubscribed"
	MethodOnDependencies = "workshop.onDependencies"
)

// Notification is a callback result pushed by the bridge.
type Notification struct {
	Method string              `json:"method"`
	Params []notificationEvent `json:"params"`
}

// notificationEvent carries ids as decimal strings.
type notificationEvent struct {
	ID       string   `json:"id"`
	Result   int      `json:"result"`
	Children []string `json:"children,omitempty"`
}

// Run keeps a notification stream open until ctx is done, reconnecting after
// ReconnectDelay whenever the connection drops. The client is available
// while connected.
func (c *Client) Run(ctx context.Context) error {
	lg := c.log.With("operation_id", uuid.NewString())
	for {
		ch, err := c.notifications(ctx)
		if err != nil {
			c.setAvailable(false)
			lg.Warn("bridge notifications unavailable", "url", c.baseURL.String(), "err", err)
		} else {
			if err := c.Ping(ctx); err != nil {
				lg.Warn("bridge ping failed", "err", err)
			}
			for n := range ch {
				c.enqueue(n)
			}
			c.setAvailable(false)
			lg.Info("bridge notification stream closed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(ReconnectDelay):
		}
	}
}

// notifications connects to the websocket endpoint at the RPC url and
// streams notifications. The channel is closed when the connection ends or
// ctx is cancelled.
func (c *Client) notifications(ctx context.Context) (<-chan Notification, error) {
	wsURL := *c.baseURL
	switch wsURL.Scheme {
	case "http":
		wsURL.Scheme = "ws"
	case "https":
		wsURL.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported scheme: %s", wsURL.Scheme)
	}
	conn, _, err := websocket.Dial(ctx, wsURL.String(), nil)
	if err != nil {
		return nil, err
	}
	ch := make(chan Notification, 8)
	go func() {
		defer close(ch)
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "done") }()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var n Notification
			if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &n); err != nil {
				c.log.Debug("dropping malformed notification", "err", err)
				continue
			}
			select {
			case ch <- n:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// enqueue holds the events of n that somebody waits for until the next
// RunCallbacks. Everything else is dropped on arrival so the queue cannot
// grow while no operation is pumping.
func (c *Client) enqueue(n Notification) {
	kind, ok := notificationKinds[n.Method]
	if !ok {
		c.log.Debug("ignoring unknown notification", "method", n.Method)
		return
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range n.Params {
		id, err := data.ParseContentID(ev.ID)
		if err != nil {
			c.log.Debug("ignoring notification with bad id", "method", n.Method, "id", ev.ID)
			continue
		}
		key := waiterKey{kind: kind, id: id}
		w, ok := c.waiters[key]
		if !ok || now.After(w.expires) {
			c.log.Debug("dropping unsolicited notification", "method", n.Method, "id", id)
			continue
		}
		if len(c.queue) >= maxQueued {
			c.log.Warn("notification queue full, dropping", "method", n.Method, "id", id)
			continue
		}
		c.queue = append(c.queue, queued{key: key, ev: ev})
	}
}
