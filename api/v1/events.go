package v1

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/tinoosan/workshopsync/internal/reqid"
	"github.com/tinoosan/workshopsync/internal/tracker"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const eventWriteTimeout = 5 * time.Second

// Subscriber hands out tracker event streams.
type Subscriber interface {
	Subscribe(buffer int) (<-chan tracker.Event, func())
}

// EventsHandler streams tracker events to a websocket client as JSON
// messages. Clients that fall behind miss events and should refetch the
// batches they care about.
type EventsHandler struct {
	l   *slog.Logger
	sub Subscriber
}

func NewEventsHandler(l *slog.Logger, sub Subscriber) *EventsHandler {
	return &EventsHandler{l: l, sub: sub}
}

func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	lg := reqid.Logger(r.Context(), h.l)
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		markErr(w, err)
		lg.Warn("websocket accept", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	events, cancel := h.sub.Subscribe(0)
	defer cancel()

	// the client never sends anything; CloseRead notices when it goes away
	ctx := conn.CloseRead(r.Context())
	lg.Info("event stream opened")
	for {
		select {
		case <-ctx.Done():
			lg.Info("event stream closed")
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := wsjson.Write(wctx, conn, ev)
			wcancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					lg.Warn("event stream write", "err", err)
				}
				return
			}
		}
	}
}
