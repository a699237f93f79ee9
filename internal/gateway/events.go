package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// writeWait bounds a single event write; a consumer stuck longer than this
// gets disconnected rather than backing up the stream.
const writeWait = 5 * time.Second

// handleEvents upgrades to WebSocket and streams lifecycle events: the
// buffered snapshot first, then live events as they happen. Events arriving
// faster than the subscriber buffer drains are dropped by the event log, so
// a slow consumer sees gaps, never stale backpressure.
func (g *Gateway) handleEvents() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.events == nil {
			http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			g.logger.Warn("websocket accept failed", "error", err)
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()

		// Subscribe before the snapshot so no event falls in the gap.
		ch, cancel := g.events.Subscribe(64)
		defer cancel()

		for _, ev := range g.events.Snapshot() {
			if err := writeEvent(ctx, conn, ev); err != nil {
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				_ = conn.Close(websocket.StatusNormalClosure, "server shutting down")
				return
			case ev, ok := <-ch:
				if !ok {
					_ = conn.Close(websocket.StatusNormalClosure, "stream closed")
					return
				}
				if err := writeEvent(ctx, conn, ev); err != nil {
					return
				}
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev any) error {
	wctx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	return wsjson.Write(wctx, conn, ev)
}
