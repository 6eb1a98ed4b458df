package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// wsEvent is the envelope pushed to WebSocket subscribers for every
// matching bus event.
type wsEvent struct {
	Topic   string    `json:"topic"`
	Payload any       `json:"payload,omitempty"`
	Time    time.Time `json:"time"`
}

// handleWS streams bus events to the client. The optional ?topics=
// query param narrows the stream to a topic prefix, e.g. "task." or
// "schedule.". Slow clients miss events rather than block publishers.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests always pass; cross-origin needs an
		// explicit pattern.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	prefix := r.URL.Query().Get("topics")
	sub := s.cfg.Bus.Subscribe(prefix)
	defer s.cfg.Bus.Unsubscribe(sub)

	s.logger.Info("ws client connected", "prefix", prefix)
	defer func() {
		s.logger.Info("ws client disconnected", "prefix", prefix, "dropped_events", sub.Dropped())
	}()

	ctx := r.Context()

	// Drain client frames so pings are answered and closure is seen.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			msg := wsEvent{Topic: event.Topic, Payload: event.Payload, Time: event.Time}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, msg)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
