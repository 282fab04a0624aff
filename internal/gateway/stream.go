package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/leadops/internal/bus"
	"github.com/basket/leadops/internal/shared"
)

const streamWriteTimeout = 5 * time.Second

// streamTopics are forwarded to /ws clients.
var streamTopics = []string{"task.", "runner.", "lead.", "admin."}

type streamMessage struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// handleStream pushes bus events to a WebSocket client until it disconnects.
// The stream is one-way; client frames are discarded.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		s.writeError(w, r, shared.NewError(shared.KindStorageUnavailable, "event stream is not available"))
		return
	}
	roleFilter := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("role")))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	ctx := conn.CloseRead(r.Context())
	merged := make(chan bus.Event, 64)
	for _, topic := range streamTopics {
		sub := s.cfg.Bus.Subscribe(topic)
		defer s.cfg.Bus.Unsubscribe(sub)
		go forward(ctx, sub, merged)
	}
	s.logger.InfoContext(ctx, "stream client connected", "role_filter", roleFilter)

	for {
		select {
		case <-ctx.Done():
			s.logger.DebugContext(ctx, "stream client disconnected")
			return
		case ev := <-merged:
			if roleFilter != "" && !eventMatchesRole(ev.Payload, roleFilter) {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(wctx, conn, streamMessage{Topic: ev.Topic, Payload: ev.Payload})
			cancel()
			if err != nil {
				s.logger.WarnContext(ctx, "stream write failed", "error", err)
				return
			}
		}
	}
}

func forward(ctx context.Context, sub *bus.Subscription, out chan<- bus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func eventMatchesRole(payload any, role string) bool {
	switch p := payload.(type) {
	case bus.TaskOutcomeEvent:
		return p.Role == role
	case bus.TaskStateChangedEvent:
		return p.Role == role
	case bus.AdminAlert:
		return p.Role == role
	default:
		return true
	}
}
