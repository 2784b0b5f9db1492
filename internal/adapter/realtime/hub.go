// Package realtime implements the tenant-scoped fan-out hub over websockets.
//
// Subscribers authenticate with a bearer token inside the first frame (not an
// HTTP header), are joined to the room of their verified organization, and
// receive execution-updated and execution-log events published through the
// producer's trusted internal endpoints. Clients can never choose a room;
// membership is derived from the token, which prevents room-hopping.
package realtime

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fairyhunter13/testdock/internal/adapter/observability"
	"github.com/fairyhunter13/testdock/internal/domain"
)

const (
	// EventAuthSuccess and friends are the wire event channel names.
	EventAuthSuccess      = "auth-success"
	EventAuthError        = "auth-error"
	EventExecutionUpdated = "execution-updated"
	EventExecutionLog     = "execution-log"

	authTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
	// sendBuffer is the per-subscriber queue. Log frames beyond it are
	// dropped; update frames force a disconnect instead of being dropped.
	sendBuffer = 64
)

// Frame is the JSON envelope for every server-to-client message.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type authFrame struct {
	Auth struct {
		Token string `json:"token"`
	} `json:"auth"`
}

type subscriber struct {
	conn *websocket.Conn
	send chan Frame
	org  string

	closeOnce sync.Once
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.send)
	})
}

// Hub owns the room table. It is a process-wide component created once and
// injected into the HTTP handlers explicitly.
type Hub struct {
	verifier       domain.TokenVerifier
	globalFallback bool
	upgrader       websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]map[*subscriber]struct{}
}

// NewHub constructs a Hub. globalFallback restores the transitional behavior
// of broadcasting org-less updates to everyone; leave it off in production.
func NewHub(verifier domain.TokenVerifier, globalFallback bool) *Hub {
	return &Hub{
		verifier:       verifier,
		globalFallback: globalFallback,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		rooms: make(map[string]map[*subscriber]struct{}),
	}
}

func roomName(orgID string) string { return "org:" + orgID }

// ServeWS upgrades the connection and runs the auth handshake followed by
// the write pump. Blocks until the subscriber disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer func() { _ = conn.Close() }()

	ident, ok := h.handshake(conn)
	if !ok {
		return
	}

	sub := &subscriber{
		conn: conn,
		send: make(chan Frame, sendBuffer),
		org:  ident.OrganizationID,
	}
	h.join(sub)
	observability.RealtimeSubscribers.Inc()
	defer func() {
		h.leave(sub)
		observability.RealtimeSubscribers.Dec()
	}()

	go h.readLoop(sub)
	h.writeLoop(sub)
}

// handshake reads the auth frame and verifies the token. The deadline bounds
// how long an unauthenticated socket may linger.
func (h *Hub) handshake(conn *websocket.Conn) (domain.Identity, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(authTimeout))
	var af authFrame
	if err := conn.ReadJSON(&af); err != nil || af.Auth.Token == "" {
		h.rejectConn(conn, "authentication required")
		return domain.Identity{}, false
	}
	ident, err := h.verifier.Verify(af.Auth.Token)
	if err != nil {
		slog.Warn("subscriber auth failed", slog.Any("error", err))
		h.rejectConn(conn, "invalid token")
		return domain.Identity{}, false
	}
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(Frame{Event: EventAuthSuccess, Data: ident}); err != nil {
		return domain.Identity{}, false
	}
	slog.Info("subscriber joined",
		slog.String("organization_id", ident.OrganizationID),
		slog.String("user_id", ident.UserID))
	return ident, true
}

func (h *Hub) rejectConn(conn *websocket.Conn, msg string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteJSON(Frame{Event: EventAuthError, Data: map[string]string{"message": msg}})
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, msg))
}

// readLoop discards client frames (there is no client-to-server protocol
// after auth) and unblocks the write loop when the peer goes away.
func (h *Hub) readLoop(sub *subscriber) {
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			sub.close()
			return
		}
	}
}

func (h *Hub) writeLoop(sub *subscriber) {
	for f := range sub.send {
		_ = sub.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := sub.conn.WriteJSON(f); err != nil {
			sub.close()
			// Drain remaining frames so publishers never block on this sub.
			for range sub.send {
			}
			return
		}
	}
}

func (h *Hub) join(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := roomName(sub.org)
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*subscriber]struct{})
	}
	h.rooms[room][sub] = struct{}{}
}

func (h *Hub) leave(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := roomName(sub.org)
	delete(h.rooms[room], sub)
	if len(h.rooms[room]) == 0 {
		delete(h.rooms, room)
	}
	sub.close()
}

// PublishUpdate fans out an execution-updated frame to the org's room. Update
// frames must not be dropped: a subscriber whose queue stays full past the
// write timeout is disconnected instead. Implements domain.Notifier.
func (h *Hub) PublishUpdate(_ domain.Context, e domain.Execution) error {
	h.publish(e.OrganizationID, Frame{Event: EventExecutionUpdated, Data: e}, true)
	return nil
}

// PublishLog fans out a single log line. Log frames are droppable under
// backpressure. Implements domain.Notifier.
func (h *Hub) PublishLog(_ domain.Context, orgID, taskID, line string) error {
	h.publish(orgID, Frame{Event: EventExecutionLog, Data: map[string]string{
		"taskId": taskID,
		"log":    line,
	}}, false)
	return nil
}

func (h *Hub) publish(orgID string, f Frame, mustDeliver bool) {
	observability.RealtimeEventsTotal.WithLabelValues(f.Event).Inc()
	targets := h.subscribersFor(orgID)
	for _, sub := range targets {
		h.deliver(sub, f, mustDeliver)
	}
}

func (h *Hub) subscribersFor(orgID string) []*subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*subscriber
	if orgID == "" {
		if !h.globalFallback {
			slog.Warn("dropping broadcast without organization id")
			return nil
		}
		slog.Warn("organization id missing, falling back to global broadcast")
		for _, subs := range h.rooms {
			for sub := range subs {
				out = append(out, sub)
			}
		}
		return out
	}
	for sub := range h.rooms[roomName(orgID)] {
		out = append(out, sub)
	}
	return out
}

func (h *Hub) deliver(sub *subscriber, f Frame, mustDeliver bool) {
	defer func() {
		// Sending on a closed channel from a racing disconnect is benign.
		_ = recover()
	}()
	if mustDeliver {
		select {
		case sub.send <- f:
		case <-time.After(writeTimeout):
			// Slow subscriber: update frames are never silently dropped, the
			// subscriber loses its connection instead and resyncs on reconnect.
			slog.Warn("disconnecting slow subscriber", slog.String("org", sub.org))
			_ = sub.conn.Close()
		}
		return
	}
	select {
	case sub.send <- f:
	default:
		observability.RealtimeDroppedTotal.Inc()
	}
}

// RoomSize reports current membership of an org's room (used by tests and
// the readiness report).
func (h *Hub) RoomSize(orgID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomName(orgID)])
}
