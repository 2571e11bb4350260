package realtime

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"generation-queue/internal/broadcast"
	"generation-queue/internal/registry"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 90 * time.Second
	maxMsgSize = 4 * 1024
)

// Hub owns the live websocket connections and routes inbound client actions
// to the registry. It is also the broadcast transport: Send reports
// ErrConnectionGone when the target channel has disappeared.
type Hub struct {
	registry *registry.Registry
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*connection
}

type connection struct {
	id      string
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func NewHub(reg *registry.Registry, log zerolog.Logger) *Hub {
	return &Hub{
		registry: reg,
		log:      log.With().Str("component", "hub").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[string]*connection),
	}
}

// HandleWS upgrades the request and services the connection until it closes.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	connID := uuid.New().String()
	userID := r.URL.Query().Get("userId")
	conn := &connection{id: connID, ws: ws}

	h.mu.Lock()
	h.conns[connID] = conn
	h.mu.Unlock()

	if err := h.registry.RegisterConnection(r.Context(), connID, userID); err != nil {
		h.log.Error().Err(err).Str("connection_id", connID).Msg("register connection failed")
	}
	h.log.Info().Str("connection_id", connID).Str("user_id", userID).Msg("client connected")

	h.readLoop(conn, userID)
}

func (h *Hub) readLoop(conn *connection, userID string) {
	defer h.drop(conn.id)

	conn.ws.SetReadLimit(maxMsgSize)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn().Err(err).Str("connection_id", conn.id).Msg("read failed")
			}
			return
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		h.handleMessage(context.Background(), conn, userID, raw)
	}
}

// handleMessage routes one inbound frame. Every path answers the requester,
// including malformed input.
func (h *Hub) handleMessage(ctx context.Context, conn *connection, userID string, raw []byte) {
	msg, err := ParseClientMessage(raw)
	if err != nil {
		reply := NewStatus(TypeError)
		reply.Error = err.Error()
		h.reply(conn, reply)
		return
	}

	switch msg.Action {
	case ActionSubscribe:
		h.handleSubscribe(ctx, conn, userID, msg)
	case ActionUnsubscribe:
		h.handleUnsubscribe(ctx, conn, msg)
	case ActionPing:
		if err := h.registry.TouchConnection(ctx, conn.id); err != nil {
			h.log.Warn().Err(err).Str("connection_id", conn.id).Msg("touch connection failed")
		}
		reply := NewStatus(TypePong)
		reply.RequestID = msg.RequestID
		h.reply(conn, reply)
	}
}

func (h *Hub) handleSubscribe(ctx context.Context, conn *connection, connUserID string, msg ClientMessage) {
	if _, ok, err := h.registry.ConnectionUser(ctx, conn.id); err != nil || !ok {
		reply := NewStatus(TypeError)
		reply.RequestID = msg.RequestID
		reply.Error = "connection is not registered"
		h.reply(conn, reply)
		return
	}

	userID := msg.Data.UserID
	if userID == "" {
		userID = connUserID
	}
	if _, err := h.registry.Subscribe(ctx, msg.Data.PromptID, conn.id, userID); err != nil {
		h.log.Error().Err(err).Str("prompt_id", msg.Data.PromptID).Msg("subscribe failed")
		reply := NewStatus(TypeError)
		reply.RequestID = msg.RequestID
		reply.Error = "subscribe failed"
		h.reply(conn, reply)
		return
	}

	reply := NewStatus(TypeSubscribed)
	reply.RequestID = msg.RequestID
	reply.PromptID = msg.Data.PromptID
	h.reply(conn, reply)
}

func (h *Hub) handleUnsubscribe(ctx context.Context, conn *connection, msg ClientMessage) {
	if err := h.registry.Unsubscribe(ctx, msg.Data.PromptID, conn.id); err != nil {
		h.log.Warn().Err(err).Str("prompt_id", msg.Data.PromptID).Msg("unsubscribe failed")
	}
	reply := NewStatus(TypeUnsubscribed)
	reply.RequestID = msg.RequestID
	reply.PromptID = msg.Data.PromptID
	h.reply(conn, reply)
}

func (h *Hub) reply(conn *connection, msg StatusMessage) {
	if err := h.writeJSON(conn, msg); err != nil {
		h.log.Warn().Err(err).Str("connection_id", conn.id).Msg("reply failed")
	}
}

// Send implements broadcast.Transport.
func (h *Hub) Send(ctx context.Context, connectionID string, payload any) error {
	h.mu.RLock()
	conn, ok := h.conns[connectionID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("send to %s: %w", connectionID, broadcast.ErrConnectionGone)
	}
	if err := h.writeJSON(conn, payload); err != nil {
		// A write failure means the peer went away mid-flight; treat it the
		// same as a missing connection so the dispatcher prunes it.
		h.drop(connectionID)
		return fmt.Errorf("send to %s: %w", connectionID, broadcast.ErrConnectionGone)
	}
	return nil
}

func (h *Hub) writeJSON(conn *connection, payload any) error {
	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()
	_ = conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.ws.WriteJSON(payload)
}

// drop closes and forgets a connection and deletes its registry row.
func (h *Hub) drop(connectionID string) {
	h.mu.Lock()
	conn, ok := h.conns[connectionID]
	delete(h.conns, connectionID)
	h.mu.Unlock()
	if !ok {
		return
	}
	_ = conn.ws.Close()
	if err := h.registry.RemoveConnection(context.Background(), connectionID); err != nil {
		h.log.Warn().Err(err).Str("connection_id", connectionID).Msg("remove connection failed")
	}
	h.log.Info().Str("connection_id", connectionID).Msg("client disconnected")
}

// Close tears down all live connections, used during shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*connection)
	h.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.Close()
	}
}
