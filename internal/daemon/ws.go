package daemon

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lockerfleet/lockerfleet/internal/db"
	"github.com/lockerfleet/lockerfleet/internal/models"
)

const wsWriteTimeout = 5 * time.Second

// Hub pushes session state changes to connected apps over websockets.
//
// A client connects to /v1/ws?token=<websocket_token> and receives one JSON
// message per state change of the session the token belongs to. The hub is a
// Notifier: the engine calls NotifySession after every transition and the hub
// fans the update out to every connection subscribed to that session. A
// session with no listeners is a no-op, not an error.
type Hub struct {
	store    *db.Store
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]map[*wsConn]struct{} // session id -> connections
}

type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes
}

// NewHub constructs an empty hub.
func NewHub(store *db.Store, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		store:  store,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		conns: make(map[string]map[*wsConn]struct{}),
	}
}

// ServeHTTP upgrades the request and subscribes it to the session named by
// its token. The connection stays open until the client closes it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	session, err := h.store.GetSessionByToken(r.Context(), token)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		h.logger.Error("session token lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "session lookup failed")
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	wc := &wsConn{conn: conn}
	h.add(session.ID, wc)
	h.logger.Info("websocket subscribed", zap.String("session", session.ID))

	// Send the current state immediately so a reconnecting client does not
	// wait for the next transition.
	h.send(session.ID, wc, session.State)

	go h.readLoop(session.ID, wc)
}

// NotifySession implements Notifier.
func (h *Hub) NotifySession(ctx context.Context, sessionID string, state models.SessionState) error {
	h.mu.Lock()
	subscribers := make([]*wsConn, 0, len(h.conns[sessionID]))
	for wc := range h.conns[sessionID] {
		subscribers = append(subscribers, wc)
	}
	h.mu.Unlock()

	for _, wc := range subscribers {
		h.send(sessionID, wc, state)
	}
	return nil
}

// Close drops every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.conns {
		for wc := range set {
			_ = wc.conn.Close()
		}
	}
	h.conns = make(map[string]map[*wsConn]struct{})
}

func (h *Hub) add(sessionID string, wc *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[sessionID]
	if !ok {
		set = make(map[*wsConn]struct{})
		h.conns[sessionID] = set
	}
	set[wc] = struct{}{}
}

func (h *Hub) remove(sessionID string, wc *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[sessionID]
	if !ok {
		return
	}
	delete(set, wc)
	if len(set) == 0 {
		delete(h.conns, sessionID)
	}
}

func (h *Hub) send(sessionID string, wc *wsConn, state models.SessionState) {
	payload, err := json.Marshal(map[string]string{
		"session_id": sessionID,
		"state":      string(state),
	})
	if err != nil {
		return
	}
	wc.mu.Lock()
	defer wc.mu.Unlock()
	_ = wc.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := wc.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		h.logger.Debug("websocket write failed",
			zap.String("session", sessionID),
			zap.Error(err),
		)
	}
}

// readLoop drains client frames so pings are answered and a close frame
// tears the subscription down.
func (h *Hub) readLoop(sessionID string, wc *wsConn) {
	defer func() {
		h.remove(sessionID, wc)
		_ = wc.conn.Close()
	}()
	for {
		if _, _, err := wc.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// multiNotifier fans a session notification out to several notifiers; the
// MQTT notify topic and the websocket hub both get every update.
type multiNotifier []Notifier

func (m multiNotifier) NotifySession(ctx context.Context, sessionID string, state models.SessionState) error {
	var firstErr error
	for _, n := range m {
		if err := n.NotifySession(ctx, sessionID, state); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
