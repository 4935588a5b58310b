package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"

	"github.com/fleetwatch/dashboard/internal/projector"
)

// maxFrameSize is the largest frame accepted from a dashboard. Dashboards
// only send pings and close frames.
const maxFrameSize = 64 * 1024 // 64 KiB

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Authenticator resolves the session of an upgrade request before the
// connection is accepted.
type Authenticator interface {
	Authenticate(r *http.Request) (projector.Session, error)
}

// Handler is an http.Handler that upgrades dashboard connections and drives
// the per-client read/write loops.
//
// The request is authenticated before the upgrade; unauthenticated requests
// get a plain 401. Each accepted client is registered with the Broadcaster,
// receives one full update immediately, and then receives updates on its
// class's tick.
type Handler struct {
	bc       *Broadcaster
	auth     Authenticator
	src      Source
	logger   *slog.Logger
	upgrader gws.Upgrader

	// writeTimeout is how long the handler waits for a write to complete
	// before closing the connection.
	writeTimeout time.Duration
}

// NewHandler creates a Handler backed by bc.
//
// writeTimeout ≤ 0 defaults to 10 seconds.
func NewHandler(bc *Broadcaster, auth Authenticator, src Source, logger *slog.Logger, writeTimeout time.Duration) *Handler {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Handler{
		bc:     bc,
		auth:   auth,
		src:    src,
		logger: logger,
		upgrader: gws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		writeTimeout: writeTimeout,
	}
}

// ServeHTTP handles the HTTP → WebSocket upgrade and drives the connection
// lifecycle.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	session, err := h.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		h.logger.Warn("websocket: upgrade failed", slog.Any("error", err))
		return
	}

	clientID := uuid.NewString()
	client := h.bc.Register(clientID, session)
	defer h.bc.Unregister(clientID)

	h.logger.Info("websocket: client connected",
		slog.String("client_id", clientID),
		slog.String("role", string(session.Role)),
		slog.String("class", string(client.Class())),
		slog.String("remote_addr", conn.RemoteAddr().String()),
	)
	defer h.logger.Info("websocket: client disconnected", slog.String("client_id", clientID))

	var closed atomic.Bool
	closeOnce := func() {
		if closed.CompareAndSwap(false, true) {
			conn.Close()
		}
	}
	defer closeOnce()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("websocket: readLoop panic recovered",
					slog.Any("recover", rec),
					slog.String("client_id", clientID),
				)
			}
		}()
		h.readLoop(conn, clientID)
		closeOnce()
	}()

	ctx, cancel := context.WithTimeout(r.Context(), h.writeTimeout)
	h.bc.SendNow(ctx, client, h.src)
	cancel()

	h.writeLoop(conn, client, done)
}

// writeLoop drains client.Send() into text frames and pings the peer until
// the reader exits, the client is unregistered, or a write fails.
func (h *Handler) writeLoop(conn *gws.Conn, client *Client, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case msg, ok := <-client.Send():
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if !ok {
				_ = conn.WriteMessage(gws.CloseMessage,
					gws.FormatCloseMessage(gws.CloseGoingAway, "server shutting down"))
				return
			}
			if err := conn.WriteMessage(gws.TextMessage, msg); err != nil {
				h.logger.Warn("websocket: write frame failed",
					slog.String("client_id", client.ID()), slog.Any("error", err))
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteMessage(gws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards dashboard frames until the peer goes away. It keeps the
// pong deadline fresh so a silent peer is dropped after pongWait.
func (h *Handler) readLoop(conn *gws.Conn, clientID string) {
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if gws.IsUnexpectedCloseError(err, gws.CloseGoingAway, gws.CloseNormalClosure) {
				h.logger.Debug("websocket: read failed",
					slog.String("client_id", clientID), slog.Any("error", err))
			}
			return
		}
	}
}
