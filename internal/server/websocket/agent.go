package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"

	"github.com/fleetwatch/dashboard/internal/ingest"
	"github.com/fleetwatch/dashboard/internal/server/storage"
)

// maxAgentFrameSize matches the HTTP ingest body limit.
const maxAgentFrameSize = 4 << 20

// AgentAuthenticator checks an agent upgrade request.
type AgentAuthenticator interface {
	AuthenticateAgent(r *http.Request) error
}

// LiveIngestor accepts snapshots received on a live session.
type LiveIngestor interface {
	IngestLive(ctx context.Context, sessionID string, snap ingest.Snapshot) (ingest.Result, error)
}

// LiveSessions tracks open live agent sessions.
type LiveSessions interface {
	Open(sessionID string)
	Close(sessionID string)
}

// AgentReply is the frame sent back for every snapshot an agent pushes.
type AgentReply struct {
	Type   string         `json:"type"` // "ack" or "error"
	Result *ingest.Result `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
	Code   string         `json:"code,omitempty"`
}

// AgentHandler serves /ws/agent. Each connection is one live session: its
// latest snapshot is visible to the merge engine until the socket closes.
type AgentHandler struct {
	auth     AgentAuthenticator
	ingestor LiveIngestor
	sessions LiveSessions
	logger   *slog.Logger
	upgrader gws.Upgrader

	writeTimeout time.Duration
}

// NewAgentHandler creates an AgentHandler. writeTimeout ≤ 0 defaults to 10
// seconds.
func NewAgentHandler(auth AgentAuthenticator, ingestor LiveIngestor, sessions LiveSessions, logger *slog.Logger, writeTimeout time.Duration) *AgentHandler {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &AgentHandler{
		auth:     auth,
		ingestor: ingestor,
		sessions: sessions,
		logger:   logger,
		upgrader: gws.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 1024,
		},
		writeTimeout: writeTimeout,
	}
}

// ServeHTTP upgrades the agent connection and ingests every text frame as a
// snapshot until the agent disconnects.
func (h *AgentHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.AuthenticateAgent(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket: agent upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	sessionID := uuid.NewString()
	h.sessions.Open(sessionID)
	defer h.sessions.Close(sessionID)

	h.logger.Info("websocket: agent session opened",
		slog.String("session_id", sessionID),
		slog.String("remote_addr", conn.RemoteAddr().String()),
	)
	defer h.logger.Info("websocket: agent session closed", slog.String("session_id", sessionID))

	conn.SetReadLimit(maxAgentFrameSize)
	for {
		mt, raw, err := conn.ReadMessage()
		if err != nil {
			if gws.IsUnexpectedCloseError(err, gws.CloseGoingAway, gws.CloseNormalClosure) {
				h.logger.Warn("websocket: agent read failed",
					slog.String("session_id", sessionID), slog.Any("error", err))
			}
			return
		}
		if mt != gws.TextMessage {
			continue
		}

		reply := h.handleFrame(r.Context(), sessionID, raw)
		_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
		if err := conn.WriteJSON(reply); err != nil {
			h.logger.Warn("websocket: agent reply failed",
				slog.String("session_id", sessionID), slog.Any("error", err))
			return
		}
	}
}

func (h *AgentHandler) handleFrame(ctx context.Context, sessionID string, raw []byte) AgentReply {
	snap, err := ingest.DecodeBytes(raw)
	if err == nil {
		var res ingest.Result
		res, err = h.ingestor.IngestLive(ctx, sessionID, snap)
		if err == nil {
			return AgentReply{Type: "ack", Result: &res}
		}
	}

	var verr *ingest.ValidationError
	switch {
	case errors.As(err, &verr):
		return AgentReply{Type: "error", Error: verr.Error(), Code: "invalid_snapshot"}
	case errors.Is(err, storage.ErrStoreUnavailable):
		// The live buffer already holds the records; only the durable write
		// failed.
		return AgentReply{Type: "error", Error: err.Error(), Code: "store_unavailable"}
	default:
		h.logger.Error("websocket: agent ingest failed",
			slog.String("session_id", sessionID), slog.Any("error", err))
		return AgentReply{Type: "error", Error: "internal error", Code: "internal"}
	}
}
