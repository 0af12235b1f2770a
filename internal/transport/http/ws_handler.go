package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"trivia-live-service/internal/app"
	"trivia-live-service/internal/domain"
	cerrors "trivia-live-service/internal/errors"
	"trivia-live-service/internal/registry"
)

type WSHandler struct {
	service  *app.Service
	registry *registry.Registry
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func NewWSHandler(service *app.Service, reg *registry.Registry, log *slog.Logger) *WSHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WSHandler{
		service:  service,
		registry: reg,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type answerPayload struct {
	Position int    `json:"position"`
	OptionID string `json:"optionId"`
}

type readyPayload struct {
	Ready bool `json:"ready"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type rejectedPayload struct {
	Reason   domain.RejectReason `json:"reason"`
	Position int                 `json:"position"`
}

type errorPayload struct {
	Code    cerrors.Code `json:"code"`
	Message string       `json:"message"`
}

type joinedPayload struct {
	ConnectionID string             `json:"connectionId"`
	Participant  domain.Participant `json:"participant"`
}

// ServeWS upgrades HTTP requests to websockets, joins the caller to the session and
// relays session events through the registry until the socket closes.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	id := identity(r)
	if sessionID == "" || id.UserID == "" {
		http.Error(w, "missing sessionId or user identity", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", "error", err)
		return
	}

	joined, err := h.service.Join(r.Context(), sessionID, id)
	if err != nil {
		_ = ws.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: toErrorPayload(err)})
		_ = ws.Close()
		return
	}

	conn := newWSConn(ws)
	defer func() {
		h.registry.Unregister(conn.ID())
		_ = conn.Close()
	}()

	// joined goes out before any session event is routed to this connection
	h.send(conn, "joined", joinedPayload{ConnectionID: conn.ID(), Participant: joined})
	h.registry.Register(conn, id.UserID, sessionID)
	h.sendSnapshot(r.Context(), conn, sessionID, id.UserID)

	log := h.log.With("session_id", sessionID, "user_id", id.UserID, "conn_id", conn.ID())
	log.Debug("ws connected")

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var in inboundMessage
		if err := ws.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("ws read failed", "error", err)
			}
			break
		}
		if left := h.dispatch(r.Context(), conn, sessionID, id.UserID, in); left {
			break
		}
	}
	log.Debug("ws disconnected")
}

// dispatch handles one inbound message and reports whether the participant left.
func (h *WSHandler) dispatch(ctx context.Context, conn *wsConn, sessionID, userID string, in inboundMessage) bool {
	var err error
	switch in.Type {
	case "answer":
		var p answerPayload
		if err := json.Unmarshal(in.Payload, &p); err != nil {
			h.sendError(conn, cerrors.New(cerrors.CodeInvalidArgument, cerrors.WithMessagef("invalid answer payload")))
			return false
		}
		_, err = h.service.SubmitAnswer(ctx, sessionID, userID, p.Position, p.OptionID)
		var rej *domain.Rejection
		if errors.As(err, &rej) {
			h.send(conn, "answer-rejected", rejectedPayload{Reason: rej.Reason, Position: rej.Position})
			return false
		}
	case "ready":
		p := readyPayload{Ready: true}
		if len(in.Payload) > 0 {
			if err := json.Unmarshal(in.Payload, &p); err != nil {
				h.sendError(conn, cerrors.New(cerrors.CodeInvalidArgument, cerrors.WithMessagef("invalid ready payload")))
				return false
			}
		}
		err = h.service.SetReady(ctx, sessionID, userID, p.Ready)
	case "start":
		err = h.service.Start(ctx, sessionID, userID)
	case "pause":
		err = h.service.Pause(ctx, sessionID, userID)
	case "resume":
		err = h.service.Resume(ctx, sessionID, userID)
	case "cancel":
		err = h.service.Cancel(ctx, sessionID, userID)
	case "snapshot":
		h.sendSnapshot(ctx, conn, sessionID, userID)
	case "leave":
		if err := h.service.Leave(ctx, sessionID, userID); err != nil {
			h.sendError(conn, err)
			return false
		}
		return true
	default:
		h.sendError(conn, cerrors.New(cerrors.CodeInvalidArgument, cerrors.WithMessagef("unsupported message type %q", in.Type)))
		return false
	}
	if err != nil {
		h.sendError(conn, err)
	}
	return false
}

func (h *WSHandler) sendSnapshot(ctx context.Context, conn *wsConn, sessionID, userID string) {
	snap, err := h.service.Snapshot(ctx, sessionID, userID)
	if err != nil {
		h.sendError(conn, err)
		return
	}
	h.send(conn, "snapshot", snap)
}

func (h *WSHandler) sendError(conn *wsConn, err error) {
	h.send(conn, "error", toErrorPayload(err))
}

func (h *WSHandler) send(conn *wsConn, typ string, payload any) {
	msg, err := json.Marshal(outboundMessage[any]{Type: typ, Payload: payload})
	if err != nil {
		h.log.Error("ws: marshal message", "type", typ, "error", err)
		return
	}
	if err := conn.Send(msg); err != nil {
		h.log.Debug("ws: send failed", "conn_id", conn.ID(), "type", typ, "error", err)
	}
}

func toErrorPayload(err error) errorPayload {
	e := cerrors.Convert(err)
	return errorPayload{Code: e.Code, Message: e.Message}
}
