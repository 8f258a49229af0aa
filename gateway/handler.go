// Package gateway is the HTTP surface of the agent session gateway. It
// exposes two endpoints: ticket issuance for authenticated dashboard
// users, and the WebSocket session endpoint that redeems a ticket and
// hands the connection to the session engine.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voltfleet/agentgate/auth"
	"github.com/voltfleet/agentgate/internal/engine"
	"github.com/voltfleet/agentgate/internal/logctx"
	"github.com/voltfleet/agentgate/ticket"
	"github.com/voltfleet/agentgate/wire"
)

var _ http.Handler = (*Handler)(nil)

var jsonMediaType = contenttype.NewMediaType("application/json")

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"

	// maxFrameBytes bounds inbound WebSocket frames. Chat payloads are
	// capped at wire.MaxChatLen characters; this leaves room for the
	// JSON envelope and multi-byte runes.
	maxFrameBytes = 64 * 1024

	// defaultLivenessWindow is how long a connection may stay silent
	// before the read side gives up on it. Clients ping every 30s, so
	// this tolerates two missed pings plus slack.
	defaultLivenessWindow = 90 * time.Second

	writeWait = 10 * time.Second
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections.
// Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the logger. If not provided, slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithBasePath mounts both endpoints under a path prefix, e.g. "/api/agent".
func WithBasePath(p string) Option {
	return func(h *Handler) { h.basePath = strings.TrimSuffix(p, "/") }
}

// WithOriginCheck overrides the WebSocket origin policy. The default
// accepts same-origin requests only (gorilla's default).
func WithOriginCheck(fn func(r *http.Request) bool) Option {
	return func(h *Handler) { h.upgrader.CheckOrigin = fn }
}

// WithLivenessWindow overrides how long a session connection may stay
// silent before the gateway closes it.
func WithLivenessWindow(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.livenessWindow = d
		}
	}
}

// Handler serves ticket issuance and WebSocket sessions.
//
// The authenticator and ticket authority may be nil in partially wired
// deployments: issuance then fails with 401/503, and session upgrades
// are closed with wire.CloseAuthNotConfigured. There is no anonymous
// fallback.
type Handler struct {
	eng       *engine.Engine
	authority *ticket.Authority
	authn     auth.Authenticator
	log       *slog.Logger

	basePath       string
	livenessWindow time.Duration
	upgrader       websocket.Upgrader

	mux *http.ServeMux
}

func New(eng *engine.Engine, authority *ticket.Authority, authn auth.Authenticator, opts ...Option) *Handler {
	h := &Handler{
		eng:            eng,
		authority:      authority,
		authn:          authn,
		log:            slog.Default(),
		livenessWindow: defaultLivenessWindow,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}

	h.mux = http.NewServeMux()
	h.mux.HandleFunc("POST "+h.basePath+"/ticket", h.handleTicket)
	h.mux.HandleFunc("GET "+h.basePath+"/session", h.handleSession)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

// ticketRequest is the optional issuance body. Both fields default
// server-side when omitted.
type ticketRequest struct {
	SessionID      string `json:"session_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type ticketResponse struct {
	Ticket           string `json:"ticket"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
}

func (h *Handler) handleTicket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, []contenttype.MediaType{jsonMediaType}); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept header does not allow application/json")
		return
	}

	if h.authn == nil {
		h.log.ErrorContext(ctx, "ticket.issue.no_authenticator")
		writeJSONError(w, http.StatusServiceUnavailable, "authentication not configured")
		return
	}
	if h.authority == nil {
		h.log.ErrorContext(ctx, "ticket.issue.no_authority")
		writeJSONError(w, http.StatusServiceUnavailable, "ticket issuance not configured")
		return
	}

	tok, ok := bearerToken(r)
	if !ok {
		w.Header().Set(wwwAuthenticateHeader, `Bearer error="invalid_request"`)
		writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	user, err := h.authn.CheckAuthentication(ctx, tok)
	if err != nil {
		if !errors.Is(err, auth.ErrUnauthorized) {
			h.log.ErrorContext(ctx, "ticket.issue.authn.fail", slog.String("err", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "authentication check failed")
			return
		}
		w.Header().Set(wwwAuthenticateHeader, `Bearer error="invalid_token"`)
		writeJSONError(w, http.StatusUnauthorized, "invalid bearer token")
		return
	}

	var req ticketRequest
	if body, err := io.ReadAll(io.LimitReader(r.Body, 4096)); err == nil && len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "malformed request body")
			return
		}
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	token, err := h.authority.Issue(ctx, ticket.Identity{
		TenantID:       user.TenantID(),
		UserID:         user.UserID(),
		SessionID:      req.SessionID,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		if errors.Is(err, ticket.ErrStoreUnavailable) {
			writeJSONError(w, http.StatusServiceUnavailable, "ticket store unavailable")
			return
		}
		h.log.ErrorContext(ctx, "ticket.issue.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "ticket issuance failed")
		return
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(ticketResponse{
		Ticket:           token,
		ExpiresInSeconds: int(h.authority.TTL().Seconds()),
	})
}

func bearerToken(r *http.Request) (string, bool) {
	raw := r.Header.Get(authorizationHeader)
	tok, ok := strings.CutPrefix(raw, "Bearer ")
	tok = strings.TrimSpace(tok)
	return tok, ok && tok != ""
}

// handleSession upgrades to WebSocket, redeems the ticket, and runs the
// read and write pumps until either side goes away. The ticket comes
// from the query string only; by the time a credential could be read
// from a header the client has already committed to the handshake, and
// browsers cannot set custom WebSocket headers anyway.
func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.log.InfoContext(ctx, "ws.upgrade.fail", slog.String("err", err.Error()))
		return
	}
	defer func() { _ = ws.Close() }()

	if h.authority == nil {
		h.log.ErrorContext(ctx, "ws.no_authority")
		h.closeWith(ws, wire.CloseAuthNotConfigured, "ticket redemption not configured")
		return
	}

	identity, err := h.authority.Redeem(ctx, r.URL.Query().Get("ticket"))
	if err != nil {
		if errors.Is(err, ticket.ErrStoreUnavailable) {
			h.closeWith(ws, websocket.CloseInternalServerErr, "ticket store unavailable")
			return
		}
		h.closeWith(ws, wire.CloseInvalidTicket, "invalid ticket")
		return
	}

	conn := h.eng.NewConn(ctx, identity)
	defer conn.Close()

	ctx = logctx.WithConnData(ctx, &logctx.ConnData{
		ConnID:    conn.ID(),
		TenantID:  identity.TenantID,
		UserID:    identity.UserID,
		SessionID: identity.SessionID,
	})
	h.log.InfoContext(ctx, "ws.open")

	go h.writePump(ctx, ws, conn)
	h.readPump(ctx, ws, conn)
	h.log.InfoContext(ctx, "ws.close")
}

func (h *Handler) closeWith(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// readPump owns all reads. Any inbound frame, valid or not, counts as
// liveness; a connection silent past the window is torn down.
func (h *Handler) readPump(ctx context.Context, ws *websocket.Conn, conn *engine.Conn) {
	ws.SetReadLimit(maxFrameBytes)
	for {
		if err := ws.SetReadDeadline(time.Now().Add(h.livenessWindow)); err != nil {
			return
		}
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.InfoContext(ctx, "ws.read.fail", slog.String("err", err.Error()))
			}
			return
		}

		msg, err := wire.ParseClientMessage(data)
		if err != nil {
			conn.ReportInvalid(err.Error())
			continue
		}
		conn.HandleMessage(msg)
	}
}

// writePump owns all writes. Events are serialized in sequence order by
// the engine; the pump only moves them onto the socket.
func (h *Handler) writePump(ctx context.Context, ws *websocket.Conn, conn *engine.Conn) {
	for {
		select {
		case ev := <-conn.Events():
			if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := ws.WriteJSON(ev); err != nil {
				h.log.InfoContext(ctx, "ws.write.fail", slog.String("err", err.Error()))
				_ = ws.Close()
				return
			}
		case <-conn.Done():
			h.closeWith(ws, websocket.CloseNormalClosure, "")
			return
		}
	}
}
