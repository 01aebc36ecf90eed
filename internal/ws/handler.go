package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentdeck-io/agentdeck/internal/auth"
	"github.com/agentdeck-io/agentdeck/internal/hub"
	"github.com/agentdeck-io/agentdeck/internal/protocol"
)

// errMalformedFrame marks a frame that arrived but could not be decoded.
// Recoverable: the peer gets an ERROR and the connection stays open.
var errMalformedFrame = errors.New("ws: malformed frame")

// upgrader performs the HTTP → WebSocket upgrade. CheckOrigin always
// returns true — origin validation is the reverse proxy's responsibility
// in production deployments.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler owns the two WebSocket endpoints. Each accepted socket gets an
// authentication window (the hub's auth grace period) to present a valid
// connect frame; afterwards frames flow into the hub router until the
// socket dies.
type Handler struct {
	hub      *hub.Hub
	verifier auth.TokenVerifier
	grace    time.Duration
	logger   *zap.Logger
}

// NewHandler builds the WebSocket endpoint handler.
func NewHandler(h *hub.Hub, verifier auth.TokenVerifier, grace time.Duration, logger *zap.Logger) *Handler {
	return &Handler{
		hub:      h,
		verifier: verifier,
		grace:    grace,
		logger:   logger.Named("ws"),
	}
}

// ServeAgent handles GET /ws/agent.
func (h *Handler) ServeAgent(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, true)
}

// ServeDashboard handles GET /ws/dashboard.
func (h *Handler) ServeDashboard(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, false)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, isAgent bool) {
	if h.hub.ShuttingDown() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	log := h.logger.With(zap.String("remote_addr", r.RemoteAddr))
	wc := newWSConn(raw, log)
	go wc.writePump()

	conn, err := h.handshake(wc, r, isAgent)
	if err != nil {
		// handshake already closed the socket with the right error code.
		log.Info("handshake rejected", zap.Error(err))
		return
	}

	h.readLoop(wc, conn)
}

// handshake waits out the authentication window: the first frame must be
// the matching connect message carrying (or accompanied by) a verifiable
// token. On success the connection is registered with the hub.
func (h *Handler) handshake(wc *wsConn, r *http.Request, isAgent bool) (*hub.Connection, error) {
	wc.prepareRead(h.grace)

	env, err := wc.readEnvelope()
	if err != nil {
		wc.Close(protocol.CodeAuthTimeout, "no connect message within the authentication window")
		return nil, errors.New("ws: authentication window expired")
	}

	var agentPayload protocol.AgentConnectPayload
	var token, refreshToken string

	switch {
	case isAgent && env.Type == protocol.MsgAgentConnect:
		if err := env.Decode(&agentPayload); err != nil {
			wc.Close(protocol.CodeInvalidMessage, "malformed connect payload")
			return nil, errMalformedFrame
		}
		token, refreshToken = agentPayload.Token, agentPayload.RefreshToken
	case !isAgent && env.Type == protocol.MsgDashboardConnect:
		var p protocol.DashboardConnectPayload
		if err := env.Decode(&p); err != nil {
			wc.Close(protocol.CodeInvalidMessage, "malformed connect payload")
			return nil, errMalformedFrame
		}
		token, refreshToken = p.Token, p.RefreshToken
	default:
		wc.Close(protocol.CodeUnauthorized, "first message must authenticate the connection")
		return nil, errors.New("ws: unexpected first message " + string(env.Type))
	}

	// The payload token wins over upgrade-time credentials.
	if token == "" {
		token = requestToken(r)
	}
	if token == "" {
		h.hub.NoteAuthFailure(r.RemoteAddr, "no credentials presented")
		wc.Close(protocol.CodeUnauthorized, "no credentials presented")
		return nil, errors.New("ws: missing token")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	identity, err := h.verifier.Verify(ctx, token)
	cancel()
	if err != nil {
		h.hub.NoteAuthFailure(r.RemoteAddr, err.Error())
		wc.Close(authErrorCode(err), "token rejected")
		return nil, err
	}
	identity.RefreshToken = refreshToken

	var conn *hub.Connection
	if isAgent {
		conn, err = h.hub.RegisterAgent(wc, identity, agentPayload)
	} else {
		conn, err = h.hub.RegisterDashboard(wc, identity)
	}
	if err != nil {
		wc.Close(hub.CodeFor(err), err.Error())
		return nil, err
	}

	wc.prepareRead(pongWait)
	return conn, nil
}

// readLoop feeds inbound envelopes to the hub router until the socket
// closes, then unregisters the connection.
func (h *Handler) readLoop(wc *wsConn, conn *hub.Connection) {
	defer func() {
		h.hub.Unregister(conn.ID, "socket closed")
		wc.Close("", "")
	}()

	for {
		env, err := wc.readEnvelope()
		if errors.Is(err, errMalformedFrame) {
			if sendErr := wc.Send(protocol.NewError(protocol.CodeInvalidMessage, "frame is not valid JSON")); sendErr != nil {
				return
			}
			continue
		}
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				wc.logger.Debug("unexpected close", zap.Error(err))
			}
			return
		}
		h.hub.Route(conn, env)
	}
}

// requestToken extracts upgrade-time credentials: the Authorization bearer
// header, or the token query parameter for browser clients that cannot set
// headers on WebSocket dials.
func requestToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if after, found := strings.CutPrefix(header, "Bearer "); found {
			return after
		}
	}
	return r.URL.Query().Get("token")
}

// authErrorCode maps verification failures to wire error codes.
func authErrorCode(err error) protocol.ErrorCode {
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		return protocol.CodeTokenExpired
	case errors.Is(err, auth.ErrUnavailable):
		return protocol.CodeConnectionFailed
	default:
		return protocol.CodeUnauthorized
	}
}
