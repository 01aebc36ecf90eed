package ws_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentdeck-io/agentdeck/internal/auth"
	"github.com/agentdeck-io/agentdeck/internal/hub"
	"github.com/agentdeck-io/agentdeck/internal/protocol"
	"github.com/agentdeck-io/agentdeck/internal/ws"
)

type rejectVerifier struct{}

func (rejectVerifier) Verify(context.Context, string) (*auth.Identity, error) {
	return nil, auth.ErrTokenInvalid
}

func (rejectVerifier) Refresh(context.Context, string) (*auth.Refreshed, error) {
	return nil, auth.ErrInvalidRefreshToken
}

func TestHandshakeRejectsNonConnectFirstFrame(t *testing.T) {
	t.Parallel()

	h := hub.New(hub.DefaultConfig(), zap.NewNop(), hub.Repos{}, rejectVerifier{}, nil, nil, "test")
	handler := ws.NewHandler(h, rejectVerifier{}, time.Second, zap.NewNop())

	srv := httptest.NewServer(http.HandlerFunc(handler.ServeDashboard))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Anything but DASHBOARD_CONNECT as the first frame fails the handshake.
	ping, err := protocol.NewEnvelope(protocol.MsgPing, protocol.PingPayload{Timestamp: protocol.NowMillis()})
	if err != nil {
		t.Fatalf("NewEnvelope(PING) error = %v", err)
	}
	if err := conn.WriteJSON(ping); err != nil {
		t.Fatalf("WriteJSON error = %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply protocol.Envelope
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("ReadJSON error = %v", err)
	}
	if reply.Type != protocol.MsgError {
		t.Fatalf("reply type = %s, want %s", reply.Type, protocol.MsgError)
	}
	var p protocol.ErrorPayload
	if err := reply.Decode(&p); err != nil {
		t.Fatalf("Decode(ERROR) error = %v", err)
	}
	if p.Code != protocol.CodeUnauthorized {
		t.Errorf("rejection code = %q, want %q", p.Code, protocol.CodeUnauthorized)
	}
}
