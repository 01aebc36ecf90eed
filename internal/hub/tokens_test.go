package hub

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck-io/agentdeck/internal/auth"
	"github.com/agentdeck-io/agentdeck/internal/protocol"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTokenManagerPushesRefreshedToken(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(zap.NewNop())
	verifier := &fakeVerifier{refreshed: &auth.Refreshed{
		Token:     "fresh-token",
		ExpiresAt: time.Now().Add(time.Hour),
	}}
	m := NewTokenManager(verifier, registry, time.Minute, zap.NewNop())
	defer m.Stop()

	peer := &fakePeer{}
	registry.Add(NewConnection("c1", KindDashboard, "user-1", peer))

	// Expiry inside the lead window: the refresh timer fires immediately.
	m.Track("c1", &auth.Identity{
		PrincipalID:  "user-1",
		ExpiresAt:    time.Now().Add(time.Second),
		RefreshToken: "refresh-1",
	})

	waitFor(t, "TOKEN_REFRESH delivery", func() bool {
		return len(peer.messagesOf(protocol.MsgTokenRefresh)) > 0
	})

	var p protocol.TokenRefreshPayload
	env := peer.messagesOf(protocol.MsgTokenRefresh)[0]
	if err := env.Decode(&p); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if p.Token != "fresh-token" {
		t.Errorf("Token = %q, want fresh-token", p.Token)
	}
	if p.ExpiresAt <= time.Now().UnixMilli() {
		t.Errorf("ExpiresAt = %d, want a future timestamp", p.ExpiresAt)
	}
}

func TestTokenManagerExpiresWithoutRefreshToken(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(zap.NewNop())
	m := NewTokenManager(&fakeVerifier{}, registry, time.Minute, zap.NewNop())
	defer m.Stop()

	peer := &fakePeer{}
	registry.Add(NewConnection("c1", KindAgent, "user-1", peer))

	// Already past expiry and no refresh token: the connection is closed
	// with TOKEN_EXPIRED as soon as the timer fires.
	m.Track("c1", &auth.Identity{
		PrincipalID: "user-1",
		ExpiresAt:   time.Now().Add(-time.Second),
	})

	waitFor(t, "token-expired close", func() bool {
		closed, _ := peer.isClosed()
		return closed
	})
	_, code := peer.isClosed()
	if code != protocol.CodeTokenExpired {
		t.Errorf("close code = %q, want %q", code, protocol.CodeTokenExpired)
	}
}

func TestTokenManagerExpiresOnInvalidRefreshToken(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(zap.NewNop())
	verifier := &fakeVerifier{refreshErr: auth.ErrInvalidRefreshToken}
	m := NewTokenManager(verifier, registry, time.Minute, zap.NewNop())
	defer m.Stop()

	peer := &fakePeer{}
	registry.Add(NewConnection("c1", KindDashboard, "user-1", peer))

	m.Track("c1", &auth.Identity{
		PrincipalID:  "user-1",
		ExpiresAt:    time.Now().Add(-time.Second),
		RefreshToken: "revoked",
	})

	waitFor(t, "token-expired close", func() bool {
		closed, _ := peer.isClosed()
		return closed
	})
}

func TestTokenManagerUntrack(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(zap.NewNop())
	m := NewTokenManager(&fakeVerifier{}, registry, time.Minute, zap.NewNop())
	defer m.Stop()

	m.Track("c1", &auth.Identity{PrincipalID: "user-1", ExpiresAt: time.Now().Add(time.Hour)})
	if got := m.TrackedCount(); got != 1 {
		t.Fatalf("TrackedCount = %d, want 1", got)
	}

	m.Untrack("c1")
	if got := m.TrackedCount(); got != 0 {
		t.Fatalf("TrackedCount after Untrack = %d, want 0", got)
	}
	m.Untrack("c1") // idempotent
}
