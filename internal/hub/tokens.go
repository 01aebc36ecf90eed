package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck-io/agentdeck/internal/auth"
	"github.com/agentdeck-io/agentdeck/internal/protocol"
)

// retryBackoff is the schedule for refresh attempts after the provider
// reports a transient failure. After the last attempt the connection is
// left to expire.
var retryBackoff = []time.Duration{time.Second, 3 * time.Second}

type tokenEntry struct {
	connectionID string
	refreshToken string
	expiresAt    time.Time
	timer        *time.Timer
}

// TokenManager keeps every connection's access token fresh. For each
// tracked connection it arms a timer at expiry minus the refresh lead; when
// it fires the manager exchanges the refresh token, pushes TOKEN_REFRESH to
// the peer, and re-arms for the new expiry. Connections whose token cannot
// be refreshed are closed with TOKEN_EXPIRED once the old token lapses.
type TokenManager struct {
	mu      sync.Mutex
	entries map[string]*tokenEntry

	verifier auth.TokenVerifier
	registry *Registry
	lead     time.Duration
	logger   *zap.Logger
}

// NewTokenManager creates the manager. verifier may be shared with the
// connection handlers.
func NewTokenManager(verifier auth.TokenVerifier, registry *Registry, lead time.Duration, logger *zap.Logger) *TokenManager {
	return &TokenManager{
		entries:  make(map[string]*tokenEntry),
		verifier: verifier,
		registry: registry,
		lead:     lead,
		logger:   logger.Named("tokens"),
	}
}

// Track starts refresh scheduling for a newly authenticated connection.
// Identities without a refresh token are still tracked so the expiry
// deadline is enforced.
func (m *TokenManager) Track(connectionID string, identity *auth.Identity) {
	entry := &tokenEntry{
		connectionID: connectionID,
		refreshToken: identity.RefreshToken,
		expiresAt:    identity.ExpiresAt,
	}

	m.mu.Lock()
	if old, ok := m.entries[connectionID]; ok {
		old.timer.Stop()
	}
	m.entries[connectionID] = entry
	m.armLocked(entry)
	m.mu.Unlock()
}

// Untrack stops scheduling for a connection. Safe to call for unknown ids.
func (m *TokenManager) Untrack(connectionID string) {
	m.mu.Lock()
	if entry, ok := m.entries[connectionID]; ok {
		entry.timer.Stop()
		delete(m.entries, connectionID)
	}
	m.mu.Unlock()
}

// Stop cancels every pending timer. Called on hub shutdown.
func (m *TokenManager) Stop() {
	m.mu.Lock()
	for id, entry := range m.entries {
		entry.timer.Stop()
		delete(m.entries, id)
	}
	m.mu.Unlock()
}

// TrackedCount returns the number of connections under management.
func (m *TokenManager) TrackedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// armLocked schedules the refresh timer at expiry minus the lead. Already
// past-due deadlines fire immediately. Caller holds m.mu.
func (m *TokenManager) armLocked(entry *tokenEntry) {
	fireAt := time.Until(entry.expiresAt.Add(-m.lead))
	if fireAt < 0 {
		fireAt = 0
	}
	entry.timer = time.AfterFunc(fireAt, func() { m.refresh(entry.connectionID) })
}

// refresh runs on the timer goroutine: exchange the refresh token, push the
// new access token to the peer, and re-arm. Transient provider failures are
// retried on a short backoff; hard failures expire the connection.
func (m *TokenManager) refresh(connectionID string) {
	m.mu.Lock()
	entry, ok := m.entries[connectionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	refreshToken := entry.refreshToken
	expiresAt := entry.expiresAt
	m.mu.Unlock()

	log := m.logger.With(zap.String("connection_id", connectionID))

	if refreshToken == "" {
		m.expireAt(connectionID, expiresAt, log)
		return
	}

	var refreshed *auth.Refreshed
	var err error
	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		refreshed, err = m.verifier.Refresh(ctx, refreshToken)
		cancel()

		if err == nil {
			break
		}
		if !errors.Is(err, auth.ErrUnavailable) || attempt >= len(retryBackoff) {
			log.Warn("token refresh failed, connection will expire", zap.Error(err))
			m.expireAt(connectionID, expiresAt, log)
			return
		}
		log.Warn("token provider unavailable, retrying refresh",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", retryBackoff[attempt]),
		)
		time.Sleep(retryBackoff[attempt])
	}

	conn, ok := m.registry.Get(connectionID)
	if !ok {
		m.Untrack(connectionID)
		return
	}

	env, envErr := protocol.NewEnvelope(protocol.MsgTokenRefresh, protocol.TokenRefreshPayload{
		Token:     refreshed.Token,
		ExpiresAt: refreshed.ExpiresAt.UnixMilli(),
	})
	if envErr == nil {
		if sendErr := conn.Send(env); sendErr != nil {
			log.Warn("failed to deliver refreshed token", zap.Error(sendErr))
		}
	}

	m.mu.Lock()
	if entry, ok := m.entries[connectionID]; ok {
		entry.expiresAt = refreshed.ExpiresAt
		if refreshed.RefreshToken != "" {
			entry.refreshToken = refreshed.RefreshToken
		}
		m.armLocked(entry)
	}
	m.mu.Unlock()

	log.Debug("token refreshed", zap.Time("expires_at", refreshed.ExpiresAt))
}

// expireAt closes the connection with TOKEN_EXPIRED once the current token
// lapses. When the expiry is already past the close is immediate.
func (m *TokenManager) expireAt(connectionID string, expiresAt time.Time, log *zap.Logger) {
	closeNow := func() {
		m.Untrack(connectionID)
		if conn, ok := m.registry.Get(connectionID); ok {
			log.Info("access token expired, closing connection")
			conn.Close(protocol.CodeTokenExpired, "access token expired")
		}
	}

	wait := time.Until(expiresAt)
	if wait <= 0 {
		closeNow()
		return
	}

	m.mu.Lock()
	if entry, ok := m.entries[connectionID]; ok {
		entry.timer.Stop()
		entry.timer = time.AfterFunc(wait, closeNow)
	}
	m.mu.Unlock()
}
