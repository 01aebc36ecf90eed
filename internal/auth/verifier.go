// Package auth defines the TokenVerifier interface the hub uses to
// authenticate peers, plus two implementations: a static-key RS256 JWT
// verifier and an OIDC verifier backed by issuer discovery.
//
// The hub never mints tokens — issuance and refresh-token validation belong
// to the external identity provider. Everything the hub needs is behind
// TokenVerifier so tests substitute fakes and deployments choose the
// implementation by configuration.
package auth

import (
	"context"
	"time"
)

// PrincipalKind distinguishes the two peer classes.
type PrincipalKind string

const (
	// PrincipalUser is a human operator behind a dashboard connection.
	PrincipalUser PrincipalKind = "user"

	// PrincipalService is an agent's service identity.
	PrincipalService PrincipalKind = "service"
)

// Identity is the result of a successful token verification.
type Identity struct {
	// PrincipalID is the user id (dashboards) or service identity (agents).
	PrincipalID string

	// Kind reports which peer class the token was minted for. Verifiers
	// that cannot tell report PrincipalUser and the endpoint decides.
	Kind PrincipalKind

	// ExpiresAt is the token's expiry instant.
	ExpiresAt time.Time

	// RefreshToken, when non-empty, can be exchanged for a fresh access
	// token via Refresh before ExpiresAt.
	RefreshToken string
}

// Refreshed is the result of a successful token refresh.
type Refreshed struct {
	Token        string
	ExpiresAt    time.Time
	RefreshToken string // may rotate; empty keeps the previous one
}

// TokenVerifier validates bearer tokens and exchanges refresh tokens.
// Implementations must be safe for concurrent use.
type TokenVerifier interface {
	// Verify checks token and returns the identity it carries.
	// Returns ErrTokenExpired, ErrTokenInvalid, or ErrUnavailable.
	Verify(ctx context.Context, token string) (*Identity, error)

	// Refresh exchanges refreshToken for a new access token.
	// Returns ErrInvalidRefreshToken on rejection or ErrUnavailable on
	// transient provider failure (the caller retries those).
	Refresh(ctx context.Context, refreshToken string) (*Refreshed, error)
}
