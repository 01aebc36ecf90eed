package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// OIDCVerifier validates ID tokens against an OIDC provider discovered from
// its issuer URL. Signing keys are fetched and cached via the provider's
// JWKS endpoint, so key rotation needs no hub restart.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
	refresh  *refreshEndpoint
}

// NewOIDCVerifier performs issuer discovery and returns a ready verifier.
// clientID is the audience expected in tokens. refreshURL may be empty.
//
// Discovery performs a network round trip; callers pass a bounded ctx.
func NewOIDCVerifier(ctx context.Context, issuer, clientID, refreshURL string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("auth: oidc discovery for %s: %w", issuer, err)
	}

	return &OIDCVerifier{
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
		refresh:  newRefreshEndpoint(refreshURL),
	}, nil
}

// oidcClaims is the subset of ID token claims the hub reads beyond the
// standard ones go-oidc already validates.
type oidcClaims struct {
	Kind string `json:"kind"`
}

// Verify validates the raw ID token and maps it to an Identity.
func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (*Identity, error) {
	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		var expired *oidc.TokenExpiredError
		if errors.As(err, &expired) {
			return nil, ErrTokenExpired
		}
		// go-oidc wraps transport errors from the JWKS fetch; surface those
		// as retryable rather than treating the token as forged.
		if strings.Contains(err.Error(), "fetching keys") {
			return nil, ErrUnavailable
		}
		return nil, ErrTokenInvalid
	}

	var claims oidcClaims
	// Claim decode failures leave Kind empty, which defaults to user.
	_ = idToken.Claims(&claims)

	kind := PrincipalUser
	if claims.Kind == string(PrincipalService) {
		kind = PrincipalService
	}

	return &Identity{
		PrincipalID: idToken.Subject,
		Kind:        kind,
		ExpiresAt:   idToken.Expiry,
	}, nil
}

// Refresh exchanges a refresh token at the provider's refresh endpoint.
func (v *OIDCVerifier) Refresh(ctx context.Context, refreshToken string) (*Refreshed, error) {
	return v.refresh.exchange(ctx, refreshToken)
}
