package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

// Claims holds the custom JWT claims the hub reads from access tokens.
// Standard claims (exp, iat, iss) are included via jwt.RegisteredClaims.
type Claims struct {
	jwt.RegisteredClaims

	// Kind is "user" or "service"; tokens without the claim default to user.
	Kind string `json:"kind,omitempty"`
}

// JWTVerifier validates RS256 access tokens against a static public key
// shared with the identity provider. Refresh is delegated to the provider's
// HTTP refresh endpoint when one is configured.
type JWTVerifier struct {
	publicKey *rsa.PublicKey
	issuer    string
	refresh   *refreshEndpoint
}

// NewJWTVerifierFromFile loads a PEM-encoded PKIX RSA public key from disk.
// refreshURL may be empty, in which case Refresh always fails with
// ErrInvalidRefreshToken and connections simply expire at token end.
func NewJWTVerifierFromFile(publicKeyPath, issuer, refreshURL string) (*JWTVerifier, error) {
	pubBytes, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("auth: reading public key file: %w", err)
	}
	return NewJWTVerifierFromPEM(pubBytes, issuer, refreshURL)
}

// NewJWTVerifierFromPEM parses PEM-encoded RSA public key bytes.
func NewJWTVerifierFromPEM(publicPEM []byte, issuer, refreshURL string) (*JWTVerifier, error) {
	block, _ := pem.Decode(publicPEM)
	if block == nil {
		return nil, errors.New("auth: failed to decode public key PEM block")
	}

	pubInterface, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parsing public key: %w", err)
	}

	publicKey, ok := pubInterface.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("auth: public key is not an RSA key")
	}

	return &JWTVerifier{
		publicKey: publicKey,
		issuer:    issuer,
		refresh:   newRefreshEndpoint(refreshURL),
	}, nil
}

// Verify parses and verifies a JWT string and maps its claims to an Identity.
//
// Callers should use errors.Is(err, auth.ErrTokenExpired) to distinguish
// expired tokens from tampered/malformed ones.
func (v *JWTVerifier) Verify(_ context.Context, tokenString string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(t *jwt.Token) (any, error) {
			// Reject tokens signed with anything other than RS256.
			// This prevents the "alg:none" and HMAC confusion attacks.
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
			}
			return v.publicKey, nil
		},
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrTokenInvalid
	}

	kind := PrincipalUser
	if claims.Kind == string(PrincipalService) {
		kind = PrincipalService
	}

	return &Identity{
		PrincipalID: claims.Subject,
		Kind:        kind,
		ExpiresAt:   claims.ExpiresAt.Time,
	}, nil
}

// Refresh exchanges a refresh token at the provider's refresh endpoint.
func (v *JWTVerifier) Refresh(ctx context.Context, refreshToken string) (*Refreshed, error) {
	return v.refresh.exchange(ctx, refreshToken)
}
