package auth_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentdeck-io/agentdeck/internal/auth"
)

func verifierWithRefreshURL(t *testing.T, url string) *auth.JWTVerifier {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey() error = %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	verifier, err := auth.NewJWTVerifierFromPEM(pubPEM, testIssuer, url)
	if err != nil {
		t.Fatalf("NewJWTVerifierFromPEM() error = %v", err)
	}
	return verifier
}

func TestRefreshExchangeSuccess(t *testing.T) {
	t.Parallel()

	expiresAt := time.Now().Add(time.Hour).UnixMilli()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RefreshToken string `json:"refresh_token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken != "refresh-1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"token":         "fresh-access",
			"expires_at":    expiresAt,
			"refresh_token": "refresh-2",
		})
	}))
	defer srv.Close()

	verifier := verifierWithRefreshURL(t, srv.URL)

	refreshed, err := verifier.Refresh(context.Background(), "refresh-1")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if refreshed.Token != "fresh-access" {
		t.Errorf("Token = %q, want fresh-access", refreshed.Token)
	}
	if refreshed.RefreshToken != "refresh-2" {
		t.Errorf("RefreshToken = %q, want the rotated token", refreshed.RefreshToken)
	}
	if refreshed.ExpiresAt.UnixMilli() != expiresAt {
		t.Errorf("ExpiresAt = %v, want %d", refreshed.ExpiresAt.UnixMilli(), expiresAt)
	}
}

func TestRefreshExchangeRejection(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	verifier := verifierWithRefreshURL(t, srv.URL)
	if _, err := verifier.Refresh(context.Background(), "revoked"); !errors.Is(err, auth.ErrInvalidRefreshToken) {
		t.Fatalf("Refresh() error = %v, want ErrInvalidRefreshToken", err)
	}
}

func TestRefreshExchangeProviderDown(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	verifier := verifierWithRefreshURL(t, srv.URL)
	if _, err := verifier.Refresh(context.Background(), "refresh-1"); !errors.Is(err, auth.ErrUnavailable) {
		t.Fatalf("Refresh() error = %v, want ErrUnavailable", err)
	}
}

func TestRefreshExchangeUnreachable(t *testing.T) {
	t.Parallel()

	// Closed server: connection refused maps to the transient class so the
	// token manager retries.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	verifier := verifierWithRefreshURL(t, url)
	if _, err := verifier.Refresh(context.Background(), "refresh-1"); !errors.Is(err, auth.ErrUnavailable) {
		t.Fatalf("Refresh() error = %v, want ErrUnavailable", err)
	}
}
