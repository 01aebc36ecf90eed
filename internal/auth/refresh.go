package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// refreshEndpoint talks to the identity provider's token refresh endpoint:
//
//	POST <url>  {"refresh_token": "..."}
//	200         {"token": "...", "expires_at": <ms>, "refresh_token": "..."}
//
// A nil-URL endpoint rejects every exchange, which degrades gracefully to
// "connections expire at token end".
type refreshEndpoint struct {
	url    string
	client *http.Client
}

func newRefreshEndpoint(url string) *refreshEndpoint {
	return &refreshEndpoint{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	Token        string `json:"token"`
	ExpiresAt    int64  `json:"expires_at"` // milliseconds since epoch
	RefreshToken string `json:"refresh_token,omitempty"`
}

func (e *refreshEndpoint) exchange(ctx context.Context, refreshToken string) (*Refreshed, error) {
	if e.url == "" || refreshToken == "" {
		return nil, ErrInvalidRefreshToken
	}

	body, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return nil, fmt.Errorf("auth: marshaling refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("auth: building refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, ErrUnavailable
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// decoded below
	case resp.StatusCode >= 500:
		return nil, ErrUnavailable
	default:
		return nil, ErrInvalidRefreshToken
	}

	var out refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("auth: decoding refresh response: %w", err)
	}
	if out.Token == "" || out.ExpiresAt == 0 {
		return nil, ErrInvalidRefreshToken
	}

	return &Refreshed{
		Token:        out.Token,
		ExpiresAt:    time.UnixMilli(out.ExpiresAt),
		RefreshToken: out.RefreshToken,
	}, nil
}
