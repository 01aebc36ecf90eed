package auth

import "errors"

// ErrTokenExpired is returned when a token is well-formed and correctly
// signed but past its expiry.
var ErrTokenExpired = errors.New("auth: token expired")

// ErrTokenInvalid is returned for malformed, tampered, or wrongly signed
// tokens. Deliberately indistinct — callers must not leak which check failed.
var ErrTokenInvalid = errors.New("auth: token invalid")

// ErrInvalidRefreshToken is returned when the identity provider rejects a
// refresh token (revoked, rotated away, or unknown).
var ErrInvalidRefreshToken = errors.New("auth: invalid refresh token")

// ErrUnavailable is returned on transient provider failures (network,
// 5xx responses). Callers retry with backoff before giving up.
var ErrUnavailable = errors.New("auth: identity provider unavailable")
