package hub

import (
	"errors"

	"github.com/agentdeck-io/agentdeck/internal/protocol"
)

// Sentinel errors surfaced by the connection lifecycle. The WebSocket layer
// maps them to wire error codes via CodeFor.
var (
	// ErrValidation marks a malformed or incomplete payload.
	ErrValidation = errors.New("hub: validation failed")

	// ErrUnknownAgent means the presented agent id has no record.
	ErrUnknownAgent = errors.New("hub: unknown agent")

	// ErrNotOwner means the authenticated principal does not own the agent
	// it tried to bind or target.
	ErrNotOwner = errors.New("hub: agent not owned by principal")
)

// CodeFor maps a hub error to the wire error code sent to the peer.
// Unknown errors are reported as INTERNAL_ERROR without detail.
func CodeFor(err error) protocol.ErrorCode {
	switch {
	case errors.Is(err, ErrValidation):
		return protocol.CodeValidationError
	case errors.Is(err, ErrUnknownAgent):
		return protocol.CodeUnknownAgent
	case errors.Is(err, ErrNotOwner):
		return protocol.CodeUnauthorized
	default:
		return protocol.CodeInternalError
	}
}
