package protocol

// ErrorCode is the machine-readable class of an ERROR frame. The set is
// closed; codes map 1:1 onto the failure modes the hub can surface to a
// peer. Internal detail (stack traces, database errors) never rides along.
type ErrorCode string

const (
	CodeInvalidMessage      ErrorCode = "INVALID_MESSAGE"
	CodeInvalidMessageType  ErrorCode = "INVALID_MESSAGE_TYPE"
	CodeUnauthorized        ErrorCode = "UNAUTHORIZED"
	CodeAuthTimeout         ErrorCode = "AUTH_TIMEOUT"
	CodeTokenExpired        ErrorCode = "TOKEN_EXPIRED"
	CodeInvalidRefreshToken ErrorCode = "INVALID_REFRESH_TOKEN"
	CodeUnknownAgent        ErrorCode = "UNKNOWN_AGENT"
	CodeAgentNotFound       ErrorCode = "AGENT_NOT_FOUND"
	CodeValidationError     ErrorCode = "VALIDATION_ERROR"
	CodeInternalError       ErrorCode = "INTERNAL_ERROR"
	CodeConnectionFailed    ErrorCode = "CONNECTION_FAILED"
	CodeNotAuthenticated    ErrorCode = "NOT_AUTHENTICATED"
	CodeSuperseded          ErrorCode = "SUPERSEDED"
)

// Fatal reports whether an error of this class closes the connection.
// Authorization failures are always fatal; protocol-level mistakes keep the
// connection open so the peer can correct itself.
func (c ErrorCode) Fatal() bool {
	switch c {
	case CodeUnauthorized, CodeAuthTimeout, CodeTokenExpired,
		CodeInvalidRefreshToken, CodeNotAuthenticated, CodeSuperseded:
		return true
	}
	return false
}

// ErrorPayload is the payload of every ERROR frame.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
}

// NewError builds a ready-to-send ERROR envelope. It never fails: the
// payload contains only marshalable scalar fields.
func NewError(code ErrorCode, message string) Envelope {
	env, _ := NewEnvelope(MsgError, ErrorPayload{Code: code, Message: message})
	return env
}
