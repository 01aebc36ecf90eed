// Package protocol defines the WebSocket wire format shared by agents,
// dashboards, and the hub. Every frame is a JSON envelope with four
// mandatory top-level fields:
//
//	{"type":"COMMAND_REQUEST","id":"<correlation id>","timestamp":1712345678901,"payload":{...}}
//
// The message-kind set is closed: each peer class may only send the kinds
// listed for it, and the hub rejects everything else with
// INVALID_MESSAGE_TYPE. Payload shapes are declared as typed structs here so
// that both handler code and tests dispatch exhaustively instead of poking
// at untyped maps.
package protocol

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of event carried by an Envelope.
type MessageType string

// Agent → Server.
const (
	MsgAgentConnect        MessageType = "AGENT_CONNECT"
	MsgAgentHeartbeat      MessageType = "AGENT_HEARTBEAT"
	MsgAgentError          MessageType = "AGENT_ERROR"
	MsgCommandAck          MessageType = "COMMAND_ACK"
	MsgCommandComplete     MessageType = "COMMAND_COMPLETE"
	MsgTerminalOutput      MessageType = "TERMINAL_OUTPUT"
	MsgTraceEvent          MessageType = "TRACE_EVENT"
	MsgInvestigationReport MessageType = "INVESTIGATION_REPORT"
)

// Dashboard → Server.
const (
	MsgDashboardConnect  MessageType = "DASHBOARD_CONNECT"
	MsgCommandRequest    MessageType = "COMMAND_REQUEST"
	MsgCommandCancel     MessageType = "COMMAND_CANCEL"
	MsgEmergencyStop     MessageType = "EMERGENCY_STOP"
	MsgSubscribeTraces   MessageType = "SUBSCRIBE_TRACES"
	MsgUnsubscribeTraces MessageType = "UNSUBSCRIBE_TRACES"
)

// Server → Agent.
const (
	MsgServerHeartbeat MessageType = "SERVER_HEARTBEAT"
	MsgTokenRefresh    MessageType = "TOKEN_REFRESH"
)

// Server → Dashboard.
const (
	MsgConnectionAck     MessageType = "CONNECTION_ACK"
	MsgAgentList         MessageType = "AGENT_LIST"
	MsgAgentConnected    MessageType = "AGENT_CONNECTED"
	MsgAgentDisconnected MessageType = "AGENT_DISCONNECTED"
	MsgCommandStatus     MessageType = "COMMAND_STATUS"
	MsgTerminalStream    MessageType = "TERMINAL_STREAM"
	MsgTraceStream       MessageType = "TRACE_STREAM"
)

// Bidirectional.
const (
	MsgAck            MessageType = "ACK"
	MsgError          MessageType = "ERROR"
	MsgPing           MessageType = "PING"
	MsgPong           MessageType = "PONG"
	MsgServerShutdown MessageType = "SERVER_SHUTDOWN"
)

// agentInbound is the closed set of kinds an authenticated agent connection
// may send to the hub. PING/PONG are handled before routing but are still
// legal on the wire.
var agentInbound = map[MessageType]struct{}{
	MsgAgentConnect:        {},
	MsgAgentHeartbeat:      {},
	MsgAgentError:          {},
	MsgCommandAck:          {},
	MsgCommandComplete:     {},
	MsgTerminalOutput:      {},
	MsgTraceEvent:          {},
	MsgInvestigationReport: {},
	MsgPing:                {},
	MsgPong:                {},
}

// dashboardInbound is the closed set of kinds an authenticated dashboard
// connection may send to the hub.
var dashboardInbound = map[MessageType]struct{}{
	MsgDashboardConnect:  {},
	MsgCommandRequest:    {},
	MsgCommandCancel:     {},
	MsgEmergencyStop:     {},
	MsgSubscribeTraces:   {},
	MsgUnsubscribeTraces: {},
	MsgPing:              {},
	MsgPong:              {},
}

// AllowedFromAgent reports whether an agent connection may send t.
func AllowedFromAgent(t MessageType) bool {
	_, ok := agentInbound[t]
	return ok
}

// AllowedFromDashboard reports whether a dashboard connection may send t.
func AllowedFromDashboard(t MessageType) bool {
	_, ok := dashboardInbound[t]
	return ok
}

// ErrMissingField is returned by Envelope.Validate when one of the four
// mandatory top-level fields is absent or empty.
var ErrMissingField = errors.New("protocol: envelope is missing a mandatory field")

// Envelope is the four-field wrapper around every wire message. Payload is
// kept raw so the router can validate the type before committing to a
// payload shape.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"` // milliseconds since epoch
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope builds a server-originated envelope around payload with a
// fresh correlation id and the current timestamp. Marshal failures can only
// come from unmarshalable payload types, which is a programming error, so
// callers treat the returned error as fatal for the message, not the
// connection.
func NewEnvelope(t MessageType, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:      t,
		ID:        uuid.NewString(),
		Timestamp: NowMillis(),
		Payload:   raw,
	}, nil
}

// Validate checks the presence of all four mandatory fields. An empty JSON
// object is a legal payload; an absent payload field is not.
func (e *Envelope) Validate() error {
	if e.Type == "" || e.ID == "" || e.Timestamp == 0 || len(e.Payload) == 0 {
		return ErrMissingField
	}
	return nil
}

// Decode unmarshals the payload into target.
func (e *Envelope) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// NowMillis returns the current time in milliseconds since the Unix epoch,
// the timestamp unit used on the wire.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// -----------------------------------------------------------------------------
// Handshake & presence payloads
// -----------------------------------------------------------------------------

// AgentConnectPayload authenticates an agent connection. Token may instead
// be supplied at upgrade time (Authorization header or ?token=); the payload
// field wins when both are present. Name and AgentType allow a first-time
// agent to self-register.
type AgentConnectPayload struct {
	AgentID   string `json:"agentId"`
	Name      string `json:"name"`
	AgentType string `json:"agentType"`
	Version   string `json:"version"`
	Token     string `json:"token,omitempty"`

	// RefreshToken, when present, lets the hub renew the access token
	// before expiry instead of dropping the connection.
	RefreshToken string `json:"refreshToken,omitempty"`
}

// DashboardConnectPayload authenticates a dashboard connection.
type DashboardConnectPayload struct {
	Token        string `json:"token,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

// ConnectionAckPayload confirms successful authentication.
type ConnectionAckPayload struct {
	ConnectionID  string   `json:"connectionId"`
	ServerVersion string   `json:"serverVersion"`
	Features      []string `json:"features"`
}

// AgentSummary is one entry in the AGENT_LIST snapshot and the payload of
// AGENT_CONNECTED / AGENT_DISCONNECTED broadcasts.
type AgentSummary struct {
	AgentID       string `json:"agentId"`
	Name          string `json:"name"`
	AgentType     string `json:"agentType"`
	Status        string `json:"status"`   // offline | connecting | online | error
	Activity      string `json:"activity"` // idle | processing | queued
	LastHeartbeat int64  `json:"lastHeartbeat,omitempty"`
}

// AgentListPayload is the snapshot sent to a dashboard right after CONNECTION_ACK.
type AgentListPayload struct {
	Agents []AgentSummary `json:"agents"`
}

// AgentHeartbeatPayload carries the agent's self-reported activity.
type AgentHeartbeatPayload struct {
	Activity string `json:"activity,omitempty"` // idle | processing | queued
}

// -----------------------------------------------------------------------------
// Command payloads
// -----------------------------------------------------------------------------

// CommandRequestPayload is issued by a dashboard and forwarded to agents.
// TargetAgents lists agent UUIDs; Broadcast addresses every agent owned by
// the issuer instead. Priority is 0–10, higher first on offline-queue drain.
type CommandRequestPayload struct {
	CommandID    string          `json:"commandId"`
	TargetAgents []string        `json:"targetAgents"`
	Broadcast    bool            `json:"broadcast,omitempty"`
	Priority     int             `json:"priority"`
	Content      json.RawMessage `json:"content"`
}

// CommandCancelPayload cancels a previously issued command. Only the origin
// connection of the command may cancel it.
type CommandCancelPayload struct {
	CommandID string `json:"commandId"`
	Reason    string `json:"reason,omitempty"`
}

// CommandAckPayload is the agent's acknowledgement that it accepted a command.
type CommandAckPayload struct {
	CommandID string `json:"commandId"`
	AgentID   string `json:"agentId"`
}

// CommandStatusPayload reports a command lifecycle transition. Sent by
// agents (COMMAND_STATUS semantics inside COMMAND_ACK/COMPLETE flows) and by
// the hub to dashboards as COMMAND_STATUS.
type CommandStatusPayload struct {
	CommandID string `json:"commandId"`
	AgentID   string `json:"agentId,omitempty"`
	Status    string `json:"status"` // pending | queued | executing | completed | failed | cancelled
	Detail    string `json:"detail,omitempty"`
}

// CommandCompletePayload terminates a command on an agent.
type CommandCompletePayload struct {
	CommandID string `json:"commandId"`
	AgentID   string `json:"agentId"`
	Status    string `json:"status"` // completed | failed | cancelled
	ExitCode  int    `json:"exitCode"`
	Error     string `json:"error,omitempty"`
}

// EmergencyStopPayload aborts all active work for the issuing user.
type EmergencyStopPayload struct {
	Reason string `json:"reason,omitempty"`
}

// -----------------------------------------------------------------------------
// Terminal & trace payloads
// -----------------------------------------------------------------------------

// TerminalOutputPayload is a single output line submitted by an agent.
// Sequence is per (commandId, agentId) session and strictly increasing.
type TerminalOutputPayload struct {
	CommandID string `json:"commandId"`
	AgentID   string `json:"agentId"`
	Content   string `json:"content"`
	Stream    string `json:"stream"` // stdout | stderr
	Sequence  uint64 `json:"sequence"`
	Ansi      bool   `json:"ansi,omitempty"`
}

// TerminalStreamPayload is a coalesced flush delivered to the origin
// dashboard. When Elided is set the chunk content was dropped under
// backpressure and ElidedBytes reports how much.
type TerminalStreamPayload struct {
	CommandID   string `json:"commandId"`
	AgentID     string `json:"agentId"`
	Content     string `json:"content,omitempty"`
	Stream      string `json:"stream"`
	Ansi        bool   `json:"ansi,omitempty"`
	Lines       int    `json:"lines"`
	Elided      bool   `json:"elided,omitempty"`
	ElidedBytes int64  `json:"elidedBytes,omitempty"`
}

// TraceEventPayload is an agent-side trace event tied to a command.
type TraceEventPayload struct {
	CommandID string          `json:"commandId"`
	AgentID   string          `json:"agentId"`
	Kind      string          `json:"kind"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// InvestigationReportPayload is a structured findings document produced by
// an agent at the end of an investigation-style command.
type InvestigationReportPayload struct {
	CommandID string          `json:"commandId"`
	AgentID   string          `json:"agentId"`
	Title     string          `json:"title"`
	Summary   string          `json:"summary,omitempty"`
	Findings  json.RawMessage `json:"findings,omitempty"`
}

// AgentErrorPayload reports an agent-side fault not tied to one command.
type AgentErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// -----------------------------------------------------------------------------
// Liveness & session payloads
// -----------------------------------------------------------------------------

// PingPayload carries the sender's clock so the receiver can echo it back.
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// PongPayload echoes the timestamp from the triggering PING, letting the
// hub compute round-trip time without per-message bookkeeping.
type PongPayload struct {
	EchoedTimestamp int64 `json:"echoedTimestamp"`
}

// TokenRefreshPayload pushes a refreshed access token to the peer before the
// current one expires.
type TokenRefreshPayload struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"` // milliseconds since epoch
}

// ServerShutdownPayload announces a graceful hub stop.
type ServerShutdownPayload struct {
	Reason string `json:"reason,omitempty"`
}

// AckPayload confirms receipt of a peer message by correlation id.
type AckPayload struct {
	AckID string `json:"ackId"`
}
