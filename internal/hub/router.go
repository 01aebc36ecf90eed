package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdeck-io/agentdeck/internal/db"
	"github.com/agentdeck-io/agentdeck/internal/protocol"
	"github.com/agentdeck-io/agentdeck/internal/repositories"
)

// Route dispatches one inbound envelope from an authenticated connection.
// The read pump calls it serially per connection, so handlers see each
// peer's messages in arrival order; cross-connection concurrency is handled
// by the individual managers.
func (h *Hub) Route(conn *Connection, env protocol.Envelope) {
	if err := env.Validate(); err != nil {
		h.routeError(conn, protocol.CodeInvalidMessage, "envelope is missing mandatory fields")
		return
	}

	allowed := protocol.AllowedFromDashboard
	if conn.Kind == KindAgent {
		allowed = protocol.AllowedFromAgent
	}
	if !allowed(env.Type) {
		h.routeError(conn, protocol.CodeInvalidMessageType, "message type not allowed for this peer")
		return
	}

	h.metrics.MessageRouted(string(env.Type), "in")

	switch env.Type {
	case protocol.MsgPing:
		h.handlePing(conn, env)
	case protocol.MsgPong:
		h.handlePong(conn, env)

	case protocol.MsgAgentHeartbeat:
		h.handleAgentHeartbeat(conn, env)
	case protocol.MsgAgentError:
		h.handleAgentError(conn, env)
	case protocol.MsgCommandAck:
		h.handleCommandAck(conn, env)
	case protocol.MsgCommandComplete:
		h.handleCommandComplete(conn, env)
	case protocol.MsgTerminalOutput:
		h.handleTerminalOutput(conn, env)
	case protocol.MsgTraceEvent:
		h.handleTraceEvent(conn, env)
	case protocol.MsgInvestigationReport:
		h.handleInvestigationReport(conn, env)

	case protocol.MsgCommandRequest:
		h.handleCommandRequest(conn, env)
	case protocol.MsgCommandCancel:
		h.handleCommandCancel(conn, env)
	case protocol.MsgEmergencyStop:
		h.handleEmergencyStop(conn, env)
	case protocol.MsgSubscribeTraces:
		conn.SetTracesEnabled(true)
		h.ack(conn, env)
	case protocol.MsgUnsubscribeTraces:
		conn.SetTracesEnabled(false)
		h.ack(conn, env)

	case protocol.MsgAgentConnect, protocol.MsgDashboardConnect:
		// Handshake kinds after the handshake already completed.
		h.ack(conn, env)
	}
}

// routeError reports a routing failure to the peer. Fatal codes also tear
// the connection down.
func (h *Hub) routeError(conn *Connection, code protocol.ErrorCode, message string) {
	h.sendEnvelope(conn, protocol.NewError(code, message))
	if code.Fatal() {
		conn.Close(code, message)
		h.Unregister(conn.ID, string(code))
	}
}

// ack confirms receipt of env by its correlation id.
func (h *Hub) ack(conn *Connection, env protocol.Envelope) {
	h.sendPayload(conn, protocol.MsgAck, protocol.AckPayload{AckID: env.ID})
}

// -----------------------------------------------------------------------------
// Liveness
// -----------------------------------------------------------------------------

func (h *Hub) handlePing(conn *Connection, env protocol.Envelope) {
	var p protocol.PingPayload
	_ = env.Decode(&p)
	h.sendPayload(conn, protocol.MsgPong, protocol.PongPayload{EchoedTimestamp: p.Timestamp})
}

func (h *Hub) handlePong(conn *Connection, env protocol.Envelope) {
	var p protocol.PongPayload
	if err := env.Decode(&p); err != nil {
		return
	}
	h.heartbeats.OnPong(conn.ID, p.EchoedTimestamp)
}

// -----------------------------------------------------------------------------
// Agent-originated messages
// -----------------------------------------------------------------------------

func (h *Hub) handleAgentHeartbeat(conn *Connection, env protocol.Envelope) {
	var p protocol.AgentHeartbeatPayload
	if err := env.Decode(&p); err != nil {
		h.routeError(conn, protocol.CodeInvalidMessage, "malformed heartbeat payload")
		return
	}

	activity := p.Activity
	switch activity {
	case "", "idle", "processing", "queued":
	default:
		activity = ""
	}

	agentID, err := uuid.Parse(conn.AgentID())
	if err != nil {
		return
	}

	ctx, cancel := dbCtx()
	defer cancel()
	if err := h.repos.Agents.UpdateHeartbeat(ctx, agentID, time.Now(), activity); err != nil {
		h.logger.Warn("failed to persist heartbeat",
			zap.String("agent_id", conn.AgentID()), zap.Error(err))
	}
}

func (h *Hub) handleAgentError(conn *Connection, env protocol.Envelope) {
	var p protocol.AgentErrorPayload
	if err := env.Decode(&p); err != nil {
		h.routeError(conn, protocol.CodeInvalidMessage, "malformed error payload")
		return
	}

	h.logger.Warn("agent reported an error",
		zap.String("agent_id", conn.AgentID()),
		zap.String("code", p.Code),
		zap.String("message", p.Message),
	)

	ctx, cancel := dbCtx()
	defer cancel()

	if agentID, err := uuid.Parse(conn.AgentID()); err == nil {
		if err := h.repos.Agents.SetStatus(ctx, agentID, "error"); err != nil {
			h.logger.Warn("failed to persist agent error status", zap.Error(err))
		}
	}
	detail, _ := json.Marshal(p)
	h.audit(ctx, "agent.error", conn.Principal, conn.ID, conn.AgentID(), "", string(detail))
	h.presence.Publish(ctx, conn.AgentID(), "error")
}

func (h *Hub) handleCommandAck(conn *Connection, env protocol.Envelope) {
	var p protocol.CommandAckPayload
	if err := env.Decode(&p); err != nil || p.CommandID == "" {
		h.routeError(conn, protocol.CodeInvalidMessage, "malformed command ack")
		return
	}
	if !h.agentOwnsMessage(conn, p.AgentID) {
		h.routeError(conn, protocol.CodeValidationError, "agentId does not match this connection")
		return
	}
	h.applyCommandStatus(p.CommandID, conn.AgentID(), StatusExecuting, "")
}

func (h *Hub) handleCommandComplete(conn *Connection, env protocol.Envelope) {
	var p protocol.CommandCompletePayload
	if err := env.Decode(&p); err != nil || p.CommandID == "" {
		h.routeError(conn, protocol.CodeInvalidMessage, "malformed command completion")
		return
	}
	if !h.agentOwnsMessage(conn, p.AgentID) {
		h.routeError(conn, protocol.CodeValidationError, "agentId does not match this connection")
		return
	}

	status := p.Status
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
	default:
		h.routeError(conn, protocol.CodeValidationError, "completion status must be terminal")
		return
	}

	// Flush any buffered output before the status transition reaches the
	// dashboard, so completion never overtakes the last terminal lines.
	h.terminals.EndSession(p.CommandID, conn.AgentID())
	h.applyCommandStatus(p.CommandID, conn.AgentID(), status, p.Error)
}

func (h *Hub) handleTerminalOutput(conn *Connection, env protocol.Envelope) {
	var p protocol.TerminalOutputPayload
	if err := env.Decode(&p); err != nil || p.CommandID == "" {
		h.routeError(conn, protocol.CodeInvalidMessage, "malformed terminal output")
		return
	}
	if !h.agentOwnsMessage(conn, p.AgentID) {
		h.routeError(conn, protocol.CodeValidationError, "agentId does not match this connection")
		return
	}
	if !h.tracker.Known(p.CommandID) {
		// Output for a command the hub no longer tracks (expired or already
		// finished). Dropping it is correct; the agent is just late.
		return
	}

	stream := p.Stream
	if stream != "stderr" {
		stream = "stdout"
	}
	h.terminals.Submit(p.CommandID, conn.AgentID(), p.Content, stream, p.Sequence, p.Ansi)
}

func (h *Hub) handleTraceEvent(conn *Connection, env protocol.Envelope) {
	var p protocol.TraceEventPayload
	if err := env.Decode(&p); err != nil || p.CommandID == "" || p.Kind == "" {
		h.routeError(conn, protocol.CodeInvalidMessage, "malformed trace event")
		return
	}
	if !h.agentOwnsMessage(conn, p.AgentID) {
		h.routeError(conn, protocol.CodeValidationError, "agentId does not match this connection")
		return
	}

	if commandID, err := uuid.Parse(p.CommandID); err == nil {
		if agentID, err := uuid.Parse(conn.AgentID()); err == nil {
			ctx, cancel := dbCtx()
			data := "{}"
			if len(p.Data) > 0 {
				data = string(p.Data)
			}
			if err := h.repos.Commands.AddTrace(ctx, &db.CommandTrace{
				CommandID: commandID,
				AgentID:   agentID,
				Kind:      p.Kind,
				Data:      data,
			}); err != nil {
				h.logger.Warn("failed to persist trace event",
					zap.String("command_id", p.CommandID), zap.Error(err))
			}
			cancel()
		}
	}

	originConnID, _, ok := h.tracker.Lookup(p.CommandID)
	if !ok {
		return
	}
	origin, ok := h.registry.Get(originConnID)
	if !ok || !origin.TracesEnabled() {
		return
	}
	p.AgentID = conn.AgentID()
	h.sendPayload(origin, protocol.MsgTraceStream, p)
}

func (h *Hub) handleInvestigationReport(conn *Connection, env protocol.Envelope) {
	var p protocol.InvestigationReportPayload
	if err := env.Decode(&p); err != nil || p.CommandID == "" || p.Title == "" {
		h.routeError(conn, protocol.CodeInvalidMessage, "malformed investigation report")
		return
	}
	if !h.agentOwnsMessage(conn, p.AgentID) {
		h.routeError(conn, protocol.CodeValidationError, "agentId does not match this connection")
		return
	}

	if commandID, err := uuid.Parse(p.CommandID); err == nil {
		if agentID, err := uuid.Parse(conn.AgentID()); err == nil {
			ctx, cancel := dbCtx()
			findings := "{}"
			if len(p.Findings) > 0 {
				findings = string(p.Findings)
			}
			if err := h.repos.Commands.CreateInvestigationReport(ctx, &db.InvestigationReport{
				CommandID: commandID,
				AgentID:   agentID,
				Title:     p.Title,
				Summary:   p.Summary,
				Findings:  findings,
			}); err != nil {
				h.logger.Warn("failed to persist investigation report",
					zap.String("command_id", p.CommandID), zap.Error(err))
			}
			cancel()
		}
	}

	// Reports route to the origin like every other command result.
	if originConnID, _, ok := h.tracker.Lookup(p.CommandID); ok {
		if origin, found := h.registry.Get(originConnID); found {
			p.AgentID = conn.AgentID()
			h.sendPayload(origin, protocol.MsgInvestigationReport, p)
		}
	}
	h.ack(conn, env)
}

// agentOwnsMessage verifies that a command-scoped agent message carries
// either no agentId or the one bound to this connection. An agent can never
// speak for another agent.
func (h *Hub) agentOwnsMessage(conn *Connection, claimedAgentID string) bool {
	return claimedAgentID == "" || claimedAgentID == conn.AgentID()
}

// -----------------------------------------------------------------------------
// Dashboard-originated messages
// -----------------------------------------------------------------------------

func (h *Hub) handleCommandRequest(conn *Connection, env protocol.Envelope) {
	var p protocol.CommandRequestPayload
	if err := env.Decode(&p); err != nil {
		h.routeError(conn, protocol.CodeInvalidMessage, "malformed command request")
		return
	}

	commandUUID, err := uuid.Parse(p.CommandID)
	if err != nil {
		h.routeError(conn, protocol.CodeValidationError, "commandId must be a UUID")
		return
	}
	if len(p.Content) == 0 {
		h.routeError(conn, protocol.CodeValidationError, "content is required")
		return
	}
	if p.Priority < 0 {
		p.Priority = 0
	}
	if p.Priority > 10 {
		p.Priority = 10
	}

	targets, err := h.resolveTargets(conn, p)
	if err != nil {
		h.routeError(conn, CodeFor(err), err.Error())
		return
	}

	targetsJSON, _ := json.Marshal(targets)
	cmd := &db.Command{
		IssuerUserID: conn.Principal,
		TargetAgents: string(targetsJSON),
		Broadcast:    p.Broadcast,
		Priority:     p.Priority,
		Status:       StatusPending,
		Content:      string(p.Content),
	}
	cmd.SetID(commandUUID)

	ctx, cancel := dbCtx()
	createErr := h.repos.Commands.Create(ctx, cmd)
	cancel()
	if createErr != nil {
		if errors.Is(createErr, repositories.ErrConflict) {
			h.routeError(conn, protocol.CodeValidationError, "commandId already exists")
			return
		}
		h.logger.Error("failed to persist command", zap.Error(createErr))
		h.routeError(conn, protocol.CodeInternalError, "command could not be stored")
		return
	}

	h.tracker.Track(p.CommandID, conn.ID, conn.Principal, targets)
	h.ack(conn, env)

	forward, fwdErr := protocol.NewEnvelope(protocol.MsgCommandRequest, p)
	if fwdErr != nil {
		h.routeError(conn, protocol.CodeInternalError, "command could not be forwarded")
		return
	}

	for _, agentID := range targets {
		if agentConn, online := h.registry.FindByAgent(agentID); online {
			h.sendEnvelope(agentConn, forward)
			continue
		}
		evicted := h.queue.Enqueue(agentID, p.CommandID, p.Priority, forward)
		if evicted != nil {
			h.failQueuedEntry(evicted, "offline queue full, oldest command evicted")
		}
		h.applyCommandStatus(p.CommandID, agentID, StatusQueued, "agent offline, command queued")
	}
	h.metrics.SetQueueDepth(h.queue.TotalDepth())
}

// resolveTargets expands a command request into the list of agent ids it
// addresses, enforcing ownership on every one.
func (h *Hub) resolveTargets(conn *Connection, p protocol.CommandRequestPayload) ([]string, error) {
	ctx, cancel := dbCtx()
	defer cancel()

	if p.Broadcast {
		agents, err := h.repos.Agents.ListByOwner(ctx, conn.Principal)
		if err != nil {
			return nil, err
		}
		if len(agents) == 0 {
			return nil, fmt.Errorf("%w: no agents to broadcast to", ErrValidation)
		}
		targets := make([]string, 0, len(agents))
		for i := range agents {
			targets = append(targets, agents[i].ID.String())
		}
		return targets, nil
	}

	if len(p.TargetAgents) == 0 {
		return nil, fmt.Errorf("%w: targetAgents is required", ErrValidation)
	}

	seen := make(map[string]struct{}, len(p.TargetAgents))
	targets := make([]string, 0, len(p.TargetAgents))
	for _, raw := range p.TargetAgents {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: targetAgents must be UUIDs", ErrValidation)
		}
		if _, dup := seen[raw]; dup {
			continue
		}
		seen[raw] = struct{}{}

		agent, err := h.repos.Agents.Get(ctx, id)
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrUnknownAgent
		}
		if err != nil {
			return nil, err
		}
		if agent.OwnerUserID != conn.Principal {
			h.audit(ctx, "command.target_rejected", conn.Principal, conn.ID, raw, p.CommandID, "{}")
			return nil, ErrNotOwner
		}
		targets = append(targets, raw)
	}
	return targets, nil
}

func (h *Hub) handleCommandCancel(conn *Connection, env protocol.Envelope) {
	var p protocol.CommandCancelPayload
	if err := env.Decode(&p); err != nil || p.CommandID == "" {
		h.routeError(conn, protocol.CodeInvalidMessage, "malformed cancel request")
		return
	}

	originConnID, _, tracked := h.tracker.Lookup(p.CommandID)
	if !tracked {
		// Cancelling a finished or expired command is benign.
		h.ack(conn, env)
		return
	}
	if originConnID != conn.ID {
		ctx, cancel := dbCtx()
		h.audit(ctx, "command.cancel_rejected", conn.Principal, conn.ID, "", p.CommandID, "{}")
		cancel()
		h.routeError(conn, protocol.CodeUnauthorized, "only the issuing connection may cancel a command")
		return
	}

	h.cancelCommand(p.CommandID, p.Reason)
	h.ack(conn, env)
}

func (h *Hub) handleEmergencyStop(conn *Connection, env protocol.Envelope) {
	var p protocol.EmergencyStopPayload
	_ = env.Decode(&p)

	commands := h.tracker.CommandsForIssuer(conn.Principal)
	h.logger.Warn("emergency stop",
		zap.String("principal", conn.Principal),
		zap.String("reason", p.Reason),
		zap.Int("commands", len(commands)),
	)

	// Every connected agent of the issuer gets the stop frame before the
	// per-command teardown — including idle agents, which may be about to
	// pick up work. Delivery is best-effort per agent.
	if stopEnv, err := protocol.NewEnvelope(protocol.MsgEmergencyStop, p); err == nil {
		for _, agentConn := range h.registry.Agents() {
			if agentConn.Principal == conn.Principal {
				h.sendEnvelope(agentConn, stopEnv)
			}
		}
	}

	for _, commandID := range commands {
		h.settleCancelled(commandID, "emergency stop")
	}

	ctx, cancel := dbCtx()
	detail, _ := json.Marshal(map[string]any{"reason": p.Reason, "commands": len(commands)})
	h.audit(ctx, "emergency.stop", conn.Principal, conn.ID, "", "", string(detail))
	cancel()

	h.ack(conn, env)
}

// cancelCommand cancels every non-terminal leg of a command: queued entries
// are dropped, live agents are told to abort, and the tracked status goes
// to cancelled immediately — the hub does not wait for agent confirmations,
// which arrive later as stale reports and are discarded.
func (h *Hub) cancelCommand(commandID, reason string) {
	cancelEnv, err := protocol.NewEnvelope(protocol.MsgCommandCancel, protocol.CommandCancelPayload{
		CommandID: commandID,
		Reason:    reason,
	})
	if err == nil {
		for _, agentID := range h.tracker.AgentsForCommand(commandID) {
			if agentConn, online := h.registry.FindByAgent(agentID); online {
				h.sendEnvelope(agentConn, cancelEnv)
			}
		}
	}
	h.settleCancelled(commandID, reason)
}

// settleCancelled performs the teardown half of a cancellation: queued
// copies are dropped (they never reached their agent, so there is nothing
// to tell it), terminal buffers are flushed, and every leg is marked
// cancelled. Callers that need an abort frame on the wire send it first.
func (h *Hub) settleCancelled(commandID, reason string) {
	h.queue.RemoveCommand(commandID)
	h.metrics.SetQueueDepth(h.queue.TotalDepth())

	for _, agentID := range h.tracker.AgentsForCommand(commandID) {
		h.terminals.EndSession(commandID, agentID)
		h.applyCommandStatus(commandID, agentID, StatusCancelled, reason)
	}
}
