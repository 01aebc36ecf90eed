package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdeck-io/agentdeck/internal/db"
	"github.com/agentdeck-io/agentdeck/internal/protocol"
)

// Delivery helpers. Results always route to the origin connection of their
// command and nowhere else; presence events go to the dashboards of the
// agent's owner. Nothing here blocks: a saturated peer buffer drops the
// frame (terminal content goes through the elision path instead, which
// persists before dropping).

// sendPayload marshals payload into a fresh envelope and sends it to conn.
// Delivery failures are logged, never propagated: peers with a full buffer
// miss advisory frames rather than stalling the router.
func (h *Hub) sendPayload(conn *Connection, t protocol.MessageType, payload any) {
	env, err := protocol.NewEnvelope(t, payload)
	if err != nil {
		h.logger.Error("failed to build envelope", zap.String("type", string(t)), zap.Error(err))
		return
	}
	h.sendEnvelope(conn, env)
}

func (h *Hub) sendEnvelope(conn *Connection, env protocol.Envelope) {
	if err := conn.Send(env); err != nil {
		h.logger.Warn("message not delivered",
			zap.String("connection_id", conn.ID),
			zap.String("type", string(env.Type)),
			zap.Error(err),
		)
		return
	}
	h.metrics.MessageRouted(string(env.Type), "out")
}

// notifyOrigin sends a COMMAND_STATUS transition to the dashboard that
// issued the command. A vanished origin (dashboard disconnected) is normal;
// the transition is still persisted by the caller.
func (h *Hub) notifyOrigin(originConnID, commandID, agentID, status, detail string) {
	conn, ok := h.registry.Get(originConnID)
	if !ok {
		return
	}
	h.sendPayload(conn, protocol.MsgCommandStatus, protocol.CommandStatusPayload{
		CommandID: commandID,
		AgentID:   agentID,
		Status:    status,
		Detail:    detail,
	})
}

// broadcastAgentEvent announces an agent presence transition to every
// dashboard belonging to the agent's owner. Other users never see it.
func (h *Hub) broadcastAgentEvent(t protocol.MessageType, agent *db.Agent) {
	summary := agentSummary(agent)
	for _, conn := range h.registry.Dashboards() {
		if conn.Principal != agent.OwnerUserID {
			continue
		}
		h.sendPayload(conn, t, summary)
	}
}

// sendAgentList delivers the AGENT_LIST snapshot of the dashboard owner's
// agents, right after CONNECTION_ACK.
func (h *Hub) sendAgentList(conn *Connection) {
	ctx, cancel := dbCtx()
	defer cancel()

	agents, err := h.repos.Agents.ListByOwner(ctx, conn.Principal)
	if err != nil {
		h.logger.Warn("failed to load agent list",
			zap.String("principal", conn.Principal), zap.Error(err))
		return
	}

	payload := protocol.AgentListPayload{Agents: make([]protocol.AgentSummary, 0, len(agents))}
	for i := range agents {
		payload.Agents = append(payload.Agents, agentSummary(&agents[i]))
	}
	h.sendPayload(conn, protocol.MsgAgentList, payload)
}

func agentSummary(agent *db.Agent) protocol.AgentSummary {
	s := protocol.AgentSummary{
		AgentID:   agent.ID.String(),
		Name:      agent.Name,
		AgentType: agent.AgentType,
		Status:    agent.Status,
		Activity:  agent.Activity,
	}
	if agent.LastHeartbeat != nil {
		s.LastHeartbeat = agent.LastHeartbeat.UnixMilli()
	}
	return s
}

// -----------------------------------------------------------------------------
// Command state transitions
// -----------------------------------------------------------------------------

// applyCommandStatus advances the tracked per-agent status, notifies the
// origin, and persists the transition. Stale or duplicate reports are
// silently discarded so a dashboard never observes the lifecycle moving
// backwards. Returns whether the transition was accepted and whether it
// completed the whole command.
func (h *Hub) applyCommandStatus(commandID, agentID, status, detail string) (accepted, done bool) {
	// The origin must be resolved before Advance: a terminal transition on
	// the last target retires the tracking entry.
	originConnID, _, routable := h.tracker.Lookup(commandID)

	accepted, done = h.tracker.Advance(commandID, agentID, status)
	if !accepted {
		if !h.tracker.Known(commandID) && h.agentTargeted(commandID, agentID) {
			// Reports for a command with no tracking entry (origin gone and
			// the entry already reaped) are persisted only. The repository
			// refuses to move a settled command backwards, so stale reports
			// for cancelled or finished commands are still discarded.
			h.persistCommandStatus(commandID, status, detail, IsTerminal(status))
		}
		return false, done
	}

	if routable {
		h.notifyOrigin(originConnID, commandID, agentID, status, detail)
	}
	h.persistCommandStatus(commandID, status, detail, done)

	if done && IsTerminal(status) {
		h.metrics.CommandFinished(status)
	}
	return true, done
}

// agentTargeted checks the stored command row to confirm agentID was one
// of its targets, for reports arriving after the tracking entry was reaped
// and the in-memory target set is gone.
func (h *Hub) agentTargeted(commandID, agentID string) bool {
	id, err := uuid.Parse(commandID)
	if err != nil {
		return false
	}

	ctx, cancel := dbCtx()
	defer cancel()
	cmd, err := h.repos.Commands.GetByID(ctx, id)
	if err != nil {
		return false
	}

	var targets []string
	if err := json.Unmarshal([]byte(cmd.TargetAgents), &targets); err != nil {
		return false
	}
	for _, target := range targets {
		if target == agentID {
			return true
		}
	}
	return false
}

// failCommandOnAgent synthesizes a failure for one agent's share of a
// command, used when the agent disconnects or its queue entry expires.
func (h *Hub) failCommandOnAgent(commandID, agentID, detail string) {
	h.applyCommandStatus(commandID, agentID, StatusFailed, detail)
}

// failQueuedEntry fails the command behind an evicted or expired offline
// queue entry.
func (h *Hub) failQueuedEntry(entry *QueuedCommand, detail string) {
	h.failCommandOnAgent(entry.CommandID, entry.AgentID, detail)
}

// persistCommandStatus writes the lifecycle transition through the command
// repository. The row carries one aggregate status; per-agent fan-out lives
// in the tracker only.
func (h *Hub) persistCommandStatus(commandID, status, errMsg string, done bool) {
	id, err := uuid.Parse(commandID)
	if err != nil {
		return
	}

	if done && IsTerminal(status) {
		finishedAt := time.Now()
		err := persistRetry(func(ctx context.Context) error {
			return h.repos.Commands.Complete(ctx, id, status, finishedAt, errMsg)
		})
		if err != nil {
			h.logger.Warn("failed to persist command completion",
				zap.String("command_id", commandID), zap.Error(err))
		}
		return
	}
	err = persistRetry(func(ctx context.Context) error {
		return h.repos.Commands.UpdateStatus(ctx, id, status, errMsg)
	})
	if err != nil {
		h.logger.Warn("failed to persist command status",
			zap.String("command_id", commandID), zap.Error(err))
	}
}

// drainQueueFor delivers every queued command for a freshly connected
// agent, highest priority first. Entries that expired while the agent was
// away fail their command instead of being delivered late.
func (h *Hub) drainQueueFor(conn *Connection, agentID string) {
	fresh, expired := h.queue.Drain(agentID)

	for _, entry := range expired {
		h.failQueuedEntry(entry, "queued command expired before the agent reconnected")
	}
	for _, entry := range fresh {
		h.sendEnvelope(conn, entry.Envelope)
	}

	h.metrics.SetQueueDepth(h.queue.TotalDepth())
}
