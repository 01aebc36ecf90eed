package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdeck-io/agentdeck/internal/auth"
	"github.com/agentdeck-io/agentdeck/internal/db"
	"github.com/agentdeck-io/agentdeck/internal/metrics"
	"github.com/agentdeck-io/agentdeck/internal/presence"
	"github.com/agentdeck-io/agentdeck/internal/protocol"
	"github.com/agentdeck-io/agentdeck/internal/repositories"
)

// features advertised in CONNECTION_ACK.
var serverFeatures = []string{"terminal-streams", "offline-queue", "traces", "token-refresh"}

// Repos bundles the persistence interfaces the hub writes through.
type Repos struct {
	Agents   repositories.AgentRepository
	Commands repositories.CommandRepository
	Audit    repositories.AuditRepository
}

// elisionState tracks outbound backpressure for one dashboard connection.
// While active, terminal chunk content is dropped (after persistence) and
// the byte count accumulates per session; when the send buffer drains below
// the low-water mark a marker chunk reports what was lost.
type elisionState struct {
	active bool
	elided map[sessionKey]int64
}

// Hub wires the registry, managers, and persistence together and owns the
// message router. One Hub instance serves the whole process.
type Hub struct {
	cfg     Config
	logger  *zap.Logger
	version string

	registry   *Registry
	tracker    *Tracker
	queue      *OfflineQueue
	terminals  *TerminalStreams
	tokens     *TokenManager
	heartbeats *Heartbeats

	repos    Repos
	presence *presence.Publisher
	metrics  *metrics.Metrics

	elisionMu sync.Mutex
	elision   map[string]*elisionState

	shuttingDown atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New assembles a Hub. presencePub and m may be nil; verifier must not be.
func New(
	cfg Config,
	logger *zap.Logger,
	repos Repos,
	verifier auth.TokenVerifier,
	presencePub *presence.Publisher,
	m *metrics.Metrics,
	version string,
) *Hub {
	log := logger.Named("hub")

	h := &Hub{
		cfg:      cfg,
		logger:   log,
		version:  version,
		registry: NewRegistry(log),
		tracker:  NewTracker(cfg.TrackTTL, log),
		queue:    NewOfflineQueue(cfg.QueueMax, cfg.QueueTTL, log),
		repos:    repos,
		presence: presencePub,
		metrics:  m,
		elision:  make(map[string]*elisionState),
		stopCh:   make(chan struct{}),
	}
	h.terminals = NewTerminalStreams(cfg, h, log)
	h.tokens = NewTokenManager(verifier, h.registry, cfg.RefreshLead, log)
	h.heartbeats = NewHeartbeats(cfg, h.registry, log)
	return h
}

// Registry exposes the connection registry, used by the HTTP layer for
// health reporting.
func (h *Hub) Registry() *Registry { return h.registry }

// Start launches the background loops: terminal flushing, heartbeats, and
// heartbeat-timeout teardown.
func (h *Hub) Start() {
	h.wg.Add(3)
	go func() { defer h.wg.Done(); h.terminals.Run() }()
	go func() { defer h.wg.Done(); h.heartbeats.Run() }()
	go func() { defer h.wg.Done(); h.consumeHeartbeatEvents() }()
	h.logger.Info("hub started", zap.String("version", h.version))
}

// Shutdown announces SERVER_SHUTDOWN to every peer, flushes terminal
// buffers, stops the managers, and closes all connections. Bounded by ctx.
func (h *Hub) Shutdown(ctx context.Context) {
	h.shuttingDown.Store(true)
	h.logger.Info("hub shutting down")

	if env, err := protocol.NewEnvelope(protocol.MsgServerShutdown, protocol.ServerShutdownPayload{
		Reason: "server restarting",
	}); err == nil {
		for _, conn := range h.registry.Agents() {
			_ = conn.Send(env)
		}
		for _, conn := range h.registry.Dashboards() {
			_ = conn.Send(env)
		}
	}

	// Give write pumps a beat to drain the announcement.
	select {
	case <-time.After(h.cfg.Linger):
	case <-ctx.Done():
	}

	h.terminals.Stop()
	h.heartbeats.Stop()
	h.tokens.Stop()
	h.stopOnce.Do(func() { close(h.stopCh) })

	for _, conn := range h.registry.Agents() {
		conn.Close("", "server shutdown")
	}
	for _, conn := range h.registry.Dashboards() {
		conn.Close("", "server shutdown")
	}

	done := make(chan struct{})
	go func() { h.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		h.logger.Warn("shutdown deadline exceeded")
	}
}

// ShuttingDown reports whether Shutdown has begun. New upgrades are
// rejected once it returns true.
func (h *Hub) ShuttingDown() bool { return h.shuttingDown.Load() }

// Sweep runs the periodic maintenance pass: expired tracking entries,
// expired queue entries (their commands are failed), and stale terminal
// sessions. Driven by the scheduler.
func (h *Hub) Sweep() {
	now := time.Now()

	h.tracker.Sweep(now)
	h.terminals.Sweep(now)

	for _, entry := range h.queue.Sweep(now) {
		h.failQueuedEntry(entry, "queued command expired before the agent reconnected")
	}

	h.metrics.SetQueueDepth(h.queue.TotalDepth())
}

// -----------------------------------------------------------------------------
// Connection lifecycle
// -----------------------------------------------------------------------------

// RegisterDashboard installs an authenticated dashboard connection: it is
// added to the registry, put under token and heartbeat management, and sent
// CONNECTION_ACK followed by the AGENT_LIST snapshot of its own agents.
func (h *Hub) RegisterDashboard(peer Peer, identity *auth.Identity) (*Connection, error) {
	if h.ShuttingDown() {
		return nil, errors.New("hub: shutting down")
	}

	conn := NewConnection(uuid.NewString(), KindDashboard, identity.PrincipalID, peer)
	h.registry.Add(conn)
	h.tokens.Track(conn.ID, identity)
	h.heartbeats.Track(conn.ID)
	h.updateConnectionGauges()

	h.sendPayload(conn, protocol.MsgConnectionAck, protocol.ConnectionAckPayload{
		ConnectionID:  conn.ID,
		ServerVersion: h.version,
		Features:      serverFeatures,
	})
	h.sendAgentList(conn)

	return conn, nil
}

// RegisterAgent installs an authenticated agent connection. The agent is
// resolved (or first-time registered) in the store, bound in the registry —
// superseding any previous connection for the same agent — marked online,
// announced to the owner's dashboards, and its offline queue is drained.
func (h *Hub) RegisterAgent(peer Peer, identity *auth.Identity, p protocol.AgentConnectPayload) (*Connection, error) {
	if h.ShuttingDown() {
		return nil, errors.New("hub: shutting down")
	}

	ctx, cancel := dbCtx()
	defer cancel()

	agent, err := h.resolveAgent(ctx, identity, p)
	if err != nil {
		return nil, err
	}

	conn := NewConnection(uuid.NewString(), KindAgent, identity.PrincipalID, peer)
	h.registry.Add(conn)

	superseded, err := h.registry.BindAgent(conn.ID, agent.ID.String())
	if err != nil {
		h.registry.Remove(conn.ID)
		return nil, err
	}
	if superseded != nil {
		h.tokens.Untrack(superseded.ID)
		h.heartbeats.Untrack(superseded.ID)
		h.clearElision(superseded.ID)
		superseded.Close(protocol.CodeSuperseded, "replaced by a newer connection for this agent")
		h.audit(ctx, "connection.superseded", identity.PrincipalID, superseded.ID, agent.ID.String(), "", "{}")

		// Work in flight on the old connection is cancelled: the new
		// connection is a fresh agent process and will not report on it.
		for _, commandID := range h.tracker.CommandsForAgent(agent.ID.String()) {
			h.terminals.EndSession(commandID, agent.ID.String())
			h.applyCommandStatus(commandID, agent.ID.String(), StatusCancelled, "agent connection superseded")
		}
	}

	h.tokens.Track(conn.ID, identity)
	h.heartbeats.Track(conn.ID)
	h.updateConnectionGauges()

	if err := h.repos.Agents.SetConnected(ctx, agent.ID, time.Now()); err != nil {
		h.logger.Warn("failed to persist agent connect",
			zap.String("agent_id", agent.ID.String()), zap.Error(err))
	}
	h.presence.Publish(ctx, agent.ID.String(), "online")

	h.sendPayload(conn, protocol.MsgConnectionAck, protocol.ConnectionAckPayload{
		ConnectionID:  conn.ID,
		ServerVersion: h.version,
		Features:      serverFeatures,
	})

	agent.Status = "online"
	h.broadcastAgentEvent(protocol.MsgAgentConnected, agent)

	h.drainQueueFor(conn, agent.ID.String())

	return conn, nil
}

// Unregister tears down a connection after its socket closed (or is about
// to close). Idempotent; the supersede path may already have removed it.
func (h *Hub) Unregister(connectionID string, reason string) {
	conn := h.registry.Remove(connectionID)
	h.tokens.Untrack(connectionID)
	h.heartbeats.Untrack(connectionID)
	h.clearElision(connectionID)
	h.updateConnectionGauges()
	if conn == nil {
		return
	}

	h.logger.Info("connection closed",
		zap.String("connection_id", connectionID),
		zap.String("kind", string(conn.Kind)),
		zap.String("reason", reason),
	)

	if conn.Kind == KindAgent && conn.AgentID() != "" {
		h.onAgentGone(conn)
	}

	if conn.Kind == KindDashboard {
		// Commands issued on this connection stop routing immediately; late
		// agent reports for them are persisted only, until the sweep reaps
		// the detached entries.
		if retired := h.tracker.RetireAllFromConnection(connectionID); retired > 0 {
			h.logger.Info("origin disconnected with commands in flight",
				zap.String("connection_id", connectionID),
				zap.Int("commands", retired),
			)
		}
	}
}

// onAgentGone handles an agent dropping mid-flight: presence flips offline,
// its terminal sessions end, every non-terminal command on it is failed,
// and the owner's dashboards learn about the disconnect.
func (h *Hub) onAgentGone(conn *Connection) {
	agentID := conn.AgentID()

	ctx, cancel := dbCtx()
	defer cancel()

	if id, err := uuid.Parse(agentID); err == nil {
		if err := h.repos.Agents.SetDisconnected(ctx, id, time.Now()); err != nil {
			h.logger.Warn("failed to persist agent disconnect",
				zap.String("agent_id", agentID), zap.Error(err))
		}
		if agent, err := h.repos.Agents.Get(ctx, id); err == nil {
			agent.Status = "offline"
			h.broadcastAgentEvent(protocol.MsgAgentDisconnected, agent)
		}
	}
	h.presence.Publish(ctx, agentID, "offline")

	h.terminals.EndAgentSessions(agentID)

	for _, commandID := range h.tracker.CommandsForAgent(agentID) {
		h.failCommandOnAgent(commandID, agentID, "agent disconnected")
	}
}

// NoteAuthFailure records a rejected connection handshake. The connection
// never made it into the registry, so only the audit trail and metrics see
// it.
func (h *Hub) NoteAuthFailure(remoteAddr, reason string) {
	h.metrics.AuthFailure()

	ctx, cancel := dbCtx()
	defer cancel()
	detail, _ := json.Marshal(map[string]string{"remote": remoteAddr, "reason": reason})
	h.audit(ctx, "connection.auth_failed", "", "", "", "", string(detail))
}

// consumeHeartbeatEvents closes connections the heartbeat manager reported
// as timed out. Teardown then proceeds through the normal Unregister path
// when the transport notices the close.
func (h *Hub) consumeHeartbeatEvents() {
	for {
		select {
		case connID := <-h.heartbeats.Events():
			h.metrics.HeartbeatTimeout()
			if conn, ok := h.registry.Get(connID); ok {
				conn.Close(protocol.CodeConnectionFailed, "heartbeat timeout")
				h.Unregister(connID, "heartbeat timeout")
			}
		case <-h.stopCh:
			return
		}
	}
}

// resolveAgent finds the persistent agent record for an AGENT_CONNECT, or
// registers one on first contact. Ownership is always enforced: a token for
// one user can never bind another user's agent.
func (h *Hub) resolveAgent(ctx context.Context, identity *auth.Identity, p protocol.AgentConnectPayload) (*db.Agent, error) {
	owner := identity.PrincipalID

	if p.AgentID != "" {
		id, err := uuid.Parse(p.AgentID)
		if err != nil {
			return nil, fmt.Errorf("%w: agentId is not a UUID", ErrValidation)
		}
		agent, err := h.repos.Agents.Get(ctx, id)
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrUnknownAgent
		}
		if err != nil {
			return nil, err
		}
		if agent.OwnerUserID != owner {
			h.metrics.AuthFailure()
			h.audit(ctx, "agent.ownership_rejected", owner, "", p.AgentID, "", "{}")
			return nil, ErrNotOwner
		}
		if p.Version != "" && p.Version != agent.Version {
			agent.Version = p.Version
			if err := h.repos.Agents.Update(ctx, agent); err != nil {
				h.logger.Warn("failed to persist agent version",
					zap.String("agent_id", p.AgentID), zap.Error(err))
			}
		}
		return agent, nil
	}

	if p.Name == "" {
		return nil, fmt.Errorf("%w: agentId or name is required", ErrValidation)
	}

	agent, err := h.repos.Agents.GetByName(ctx, owner, p.Name)
	if err == nil {
		return agent, nil
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		return nil, err
	}

	// First contact: self-register.
	agent = &db.Agent{
		Name:        p.Name,
		AgentType:   p.AgentType,
		OwnerUserID: owner,
		Status:      "connecting",
		Version:     p.Version,
	}
	if err := h.repos.Agents.Register(ctx, agent); err != nil {
		return nil, err
	}
	h.logger.Info("registered new agent",
		zap.String("agent_id", agent.ID.String()),
		zap.String("name", p.Name),
		zap.String("owner", owner),
	)
	h.audit(ctx, "agent.registered", owner, "", agent.ID.String(), "", "{}")
	return agent, nil
}

// -----------------------------------------------------------------------------
// Terminal flush sink
// -----------------------------------------------------------------------------

// FlushTerminal implements FlushSink. Every chunk is persisted first; only
// then may its content be elided for a congested dashboard, so the output
// is always recoverable from the store.
func (h *Hub) FlushTerminal(chunk FlushChunk) {
	h.metrics.TerminalFlushed()
	h.persistChunk(chunk)

	originConnID, _, ok := h.tracker.Lookup(chunk.CommandID)
	if !ok {
		return
	}
	conn, ok := h.registry.Get(originConnID)
	if !ok {
		return
	}

	markers, deliver := h.applyElision(conn, chunk)
	for _, marker := range markers {
		h.deliverTerminal(conn, marker)
	}
	if !deliver {
		return
	}

	h.deliverTerminal(conn, protocol.TerminalStreamPayload{
		CommandID: chunk.CommandID,
		AgentID:   chunk.AgentID,
		Content:   chunk.Content,
		Stream:    chunk.Stream,
		Ansi:      chunk.Ansi,
		Lines:     chunk.Lines,
	})
}

// deliverTerminal puts one TERMINAL_STREAM frame on the wire. A saturated
// send buffer is folded back into the elision state rather than silently
// dropping the frame: the channel can fill on frame count long before the
// byte watermarks trip, and the lost bytes must still surface as a marker
// once the peer drains.
func (h *Hub) deliverTerminal(conn *Connection, p protocol.TerminalStreamPayload) {
	env, err := protocol.NewEnvelope(protocol.MsgTerminalStream, p)
	if err != nil {
		h.logger.Error("failed to build terminal frame", zap.Error(err))
		return
	}
	if err := conn.Send(env); err != nil {
		if errors.Is(err, ErrSendBufferFull) {
			key := sessionKey{CommandID: p.CommandID, AgentID: p.AgentID}
			h.markElided(conn.ID, key, int64(len(p.Content))+p.ElidedBytes)
		}
		h.logger.Warn("terminal frame not delivered",
			zap.String("connection_id", conn.ID), zap.Error(err))
		return
	}
	h.metrics.MessageRouted(string(protocol.MsgTerminalStream), "out")
}

// markElided records n lost bytes for a session and activates elision so
// the loss is reported to the dashboard before any newer content.
func (h *Hub) markElided(connID string, key sessionKey, n int64) {
	h.elisionMu.Lock()
	st, ok := h.elision[connID]
	if !ok {
		st = &elisionState{elided: make(map[sessionKey]int64)}
		h.elision[connID] = st
	}
	st.active = true
	st.elided[key] += n
	h.elisionMu.Unlock()

	h.metrics.TerminalElided(n)
}

// applyElision decides whether the chunk content may be delivered to the
// dashboard right now. Above the high-water mark delivery stops and bytes
// accumulate; once the peer drains below the low-water mark, marker
// payloads reporting the elided volume are released ahead of new content.
func (h *Hub) applyElision(conn *Connection, chunk FlushChunk) (markers []protocol.TerminalStreamPayload, deliver bool) {
	key := sessionKey{CommandID: chunk.CommandID, AgentID: chunk.AgentID}
	buffered := conn.BufferedBytes()

	h.elisionMu.Lock()
	defer h.elisionMu.Unlock()

	st, ok := h.elision[conn.ID]
	if !ok {
		st = &elisionState{elided: make(map[sessionKey]int64)}
		h.elision[conn.ID] = st
	}

	if st.active {
		if buffered > h.cfg.SendLowWater {
			st.elided[key] += int64(len(chunk.Content))
			h.metrics.TerminalElided(int64(len(chunk.Content)))
			return nil, false
		}
		st.active = false
		for k, n := range st.elided {
			markers = append(markers, protocol.TerminalStreamPayload{
				CommandID:   k.CommandID,
				AgentID:     k.AgentID,
				Stream:      chunk.Stream,
				Elided:      true,
				ElidedBytes: n,
			})
			delete(st.elided, k)
		}
		return markers, true
	}

	if buffered >= h.cfg.SendHighWater {
		st.active = true
		st.elided[key] = int64(len(chunk.Content))
		h.metrics.TerminalElided(int64(len(chunk.Content)))
		h.logger.Warn("dashboard send buffer saturated, eliding terminal output",
			zap.String("connection_id", conn.ID),
			zap.Int64("buffered_bytes", buffered),
		)
		return nil, false
	}

	return nil, true
}

func (h *Hub) persistChunk(chunk FlushChunk) {
	commandID, err := uuid.Parse(chunk.CommandID)
	if err != nil {
		return
	}
	agentID, err := uuid.Parse(chunk.AgentID)
	if err != nil {
		return
	}

	err = persistRetry(func(ctx context.Context) error {
		return h.repos.Commands.AppendOutput(ctx, &db.CommandOutput{
			CommandID: commandID,
			AgentID:   agentID,
			Content:   chunk.Content,
			Stream:    chunk.Stream,
			Ansi:      chunk.Ansi,
			Sequence:  chunk.FirstSequence,
			Lines:     chunk.Lines,
		})
	})
	if err != nil {
		h.logger.Warn("failed to persist terminal chunk",
			zap.String("command_id", chunk.CommandID), zap.Error(err))
	}
}

// persistRetry runs a repository write, retrying it at most twice with a
// short backoff. Transient database hiccups should not lose command output
// or status history; anything still failing after three attempts is the
// caller's to log.
func persistRetry(write func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
		}
		ctx, cancel := dbCtx()
		err = write(ctx)
		cancel()
		if err == nil {
			return nil
		}
	}
	return err
}

func (h *Hub) clearElision(connectionID string) {
	h.elisionMu.Lock()
	delete(h.elision, connectionID)
	h.elisionMu.Unlock()
}

func (h *Hub) updateConnectionGauges() {
	agents, dashboards := h.registry.Counts()
	h.metrics.SetConnections(string(KindAgent), agents)
	h.metrics.SetConnections(string(KindDashboard), dashboards)
}

// audit writes one audit row, best effort.
func (h *Hub) audit(ctx context.Context, kind, principal, connID, agentID, commandID, detail string) {
	if detail == "" {
		detail = "{}"
	}
	if err := h.repos.Audit.LogEvent(ctx, &db.AuditEvent{
		Kind:         kind,
		Principal:    principal,
		ConnectionID: connID,
		AgentID:      agentID,
		CommandID:    commandID,
		Detail:       detail,
	}); err != nil {
		h.logger.Warn("failed to write audit event", zap.String("kind", kind), zap.Error(err))
	}
}

// dbCtx bounds repository calls made from routing paths.
func dbCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
