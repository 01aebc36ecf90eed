package hub

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck-io/agentdeck/internal/protocol"
)

// Kind distinguishes the two peer classes a connection can belong to.
type Kind string

const (
	KindAgent     Kind = "agent"
	KindDashboard Kind = "dashboard"
)

// ErrSendBufferFull is returned by Peer.Send when the outbound buffer for
// the connection is saturated. The router applies a per-message-kind policy
// on this error instead of blocking.
var ErrSendBufferFull = errors.New("hub: send buffer full")

// Peer is the narrow surface the hub needs from a live WebSocket
// connection. The concrete implementation lives in internal/ws; tests
// substitute in-memory fakes.
//
// Send must never block: it either enqueues the message for the write pump
// or returns ErrSendBufferFull. Close is asynchronous and idempotent.
type Peer interface {
	Send(env protocol.Envelope) error
	BufferedBytes() int64
	Close(code protocol.ErrorCode, reason string)
}

// Connection is the registry's record of one authenticated WebSocket peer.
// It is created by the connection handler after successful authentication
// and destroyed when the socket closes. The router and managers reference
// connections by ID only and resolve through the Registry, never holding a
// *Connection across an await point.
type Connection struct {
	// ID is hub-generated and unique for the process lifetime.
	ID string

	// Kind is agent or dashboard.
	Kind Kind

	// Principal is the user id (dashboard) or service identity (agent).
	Principal string

	// ConnectedAt is when authentication completed.
	ConnectedAt time.Time

	// agentID is the bound agent UUID, set via Registry.BindAgent.
	// Empty for dashboards. Guarded by the registry lock.
	agentID string

	// tracesOn reports whether this dashboard wants TRACE_STREAM messages
	// for its own commands. Defaults to on; SUBSCRIBE_TRACES and
	// UNSUBSCRIBE_TRACES toggle it.
	tracesOn atomic.Bool

	peer Peer
}

// NewConnection builds a Connection around a live peer.
func NewConnection(id string, kind Kind, principal string, peer Peer) *Connection {
	c := &Connection{
		ID:          id,
		Kind:        kind,
		Principal:   principal,
		ConnectedAt: time.Now().UTC(),
		peer:        peer,
	}
	c.tracesOn.Store(true)
	return c
}

// Send enqueues env on the connection's outbound buffer.
func (c *Connection) Send(env protocol.Envelope) error { return c.peer.Send(env) }

// BufferedBytes reports the bytes currently queued for this peer.
func (c *Connection) BufferedBytes() int64 { return c.peer.BufferedBytes() }

// Close asks the transport to terminate the connection, sending an ERROR
// frame with the given code first when possible.
func (c *Connection) Close(code protocol.ErrorCode, reason string) { c.peer.Close(code, reason) }

// AgentID returns the bound agent UUID, or empty for dashboards and
// not-yet-bound agent connections.
func (c *Connection) AgentID() string { return c.agentID }

// TracesEnabled reports whether trace streaming is on for this connection.
func (c *Connection) TracesEnabled() bool { return c.tracesOn.Load() }

// SetTracesEnabled toggles trace streaming for this connection.
func (c *Connection) SetTracesEnabled(on bool) { c.tracesOn.Store(on) }

// Registry tracks live authenticated connections by connection id, with a
// secondary index from agent id to its (at most one) bound connection.
//
// Reads dominate: every routed message resolves at least one connection.
// The registry therefore uses a single RWMutex — mutations (connect,
// disconnect, bind) are rare relative to lookups.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	agents map[string]string // agent id → connection id
	logger *zap.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]*Connection),
		agents: make(map[string]string),
		logger: logger.Named("registry"),
	}
}

// Add registers a freshly authenticated connection.
func (r *Registry) Add(conn *Connection) {
	r.mu.Lock()
	r.conns[conn.ID] = conn
	total := len(r.conns)
	r.mu.Unlock()

	r.logger.Info("connection registered",
		zap.String("connection_id", conn.ID),
		zap.String("kind", string(conn.Kind)),
		zap.String("principal", conn.Principal),
		zap.Int("total", total),
	)
}

// Remove unregisters a connection and drops any agent binding that points
// at it. Returns the removed connection, or nil if it was already gone
// (remove races with supersede are expected).
func (r *Registry) Remove(connectionID string) *Connection {
	r.mu.Lock()
	conn, ok := r.conns[connectionID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.conns, connectionID)
	if conn.agentID != "" && r.agents[conn.agentID] == connectionID {
		delete(r.agents, conn.agentID)
	}
	total := len(r.conns)
	r.mu.Unlock()

	r.logger.Info("connection removed",
		zap.String("connection_id", connectionID),
		zap.String("kind", string(conn.Kind)),
		zap.Duration("session_duration", time.Since(conn.ConnectedAt)),
		zap.Int("total", total),
	)
	return conn
}

// BindAgent atomically installs connectionID as the live connection for
// agentID, evicting any prior binding. The evicted connection (already
// detached from the registry) is returned so the caller can close it and
// cancel its in-flight work; nil when there was no prior binding.
func (r *Registry) BindAgent(connectionID, agentID string) (*Connection, error) {
	r.mu.Lock()

	conn, ok := r.conns[connectionID]
	if !ok {
		r.mu.Unlock()
		return nil, errors.New("hub: cannot bind unknown connection")
	}

	var evicted *Connection
	if oldID, exists := r.agents[agentID]; exists && oldID != connectionID {
		// Duplicate agent identity: the newer connection supersedes. The
		// old entry is removed here, under the same lock, so no instant
		// exists with two bindings for one agent.
		evicted = r.conns[oldID]
		delete(r.conns, oldID)
	}

	conn.agentID = agentID
	r.agents[agentID] = connectionID
	r.mu.Unlock()

	if evicted != nil {
		r.logger.Warn("agent connection superseded",
			zap.String("agent_id", agentID),
			zap.String("old_connection_id", evicted.ID),
			zap.String("new_connection_id", connectionID),
		)
	}
	return evicted, nil
}

// Get returns the connection with the given id.
func (r *Registry) Get(connectionID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connectionID]
	return conn, ok
}

// FindByAgent returns the live connection bound to agentID, if any.
func (r *Registry) FindByAgent(agentID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.agents[agentID]
	if !ok {
		return nil, false
	}
	conn, ok := r.conns[connID]
	return conn, ok
}

// Dashboards returns a snapshot of all dashboard connections. The slice is
// a copy; iterating it never holds the registry lock.
func (r *Registry) Dashboards() []*Connection {
	return r.snapshot(KindDashboard)
}

// Agents returns a snapshot of all bound agent connections.
func (r *Registry) Agents() []*Connection {
	return r.snapshot(KindAgent)
}

func (r *Registry) snapshot(kind Kind) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// Counts returns the number of live agent and dashboard connections.
// Intended for metrics and the health endpoints.
func (r *Registry) Counts() (agents, dashboards int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.conns {
		if c.Kind == KindAgent {
			agents++
		} else {
			dashboards++
		}
	}
	return agents, dashboards
}
