package hub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdeck-io/agentdeck/internal/auth"
	"github.com/agentdeck-io/agentdeck/internal/db"
	"github.com/agentdeck-io/agentdeck/internal/protocol"
	"github.com/agentdeck-io/agentdeck/internal/repositories"
)

// Shared in-memory fakes for the hub tests. They implement just enough of
// the repository and peer surfaces for routing semantics to be observable.

type fakePeer struct {
	mu       sync.Mutex
	sent     []protocol.Envelope
	buffered int64
	full     bool
	closed   bool
	code     protocol.ErrorCode
}

func (p *fakePeer) Send(env protocol.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.full {
		return ErrSendBufferFull
	}
	p.sent = append(p.sent, env)
	return nil
}

func (p *fakePeer) BufferedBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffered
}

func (p *fakePeer) Close(code protocol.ErrorCode, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.code = code
}

func (p *fakePeer) setBuffered(n int64) {
	p.mu.Lock()
	p.buffered = n
	p.mu.Unlock()
}

func (p *fakePeer) setFull(full bool) {
	p.mu.Lock()
	p.full = full
	p.mu.Unlock()
}

func (p *fakePeer) isClosed() (bool, protocol.ErrorCode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, p.code
}

// messages returns a copy of everything sent to the peer.
func (p *fakePeer) messages() []protocol.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]protocol.Envelope, len(p.sent))
	copy(out, p.sent)
	return out
}

// messagesOf filters sent envelopes by type.
func (p *fakePeer) messagesOf(t protocol.MessageType) []protocol.Envelope {
	var out []protocol.Envelope
	for _, env := range p.messages() {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

type fakeAgentRepo struct {
	mu     sync.Mutex
	agents map[uuid.UUID]*db.Agent
}

func newFakeAgentRepo() *fakeAgentRepo {
	return &fakeAgentRepo{agents: make(map[uuid.UUID]*db.Agent)}
}

func (r *fakeAgentRepo) add(agent *db.Agent) {
	r.mu.Lock()
	r.agents[agent.ID] = agent
	r.mu.Unlock()
}

func (r *fakeAgentRepo) Get(_ context.Context, id uuid.UUID) (*db.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if agent, ok := r.agents[id]; ok {
		copied := *agent
		return &copied, nil
	}
	return nil, repositories.ErrNotFound
}

func (r *fakeAgentRepo) GetByName(_ context.Context, owner, name string) (*db.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, agent := range r.agents {
		if agent.OwnerUserID == owner && agent.Name == name {
			copied := *agent
			return &copied, nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (r *fakeAgentRepo) Register(_ context.Context, agent *db.Agent) error {
	id, err := uuid.NewV7()
	if err != nil {
		return err
	}
	agent.SetID(id)
	r.add(agent)
	return nil
}

func (r *fakeAgentRepo) Update(_ context.Context, agent *db.Agent) error {
	r.add(agent)
	return nil
}

func (r *fakeAgentRepo) SetConnected(_ context.Context, id uuid.UUID, at time.Time) error {
	return r.setStatus(id, "online")
}

func (r *fakeAgentRepo) SetDisconnected(_ context.Context, id uuid.UUID, at time.Time) error {
	return r.setStatus(id, "offline")
}

func (r *fakeAgentRepo) UpdateHeartbeat(_ context.Context, id uuid.UUID, at time.Time, activity string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if agent, ok := r.agents[id]; ok {
		agent.LastHeartbeat = &at
		if activity != "" {
			agent.Activity = activity
		}
		return nil
	}
	return repositories.ErrNotFound
}

func (r *fakeAgentRepo) SetStatus(_ context.Context, id uuid.UUID, status string) error {
	return r.setStatus(id, status)
}

func (r *fakeAgentRepo) setStatus(id uuid.UUID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if agent, ok := r.agents[id]; ok {
		agent.Status = status
		return nil
	}
	return repositories.ErrNotFound
}

func (r *fakeAgentRepo) List(_ context.Context, _ repositories.ListOptions) ([]db.Agent, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]db.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		out = append(out, *agent)
	}
	return out, int64(len(out)), nil
}

func (r *fakeAgentRepo) ListByOwner(_ context.Context, owner string) ([]db.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []db.Agent
	for _, agent := range r.agents {
		if agent.OwnerUserID == owner {
			out = append(out, *agent)
		}
	}
	return out, nil
}

type statusChange struct {
	ID     uuid.UUID
	Status string
	Err    string
}

type fakeCommandRepo struct {
	mu       sync.Mutex
	commands map[uuid.UUID]*db.Command
	statuses []statusChange
	outputs  []db.CommandOutput
	traces   []db.CommandTrace
	reports  []db.InvestigationReport
}

func newFakeCommandRepo() *fakeCommandRepo {
	return &fakeCommandRepo{commands: make(map[uuid.UUID]*db.Command)}
}

func (r *fakeCommandRepo) Create(_ context.Context, cmd *db.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.commands[cmd.ID]; exists {
		return repositories.ErrConflict
	}
	copied := *cmd
	r.commands[cmd.ID] = &copied
	return nil
}

func (r *fakeCommandRepo) GetByID(_ context.Context, id uuid.UUID) (*db.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cmd, ok := r.commands[id]; ok {
		copied := *cmd
		return &copied, nil
	}
	return nil, repositories.ErrNotFound
}

// settled mirrors the repository guard: rows in a terminal status are
// never written again.
func settled(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

func (r *fakeCommandRepo) UpdateStatus(_ context.Context, id uuid.UUID, status, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.commands[id]
	if !ok || settled(cmd.Status) {
		return nil
	}
	r.statuses = append(r.statuses, statusChange{ID: id, Status: status, Err: errMsg})
	cmd.Status = status
	return nil
}

func (r *fakeCommandRepo) Complete(_ context.Context, id uuid.UUID, status string, endedAt time.Time, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.commands[id]
	if !ok || settled(cmd.Status) {
		return nil
	}
	r.statuses = append(r.statuses, statusChange{ID: id, Status: status, Err: errMsg})
	cmd.Status = status
	cmd.EndedAt = &endedAt
	return nil
}

func (r *fakeCommandRepo) GetRunning(_ context.Context) ([]db.Command, error) { return nil, nil }
func (r *fakeCommandRepo) GetQueued(_ context.Context) ([]db.Command, error)  { return nil, nil }

func (r *fakeCommandRepo) AddTrace(_ context.Context, trace *db.CommandTrace) error {
	r.mu.Lock()
	r.traces = append(r.traces, *trace)
	r.mu.Unlock()
	return nil
}

func (r *fakeCommandRepo) CreateInvestigationReport(_ context.Context, report *db.InvestigationReport) error {
	r.mu.Lock()
	r.reports = append(r.reports, *report)
	r.mu.Unlock()
	return nil
}

func (r *fakeCommandRepo) AppendOutput(_ context.Context, out *db.CommandOutput) error {
	r.mu.Lock()
	r.outputs = append(r.outputs, *out)
	r.mu.Unlock()
	return nil
}

func (r *fakeCommandRepo) ListOutputs(_ context.Context, commandID uuid.UUID) ([]db.CommandOutput, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []db.CommandOutput
	for _, o := range r.outputs {
		if o.CommandID == commandID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (r *fakeCommandRepo) List(_ context.Context, _ repositories.ListOptions) ([]db.Command, int64, error) {
	return nil, 0, nil
}

func (r *fakeCommandRepo) ListByIssuer(_ context.Context, _ string, _ repositories.ListOptions) ([]db.Command, int64, error) {
	return nil, 0, nil
}

func (r *fakeCommandRepo) lastStatus() (statusChange, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return statusChange{}, false
	}
	return r.statuses[len(r.statuses)-1], true
}

type fakeAuditRepo struct {
	mu     sync.Mutex
	events []db.AuditEvent
}

func (r *fakeAuditRepo) LogEvent(_ context.Context, event *db.AuditEvent) error {
	r.mu.Lock()
	r.events = append(r.events, *event)
	r.mu.Unlock()
	return nil
}

func (r *fakeAuditRepo) ListRecent(_ context.Context, limit int) ([]db.AuditEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]db.AuditEvent, len(r.events))
	copy(out, r.events)
	return out, nil
}

type fakeVerifier struct {
	refreshed  *auth.Refreshed
	refreshErr error
}

func (v *fakeVerifier) Verify(_ context.Context, token string) (*auth.Identity, error) {
	return &auth.Identity{
		PrincipalID: "user-" + token,
		Kind:        auth.PrincipalUser,
		ExpiresAt:   time.Now().Add(time.Hour),
	}, nil
}

func (v *fakeVerifier) Refresh(_ context.Context, _ string) (*auth.Refreshed, error) {
	return v.refreshed, v.refreshErr
}

// testEnv bundles a hub wired against fakes. Background loops are not
// started; tests drive ticks and sweeps directly.
type testEnv struct {
	hub      *Hub
	agents   *fakeAgentRepo
	commands *fakeCommandRepo
	audit    *fakeAuditRepo
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FlushInterval = 20 * time.Millisecond
	cfg.PingInterval = 20 * time.Millisecond
	cfg.SweepInterval = 20 * time.Millisecond
	return cfg
}

func newTestEnv() *testEnv {
	agents := newFakeAgentRepo()
	commands := newFakeCommandRepo()
	audit := &fakeAuditRepo{}

	h := New(testConfig(), zap.NewNop(), Repos{
		Agents:   agents,
		Commands: commands,
		Audit:    audit,
	}, &fakeVerifier{}, nil, nil, "test")

	return &testEnv{hub: h, agents: agents, commands: commands, audit: audit}
}

func testIdentity(principal string) *auth.Identity {
	return &auth.Identity{
		PrincipalID: principal,
		Kind:        auth.PrincipalUser,
		ExpiresAt:   time.Now().Add(time.Hour),
	}
}

// connectDashboard registers a dashboard connection for owner.
func (e *testEnv) connectDashboard(owner string) (*Connection, *fakePeer) {
	peer := &fakePeer{}
	conn, err := e.hub.RegisterDashboard(peer, testIdentity(owner))
	if err != nil {
		panic(err)
	}
	return conn, peer
}

// seedAgent creates an agent row and returns its id.
func (e *testEnv) seedAgent(owner, name string) uuid.UUID {
	id, _ := uuid.NewV7()
	agent := &db.Agent{
		Name:        name,
		AgentType:   "worker",
		OwnerUserID: owner,
		Status:      "offline",
		Activity:    "idle",
	}
	agent.SetID(id)
	e.agents.add(agent)
	return id
}

// connectAgent binds a live connection for an already seeded agent.
func (e *testEnv) connectAgent(owner string, agentID uuid.UUID) (*Connection, *fakePeer) {
	peer := &fakePeer{}
	conn, err := e.hub.RegisterAgent(peer, testIdentity(owner), protocol.AgentConnectPayload{AgentID: agentID.String()})
	if err != nil {
		panic(err)
	}
	return conn, peer
}
