// Package repositories defines the persistence interfaces the hub depends
// on, plus their GORM implementations. The hub core only ever sees these
// interfaces; tests substitute in-memory fakes.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/agentdeck-io/agentdeck/internal/db"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// AgentRepository
// -----------------------------------------------------------------------------

type AgentRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*db.Agent, error)
	GetByName(ctx context.Context, ownerUserID, name string) (*db.Agent, error)

	// Register inserts a new agent record. Used when a validly authenticated
	// agent connects with an identity the store has not seen before.
	Register(ctx context.Context, agent *db.Agent) error

	Update(ctx context.Context, agent *db.Agent) error

	// SetConnected and SetDisconnected flip the presence columns only,
	// avoiding write amplification on the full row during churn.
	SetConnected(ctx context.Context, id uuid.UUID, at time.Time) error
	SetDisconnected(ctx context.Context, id uuid.UUID, at time.Time) error

	// UpdateHeartbeat records the last heartbeat and the agent's
	// self-reported activity. Called on every AGENT_HEARTBEAT.
	UpdateHeartbeat(ctx context.Context, id uuid.UUID, at time.Time, activity string) error

	// SetStatus overwrites the status column, used for the error state an
	// agent reports via AGENT_ERROR.
	SetStatus(ctx context.Context, id uuid.UUID, status string) error

	List(ctx context.Context, opts ListOptions) ([]db.Agent, int64, error)

	// ListByOwner returns every agent owned by ownerUserID. Drives broadcast
	// target resolution and the per-dashboard AGENT_LIST snapshot.
	ListByOwner(ctx context.Context, ownerUserID string) ([]db.Agent, error)
}

// -----------------------------------------------------------------------------
// CommandRepository
// -----------------------------------------------------------------------------

type CommandRepository interface {
	Create(ctx context.Context, cmd *db.Command) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Command, error)

	// UpdateStatus advances the lifecycle column and stamps the matching
	// timestamp (queued_at, started_at, ended_at). Rows already in a
	// terminal status are left untouched: a late or replayed report can
	// never move a settled command backwards.
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, errMsg string) error

	// Complete marks a terminal status together with its end time. Settled
	// rows are left untouched, like UpdateStatus.
	Complete(ctx context.Context, id uuid.UUID, status string, endedAt time.Time, errMsg string) error

	// GetRunning and GetQueued return commands in non-terminal states,
	// used for emergency-stop accounting and crash recovery at boot.
	GetRunning(ctx context.Context) ([]db.Command, error)
	GetQueued(ctx context.Context) ([]db.Command, error)

	AddTrace(ctx context.Context, trace *db.CommandTrace) error
	CreateInvestigationReport(ctx context.Context, report *db.InvestigationReport) error

	// AppendOutput persists one coalesced terminal chunk. Always attempted
	// before a chunk may be dropped under backpressure.
	AppendOutput(ctx context.Context, out *db.CommandOutput) error
	ListOutputs(ctx context.Context, commandID uuid.UUID) ([]db.CommandOutput, error)

	List(ctx context.Context, opts ListOptions) ([]db.Command, int64, error)

	// ListByIssuer returns the issuer's commands newest first, paginated.
	// Backs the owner-scoped REST listing.
	ListByIssuer(ctx context.Context, issuerUserID string, opts ListOptions) ([]db.Command, int64, error)
}

// -----------------------------------------------------------------------------
// AuditRepository
// -----------------------------------------------------------------------------

type AuditRepository interface {
	LogEvent(ctx context.Context, event *db.AuditEvent) error
	ListRecent(ctx context.Context, limit int) ([]db.AuditEvent, error)
}
