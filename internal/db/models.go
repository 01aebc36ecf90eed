package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// SetID presets the primary key before insertion, for records whose id is
// chosen by the client (commands carry the dashboard-generated command id).
func (b *base) SetID(id uuid.UUID) {
	b.ID = id
}

// softDelete extends base with a nullable DeletedAt field for soft deletion.
// GORM automatically filters out soft-deleted records from all queries unless
// Unscoped() is used explicitly.
type softDelete struct {
	base
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

// Agent is the persistent record of a remote executor process. The live
// WebSocket binding is in-memory only (hub.Registry); this row carries the
// identity, ownership, and last observed presence. Name is unique per owner.
type Agent struct {
	softDelete
	Name          string `gorm:"not null;index:idx_agents_owner_name,unique"`
	AgentType     string `gorm:"not null;default:''"`
	OwnerUserID   string `gorm:"not null;index:idx_agents_owner_name,unique"`
	Status        string `gorm:"not null;default:'offline'"` // "offline", "connecting", "online", "error"
	Activity      string `gorm:"not null;default:'idle'"`    // "idle", "processing", "queued"
	Version       string `gorm:"not null;default:''"`
	LastHeartbeat *time.Time
	ConnectedAt   *time.Time
}

// -----------------------------------------------------------------------------
// Commands
// -----------------------------------------------------------------------------

// Command is a dashboard-issued request with a lifecycle. TargetAgents is a
// JSON array of agent UUIDs. Association fields are intentionally absent:
// GORM cannot resolve foreign keys on uuid.UUID primary keys, so related
// records are loaded via explicit repository queries.
//
// Status transitions are monotonic along
// pending → queued → executing → (completed|failed|cancelled); cancelled is
// additionally reachable from pending and queued.
type Command struct {
	base
	IssuerUserID string `gorm:"not null;index"`
	TargetAgents string `gorm:"type:text;not null;default:'[]'"` // JSON array of agent UUIDs
	Broadcast    bool   `gorm:"not null;default:false"`
	Priority     int    `gorm:"not null;default:0"` // 0–10, higher drains first
	Status       string `gorm:"not null;default:'pending';index"`
	Content      string `gorm:"type:text;not null;default:'{}'"` // opaque command body, JSON
	Error        string `gorm:"type:text;default:''"`
	QueuedAt     *time.Time
	StartedAt    *time.Time
	EndedAt      *time.Time
}

// CommandOutput stores terminal output chunks persisted for a command.
// Rows are written per coalesced flush, not per line, to keep write pressure
// bounded at high output rates. Sequence is the first line sequence of the
// chunk within its (command, agent) session.
type CommandOutput struct {
	base
	CommandID uuid.UUID `gorm:"type:text;not null;index"`
	AgentID   uuid.UUID `gorm:"type:text;not null;index"`
	Content   string    `gorm:"type:text;not null"`
	Stream    string    `gorm:"not null;default:'stdout'"` // "stdout" or "stderr"
	Ansi      bool      `gorm:"not null;default:false"`
	Sequence  uint64    `gorm:"not null;default:0"`
	Lines     int       `gorm:"not null;default:0"`
}

// CommandTrace stores a single trace event reported by an agent while
// executing a command. Data is an opaque JSON document.
type CommandTrace struct {
	base
	CommandID uuid.UUID `gorm:"type:text;not null;index"`
	AgentID   uuid.UUID `gorm:"type:text;not null;index"`
	Kind      string    `gorm:"not null"`
	Data      string    `gorm:"type:text;default:'{}'"`
}

// InvestigationReport is the structured findings document an agent may
// produce at the end of an investigation-style command.
type InvestigationReport struct {
	base
	CommandID uuid.UUID `gorm:"type:text;not null;index"`
	AgentID   uuid.UUID `gorm:"type:text;not null;index"`
	Title     string    `gorm:"not null"`
	Summary   string    `gorm:"type:text;default:''"`
	Findings  string    `gorm:"type:text;default:'{}'"` // JSON
}

// -----------------------------------------------------------------------------
// Audit
// -----------------------------------------------------------------------------

// AuditEvent records security- and routing-relevant hub events: auth
// failures, connection supersedes, emergency stops, routing rejections,
// token expiry. Detail is a JSON document whose shape depends on Kind.
type AuditEvent struct {
	base
	Kind         string `gorm:"not null;index"`
	Principal    string `gorm:"not null;default:''"` // user or agent identity, if known
	ConnectionID string `gorm:"not null;default:''"`
	AgentID      string `gorm:"not null;default:'';index"`
	CommandID    string `gorm:"not null;default:'';index"`
	Detail       string `gorm:"type:text;default:'{}'"`
}
