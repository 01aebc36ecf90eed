package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/agentdeck-io/agentdeck/internal/db"
)

// gormAgentRepository is the GORM implementation of AgentRepository.
type gormAgentRepository struct {
	db *gorm.DB
}

// NewAgentRepository returns an AgentRepository backed by the provided *gorm.DB.
func NewAgentRepository(db *gorm.DB) AgentRepository {
	return &gormAgentRepository{db: db}
}

// Get retrieves an agent by its UUID. Soft-deleted agents are excluded.
// Returns ErrNotFound if no record exists.
func (r *gormAgentRepository) Get(ctx context.Context, id uuid.UUID) (*db.Agent, error) {
	var agent db.Agent
	err := r.db.WithContext(ctx).First(&agent, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get: %w", err)
	}
	return &agent, nil
}

// GetByName retrieves a non-deleted agent by its per-owner unique name.
// Used during AGENT_CONNECT to detect reconnections of an agent that lost
// its stored ID, avoiding duplicate records.
func (r *gormAgentRepository) GetByName(ctx context.Context, ownerUserID, name string) (*db.Agent, error) {
	var agent db.Agent
	err := r.db.WithContext(ctx).
		First(&agent, "owner_user_id = ? AND name = ?", ownerUserID, name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get by name: %w", err)
	}
	return &agent, nil
}

// Register inserts a new agent record.
func (r *gormAgentRepository) Register(ctx context.Context, agent *db.Agent) error {
	if err := r.db.WithContext(ctx).Create(agent).Error; err != nil {
		if isDuplicateKey(err) {
			return ErrConflict
		}
		return fmt.Errorf("agents: register: %w", err)
	}
	return nil
}

// Update persists all fields of an existing agent record.
func (r *gormAgentRepository) Update(ctx context.Context, agent *db.Agent) error {
	result := r.db.WithContext(ctx).Save(agent)
	if result.Error != nil {
		return fmt.Errorf("agents: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetConnected marks an agent online and stamps connected_at.
func (r *gormAgentRepository) SetConnected(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.setPresence(ctx, id, map[string]interface{}{
		"status":         "online",
		"connected_at":   at,
		"last_heartbeat": at,
	})
}

// SetDisconnected marks an agent offline. connected_at is left in place so
// the last session start remains inspectable.
func (r *gormAgentRepository) SetDisconnected(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.setPresence(ctx, id, map[string]interface{}{
		"status":   "offline",
		"activity": "idle",
	})
}

// UpdateHeartbeat updates only the heartbeat and activity columns. Called on
// every AGENT_HEARTBEAT — updating two columns avoids unnecessary write
// amplification on the full row.
func (r *gormAgentRepository) UpdateHeartbeat(ctx context.Context, id uuid.UUID, at time.Time, activity string) error {
	cols := map[string]interface{}{
		"last_heartbeat": at,
		"status":         "online",
	}
	if activity != "" {
		cols["activity"] = activity
	}
	return r.setPresence(ctx, id, cols)
}

// SetStatus overwrites the status column only.
func (r *gormAgentRepository) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	return r.setPresence(ctx, id, map[string]interface{}{"status": status})
}

func (r *gormAgentRepository) setPresence(ctx context.Context, id uuid.UUID, cols map[string]interface{}) error {
	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("id = ?", id).
		Updates(cols)
	if result.Error != nil {
		return fmt.Errorf("agents: update presence: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of agents and the total count.
// Soft-deleted agents are excluded from results.
func (r *gormAgentRepository) List(ctx context.Context, opts ListOptions) ([]db.Agent, int64, error) {
	var agents []db.Agent
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Agent{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("agents: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&agents).Error; err != nil {
		return nil, 0, fmt.Errorf("agents: list: %w", err)
	}

	return agents, total, nil
}

// ListByOwner returns all non-deleted agents owned by ownerUserID, oldest
// first. Owners have at most a handful of agents, so no pagination.
func (r *gormAgentRepository) ListByOwner(ctx context.Context, ownerUserID string) ([]db.Agent, error) {
	var agents []db.Agent
	if err := r.db.WithContext(ctx).
		Where("owner_user_id = ?", ownerUserID).
		Order("created_at ASC").
		Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("agents: list by owner: %w", err)
	}
	return agents, nil
}
