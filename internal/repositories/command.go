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

// gormCommandRepository is the GORM implementation of CommandRepository.
type gormCommandRepository struct {
	db *gorm.DB
}

// NewCommandRepository returns a CommandRepository backed by the provided *gorm.DB.
func NewCommandRepository(db *gorm.DB) CommandRepository {
	return &gormCommandRepository{db: db}
}

// Create inserts a new command record. A reused command id returns
// ErrConflict.
func (r *gormCommandRepository) Create(ctx context.Context, cmd *db.Command) error {
	if err := r.db.WithContext(ctx).Create(cmd).Error; err != nil {
		if isDuplicateKey(err) {
			return ErrConflict
		}
		return fmt.Errorf("commands: create: %w", err)
	}
	return nil
}

// GetByID retrieves a command by its UUID. Returns ErrNotFound if absent.
func (r *gormCommandRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Command, error) {
	var cmd db.Command
	err := r.db.WithContext(ctx).First(&cmd, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("commands: get by id: %w", err)
	}
	return &cmd, nil
}

// terminalStatuses are the lifecycle end states. Rows that reached one are
// settled: status writes leave them untouched so a late or replayed report
// can never move a command backwards.
var terminalStatuses = []string{"completed", "failed", "cancelled"}

// UpdateStatus advances the lifecycle column and stamps the timestamp that
// matches the new status. Terminal statuses also set ended_at; callers that
// already know the end time should use Complete instead. Settled rows are
// left untouched without error.
func (r *gormCommandRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string, errMsg string) error {
	now := time.Now().UTC()
	cols := map[string]interface{}{"status": status}

	switch status {
	case "queued":
		cols["queued_at"] = now
	case "executing":
		cols["started_at"] = now
	case "completed", "failed", "cancelled":
		cols["ended_at"] = now
	}
	if errMsg != "" {
		cols["error"] = errMsg
	}

	result := r.db.WithContext(ctx).
		Model(&db.Command{}).
		Where("id = ? AND status NOT IN ?", id, terminalStatuses).
		Updates(cols)
	if result.Error != nil {
		return fmt.Errorf("commands: update status: %w", result.Error)
	}
	return nil
}

// Complete marks a terminal status with an explicit end time. Settled rows
// are left untouched without error.
func (r *gormCommandRepository) Complete(ctx context.Context, id uuid.UUID, status string, endedAt time.Time, errMsg string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Command{}).
		Where("id = ? AND status NOT IN ?", id, terminalStatuses).
		Updates(map[string]interface{}{
			"status":   status,
			"ended_at": endedAt,
			"error":    errMsg,
		})
	if result.Error != nil {
		return fmt.Errorf("commands: complete: %w", result.Error)
	}
	return nil
}

// GetRunning returns all commands currently in the executing state.
func (r *gormCommandRepository) GetRunning(ctx context.Context) ([]db.Command, error) {
	var cmds []db.Command
	if err := r.db.WithContext(ctx).
		Where("status = ?", "executing").
		Order("created_at ASC").
		Find(&cmds).Error; err != nil {
		return nil, fmt.Errorf("commands: get running: %w", err)
	}
	return cmds, nil
}

// GetQueued returns all commands in the pending or queued states. Both count
// as active for emergency-stop accounting.
func (r *gormCommandRepository) GetQueued(ctx context.Context) ([]db.Command, error) {
	var cmds []db.Command
	if err := r.db.WithContext(ctx).
		Where("status IN ?", []string{"pending", "queued"}).
		Order("created_at ASC").
		Find(&cmds).Error; err != nil {
		return nil, fmt.Errorf("commands: get queued: %w", err)
	}
	return cmds, nil
}

// AddTrace inserts one trace event row.
func (r *gormCommandRepository) AddTrace(ctx context.Context, trace *db.CommandTrace) error {
	if err := r.db.WithContext(ctx).Create(trace).Error; err != nil {
		return fmt.Errorf("commands: add trace: %w", err)
	}
	return nil
}

// CreateInvestigationReport inserts a findings document.
func (r *gormCommandRepository) CreateInvestigationReport(ctx context.Context, report *db.InvestigationReport) error {
	if err := r.db.WithContext(ctx).Create(report).Error; err != nil {
		return fmt.Errorf("commands: create investigation report: %w", err)
	}
	return nil
}

// AppendOutput persists one coalesced terminal chunk.
func (r *gormCommandRepository) AppendOutput(ctx context.Context, out *db.CommandOutput) error {
	if err := r.db.WithContext(ctx).Create(out).Error; err != nil {
		return fmt.Errorf("commands: append output: %w", err)
	}
	return nil
}

// ListOutputs returns all persisted chunks for a command in submission order.
func (r *gormCommandRepository) ListOutputs(ctx context.Context, commandID uuid.UUID) ([]db.CommandOutput, error) {
	var outs []db.CommandOutput
	if err := r.db.WithContext(ctx).
		Where("command_id = ?", commandID).
		Order("sequence ASC").
		Find(&outs).Error; err != nil {
		return nil, fmt.Errorf("commands: list outputs: %w", err)
	}
	return outs, nil
}

// List returns a paginated list of commands, newest first, and the total count.
func (r *gormCommandRepository) List(ctx context.Context, opts ListOptions) ([]db.Command, int64, error) {
	var cmds []db.Command
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Command{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("commands: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&cmds).Error; err != nil {
		return nil, 0, fmt.Errorf("commands: list: %w", err)
	}

	return cmds, total, nil
}

// ListByIssuer returns the issuer's commands newest first and the total count.
func (r *gormCommandRepository) ListByIssuer(ctx context.Context, issuerUserID string, opts ListOptions) ([]db.Command, int64, error) {
	var cmds []db.Command
	var total int64

	scoped := r.db.WithContext(ctx).Model(&db.Command{}).Where("issuer_user_id = ?", issuerUserID)
	if err := scoped.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("commands: list by issuer count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("issuer_user_id = ?", issuerUserID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&cmds).Error; err != nil {
		return nil, 0, fmt.Errorf("commands: list by issuer: %w", err)
	}

	return cmds, total, nil
}
