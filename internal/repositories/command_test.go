package repositories_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/agentdeck-io/agentdeck/internal/db"
	"github.com/agentdeck-io/agentdeck/internal/repositories"
)

// openTestDB opens a throwaway sqlite database with migrations applied, so
// the repositories are exercised against the real driver rather than a fake.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := db.New(db.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "hub.db"),
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	return database
}

func newCommand(id uuid.UUID) *db.Command {
	cmd := &db.Command{
		IssuerUserID: "user-1",
		TargetAgents: "[]",
		Status:       "pending",
		Content:      `{"task":"run tests"}`,
	}
	cmd.SetID(id)
	return cmd
}

func TestCommandCreateDuplicateIDIsConflict(t *testing.T) {
	t.Parallel()
	repo := repositories.NewCommandRepository(openTestDB(t))
	ctx := context.Background()

	id := uuid.New()
	if err := repo.Create(ctx, newCommand(id)); err != nil {
		t.Fatalf("first Create error = %v", err)
	}
	if err := repo.Create(ctx, newCommand(id)); !errors.Is(err, repositories.ErrConflict) {
		t.Fatalf("duplicate Create error = %v, want ErrConflict", err)
	}
}

func TestCommandStatusNeverLeavesTerminal(t *testing.T) {
	t.Parallel()
	repo := repositories.NewCommandRepository(openTestDB(t))
	ctx := context.Background()

	id := uuid.New()
	if err := repo.Create(ctx, newCommand(id)); err != nil {
		t.Fatalf("Create error = %v", err)
	}
	if err := repo.UpdateStatus(ctx, id, "executing", ""); err != nil {
		t.Fatalf("UpdateStatus(executing) error = %v", err)
	}
	if err := repo.Complete(ctx, id, "cancelled", time.Now(), "operator abort"); err != nil {
		t.Fatalf("Complete(cancelled) error = %v", err)
	}

	// Late reports must not move the settled row.
	if err := repo.UpdateStatus(ctx, id, "executing", ""); err != nil {
		t.Fatalf("late UpdateStatus error = %v", err)
	}
	if err := repo.Complete(ctx, id, "completed", time.Now(), ""); err != nil {
		t.Fatalf("late Complete error = %v", err)
	}

	cmd, err := repo.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID error = %v", err)
	}
	if cmd.Status != "cancelled" {
		t.Errorf("status = %q, want it pinned at cancelled", cmd.Status)
	}
	if cmd.Error != "operator abort" {
		t.Errorf("error = %q, want the original cancellation detail", cmd.Error)
	}
}
