package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/workorders"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func openMigratedDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")
	database, err := Open(Options{Driver: "sqlite", Path: databasePath}, nil)
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(Models()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func TestApplyMigrationsBackfillsAttachmentHashes(testContext *testing.T) {
	database := openMigratedDatabase(testContext)

	attachment := workorders.Attachment{
		ID:          "att-1",
		WorkOrderID: "wo-1",
		URL:         "https://files.example.com/gauge.png",
		CreatedBy:   "tech-1",
		CreatedAt:   time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC),
	}
	if err := database.Create(&attachment).Error; err != nil {
		testContext.Fatalf("failed to insert attachment: %v", err)
	}

	core, logs := observer.New(zap.InfoLevel)
	if err := applyMigrations(database, zap.New(core)); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored workorders.Attachment
	if err := database.Where("id = ?", attachment.ID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload attachment: %v", err)
	}
	if stored.URLHash != workorders.AttachmentURLHash(attachment.URL) {
		testContext.Fatalf("expected url hash to be backfilled, got %q", stored.URLHash)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillAttachmentURLHash).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
	if logs.FilterMessage("database migration applied").Len() != 2 {
		testContext.Fatalf("expected two applied migrations to be logged, got %d", logs.FilterMessage("database migration applied").Len())
	}

	if err := applyMigrations(database, zap.New(core)); err != nil {
		testContext.Fatalf("failed to re-apply migrations: %v", err)
	}
	if logs.FilterMessage("database migration applied").Len() != 2 {
		testContext.Fatalf("expected migrations to run once")
	}
}

func TestApplyMigrationsCanonicalizesStatuses(testContext *testing.T) {
	database := openMigratedDatabase(testContext)
	now := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	rows := []workorders.WorkOrder{
		{ID: "wo-1", Title: "Pump", Status: "closed", Priority: "medium", CreatedBy: "mgr-1", CreatedAt: now, UpdatedAt: now},
		{ID: "wo-2", Title: "Valve", Status: "in-progress", Priority: "medium", CreatedBy: "mgr-1", CreatedAt: now, UpdatedAt: now},
		{ID: "wo-3", Title: "Gauge", Status: "open", Priority: "medium", CreatedBy: "mgr-1", CreatedAt: now, UpdatedAt: now},
	}
	if err := database.Create(&rows).Error; err != nil {
		testContext.Fatalf("failed to insert work orders: %v", err)
	}

	if err := applyMigrations(database, nil); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	expected := map[string]string{"wo-1": "done", "wo-2": "in_progress", "wo-3": "open"}
	for id, status := range expected {
		var stored workorders.WorkOrder
		if err := database.Where("id = ?", id).Take(&stored).Error; err != nil {
			testContext.Fatalf("failed to reload %s: %v", id, err)
		}
		if stored.Status != status {
			testContext.Fatalf("expected %s to have status %s, got %s", id, status, stored.Status)
		}
	}
}

func TestOpenRejectsUnknownDriver(testContext *testing.T) {
	if _, err := Open(Options{Driver: "oracle", Path: "x.db"}, nil); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
	if _, err := Open(Options{Driver: "postgres"}, nil); err == nil {
		testContext.Fatalf("expected missing dsn error")
	}
}

func TestOpenAndMigrateCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "tether.db")
	database, err := OpenAndMigrate(Options{Path: databasePath}, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open and migrate: %v", err)
	}
	for _, model := range Models() {
		if !database.Migrator().HasTable(model) {
			testContext.Fatalf("expected table for %T", model)
		}
	}
}
