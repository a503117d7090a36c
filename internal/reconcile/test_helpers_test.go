package reconcile

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type counterRow struct {
	ID   string `gorm:"column:id;primaryKey;size:190"`
	Hits int    `gorm:"column:hits;not null;default:0"`
}

func (counterRow) TableName() string {
	return "test_counters"
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:reconcile_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&OutcomeRecord{}, &ActivityEntry{}, &counterRow{}))
	return db
}

func mustOperation(t *testing.T, kind OperationKind, table Table, entityID string, fields map[string]any) Operation {
	t.Helper()
	op, err := NewOperation(OperationConfig{Kind: kind, Table: table, EntityID: entityID, Fields: fields})
	require.NoError(t, err)
	return op
}

func mustActor(t *testing.T, id string, role Role) Actor {
	t.Helper()
	actor, err := NewActor(id, string(role))
	require.NoError(t, err)
	return actor
}

func fixedClock() func() time.Time {
	current := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		current = current.Add(time.Second)
		return current
	}
}

func countActivity(t *testing.T, db *gorm.DB, entityID string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(&ActivityEntry{}).Where("entity_id = ?", entityID).Count(&count).Error)
	return count
}
