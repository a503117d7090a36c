package workorders

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/reconcile"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var (
	managerActor = reconcile.Actor{ID: "mgr-1", Role: reconcile.RoleManager}
	techActor    = reconcile.Actor{ID: "tech-1", Role: reconcile.RoleTech}
)

type harness struct {
	db      *gorm.DB
	service *Service
	engine  *reconcile.Engine
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:workorders_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(reconcile.Models()...))
	require.NoError(t, db.AutoMigrate(Models()...))
	return db
}

func steppingClock() func() time.Time {
	current := time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)
	return func() time.Time {
		current = current.Add(time.Second)
		return current
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithPolicy(t, nil)
}

func newHarnessWithPolicy(t *testing.T, policy *Policy) *harness {
	t.Helper()
	if policy == nil {
		var err error
		policy, err = DefaultPolicy()
		require.NoError(t, err)
	}
	db := openTestDatabase(t)
	clock := steppingClock()
	service, err := NewService(ServiceConfig{Database: db, Clock: clock, Policy: policy})
	require.NoError(t, err)
	router, err := service.NewRouter()
	require.NoError(t, err)
	engine, err := reconcile.NewEngine(reconcile.EngineConfig{Database: db, Router: router, Clock: clock})
	require.NoError(t, err)
	return &harness{db: db, service: service, engine: engine}
}

func operation(t *testing.T, kind reconcile.OperationKind, table reconcile.Table, entityID string, fields map[string]any) reconcile.Operation {
	t.Helper()
	op, err := reconcile.NewOperation(reconcile.OperationConfig{Kind: kind, Table: table, EntityID: entityID, Fields: fields})
	require.NoError(t, err)
	return op
}

func (h *harness) apply(t *testing.T, actor reconcile.Actor, ops ...reconcile.Operation) []reconcile.Outcome {
	t.Helper()
	result, err := h.engine.ApplyBatch(context.Background(), actor, ops)
	require.NoError(t, err)
	require.Len(t, result.Outcomes, len(ops))
	return result.Outcomes
}

func (h *harness) applyOne(t *testing.T, actor reconcile.Actor, op reconcile.Operation) reconcile.Outcome {
	t.Helper()
	return h.apply(t, actor, op)[0]
}

func (h *harness) createWorkOrder(t *testing.T, id string, fields map[string]any) {
	t.Helper()
	if fields == nil {
		fields = map[string]any{}
	}
	if _, ok := fields["title"]; !ok {
		fields["title"] = "Replace pump seal"
	}
	outcome := h.applyOne(t, managerActor, operation(t, reconcile.KindCreateOrReplace, TableWorkOrder, id, fields))
	require.Equal(t, reconcile.ResultApplied, outcome.Result, outcome.ReasonCode)
}

func (h *harness) workOrder(t *testing.T, id string) WorkOrder {
	t.Helper()
	var workOrder WorkOrder
	require.NoError(t, h.db.Where("id = ?", id).Take(&workOrder).Error)
	return workOrder
}

func expectOutcome(t *testing.T, outcome reconcile.Outcome, result reconcile.Result, reason string) {
	t.Helper()
	require.Equal(t, result, outcome.Result, "reason: %s", outcome.ReasonCode)
	require.Equal(t, reason, outcome.ReasonCode)
}

func countRows(t *testing.T, db *gorm.DB, model interface{}, query string, args ...interface{}) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(model).Where(query, args...).Count(&count).Error)
	return count
}
