package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	tableCounter Table = "test_counter"
	tableFaulty  Table = "test_faulty"
	tablePanics  Table = "test_panics"
	tableStore   Table = "test_store"
)

type countingApplier struct {
	calls int
}

func (a *countingApplier) Apply(_ context.Context, scope ApplyScope, op Operation) (Decision, error) {
	a.calls++
	row := counterRow{ID: op.EntityID()}
	if err := scope.Tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return Decision{}, err
	}
	if err := scope.Tx.Model(&counterRow{}).
		Where("id = ?", op.EntityID()).
		Update("hits", gorm.Expr("hits + 1")).Error; err != nil {
		return Decision{}, err
	}
	return Decision{
		Result:     ResultApplied,
		ReasonCode: "counter_incremented",
		Activity:   &ActivityDraft{Action: "counter_incremented", Details: map[string]any{"by": 1}},
	}, nil
}

func partialWriteThenFail(_ context.Context, scope ApplyScope, op Operation) (Decision, error) {
	if err := scope.Tx.Create(&counterRow{ID: op.EntityID(), Hits: 99}).Error; err != nil {
		return Decision{}, err
	}
	return Decision{}, errors.New("unexpected payload shape")
}

func newTestEngine(t *testing.T, db *gorm.DB, counter *countingApplier, extra map[Table]Applier, sink EventSink) *Engine {
	t.Helper()
	appliers := map[Table]Applier{tableCounter: counter}
	for table, applier := range extra {
		appliers[table] = applier
	}
	router, err := NewRouter(appliers)
	require.NoError(t, err)
	engine, err := NewEngine(EngineConfig{
		Database: db,
		Router:   router,
		Clock:    fixedClock(),
		Events:   sink,
	})
	require.NoError(t, err)
	return engine
}

func TestApplyBatchReplaysStoredOutcomeWithoutSideEffects(t *testing.T) {
	db := openTestDatabase(t)
	counter := &countingApplier{}
	engine := newTestEngine(t, db, counter, nil, nil)
	actor := mustActor(t, "tech-1", RoleTech)
	op := mustOperation(t, KindPatch, tableCounter, "c-1", map[string]any{"delta": 1})

	first, err := engine.ApplyBatch(context.Background(), actor, []Operation{op})
	require.NoError(t, err)
	second, err := engine.ApplyBatch(context.Background(), actor, []Operation{op})
	require.NoError(t, err)

	require.False(t, first.Outcomes[0].Replayed)
	require.True(t, second.Outcomes[0].Replayed)
	replayed := second.Outcomes[0]
	replayed.Replayed = false
	require.Equal(t, first.Outcomes[0], replayed)
	require.Equal(t, ResultApplied, first.Outcomes[0].Result)
	require.Equal(t, "counter_incremented", first.Outcomes[0].ReasonCode)
	require.Equal(t, 1, counter.calls)

	var row counterRow
	require.NoError(t, db.Where("id = ?", "c-1").Take(&row).Error)
	require.Equal(t, 1, row.Hits)
	require.EqualValues(t, 1, countActivity(t, db, "c-1"))

	stored, found, err := LookupOutcome(context.Background(), db, first.Outcomes[0].Fingerprint)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, first.Outcomes[0], stored)
}

func TestApplyBatchTreatsDifferentActorsAsDistinctOperations(t *testing.T) {
	db := openTestDatabase(t)
	counter := &countingApplier{}
	engine := newTestEngine(t, db, counter, nil, nil)
	op := mustOperation(t, KindPatch, tableCounter, "c-1", map[string]any{"delta": 1})

	_, err := engine.ApplyBatch(context.Background(), mustActor(t, "tech-1", RoleTech), []Operation{op})
	require.NoError(t, err)
	_, err = engine.ApplyBatch(context.Background(), mustActor(t, "tech-2", RoleTech), []Operation{op})
	require.NoError(t, err)

	require.Equal(t, 2, counter.calls)
}

func TestApplyBatchRejectsUnknownTable(t *testing.T) {
	db := openTestDatabase(t)
	engine := newTestEngine(t, db, &countingApplier{}, nil, nil)
	op := mustOperation(t, KindCreateOrReplace, "invoices", "inv-1", map[string]any{"total": 10})

	result, err := engine.ApplyBatch(context.Background(), mustActor(t, "tech-1", RoleTech), []Operation{op})
	require.NoError(t, err)
	require.Len(t, result.Outcomes, 1)
	require.Equal(t, ResultRejected, result.Outcomes[0].Result)
	require.Equal(t, ReasonUnsupportedTable, result.Outcomes[0].ReasonCode)
	require.EqualValues(t, 0, countActivity(t, db, "inv-1"))
}

func TestApplyBatchConvertsApplierFailuresAndContinues(t *testing.T) {
	db := openTestDatabase(t)
	counter := &countingApplier{}
	core, logs := observer.New(zapcore.ErrorLevel)
	router, err := NewRouter(map[Table]Applier{
		tableCounter: counter,
		tableFaulty:  ApplierFunc(partialWriteThenFail),
		tablePanics: ApplierFunc(func(context.Context, ApplyScope, Operation) (Decision, error) {
			panic("nil map write")
		}),
	})
	require.NoError(t, err)
	engine, err := NewEngine(EngineConfig{Database: db, Router: router, Clock: fixedClock(), Logger: zap.New(core)})
	require.NoError(t, err)

	ops := []Operation{
		mustOperation(t, KindPatch, tableFaulty, "f-1", nil),
		mustOperation(t, KindPatch, tablePanics, "p-1", nil),
		mustOperation(t, KindPatch, tableCounter, "c-1", nil),
	}
	result, err := engine.ApplyBatch(context.Background(), mustActor(t, "tech-1", RoleTech), ops)
	require.NoError(t, err)
	require.Len(t, result.Outcomes, 3)

	require.Equal(t, ResultRejected, result.Outcomes[0].Result)
	require.Equal(t, ReasonServerError, result.Outcomes[0].ReasonCode)
	require.Equal(t, ResultRejected, result.Outcomes[1].Result)
	require.Equal(t, ReasonServerError, result.Outcomes[1].ReasonCode)
	require.Equal(t, ResultApplied, result.Outcomes[2].Result)

	var partial int64
	require.NoError(t, db.Model(&counterRow{}).Where("id = ?", "f-1").Count(&partial).Error)
	require.Zero(t, partial, "failed applier writes must be rolled back")
	require.Equal(t, 2, logs.FilterMessage("reconcile engine error").Len())
}

func TestApplyBatchStopsOnStoreFailureWithoutRecording(t *testing.T) {
	db := openTestDatabase(t)
	counter := &countingApplier{}
	storeFailure := ApplierFunc(func(context.Context, ApplyScope, Operation) (Decision, error) {
		return Decision{}, fmt.Errorf("select work order: %w", context.DeadlineExceeded)
	})
	engine := newTestEngine(t, db, counter, map[Table]Applier{tableStore: storeFailure}, nil)
	actor := mustActor(t, "tech-1", RoleTech)

	ops := []Operation{
		mustOperation(t, KindPatch, tableCounter, "c-1", nil),
		mustOperation(t, KindPatch, tableStore, "s-1", nil),
		mustOperation(t, KindPatch, tableCounter, "c-2", nil),
	}
	result, err := engine.ApplyBatch(context.Background(), actor, ops)
	require.Error(t, err)
	require.Len(t, result.Outcomes, 1)

	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	require.True(t, storeErr.Retryable())

	var serviceErr *ServiceError
	require.ErrorAs(t, err, &serviceErr)
	require.Equal(t, "reconcile.apply_batch.store_failed", serviceErr.Code())

	fingerprint, err := Fingerprint(ops[1], actor)
	require.NoError(t, err)
	_, found, err := LookupOutcome(context.Background(), db, fingerprint)
	require.NoError(t, err)
	require.False(t, found)
	require.Equal(t, 1, counter.calls)
}

func TestApplyBatchMakesEarlierEffectsVisibleToLaterOperations(t *testing.T) {
	db := openTestDatabase(t)
	counter := &countingApplier{}
	readsCounter := ApplierFunc(func(_ context.Context, scope ApplyScope, op Operation) (Decision, error) {
		var row counterRow
		err := scope.Tx.Where("id = ?", op.EntityID()).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Reject("missing_counter"), nil
		}
		if err != nil {
			return Decision{}, err
		}
		return Decision{Result: ResultApplied, ReasonCode: "counter_seen"}, nil
	})
	engine := newTestEngine(t, db, counter, map[Table]Applier{"test_reader": readsCounter}, nil)

	result, err := engine.ApplyBatch(context.Background(), mustActor(t, "tech-1", RoleTech), []Operation{
		mustOperation(t, KindCreateOrReplace, tableCounter, "c-9", nil),
		mustOperation(t, KindPatch, "test_reader", "c-9", nil),
	})
	require.NoError(t, err)
	require.Equal(t, "counter_seen", result.Outcomes[1].ReasonCode)
}

func TestApplyBatchEmitsEventsToSinks(t *testing.T) {
	db := openTestDatabase(t)
	registry := prometheus.NewRegistry()
	metrics := NewMetricsSink(registry)
	var names []string
	recorder := EventSinkFunc(func(event Event) { names = append(names, event.Name) })
	engine := newTestEngine(t, db, &countingApplier{}, nil, FanOut(recorder, metrics, nil))
	actor := mustActor(t, "tech-1", RoleTech)
	op := mustOperation(t, KindPatch, tableCounter, "c-1", nil)

	_, err := engine.ApplyBatch(context.Background(), actor, []Operation{op, op})
	require.NoError(t, err)

	require.Equal(t, []string{EventOperationProcessed, EventOperationDeduplicated, EventBatchCompleted}, names)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.outcomesTotal.WithLabelValues(string(tableCounter), "applied", "counter_incremented")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.duplicatesTotal.WithLabelValues(string(tableCounter))))
}

func TestNewEngineRequiresCollaborators(t *testing.T) {
	_, err := NewEngine(EngineConfig{})
	var serviceErr *ServiceError
	require.ErrorAs(t, err, &serviceErr)
	require.Equal(t, "reconcile.engine.new.missing_database", serviceErr.Code())

	_, err = NewEngine(EngineConfig{Database: openTestDatabase(t)})
	require.ErrorAs(t, err, &serviceErr)
	require.Equal(t, "reconcile.engine.new.missing_router", serviceErr.Code())
}

func TestNewRouterRejectsNilApplier(t *testing.T) {
	_, err := NewRouter(map[Table]Applier{"work_order": nil})
	require.Error(t, err)
}
