package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingRouter   = errors.New("policy router is required")
	errApplierPanic    = errors.New("applier panicked")
	noOpLogger         = zap.NewNop()
)

const (
	opEngineNew  = "reconcile.engine.new"
	opApplyBatch = "reconcile.apply_batch"

	reasonMissingDatabase    = "missing_database"
	reasonMissingRouter      = "missing_router"
	reasonInvalidActor       = "invalid_actor"
	reasonFingerprintFailed  = "fingerprint_failed"
	reasonStoreFailed        = "store_failed"
	reasonUnfingerprintable  = "unfingerprintable_operation"
	defaultActivityActionFmt = "%s_%s"
)

// EngineConfig describes the collaborators of the reconciliation engine.
type EngineConfig struct {
	Database   *gorm.DB
	Router     *Router
	Clock      func() time.Time
	IDProvider IDProvider
	Events     EventSink
	Logger     *zap.Logger
}

// Engine applies batches of operations with fingerprint deduplication.
type Engine struct {
	db       *gorm.DB
	router   *Router
	clock    func() time.Time
	activity *ActivityLedger
	events   EventSink
	logger   *zap.Logger
}

// NewEngine validates the configuration and constructs an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opEngineNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.Router == nil {
		return nil, newServiceError(opEngineNew, reasonMissingRouter, errMissingRouter)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	events := cfg.Events
	if events == nil {
		events = NewLogEventSink(logger)
	}
	return &Engine{
		db:       cfg.Database,
		router:   cfg.Router,
		clock:    clock,
		activity: NewActivityLedger(clock, cfg.IDProvider),
		events:   events,
		logger:   logger,
	}, nil
}

// ApplyBatch reconciles operations sequentially in submission order. Each
// operation commits in its own transaction, so a store failure returns the
// outcomes committed so far together with an error wrapping a *StoreError;
// resubmitting the whole batch is safe because committed operations dedupe.
func (e *Engine) ApplyBatch(ctx context.Context, actor Actor, operations []Operation) (BatchResult, error) {
	if actor.ID == "" {
		return BatchResult{}, newServiceError(opApplyBatch, reasonInvalidActor, ErrInvalidActor)
	}
	started := e.clock()
	result := BatchResult{Outcomes: make([]Outcome, 0, len(operations))}
	for index, op := range operations {
		outcome, err := e.applyOperation(ctx, actor, op)
		if err != nil {
			e.logError(opApplyBatch, reasonStoreFailed, err,
				zap.Int("index", index),
				zap.String("table", op.Table().String()),
				zap.String("entity_id", op.EntityID()))
			return result, newServiceError(opApplyBatch, reasonStoreFailed, err)
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}
	e.events.Record(Event{
		Name:      EventBatchCompleted,
		ActorID:   actor.ID,
		BatchSize: len(operations),
		Duration:  e.clock().Sub(started),
	})
	return result, nil
}

func (e *Engine) applyOperation(ctx context.Context, actor Actor, op Operation) (Outcome, error) {
	started := e.clock()
	fingerprint, err := Fingerprint(op, actor)
	if err != nil {
		e.logError(opApplyBatch, reasonFingerprintFailed, err, zap.String("entity_id", op.EntityID()))
		return Outcome{
			Table:      op.Table(),
			EntityID:   op.EntityID(),
			Result:     ResultRejected,
			ReasonCode: reasonUnfingerprintable,
		}, nil
	}

	outcome := Outcome{Fingerprint: fingerprint, Table: op.Table(), EntityID: op.EntityID()}
	duplicate := false
	txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claimed, stored, claimErr := claimFingerprint(tx, OutcomeRecord{
			Fingerprint: fingerprint,
			EntityTable: op.Table().String(),
			EntityID:    op.EntityID(),
			ActorID:     actor.ID,
			CreatedAt:   started.UTC(),
		})
		if claimErr != nil {
			return NewStoreError(claimErr)
		}
		if !claimed {
			duplicate = true
			outcome = stored
			outcome.Replayed = true
			return nil
		}

		decision, applyErr := e.runApplier(ctx, tx, actor, op)
		if applyErr != nil {
			if storeErr, ok := AsStoreError(applyErr); ok {
				return storeErr
			}
			e.logError(opApplyBatch, ReasonServerError, applyErr,
				zap.String("fingerprint", fingerprint),
				zap.String("table", op.Table().String()),
				zap.String("entity_id", op.EntityID()))
			decision = Reject(ReasonServerError)
		}

		outcome.Result = decision.Result
		outcome.ReasonCode = decision.ReasonCode
		outcome.ConflictID = decision.ConflictID
		if err := recordOutcome(tx, outcome); err != nil {
			return NewStoreError(err)
		}
		if outcome.Result == ResultRejected {
			return nil
		}
		draft := defaultActivity(op, outcome)
		if decision.Activity != nil {
			draft = *decision.Activity
			if draft.EntityID == "" {
				draft.EntityID = op.EntityID()
			}
			if draft.Action == "" {
				draft.Action = defaultActivity(op, outcome).Action
			}
		}
		if _, err := e.activity.Append(tx, actor, op.Table(), draft); err != nil {
			return NewStoreError(err)
		}
		return nil
	})

	if txErr != nil {
		storeErr := NewStoreError(txErr)
		e.events.Record(Event{
			Name:     EventOperationFailed,
			ActorID:  actor.ID,
			Outcome:  outcome,
			Duration: e.clock().Sub(started),
			Err:      storeErr,
		})
		return Outcome{}, storeErr
	}

	eventName := EventOperationProcessed
	if duplicate {
		eventName = EventOperationDeduplicated
	}
	e.events.Record(Event{
		Name:     eventName,
		ActorID:  actor.ID,
		Outcome:  outcome,
		Duration: e.clock().Sub(started),
	})
	return outcome, nil
}

// runApplier executes the applier inside a savepoint so that a failing or
// panicking applier leaves no partial writes behind.
func (e *Engine) runApplier(ctx context.Context, tx *gorm.DB, actor Actor, op Operation) (Decision, error) {
	var decision Decision
	err := tx.Transaction(func(applierTx *gorm.DB) (applyErr error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				applyErr = fmt.Errorf("%w: %v", errApplierPanic, recovered)
			}
		}()
		scope := ApplyScope{Tx: applierTx, Actor: actor, Now: e.clock().UTC()}
		routed, routeErr := e.router.Route(ctx, scope, op)
		if routeErr != nil {
			return routeErr
		}
		decision = routed
		return nil
	})
	if err != nil {
		return Decision{}, err
	}
	if decision.Result == "" {
		return Decision{}, fmt.Errorf("applier for %s returned an empty result", op.Table())
	}
	return decision, nil
}

func defaultActivity(op Operation, outcome Outcome) ActivityDraft {
	return ActivityDraft{
		EntityID: op.EntityID(),
		Action:   fmt.Sprintf(defaultActivityActionFmt, op.Table(), outcome.Result),
		Details: map[string]any{
			"kind":        string(op.Kind()),
			"reason_code": outcome.ReasonCode,
		},
	}
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("reconcile engine error", attrs...)
}
