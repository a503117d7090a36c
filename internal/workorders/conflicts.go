package workorders

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/reconcile"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ResolutionStrategy selects the value written when a conflict is resolved.
type ResolutionStrategy string

const (
	StrategyUseLocal  ResolutionStrategy = "use-local"
	StrategyUseServer ResolutionStrategy = "use-server"
	StrategyUseCustom ResolutionStrategy = "use-custom"
)

var (
	ErrConflictNotFound  = errors.New("Conflict not found")
	ErrConflictNotOpen   = errors.New("Conflict is not open")
	ErrResolverForbidden = errors.New("role may not resolve conflicts")
	ErrInvalidStrategy   = errors.New("unknown resolution strategy")
	ErrMissingCustom     = errors.New("use-custom requires a value")
	ErrEntityUnavailable = errors.New("conflicting entity no longer exists")
)

const (
	opListConflicts   = "workorders.conflicts.list"
	opGetConflict     = "workorders.conflicts.get"
	opResolveConflict = "workorders.conflicts.resolve"
	opDismissConflict = "workorders.conflicts.dismiss"

	reasonNotFound        = "not_found"
	reasonNotOpen         = "not_open"
	reasonForbidden       = "forbidden"
	reasonInvalidStrategy = "invalid_strategy"
	reasonMissingCustom   = "missing_custom_value"
	reasonEntityMissing   = "entity_missing"
	reasonUpdateFailed    = "update_failed"
)

// resolvableFields maps conflict fields onto the columns they guard.
var resolvableFields = map[string]struct {
	column        string
	versionColumn string
}{
	fieldSiteContactPhone: {column: "site_contact_phone", versionColumn: "site_contact_phone_version"},
}

// ParseStrategy accepts the canonical names and their underscore spellings.
func ParseStrategy(raw string) (ResolutionStrategy, error) {
	normalized := strings.ReplaceAll(normalizeToken(raw), "_", "-")
	switch ResolutionStrategy(normalized) {
	case StrategyUseLocal, StrategyUseServer, StrategyUseCustom:
		return ResolutionStrategy(normalized), nil
	default:
		return "", ErrInvalidStrategy
	}
}

// ResolveRequest describes one manual resolution.
type ResolveRequest struct {
	ConflictID  string
	Strategy    ResolutionStrategy
	CustomValue FieldValue
	Resolver    reconcile.Actor
}

// ConflictStore lists and settles conflict records.
type ConflictStore struct {
	db       *gorm.DB
	clock    func() time.Time
	policy   *Policy
	activity *reconcile.ActivityLedger
	logger   *zap.Logger
}

// Conflicts returns the conflict workflow bound to this service's store.
func (s *Service) Conflicts() *ConflictStore {
	return &ConflictStore{
		db:       s.db,
		clock:    s.clock,
		policy:   s.policy,
		activity: s.activity,
		logger:   s.logger,
	}
}

// List returns conflicts with the given status, oldest first. An empty status lists all.
func (c *ConflictStore) List(ctx context.Context, status ConflictStatus) ([]ConflictRecord, error) {
	query := c.db.WithContext(ctx).Order("created_at ASC").Order("id ASC")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var records []ConflictRecord
	if err := query.Find(&records).Error; err != nil {
		c.logError(opListConflicts, reasonQueryFailed, err)
		return nil, newServiceError(opListConflicts, reasonQueryFailed, err)
	}
	return records, nil
}

// Get loads one conflict record.
func (c *ConflictStore) Get(ctx context.Context, id string) (ConflictRecord, error) {
	var record ConflictRecord
	err := c.db.WithContext(ctx).Where("id = ?", id).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ConflictRecord{}, newServiceError(opGetConflict, reasonNotFound, ErrConflictNotFound)
	}
	if err != nil {
		c.logError(opGetConflict, reasonQueryFailed, err, zap.String("conflict_id", id))
		return ConflictRecord{}, newServiceError(opGetConflict, reasonQueryFailed, err)
	}
	return record, nil
}

// Resolve writes the chosen value into the live field, bumps the entity
// version and closes the record, all in one transaction.
func (c *ConflictStore) Resolve(ctx context.Context, request ResolveRequest) (ConflictRecord, error) {
	if !c.policy.CanResolveConflicts(request.Resolver.Role) {
		return ConflictRecord{}, newServiceError(opResolveConflict, reasonForbidden, ErrResolverForbidden)
	}
	strategy, err := ParseStrategy(string(request.Strategy))
	if err != nil {
		return ConflictRecord{}, newServiceError(opResolveConflict, reasonInvalidStrategy, err)
	}
	request.Strategy = strategy
	if request.Strategy == StrategyUseCustom && request.CustomValue.IsAbsent() {
		return ConflictRecord{}, newServiceError(opResolveConflict, reasonMissingCustom, ErrMissingCustom)
	}

	var resolved ConflictRecord
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := lockOpenConflict(tx, opResolveConflict, request.ConflictID)
		if err != nil {
			return err
		}

		value := record.ServerValue
		switch request.Strategy {
		case StrategyUseLocal:
			value = record.LocalValue
		case StrategyUseCustom:
			value = request.CustomValue
		}

		now := c.clock().UTC()
		if err := writeResolvedField(tx, record, value, now); err != nil {
			return err
		}

		// Struct updates keep the json serializer on resolved_value.
		updates := ConflictRecord{
			Status:        ConflictStatusResolved,
			ResolvedValue: value,
			Strategy:      string(request.Strategy),
			ResolvedBy:    request.Resolver.ID,
			ResolvedAt:    &now,
		}
		if err := tx.Model(&ConflictRecord{}).
			Where("id = ?", record.ID).
			Select("status", "resolved_value", "strategy", "resolved_by", "resolved_at").
			Updates(&updates).Error; err != nil {
			return newServiceError(opResolveConflict, reasonUpdateFailed, err)
		}
		if _, err := c.activity.Append(tx, request.Resolver, TableWorkOrder, reconcile.ActivityDraft{
			EntityID:  record.EntityID,
			Action:    "conflict_resolved",
			FieldName: record.FieldName,
			Details:   map[string]any{"conflict_id": record.ID, "strategy": string(request.Strategy)},
		}); err != nil {
			return newServiceError(opResolveConflict, reasonUpdateFailed, err)
		}

		record.Status = ConflictStatusResolved
		record.ResolvedValue = value
		record.Strategy = string(request.Strategy)
		record.ResolvedBy = request.Resolver.ID
		record.ResolvedAt = &now
		resolved = record
		return nil
	})
	if err != nil {
		c.logFailure(opResolveConflict, err, request.ConflictID)
		return ConflictRecord{}, err
	}
	return resolved, nil
}

// Dismiss closes an open conflict without touching the entity.
func (c *ConflictStore) Dismiss(ctx context.Context, id string, resolver reconcile.Actor) (ConflictRecord, error) {
	if !c.policy.CanResolveConflicts(resolver.Role) {
		return ConflictRecord{}, newServiceError(opDismissConflict, reasonForbidden, ErrResolverForbidden)
	}

	var dismissed ConflictRecord
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := lockOpenConflict(tx, opDismissConflict, id)
		if err != nil {
			return err
		}
		now := c.clock().UTC()
		if err := tx.Model(&ConflictRecord{}).Where("id = ?", record.ID).Updates(map[string]interface{}{
			"status":      ConflictStatusDismissed,
			"resolved_by": resolver.ID,
			"resolved_at": now,
		}).Error; err != nil {
			return newServiceError(opDismissConflict, reasonUpdateFailed, err)
		}
		if _, err := c.activity.Append(tx, resolver, TableWorkOrder, reconcile.ActivityDraft{
			EntityID:  record.EntityID,
			Action:    "conflict_dismissed",
			FieldName: record.FieldName,
			Details:   map[string]any{"conflict_id": record.ID},
		}); err != nil {
			return newServiceError(opDismissConflict, reasonUpdateFailed, err)
		}
		record.Status = ConflictStatusDismissed
		record.ResolvedBy = resolver.ID
		record.ResolvedAt = &now
		dismissed = record
		return nil
	})
	if err != nil {
		c.logFailure(opDismissConflict, err, id)
		return ConflictRecord{}, err
	}
	return dismissed, nil
}

func lockOpenConflict(tx *gorm.DB, operation, id string) (ConflictRecord, error) {
	var record ConflictRecord
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ConflictRecord{}, newServiceError(operation, reasonNotFound, ErrConflictNotFound)
	}
	if err != nil {
		return ConflictRecord{}, newServiceError(operation, reasonQueryFailed, err)
	}
	if record.Status != ConflictStatusOpen {
		return ConflictRecord{}, newServiceError(operation, reasonNotOpen, ErrConflictNotOpen)
	}
	return record, nil
}

func writeResolvedField(tx *gorm.DB, record ConflictRecord, value FieldValue, now time.Time) error {
	target, ok := resolvableFields[record.FieldName]
	if record.EntityType != entityTypeWorkOrder || !ok {
		return newServiceError(opResolveConflict, reasonEntityMissing, ErrEntityUnavailable)
	}
	current, err := lockWorkOrder(tx, record.EntityID)
	if err != nil {
		return newServiceError(opResolveConflict, reasonQueryFailed, err)
	}
	if current == nil || current.DeletedAt != nil {
		return newServiceError(opResolveConflict, reasonEntityMissing, ErrEntityUnavailable)
	}
	nextVersion := current.Version + 1
	if err := tx.Model(&WorkOrder{}).Where("id = ?", current.ID).Updates(map[string]interface{}{
		target.column:        value.Pointer(),
		target.versionColumn: nextVersion,
		"version":            nextVersion,
		"updated_at":         now,
	}).Error; err != nil {
		return newServiceError(opResolveConflict, reasonUpdateFailed, err)
	}
	return nil
}

func (c *ConflictStore) logFailure(operation string, err error, conflictID string) {
	if errors.Is(err, ErrConflictNotOpen) || errors.Is(err, ErrConflictNotFound) || errors.Is(err, ErrEntityUnavailable) {
		return
	}
	c.logError(operation, reasonUpdateFailed, err, zap.String("conflict_id", conflictID))
}

func (c *ConflictStore) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.logger.Error("conflict store error", attrs...)
}
