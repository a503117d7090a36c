package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const resultPending Result = "pending"

// OutcomeRecord is the durable fingerprint to outcome mapping.
type OutcomeRecord struct {
	Fingerprint string    `gorm:"column:fingerprint;primaryKey;size:64;not null"`
	EntityTable string    `gorm:"column:entity_table;size:64;not null"`
	EntityID    string    `gorm:"column:entity_id;size:190;not null;index"`
	Result      string    `gorm:"column:result;size:32;not null"`
	ReasonCode  string    `gorm:"column:reason_code;size:128;not null;default:''"`
	ConflictID  string    `gorm:"column:conflict_id;size:64;not null;default:''"`
	ActorID     string    `gorm:"column:actor_id;size:190;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (OutcomeRecord) TableName() string {
	return "sync_operation_outcomes"
}

func (record OutcomeRecord) outcome() Outcome {
	return Outcome{
		Fingerprint: record.Fingerprint,
		Table:       Table(record.EntityTable),
		EntityID:    record.EntityID,
		Result:      Result(record.Result),
		ReasonCode:  record.ReasonCode,
		ConflictID:  record.ConflictID,
	}
}

// claimFingerprint inserts a pending row for the fingerprint. claimed is false
// when another submission already owns it; the stored outcome is returned then.
func claimFingerprint(tx *gorm.DB, record OutcomeRecord) (bool, Outcome, error) {
	record.Result = string(resultPending)
	created := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if created.Error != nil {
		return false, Outcome{}, created.Error
	}
	if created.RowsAffected > 0 {
		return true, Outcome{}, nil
	}
	var stored OutcomeRecord
	if err := tx.Where("fingerprint = ?", record.Fingerprint).Take(&stored).Error; err != nil {
		return false, Outcome{}, err
	}
	return false, stored.outcome(), nil
}

func recordOutcome(tx *gorm.DB, outcome Outcome) error {
	return tx.Model(&OutcomeRecord{}).
		Where("fingerprint = ?", outcome.Fingerprint).
		Updates(map[string]interface{}{
			"result":      string(outcome.Result),
			"reason_code": outcome.ReasonCode,
			"conflict_id": outcome.ConflictID,
		}).Error
}

// LookupOutcome returns the stored outcome for a fingerprint.
func LookupOutcome(ctx context.Context, db *gorm.DB, fingerprint string) (Outcome, bool, error) {
	var stored OutcomeRecord
	err := db.WithContext(ctx).Where("fingerprint = ?", fingerprint).Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Outcome{}, false, nil
	}
	if err != nil {
		return Outcome{}, false, err
	}
	return stored.outcome(), true, nil
}

// ActivityEntry is one append-only audit record of an accepted change.
type ActivityEntry struct {
	ID          string    `gorm:"column:id;primaryKey;size:64;not null"`
	EntityTable string    `gorm:"column:entity_table;size:64;not null"`
	EntityID    string    `gorm:"column:entity_id;size:190;not null;index:idx_activity_entity_time,priority:1"`
	Action      string    `gorm:"column:action;size:128;not null"`
	FieldName   string    `gorm:"column:field_name;size:128;not null;default:''"`
	DetailsJSON string    `gorm:"column:details_json;type:text;not null;default:'{}'"`
	ActorID     string    `gorm:"column:actor_id;size:190;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;not null;index:idx_activity_entity_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (ActivityEntry) TableName() string {
	return "activity_entries"
}

// ActivityDraft is the applier-provided description of an accepted change.
type ActivityDraft struct {
	// EntityID overrides the operation entity id, e.g. to file child changes under their parent.
	EntityID  string
	Action    string
	FieldName string
	Details   map[string]any
}

// ActivityLedger appends ActivityEntry rows inside the caller's transaction.
type ActivityLedger struct {
	clock      func() time.Time
	idProvider IDProvider
}

// NewActivityLedger constructs a ledger using the provided clock and id source.
func NewActivityLedger(clock func() time.Time, idProvider IDProvider) *ActivityLedger {
	if clock == nil {
		clock = time.Now
	}
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	return &ActivityLedger{clock: clock, idProvider: idProvider}
}

// Append writes one entry. Entries are never updated or deleted.
func (l *ActivityLedger) Append(tx *gorm.DB, actor Actor, table Table, draft ActivityDraft) (ActivityEntry, error) {
	if draft.EntityID == "" {
		return ActivityEntry{}, fmt.Errorf("activity: entity id required")
	}
	if draft.Action == "" {
		return ActivityEntry{}, fmt.Errorf("activity: action required")
	}
	id, err := l.idProvider.NewID()
	if err != nil {
		return ActivityEntry{}, err
	}
	details := draft.Details
	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return ActivityEntry{}, fmt.Errorf("activity: encode details: %w", err)
	}
	entry := ActivityEntry{
		ID:          id,
		EntityTable: table.String(),
		EntityID:    draft.EntityID,
		Action:      draft.Action,
		FieldName:   draft.FieldName,
		DetailsJSON: string(detailsJSON),
		ActorID:     actor.ID,
		CreatedAt:   l.clock().UTC(),
	}
	if err := tx.Create(&entry).Error; err != nil {
		return ActivityEntry{}, err
	}
	return entry, nil
}

// ListActivity returns the entries recorded for an entity, oldest first.
func ListActivity(ctx context.Context, db *gorm.DB, entityID string, limit int) ([]ActivityEntry, error) {
	query := db.WithContext(ctx).
		Where("entity_id = ?", entityID).
		Order("created_at ASC").
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var entries []ActivityEntry
	if err := query.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// Models lists the tables owned by the engine for schema migration.
func Models() []interface{} {
	return []interface{}{&OutcomeRecord{}, &ActivityEntry{}}
}
