package workorders

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/crdt"
	"github.com/MarcoPoloResearchLab/tether/internal/reconcile"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opListDescriptionUpdates = "workorders.list_description_updates"
	opMaterializeDescription = "workorders.materialize_description"
	reasonQueryFailed        = "query_failed"
	reasonReplayFailed       = "replay_failed"
	childDescriptionUpdate   = "description_update"
	childNote                = "note"

	defaultDescriptionPageSize = 500
)

type descriptionPayload struct {
	WorkOrderID string
	UpdateB64   string
}

func (p *descriptionPayload) Validate() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.WorkOrderID, validation.Required),
		validation.Field(&p.UpdateB64, validation.Required, is.Base64),
	)
}

// applyDescriptionUpdate appends an opaque delta to the description log.
// The server never merges text here; replay happens in crdt.Bridge.
func (s *Service) applyDescriptionUpdate(_ context.Context, scope reconcile.ApplyScope, op reconcile.Operation) (reconcile.Decision, error) {
	if op.Kind() == reconcile.KindDelete {
		return reconcile.Reject(ReasonDescriptionDeleteRejected), nil
	}
	payload := descriptionPayload{
		WorkOrderID: trimmedText(op, fieldWorkOrderID),
		UpdateB64:   trimmedText(op, "update_b64"),
	}
	if err := payload.Validate(); err != nil {
		return s.rejectPayload(op, childDescriptionUpdate, err), nil
	}

	record := DescriptionUpdate{
		ID:          op.EntityID(),
		WorkOrderID: payload.WorkOrderID,
		UpdateB64:   payload.UpdateB64,
		Origin:      trimmedText(op, "origin"),
		CreatedBy:   scope.Actor.ID,
		CreatedAt:   scope.Now,
	}
	created := scope.Tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(&record)
	if created.Error != nil {
		return reconcile.Decision{}, created.Error
	}

	reason := ReasonDescriptionInserted
	if created.RowsAffected == 0 {
		reason = ReasonDescriptionDuplicate
	}
	return reconcile.Decision{
		Result:     reconcile.ResultApplied,
		ReasonCode: reason,
		Activity: &reconcile.ActivityDraft{
			EntityID:  payload.WorkOrderID,
			Action:    reason,
			FieldName: "description",
			Details:   map[string]any{"update_id": op.EntityID()},
		},
	}, nil
}

// DescriptionLog is the durable crdt.Log of one work order description.
type DescriptionLog struct {
	db          *gorm.DB
	workOrderID string
	clock       func() time.Time
}

// DescriptionLog binds the update log of one work order.
func (s *Service) DescriptionLog(workOrderID string) *DescriptionLog {
	return &DescriptionLog{db: s.db, workOrderID: workOrderID, clock: s.clock}
}

// Load returns every update for the work order in replay order.
func (l *DescriptionLog) Load(ctx context.Context) ([]crdt.UpdateRecord, error) {
	var rows []DescriptionUpdate
	if err := l.db.WithContext(ctx).
		Where("work_order_id = ?", l.workOrderID).
		Order("created_at ASC").
		Order("sequence ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	records := make([]crdt.UpdateRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, toUpdateRecord(row))
	}
	return records, nil
}

// Append stores a locally produced update. Re-appending a known id is a no-op.
func (l *DescriptionLog) Append(ctx context.Context, record crdt.UpdateRecord) error {
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = l.clock().UTC()
	}
	row := DescriptionUpdate{
		ID:          record.ID,
		WorkOrderID: l.workOrderID,
		UpdateB64:   base64.StdEncoding.EncodeToString(record.Payload),
		Origin:      record.Origin,
		CreatedBy:   record.CreatedBy,
		CreatedAt:   createdAt,
	}
	return l.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&row).Error
}

func toUpdateRecord(row DescriptionUpdate) crdt.UpdateRecord {
	// An undecodable payload stays nil so replay reports it as malformed.
	payload, err := base64.StdEncoding.DecodeString(row.UpdateB64)
	if err != nil {
		payload = nil
	}
	return crdt.UpdateRecord{
		ID:        row.ID,
		Origin:    row.Origin,
		Payload:   payload,
		CreatedBy: row.CreatedBy,
		CreatedAt: row.CreatedAt,
		Sequence:  row.Sequence,
	}
}

// ListDescriptionUpdates returns updates stored after the given sequence cursor.
func (s *Service) ListDescriptionUpdates(ctx context.Context, workOrderID string, afterSequence int64, limit int) ([]DescriptionUpdate, error) {
	if limit <= 0 || limit > defaultDescriptionPageSize {
		limit = defaultDescriptionPageSize
	}
	var rows []DescriptionUpdate
	if err := s.db.WithContext(ctx).
		Where("work_order_id = ? AND sequence > ?", workOrderID, afterSequence).
		Order("sequence ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		s.logError(opListDescriptionUpdates, reasonQueryFailed, err, zap.String(fieldWorkOrderID, workOrderID))
		return nil, newServiceError(opListDescriptionUpdates, reasonQueryFailed, err)
	}
	return rows, nil
}

// MaterializeDescription replays the description log server-side and
// returns the converged text. Malformed updates are logged and skipped.
func (s *Service) MaterializeDescription(ctx context.Context, workOrderID string) (string, error) {
	text, err := crdt.Materialize(ctx, s.DescriptionLog(workOrderID), func(recordID string, replayErr error) {
		s.logger.Warn("skipping malformed description update",
			zap.String(fieldWorkOrderID, workOrderID),
			zap.String("update_id", recordID),
			zap.Error(replayErr))
	})
	if err != nil {
		s.logError(opMaterializeDescription, reasonReplayFailed, err, zap.String(fieldWorkOrderID, workOrderID))
		return "", newServiceError(opMaterializeDescription, reasonReplayFailed, err)
	}
	return text, nil
}

func lockNote(tx *gorm.DB, dest *Note, workOrderID string) (bool, error) {
	return findChild(tx.Clauses(clause.Locking{Strength: "UPDATE"}), dest, "work_order_id = ?", workOrderID)
}

// applyNote merges the legacy note field by line union: stored lines first,
// then unseen incoming lines, each trimmed.
func (s *Service) applyNote(_ context.Context, scope reconcile.ApplyScope, op reconcile.Operation) (reconcile.Decision, error) {
	if op.Kind() == reconcile.KindDelete {
		return reconcile.Reject(ReasonRestrictedNoteDelete), nil
	}
	workOrderID := trimmedText(op, fieldWorkOrderID)
	if workOrderID == "" {
		workOrderID = op.EntityID()
	}
	incoming, ok := op.Text("body")
	if !ok {
		incoming, ok = op.Text("crdt_payload")
	}
	if !ok {
		return s.rejectPayload(op, childNote, fmt.Errorf("body is required")), nil
	}

	var existing Note
	found, err := lockNote(scope.Tx, &existing, workOrderID)
	if err != nil {
		return reconcile.Decision{}, err
	}
	merged := MergeNoteLines(existing.Body, incoming)
	if !found {
		// A concurrent first write for the same work order makes the insert a
		// no-op; its row is then locked and merged into below.
		insert := scope.Tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "work_order_id"}},
			DoNothing: true,
		}).Create(&Note{
			ID:          op.EntityID(),
			WorkOrderID: workOrderID,
			Body:        merged,
			UpdatedBy:   scope.Actor.ID,
			UpdatedAt:   scope.Now,
		})
		if insert.Error != nil {
			return reconcile.Decision{}, insert.Error
		}
		if insert.RowsAffected == 0 {
			if found, err = lockNote(scope.Tx, &existing, workOrderID); err != nil {
				return reconcile.Decision{}, err
			}
			if !found {
				return reconcile.Decision{}, fmt.Errorf("note for work order %s vanished after insert conflict", workOrderID)
			}
			merged = MergeNoteLines(existing.Body, incoming)
		}
	}
	if found {
		if err := scope.Tx.Model(&Note{}).Where("id = ?", existing.ID).
			Updates(map[string]interface{}{"body": merged, "updated_by": scope.Actor.ID, "updated_at": scope.Now}).Error; err != nil {
			return reconcile.Decision{}, err
		}
	}

	decision := reconcile.Decision{
		Result:     reconcile.ResultApplied,
		ReasonCode: ReasonNoteUpsert,
		Activity: &reconcile.ActivityDraft{
			EntityID:  workOrderID,
			Action:    ReasonNoteUpsert,
			FieldName: "note",
			Details:   map[string]any{"lines": strings.Count(merged, "\n") + 1},
		},
	}
	if strings.TrimSpace(existing.Body) != "" {
		decision.Result = reconcile.ResultMerged
		decision.ReasonCode = ReasonNoteLineMerge
		decision.Activity.Action = ReasonNoteLineMerge
	}
	return decision, nil
}

// MergeNoteLines unions the non-empty trimmed lines of both texts,
// preserving first-seen order.
func MergeNoteLines(stored, incoming string) string {
	seen := make(map[string]struct{})
	merged := make([]string, 0)
	for _, text := range []string{stored, incoming} {
		for _, line := range strings.Split(text, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if _, ok := seen[line]; ok {
				continue
			}
			seen[line] = struct{}{}
			merged = append(merged, line)
		}
	}
	return strings.Join(merged, "\n")
}
