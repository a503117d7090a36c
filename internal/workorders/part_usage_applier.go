package workorders

import (
	"context"
	"strings"

	"github.com/MarcoPoloResearchLab/tether/internal/reconcile"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type partUsagePayload struct {
	WorkOrderID string
	PartSKU     string
	QtyDelta    *int64
}

func (p *partUsagePayload) Validate() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.WorkOrderID, validation.Required),
		validation.Field(&p.PartSKU, validation.Required),
		validation.Field(&p.QtyDelta, validation.NotNil),
	)
}

// applyPartUsageEvent appends an inventory movement and adjusts the on-hand
// aggregate in the same transaction. Events are never replaced or deleted.
func (s *Service) applyPartUsageEvent(_ context.Context, scope reconcile.ApplyScope, op reconcile.Operation) (reconcile.Decision, error) {
	if op.Kind() != reconcile.KindCreateOrReplace {
		return reconcile.Reject(ReasonEventInsertOnly), nil
	}

	var existingCount int64
	if err := scope.Tx.Model(&PartUsageEvent{}).Where("id = ?", op.EntityID()).Count(&existingCount).Error; err != nil {
		return reconcile.Decision{}, err
	}
	if existingCount > 0 {
		return reconcile.Decision{
			Result:     reconcile.ResultApplied,
			ReasonCode: ReasonIdempotentDuplicate,
			Activity:   &reconcile.ActivityDraft{Action: "part_usage_duplicate"},
		}, nil
	}

	sku, _ := op.Text("part_sku")
	payload := partUsagePayload{
		WorkOrderID: trimmedText(op, fieldWorkOrderID),
		PartSKU:     strings.TrimSpace(sku),
	}
	if delta, ok := op.Int("qty_delta"); ok {
		payload.QtyDelta = &delta
	}
	if err := payload.Validate(); err != nil {
		return s.rejectPayload(op, childPartUsage, err), nil
	}
	delta := *payload.QtyDelta

	var inventory PartInventory
	found, err := findChild(scope.Tx.Clauses(clause.Locking{Strength: "UPDATE"}), &inventory, "part_sku = ?", payload.PartSKU)
	if err != nil {
		return reconcile.Decision{}, err
	}
	if !found {
		return reconcile.Reject(ReasonUnknownReference), nil
	}
	nextOnHand := inventory.OnHand + delta
	if nextOnHand < 0 {
		return reconcile.Reject(ReasonInventoryUnderflow), nil
	}

	event := PartUsageEvent{
		ID:          op.EntityID(),
		WorkOrderID: payload.WorkOrderID,
		PartSKU:     payload.PartSKU,
		QtyDelta:    delta,
		CreatedBy:   scope.Actor.ID,
		CreatedAt:   scope.Now,
	}
	inserted, err := insertPartUsageEvent(scope.Tx, &event)
	if err != nil {
		return reconcile.Decision{}, err
	}
	if !inserted {
		return reconcile.Decision{
			Result:     reconcile.ResultApplied,
			ReasonCode: ReasonIdempotentDuplicate,
			Activity:   &reconcile.ActivityDraft{Action: "part_usage_duplicate"},
		}, nil
	}
	if err := scope.Tx.Model(&PartInventory{}).
		Where("part_sku = ?", payload.PartSKU).
		Updates(map[string]interface{}{
			"on_hand":    gorm.Expr("on_hand + ?", delta),
			"updated_at": scope.Now,
		}).Error; err != nil {
		return reconcile.Decision{}, err
	}

	return reconcile.Decision{
		Result:     reconcile.ResultApplied,
		ReasonCode: ReasonDomainEventApplied,
		Activity: &reconcile.ActivityDraft{
			EntityID: payload.WorkOrderID,
			Action:   "part_usage_recorded",
			Details: map[string]any{
				"event_id":  op.EntityID(),
				"part_sku":  payload.PartSKU,
				"qty_delta": delta,
				"on_hand":   nextOnHand,
			},
		},
	}, nil
}

// insertPartUsageEvent reports false when the event id is already recorded,
// including by a concurrent submission that committed after the duplicate check.
func insertPartUsageEvent(tx *gorm.DB, event *PartUsageEvent) (bool, error) {
	result := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(event)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
