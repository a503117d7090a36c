package workorders

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/tether/internal/reconcile"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var workOrderFields = []string{"title", "summary", "priority", "status", "assignee_id", fieldSiteContactPhone}

func (s *Service) applyWorkOrder(_ context.Context, scope reconcile.ApplyScope, op reconcile.Operation) (reconcile.Decision, error) {
	existing, err := lockWorkOrder(scope.Tx, op.EntityID())
	if err != nil {
		return reconcile.Decision{}, err
	}
	switch op.Kind() {
	case reconcile.KindDelete:
		return s.deleteWorkOrder(scope, op, existing)
	case reconcile.KindCreateOrReplace:
		if existing == nil || existing.DeletedAt != nil {
			return s.createWorkOrder(scope, op, existing)
		}
		return s.patchWorkOrder(scope, op, *existing)
	default:
		if existing == nil || existing.DeletedAt != nil {
			return reconcile.Reject(ReasonWorkOrderNotFound), nil
		}
		return s.patchWorkOrder(scope, op, *existing)
	}
}

func lockWorkOrder(tx *gorm.DB, id string) (*WorkOrder, error) {
	var workOrder WorkOrder
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Take(&workOrder).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &workOrder, nil
}

func (s *Service) deleteWorkOrder(scope reconcile.ApplyScope, op reconcile.Operation, existing *WorkOrder) (reconcile.Decision, error) {
	if !s.policy.CanDelete(scope.Actor.Role) {
		return reconcile.Reject(ReasonRestrictedDelete), nil
	}
	if existing == nil {
		return reconcile.Reject(ReasonWorkOrderNotFound), nil
	}
	if existing.DeletedAt == nil {
		now := scope.Now
		if err := scope.Tx.Model(&WorkOrder{}).
			Where("id = ?", existing.ID).
			Updates(map[string]interface{}{"deleted_at": now, "updated_at": now}).Error; err != nil {
			return reconcile.Decision{}, err
		}
	}
	return reconcile.Decision{
		Result:     reconcile.ResultApplied,
		ReasonCode: ReasonWorkOrderSoftDeleted,
		Activity: &reconcile.ActivityDraft{
			Action:  "work_order_deleted",
			Details: map[string]any{"title": existing.Title},
		},
	}, nil
}

func (s *Service) createWorkOrder(scope reconcile.ApplyScope, op reconcile.Operation, existing *WorkOrder) (reconcile.Decision, error) {
	if !s.policy.CanCreate(scope.Actor.Role) {
		return reconcile.Reject(ReasonRestrictedCreate), nil
	}
	title, _ := op.Text("title")
	title = strings.TrimSpace(title)
	if title == "" {
		return reconcile.Reject(ReasonMissingTitle), nil
	}

	rawPriority, _ := op.Text("priority")
	priority := s.policy.NormalizePriority(rawPriority)
	status := s.policy.DefaultStatus()
	if rawStatus, ok := op.Text("status"); ok {
		if normalized, known := s.policy.NormalizeStatus(rawStatus); known {
			status = normalized
		}
	}
	summary, _ := op.Text("summary")
	assignee, _ := op.Text("assignee_id")
	phone := incomingValue(op, fieldSiteContactPhone)
	now := scope.Now

	if existing == nil {
		workOrder := WorkOrder{
			ID:               op.EntityID(),
			Title:            title,
			Summary:          summary,
			Priority:         priority,
			Status:           status,
			AssigneeID:       strings.TrimSpace(assignee),
			SiteContactPhone: phone.Pointer(),
			Version:          0,
			CreatedBy:        scope.Actor.ID,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := scope.Tx.Create(&workOrder).Error; err != nil {
			return reconcile.Decision{}, err
		}
		return reconcile.Decision{
			Result:     reconcile.ResultApplied,
			ReasonCode: ReasonWorkOrderCreated,
			Activity: &reconcile.ActivityDraft{
				Action:  "work_order_created",
				Details: map[string]any{"title": title, "priority": priority, "status": status},
			},
		}, nil
	}

	// Restoring keeps the counter monotonic so older guard tokens stay older.
	version := existing.Version + 1
	if err := scope.Tx.Model(&WorkOrder{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{
			"title":                      title,
			"summary":                    summary,
			"priority":                   priority,
			"status":                     status,
			"assignee_id":                strings.TrimSpace(assignee),
			"site_contact_phone":         phone.Pointer(),
			"site_contact_phone_version": version,
			"version":                    version,
			"deleted_at":                 nil,
			"updated_at":                 now,
		}).Error; err != nil {
		return reconcile.Decision{}, err
	}
	return reconcile.Decision{
		Result:     reconcile.ResultApplied,
		ReasonCode: ReasonWorkOrderRestored,
		Activity: &reconcile.ActivityDraft{
			Action:  "work_order_restored",
			Details: map[string]any{"title": title, "version": version},
		},
	}, nil
}

// patchWorkOrder applies each present field under its own policy: direct
// last-write-wins, versioned with conflict capture, or the status state machine.
func (s *Service) patchWorkOrder(scope reconcile.ApplyScope, op reconcile.Operation, current WorkOrder) (reconcile.Decision, error) {
	present := make([]string, 0, len(workOrderFields))
	for _, field := range workOrderFields {
		if op.Has(field) {
			present = append(present, field)
		}
	}
	if len(present) == 0 {
		return reconcile.Reject(ReasonNoSupportedFields), nil
	}

	targetStatus := current.Status
	if op.Has("status") {
		raw, ok := op.Text("status")
		normalized, known := s.policy.NormalizeStatus(raw)
		if !ok || !known {
			return reconcile.Reject(ReasonInvalidStatus), nil
		}
		targetStatus = normalized
	}

	updates := map[string]interface{}{}
	var blockedReason, deniedReason, conflictID string
	deny := func(reason string) {
		if deniedReason == "" {
			deniedReason = reason
		}
	}

	if op.Has("title") {
		title, _ := op.Text("title")
		title = strings.TrimSpace(title)
		switch {
		case title == "":
			deny(ReasonMissingTitle)
		case title != current.Title:
			updates["title"] = title
		}
	}
	if op.Has("summary") {
		summary, _ := op.Text("summary")
		if summary != current.Summary {
			updates["summary"] = summary
		}
	}
	if op.Has("priority") {
		raw, _ := op.Text("priority")
		if priority := s.policy.NormalizePriority(raw); priority != current.Priority {
			updates["priority"] = priority
		}
	}
	if op.Has("assignee_id") {
		assignee, _ := op.Text("assignee_id")
		if assignee = strings.TrimSpace(assignee); assignee != current.AssigneeID {
			updates["assignee_id"] = assignee
		}
	}
	if op.Has("status") {
		check := s.policy.CheckTransition(current.Status, targetStatus, scope.Actor.Role)
		switch check.Verdict {
		case TransitionAllowed:
			updates["status"] = targetStatus
		case TransitionBlocked:
			blockedReason = check.Reason
		case TransitionDenied:
			deny(check.Reason)
		}
	}

	nextVersion := current.Version + 1
	if op.Has(fieldSiteContactPhone) {
		incoming := incomingValue(op, fieldSiteContactPhone)
		stored := valueFromPointer(current.SiteContactPhone)
		if !incoming.Equal(stored) {
			base, hasBase := op.Int(fieldVersionGuard)
			if !hasBase || base >= current.SiteContactPhoneVersion {
				updates["site_contact_phone"] = incoming.Pointer()
				updates["site_contact_phone_version"] = nextVersion
			} else {
				id, err := s.openConflict(scope, current.ID, fieldSiteContactPhone, incoming, stored)
				if err != nil {
					return reconcile.Decision{}, err
				}
				conflictID = id
			}
		}
	}

	appliedFields := make([]string, 0, len(updates))
	for column := range updates {
		if column != "site_contact_phone_version" {
			appliedFields = append(appliedFields, column)
		}
	}
	sort.Strings(appliedFields)

	if len(updates) > 0 {
		updates["version"] = nextVersion
		updates["updated_at"] = scope.Now
		if err := scope.Tx.Model(&WorkOrder{}).Where("id = ?", current.ID).Updates(updates).Error; err != nil {
			return reconcile.Decision{}, err
		}
	}

	details := map[string]any{"applied_fields": appliedFields}
	if blockedReason != "" {
		details["blocked"] = blockedReason
	}
	if deniedReason != "" {
		details["denied"] = deniedReason
	}

	switch {
	case conflictID != "":
		details["conflict_id"] = conflictID
		return reconcile.Decision{
			Result:     reconcile.ResultNeedsReview,
			ReasonCode: ReasonPhoneConflict,
			ConflictID: conflictID,
			Activity: &reconcile.ActivityDraft{
				Action:    "conflict_opened",
				FieldName: fieldSiteContactPhone,
				Details:   details,
			},
		}, nil
	case len(appliedFields) == 0 && deniedReason != "" && blockedReason == "":
		return reconcile.Reject(deniedReason), nil
	case blockedReason != "":
		return reconcile.Decision{
			Result:     reconcile.ResultMerged,
			ReasonCode: blockedReason,
			Activity:   &reconcile.ActivityDraft{Action: "work_order_updated", FieldName: "status", Details: details},
		}, nil
	case deniedReason != "":
		return reconcile.Decision{
			Result:     reconcile.ResultMerged,
			ReasonCode: deniedReason,
			Activity:   &reconcile.ActivityDraft{Action: "work_order_updated", Details: details},
		}, nil
	case len(appliedFields) == 0:
		return reconcile.Decision{
			Result:     reconcile.ResultApplied,
			ReasonCode: ReasonWorkOrderUnchanged,
			Activity:   &reconcile.ActivityDraft{Action: "work_order_unchanged", Details: details},
		}, nil
	default:
		return reconcile.Decision{
			Result:     reconcile.ResultApplied,
			ReasonCode: ReasonWorkOrderUpdated,
			Activity:   &reconcile.ActivityDraft{Action: "work_order_updated", Details: details},
		}, nil
	}
}

func (s *Service) openConflict(scope reconcile.ApplyScope, entityID, field string, local, server FieldValue) (string, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		return "", err
	}
	record := ConflictRecord{
		ID:          id,
		EntityType:  entityTypeWorkOrder,
		EntityID:    entityID,
		FieldName:   field,
		LocalValue:  local,
		ServerValue: server,
		Status:      ConflictStatusOpen,
		CreatedBy:   scope.Actor.ID,
		CreatedAt:   scope.Now,
	}
	if err := scope.Tx.Create(&record).Error; err != nil {
		return "", err
	}
	return id, nil
}

// incomingValue maps an operation field onto a tagged value.
func incomingValue(op reconcile.Operation, field string) FieldValue {
	if !op.Has(field) {
		return FieldValue{Kind: ValueAbsent}
	}
	if op.IsNull(field) {
		return NullValue()
	}
	text, ok := op.Text(field)
	if !ok {
		return NullValue()
	}
	return TextValue(text)
}
