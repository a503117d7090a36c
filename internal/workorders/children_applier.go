package workorders

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/tether/internal/reconcile"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	childAssignment = "assignment"
	childComment    = "comment"
	childAttachment = "attachment"
	childLink       = "link"
	childPartUsage  = "part_usage"

	maxCommentLength = 8000
	maxLabelLength   = 256
)

type assignmentPayload struct {
	WorkOrderID string
	UserID      string
}

func (p *assignmentPayload) Validate() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.WorkOrderID, validation.Required),
		validation.Field(&p.UserID, validation.Required),
	)
}

type commentPayload struct {
	WorkOrderID string
	Body        string
}

func (p *commentPayload) Validate() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.WorkOrderID, validation.Required),
		validation.Field(&p.Body, validation.Required, validation.Length(1, maxCommentLength)),
	)
}

type attachmentPayload struct {
	WorkOrderID string
	URL         string
	URLHash     string
}

func (p *attachmentPayload) Validate() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.WorkOrderID, validation.Required),
		validation.Field(&p.URL, validation.Required, is.URL),
	)
}

type linkPayload struct {
	WorkOrderID string
	URL         string
	Label       string
}

func (p *linkPayload) Validate() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.WorkOrderID, validation.Required),
		validation.Field(&p.URL, validation.Required, is.URL),
		validation.Field(&p.Label, validation.Length(0, maxLabelLength)),
	)
}

// AttachmentURLHash is the natural-key hash used when the client does not send one.
func AttachmentURLHash(url string) string {
	sum := md5.Sum([]byte(strings.TrimSpace(url)))
	return hex.EncodeToString(sum[:])
}

func (s *Service) applyAssignment(_ context.Context, scope reconcile.ApplyScope, op reconcile.Operation) (reconcile.Decision, error) {
	if op.Kind() == reconcile.KindDelete {
		return s.removeChild(scope, op, &Assignment{}, childAssignment)
	}
	payload := assignmentPayload{
		WorkOrderID: trimmedText(op, fieldWorkOrderID),
		UserID:      trimmedText(op, "user_id"),
	}
	if err := payload.Validate(); err != nil {
		return s.rejectPayload(op, childAssignment, err), nil
	}
	if found, err := liveWorkOrderExists(scope.Tx, payload.WorkOrderID); err != nil || !found {
		return reconcile.Reject(ReasonWorkOrderNotFound), err
	}

	var existing Assignment
	found, err := findNaturalOwner(scope, &Assignment{}, &existing, op.EntityID(),
		func() string { return existing.ID },
		"work_order_id = ? AND user_id = ?", payload.WorkOrderID, payload.UserID)
	if err != nil {
		return reconcile.Decision{}, err
	}
	if found {
		err = scope.Tx.Model(&Assignment{}).Where("id = ?", existing.ID).
			Updates(map[string]interface{}{"work_order_id": payload.WorkOrderID, "user_id": payload.UserID, "deleted_at": nil}).Error
	} else {
		err = scope.Tx.Create(&Assignment{
			ID:          op.EntityID(),
			WorkOrderID: payload.WorkOrderID,
			UserID:      payload.UserID,
			CreatedBy:   scope.Actor.ID,
			CreatedAt:   scope.Now,
		}).Error
	}
	if err != nil {
		return reconcile.Decision{}, err
	}
	return childUpserted(childAssignment, payload.WorkOrderID, map[string]any{"user_id": payload.UserID}), nil
}

func (s *Service) applyComment(_ context.Context, scope reconcile.ApplyScope, op reconcile.Operation) (reconcile.Decision, error) {
	if op.Kind() == reconcile.KindDelete {
		return s.removeChild(scope, op, &Comment{}, childComment)
	}
	body, _ := op.Text("body")
	payload := commentPayload{
		WorkOrderID: trimmedText(op, fieldWorkOrderID),
		Body:        strings.TrimSpace(body),
	}
	if err := payload.Validate(); err != nil {
		return s.rejectPayload(op, childComment, err), nil
	}
	if found, err := liveWorkOrderExists(scope.Tx, payload.WorkOrderID); err != nil || !found {
		return reconcile.Reject(ReasonWorkOrderNotFound), err
	}

	var existing Comment
	found, err := findChild(scope.Tx, &existing, "id = ?", op.EntityID())
	if err != nil {
		return reconcile.Decision{}, err
	}
	if found {
		err = scope.Tx.Model(&Comment{}).Where("id = ?", existing.ID).
			Updates(map[string]interface{}{"body": payload.Body, "deleted_at": nil}).Error
	} else {
		err = scope.Tx.Create(&Comment{
			ID:          op.EntityID(),
			WorkOrderID: payload.WorkOrderID,
			Body:        payload.Body,
			CreatedBy:   scope.Actor.ID,
			CreatedAt:   scope.Now,
		}).Error
	}
	if err != nil {
		return reconcile.Decision{}, err
	}
	return childUpserted(childComment, payload.WorkOrderID, map[string]any{"length": len(payload.Body)}), nil
}

func (s *Service) applyAttachment(_ context.Context, scope reconcile.ApplyScope, op reconcile.Operation) (reconcile.Decision, error) {
	if op.Kind() == reconcile.KindDelete {
		return s.removeChild(scope, op, &Attachment{}, childAttachment)
	}
	payload := attachmentPayload{
		WorkOrderID: trimmedText(op, fieldWorkOrderID),
		URL:         trimmedText(op, "url"),
		URLHash:     trimmedText(op, "url_hash"),
	}
	if err := payload.Validate(); err != nil {
		return s.rejectPayload(op, childAttachment, err), nil
	}
	if payload.URLHash == "" {
		payload.URLHash = AttachmentURLHash(payload.URL)
	}
	if found, err := liveWorkOrderExists(scope.Tx, payload.WorkOrderID); err != nil || !found {
		return reconcile.Reject(ReasonWorkOrderNotFound), err
	}

	var existing Attachment
	found, err := findNaturalOwner(scope, &Attachment{}, &existing, op.EntityID(),
		func() string { return existing.ID },
		"work_order_id = ? AND url_hash = ?", payload.WorkOrderID, payload.URLHash)
	if err != nil {
		return reconcile.Decision{}, err
	}
	if found {
		err = scope.Tx.Model(&Attachment{}).Where("id = ?", existing.ID).
			Updates(map[string]interface{}{"work_order_id": payload.WorkOrderID, "url": payload.URL, "url_hash": payload.URLHash, "deleted_at": nil}).Error
	} else {
		err = scope.Tx.Create(&Attachment{
			ID:          op.EntityID(),
			WorkOrderID: payload.WorkOrderID,
			URL:         payload.URL,
			URLHash:     payload.URLHash,
			CreatedBy:   scope.Actor.ID,
			CreatedAt:   scope.Now,
		}).Error
	}
	if err != nil {
		return reconcile.Decision{}, err
	}
	return childUpserted(childAttachment, payload.WorkOrderID, map[string]any{"url": payload.URL}), nil
}

func (s *Service) applyLink(_ context.Context, scope reconcile.ApplyScope, op reconcile.Operation) (reconcile.Decision, error) {
	if op.Kind() == reconcile.KindDelete {
		return s.removeChild(scope, op, &Link{}, childLink)
	}
	payload := linkPayload{
		WorkOrderID: trimmedText(op, fieldWorkOrderID),
		URL:         trimmedText(op, "url"),
		Label:       trimmedText(op, "label"),
	}
	if err := payload.Validate(); err != nil {
		return s.rejectPayload(op, childLink, err), nil
	}
	if found, err := liveWorkOrderExists(scope.Tx, payload.WorkOrderID); err != nil || !found {
		return reconcile.Reject(ReasonWorkOrderNotFound), err
	}

	var existing Link
	found, err := findChild(scope.Tx, &existing, "id = ?", op.EntityID())
	if err != nil {
		return reconcile.Decision{}, err
	}
	if found {
		err = scope.Tx.Model(&Link{}).Where("id = ?", existing.ID).
			Updates(map[string]interface{}{"url": payload.URL, "label": payload.Label, "deleted_at": nil}).Error
	} else {
		err = scope.Tx.Create(&Link{
			ID:          op.EntityID(),
			WorkOrderID: payload.WorkOrderID,
			URL:         payload.URL,
			Label:       payload.Label,
			CreatedBy:   scope.Actor.ID,
			CreatedAt:   scope.Now,
		}).Error
	}
	if err != nil {
		return reconcile.Decision{}, err
	}
	return childUpserted(childLink, payload.WorkOrderID, map[string]any{"url": payload.URL, "label": payload.Label}), nil
}

type childReference struct {
	WorkOrderID string
}

// removeChild soft-deletes a child row by id. Removing a missing or already
// removed row still succeeds.
func (s *Service) removeChild(scope reconcile.ApplyScope, op reconcile.Operation, model interface{}, kind string) (reconcile.Decision, error) {
	var reference childReference
	lookup := scope.Tx.Model(model).Select("work_order_id").Where("id = ?", op.EntityID()).Limit(1).Scan(&reference)
	if lookup.Error != nil {
		return reconcile.Decision{}, lookup.Error
	}
	if lookup.RowsAffected > 0 {
		if err := scope.Tx.Model(model).
			Where("id = ? AND deleted_at IS NULL", op.EntityID()).
			Update("deleted_at", scope.Now).Error; err != nil {
			return reconcile.Decision{}, err
		}
	}
	parentID := reference.WorkOrderID
	if parentID == "" {
		parentID = trimmedText(op, fieldWorkOrderID)
	}
	return reconcile.Decision{
		Result:     reconcile.ResultApplied,
		ReasonCode: kind + "_removed",
		Activity: &reconcile.ActivityDraft{
			EntityID: parentID,
			Action:   kind + "_removed",
			Details:  map[string]any{kind + "_id": op.EntityID()},
		},
	}, nil
}

func (s *Service) rejectPayload(op reconcile.Operation, kind string, err error) reconcile.Decision {
	s.logger.Debug("child payload rejected",
		zap.String("table", op.Table().String()),
		zap.String("entity_id", op.EntityID()),
		zap.Error(err))
	return reconcile.Reject(fmt.Sprintf("invalid_%s_payload", kind))
}

func childUpserted(kind, workOrderID string, details map[string]any) reconcile.Decision {
	return reconcile.Decision{
		Result:     reconcile.ResultApplied,
		ReasonCode: kind + "_upserted",
		Activity: &reconcile.ActivityDraft{
			EntityID: workOrderID,
			Action:   kind + "_upserted",
			Details:  details,
		},
	}
}

func liveWorkOrderExists(tx *gorm.DB, id string) (bool, error) {
	var count int64
	if err := tx.Model(&WorkOrder{}).Where("id = ? AND deleted_at IS NULL", id).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// findNaturalOwner loads the row holding a natural key, including removed
// rows, and falls back to the submitted id. When another row owns the key the
// row under the submitted id is retired, so the replace never moves a second
// row onto a taken key.
func findNaturalOwner(scope reconcile.ApplyScope, model, dest interface{}, entityID string, ownerID func() string, naturalKey string, args ...interface{}) (bool, error) {
	found, err := findChild(scope.Tx, dest, naturalKey, args...)
	if err != nil {
		return false, err
	}
	if !found {
		return findChild(scope.Tx, dest, "id = ?", entityID)
	}
	if ownerID() != entityID {
		if err := scope.Tx.Model(model).
			Where("id = ? AND deleted_at IS NULL", entityID).
			Update("deleted_at", scope.Now).Error; err != nil {
			return false, err
		}
	}
	return true, nil
}

func findChild(tx *gorm.DB, dest interface{}, query string, args ...interface{}) (bool, error) {
	err := tx.Where(query, args...).Take(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func trimmedText(op reconcile.Operation, field string) string {
	value, _ := op.Text(field)
	return strings.TrimSpace(value)
}
