package workorders

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/tether/internal/reconcile"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrWorkOrderNotFound is returned for missing and soft-deleted work orders.
var ErrWorkOrderNotFound = errors.New("work order not found")

const (
	opListWorkOrders   = "workorders.list"
	opGetWorkOrder     = "workorders.get"
	opListActivity     = "workorders.list_activity"
	opUpsertInventory  = "workorders.upsert_inventory"
	defaultListLimit   = 200
	reasonInvalidInput = "invalid_input"
)

// ListOptions filters ListWorkOrders.
type ListOptions struct {
	Status     string
	AssigneeID string
	Limit      int
}

// WorkOrderDetail is a live work order with its live children.
type WorkOrderDetail struct {
	WorkOrder   WorkOrder
	Assignments []Assignment
	Comments    []Comment
	Attachments []Attachment
	Links       []Link
	Note        *Note
}

// ListWorkOrders returns live work orders, most recently updated first.
func (s *Service) ListWorkOrders(ctx context.Context, options ListOptions) ([]WorkOrder, error) {
	limit := options.Limit
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}
	query := s.db.WithContext(ctx).
		Where("deleted_at IS NULL").
		Order("updated_at DESC").
		Order("id ASC").
		Limit(limit)
	if status := strings.TrimSpace(options.Status); status != "" {
		normalized, _ := s.policy.NormalizeStatus(status)
		query = query.Where("status = ?", normalized)
	}
	if assignee := strings.TrimSpace(options.AssigneeID); assignee != "" {
		query = query.Where("assignee_id = ?", assignee)
	}
	var workOrders []WorkOrder
	if err := query.Find(&workOrders).Error; err != nil {
		s.logError(opListWorkOrders, reasonQueryFailed, err)
		return nil, newServiceError(opListWorkOrders, reasonQueryFailed, err)
	}
	return workOrders, nil
}

// GetWorkOrder loads a live work order and its live children.
func (s *Service) GetWorkOrder(ctx context.Context, id string) (WorkOrderDetail, error) {
	db := s.db.WithContext(ctx)
	var detail WorkOrderDetail
	err := db.Where("id = ? AND deleted_at IS NULL", id).Take(&detail.WorkOrder).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return WorkOrderDetail{}, newServiceError(opGetWorkOrder, "not_found", ErrWorkOrderNotFound)
	}
	if err != nil {
		s.logError(opGetWorkOrder, reasonQueryFailed, err, zap.String(fieldWorkOrderID, id))
		return WorkOrderDetail{}, newServiceError(opGetWorkOrder, reasonQueryFailed, err)
	}

	children := []interface{}{&detail.Assignments, &detail.Comments, &detail.Attachments, &detail.Links}
	for _, target := range children {
		if err := db.Where("work_order_id = ? AND deleted_at IS NULL", id).
			Order("created_at ASC").
			Order("id ASC").
			Find(target).Error; err != nil {
			s.logError(opGetWorkOrder, reasonQueryFailed, err, zap.String(fieldWorkOrderID, id))
			return WorkOrderDetail{}, newServiceError(opGetWorkOrder, reasonQueryFailed, err)
		}
	}

	var notes []Note
	if err := db.Where("work_order_id = ?", id).Limit(1).Find(&notes).Error; err != nil {
		s.logError(opGetWorkOrder, reasonQueryFailed, err, zap.String(fieldWorkOrderID, id))
		return WorkOrderDetail{}, newServiceError(opGetWorkOrder, reasonQueryFailed, err)
	}
	if len(notes) > 0 {
		detail.Note = &notes[0]
	}
	return detail, nil
}

// ListActivity returns the audit trail of a work order, oldest first.
func (s *Service) ListActivity(ctx context.Context, workOrderID string, limit int) ([]reconcile.ActivityEntry, error) {
	entries, err := reconcile.ListActivity(ctx, s.db, workOrderID, limit)
	if err != nil {
		s.logError(opListActivity, reasonQueryFailed, err, zap.String(fieldWorkOrderID, workOrderID))
		return nil, newServiceError(opListActivity, reasonQueryFailed, err)
	}
	return entries, nil
}

// UpsertInventory sets the on-hand quantity of a part, creating it if needed.
func (s *Service) UpsertInventory(ctx context.Context, part PartInventory) error {
	part.PartSKU = strings.TrimSpace(part.PartSKU)
	if part.PartSKU == "" || part.OnHand < 0 {
		return newServiceError(opUpsertInventory, reasonInvalidInput, errors.New("part sku and non-negative on hand are required"))
	}
	part.UpdatedAt = s.clock().UTC()
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "part_sku"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "on_hand", "updated_at"}),
	}).Create(&part).Error
	if err != nil {
		s.logError(opUpsertInventory, reasonQueryFailed, err, zap.String("part_sku", part.PartSKU))
		return newServiceError(opUpsertInventory, reasonQueryFailed, err)
	}
	return nil
}

// GetInventory loads one part aggregate.
func (s *Service) GetInventory(ctx context.Context, sku string) (PartInventory, bool, error) {
	var part PartInventory
	found, err := findChild(s.db.WithContext(ctx), &part, "part_sku = ?", sku)
	return part, found, err
}
