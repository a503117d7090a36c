package workorders

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/reconcile"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Table identifiers registered with the policy router.
const (
	TableWorkOrder         reconcile.Table = "work_order"
	TableAssignment        reconcile.Table = "work_order_assignment"
	TableComment           reconcile.Table = "work_order_comment"
	TableAttachment        reconcile.Table = "work_order_attachment"
	TableLink              reconcile.Table = "work_order_link"
	TablePartUsageEvent    reconcile.Table = "part_usage_event"
	TableDescriptionUpdate reconcile.Table = "work_order_description_update"
	TableNote              reconcile.Table = "work_order_note"
)

// Reason codes reported by the appliers.
const (
	ReasonRestrictedCreate           = "restricted_create"
	ReasonRestrictedDelete           = "restricted_delete"
	ReasonMissingTitle               = "missing_title"
	ReasonWorkOrderNotFound          = "work_order_not_found"
	ReasonWorkOrderCreated           = "work_order_created"
	ReasonWorkOrderRestored          = "work_order_restored"
	ReasonWorkOrderSoftDeleted       = "work_order_soft_deleted"
	ReasonWorkOrderUpdated           = "work_order_updated"
	ReasonWorkOrderUnchanged         = "work_order_unchanged"
	ReasonNoSupportedFields          = "no_supported_fields"
	ReasonInvalidStatus              = "invalid_status"
	ReasonRestrictedStatusTransition = "restricted_status_transition"
	ReasonPhoneConflict              = "manual_site_contact_phone_conflict"
	ReasonEventInsertOnly            = "event_insert_only"
	ReasonIdempotentDuplicate        = "idempotent_duplicate"
	ReasonUnknownReference           = "unknown_reference"
	ReasonInventoryUnderflow         = "inventory_underflow"
	ReasonInvalidPartUsagePayload    = "invalid_part_usage_payload"
	ReasonDomainEventApplied         = "domain_event_applied"
	ReasonDescriptionInserted        = "description_update_inserted"
	ReasonDescriptionDuplicate       = "description_update_duplicate"
	ReasonDescriptionDeleteRejected  = "description_update_delete_not_supported"
	ReasonInvalidDescriptionPayload  = "invalid_description_update_payload"
	ReasonNoteUpsert                 = "note_upsert"
	ReasonNoteLineMerge              = "crdt_line_merge"
	ReasonRestrictedNoteDelete       = "restricted_note_delete"
	ReasonInvalidNotePayload         = "invalid_note_payload"
)

const (
	entityTypeWorkOrder   = "work_order"
	fieldSiteContactPhone = "site_contact_phone"
	fieldVersionGuard     = "version"
	fieldWorkOrderID      = "work_order_id"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingPolicy   = errors.New("transition policy is required")
	noOpLogger         = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

const opServiceNew = "workorders.service.new"

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider reconcile.IDProvider
	Policy     *Policy
	Logger     *zap.Logger
}

// Service owns the work order tables: appliers, conflicts and read queries.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider reconcile.IDProvider
	policy     *Policy
	activity   *reconcile.ActivityLedger
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Policy == nil {
		return nil, newServiceError(opServiceNew, "missing_policy", errMissingPolicy)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = reconcile.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: idProvider,
		policy:     cfg.Policy,
		activity:   reconcile.NewActivityLedger(clock, idProvider),
		logger:     logger,
	}, nil
}

// Appliers returns the applier registry for every table this package owns.
func (s *Service) Appliers() map[reconcile.Table]reconcile.Applier {
	return map[reconcile.Table]reconcile.Applier{
		TableWorkOrder:         reconcile.ApplierFunc(s.applyWorkOrder),
		TableAssignment:        reconcile.ApplierFunc(s.applyAssignment),
		TableComment:           reconcile.ApplierFunc(s.applyComment),
		TableAttachment:        reconcile.ApplierFunc(s.applyAttachment),
		TableLink:              reconcile.ApplierFunc(s.applyLink),
		TablePartUsageEvent:    reconcile.ApplierFunc(s.applyPartUsageEvent),
		TableDescriptionUpdate: reconcile.ApplierFunc(s.applyDescriptionUpdate),
		TableNote:              reconcile.ApplierFunc(s.applyNote),
	}
}

// NewRouter builds the policy router over this package's tables.
func (s *Service) NewRouter() (*reconcile.Router, error) {
	return reconcile.NewRouter(s.Appliers())
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("workorders service error", attrs...)
}
