package workorders

import "time"

// WorkOrder is the primary entity. DeletedAt marks a soft delete.
type WorkOrder struct {
	ID                      string     `gorm:"column:id;primaryKey;size:190;not null"`
	Title                   string     `gorm:"column:title;size:512;not null"`
	Summary                 string     `gorm:"column:summary;type:text;not null;default:''"`
	Priority                string     `gorm:"column:priority;size:16;not null;default:'medium'"`
	Status                  string     `gorm:"column:status;size:32;not null;default:'open'"`
	AssigneeID              string     `gorm:"column:assignee_id;size:190;not null;default:''"`
	SiteContactPhone        *string    `gorm:"column:site_contact_phone;size:64"`
	SiteContactPhoneVersion int64      `gorm:"column:site_contact_phone_version;not null;default:0"`
	Version                 int64      `gorm:"column:version;not null;default:0"`
	CreatedBy               string     `gorm:"column:created_by;size:190;not null"`
	CreatedAt               time.Time  `gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt               time.Time  `gorm:"column:updated_at;not null;autoUpdateTime:false;index"`
	DeletedAt               *time.Time `gorm:"column:deleted_at;index"`
}

// TableName provides the explicit table binding for GORM.
func (WorkOrder) TableName() string {
	return "work_orders"
}

// Assignment links an actor to a work order. One row per (work order, user).
type Assignment struct {
	ID          string     `gorm:"column:id;primaryKey;size:190;not null"`
	WorkOrderID string     `gorm:"column:work_order_id;size:190;not null;uniqueIndex:idx_assignment_natural,priority:1"`
	UserID      string     `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_assignment_natural,priority:2"`
	CreatedBy   string     `gorm:"column:created_by;size:190;not null"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null;autoCreateTime:false"`
	DeletedAt   *time.Time `gorm:"column:deleted_at"`
}

// TableName provides the explicit table binding for GORM.
func (Assignment) TableName() string {
	return "work_order_assignments"
}

// Comment is a free-text remark on a work order.
type Comment struct {
	ID          string     `gorm:"column:id;primaryKey;size:190;not null"`
	WorkOrderID string     `gorm:"column:work_order_id;size:190;not null;index"`
	Body        string     `gorm:"column:body;type:text;not null"`
	CreatedBy   string     `gorm:"column:created_by;size:190;not null"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null;autoCreateTime:false"`
	DeletedAt   *time.Time `gorm:"column:deleted_at"`
}

// TableName provides the explicit table binding for GORM.
func (Comment) TableName() string {
	return "work_order_comments"
}

// Attachment references an external file by URL. One row per (work order, url hash).
type Attachment struct {
	ID          string     `gorm:"column:id;primaryKey;size:190;not null"`
	WorkOrderID string     `gorm:"column:work_order_id;size:190;not null;uniqueIndex:idx_attachment_natural,priority:1"`
	URL         string     `gorm:"column:url;type:text;not null"`
	URLHash     string     `gorm:"column:url_hash;size:64;not null;uniqueIndex:idx_attachment_natural,priority:2"`
	CreatedBy   string     `gorm:"column:created_by;size:190;not null"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null;autoCreateTime:false"`
	DeletedAt   *time.Time `gorm:"column:deleted_at"`
}

// TableName provides the explicit table binding for GORM.
func (Attachment) TableName() string {
	return "work_order_attachments"
}

// Link is a labelled reference from a work order to an external resource.
type Link struct {
	ID          string     `gorm:"column:id;primaryKey;size:190;not null"`
	WorkOrderID string     `gorm:"column:work_order_id;size:190;not null;index"`
	URL         string     `gorm:"column:url;type:text;not null"`
	Label       string     `gorm:"column:label;size:256;not null;default:''"`
	CreatedBy   string     `gorm:"column:created_by;size:190;not null"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null;autoCreateTime:false"`
	DeletedAt   *time.Time `gorm:"column:deleted_at"`
}

// TableName provides the explicit table binding for GORM.
func (Link) TableName() string {
	return "work_order_links"
}

// PartInventory is the running on-hand aggregate per part SKU.
type PartInventory struct {
	PartSKU   string    `gorm:"column:part_sku;primaryKey;size:128;not null"`
	Name      string    `gorm:"column:name;size:256;not null;default:''"`
	OnHand    int64     `gorm:"column:on_hand;not null;default:0"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false"`
}

// TableName provides the explicit table binding for GORM.
func (PartInventory) TableName() string {
	return "part_inventory"
}

// PartUsageEvent is an append-only signed inventory movement.
type PartUsageEvent struct {
	ID          string    `gorm:"column:id;primaryKey;size:190;not null"`
	WorkOrderID string    `gorm:"column:work_order_id;size:190;not null;index"`
	PartSKU     string    `gorm:"column:part_sku;size:128;not null;index"`
	QtyDelta    int64     `gorm:"column:qty_delta;not null"`
	CreatedBy   string    `gorm:"column:created_by;size:190;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;not null;autoCreateTime:false"`
}

// TableName provides the explicit table binding for GORM.
func (PartUsageEvent) TableName() string {
	return "part_usage_events"
}

// DescriptionUpdate is one opaque CRDT delta for a work order description.
type DescriptionUpdate struct {
	Sequence    int64     `gorm:"column:sequence;primaryKey;autoIncrement"`
	ID          string    `gorm:"column:id;size:190;not null;uniqueIndex"`
	WorkOrderID string    `gorm:"column:work_order_id;size:190;not null;index:idx_description_updates_order,priority:1"`
	UpdateB64   string    `gorm:"column:update_b64;type:text;not null"`
	Origin      string    `gorm:"column:origin;size:64;not null;default:''"`
	CreatedBy   string    `gorm:"column:created_by;size:190;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;not null;autoCreateTime:false;index:idx_description_updates_order,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (DescriptionUpdate) TableName() string {
	return "work_order_description_updates"
}

// Note is a free-text field merged with the line-union fallback strategy.
type Note struct {
	ID          string    `gorm:"column:id;primaryKey;size:190;not null"`
	WorkOrderID string    `gorm:"column:work_order_id;size:190;not null;uniqueIndex:idx_note_work_order"`
	Body        string    `gorm:"column:body;type:text;not null;default:''"`
	UpdatedBy   string    `gorm:"column:updated_by;size:190;not null"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "work_order_notes"
}

// ConflictStatus enumerates the lifecycle of a ConflictRecord.
type ConflictStatus string

const (
	ConflictStatusOpen      ConflictStatus = "open"
	ConflictStatusResolved  ConflictStatus = "resolved"
	ConflictStatusDismissed ConflictStatus = "dismissed"
)

// ConflictRecord captures two irreconcilable values for one field.
type ConflictRecord struct {
	ID            string         `gorm:"column:id;primaryKey;size:64;not null"`
	EntityType    string         `gorm:"column:entity_type;size:64;not null"`
	EntityID      string         `gorm:"column:entity_id;size:190;not null;index"`
	FieldName     string         `gorm:"column:field_name;size:128;not null"`
	LocalValue    FieldValue     `gorm:"column:local_value;type:text;serializer:json"`
	ServerValue   FieldValue     `gorm:"column:server_value;type:text;serializer:json"`
	Status        ConflictStatus `gorm:"column:status;size:16;not null;index"`
	ResolvedValue FieldValue     `gorm:"column:resolved_value;type:text;serializer:json"`
	Strategy      string         `gorm:"column:strategy;size:32;not null;default:''"`
	CreatedBy     string         `gorm:"column:created_by;size:190;not null"`
	ResolvedBy    string         `gorm:"column:resolved_by;size:190;not null;default:''"`
	CreatedAt     time.Time      `gorm:"column:created_at;not null;autoCreateTime:false"`
	ResolvedAt    *time.Time     `gorm:"column:resolved_at"`
}

// TableName provides the explicit table binding for GORM.
func (ConflictRecord) TableName() string {
	return "conflict_records"
}

// Models lists every table owned by this package for schema migration.
func Models() []interface{} {
	return []interface{}{
		&WorkOrder{},
		&Assignment{},
		&Comment{},
		&Attachment{},
		&Link{},
		&PartInventory{},
		&PartUsageEvent{},
		&DescriptionUpdate{},
		&Note{},
		&ConflictRecord{},
	}
}
