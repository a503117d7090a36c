package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// OperationKind enumerates the client mutation intents.
type OperationKind string

const (
	// KindCreateOrReplace inserts a row or replaces the present fields of an existing one.
	KindCreateOrReplace OperationKind = "create_or_replace"
	// KindPatch updates the present fields of an existing row.
	KindPatch OperationKind = "patch"
	// KindDelete removes a row, usually through a soft delete.
	KindDelete OperationKind = "delete"
)

// Result enumerates the business outcome of one operation.
type Result string

const (
	ResultApplied     Result = "applied"
	ResultMerged      Result = "merged"
	ResultRejected    Result = "rejected"
	ResultNeedsReview Result = "needs_review"
)

// Role identifies the privilege level of an actor.
type Role string

const (
	RoleTech    Role = "tech"
	RoleManager Role = "manager"
)

// Table identifies an entity table an operation targets.
type Table string

// String returns the table identifier.
func (t Table) String() string {
	return string(t)
}

const maxIdentifierLength = 190

var (
	// ErrInvalidOperation indicates that an operation envelope is malformed.
	ErrInvalidOperation = errors.New("reconcile: invalid operation")
	// ErrInvalidActor indicates that an actor identity is missing.
	ErrInvalidActor = errors.New("reconcile: invalid actor")
)

// ParseOperationKind normalizes raw input into an OperationKind.
func ParseOperationKind(raw string) (OperationKind, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	switch normalized {
	case string(KindCreateOrReplace):
		return KindCreateOrReplace, nil
	case string(KindPatch):
		return KindPatch, nil
	case string(KindDelete):
		return KindDelete, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, raw)
	}
}

// ParseRole normalizes a role claim. Unknown roles fall back to the least privileged role.
func ParseRole(raw string) Role {
	if strings.EqualFold(strings.TrimSpace(raw), string(RoleManager)) {
		return RoleManager
	}
	return RoleTech
}

// Actor is the authenticated identity submitting a batch.
type Actor struct {
	ID   string
	Role Role
}

// NewActor validates the identifier and normalizes the role.
func NewActor(id string, role string) (Actor, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return Actor{}, fmt.Errorf("%w: empty id", ErrInvalidActor)
	}
	if len(trimmed) > maxIdentifierLength {
		return Actor{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidActor, maxIdentifierLength)
	}
	return Actor{ID: trimmed, Role: ParseRole(role)}, nil
}

// Operation is one immutable client-side mutation intent.
type Operation struct {
	kind     OperationKind
	table    Table
	entityID string
	fields   map[string]any
}

// OperationConfig describes the inputs required to build an Operation.
type OperationConfig struct {
	Kind     OperationKind
	Table    Table
	EntityID string
	Fields   map[string]any
}

// NewOperation validates the provided configuration and returns an Operation.
// Field values are the shapes produced by a JSON decoder (string, json.Number,
// bool, nil, []any, map[string]any) plus plain Go integers.
func NewOperation(cfg OperationConfig) (Operation, error) {
	switch cfg.Kind {
	case KindCreateOrReplace, KindPatch, KindDelete:
	default:
		return Operation{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, cfg.Kind)
	}
	table := Table(strings.TrimSpace(cfg.Table.String()))
	if table == "" {
		return Operation{}, fmt.Errorf("%w: empty table", ErrInvalidOperation)
	}
	entityID := strings.TrimSpace(cfg.EntityID)
	if entityID == "" {
		return Operation{}, fmt.Errorf("%w: empty entity id", ErrInvalidOperation)
	}
	if len(entityID) > maxIdentifierLength {
		return Operation{}, fmt.Errorf("%w: entity id exceeds %d characters", ErrInvalidOperation, maxIdentifierLength)
	}
	fields := make(map[string]any, len(cfg.Fields))
	for name, value := range cfg.Fields {
		fields[name] = value
	}
	return Operation{kind: cfg.Kind, table: table, entityID: entityID, fields: fields}, nil
}

// Kind returns the operation kind.
func (op Operation) Kind() OperationKind {
	return op.kind
}

// Table returns the targeted table.
func (op Operation) Table() Table {
	return op.table
}

// EntityID returns the client-assigned entity identifier.
func (op Operation) EntityID() string {
	return op.entityID
}

// FieldNames returns the names of the present fields.
func (op Operation) FieldNames() []string {
	names := make([]string, 0, len(op.fields))
	for name := range op.fields {
		names = append(names, name)
	}
	return names
}

// Has reports whether the field is present, including an explicit null.
func (op Operation) Has(name string) bool {
	_, ok := op.fields[name]
	return ok
}

// IsNull reports whether the field is present and explicitly null.
func (op Operation) IsNull(name string) bool {
	value, ok := op.fields[name]
	return ok && value == nil
}

// Text returns the field rendered as text. Numbers and booleans are rendered
// in their JSON form; null and composite values report ok=false.
func (op Operation) Text(name string) (string, bool) {
	value, ok := op.fields[name]
	if !ok {
		return "", false
	}
	switch typed := value.(type) {
	case string:
		return typed, true
	case json.Number:
		return typed.String(), true
	case bool:
		return strconv.FormatBool(typed), true
	case int:
		return strconv.Itoa(typed), true
	case int64:
		return strconv.FormatInt(typed, 10), true
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64), true
	default:
		return "", false
	}
}

// Int returns the field as an integer. String encodings of integers are accepted.
func (op Operation) Int(name string) (int64, bool) {
	value, ok := op.fields[name]
	if !ok {
		return 0, false
	}
	switch typed := value.(type) {
	case json.Number:
		parsed, err := typed.Int64()
		return parsed, err == nil
	case int:
		return int64(typed), true
	case int64:
		return typed, true
	case float64:
		if typed != float64(int64(typed)) {
			return 0, false
		}
		return int64(typed), true
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}

// Outcome is the recorded business result for one operation.
type Outcome struct {
	Fingerprint string `json:"fingerprint"`
	Table       Table  `json:"table"`
	EntityID    string `json:"entity_id"`
	Result      Result `json:"result"`
	ReasonCode  string `json:"reason_code,omitempty"`
	ConflictID  string `json:"conflict_id,omitempty"`
	// Replayed marks an outcome read back from the ledger instead of produced now.
	Replayed    bool   `json:"-"`
}

// BatchResult aggregates outcomes in submission order.
type BatchResult struct {
	Outcomes []Outcome
}
