package workorders

import "encoding/json"

// ValueKind distinguishes an absent value from an explicit null.
type ValueKind string

const (
	ValueAbsent ValueKind = "absent"
	ValueNull   ValueKind = "null"
	ValueText   ValueKind = "text"
)

// FieldValue is a tagged field value. The zero value is absent.
type FieldValue struct {
	Kind ValueKind `json:"kind"`
	Text string    `json:"text,omitempty"`
}

// TextValue wraps a concrete string.
func TextValue(text string) FieldValue {
	return FieldValue{Kind: ValueText, Text: text}
}

// NullValue represents an explicit null.
func NullValue() FieldValue {
	return FieldValue{Kind: ValueNull}
}

// valueFromPointer maps a nullable column onto a tagged value.
func valueFromPointer(value *string) FieldValue {
	if value == nil {
		return NullValue()
	}
	return TextValue(*value)
}

// IsAbsent reports whether no value was supplied.
func (v FieldValue) IsAbsent() bool {
	return v.Kind == "" || v.Kind == ValueAbsent
}

// Pointer converts the value into a nullable column value. Absent maps to nil.
func (v FieldValue) Pointer() *string {
	if v.Kind != ValueText {
		return nil
	}
	text := v.Text
	return &text
}

// Equal compares kinds and text, treating the zero value as absent.
func (v FieldValue) Equal(other FieldValue) bool {
	if v.IsAbsent() || other.IsAbsent() {
		return v.IsAbsent() && other.IsAbsent()
	}
	return v.Kind == other.Kind && v.Text == other.Text
}

// MarshalJSON always emits an explicit kind.
func (v FieldValue) MarshalJSON() ([]byte, error) {
	type plain FieldValue
	normalized := plain(v)
	if v.IsAbsent() {
		normalized = plain{Kind: ValueAbsent}
	}
	return json.Marshal(normalized)
}
