package crdt

import (
	"fmt"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

const formatVersion = 1

// Update message fields.
const (
	fieldUpdateVersion protowire.Number = 1
	fieldUpdateReplica protowire.Number = 2
	fieldUpdateOp      protowire.Number = 3
)

// Op message fields.
const (
	fieldOpKind          protowire.Number = 1
	fieldOpCounter       protowire.Number = 2
	fieldOpReplica       protowire.Number = 3
	fieldOpOriginCounter protowire.Number = 4
	fieldOpOriginReplica protowire.Number = 5
	fieldOpValue         protowire.Number = 6
)

type update struct {
	replica string
	ops     []op
}

func encodeUpdate(value update) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldUpdateVersion, protowire.VarintType)
	buf = protowire.AppendVarint(buf, formatVersion)
	buf = protowire.AppendTag(buf, fieldUpdateReplica, protowire.BytesType)
	buf = protowire.AppendString(buf, value.replica)
	for _, current := range value.ops {
		buf = protowire.AppendTag(buf, fieldUpdateOp, protowire.BytesType)
		buf = protowire.AppendBytes(buf, encodeOp(current))
	}
	return buf
}

func encodeOp(value op) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldOpKind, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(value.kind))
	buf = protowire.AppendTag(buf, fieldOpCounter, protowire.VarintType)
	buf = protowire.AppendVarint(buf, value.id.Counter)
	buf = protowire.AppendTag(buf, fieldOpReplica, protowire.BytesType)
	buf = protowire.AppendString(buf, value.id.Replica)
	if value.kind == opInsert {
		if !value.origin.IsZero() {
			buf = protowire.AppendTag(buf, fieldOpOriginCounter, protowire.VarintType)
			buf = protowire.AppendVarint(buf, value.origin.Counter)
			buf = protowire.AppendTag(buf, fieldOpOriginReplica, protowire.BytesType)
			buf = protowire.AppendString(buf, value.origin.Replica)
		}
		buf = protowire.AppendTag(buf, fieldOpValue, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(value.value))
	}
	return buf
}

func decodeUpdate(payload []byte) (update, error) {
	if len(payload) == 0 {
		return update{}, fmt.Errorf("%w: empty payload", ErrMalformedUpdate)
	}
	var decoded update
	version := uint64(0)
	for len(payload) > 0 {
		number, wireType, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return update{}, malformed(protowire.ParseError(n))
		}
		payload = payload[n:]
		switch {
		case number == fieldUpdateVersion && wireType == protowire.VarintType:
			value, m := protowire.ConsumeVarint(payload)
			if m < 0 {
				return update{}, malformed(protowire.ParseError(m))
			}
			version = value
			n = m
		case number == fieldUpdateReplica && wireType == protowire.BytesType:
			value, m := protowire.ConsumeString(payload)
			if m < 0 {
				return update{}, malformed(protowire.ParseError(m))
			}
			decoded.replica = value
			n = m
		case number == fieldUpdateOp && wireType == protowire.BytesType:
			value, m := protowire.ConsumeBytes(payload)
			if m < 0 {
				return update{}, malformed(protowire.ParseError(m))
			}
			parsed, err := decodeOp(value)
			if err != nil {
				return update{}, err
			}
			decoded.ops = append(decoded.ops, parsed)
			n = m
		default:
			m := protowire.ConsumeFieldValue(number, wireType, payload)
			if m < 0 {
				return update{}, malformed(protowire.ParseError(m))
			}
			n = m
		}
		payload = payload[n:]
	}
	if version != formatVersion {
		return update{}, fmt.Errorf("%w: unsupported format version %d", ErrMalformedUpdate, version)
	}
	return decoded, nil
}

func decodeOp(payload []byte) (op, error) {
	var decoded op
	for len(payload) > 0 {
		number, wireType, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return op{}, malformed(protowire.ParseError(n))
		}
		payload = payload[n:]
		switch {
		case wireType == protowire.VarintType && (number == fieldOpKind || number == fieldOpCounter ||
			number == fieldOpOriginCounter || number == fieldOpValue):
			value, m := protowire.ConsumeVarint(payload)
			if m < 0 {
				return op{}, malformed(protowire.ParseError(m))
			}
			switch number {
			case fieldOpKind:
				decoded.kind = opKind(value)
			case fieldOpCounter:
				decoded.id.Counter = value
			case fieldOpOriginCounter:
				decoded.origin.Counter = value
			case fieldOpValue:
				if value > utf8.MaxRune {
					return op{}, fmt.Errorf("%w: rune out of range", ErrMalformedUpdate)
				}
				decoded.value = rune(value)
			}
			n = m
		case wireType == protowire.BytesType && (number == fieldOpReplica || number == fieldOpOriginReplica):
			value, m := protowire.ConsumeString(payload)
			if m < 0 {
				return op{}, malformed(protowire.ParseError(m))
			}
			if number == fieldOpReplica {
				decoded.id.Replica = value
			} else {
				decoded.origin.Replica = value
			}
			n = m
		default:
			m := protowire.ConsumeFieldValue(number, wireType, payload)
			if m < 0 {
				return op{}, malformed(protowire.ParseError(m))
			}
			n = m
		}
		payload = payload[n:]
	}

	if decoded.kind != opInsert && decoded.kind != opDelete {
		return op{}, fmt.Errorf("%w: unknown op kind %d", ErrMalformedUpdate, decoded.kind)
	}
	if decoded.id.Counter == 0 || decoded.id.Replica == "" {
		return op{}, fmt.Errorf("%w: op id is incomplete", ErrMalformedUpdate)
	}
	if decoded.kind == opInsert {
		if !utf8.ValidRune(decoded.value) {
			return op{}, fmt.Errorf("%w: invalid rune", ErrMalformedUpdate)
		}
		if (decoded.origin.Counter == 0) != (decoded.origin.Replica == "") {
			return op{}, fmt.Errorf("%w: origin id is incomplete", ErrMalformedUpdate)
		}
		if !decoded.origin.IsZero() && !decoded.id.after(decoded.origin) {
			return op{}, fmt.Errorf("%w: insert does not follow its origin", ErrMalformedUpdate)
		}
	}
	return decoded, nil
}

func malformed(err error) error {
	return fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
}
