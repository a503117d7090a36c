package crdt

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestDecodeRejectsStructurallyInvalidUpdates(t *testing.T) {
	validInsert := op{kind: opInsert, id: ID{Counter: 2, Replica: "r1"}, origin: ID{Counter: 1, Replica: "r1"}, value: 'x'}

	wrongVersion := protowire.AppendTag(nil, fieldUpdateVersion, protowire.VarintType)
	wrongVersion = protowire.AppendVarint(wrongVersion, 9)

	cases := []struct {
		name    string
		payload []byte
	}{
		{name: "empty", payload: nil},
		{name: "truncated", payload: encodeUpdate(update{replica: "r1", ops: []op{validInsert}})[:7]},
		{name: "unknown version", payload: wrongVersion},
		{name: "origin after insert", payload: encodeUpdate(update{replica: "r1", ops: []op{
			{kind: opInsert, id: ID{Counter: 1, Replica: "r1"}, origin: ID{Counter: 5, Replica: "r1"}, value: 'x'},
		}})},
		{name: "missing id", payload: encodeUpdate(update{replica: "r1", ops: []op{{kind: opDelete}}})},
		{name: "unknown kind", payload: encodeUpdate(update{replica: "r1", ops: []op{{kind: 7, id: ID{Counter: 1, Replica: "r1"}}}})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := decodeUpdate(tc.payload)
			require.ErrorIs(t, err, ErrMalformedUpdate)
		})
	}
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	payload := encodeUpdate(update{replica: "r1", ops: []op{
		{kind: opInsert, id: ID{Counter: 1, Replica: "r1"}, value: 'é'},
	}})
	payload = protowire.AppendTag(payload, 42, protowire.BytesType)
	payload = protowire.AppendString(payload, "future field")

	decoded, err := decodeUpdate(payload)
	require.NoError(t, err)
	require.Equal(t, "r1", decoded.replica)
	require.Len(t, decoded.ops, 1)
	require.Equal(t, 'é', decoded.ops[0].value)
}

func TestMalformedUpdateLeavesDocumentUntouched(t *testing.T) {
	document := NewDocument("r2")
	payload := encodeUpdate(update{replica: "r1", ops: []op{
		{kind: opInsert, id: ID{Counter: 1, Replica: "r1"}, value: 'a'},
		{kind: 9, id: ID{Counter: 2, Replica: "r1"}},
	}})

	changed, err := document.Apply(payload)
	require.ErrorIs(t, err, ErrMalformedUpdate)
	require.False(t, changed)
	require.Equal(t, "", document.Text())
}
