package reconcile

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseOperationKind(t *testing.T) {
	cases := map[string]OperationKind{
		"create-or-replace": KindCreateOrReplace,
		"create_or_replace": KindCreateOrReplace,
		" PATCH ":           KindPatch,
		"delete":            KindDelete,
	}
	for input, expected := range cases {
		kind, err := ParseOperationKind(input)
		require.NoError(t, err, input)
		require.Equal(t, expected, kind, input)
	}
	for _, unknown := range []string{"merge", "upsert", "put"} {
		_, err := ParseOperationKind(unknown)
		require.ErrorIs(t, err, ErrInvalidOperation, unknown)
	}
}

func TestNewOperationValidatesEnvelope(t *testing.T) {
	_, err := NewOperation(OperationConfig{Kind: KindPatch, Table: "work_order"})
	require.ErrorIs(t, err, ErrInvalidOperation)

	_, err = NewOperation(OperationConfig{Kind: KindPatch, EntityID: "wo-1"})
	require.ErrorIs(t, err, ErrInvalidOperation)

	_, err = NewOperation(OperationConfig{Kind: "merge", Table: "work_order", EntityID: "wo-1"})
	require.ErrorIs(t, err, ErrInvalidOperation)
}

func TestOperationFieldAccessors(t *testing.T) {
	op := mustOperation(t, KindPatch, "work_order", "wo-1", map[string]any{
		"title":   "Fix pump",
		"version": json.Number("7"),
		"phone":   nil,
		"count":   "12",
	})

	title, ok := op.Text("title")
	require.True(t, ok)
	require.Equal(t, "Fix pump", title)

	version, ok := op.Int("version")
	require.True(t, ok)
	require.EqualValues(t, 7, version)

	count, ok := op.Int("count")
	require.True(t, ok)
	require.EqualValues(t, 12, count)

	require.True(t, op.Has("phone"))
	require.True(t, op.IsNull("phone"))
	_, ok = op.Text("phone")
	require.False(t, ok)

	require.False(t, op.Has("missing"))
}

func TestNewActorNormalizesRole(t *testing.T) {
	actor, err := NewActor(" mgr-1 ", "Manager")
	require.NoError(t, err)
	require.Equal(t, "mgr-1", actor.ID)
	require.Equal(t, RoleManager, actor.Role)

	actor, err = NewActor("tech-9", "superuser")
	require.NoError(t, err)
	require.Equal(t, RoleTech, actor.Role)

	_, err = NewActor("  ", "tech")
	require.ErrorIs(t, err, ErrInvalidActor)
}
