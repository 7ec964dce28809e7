package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rectcircle/convergence-server/internal/model"
	"github.com/rectcircle/convergence-server/internal/storage"
)

// Round-trip: every op kind is serializable to the binary format and
// deserializable to an equal value (spec.md section 8).
func TestEncodeDecodeDiscreteOperation_RoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	cases := map[string]model.DiscreteOperation{
		"StringInsert":         {Kind: model.StringInsert, VID: "v1", Index: 3, StrValue: "abc"},
		"StringRemove":         {Kind: model.StringRemove, VID: "v1", Index: 1, StrValue: "bc"},
		"StringSet":            {Kind: model.StringSet, VID: "v1", StrValue: "replaced"},
		"ArrayInsert":          {Kind: model.ArrayInsert, VID: "v2", Index: 0, ElemValue: &model.DoubleValue{VID: "e1", Value: 3.5}},
		"ArrayRemove":          {Kind: model.ArrayRemove, VID: "v2", Index: 2},
		"ArrayReplace":         {Kind: model.ArrayReplace, VID: "v2", Index: 1, ElemValue: &model.BooleanValue{VID: "e2", Value: true}},
		"ArrayMove":            {Kind: model.ArrayMove, VID: "v2", FromIndex: 0, ToIndex: 3},
		"ArraySet": {Kind: model.ArraySet, VID: "v2", ArrValues: []model.DataValue{
			&model.StringValue{VID: "e3", Value: "x"},
			&model.NullValue{VID: "e4"},
		}},
		"ObjectAddProperty": {Kind: model.ObjectAddProperty, VID: "v3", Property: "a", PropValue: &model.DoubleValue{VID: "e5", Value: 1}},
		"ObjectSetProperty": {Kind: model.ObjectSetProperty, VID: "v3", Property: "a", PropValue: &model.StringValue{VID: "e6", Value: "y"}},
		"ObjectRemoveProperty": {Kind: model.ObjectRemoveProperty, VID: "v3", Property: "a"},
		"ObjectSet": {Kind: model.ObjectSet, VID: "v3", ObjValues: map[string]model.DataValue{
			"k": &model.DateValue{VID: "e7", Value: now},
		}},
		"NumberAdd":  {Kind: model.NumberAdd, VID: "v4", NumValue: -2.5},
		"NumberSet":  {Kind: model.NumberSet, VID: "v4", NumValue: 42},
		"BooleanSet": {Kind: model.BooleanSet, VID: "v5", BoolValue: true},
		"DateSet":    {Kind: model.DateSet, VID: "v6", DateValue: now},
	}

	for name, op := range cases {
		t.Run(name, func(t *testing.T) {
			b, err := EncodeDiscreteOperation(op)
			require.NoError(t, err)
			got, err := DecodeDiscreteOperation(b)
			require.NoError(t, err)
			assert.Equal(t, op, got)
		})
	}
}

func TestEncodeDecodeOperation_Compound(t *testing.T) {
	compound := model.CompoundOperation{Ops: []model.DiscreteOperation{
		{Kind: model.StringInsert, VID: "v1", Index: 0, StrValue: "a"},
		{Kind: model.StringInsert, VID: "v1", Index: 1, StrValue: "b"},
	}}
	b, err := EncodeOperation(compound)
	require.NoError(t, err)
	got, err := DecodeOperation(b)
	require.NoError(t, err)
	assert.Equal(t, compound, got)
}

func TestEncodeDecodeOperation_NoOpPreserved(t *testing.T) {
	op := model.DiscreteOperation{Kind: model.StringSet, VID: "v1", StrValue: "x", NoOp: true}
	b, err := EncodeOperation(op)
	require.NoError(t, err)
	got, err := DecodeOperation(b)
	require.NoError(t, err)
	gotDiscrete := got.(model.DiscreteOperation)
	assert.True(t, gotDiscrete.NoOp)
}

func TestEncodeDecodeValue_RoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	root := model.NewObjectValue("root")
	arr := model.NewArrayValue("arr1")
	arr.Children = append(arr.Children,
		&model.StringValue{VID: "s1", Value: "hello"},
		&model.DoubleValue{VID: "d1", Value: 1.25},
		&model.BooleanValue{VID: "b1", Value: false},
		&model.DateValue{VID: "dt1", Value: now},
		&model.NullValue{VID: "n1"},
	)
	root.Children["arr"] = arr
	root.Children["nested"] = model.NewObjectValue("obj2")

	b, err := EncodeValue(root)
	require.NoError(t, err)
	got, err := DecodeValue(b)
	require.NoError(t, err)
	assert.Equal(t, root, got)
}

func TestEncodeDecodeLogEntry_RoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	entry := storage.ModelOperation{
		ModelID:   "m1",
		Version:   7,
		Timestamp: now,
		SessionID: "session-a",
		Op: model.AppliedOperation{
			DiscreteOperation: model.DiscreteOperation{Kind: model.NumberAdd, VID: "n1", NumValue: 1.5},
			OldValue:          &model.DoubleValue{VID: "n1", Value: 2},
		},
	}
	b, err := EncodeLogEntry(entry)
	require.NoError(t, err)
	got, err := DecodeLogEntry("m1", b)
	require.NoError(t, err)

	// OldValue is inverse-undo bookkeeping, not part of the wire format;
	// the log entry's wire encoding only carries the DiscreteOperation.
	assert.Equal(t, entry.Version, got.Version)
	assert.Equal(t, entry.Timestamp, got.Timestamp)
	assert.Equal(t, entry.SessionID, got.SessionID)
	assert.Equal(t, entry.Op.DiscreteOperation, got.Op.DiscreteOperation)
}

func TestEncodeDecodeSnapshot_RoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	root := model.NewObjectValue("root")
	root.Children["a"] = &model.StringValue{VID: "s1", Value: "hi"}
	snap := storage.Snapshot{ModelID: "m1", Version: 4, Timestamp: now, Root: root}

	b, err := EncodeSnapshot(snap)
	require.NoError(t, err)
	got, err := DecodeSnapshot(b)
	require.NoError(t, err)
	assert.Equal(t, snap, got)
}
