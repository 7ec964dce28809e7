package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTree() (*Tree, Vid) {
	root := NewObjectValue(Vid("root"))
	strVid := Vid("str1")
	root.Children["title"] = &StringValue{VID: strVid, Value: "hello"}
	return NewTree(root), strVid
}

func TestTree_StringInsert(t *testing.T) {
	tree, strVid := newTestTree()

	applied, err := tree.Apply(DiscreteOperation{Kind: StringInsert, VID: strVid, Index: 5, StrValue: " world"})
	require.NoError(t, err)
	assert.Equal(t, StringInsert, applied.Kind)

	v, ok := tree.Get(strVid)
	require.True(t, ok)
	assert.Equal(t, "hello world", v.(*StringValue).Value)
}

func TestTree_StringInsert_OutOfRange(t *testing.T) {
	tree, strVid := newTestTree()

	_, err := tree.Apply(DiscreteOperation{Kind: StringInsert, VID: strVid, Index: 999, StrValue: "x"})
	require.Error(t, err)
	var applyErr *ApplyError
	require.ErrorAs(t, err, &applyErr)
}

func TestTree_StringRemove_CarriesOldValue(t *testing.T) {
	tree, strVid := newTestTree()

	applied, err := tree.Apply(DiscreteOperation{Kind: StringRemove, VID: strVid, Index: 0, StrValue: "hell"})
	require.NoError(t, err)
	require.NotNil(t, applied.OldValue)
	assert.Equal(t, "hell", applied.OldValue.(*StringValue).Value)

	v, _ := tree.Get(strVid)
	assert.Equal(t, "o", v.(*StringValue).Value)
}

func TestTree_ArrayInsertAndRemove_UpdatesIndex(t *testing.T) {
	root := NewObjectValue("root")
	arrVid := Vid("arr1")
	root.Children["items"] = NewArrayValue(arrVid)
	tree := NewTree(root)

	elemVid := Vid("elem1")
	_, err := tree.Apply(DiscreteOperation{
		Kind: ArrayInsert, VID: arrVid, Index: 0,
		ElemValue: &StringValue{VID: elemVid, Value: "a"},
	})
	require.NoError(t, err)

	_, ok := tree.Get(elemVid)
	assert.True(t, ok, "inserted element must be indexed")

	applied, err := tree.Apply(DiscreteOperation{Kind: ArrayRemove, VID: arrVid, Index: 0})
	require.NoError(t, err)
	assert.Equal(t, elemVid, applied.OldValue.ValueID())

	_, ok = tree.Get(elemVid)
	assert.False(t, ok, "removed element must be de-indexed")
}

func TestTree_ArrayMove(t *testing.T) {
	root := NewObjectValue("root")
	arrVid := Vid("arr1")
	arr := NewArrayValue(arrVid)
	arr.Children = []DataValue{
		&StringValue{VID: "a", Value: "a"},
		&StringValue{VID: "b", Value: "b"},
		&StringValue{VID: "c", Value: "c"},
	}
	root.Children["items"] = arr
	tree := NewTree(root)

	_, err := tree.Apply(DiscreteOperation{Kind: ArrayMove, VID: arrVid, FromIndex: 0, ToIndex: 2})
	require.NoError(t, err)

	v, _ := tree.Get(arrVid)
	got := v.(*ArrayValue)
	require.Len(t, got.Children, 3)
	assert.Equal(t, "b", got.Children[0].(*StringValue).Value)
	assert.Equal(t, "c", got.Children[1].(*StringValue).Value)
	assert.Equal(t, "a", got.Children[2].(*StringValue).Value)
}

func TestTree_ObjectAddProperty_RejectsDuplicate(t *testing.T) {
	tree, _ := newTestTree()

	_, err := tree.Apply(DiscreteOperation{
		Kind: ObjectAddProperty, VID: "root", Property: "title",
		PropValue: &StringValue{VID: "x", Value: "dup"},
	})
	require.Error(t, err)
}

func TestTree_NumberAdd_RejectsNonFiniteResult(t *testing.T) {
	root := NewObjectValue("root")
	numVid := Vid("n1")
	root.Children["count"] = &DoubleValue{VID: numVid, Value: maxFinite}
	tree := NewTree(root)

	_, err := tree.Apply(DiscreteOperation{Kind: NumberAdd, VID: numVid, NumValue: maxFinite})
	require.Error(t, err)

	v, _ := tree.Get(numVid)
	assert.Equal(t, maxFinite, v.(*DoubleValue).Value, "tree must be left unmodified on apply failure")
}

func TestTree_NoOp_LeavesTreeUnchanged(t *testing.T) {
	tree, strVid := newTestTree()

	applied, err := tree.Apply(DiscreteOperation{Kind: StringInsert, VID: strVid, NoOp: true, Index: 0, StrValue: "z"})
	require.NoError(t, err)
	assert.True(t, applied.NoOp)

	v, _ := tree.Get(strVid)
	assert.Equal(t, "hello", v.(*StringValue).Value)
}

func TestTree_Materialize_IsIndependentCopy(t *testing.T) {
	tree, strVid := newTestTree()

	snap := tree.Materialize()
	_, err := tree.Apply(DiscreteOperation{Kind: StringSet, VID: strVid, StrValue: "changed"})
	require.NoError(t, err)

	assert.Equal(t, "hello", snap.Children["title"].(*StringValue).Value)
	v, _ := tree.Get(strVid)
	assert.Equal(t, "changed", v.(*StringValue).Value)
}

func TestVid_OriginPrefixes(t *testing.T) {
	sv := NewServerVid()
	assert.True(t, sv.IsServerOrigin())
	assert.False(t, sv.IsClientOrigin())

	cv := Vid("c~abc123")
	assert.True(t, cv.IsClientOrigin())
	assert.False(t, cv.IsServerOrigin())
}
