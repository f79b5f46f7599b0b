package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelationDescriptor(t *testing.T) {
	s := setupSession(t, DefaultConfig())
	mustExec(t, s, "CREATE TABLE people (id INTEGER PRIMARY KEY, name varchar(20), born date, score real)")

	rel, err := s.OpenRelation(context.Background(), "people")
	require.NoError(t, err)
	assert.Greater(t, rel.OID, OID(relOIDBase))
	assert.Equal(t, []string{"id", "name", "born", "score"}, rel.Desc.Names())
	assert.Equal(t, "int8", rel.Desc.Attrs[0].Type.Name)
	assert.Equal(t, "varchar", rel.Desc.Attrs[1].Type.Name)
	assert.Equal(t, int32(24), rel.Desc.Attrs[1].TypMod)
	assert.Equal(t, 2, rel.Desc.AttrNum("name"))
	assert.Equal(t, SPIErrorNoAttribute, rel.Desc.AttrNum("nope"))

	typ, err := s.LookupType(rel.OID)
	require.NoError(t, err)
	assert.Equal(t, "people", typ.Name)

	again, err := s.RelationByOID(context.Background(), rel.OID)
	require.NoError(t, err)
	assert.Same(t, rel, again)

	_, err = s.OpenRelation(context.Background(), "ghosts")
	require.Error(t, err)
}

func TestBuildAndModifyTuple(t *testing.T) {
	s := setupSession(t, DefaultConfig())
	mustExec(t, s, "CREATE TABLE pair (a INTEGER, b varchar(3))")
	rel, err := s.OpenRelation(context.Background(), "pair")
	require.NoError(t, err)

	one, abc := "1", "abc"
	tup, err := s.BuildTupleFromStrings(rel.Desc, []*string{&one, &abc})
	require.NoError(t, err)
	assert.Equal(t, int64(1), tup.Values[0])

	long := "abcd"
	_, err = s.BuildTupleFromStrings(rel.Desc, []*string{&one, &long})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "value too long")

	mod, err := s.ModifyTuple(tup, []int{2}, []Datum{nil}, []bool{true})
	require.NoError(t, err)
	assert.True(t, mod.Nulls[1])
	assert.False(t, tup.Nulls[1], "original tuple is left alone")

	_, err = s.ModifyTuple(tup, []int{3}, []Datum{"x"}, []bool{false})
	require.Error(t, err)
}

func TestRecordText(t *testing.T) {
	s := setupSession(t, DefaultConfig())
	mustExec(t, s, "CREATE TABLE rec (a INTEGER, b TEXT, c TEXT)")
	rel, err := s.OpenRelation(context.Background(), "rec")
	require.NoError(t, err)
	typ, _ := s.LookupType(rel.OID)

	d, err := s.Input(typ, `(7,"hello, world",)`, -1)
	require.NoError(t, err)
	tup := d.(*HeapTuple)
	assert.Equal(t, int64(7), tup.Values[0])
	assert.Equal(t, "hello, world", tup.Values[1])
	assert.True(t, tup.Nulls[2])

	text, err := s.Output(typ, tup)
	require.NoError(t, err)
	assert.Equal(t, `(7,"hello, world",)`, text)

	_, err = s.Input(typ, "7,8", -1)
	require.Error(t, err)
}

func TestTupleStore(t *testing.T) {
	desc := &TupleDesc{Attrs: []Attribute{{Name: "a"}}}
	ts := NewTupleStore(desc)
	require.NoError(t, ts.Put(&HeapTuple{Desc: desc, Values: []Datum{1}, Nulls: []bool{false}}))
	require.Error(t, ts.Put(&HeapTuple{Desc: desc, Values: []Datum{1, 2}, Nulls: []bool{false, false}}))
	ts.Done()
	assert.True(t, ts.IsDone())
	require.Error(t, ts.Put(&HeapTuple{Desc: desc, Values: []Datum{1}, Nulls: []bool{false}}))
	assert.Len(t, ts.Rows, 1)
}
