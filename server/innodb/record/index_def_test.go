package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xrowcache/server/innodb/storage/codec"
)

func TestIndexComparator(t *testing.T) {
	a := newTestRow(t, codec.Identity, "bob", "1")
	b := newTestRow(t, codec.Identity, "bob", "2")
	a.SetPos(10)
	b.SetPos(4)

	unique := NewIndexComparator(IndexDef{Name: "u", Columns: []int{0}, Unique: true})
	assert.Equal(t, 0, unique.Compare(a, b))

	plain := NewIndexComparator(IndexDef{Name: "n", Columns: []int{0}})
	assert.Equal(t, 1, plain.Compare(a, b), "ties break by position")
	assert.Equal(t, 0, plain.CompareKeys(a, b))

	both := NewIndexComparator(IndexDef{Name: "b", Columns: []int{0, 1}})
	assert.Equal(t, -1, both.Compare(a, b))
	assert.Equal(t, 0, both.CompareKey([][]byte{[]byte("bob")}, b), "prefix key")
	assert.Equal(t, -1, both.CompareKey([][]byte{[]byte("bob"), []byte("1")}, b))
	assert.Equal(t, [][]byte{[]byte("bob"), []byte("2")}, both.Key(b))
}

func TestParseIndexDefs(t *testing.T) {
	defs, err := ParseIndexDefs("pk:0:unique, by_name:1+2")
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "pk(0) unique", defs[0].String())
	assert.Equal(t, "by_name(1,2)", defs[1].String())

	cases := []string{"pk", "pk:x", "pk:0:primary", ":0", "pk:0:unique:more"}
	for _, text := range cases {
		t.Run(text, func(t *testing.T) {
			_, err := ParseIndexDefs(text)
			assert.Error(t, err)
		})
	}
}
