package index

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xrowcache/server/innodb/basic"
	"github.com/zhukovaskychina/xrowcache/server/innodb/record"
	"github.com/zhukovaskychina/xrowcache/server/innodb/storage/codec"
)

// memRows 内存中的行集合
type memRows struct {
	rows    map[int64]*record.Row
	changed map[int64]int
}

func newMemRows() *memRows {
	return &memRows{rows: make(map[int64]*record.Row), changed: make(map[int64]int)}
}

func (m *memRows) Row(pos int64) (*record.Row, error) {
	row, ok := m.rows[pos]
	if !ok {
		return nil, errors.Errorf("no row at %d", pos)
	}
	return row, nil
}

func (m *memRows) Changed(row *record.Row) {
	m.changed[row.GetPos()]++
}

func (m *memRows) add(t *testing.T, pos int64, values ...string) *record.Row {
	t.Helper()
	cols := make([][]byte, len(values))
	for i, v := range values {
		cols[i] = []byte(v)
	}
	row, err := record.NewRow(cols, 2, codec.Identity, 8)
	require.NoError(t, err)
	row.SetPos(pos)
	m.rows[pos] = row
	return row
}

// verify checks AVL balance, parent links and strict order, returning the
// in-order positions.
func verify(t *testing.T, ix *Index, src *memRows) []int64 {
	t.Helper()
	var order []int64
	var walk func(pos, parent int64) int
	walk = func(pos, parent int64) int {
		if pos == basic.NoPos {
			return 0
		}
		row, err := src.Row(pos)
		require.NoError(t, err)
		n := row.Node(ix.Slot())
		require.Equal(t, parent, n.Parent, "parent of %d", pos)
		hl := walk(n.Left, pos)
		order = append(order, pos)
		hr := walk(n.Right, pos)
		require.Equal(t, int8(hr-hl), n.Balance, "balance of %d", pos)
		require.LessOrEqual(t, hr-hl, 1)
		require.GreaterOrEqual(t, hr-hl, -1)
		if hl > hr {
			return hl + 1
		}
		return hr + 1
	}
	walk(ix.Root(), basic.NoPos)

	for i := 1; i < len(order); i++ {
		a, _ := src.Row(order[i-1])
		b, _ := src.Row(order[i])
		require.Negative(t, ix.Comparator().Compare(a, b), "order at %d", i)
	}
	return order
}

func scanPositions(t *testing.T, ix *Index, src RowReader) []int64 {
	t.Helper()
	var got []int64
	require.NoError(t, ix.Scan(src, func(row *record.Row) bool {
		got = append(got, row.GetPos())
		return true
	}))
	return got
}

func TestInsertFindScan(t *testing.T) {
	src := newMemRows()
	ix := NewIndex(0, record.IndexDef{Name: "pk", Columns: []int{0}, Unique: true}, basic.NoPos)

	keys := []string{"m", "c", "x", "a", "e", "q", "z", "b", "d", "f"}
	for i, k := range keys {
		row := src.add(t, int64(i+1)*8, k)
		require.NoError(t, ix.Insert(src, row))
		verify(t, ix, src)
	}

	t.Run("按序扫描", func(t *testing.T) {
		var got []string
		require.NoError(t, ix.Scan(src, func(row *record.Row) bool {
			got = append(got, string(row.Value(0)))
			return true
		}))
		sorted := append([]string(nil), keys...)
		sort.Strings(sorted)
		assert.Equal(t, sorted, got)
	})

	t.Run("提前结束", func(t *testing.T) {
		n := 0
		require.NoError(t, ix.Scan(src, func(row *record.Row) bool {
			n++
			return n < 3
		}))
		assert.Equal(t, 3, n)
	})

	t.Run("查找", func(t *testing.T) {
		row, err := ix.Find(src, [][]byte{[]byte("q")})
		require.NoError(t, err)
		assert.Equal(t, int64(48), row.GetPos())

		_, err = ix.Find(src, [][]byte{[]byte("k")})
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})

	t.Run("唯一键冲突", func(t *testing.T) {
		dup := src.add(t, 1000, "e")
		err := ix.Insert(src, dup)
		assert.ErrorIs(t, err, ErrDuplicateKey)
		verify(t, ix, src)
	})

	t.Run("插入后不再固定", func(t *testing.T) {
		for _, row := range src.rows {
			assert.False(t, row.IsKeepInMemory())
		}
	})
}

func TestNonUniqueTiesByPosition(t *testing.T) {
	src := newMemRows()
	ix := NewIndex(1, record.IndexDef{Name: "by_name", Columns: []int{1}}, basic.NoPos)

	for _, pos := range []int64{40, 8, 24, 16, 32} {
		require.NoError(t, ix.Insert(src, src.add(t, pos, "id", "same")))
	}
	assert.Equal(t, []int64{8, 16, 24, 32, 40}, verify(t, ix, src))

	row, err := ix.Find(src, [][]byte{[]byte("same")})
	require.NoError(t, err)
	assert.Equal(t, int64(8), row.GetPos(), "first match in index order")
}

func TestDelete(t *testing.T) {
	src := newMemRows()
	ix := NewIndex(0, record.IndexDef{Name: "pk", Columns: []int{0}, Unique: true}, basic.NoPos)

	rows := make([]*record.Row, 0, 64)
	for i := 0; i < 64; i++ {
		row := src.add(t, int64(i+1)*8, fmt.Sprintf("k%03d", i))
		require.NoError(t, ix.Insert(src, row))
		rows = append(rows, row)
	}

	t.Run("删除根节点", func(t *testing.T) {
		root, _ := src.Row(ix.Root())
		require.NoError(t, ix.Delete(src, root))
		assert.NotEqual(t, root.GetPos(), ix.Root())
		assert.Equal(t, record.NewNode(), *root.Node(0))
		verify(t, ix, src)
	})

	t.Run("删除未链接的行", func(t *testing.T) {
		stray := src.add(t, 9000, "stray")
		assert.ErrorIs(t, ix.Delete(src, stray), ErrNotLinked)
	})

	t.Run("全部删除", func(t *testing.T) {
		for _, row := range rows {
			if row.GetPos() == ix.Root() || row.Node(0).Parent != basic.NoPos {
				require.NoError(t, ix.Delete(src, row))
				verify(t, ix, src)
			}
		}
		assert.Equal(t, basic.NoPos, ix.Root())
	})
}

func TestRandomInsertDelete(t *testing.T) {
	src := newMemRows()
	ix := NewIndex(1, record.IndexDef{Name: "val", Columns: []int{1}}, basic.NoPos)
	rnd := rand.New(rand.NewSource(3))

	live := make(map[int64]*record.Row)
	next := int64(8)
	for i := 0; i < 1500; i++ {
		if len(live) > 0 && rnd.Intn(5) < 2 {
			for pos, row := range live {
				require.NoError(t, ix.Delete(src, row))
				delete(live, pos)
				break
			}
		} else {
			row := src.add(t, next, "id", fmt.Sprintf("%d", rnd.Intn(100)))
			next += 8
			require.NoError(t, ix.Insert(src, row))
			live[row.GetPos()] = row
		}
		if i%50 == 0 {
			assert.Len(t, verify(t, ix, src), len(live))
		}
	}
	order := verify(t, ix, src)
	assert.Len(t, order, len(live))
	assert.Equal(t, order, scanPositions(t, ix, src))
}

var errNoRoom = errors.New("no room")

// limitedRows fails once it has served left rows.
type limitedRows struct {
	*memRows
	left int
}

func (l *limitedRows) Row(pos int64) (*record.Row, error) {
	if l.left == 0 {
		return nil, errNoRoom
	}
	l.left--
	return l.memRows.Row(pos)
}

func linksOf(src *memRows) map[int64][]record.Node {
	out := make(map[int64][]record.Node, len(src.rows))
	for pos, row := range src.rows {
		out[pos] = append([]record.Node(nil), row.Nodes...)
	}
	return out
}

func requireUnpinned(t *testing.T, src *memRows) {
	t.Helper()
	for pos, row := range src.rows {
		require.False(t, row.IsKeepInMemory(), "row %d still pinned", pos)
	}
}

func TestFailedMutationLeavesTree(t *testing.T) {
	src := newMemRows()
	ix := NewIndex(0, record.IndexDef{Name: "pk", Columns: []int{0}, Unique: true}, basic.NoPos)
	rnd := rand.New(rand.NewSource(11))
	for _, k := range rnd.Perm(200) {
		row := src.add(t, int64(k+1)*8, fmt.Sprintf("k%04d", k*2))
		require.NoError(t, ix.Insert(src, row))
	}

	t.Run("insert", func(t *testing.T) {
		for _, k := range []int{-1, 77, 201, 399, 401} {
			row := src.add(t, int64(1000+k)*8, fmt.Sprintf("k%04d", k+2))
			for budget := 0; ; budget++ {
				require.Less(t, budget, 64)
				before, root := linksOf(src), ix.Root()
				err := ix.Insert(&limitedRows{memRows: src, left: budget}, row)
				requireUnpinned(t, src)
				if err == nil {
					break
				}
				require.ErrorIs(t, err, errNoRoom)
				require.Equal(t, before, linksOf(src), "budget %d", budget)
				require.Equal(t, root, ix.Root())
			}
			verify(t, ix, src)
		}
	})

	t.Run("delete", func(t *testing.T) {
		targets := []int64{ix.Root()}
		for _, pos := range []int64{8, 800, 1600, 808} {
			if pos != targets[0] {
				targets = append(targets, pos)
			}
		}
		for _, pos := range targets {
			row := src.rows[pos]
			for budget := 0; ; budget++ {
				require.Less(t, budget, 128)
				before, root := linksOf(src), ix.Root()
				err := ix.Delete(&limitedRows{memRows: src, left: budget}, row)
				requireUnpinned(t, src)
				if err == nil {
					break
				}
				require.ErrorIs(t, err, errNoRoom)
				require.Equal(t, before, linksOf(src), "budget %d", budget)
				require.Equal(t, root, ix.Root())
			}
			assert.NotContains(t, verify(t, ix, src), pos)
		}
	})
}

func TestJournalSpansIndexes(t *testing.T) {
	src := newMemRows()
	pk := NewIndex(0, record.IndexDef{Name: "pk", Columns: []int{0}, Unique: true}, basic.NoPos)
	byVal := NewIndex(1, record.IndexDef{Name: "val", Columns: []int{1}}, basic.NoPos)
	for i := 0; i < 40; i++ {
		row := src.add(t, int64(i+1)*8, fmt.Sprintf("k%03d", i), fmt.Sprintf("v%d", i%7))
		require.NoError(t, pk.Insert(src, row))
		require.NoError(t, byVal.Insert(src, row))
	}

	before := linksOf(src)
	roots := []int64{pk.Root(), byVal.Root()}
	row := src.add(t, 41*8, "k003", "v1")
	before[row.GetPos()] = append([]record.Node(nil), row.Nodes...)

	j := NewJournal()
	require.NoError(t, byVal.InsertLogged(j, src, row))
	assert.Greater(t, j.Rows(), 1)
	err := pk.InsertLogged(j, src, row)
	require.ErrorIs(t, err, ErrDuplicateKey)
	j.Rollback()
	j.Release()

	requireUnpinned(t, src)
	assert.Equal(t, before, linksOf(src))
	assert.Equal(t, roots, []int64{pk.Root(), byVal.Root()})
	assert.Len(t, verify(t, byVal, src), 40)
}
