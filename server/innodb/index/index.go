// Package index links rows into AVL trees whose pointers are row positions.
package index

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xrowcache/server/innodb/basic"
	"github.com/zhukovaskychina/xrowcache/server/innodb/record"
)

var (
	ErrDuplicateKey = errors.New("duplicate key")
	ErrKeyNotFound  = errors.New("key not found")
	ErrNotLinked    = errors.New("row is not linked in index")
)

// RowReader resolves a position to a row without side effects on the cache.
type RowReader interface {
	Row(pos int64) (*record.Row, error)
}

// RowSource is used by mutations: rows it returns are resident, and Changed
// must be called after a row's node was modified.
type RowSource interface {
	RowReader
	Changed(row *record.Row)
}

// Index is one AVL tree. Node Slot of every row belongs to it.
type Index struct {
	slot int
	def  record.IndexDef
	cmp  *record.IndexComparator
	root int64
}

// NewIndex 创建索引, root 为 basic.NoPos 表示空树
func NewIndex(slot int, def record.IndexDef, root int64) *Index {
	return &Index{
		slot: slot,
		def:  def,
		cmp:  record.NewIndexComparator(def),
		root: root,
	}
}

func (ix *Index) Slot() int {
	return ix.slot
}

func (ix *Index) Def() record.IndexDef {
	return ix.def
}

func (ix *Index) Comparator() *record.IndexComparator {
	return ix.cmp
}

func (ix *Index) Root() int64 {
	return ix.root
}

// Reset empties the tree without touching any row; used before a rebuild.
func (ix *Index) Reset() {
	ix.root = basic.NoPos
}

// Find returns the first row, in index order, whose columns match key.
func (ix *Index) Find(src RowReader, key [][]byte) (*record.Row, error) {
	var found *record.Row
	pos := ix.root
	for pos != basic.NoPos {
		row, err := src.Row(pos)
		if err != nil {
			return nil, err
		}
		n := row.Node(ix.slot)
		cmp := ix.cmp.CompareKey(key, row)
		if cmp == 0 {
			found = row
			pos = n.Left
		} else if cmp < 0 {
			pos = n.Left
		} else {
			pos = n.Right
		}
	}
	if found == nil {
		return nil, ErrKeyNotFound
	}
	return found, nil
}

// Scan visits rows in index order until fn returns false.
func (ix *Index) Scan(src RowReader, fn func(row *record.Row) bool) error {
	if ix.root == basic.NoPos {
		return nil
	}
	row, err := ix.leftmost(src, ix.root)
	if err != nil {
		return err
	}
	for row != nil {
		if !fn(row) {
			return nil
		}
		if row, err = ix.next(src, row); err != nil {
			return err
		}
	}
	return nil
}

func (ix *Index) leftmost(src RowReader, pos int64) (*record.Row, error) {
	row, err := src.Row(pos)
	if err != nil {
		return nil, err
	}
	for row.Node(ix.slot).Left != basic.NoPos {
		if row, err = src.Row(row.Node(ix.slot).Left); err != nil {
			return nil, err
		}
	}
	return row, nil
}

// next returns the in-order successor of row, or nil.
func (ix *Index) next(src RowReader, row *record.Row) (*record.Row, error) {
	if right := row.Node(ix.slot).Right; right != basic.NoPos {
		return ix.leftmost(src, right)
	}
	child := row
	for {
		parentPos := child.Node(ix.slot).Parent
		if parentPos == basic.NoPos {
			return nil, nil
		}
		parent, err := src.Row(parentPos)
		if err != nil {
			return nil, err
		}
		if parent.Node(ix.slot).Left == child.GetPos() {
			return parent, nil
		}
		child = parent
	}
}
