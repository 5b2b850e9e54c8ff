package index

import (
	"github.com/zhukovaskychina/xrowcache/server/innodb/record"
)

// Journal remembers the links of every row a mutation touched and the roots
// of the indexes it changed. Rows entered in the journal stay pinned until
// Release, so Rollback restores them in memory without loading anything.
//
// One journal may span mutations of several indexes of the same table.
type Journal struct {
	saved  map[*record.Row][]record.Node
	rows   []*record.Row
	roots  map[*Index]int64
	pinned []*record.Row
}

func NewJournal() *Journal {
	return &Journal{
		saved: make(map[*record.Row][]record.Node),
		roots: make(map[*Index]int64),
	}
}

// track saves the nodes of row on first sight and pins it.
func (j *Journal) track(row *record.Row) *record.Row {
	if _, ok := j.saved[row]; ok {
		return row
	}
	j.saved[row] = append([]record.Node(nil), row.Nodes...)
	j.rows = append(j.rows, row)
	if !row.IsKeepInMemory() {
		row.KeepInMemory(true)
		j.pinned = append(j.pinned, row)
	}
	return row
}

func (j *Journal) trackRoot(ix *Index) {
	if _, ok := j.roots[ix]; !ok {
		j.roots[ix] = ix.root
	}
}

// Rows returns how many rows the journal holds.
func (j *Journal) Rows() int {
	return len(j.rows)
}

// Rollback puts back every saved link and root. Restored rows keep their
// changed flag.
func (j *Journal) Rollback() {
	for _, row := range j.rows {
		copy(row.Nodes, j.saved[row])
	}
	for ix, root := range j.roots {
		ix.root = root
	}
}

// Release unpins the rows the journal pinned and forgets them.
func (j *Journal) Release() {
	for _, row := range j.pinned {
		row.KeepInMemory(false)
	}
	j.pinned = nil
	j.rows = nil
	j.saved = make(map[*record.Row][]record.Node)
	j.roots = make(map[*Index]int64)
}
