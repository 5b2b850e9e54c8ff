package check

import (
	"fmt"
	"strings"

	"github.com/zhukovaskychina/xrowcache/server/innodb/basic"
)

// DuplicateRow is a row whose storage overlaps units already claimed. Both
// candidates are kept: the row found now and whatever claimed first, which is
// either another row or the allocator's free list.
type DuplicateRow struct {
	Pos       int64
	Units     int64
	ClaimedBy int64 // basic.NoPos when FreeList
	FreeList  bool
}

func (d DuplicateRow) String() string {
	if d.FreeList {
		return fmt.Sprintf("row %d (%d units) overlaps free space", d.Pos, d.Units)
	}
	return fmt.Sprintf("row %d (%d units) overlaps row %d", d.Pos, d.Units, d.ClaimedBy)
}

// LinkError is a structural fault found on the link parent -> child.
type LinkError struct {
	Parent int64
	Child  int64
	Reason string
}

func (e LinkError) String() string {
	if e.Parent == basic.NoPos {
		return fmt.Sprintf("root %d: %s", e.Child, e.Reason)
	}
	return fmt.Sprintf("%d -> %d: %s", e.Parent, e.Child, e.Reason)
}

// OrderPair is two in-order neighbours that are not strictly increasing.
type OrderPair struct {
	Prev int64
	Next int64
}

// IndexStats 单个索引的检查结果
type IndexStats struct {
	Index    int
	Name     string
	Rows     int // 结构检查通过的节点数
	MaxDepth int

	LoopErrors      int
	DuplicateErrors int
	ParentErrors    int
	TombstoneErrors int
	OrderErrors     int
	ErrorRows       int

	OrderChecked bool

	Loops       []int64
	Duplicates  []DuplicateRow
	Links       []LinkError
	BadRows     []int64
	Quarantined []int64 // 无法读取、整棵子树被隔离的节点
	Order       []OrderPair
}

// StructuralErrors counts everything except order errors.
func (s *IndexStats) StructuralErrors() int {
	return s.LoopErrors + s.DuplicateErrors + s.ParentErrors + s.TombstoneErrors + s.ErrorRows
}

func (s *IndexStats) Errors() int {
	return s.StructuralErrors() + s.OrderErrors
}

func (s *IndexStats) Healthy() bool {
	return s.Errors() == 0
}

func (s *IndexStats) String() string {
	return fmt.Sprintf("index %d %s: rows=%d depth=%d loops=%d duplicates=%d parents=%d tombstones=%d order=%d errorRows=%d",
		s.Index, s.Name, s.Rows, s.MaxDepth, s.LoopErrors, s.DuplicateErrors, s.ParentErrors,
		s.TombstoneErrors, s.OrderErrors, s.ErrorRows)
}

// Report is the outcome of CheckTable. After holds the re-check of every
// index when a repair ran.
type Report struct {
	Repair    bool
	Indexes   []*IndexStats
	ReadIndex int // 修复时使用的索引, -1 表示没有
	Rebuilt   []int
	After     []*IndexStats
}

func (r *Report) Errors() int {
	n := 0
	for _, s := range r.Indexes {
		n += s.Errors()
	}
	return n
}

func (r *Report) HasErrors() bool {
	return r.Errors() > 0
}

// RemainingErrors counts the errors left after repair, or the errors found
// when nothing was repaired.
func (r *Report) RemainingErrors() int {
	if r.After == nil {
		return r.Errors()
	}
	n := 0
	for _, s := range r.After {
		n += s.Errors()
	}
	return n
}

func (r *Report) damaged() []int {
	var out []int
	for _, s := range r.Indexes {
		if !s.Healthy() {
			out = append(out, s.Index)
		}
	}
	return out
}

func (r *Report) String() string {
	var b strings.Builder
	damaged := r.damaged()
	switch {
	case len(damaged) == 0:
		fmt.Fprintf(&b, "no errors found in %d indexes\n", len(r.Indexes))
	case len(r.Rebuilt) > 0:
		fmt.Fprintf(&b, "errors found in %d of %d indexes and reindexed from index %d, %d errors remain\n",
			len(damaged), len(r.Indexes), r.ReadIndex, r.RemainingErrors())
	default:
		fmt.Fprintf(&b, "errors found in %d of %d indexes, none fixed\n", len(damaged), len(r.Indexes))
	}
	for _, s := range r.Indexes {
		fmt.Fprintf(&b, "  %s\n", s)
	}
	if len(r.After) > 0 {
		b.WriteString("after repair:\n")
		for _, s := range r.After {
			fmt.Fprintf(&b, "  %s\n", s)
		}
	}
	return b.String()
}
