// Package check walks the AVL indexes of a store, reports structural damage
// and rebuilds damaged indexes from a healthy one.
package check

import (
	"github.com/RoaringBitmap/roaring/roaring64"
	jerrors "github.com/juju/errors"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xrowcache/logger"
	"github.com/zhukovaskychina/xrowcache/server/innodb/basic"
	"github.com/zhukovaskychina/xrowcache/server/innodb/record"
	"github.com/zhukovaskychina/xrowcache/server/innodb/storage/store/extents"
)

var (
	ErrRepairImpossible = errors.New("repair impossible: every index is damaged")
	ErrNoReindexer      = errors.New("repair requested without a reindexer")
)

// NodeSource gives the checker read access to a table. ReadNode reports
// ReadCorrupt for bytes that do not form a row (a dangling link included) and
// ReadFatal only for I/O failures.
type NodeSource interface {
	IndexCount() int
	IndexDef(i int) record.IndexDef
	Root(i int) int64
	ReadNode(pos int64) (*record.Row, record.ReadStatus, error)
	ReadLinks(pos int64) (int, []record.Node, record.ReadStatus, error)
	Comparator(i int) record.RowComparator
	BlockSize() int64
	Scale() int
	FreeIntervals() []extents.Interval
}

// Reindexer rebuilds index i by inserting the rows at order, in that order,
// into an emptied tree.
type Reindexer interface {
	Rebuild(i int, order []int64) error
}

type Option func(*Checker)

// WithReindexer enables repair.
func WithReindexer(r Reindexer) Option {
	return func(c *Checker) {
		c.reindexer = r
	}
}

// Checker 索引一致性检查
type Checker struct {
	src       NodeSource
	reindexer Reindexer
}

func NewChecker(src NodeSource, opts ...Option) *Checker {
	c := &Checker{src: src}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type frame struct {
	pos    int64
	parent int64
	depth  int
}

// CheckIndex walks index i from its root. It never writes and terminates on
// any input: every position is visited at most once.
func (c *Checker) CheckIndex(i int) (*IndexStats, error) {
	def := c.src.IndexDef(i)
	stats := &IndexStats{Index: i, Name: def.Name}
	scale := int64(c.src.Scale())
	space := newSpaceMap(c.src.BlockSize()/scale, c.src.FreeIntervals())
	visited := roaring64.New()

	stack := []frame{{pos: c.src.Root(i), parent: basic.NoPos, depth: 1}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if f.pos == basic.NoPos {
			continue
		}

		// recordRowPos
		if visited.Contains(uint64(f.pos)) {
			stats.LoopErrors++
			stats.Loops = append(stats.Loops, f.pos)
			continue
		}
		visited.Add(uint64(f.pos))

		size, nodes, err := c.readForWalk(f.pos, stats)
		if err != nil {
			return stats, err
		}
		if nodes == nil {
			continue
		}
		if i >= len(nodes) {
			stats.ErrorRows++
			stats.BadRows = append(stats.BadRows, f.pos)
			stats.Quarantined = append(stats.Quarantined, f.pos)
			continue
		}

		units := (int64(size) + scale - 1) / scale
		if dup := space.setSpaceForRow(f.pos, units); dup != nil {
			stats.DuplicateErrors++
			stats.Duplicates = append(stats.Duplicates, *dup)
			stats.BadRows = append(stats.BadRows, f.pos)
			continue
		}

		n := nodes[i]
		if n.Parent != f.parent {
			stats.ParentErrors++
			stats.Links = append(stats.Links, LinkError{Parent: f.parent, Child: f.pos, Reason: "parent mismatch"})
		}
		if n.IsDeleted() {
			stats.TombstoneErrors++
			stats.Links = append(stats.Links, LinkError{Parent: f.parent, Child: f.pos, Reason: "deleted node still linked"})
		}
		stats.Rows++
		if f.depth > stats.MaxDepth {
			stats.MaxDepth = f.depth
		}
		stack = append(stack,
			frame{pos: n.Right, parent: f.pos, depth: f.depth + 1},
			frame{pos: n.Left, parent: f.pos, depth: f.depth + 1})
	}

	if stats.StructuralErrors() == 0 {
		if err := c.checkIndexOrder(i, stats); err != nil {
			return stats, err
		}
	}
	logger.Debugf("checked %s", stats)
	return stats, nil
}

// readForWalk reads the node at pos. A corrupt row counts as an ErrorRow and
// is retried with the tolerant link read; nil nodes mean the subtree is
// quarantined.
func (c *Checker) readForWalk(pos int64, stats *IndexStats) (int, []record.Node, error) {
	row, status, err := c.src.ReadNode(pos)
	switch status {
	case record.ReadOk:
		return row.GetStorageSize(), row.Nodes, nil
	case record.ReadCorrupt:
		stats.ErrorRows++
		stats.BadRows = append(stats.BadRows, pos)
		logger.Debugf("index %d: corrupt row at %d: %v", stats.Index, pos, err)
	default:
		return 0, nil, errors.Wrapf(err, "index %s: read row %d", stats.Name, pos)
	}

	size, nodes, status, err := c.src.ReadLinks(pos)
	switch status {
	case record.ReadOk:
		return size, nodes, nil
	case record.ReadCorrupt:
		stats.Quarantined = append(stats.Quarantined, pos)
		return 0, nil, nil
	}
	return 0, nil, errors.Wrapf(err, "index %s: read links %d", stats.Name, pos)
}

// checkIndexOrder walks the tree in order through parent links and compares
// neighbours. It runs only on a structurally sound tree, and is bounded by the
// number of nodes the walk found.
func (c *Checker) checkIndexOrder(i int, stats *IndexStats) error {
	stats.OrderChecked = true
	root := c.src.Root(i)
	if root == basic.NoPos {
		return nil
	}
	cmp := c.src.Comparator(i)
	it := &inorder{src: c.src, slot: i}

	cur, err := it.leftmost(root)
	if err != nil {
		return err
	}
	for steps := 1; ; steps++ {
		next, err := it.next(cur)
		if err != nil {
			return err
		}
		if next == nil {
			break
		}
		if steps >= stats.Rows {
			stats.LoopErrors++
			stats.Loops = append(stats.Loops, next.GetPos())
			break
		}
		if cmp.Compare(cur, next) >= 0 {
			stats.OrderErrors++
			stats.Order = append(stats.Order, OrderPair{Prev: cur.GetPos(), Next: next.GetPos()})
		}
		cur = next
	}
	return nil
}

// inorder is an in-order iterator over ReadNode.
type inorder struct {
	src  NodeSource
	slot int
}

func (it *inorder) read(pos int64) (*record.Row, error) {
	row, status, err := it.src.ReadNode(pos)
	if status != record.ReadOk {
		if err == nil {
			return nil, errors.Errorf("in-order read %d: %s", pos, status)
		}
		return nil, errors.Wrapf(err, "in-order read %d", pos)
	}
	return row, nil
}

func (it *inorder) leftmost(pos int64) (*record.Row, error) {
	row, err := it.read(pos)
	if err != nil {
		return nil, err
	}
	for row.Nodes[it.slot].Left != basic.NoPos {
		if row, err = it.read(row.Nodes[it.slot].Left); err != nil {
			return nil, err
		}
	}
	return row, nil
}

func (it *inorder) next(row *record.Row) (*record.Row, error) {
	if right := row.Nodes[it.slot].Right; right != basic.NoPos {
		return it.leftmost(right)
	}
	child := row
	for {
		parentPos := child.Nodes[it.slot].Parent
		if parentPos == basic.NoPos {
			return nil, nil
		}
		parent, err := it.read(parentPos)
		if err != nil {
			return nil, err
		}
		if parent.Nodes[it.slot].Left == child.GetPos() {
			return parent, nil
		}
		child = parent
	}
}

// CheckTable checks every index. With repair set, damaged indexes are rebuilt
// from the first healthy one and re-checked; the caller must hold the store
// exclusively. A read-only check needs only shared access.
func (c *Checker) CheckTable(repair bool) (*Report, error) {
	report := &Report{Repair: repair, ReadIndex: -1}
	for i := 0; i < c.src.IndexCount(); i++ {
		stats, err := c.CheckIndex(i)
		if err != nil {
			report.Indexes = append(report.Indexes, stats)
			return report, err
		}
		report.Indexes = append(report.Indexes, stats)
	}
	if !repair || !report.HasErrors() {
		if report.HasErrors() {
			logger.Warnf("table check: %d errors found, none fixed", report.Errors())
		}
		return report, nil
	}
	if err := c.reindex(report); err != nil {
		return report, err
	}
	return report, nil
}

// reindex rebuilds every damaged index in the row order of the read index.
func (c *Checker) reindex(report *Report) error {
	if c.reindexer == nil {
		return ErrNoReindexer
	}
	for _, s := range report.Indexes {
		if s.Healthy() {
			report.ReadIndex = s.Index
			break
		}
	}
	if report.ReadIndex < 0 {
		err := jerrors.Annotatef(jerrors.Trace(ErrRepairImpossible), "%d indexes checked", len(report.Indexes))
		logger.Errorf("table repair refused, restore from a backup:\n%s", jerrors.ErrorStack(err))
		return ErrRepairImpossible
	}

	order, err := c.rowOrder(report.ReadIndex)
	if err != nil {
		return err
	}
	for _, i := range report.damaged() {
		if err := c.reindexer.Rebuild(i, order); err != nil {
			return errors.Wrapf(err, "rebuild index %d", i)
		}
		report.Rebuilt = append(report.Rebuilt, i)
		logger.Infof("index %d rebuilt from index %d with %d rows", i, report.ReadIndex, len(order))
	}

	for i := 0; i < c.src.IndexCount(); i++ {
		stats, err := c.CheckIndex(i)
		if err != nil {
			return errors.Wrap(err, "re-check after repair")
		}
		report.After = append(report.After, stats)
	}
	logger.Infof("table repair done: %d indexes rebuilt, %d errors remain", len(report.Rebuilt), report.RemainingErrors())
	return nil
}

// rowOrder lists the positions of index i in order.
func (c *Checker) rowOrder(i int) ([]int64, error) {
	root := c.src.Root(i)
	if root == basic.NoPos {
		return nil, nil
	}
	it := &inorder{src: c.src, slot: i}
	var order []int64
	row, err := it.leftmost(root)
	for row != nil && err == nil {
		order = append(order, row.GetPos())
		row, err = it.next(row)
	}
	return order, err
}
