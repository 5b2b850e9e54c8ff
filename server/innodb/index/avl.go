package index

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xrowcache/server/innodb/basic"
	"github.com/zhukovaskychina/xrowcache/server/innodb/record"
)

// walker loads rows through the journal: every row it touches is pinned and
// its links saved before they can change.
type walker struct {
	ix  *Index
	src RowSource
	j   *Journal
}

func (ix *Index) walker(j *Journal, src RowSource) *walker {
	j.trackRoot(ix)
	return &walker{ix: ix, src: src, j: j}
}

func (w *walker) pin(row *record.Row) *record.Row {
	return w.j.track(row)
}

func (w *walker) row(pos int64) (*record.Row, error) {
	row, err := w.src.Row(pos)
	if err != nil {
		return nil, err
	}
	return w.pin(row), nil
}

func (w *walker) node(row *record.Row) *record.Node {
	return row.Node(w.ix.slot)
}

func (w *walker) changed(rows ...*record.Row) {
	for _, row := range rows {
		if row != nil {
			w.src.Changed(row)
		}
	}
}

// Insert links row, which must already have its position, into the tree. On
// error the tree is left as it was.
func (ix *Index) Insert(src RowSource, row *record.Row) error {
	j := NewJournal()
	defer j.Release()
	if err := ix.InsertLogged(j, src, row); err != nil {
		j.Rollback()
		return err
	}
	return nil
}

// InsertLogged links row, recording every change in j. On error the caller
// must roll j back.
func (ix *Index) InsertLogged(j *Journal, src RowSource, row *record.Row) error {
	w := ix.walker(j, src)
	w.pin(row)

	*w.node(row) = record.NewNode()
	w.changed(row)
	if ix.root == basic.NoPos {
		ix.root = row.GetPos()
		return nil
	}

	parent, err := w.row(ix.root)
	if err != nil {
		return err
	}
	for {
		if ix.def.Unique && ix.cmp.CompareKeys(row, parent) == 0 {
			return errors.Wrapf(ErrDuplicateKey, "index %s", ix.def.Name)
		}
		cmp := ix.cmp.Compare(row, parent)
		if cmp == 0 {
			return errors.Wrapf(ErrDuplicateKey, "index %s: row %d already linked", ix.def.Name, row.GetPos())
		}
		pn := w.node(parent)
		next := pn.Right
		if cmp < 0 {
			next = pn.Left
		}
		if next == basic.NoPos {
			if cmp < 0 {
				pn.Left = row.GetPos()
			} else {
				pn.Right = row.GetPos()
			}
			w.node(row).Parent = parent.GetPos()
			w.changed(parent)
			break
		}
		if parent, err = w.row(next); err != nil {
			return err
		}
	}
	return w.retraceInsert(row, parent)
}

// retraceInsert walks up from a new leaf fixing balances; at most one
// rotation is needed.
func (w *walker) retraceInsert(child, parent *record.Row) error {
	for parent != nil {
		pn := w.node(parent)
		bal := int(pn.Balance)
		if pn.Left == child.GetPos() {
			bal--
		} else {
			bal++
		}
		switch bal {
		case 0:
			pn.Balance = 0
			w.changed(parent)
			return nil
		case -1, 1:
			pn.Balance = int8(bal)
			w.changed(parent)
			if pn.Parent == basic.NoPos {
				return nil
			}
			grand, err := w.row(pn.Parent)
			if err != nil {
				return err
			}
			child, parent = parent, grand
		default:
			_, err := w.rebalance(parent, bal)
			return err
		}
	}
	return nil
}

// rebalance rotates the subtree at x whose computed balance is ±2 and returns
// the new subtree root.
func (w *walker) rebalance(x *record.Row, bal int) (*record.Row, error) {
	xn := w.node(x)
	if bal < 0 {
		y, err := w.row(xn.Left)
		if err != nil {
			return nil, err
		}
		yb := w.node(y).Balance
		if yb <= 0 {
			if err := w.rotateRight(x, y); err != nil {
				return nil, err
			}
			if yb == 0 {
				xn.Balance, w.node(y).Balance = -1, 1
			} else {
				xn.Balance, w.node(y).Balance = 0, 0
			}
			w.changed(x, y)
			return y, nil
		}
		z, err := w.row(w.node(y).Right)
		if err != nil {
			return nil, err
		}
		if err := w.rotateLeft(y, z); err != nil {
			return nil, err
		}
		if err := w.rotateRight(x, z); err != nil {
			return nil, err
		}
		w.setDoubleBalances(x, y, z, true)
		return z, nil
	}

	y, err := w.row(xn.Right)
	if err != nil {
		return nil, err
	}
	yb := w.node(y).Balance
	if yb >= 0 {
		if err := w.rotateLeft(x, y); err != nil {
			return nil, err
		}
		if yb == 0 {
			xn.Balance, w.node(y).Balance = 1, -1
		} else {
			xn.Balance, w.node(y).Balance = 0, 0
		}
		w.changed(x, y)
		return y, nil
	}
	z, err := w.row(w.node(y).Left)
	if err != nil {
		return nil, err
	}
	if err := w.rotateRight(y, z); err != nil {
		return nil, err
	}
	if err := w.rotateLeft(x, z); err != nil {
		return nil, err
	}
	w.setDoubleBalances(x, y, z, false)
	return z, nil
}

// setDoubleBalances fixes balances after a double rotation around z. For a
// left-heavy x, y was x's left child; otherwise its right child.
func (w *walker) setDoubleBalances(x, y, z *record.Row, leftHeavy bool) {
	zb := w.node(z).Balance
	xb, yb := int8(0), int8(0)
	if leftHeavy {
		switch zb {
		case -1:
			xb = 1
		case 1:
			yb = -1
		}
	} else {
		switch zb {
		case 1:
			xb = -1
		case -1:
			yb = 1
		}
	}
	w.node(x).Balance, w.node(y).Balance, w.node(z).Balance = xb, yb, 0
	w.changed(x, y, z)
}

// rotateRight lifts y, the left child of x, into x's place.
func (w *walker) rotateRight(x, y *record.Row) error {
	xn, yn := w.node(x), w.node(y)
	inner := yn.Right
	xn.Left = inner
	if inner != basic.NoPos {
		in, err := w.row(inner)
		if err != nil {
			return err
		}
		w.node(in).Parent = x.GetPos()
		w.changed(in)
	}
	if err := w.replaceChild(xn.Parent, x.GetPos(), y.GetPos()); err != nil {
		return err
	}
	yn.Parent = xn.Parent
	yn.Right = x.GetPos()
	xn.Parent = y.GetPos()
	w.changed(x, y)
	return nil
}

// rotateLeft lifts y, the right child of x, into x's place.
func (w *walker) rotateLeft(x, y *record.Row) error {
	xn, yn := w.node(x), w.node(y)
	inner := yn.Left
	xn.Right = inner
	if inner != basic.NoPos {
		in, err := w.row(inner)
		if err != nil {
			return err
		}
		w.node(in).Parent = x.GetPos()
		w.changed(in)
	}
	if err := w.replaceChild(xn.Parent, x.GetPos(), y.GetPos()); err != nil {
		return err
	}
	yn.Parent = xn.Parent
	yn.Left = x.GetPos()
	xn.Parent = y.GetPos()
	w.changed(x, y)
	return nil
}

// replaceChild points parentPos's link to old at repl, or moves the root.
func (w *walker) replaceChild(parentPos, old, repl int64) error {
	if parentPos == basic.NoPos {
		w.ix.root = repl
		return nil
	}
	parent, err := w.row(parentPos)
	if err != nil {
		return err
	}
	pn := w.node(parent)
	switch old {
	case pn.Left:
		pn.Left = repl
	case pn.Right:
		pn.Right = repl
	default:
		return errors.Wrapf(ErrNotLinked, "index %s: %d is not a child of %d", w.ix.def.Name, old, parentPos)
	}
	w.changed(parent)
	return nil
}

// Delete unlinks row from the tree and clears its node. On error the tree is
// left as it was.
func (ix *Index) Delete(src RowSource, row *record.Row) error {
	j := NewJournal()
	defer j.Release()
	if err := ix.DeleteLogged(j, src, row); err != nil {
		j.Rollback()
		return err
	}
	return nil
}

// DeleteLogged unlinks row, recording every change in j. On error the caller
// must roll j back.
func (ix *Index) DeleteLogged(j *Journal, src RowSource, row *record.Row) error {
	w := ix.walker(j, src)
	w.pin(row)

	xn := w.node(row)
	if xn.Parent == basic.NoPos && ix.root != row.GetPos() {
		return errors.Wrapf(ErrNotLinked, "index %s: row %d", ix.def.Name, row.GetPos())
	}
	if xn.Left != basic.NoPos && xn.Right != basic.NoPos {
		succ, err := ix.leftmostPinned(w, xn.Right)
		if err != nil {
			return err
		}
		if err := w.swap(row, succ); err != nil {
			return err
		}
	}

	child := xn.Left
	if child == basic.NoPos {
		child = xn.Right
	}
	parentPos := xn.Parent
	if child != basic.NoPos {
		c, err := w.row(child)
		if err != nil {
			return err
		}
		w.node(c).Parent = parentPos
		w.changed(c)
	}

	var parent *record.Row
	fromLeft := false
	if parentPos == basic.NoPos {
		ix.root = child
	} else {
		var err error
		if parent, err = w.row(parentPos); err != nil {
			return err
		}
		pn := w.node(parent)
		fromLeft = pn.Left == row.GetPos()
		if fromLeft {
			pn.Left = child
		} else {
			pn.Right = child
		}
		w.changed(parent)
	}
	*xn = record.NewNode()
	w.changed(row)

	return w.retraceDelete(parent, fromLeft)
}

func (ix *Index) leftmostPinned(w *walker, pos int64) (*record.Row, error) {
	row, err := w.row(pos)
	if err != nil {
		return nil, err
	}
	for w.node(row).Left != basic.NoPos {
		if row, err = w.row(w.node(row).Left); err != nil {
			return nil, err
		}
	}
	return row, nil
}

// swap exchanges the tree positions of x and its in-order successor y.
func (w *walker) swap(x, y *record.Row) error {
	xn, yn := w.node(x), w.node(y)
	xp, xl, xr, xb := xn.Parent, xn.Left, xn.Right, xn.Balance
	yp, yr, yb := yn.Parent, yn.Right, yn.Balance

	if err := w.replaceChild(xp, x.GetPos(), y.GetPos()); err != nil {
		return err
	}
	yn.Parent, yn.Left, yn.Balance = xp, xl, xb
	if yp == x.GetPos() {
		yn.Right = x.GetPos()
		xn.Parent = y.GetPos()
	} else {
		yn.Right = xr
		xn.Parent = yp
		ypRow, err := w.row(yp)
		if err != nil {
			return err
		}
		w.node(ypRow).Left = x.GetPos()
		w.changed(ypRow)
		xrRow, err := w.row(xr)
		if err != nil {
			return err
		}
		w.node(xrRow).Parent = y.GetPos()
		w.changed(xrRow)
	}
	xn.Left, xn.Right, xn.Balance = basic.NoPos, yr, yb
	if yr != basic.NoPos {
		r, err := w.row(yr)
		if err != nil {
			return err
		}
		w.node(r).Parent = x.GetPos()
		w.changed(r)
	}
	l, err := w.row(xl)
	if err != nil {
		return err
	}
	w.node(l).Parent = y.GetPos()
	w.changed(l, x, y)
	return nil
}

// retraceDelete walks up from the parent of a removed node while the subtree
// height keeps shrinking.
func (w *walker) retraceDelete(parent *record.Row, fromLeft bool) error {
	for parent != nil {
		pn := w.node(parent)
		bal := int(pn.Balance)
		if fromLeft {
			bal++
		} else {
			bal--
		}

		top := parent
		switch bal {
		case -1, 1:
			pn.Balance = int8(bal)
			w.changed(parent)
			return nil
		case 0:
			pn.Balance = 0
			w.changed(parent)
		default:
			var err error
			if top, err = w.rebalance(parent, bal); err != nil {
				return err
			}
			if w.node(top).Balance != 0 {
				return nil
			}
		}

		upPos := w.node(top).Parent
		if upPos == basic.NoPos {
			return nil
		}
		up, err := w.row(upPos)
		if err != nil {
			return err
		}
		fromLeft = w.node(up).Left == top.GetPos()
		parent = up
	}
	return nil
}
