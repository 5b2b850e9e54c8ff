package engine

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xrowcache/server/innodb/check"
	"github.com/zhukovaskychina/xrowcache/server/innodb/index"
	"github.com/zhukovaskychina/xrowcache/server/innodb/record"
	"github.com/zhukovaskychina/xrowcache/server/innodb/storage/space"
	"github.com/zhukovaskychina/xrowcache/server/innodb/storage/store/blocks"
	"github.com/zhukovaskychina/xrowcache/server/innodb/storage/store/extents"
)

// writeSource serves mutations: every row it returns is admitted to the cache.
// The store latch must be held exclusively.
type writeSource struct {
	s *Store
}

func (s *Store) writer() writeSource {
	return writeSource{s: s}
}

func (w writeSource) Row(pos int64) (*record.Row, error) {
	if obj := w.s.cache.Get(pos); obj != nil {
		return obj.(*record.Row), nil
	}
	row, err := w.s.readRow(pos)
	if err != nil {
		return nil, err
	}
	if err := w.s.admit(row); err != nil {
		return nil, err
	}
	return row, nil
}

func (w writeSource) Changed(row *record.Row) {
	w.s.cache.LockRow(row.GetPos())
	row.SetChanged(true)
	w.s.cache.UnlockRow(row.GetPos())
}

// readSource serves lookups under the shared latch: rows that are not
// resident are decoded from disk and not admitted.
type readSource struct {
	s *Store
}

func (s *Store) reader() readSource {
	return readSource{s: s}
}

func (r readSource) Row(pos int64) (*record.Row, error) {
	if obj := r.s.cache.Get(pos); obj != nil {
		return obj.(*record.Row), nil
	}
	return r.s.readRow(pos)
}

var (
	_ index.RowSource = writeSource{}
	_ index.RowReader = readSource{}
)

// admit caches a row read from disk. Index roots use the cache reserve.
func (s *Store) admit(row *record.Row) error {
	for _, ix := range s.indexes {
		if ix.Root() == row.GetPos() {
			return s.cache.PutUsingReserve(row)
		}
	}
	return s.cache.Put(row)
}

// rowPosition reports whether pos lies in the row area of the file.
func (s *Store) rowPosition(pos int64) bool {
	first := reservedBlocks * s.cfg.Store.FileBlockSize / int64(s.scale)
	return pos >= first && pos < s.data.Length()/int64(s.scale)
}

func (s *Store) readRow(pos int64) (*record.Row, error) {
	row, _, err := s.decodeAt(pos)
	return row, err
}

// decodeAt reads and decodes the record at pos without consulting the cache.
func (s *Store) decodeAt(pos int64) (*record.Row, record.ReadStatus, error) {
	if !s.rowPosition(pos) {
		return nil, record.ReadCorrupt, record.NewReadError(pos, record.ReadCorrupt,
			errors.Wrapf(ErrRowNotFound, "position %d outside the row area", pos))
	}
	data, err := s.data.ReadAt(pos)
	if err != nil {
		status := readStatus(err)
		return nil, status, record.NewReadError(pos, status, err)
	}
	row, status, err := record.Decode(data, pos, s.codec)
	if err != nil {
		return nil, status, err
	}
	if len(row.Nodes) != len(s.indexes) {
		return nil, record.ReadCorrupt, record.NewReadError(pos, record.ReadCorrupt,
			errors.Errorf("%d nodes, table has %d indexes", len(row.Nodes), len(s.indexes)))
	}
	return row, record.ReadOk, nil
}

// readStatus separates impossible records from I/O failures.
func readStatus(err error) record.ReadStatus {
	if errors.Is(err, blocks.ErrBadRecordSize) || errors.Is(err, blocks.ErrPastEnd) {
		return record.ReadCorrupt
	}
	return record.ReadFatal
}

// tableView exposes the store to the checker.
type tableView struct {
	s *Store
}

var (
	_ check.NodeSource = (*tableView)(nil)
	_ check.Reindexer  = (*tableView)(nil)
)

func (v *tableView) IndexCount() int {
	return len(v.s.indexes)
}

func (v *tableView) IndexDef(i int) record.IndexDef {
	return v.s.indexes[i].Def()
}

func (v *tableView) Root(i int) int64 {
	return v.s.indexes[i].Root()
}

func (v *tableView) Comparator(i int) record.RowComparator {
	return v.s.indexes[i].Comparator()
}

func (v *tableView) BlockSize() int64 {
	return v.s.cfg.Store.FileBlockSize
}

func (v *tableView) Scale() int {
	return v.s.scale
}

// FreeIntervals merges the directory's free runs with the allocator's lists.
func (v *tableView) FreeIntervals() []extents.Interval {
	free := append(v.s.blocks.FreeIntervals(), v.s.space.FreeIntervals()...)
	return space.CompactIntervals(free)
}

func (v *tableView) ReadNode(pos int64) (*record.Row, record.ReadStatus, error) {
	if obj := v.s.cache.Get(pos); obj != nil {
		return obj.(*record.Row), record.ReadOk, nil
	}
	return v.s.decodeAt(pos)
}

func (v *tableView) ReadLinks(pos int64) (int, []record.Node, record.ReadStatus, error) {
	if obj := v.s.cache.Get(pos); obj != nil {
		row := obj.(*record.Row)
		return row.GetStorageSize(), row.Nodes, record.ReadOk, nil
	}
	if !v.s.rowPosition(pos) {
		return 0, nil, record.ReadCorrupt, record.NewReadError(pos, record.ReadCorrupt,
			errors.Wrapf(ErrRowNotFound, "position %d outside the row area", pos))
	}
	raw, err := v.s.data.ReadRaw(pos, record.LinksLen(len(v.s.indexes)))
	if err != nil {
		status := readStatus(err)
		return 0, nil, status, record.NewReadError(pos, status, err)
	}
	size, nodes, status, err := record.DecodeLinks(raw, pos)
	if err != nil {
		return 0, nil, status, err
	}
	if len(nodes) != len(v.s.indexes) || int64(size)%int64(v.s.scale) != 0 ||
		pos*int64(v.s.scale)+int64(size) > v.s.data.Length() {
		return 0, nil, record.ReadCorrupt, record.NewReadError(pos, record.ReadCorrupt,
			errors.Errorf("implausible links: size %d, %d nodes", size, len(nodes)))
	}
	return size, nodes, record.ReadOk, nil
}

// Rebuild empties index i and links the rows at order into it.
func (v *tableView) Rebuild(i int, order []int64) error {
	ix := v.s.indexes[i]
	ix.Reset()
	src := v.s.writer()
	for _, pos := range order {
		row, err := src.Row(pos)
		if err != nil {
			return err
		}
		if err := ix.Insert(src, row); err != nil {
			return errors.Wrapf(err, "relink row %d", pos)
		}
	}
	v.s.rowCount = int64(len(order))
	return nil
}

// Check walks every index under the shared latch. With repair set and errors
// found, the damaged indexes are rebuilt under the exclusive latch.
func (s *Store) Check(repair bool) (*check.Report, error) {
	s.latch.RLock()
	if s.closed {
		s.latch.RUnlock()
		return nil, ErrStoreClosed
	}
	report, err := check.NewChecker(&tableView{s: s}).CheckTable(false)
	s.latch.RUnlock()
	if err != nil || !repair || !report.HasErrors() {
		return report, err
	}

	s.latch.Lock()
	defer s.latch.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if err := s.markDirty(); err != nil {
		return report, err
	}
	view := &tableView{s: s}
	return check.NewChecker(view, check.WithReindexer(view)).CheckTable(true)
}
