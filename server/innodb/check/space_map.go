package check

import (
	"github.com/RoaringBitmap/roaring"

	"github.com/zhukovaskychina/xrowcache/server/innodb/basic"
	"github.com/zhukovaskychina/xrowcache/server/innodb/storage/store/extents"
)

type claim struct {
	start, end int64 // 块内单元偏移
	pos        int64
}

// spaceMap records which units of each file block are claimed, either by the
// free list or by a row reached during the walk.
type spaceMap struct {
	blockUnits int64
	claimed    map[int64]*roaring.Bitmap
	free       map[int64]*roaring.Bitmap
	claims     map[int64][]claim
}

func newSpaceMap(blockUnits int64, freeList []extents.Interval) *spaceMap {
	m := &spaceMap{
		blockUnits: blockUnits,
		claimed:    make(map[int64]*roaring.Bitmap),
		free:       make(map[int64]*roaring.Bitmap),
		claims:     make(map[int64][]claim),
	}
	for _, r := range freeList {
		m.each(r.Start, r.Length, func(block, lo, hi int64) {
			bitmap(m.free, block).AddRange(uint64(lo), uint64(hi))
			bitmap(m.claimed, block).AddRange(uint64(lo), uint64(hi))
		})
	}
	return m
}

func bitmap(m map[int64]*roaring.Bitmap, block int64) *roaring.Bitmap {
	bm, ok := m[block]
	if !ok {
		bm = roaring.New()
		m[block] = bm
	}
	return bm
}

// each splits [start, start+length) by file block.
func (m *spaceMap) each(start, length int64, fn func(block, lo, hi int64)) {
	for cur, end := start, start+length; cur < end; {
		block := cur / m.blockUnits
		base := block * m.blockUnits
		hi := end - base
		if hi > m.blockUnits {
			hi = m.blockUnits
		}
		fn(block, cur-base, hi)
		cur = base + hi
	}
}

// setSpaceForRow claims the units of the row at pos. On overlap nothing is
// claimed and the first conflicting owner is returned.
func (m *spaceMap) setSpaceForRow(pos, units int64) *DuplicateRow {
	var dup *DuplicateRow
	m.each(pos, units, func(block, lo, hi int64) {
		if dup != nil {
			return
		}
		bm, ok := m.claimed[block]
		if !ok {
			return
		}
		want := roaring.New()
		want.AddRange(uint64(lo), uint64(hi))
		if !bm.Intersects(want) {
			return
		}
		dup = &DuplicateRow{Pos: pos, Units: units, ClaimedBy: basic.NoPos}
		if fbm, ok := m.free[block]; ok && fbm.Intersects(want) {
			dup.FreeList = true
			return
		}
		for _, c := range m.claims[block] {
			if c.start < hi && lo < c.end {
				dup.ClaimedBy = c.pos
				return
			}
		}
	})
	if dup != nil {
		return dup
	}
	m.each(pos, units, func(block, lo, hi int64) {
		bitmap(m.claimed, block).AddRange(uint64(lo), uint64(hi))
		m.claims[block] = append(m.claims[block], claim{start: lo, end: hi, pos: pos})
	})
	return nil
}
