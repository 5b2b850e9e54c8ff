package space

import (
	"math"
	"sort"

	"github.com/zhukovaskychina/xrowcache/server/innodb/storage/store/extents"
)

// Interval is a free record in units.
type Interval = extents.Interval

// narrowLimit bounds the units addressable by the uint32 lists; anything
// ending past it lives in the wide list.
const narrowLimit = math.MaxInt32

// freeRecord 窄空闲记录, 单位为unit
type freeRecord struct {
	start  uint32
	length uint32
}

func (r freeRecord) end() int64 {
	return int64(r.start) + int64(r.length)
}

func (r freeRecord) interval() Interval {
	return Interval{Start: int64(r.start), Length: int64(r.length)}
}

func isNarrow(start, length int64) bool {
	return start >= 0 && start+length <= narrowLimit
}

// bySize orders the spaceList for best fit: length, then start.
func bySize(a, b freeRecord) bool {
	if a.length != b.length {
		return a.length < b.length
	}
	return a.start < b.start
}

// insertBySize keeps list sorted by size.
func insertBySize(list []freeRecord, r freeRecord) []freeRecord {
	i := sort.Search(len(list), func(i int) bool { return !bySize(list[i], r) })
	list = append(list, freeRecord{})
	copy(list[i+1:], list[i:])
	list[i] = r
	return list
}

// CompactIntervals sorts records by start and merges adjacent or overlapping
// ones into maximal intervals. Zero-length records are dropped.
func CompactIntervals(records []Interval) []Interval {
	sorted := make([]Interval, 0, len(records))
	for _, r := range records {
		if r.Length > 0 {
			sorted = append(sorted, r)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	out := sorted[:0]
	for _, r := range sorted {
		if n := len(out); n > 0 && out[n-1].End() >= r.Start {
			if r.End() > out[n-1].End() {
				out[n-1].Length = r.End() - out[n-1].Start
			}
			continue
		}
		out = append(out, r)
	}
	return out
}
