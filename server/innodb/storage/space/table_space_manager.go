package space

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xrowcache/logger"
	"github.com/zhukovaskychina/xrowcache/server/innodb/storage/store/extents"
)

var ErrInvalidRowSize = errors.New("invalid row size")

// FileBlockSource grants whole file blocks and takes free units back.
type FileBlockSource interface {
	GetFileBlocks(spaceID int, count int, minRun int64) (extents.Grant, error)
	FreeTableSpace(spaceID int, records []Interval) error
	BlockSize() int64
}

// SpaceConfig 表空间分配配置
type SpaceConfig struct {
	Scale    int // 单元字节数
	Capacity int // 空闲列表容量
}

// SpaceStats 表空间分配统计
type SpaceStats struct {
	Requests        int64
	Releases        int64
	FreeUnits       int64
	FreeRecords     int
	Compactions     int64
	BlocksRequested int64
	Handovers       int64 // 交还给块管理器的次数
}

// TableSpaceManager allocates row storage inside the file blocks granted to
// one table space. Free records live in three lists: spaceList (records in
// the current block, sorted by size for best fit), oldList (everything else,
// unsorted until compacted) and wideList (records past the uint32 range).
//
// The manager is owned by a single store and is not safe for concurrent use.
type TableSpaceManager struct {
	source     FileBlockSource
	spaceID    int
	scale      int64
	blockUnits int64
	capacity   int

	spaceList []freeRecord
	oldList   []freeRecord
	wideList  []Interval

	// 当前块 [blockStart, limitPos), 其中 [freePos, limitPos) 从未分配过
	blockStart int64
	freePos    int64
	limitPos   int64

	// fragmented is set when a record was added since the last compaction
	fragmented bool

	stats SpaceStats
}

// NewTableSpaceManager 创建表空间分配器
func NewTableSpaceManager(source FileBlockSource, spaceID int, cfg *SpaceConfig) (*TableSpaceManager, error) {
	if cfg == nil || cfg.Scale <= 0 || cfg.Capacity <= 0 {
		return nil, errors.New("invalid table space configuration")
	}
	scale := int64(cfg.Scale)
	if source.BlockSize()%scale != 0 {
		return nil, errors.Errorf("block size %d is not a multiple of scale %d", source.BlockSize(), scale)
	}
	return &TableSpaceManager{
		source:     source,
		spaceID:    spaceID,
		scale:      scale,
		blockUnits: source.BlockSize() / scale,
		capacity:   cfg.Capacity,
	}, nil
}

// Units converts a byte size to units, rounding up.
func (m *TableSpaceManager) Units(rowSize int) int64 {
	return (int64(rowSize) + m.scale - 1) / m.scale
}

// GetFilePosition returns the unit position of a free region of at least
// rowSize bytes.
func (m *TableSpaceManager) GetFilePosition(rowSize int) (int64, error) {
	if rowSize <= 0 {
		return 0, errors.Wrapf(ErrInvalidRowSize, "%d bytes", rowSize)
	}
	units := m.Units(rowSize)
	m.stats.Requests++

	for {
		if pos, ok := m.takeBestFit(units); ok {
			return pos, nil
		}
		if m.fragmented {
			m.compactLookupAsIntervals()
			if pos, ok := m.takeBestFit(units); ok {
				return pos, nil
			}
		}
		if pos, ok := m.takeWide(units); ok {
			return pos, nil
		}
		if m.HasFileRoom(int64(rowSize)) {
			pos := m.freePos
			m.freePos += units
			return pos, nil
		}

		count := int((units + m.blockUnits - 1) / m.blockUnits)
		grant, err := m.source.GetFileBlocks(m.spaceID, count, units)
		if err != nil {
			return 0, errors.WithMessagef(err, "space %d row of %d bytes", m.spaceID, rowSize)
		}
		m.stats.BlocksRequested++
		if !grant.Fresh {
			// 复用的块带回至少一条足够大的空闲记录，放入列表后重试
			m.InitialiseFileBlock(grant.Free, grant.Limit, grant.Limit)
			continue
		}
		if count > 1 {
			// 超过一个块的行直接放在新块开头
			m.AddFileBlock(grant.Start+units, grant.Limit)
			return grant.Start, nil
		}
		m.AddFileBlock(grant.Start, grant.Limit)
	}
}

// takeBestFit serves units from the smallest sufficient spaceList record.
func (m *TableSpaceManager) takeBestFit(units int64) (int64, bool) {
	i := sort.Search(len(m.spaceList), func(i int) bool {
		return int64(m.spaceList[i].length) >= units
	})
	if i == len(m.spaceList) {
		return 0, false
	}
	r := m.spaceList[i]
	m.spaceList = append(m.spaceList[:i], m.spaceList[i+1:]...)
	if rest := int64(r.length) - units; rest > 0 {
		m.spaceList = insertBySize(m.spaceList, freeRecord{
			start:  r.start + uint32(units),
			length: uint32(rest),
		})
	}
	return int64(r.start), true
}

// takeWide serves units from the first sufficient wide record.
func (m *TableSpaceManager) takeWide(units int64) (int64, bool) {
	for i, r := range m.wideList {
		if r.Length < units {
			continue
		}
		if r.Length == units {
			m.wideList = append(m.wideList[:i], m.wideList[i+1:]...)
		} else {
			m.wideList[i] = Interval{Start: r.Start + units, Length: r.Length - units}
		}
		return r.Start, true
	}
	return 0, false
}

// Release returns the storage of a row to the free lists.
func (m *TableSpaceManager) Release(pos int64, rowSize int) {
	units := m.Units(rowSize)
	if units <= 0 || pos < 0 {
		return
	}
	m.stats.Releases++
	m.addRecord(Interval{Start: pos, Length: units})
}

func (m *TableSpaceManager) addRecord(r Interval) {
	if r.Length <= 0 {
		return
	}
	if !isNarrow(r.Start, r.Length) {
		m.wideList = append(m.wideList, r)
		if len(m.wideList) >= m.capacity {
			m.wideList = m.handOver(m.wideList)
		}
		return
	}

	m.fragmented = true
	rec := freeRecord{start: uint32(r.Start), length: uint32(r.Length)}
	if r.Start >= m.blockStart && r.End() <= m.limitPos {
		m.spaceList = insertBySize(m.spaceList, rec)
		if len(m.spaceList) >= m.capacity {
			m.oldList = append(m.oldList, m.spaceList...)
			m.spaceList = m.spaceList[:0]
		}
	} else {
		m.oldList = append(m.oldList, rec)
	}
	if len(m.oldList) >= m.capacity {
		records := make([]Interval, 0, len(m.oldList))
		for _, o := range m.oldList {
			records = append(records, o.interval())
		}
		m.handOver(records)
		m.oldList = m.oldList[:0]
	}
}

// handOver compacts records and gives them to the block source. Records the
// source refuses are kept out of circulation and logged.
func (m *TableSpaceManager) handOver(records []Interval) []Interval {
	compacted := CompactIntervals(records)
	m.stats.Compactions++
	m.stats.Handovers++
	if err := m.source.FreeTableSpace(m.spaceID, compacted); err != nil {
		logger.Errorf("space %d: failed to return %d free records: %v", m.spaceID, len(compacted), err)
	}
	logger.Debugf("space %d returned %d free records to the block manager", m.spaceID, len(compacted))
	return nil
}

// compactLookupAsIntervals merges spaceList and oldList into maximal
// intervals; the result becomes the spaceList. When it does not fit the list
// capacity, the smallest intervals are handed to the block source.
func (m *TableSpaceManager) compactLookupAsIntervals() {
	records := make([]Interval, 0, len(m.spaceList)+len(m.oldList))
	for _, r := range m.spaceList {
		records = append(records, r.interval())
	}
	for _, r := range m.oldList {
		records = append(records, r.interval())
	}
	compacted := CompactIntervals(records)
	m.stats.Compactions++

	list := make([]freeRecord, 0, len(compacted))
	for _, r := range compacted {
		list = append(list, freeRecord{start: uint32(r.Start), length: uint32(r.Length)})
	}
	sort.Slice(list, func(i, j int) bool { return bySize(list[i], list[j]) })

	if excess := len(list) - (m.capacity - 1); excess > 0 {
		spill := make([]Interval, 0, excess)
		for _, r := range list[:excess] {
			spill = append(spill, r.interval())
		}
		m.handOver(spill)
		list = list[excess:]
	}
	m.spaceList = list
	m.oldList = m.oldList[:0]
	m.fragmented = false
}

// Reset hands every free record and the unused tail of the current block back
// to the block source and forgets the current block.
func (m *TableSpaceManager) Reset() error {
	records := m.FreeIntervals()
	m.spaceList = nil
	m.oldList = nil
	m.wideList = nil
	m.blockStart, m.freePos, m.limitPos = 0, 0, 0
	m.fragmented = false
	if len(records) == 0 {
		return nil
	}
	m.stats.Handovers++
	if err := m.source.FreeTableSpace(m.spaceID, records); err != nil {
		return errors.Wrapf(err, "reset space %d", m.spaceID)
	}
	logger.Debugf("space %d reset, %d free records returned", m.spaceID, len(records))
	return nil
}

// HasFileRoom reports whether size bytes fit in the unused tail of the current block.
func (m *TableSpaceManager) HasFileRoom(size int64) bool {
	return m.limitPos-m.freePos >= (size+m.scale-1)/m.scale
}

// AddFileBlock makes [freePos, limitPos) the unused tail. The tail of the
// previous block goes to the free lists.
func (m *TableSpaceManager) AddFileBlock(freePos, limitPos int64) {
	oldTail := Interval{Start: m.freePos, Length: m.limitPos - m.freePos}

	m.freePos = freePos
	m.limitPos = limitPos
	m.blockStart = 0
	if limitPos > 0 {
		m.blockStart = (limitPos - 1) / m.blockUnits * m.blockUnits
	}
	if m.blockStart > freePos {
		m.blockStart = freePos
	}
	m.addRecord(oldTail)
}

// InitialiseFileBlock sets the tail, then seeds the free lists with records.
// The records bypass the list capacity so that none is handed straight back;
// the next compaction trims the spaceList.
func (m *TableSpaceManager) InitialiseFileBlock(records []Interval, freePos, limitPos int64) {
	m.AddFileBlock(freePos, limitPos)
	for _, r := range records {
		if r.Length <= 0 {
			continue
		}
		if !isNarrow(r.Start, r.Length) {
			m.wideList = append(m.wideList, r)
			continue
		}
		m.spaceList = insertBySize(m.spaceList, freeRecord{start: uint32(r.Start), length: uint32(r.Length)})
		m.fragmented = true
	}
}

// FreeIntervals returns every free record this space holds, the unused tail
// included, compacted and ordered by start.
func (m *TableSpaceManager) FreeIntervals() []Interval {
	records := make([]Interval, 0, len(m.spaceList)+len(m.oldList)+len(m.wideList)+1)
	for _, r := range m.spaceList {
		records = append(records, r.interval())
	}
	for _, r := range m.oldList {
		records = append(records, r.interval())
	}
	records = append(records, m.wideList...)
	records = append(records, Interval{Start: m.freePos, Length: m.limitPos - m.freePos})
	return CompactIntervals(records)
}

func (m *TableSpaceManager) Stats() SpaceStats {
	s := m.stats
	for _, r := range m.FreeIntervals() {
		s.FreeUnits += r.Length
		s.FreeRecords++
	}
	return s
}
