package extents

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xrowcache/logger"
)

// Extender is the part of the data file the block manager grows.
type Extender interface {
	Extend(bytes int64) (int64, error)
	Length() int64
}

// Config 文件块管理配置
type Config struct {
	Scale          int   // 单元字节数
	BlockSize      int64 // 块字节数, scale 的整数倍
	MaxFileSize    int64 // 文件最大字节数
	ReservedBlocks int   // 文件开头保留的块数
}

// Grant is the answer to GetFileBlocks: a range of whole blocks, in units.
// A fresh grant is entirely free; a reused one carries the free runs that
// were handed back earlier.
type Grant struct {
	Start int64
	Limit int64
	Fresh bool
	Free  []Interval
}

// BlockStats 块管理统计
type BlockStats struct {
	Blocks       int
	FreeBlocks   int
	OwnedBlocks  int
	FreeUnits    int64
	Extensions   int64
	GrantedFresh int64
	GrantedReuse int64
}

// FileBlockManager hands file blocks to table spaces and takes free units back.
type FileBlockManager struct {
	mu         sync.Mutex
	file       Extender
	scale      int64
	blockSize  int64
	blockUnits int64
	maxSize    int64
	reserved   int
	blocks     []*fileBlock
	onPooled   func(start, limit int64)

	extensions   int64
	grantedFresh int64
	grantedReuse int64
}

// NewFileBlockManager builds a directory for the blocks already in file. Blocks
// that exist but are unknown to the directory belong to space 0 and have no
// free units until ReadFrom loads the persisted directory.
func NewFileBlockManager(file Extender, cfg Config) (*FileBlockManager, error) {
	if cfg.Scale <= 0 || cfg.BlockSize <= 0 || cfg.BlockSize%int64(cfg.Scale) != 0 {
		return nil, errors.Wrapf(ErrInvalidBlock, "block size %d scale %d", cfg.BlockSize, cfg.Scale)
	}
	if cfg.BlockSize/int64(cfg.Scale) > 1<<32 {
		return nil, errors.Wrapf(ErrInvalidBlock, "block of %d units", cfg.BlockSize/int64(cfg.Scale))
	}
	m := &FileBlockManager{
		file:       file,
		scale:      int64(cfg.Scale),
		blockSize:  cfg.BlockSize,
		blockUnits: cfg.BlockSize / int64(cfg.Scale),
		maxSize:    cfg.MaxFileSize,
		reserved:   cfg.ReservedBlocks,
	}

	count := int((file.Length() + cfg.BlockSize - 1) / cfg.BlockSize)
	for i := 0; i < count; i++ {
		owner := 0
		if i < m.reserved {
			owner = OwnerReserved
		}
		m.blocks = append(m.blocks, newFileBlock(owner))
	}
	if count < m.reserved {
		if _, err := m.extend(m.reserved-count, OwnerReserved); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// OnPooled registers fn to be told the unit range of every block that goes
// back to the shared pool. fn runs under the manager's lock and must not call
// back into it.
func (m *FileBlockManager) OnPooled(fn func(start, limit int64)) {
	m.mu.Lock()
	m.onPooled = fn
	m.mu.Unlock()
}

func (m *FileBlockManager) BlockSize() int64 {
	return m.blockSize
}

func (m *FileBlockManager) BlockUnits() int64 {
	return m.blockUnits
}

func (m *FileBlockManager) Scale() int {
	return int(m.scale)
}

// BlockCount 当前文件块数
func (m *FileBlockManager) BlockCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blocks)
}

// GetFileBlocks grants count contiguous blocks to spaceID. A single block is
// served first from a block the space already owns that has a free run of at
// least minRun units, then from the shared pool, then by extending the file.
func (m *FileBlockManager) GetFileBlocks(spaceID int, count int, minRun int64) (Grant, error) {
	if count <= 0 {
		return Grant{}, errors.Wrapf(ErrInvalidBlock, "request for %d blocks", count)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if count == 1 {
		for i, b := range m.blocks {
			if b.owner != spaceID || b.free.IsEmpty() || int64(b.free.GetCardinality()) < minRun {
				continue
			}
			base := int64(i) * m.blockUnits
			runs := b.intervals(base)
			if longestRun(runs) < minRun {
				continue
			}
			grant := Grant{
				Start: base,
				Limit: base + m.blockUnits,
				Free:  runs,
			}
			b.free.Clear()
			m.grantedReuse++
			logger.Debugf("file block %d reused by space %d with %d free runs", i, spaceID, len(grant.Free))
			return grant, nil
		}
	}

	if first := m.findFreeRun(count); first >= 0 {
		for i := first; i < first+count; i++ {
			m.blocks[i].owner = spaceID
			m.blocks[i].free.Clear()
		}
		m.grantedFresh++
		logger.Debugf("file blocks %d..%d taken from the free pool by space %d", first, first+count-1, spaceID)
		return m.freshGrant(first, count), nil
	}

	first, err := m.extend(count, spaceID)
	if err != nil {
		return Grant{}, err
	}
	m.grantedFresh++
	return m.freshGrant(first, count), nil
}

func longestRun(runs []Interval) int64 {
	var longest int64
	for _, r := range runs {
		if r.Length > longest {
			longest = r.Length
		}
	}
	return longest
}

func (m *FileBlockManager) freshGrant(first, count int) Grant {
	return Grant{
		Start: int64(first) * m.blockUnits,
		Limit: int64(first+count) * m.blockUnits,
		Fresh: true,
	}
}

// findFreeRun returns the first of count consecutive pool blocks, or -1.
func (m *FileBlockManager) findFreeRun(count int) int {
	run := 0
	for i, b := range m.blocks {
		if b.owner != OwnerFree {
			run = 0
			continue
		}
		run++
		if run == count {
			return i - count + 1
		}
	}
	return -1
}

func (m *FileBlockManager) extend(count int, owner int) (int, error) {
	bytes := int64(count) * m.blockSize
	length := int64(len(m.blocks)) * m.blockSize
	if m.maxSize > 0 && length+bytes > m.maxSize {
		return 0, &FileFullError{
			SpaceID:     owner,
			Requested:   bytes,
			Length:      length,
			MaxFileSize: m.maxSize,
		}
	}
	if flen := m.file.Length(); flen < length {
		// 文件比目录短，先补齐
		if _, err := m.file.Extend(length - flen); err != nil {
			return 0, errors.Wrap(err, "extend data file")
		}
	}
	if _, err := m.file.Extend(bytes); err != nil {
		return 0, errors.Wrap(err, "extend data file")
	}
	first := len(m.blocks)
	for i := 0; i < count; i++ {
		m.blocks = append(m.blocks, newFileBlock(owner))
	}
	m.extensions++
	logger.Debugf("data file extended by %d blocks to %d bytes", count, int64(len(m.blocks))*m.blockSize)
	return first, nil
}

// FreeTableSpace marks the units of records free. A block whose every unit is
// free goes back to the shared pool.
func (m *FileBlockManager) FreeTableSpace(spaceID int, records []Interval) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	touched := make(map[int]struct{})
	for _, r := range records {
		if r.Length <= 0 {
			continue
		}
		if r.Start < 0 || r.End() > int64(len(m.blocks))*m.blockUnits {
			if firstErr == nil {
				firstErr = errors.Wrapf(ErrInvalidBlock, "free record %s outside file", r)
			}
			continue
		}
		for start := r.Start; start < r.End(); {
			idx := int(start / m.blockUnits)
			base := int64(idx) * m.blockUnits
			end := r.End()
			if limit := base + m.blockUnits; end > limit {
				end = limit
			}
			b := m.blocks[idx]
			lo, hi := uint64(start-base), uint64(end-base)
			if b.owner == OwnerReserved {
				if firstErr == nil {
					firstErr = errors.Wrapf(ErrInvalidBlock, "free record %s in reserved block %d", r, idx)
				}
			} else if b.owner == OwnerFree || b.free.Intersects(rangeBitmap(lo, hi)) {
				if firstErr == nil {
					firstErr = errors.Wrapf(ErrDoubleFree, "record %s in block %d", r, idx)
				}
			} else {
				if b.owner != spaceID {
					logger.Warnf("space %d frees units of block %d owned by space %d", spaceID, idx, b.owner)
				}
				b.free.AddRange(lo, hi)
				touched[idx] = struct{}{}
			}
			start = end
		}
	}

	for idx := range touched {
		b := m.blocks[idx]
		if b.freeUnits() == m.blockUnits {
			b.owner = OwnerFree
			if m.onPooled != nil {
				base := int64(idx) * m.blockUnits
				m.onPooled(base, base+m.blockUnits)
			}
		}
	}
	return firstErr
}

// FreeIntervals lists every free run the directory knows, pool blocks included,
// in ascending position order.
func (m *FileBlockManager) FreeIntervals() []Interval {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Interval
	for i, b := range m.blocks {
		base := int64(i) * m.blockUnits
		var runs []Interval
		if b.owner == OwnerFree {
			runs = []Interval{{Start: base, Length: m.blockUnits}}
		} else {
			runs = b.intervals(base)
		}
		for _, r := range runs {
			if n := len(out); n > 0 && out[n-1].End() == r.Start {
				out[n-1].Length += r.Length
				continue
			}
			out = append(out, r)
		}
	}
	return out
}

func (m *FileBlockManager) Stats() BlockStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := BlockStats{
		Blocks:       len(m.blocks),
		Extensions:   m.extensions,
		GrantedFresh: m.grantedFresh,
		GrantedReuse: m.grantedReuse,
	}
	for _, b := range m.blocks {
		switch b.owner {
		case OwnerFree:
			s.FreeBlocks++
			s.FreeUnits += m.blockUnits
		case OwnerReserved:
		default:
			s.OwnedBlocks++
			s.FreeUnits += b.freeUnits()
		}
	}
	return s
}
