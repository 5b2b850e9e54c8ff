package row_cache

import (
	"math"
	"sort"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xrowcache/logger"
	"github.com/zhukovaskychina/xrowcache/server/innodb/basic"
)

// ObjectWriter persists dirty objects for the cache. SaveObjects receives the
// objects sorted by ascending position and must clear the changed flag of every
// object it has written; on error it leaves unwritten objects marked changed.
type ObjectWriter interface {
	SaveObjects(objects []basic.CachedObject) error
}

// CacheConfig 行缓存配置
type CacheConfig struct {
	Capacity      int   // 最大行数
	BytesCapacity int64 // 最大字节数
	Reserve       int   // PutUsingReserve 可超出的行数
}

// accessCountMax bounds the access ordinals; reaching it renumbers them.
const accessCountMax = math.MaxInt32

type cacheEntry struct {
	object basic.CachedObject
	access int64 // 最后访问序号, atomic
}

// ObjectCache keeps rows in memory keyed by position, bounded by a row count
// and a byte budget, and evicts with a second-chance scan over access ordinals.
//
// Mutating calls (Put, Release, SaveAll, Clear) must run under the owner's
// exclusive lock. Get only touches access ordinals and is safe under a shared
// lock.
type ObjectCache struct {
	config CacheConfig
	writer ObjectWriter

	entries     map[int64]*cacheEntry
	cacheBytes  int64
	accessCount int64 // atomic
	accessLimit int64

	rowLocks RowLockTable
	stats    *CacheStats
}

// NewObjectCache 创建行缓存
func NewObjectCache(config *CacheConfig, writer ObjectWriter) (*ObjectCache, error) {
	if config == nil || config.Capacity <= 0 || config.BytesCapacity <= 0 || config.Reserve < 0 {
		return nil, ErrInvalidConfig
	}
	if writer == nil {
		return nil, errors.Wrap(ErrInvalidConfig, "nil object writer")
	}
	return &ObjectCache{
		config:      *config,
		writer:      writer,
		entries:     make(map[int64]*cacheEntry, config.Capacity),
		accessLimit: accessCountMax,
		stats:       NewCacheStats(),
	}, nil
}

// Get returns the resident object at pos, or nil. It never reads from disk.
func (c *ObjectCache) Get(pos int64) basic.CachedObject {
	e, ok := c.entries[pos]
	if !ok {
		c.stats.RecordRequest(false)
		return nil
	}
	c.stats.RecordRequest(true)
	atomic.StoreInt64(&e.access, atomic.AddInt64(&c.accessCount, 1))
	return e.object
}

// Contains reports residency without touching the access ordinal.
func (c *ObjectCache) Contains(pos int64) bool {
	_, ok := c.entries[pos]
	return ok
}

// Put admits obj under the row and byte budgets.
func (c *ObjectCache) Put(obj basic.CachedObject) error {
	return c.put(obj, false)
}

// PutUsingReserve may exceed the row budget by the configured reserve (index
// roots are pinned this way). The byte budget still applies.
func (c *ObjectCache) PutUsingReserve(obj basic.CachedObject) error {
	return c.put(obj, true)
}

func (c *ObjectCache) put(obj basic.CachedObject, useReserve bool) error {
	if obj == nil {
		return ErrNilObject
	}
	pos := obj.GetPos()
	size := int64(obj.GetStorageSize())

	if old, ok := c.entries[pos]; ok && old.object == obj {
		atomic.StoreInt64(&old.access, atomic.AddInt64(&c.accessCount, 1))
		return nil
	}

	rowLimit := c.config.Capacity
	if useReserve {
		rowLimit += c.config.Reserve
	}
	// 被替换的旧对象在腾出空间之前保持驻留, 失败时不会丢失未写出的修改
	if err := c.makeRoom(pos, rowLimit, size); err != nil {
		return err
	}
	if old, ok := c.entries[pos]; ok {
		c.removeEntry(pos, old)
	}

	if atomic.LoadInt64(&c.accessCount) >= c.accessLimit {
		c.resetAccessCount()
	}
	c.entries[pos] = &cacheEntry{
		object: obj,
		access: atomic.AddInt64(&c.accessCount, 1),
	}
	c.cacheBytes += size
	obj.SetInMemory(true)
	atomic.AddInt64(&c.stats.Puts, 1)
	return nil
}

// usage returns the rows and bytes held once an object of size is stored at
// pos, counting a resident object at pos as replaced.
func (c *ObjectCache) usage(pos int64, size int64) (int, int64) {
	rows, bytes := len(c.entries)+1, c.cacheBytes+size
	if old, ok := c.entries[pos]; ok {
		rows--
		bytes -= int64(old.object.GetStorageSize())
	}
	return rows, bytes
}

func (c *ObjectCache) fits(pos int64, rowLimit int, size int64) bool {
	rows, bytes := c.usage(pos, size)
	return rows <= rowLimit && bytes <= c.config.BytesCapacity
}

// makeRoom runs the escalation ladder: partial cleanup, dropping unchanged
// rows, full cleanup, then gives up with a CacheFullError.
func (c *ObjectCache) makeRoom(pos int64, rowLimit int, size int64) error {
	if c.fits(pos, rowLimit, size) {
		return nil
	}
	if err := c.cleanUp(false); err != nil {
		return err
	}
	if c.fits(pos, rowLimit, size) {
		return nil
	}

	dropped := c.clearUnchanged()
	logger.Warnf("row cache still full after cleanup, dropped %d unchanged rows (rows %d, bytes %d)",
		dropped, len(c.entries), c.cacheBytes)
	if c.fits(pos, rowLimit, size) {
		return nil
	}

	if err := c.cleanUp(true); err != nil {
		return err
	}
	if c.fits(pos, rowLimit, size) {
		return nil
	}

	limit := "bytes"
	if rows, _ := c.usage(pos, size); rows > rowLimit {
		limit = "rows"
	}
	return &CacheFullError{
		Limit:         limit,
		Rows:          len(c.entries),
		Capacity:      rowLimit,
		Bytes:         c.cacheBytes,
		BytesCapacity: c.config.BytesCapacity,
		ObjectSize:    int(size),
	}
}

// Release removes the object at pos from memory (not from disk).
func (c *ObjectCache) Release(pos int64) basic.CachedObject {
	e, ok := c.entries[pos]
	if !ok {
		return nil
	}
	c.removeEntry(pos, e)
	atomic.AddInt64(&c.stats.Releases, 1)
	return e.object
}

// ReleaseRange drops every resident object whose position matches, without
// flushing; used when a whole file block is reclaimed.
func (c *ObjectCache) ReleaseRange(match func(pos int64) bool) int {
	removed := 0
	for pos, e := range c.entries {
		if match(pos) {
			c.removeEntry(pos, e)
			removed++
		}
	}
	atomic.AddInt64(&c.stats.Releases, int64(removed))
	return removed
}

// ReleaseBlock drops the objects positioned in [start, limit).
func (c *ObjectCache) ReleaseBlock(start, limit int64) int {
	return c.ReleaseRange(func(pos int64) bool {
		return pos >= start && pos < limit
	})
}

func (c *ObjectCache) removeEntry(pos int64, e *cacheEntry) {
	delete(c.entries, pos)
	c.cacheBytes -= int64(e.object.GetStorageSize())
	e.object.SetInMemory(false)
}

// SaveAll writes every changed object in ascending position order.
func (c *ObjectCache) SaveAll() error {
	var dirty []basic.CachedObject
	for _, e := range c.entries {
		if e.object.HasChanged() {
			dirty = append(dirty, e.object)
		}
	}
	if len(dirty) == 0 {
		return nil
	}
	if err := c.saveRows(dirty); err != nil {
		return NewError("saveAll", err)
	}
	logger.Debugf("row cache saved %d rows", len(dirty))
	return nil
}

func (c *ObjectCache) saveRows(rows []basic.CachedObject) error {
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].GetPos() < rows[j].GetPos()
	})
	if err := c.writer.SaveObjects(rows); err != nil {
		c.stats.RecordFlush(len(rows), false)
		return &FlushError{Rows: len(rows), Err: err}
	}
	c.stats.RecordFlush(len(rows), true)
	return nil
}

// Clear drops every entry without writing anything.
func (c *ObjectCache) Clear() {
	for _, e := range c.entries {
		e.object.SetInMemory(false)
	}
	c.entries = make(map[int64]*cacheEntry, c.config.Capacity)
	c.cacheBytes = 0
	atomic.StoreInt64(&c.accessCount, 0)
}

// ForEach visits resident objects in no particular order until fn returns false.
func (c *ObjectCache) ForEach(fn func(obj basic.CachedObject) bool) {
	for _, e := range c.entries {
		if !fn(e.object) {
			return
		}
	}
}

// LockRow must be held while mutating a resident row in place.
func (c *ObjectCache) LockRow(pos int64) {
	c.rowLocks.Lock(pos)
}

func (c *ObjectCache) UnlockRow(pos int64) {
	c.rowLocks.Unlock(pos)
}

func (c *ObjectCache) Size() int {
	return len(c.entries)
}

func (c *ObjectCache) Bytes() int64 {
	return c.cacheBytes
}

func (c *ObjectCache) Capacity() int {
	return c.config.Capacity
}

func (c *ObjectCache) BytesCapacity() int64 {
	return c.config.BytesCapacity
}

func (c *ObjectCache) Stats() *CacheStats {
	return c.stats
}
