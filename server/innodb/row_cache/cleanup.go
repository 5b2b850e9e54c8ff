package row_cache

import (
	"sort"
	"sync/atomic"

	"github.com/zhukovaskychina/xrowcache/logger"
	"github.com/zhukovaskychina/xrowcache/server/innodb/basic"
)

// cleanUp evicts every unpinned entry whose access ordinal is below the
// target. A partial pass aims at half of the entries; a full pass targets all
// of them. Dirty victims are flushed as one position-sorted batch before any
// entry is removed, so a failed flush leaves the cache untouched.
func (c *ObjectCache) cleanUp(all bool) error {
	if atomic.LoadInt64(&c.accessCount) >= c.accessLimit {
		c.resetAccessCount()
	}
	target := c.accessTarget(all)

	victims := make([]int64, 0, len(c.entries)/2)
	var dirty []basic.CachedObject

	for pos, e := range c.entries {
		if atomic.LoadInt64(&e.access) >= target {
			continue
		}
		c.rowLocks.Lock(pos)
		switch {
		case e.object.IsKeepInMemory():
			// pinned: survive this pass without counting as recently used
			atomic.StoreInt64(&e.access, target)
		default:
			if e.object.HasChanged() {
				dirty = append(dirty, e.object)
			}
			victims = append(victims, pos)
		}
		c.rowLocks.Unlock(pos)
	}

	if len(dirty) > 0 {
		if err := c.saveRows(dirty); err != nil {
			return NewError("cleanUp", err)
		}
	}

	evicted := 0
	for _, pos := range victims {
		e := c.entries[pos]
		c.rowLocks.Lock(pos)
		// mutated again after the flush: keep it for the next pass
		keep := e.object.HasChanged() || e.object.IsKeepInMemory()
		c.rowLocks.Unlock(pos)
		if keep {
			continue
		}
		c.removeEntry(pos, e)
		evicted++
	}
	c.stats.recordCleanUp(all, evicted)
	logger.Debugf("row cache cleanup all=%v target=%d evicted=%d flushed=%d remaining=%d",
		all, target, evicted, len(dirty), len(c.entries))
	return nil
}

// accessTarget returns accessCount+1 for a full pass, otherwise the median
// access ordinal so that about half of the entries fall below it.
func (c *ObjectCache) accessTarget(all bool) int64 {
	if all || len(c.entries) < 2 {
		return atomic.LoadInt64(&c.accessCount) + 1
	}
	ordinals := make([]int64, 0, len(c.entries))
	for _, e := range c.entries {
		ordinals = append(ordinals, atomic.LoadInt64(&e.access))
	}
	sort.Slice(ordinals, func(i, j int) bool { return ordinals[i] < ordinals[j] })
	return ordinals[len(ordinals)/2]
}

// clearUnchanged drops every unpinned entry that has nothing to flush.
func (c *ObjectCache) clearUnchanged() int {
	removed := 0
	for pos, e := range c.entries {
		c.rowLocks.Lock(pos)
		drop := !e.object.IsKeepInMemory() && !e.object.HasChanged()
		c.rowLocks.Unlock(pos)
		if drop {
			c.removeEntry(pos, e)
			removed++
		}
	}
	atomic.AddInt64(&c.stats.Evictions, int64(removed))
	return removed
}

// resetAccessCount renumbers the ordinals 1..n keeping their relative order.
func (c *ObjectCache) resetAccessCount() {
	entries := make([]*cacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return atomic.LoadInt64(&entries[i].access) < atomic.LoadInt64(&entries[j].access)
	})
	for i, e := range entries {
		atomic.StoreInt64(&e.access, int64(i+1))
	}
	atomic.StoreInt64(&c.accessCount, int64(len(entries)))
	atomic.AddInt64(&c.stats.CounterResets, 1)
	logger.Warnf("row cache access counter reset, %d entries renumbered", len(entries))
}
