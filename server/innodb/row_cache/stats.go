package row_cache

import (
	"sync/atomic"
	"time"
)

// CacheStats 行缓存统计信息
type CacheStats struct {
	Requests int64
	Hits     int64
	Misses   int64

	Puts          int64
	Releases      int64
	Evictions     int64
	CleanUps      int64
	FullCleanUps  int64
	CounterResets int64

	FlushRequests int64
	FlushedRows   int64
	FlushFailures int64

	LastResetTime time.Time
}

// NewCacheStats 创建新的统计对象
func NewCacheStats() *CacheStats {
	return &CacheStats{LastResetTime: time.Now()}
}

// RecordRequest 记录一次查找
func (s *CacheStats) RecordRequest(hit bool) {
	atomic.AddInt64(&s.Requests, 1)
	if hit {
		atomic.AddInt64(&s.Hits, 1)
	} else {
		atomic.AddInt64(&s.Misses, 1)
	}
}

// RecordFlush 记录一次批量刷新
func (s *CacheStats) RecordFlush(rows int, success bool) {
	atomic.AddInt64(&s.FlushRequests, 1)
	if success {
		atomic.AddInt64(&s.FlushedRows, int64(rows))
	} else {
		atomic.AddInt64(&s.FlushFailures, 1)
	}
}

func (s *CacheStats) recordCleanUp(all bool, evicted int) {
	atomic.AddInt64(&s.CleanUps, 1)
	if all {
		atomic.AddInt64(&s.FullCleanUps, 1)
	}
	atomic.AddInt64(&s.Evictions, int64(evicted))
}

// GetHitRatio 获取命中率
func (s *CacheStats) GetHitRatio() float64 {
	requests := atomic.LoadInt64(&s.Requests)
	if requests == 0 {
		return 0
	}
	return float64(atomic.LoadInt64(&s.Hits)) / float64(requests)
}

// Snapshot returns a copy that is safe to read without atomics.
func (s *CacheStats) Snapshot() CacheStats {
	return CacheStats{
		Requests:      atomic.LoadInt64(&s.Requests),
		Hits:          atomic.LoadInt64(&s.Hits),
		Misses:        atomic.LoadInt64(&s.Misses),
		Puts:          atomic.LoadInt64(&s.Puts),
		Releases:      atomic.LoadInt64(&s.Releases),
		Evictions:     atomic.LoadInt64(&s.Evictions),
		CleanUps:      atomic.LoadInt64(&s.CleanUps),
		FullCleanUps:  atomic.LoadInt64(&s.FullCleanUps),
		CounterResets: atomic.LoadInt64(&s.CounterResets),
		FlushRequests: atomic.LoadInt64(&s.FlushRequests),
		FlushedRows:   atomic.LoadInt64(&s.FlushedRows),
		FlushFailures: atomic.LoadInt64(&s.FlushFailures),
		LastResetTime: s.LastResetTime,
	}
}

// Reset 重置统计信息
func (s *CacheStats) Reset() {
	for _, p := range []*int64{
		&s.Requests, &s.Hits, &s.Misses, &s.Puts, &s.Releases, &s.Evictions,
		&s.CleanUps, &s.FullCleanUps, &s.CounterResets,
		&s.FlushRequests, &s.FlushedRows, &s.FlushFailures,
	} {
		atomic.StoreInt64(p, 0)
	}
	s.LastResetTime = time.Now()
}
