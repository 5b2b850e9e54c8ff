package row_cache

import (
	"sync"

	"github.com/zhukovaskychina/xrowcache/util"
)

const rowLockShards = 64

// RowLockTable serialises eviction decisions with in-place mutation of the
// same row. Positions are sharded by hash, so two rows may share a latch:
// never hold one row lock while taking another.
type RowLockTable struct {
	shards [rowLockShards]sync.Mutex
}

func (t *RowLockTable) shard(pos int64) *sync.Mutex {
	return &t.shards[util.HashPosition(pos)%rowLockShards]
}

func (t *RowLockTable) Lock(pos int64) {
	t.shard(pos).Lock()
}

func (t *RowLockTable) Unlock(pos int64) {
	t.shard(pos).Unlock()
}
