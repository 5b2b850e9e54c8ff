package engine

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xrowcache/logger"
	"github.com/zhukovaskychina/xrowcache/server/conf"
	"github.com/zhukovaskychina/xrowcache/server/innodb/basic"
	"github.com/zhukovaskychina/xrowcache/server/innodb/index"
	"github.com/zhukovaskychina/xrowcache/server/innodb/record"
	"github.com/zhukovaskychina/xrowcache/server/innodb/row_cache"
	"github.com/zhukovaskychina/xrowcache/server/innodb/storage/store/blocks"
)

func init() {
	logger.SetOutput(io.Discard)
}

var testDefs = []record.IndexDef{
	{Name: "pk", Columns: []int{0}, Unique: true},
	{Name: "by_name", Columns: []int{1}},
}

func testConfig(t *testing.T) *conf.Cfg {
	t.Helper()
	cfg := conf.NewCfg()
	cfg.Store.DataDir = t.TempDir()
	cfg.Store.Scale = 8
	cfg.Store.FileBlockSize = 4096
	cfg.Store.MaxFileSize = 1 << 24
	cfg.Cache.Capacity = 32
	cfg.Cache.BytesCapacity = 1 << 20
	cfg.Cache.Reserve = 4
	cfg.Space.FreeListCapacity = 64
	return cfg
}

type memFiles struct {
	data, dir *blocks.MemFile
}

func newMemFiles() *memFiles {
	return &memFiles{data: new(blocks.MemFile), dir: new(blocks.MemFile)}
}

func (m *memFiles) open(t *testing.T, cfg *conf.Cfg, defs []record.IndexDef) *Store {
	t.Helper()
	s, err := OpenWith(cfg, defs, m.data, m.dir)
	require.NoError(t, err)
	return s
}

func values(id int) [][]byte {
	return [][]byte{
		[]byte(fmt.Sprintf("%05d", id)),
		[]byte(fmt.Sprintf("name-%05d", id%97)),
	}
}

func insertIDs(t *testing.T, s *Store, ids []int) map[int]int64 {
	t.Helper()
	positions := make(map[int]int64, len(ids))
	for _, id := range ids {
		pos, err := s.Insert(values(id))
		require.NoError(t, err, "insert %d", id)
		positions[id] = pos
	}
	return positions
}

func scanColumn(t *testing.T, s *Store, i, col int) []string {
	t.Helper()
	var out []string
	require.NoError(t, s.Scan(i, func(row *record.Row) bool {
		out = append(out, string(row.Value(col)))
		return true
	}))
	return out
}

func requireHealthy(t *testing.T, s *Store) {
	t.Helper()
	report, err := s.Check(false)
	require.NoError(t, err)
	require.False(t, report.HasErrors(), report.String())
}

func TestInsertGetFind(t *testing.T) {
	s := newMemFiles().open(t, testConfig(t), testDefs)
	defer s.Close()

	positions := insertIDs(t, s, []int{5, 3, 9, 1, 7})
	assert.Equal(t, int64(5), s.RowCount())

	row, err := s.Get(positions[9])
	require.NoError(t, err)
	assert.Equal(t, "00009", string(row.Value(0)))
	assert.Equal(t, positions[9], row.GetPos())

	row, err = s.Find(0, [][]byte{[]byte("00003")})
	require.NoError(t, err)
	assert.Equal(t, positions[3], row.GetPos())

	row, err = s.Find(1, [][]byte{[]byte("name-00007")})
	require.NoError(t, err)
	assert.Equal(t, "00007", string(row.Value(0)))

	_, err = s.Find(0, [][]byte{[]byte("00004")})
	assert.ErrorIs(t, err, index.ErrKeyNotFound)
	_, err = s.Find(2, nil)
	assert.ErrorIs(t, err, ErrNoSuchIndex)
	_, err = s.Get(0)
	assert.ErrorIs(t, err, ErrRowNotFound)

	assert.Equal(t, []string{"00001", "00003", "00005", "00007", "00009"}, scanColumn(t, s, 0, 0))
	requireHealthy(t, s)
}

func TestDuplicateKeyLeavesNoTrace(t *testing.T) {
	s := newMemFiles().open(t, testConfig(t), testDefs)
	defer s.Close()

	insertIDs(t, s, []int{1, 2})
	before := s.SpaceStats().Space.FreeUnits

	_, err := s.Insert([][]byte{[]byte("00001"), []byte("other")})
	assert.ErrorIs(t, err, index.ErrDuplicateKey)
	assert.Equal(t, int64(2), s.RowCount())
	assert.Equal(t, []string{"name-00001", "name-00002"}, scanColumn(t, s, 1, 1))
	assert.Equal(t, before, s.SpaceStats().Space.FreeUnits)
	requireHealthy(t, s)
}

func TestManyRowsWithEviction(t *testing.T) {
	cfg := testConfig(t)
	s := newMemFiles().open(t, cfg, testDefs)
	defer s.Close()

	ids := rand.New(rand.NewSource(3)).Perm(300)
	insertIDs(t, s, ids)

	stats := s.CacheStats()
	assert.Greater(t, stats.FlushedRows, int64(0))
	assert.LessOrEqual(t, s.cache.Size(), cfg.Cache.Capacity+cfg.Cache.Reserve)

	keys := scanColumn(t, s, 0, 0)
	require.Len(t, keys, 300)
	assert.IsIncreasing(t, keys)

	names := scanColumn(t, s, 1, 1)
	require.Len(t, names, 300)
	assert.IsNonDecreasing(t, names)

	requireHealthy(t, s)
}

func TestDeleteAndReuse(t *testing.T) {
	s := newMemFiles().open(t, testConfig(t), testDefs)
	defer s.Close()

	ids := make([]int, 100)
	for i := range ids {
		ids[i] = i
	}
	positions := insertIDs(t, s, ids)
	lengthBefore := s.SpaceStats().FileLength

	for id := 0; id < 100; id += 2 {
		require.NoError(t, s.Delete(positions[id]), "delete %d", id)
	}
	assert.Equal(t, int64(50), s.RowCount())
	assert.Len(t, scanColumn(t, s, 0, 0), 50)
	assert.Len(t, scanColumn(t, s, 1, 0), 50)

	_, err := s.Get(positions[0])
	assert.ErrorIs(t, err, ErrRowNotFound)
	assert.ErrorIs(t, s.Delete(positions[0]), ErrRowNotFound)
	_, err = s.Find(0, [][]byte{[]byte("00002")})
	assert.ErrorIs(t, err, index.ErrKeyNotFound)
	requireHealthy(t, s)

	// same sized rows fit into the freed records
	for id := 1000; id < 1050; id++ {
		_, err := s.Insert(values(id))
		require.NoError(t, err)
	}
	assert.Equal(t, lengthBefore, s.SpaceStats().FileLength)
	assert.Equal(t, int64(100), s.RowCount())
	requireHealthy(t, s)
}

func TestReopen(t *testing.T) {
	cfg := testConfig(t)
	files := newMemFiles()
	s := files.open(t, cfg, testDefs)

	ids := rand.New(rand.NewSource(11)).Perm(80)
	positions := insertIDs(t, s, ids)
	for id := 0; id < 80; id += 3 {
		require.NoError(t, s.Delete(positions[id]))
	}
	names := scanColumn(t, s, 1, 0)
	count := s.RowCount()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	s = files.open(t, cfg, nil)
	defer s.Close()
	assert.False(t, s.Recovered())
	assert.Equal(t, testDefs[1].String(), s.IndexDefs()[1].String())
	assert.Equal(t, count, s.RowCount())
	assert.Equal(t, names, scanColumn(t, s, 1, 0))
	requireHealthy(t, s)

	insertIDs(t, s, []int{500, 501, 502})
	assert.Equal(t, count+3, s.RowCount())
	requireHealthy(t, s)
}

func TestReopenAfterCrash(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cache.Capacity = 128
	files := newMemFiles()
	s := files.open(t, cfg, testDefs)

	ids := make([]int, 20)
	for i := range ids {
		ids[i] = i
	}
	insertIDs(t, s, ids)
	require.NoError(t, s.Checkpoint())
	insertIDs(t, s, []int{100, 101, 102})
	// s is abandoned without Close

	crashed := files.open(t, cfg, testDefs)
	defer crashed.Close()
	assert.True(t, crashed.Recovered())
	assert.Equal(t, int64(20), crashed.RowCount())
	assert.Len(t, scanColumn(t, crashed, 0, 0), 20)
	requireHealthy(t, crashed)

	insertIDs(t, crashed, []int{200, 201})
	assert.Len(t, scanColumn(t, crashed, 0, 0), 22)
	requireHealthy(t, crashed)
}

func TestOpenMismatch(t *testing.T) {
	cfg := testConfig(t)
	files := newMemFiles()
	s := files.open(t, cfg, testDefs)
	require.NoError(t, s.Close())

	_, err := OpenWith(cfg, testDefs[:1], files.data, files.dir)
	assert.ErrorIs(t, err, ErrIndexMismatch)

	other := testConfig(t)
	other.Store.FileBlockSize = 8192
	_, err = OpenWith(other, testDefs, files.data, files.dir)
	assert.ErrorIs(t, err, ErrBadHeader)

	files.data.Bytes()[len(headerMagic)+8] ^= 0xff
	_, err = OpenWith(cfg, testDefs, files.data, files.dir)
	assert.ErrorIs(t, err, ErrBadHeader)

	_, err = OpenWith(cfg, nil, new(blocks.MemFile), new(blocks.MemFile))
	assert.Error(t, err)
}

func TestDamagedDirectoryIsIgnored(t *testing.T) {
	cfg := testConfig(t)
	files := newMemFiles()
	s := files.open(t, cfg, testDefs)
	positions := insertIDs(t, s, []int{1, 2, 3, 4})
	require.NoError(t, s.Delete(positions[2]))
	require.NoError(t, s.Close())

	files.dir.Bytes()[0] = 'Z'
	s = files.open(t, cfg, testDefs)
	defer s.Close()
	assert.Equal(t, int64(3), s.RowCount())
	requireHealthy(t, s)
}

func TestCodecOnDisk(t *testing.T) {
	cfg := testConfig(t)
	cfg.Codec.Compression = "snappy"
	cfg.Codec.EncryptionKey = "master key"
	files := newMemFiles()
	s := files.open(t, cfg, testDefs)

	secret := []byte("needle-needle-needle-needle")
	_, err := s.Insert([][]byte{[]byte("00001"), secret})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.False(t, bytes.Contains(files.data.Bytes(), secret))

	s = files.open(t, cfg, nil)
	defer s.Close()
	row, err := s.Find(1, [][]byte{secret})
	require.NoError(t, err)
	assert.Equal(t, "00001", string(row.Value(0)))
}

func TestCheckAndRepair(t *testing.T) {
	s := newMemFiles().open(t, testConfig(t), testDefs)
	defer s.Close()

	ids := rand.New(rand.NewSource(5)).Perm(60)
	insertIDs(t, s, ids)
	names := scanColumn(t, s, 1, 0)

	// 把 index 1 的一个叶子指回根, 形成环
	s.latch.Lock()
	src := s.writer()
	var leaf *record.Row
	require.NoError(t, s.indexes[1].Scan(src, func(row *record.Row) bool {
		n := row.Node(1)
		if n.Left == basic.NoPos && n.Right == basic.NoPos {
			leaf = row
			return false
		}
		return true
	}))
	require.NotNil(t, leaf)
	leaf.Node(1).Left = s.indexes[1].Root()
	src.Changed(leaf)
	s.latch.Unlock()

	report, err := s.Check(false)
	require.NoError(t, err)
	assert.True(t, report.HasErrors())
	assert.True(t, report.Indexes[0].Healthy())
	assert.GreaterOrEqual(t, report.Indexes[1].LoopErrors, 1)
	assert.Contains(t, report.String(), "none fixed")

	report, err = s.Check(true)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, report.Rebuilt)
	assert.Equal(t, 0, report.ReadIndex)
	assert.Equal(t, 0, report.RemainingErrors())

	assert.Equal(t, names, scanColumn(t, s, 1, 0))
	assert.Equal(t, int64(60), s.RowCount())
	requireHealthy(t, s)
}

func TestClosedStore(t *testing.T) {
	s := newMemFiles().open(t, testConfig(t), testDefs)
	require.NoError(t, s.Close())

	_, err := s.Insert(values(1))
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = s.Get(8)
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, s.Delete(8), ErrStoreClosed)
	assert.ErrorIs(t, s.Checkpoint(), ErrStoreClosed)
	_, err = s.Check(false)
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestOpenOnDisk(t *testing.T) {
	cfg := testConfig(t)
	s, err := Open(cfg, testDefs)
	require.NoError(t, err)
	insertIDs(t, s, []int{3, 1, 2})
	require.NoError(t, s.Close())

	s, err = Open(cfg, nil)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, []string{"00001", "00002", "00003"}, scanColumn(t, s, 0, 0))
}

func TestConcurrentReaders(t *testing.T) {
	s := newMemFiles().open(t, testConfig(t), testDefs)
	defer s.Close()
	positions := insertIDs(t, s, rand.New(rand.NewSource(9)).Perm(100))

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := (g*31 + i*7) % 100
				row, err := s.Get(positions[id])
				if assert.NoError(t, err) {
					assert.Equal(t, fmt.Sprintf("%05d", id), string(row.Value(0)))
				}
				_, err = s.Find(0, [][]byte{[]byte(fmt.Sprintf("%05d", id))})
				assert.NoError(t, err)
			}
		}(g)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for id := 1000; id < 1040; id++ {
			_, err := s.Insert(values(id))
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	assert.Equal(t, int64(140), s.RowCount())
	requireHealthy(t, s)
}

func TestCacheFullLeavesIndexesIntact(t *testing.T) {
	for capacity := 4; capacity <= 12; capacity++ {
		t.Run(fmt.Sprintf("capacity %d", capacity), func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Cache.Capacity = capacity
			cfg.Cache.Reserve = 0
			files := newMemFiles()
			s := files.open(t, cfg, testDefs)

			rnd := rand.New(rand.NewSource(int64(capacity)))
			live := make(map[int]int64)
			for _, id := range rnd.Perm(400) {
				pos, err := s.Insert(values(id))
				if err != nil {
					require.True(t, row_cache.IsCacheFull(err), "insert %d: %v", id, err)
					continue
				}
				live[id] = pos
			}
			requireHealthy(t, s)

			for id, pos := range live {
				if id%3 != 0 {
					continue
				}
				if err := s.Delete(pos); err != nil {
					require.True(t, row_cache.IsCacheFull(err), "delete %d: %v", id, err)
					continue
				}
				delete(live, id)
			}
			requireHealthy(t, s)

			want := make([]string, 0, len(live))
			for id := range live {
				want = append(want, fmt.Sprintf("%05d", id))
			}
			sort.Strings(want)
			assert.Equal(t, int64(len(live)), s.RowCount())
			assert.Equal(t, want, append([]string{}, scanColumn(t, s, 0, 0)...))
			require.NoError(t, s.Close())

			s = files.open(t, testConfig(t), nil)
			defer s.Close()
			requireHealthy(t, s)
			assert.Equal(t, int64(len(live)), s.RowCount())
		})
	}
}
