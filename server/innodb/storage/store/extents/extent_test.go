package extents

import (
	"bytes"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xrowcache/logger"
)

func init() {
	logger.SetOutput(io.Discard)
}

// memExtender 模拟数据文件长度
type memExtender struct {
	length int64
	fail   error
}

func (e *memExtender) Extend(bytes int64) (int64, error) {
	if e.fail != nil {
		return 0, e.fail
	}
	base := e.length
	e.length += bytes
	return base / 8, nil
}

func (e *memExtender) Length() int64 { return e.length }

func newTestManager(t *testing.T, maxBlocks int) (*FileBlockManager, *memExtender) {
	t.Helper()
	file := &memExtender{}
	m, err := NewFileBlockManager(file, Config{
		Scale:          8,
		BlockSize:      1024,
		MaxFileSize:    int64(maxBlocks) * 1024,
		ReservedBlocks: 1,
	})
	require.NoError(t, err)
	return m, file
}

func TestNewFileBlockManager(t *testing.T) {
	m, file := newTestManager(t, 8)
	assert.Equal(t, int64(1024), file.length)
	assert.Equal(t, 1, m.BlockCount())
	assert.Equal(t, int64(128), m.BlockUnits())

	_, err := NewFileBlockManager(file, Config{Scale: 8, BlockSize: 1001})
	assert.True(t, errors.Is(err, ErrInvalidBlock))
}

func TestGetFileBlocks(t *testing.T) {
	m, file := newTestManager(t, 4)

	t.Run("扩展文件", func(t *testing.T) {
		g, err := m.GetFileBlocks(1, 1, 1)
		require.NoError(t, err)
		assert.Equal(t, Grant{Start: 128, Limit: 256, Fresh: true}, g)
		assert.Equal(t, int64(2048), file.length)
	})

	t.Run("多个连续块", func(t *testing.T) {
		g, err := m.GetFileBlocks(1, 2, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(256), g.Start)
		assert.Equal(t, int64(512), g.Limit)
	})

	t.Run("文件已满", func(t *testing.T) {
		_, err := m.GetFileBlocks(1, 1, 1)
		require.Error(t, err)
		assert.True(t, IsFileFull(err))
		var full *FileFullError
		require.True(t, errors.As(err, &full))
		assert.Equal(t, int64(4096), full.MaxFileSize)
	})

	t.Run("非法数量", func(t *testing.T) {
		_, err := m.GetFileBlocks(1, 0, 1)
		assert.True(t, errors.Is(err, ErrInvalidBlock))
	})
}

func TestFreeAndReuse(t *testing.T) {
	m, _ := newTestManager(t, 8)
	g, err := m.GetFileBlocks(1, 1, 1)
	require.NoError(t, err)

	require.NoError(t, m.FreeTableSpace(1, []Interval{{g.Start + 10, 5}, {g.Start + 15, 3}, {g.Start + 40, 8}}))
	assert.Equal(t, []Interval{{g.Start + 10, 8}, {g.Start + 40, 8}}, m.FreeIntervals())

	t.Run("重复释放", func(t *testing.T) {
		err := m.FreeTableSpace(1, []Interval{{g.Start + 12, 2}})
		assert.True(t, errors.Is(err, ErrDoubleFree))
	})

	t.Run("保留块", func(t *testing.T) {
		err := m.FreeTableSpace(1, []Interval{{0, 2}})
		assert.True(t, errors.Is(err, ErrInvalidBlock))
	})

	t.Run("复用已有块", func(t *testing.T) {
		reuse, err := m.GetFileBlocks(1, 1, 1)
		require.NoError(t, err)
		assert.False(t, reuse.Fresh)
		assert.Equal(t, g.Start, reuse.Start)
		assert.Equal(t, []Interval{{g.Start + 10, 8}, {g.Start + 40, 8}}, reuse.Free)
		assert.Empty(t, m.FreeIntervals())
	})

	t.Run("整块回收到空闲池", func(t *testing.T) {
		require.NoError(t, m.FreeTableSpace(1, []Interval{{g.Start, 128}}))
		s := m.Stats()
		assert.Equal(t, 1, s.FreeBlocks)
		assert.Equal(t, int64(128), s.FreeUnits)

		// 另一个表空间可以拿到空闲池中的块
		other, err := m.GetFileBlocks(2, 1, 1)
		require.NoError(t, err)
		assert.True(t, other.Fresh)
		assert.Equal(t, g.Start, other.Start)
		assert.Equal(t, 2, m.BlockCount())
	})
}

func TestFreeSpansBlocks(t *testing.T) {
	m, _ := newTestManager(t, 8)
	g, err := m.GetFileBlocks(1, 3, 1)
	require.NoError(t, err)

	var pooled []Interval
	m.OnPooled(func(start, limit int64) {
		pooled = append(pooled, Interval{Start: start, Length: limit - start})
	})

	require.NoError(t, m.FreeTableSpace(1, []Interval{{g.Start + 100, 200}}))
	assert.Equal(t, []Interval{{g.Start + 128, 128}}, pooled)
	s := m.Stats()
	assert.Equal(t, 1, s.FreeBlocks, "middle block fully free")
	assert.Equal(t, int64(200), s.FreeUnits)
	assert.Equal(t, []Interval{{g.Start + 100, 200}}, m.FreeIntervals())
}

func TestDirectoryRoundTrip(t *testing.T) {
	m, file := newTestManager(t, 16)
	for i := 0; i < 4; i++ {
		_, err := m.GetFileBlocks(1, 1, 1)
		require.NoError(t, err)
	}
	require.NoError(t, m.FreeTableSpace(1, []Interval{{130, 7}, {256, 128}, {600, 9}}))

	var buf bytes.Buffer
	_, err := m.WriteTo(&buf)
	require.NoError(t, err)
	saved := buf.Bytes()

	reopened, err := NewFileBlockManager(file, Config{Scale: 8, BlockSize: 1024, MaxFileSize: 16 * 1024, ReservedBlocks: 1})
	require.NoError(t, err)
	assert.Empty(t, reopened.FreeIntervals())

	_, err = reopened.ReadFrom(bytes.NewReader(saved))
	require.NoError(t, err)
	assert.Equal(t, m.FreeIntervals(), reopened.FreeIntervals())
	assert.Equal(t, m.Stats().FreeBlocks, reopened.Stats().FreeBlocks)

	t.Run("损坏的目录", func(t *testing.T) {
		damaged := append([]byte(nil), saved...)
		damaged[10] ^= 0xff
		_, err := reopened.ReadFrom(bytes.NewReader(damaged))
		assert.True(t, errors.Is(err, ErrBadDirectory))

		_, err = reopened.ReadFrom(bytes.NewReader(saved[:5]))
		assert.True(t, errors.Is(err, ErrBadDirectory))
	})

	t.Run("块大小不一致", func(t *testing.T) {
		other, err := NewFileBlockManager(&memExtender{}, Config{Scale: 8, BlockSize: 2048, ReservedBlocks: 1})
		require.NoError(t, err)
		_, err = other.ReadFrom(bytes.NewReader(saved))
		assert.True(t, errors.Is(err, ErrBadDirectory))
	})
}
