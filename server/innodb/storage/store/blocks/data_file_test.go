package blocks

import (
	"encoding/binary"
	"io"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(size int, fill byte) []byte {
	data := make([]byte, size)
	binary.LittleEndian.PutUint32(data, uint32(size))
	for i := SizePrefixLen; i < size; i++ {
		data[i] = fill
	}
	return data
}

func testDataFile(t *testing.T, file RandomAccess) {
	d, err := NewDataFile(file, 8)
	require.NoError(t, err)

	base, err := d.Extend(60)
	require.NoError(t, err)
	assert.Equal(t, int64(0), base)
	assert.Equal(t, int64(64), d.Length())

	base, err = d.Extend(64)
	require.NoError(t, err)
	assert.Equal(t, int64(8), base)

	t.Run("写入读取", func(t *testing.T) {
		require.NoError(t, d.WriteAt(2, record(24, 0xab)))
		data, err := d.ReadAt(2)
		require.NoError(t, err)
		assert.Equal(t, record(24, 0xab), data)

		raw, err := d.ReadRaw(2, 6)
		require.NoError(t, err)
		assert.Equal(t, []byte{24, 0, 0, 0, 0xab, 0xab}, raw)
	})

	t.Run("越界", func(t *testing.T) {
		_, err := d.ReadAt(16)
		assert.True(t, errors.Is(err, ErrPastEnd))
		assert.True(t, errors.Is(d.WriteAt(15, record(16, 1)), ErrPastEnd))
	})

	t.Run("非法长度", func(t *testing.T) {
		require.NoError(t, d.WriteAt(5, record(12, 1)))
		_, err := d.ReadAt(5)
		assert.True(t, errors.Is(err, ErrBadRecordSize))

		require.NoError(t, d.WriteAt(14, []byte{0, 1, 0, 0}))
		_, err = d.ReadAt(14)
		assert.True(t, errors.Is(err, ErrBadRecordSize))
	})

	require.NoError(t, d.Sync())
}

func TestDataFileMem(t *testing.T) {
	testDataFile(t, new(MemFile))
}

func TestDataFileOS(t *testing.T) {
	f, err := OpenDataFile(filepath.Join(t.TempDir(), "data", "rows.dat"))
	require.NoError(t, err)
	defer f.Close()
	testDataFile(t, f)
}

func TestReopenKeepsLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rows.dat")
	f, err := OpenDataFile(path)
	require.NoError(t, err)
	d, err := NewDataFile(f, 8)
	require.NoError(t, err)
	_, err = d.Extend(128)
	require.NoError(t, err)
	require.NoError(t, d.WriteAt(4, record(16, 7)))
	require.NoError(t, d.Close())

	f, err = OpenDataFile(path)
	require.NoError(t, err)
	defer f.Close()
	d, err = NewDataFile(f, 8)
	require.NoError(t, err)
	assert.Equal(t, int64(128), d.Length())
	data, err := d.ReadAt(4)
	require.NoError(t, err)
	assert.Equal(t, record(16, 7), data)
}

func TestMemFile(t *testing.T) {
	var f MemFile
	_, err := f.WriteAt([]byte("hello"), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(8), f.Size())

	buf := make([]byte, 8)
	n, err := f.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, []byte{0, 0, 0, 'h', 'e', 'l', 'l', 'o'}, buf)

	n, err = f.ReadAt(buf, 4)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 4, n)

	require.NoError(t, f.Truncate(2))
	require.NoError(t, f.Truncate(6))
	n, _ = f.ReadAt(buf[:6], 0)
	assert.Equal(t, 6, n)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0}, buf[:6])
}

func TestNewDataFileScale(t *testing.T) {
	_, err := NewDataFile(new(MemFile), 6)
	assert.Error(t, err)
}
