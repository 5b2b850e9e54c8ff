package extents

import (
	"bytes"
	"io"

	"github.com/RoaringBitmap/roaring"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xrowcache/util"
)

const (
	directoryMagic   = "XBK1"
	directoryVersion = 1
)

var ErrBadDirectory = errors.New("corrupt block directory")

func rangeBitmap(lo, hi uint64) *roaring.Bitmap {
	bm := roaring.New()
	bm.AddRange(lo, hi)
	return bm
}

// WriteTo persists the block directory:
// magic, version, scale, block size, block count, then per block the owner and
// the serialized free bitmap, followed by an xxhash64 of everything before it.
func (m *FileBlockManager) WriteTo(w io.Writer) (int64, error) {
	m.mu.Lock()
	buf := make([]byte, 0, 64+len(m.blocks)*16)
	buf = util.WriteBytes(buf, []byte(directoryMagic))
	buf = util.WriteUB2(buf, directoryVersion)
	buf = util.WriteUB4(buf, uint32(m.scale))
	buf = util.WriteUB8(buf, uint64(m.blockSize))
	buf = util.WriteUB4(buf, uint32(len(m.blocks)))
	for _, b := range m.blocks {
		data, err := b.free.ToBytes()
		if err != nil {
			m.mu.Unlock()
			return 0, errors.Wrap(err, "serialize free bitmap")
		}
		buf = util.WriteUB4(buf, uint32(int32(b.owner)))
		buf = util.WriteWithUB4Length(buf, data)
	}
	m.mu.Unlock()

	buf = util.WriteUB8(buf, util.HashCode(buf))
	n, err := w.Write(buf)
	return int64(n), err
}

// ReadFrom replaces the directory with one written by WriteTo. Blocks past the
// end of the persisted directory keep their current state.
func (m *FileBlockManager) ReadFrom(r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return int64(len(data)), errors.Wrap(err, "read block directory")
	}
	n := int64(len(data))
	if len(data) < 8 {
		return n, errors.Wrap(ErrBadDirectory, "too short")
	}
	body := data[:len(data)-8]
	reader := util.NewBufferReader(data[len(data)-8:])
	if sum := reader.UB8(); sum != util.HashCode(body) {
		return n, errors.Wrap(ErrBadDirectory, "checksum mismatch")
	}

	reader = util.NewBufferReader(body)
	if magic := reader.Bytes(len(directoryMagic)); !bytes.Equal(magic, []byte(directoryMagic)) {
		return n, errors.Wrapf(ErrBadDirectory, "magic %q", magic)
	}
	if version := reader.UB2(); version != directoryVersion {
		return n, errors.Wrapf(ErrBadDirectory, "version %d", version)
	}
	scale, blockSize := int64(reader.UB4()), int64(reader.UB8())
	if scale != m.scale || blockSize != m.blockSize {
		return n, errors.Wrapf(ErrBadDirectory, "scale %d block size %d, want %d %d", scale, blockSize, m.scale, m.blockSize)
	}
	count := int(reader.UB4())
	if reader.Err() != nil {
		return n, errors.Wrap(ErrBadDirectory, reader.Err().Error())
	}

	blocks := make([]*fileBlock, 0, count)
	for i := 0; i < count; i++ {
		owner := int(int32(reader.UB4()))
		raw := reader.BytesWithUB4Length()
		if reader.Err() != nil {
			return n, errors.Wrapf(ErrBadDirectory, "block %d: %v", i, reader.Err())
		}
		b := newFileBlock(owner)
		if err := b.free.UnmarshalBinary(raw); err != nil {
			return n, errors.Wrapf(ErrBadDirectory, "block %d bitmap: %v", i, err)
		}
		blocks = append(blocks, b)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(blocks) > len(m.blocks) {
		return n, errors.Wrapf(ErrBadDirectory, "%d blocks, file has %d", len(blocks), len(m.blocks))
	}
	copy(m.blocks, blocks)
	return n, nil
}
