package blocks

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrPastEnd is returned for a read that does not fit inside the file.
	ErrPastEnd = errors.New("read past end of data file")
	// ErrBadRecordSize is returned when a record's size prefix is impossible.
	ErrBadRecordSize = errors.New("impossible record size")
)

// SizePrefixLen is the length of the uint32 size that starts every record.
const SizePrefixLen = 4

// DataFile addresses a RandomAccess in units of scale bytes.
type DataFile struct {
	mu     sync.Mutex // serialises Extend
	file   RandomAccess
	scale  int64
	length int64 // 字节
}

// NewDataFile wraps file; its current size is rounded up to a whole unit.
func NewDataFile(file RandomAccess, scale int) (*DataFile, error) {
	if scale <= 0 || scale&(scale-1) != 0 {
		return nil, errors.Errorf("scale %d is not a power of two", scale)
	}
	s := int64(scale)
	length := (file.Size() + s - 1) / s * s
	return &DataFile{file: file, scale: s, length: length}, nil
}

func (d *DataFile) Scale() int {
	return int(d.scale)
}

// ReadAt reads the record at pos: its size prefix first, then the whole record.
func (d *DataFile) ReadAt(pos int64) ([]byte, error) {
	offset := pos * d.scale
	var prefix [SizePrefixLen]byte
	if err := d.readFull(prefix[:], offset); err != nil {
		return nil, err
	}
	size := int64(binary.LittleEndian.Uint32(prefix[:]))
	if size < SizePrefixLen || size%d.scale != 0 {
		return nil, errors.Wrapf(ErrBadRecordSize, "size %d at pos %d", size, pos)
	}
	if offset+size > d.Length() {
		return nil, errors.Wrapf(ErrBadRecordSize, "size %d at pos %d overruns file of %d bytes", size, pos, d.Length())
	}
	data := make([]byte, size)
	if err := d.readFull(data, offset); err != nil {
		return nil, err
	}
	return data, nil
}

// ReadRaw reads n bytes at pos without interpreting them.
func (d *DataFile) ReadRaw(pos int64, n int) ([]byte, error) {
	data := make([]byte, n)
	if err := d.readFull(data, pos*d.scale); err != nil {
		return nil, err
	}
	return data, nil
}

func (d *DataFile) readFull(p []byte, offset int64) error {
	if offset < 0 || offset+int64(len(p)) > d.Length() {
		return errors.Wrapf(ErrPastEnd, "offset %d length %d", offset, len(p))
	}
	n, err := d.file.ReadAt(p, offset)
	if n == len(p) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return errors.Wrapf(err, "read %d bytes at %d", len(p), offset)
}

// WriteAt writes data at pos. The data must lie inside the file.
func (d *DataFile) WriteAt(pos int64, data []byte) error {
	offset := pos * d.scale
	if offset < 0 || offset+int64(len(data)) > d.Length() {
		return errors.Wrapf(ErrPastEnd, "write %d bytes at pos %d", len(data), pos)
	}
	if _, err := d.file.WriteAt(data, offset); err != nil {
		return errors.Wrapf(err, "write %d bytes at pos %d", len(data), pos)
	}
	return nil
}

// Extend grows the file by bytes (rounded up to whole units) and returns the
// position of the first new unit.
func (d *DataFile) Extend(bytes int64) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	bytes = (bytes + d.scale - 1) / d.scale * d.scale
	base := d.length
	if err := d.file.Truncate(base + bytes); err != nil {
		return 0, errors.Wrapf(err, "extend data file to %d", base+bytes)
	}
	d.length = base + bytes
	return base / d.scale, nil
}

// Length is the file length in bytes.
func (d *DataFile) Length() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.length
}

func (d *DataFile) Sync() error {
	return d.file.Sync()
}

func (d *DataFile) Close() error {
	return d.file.Close()
}
