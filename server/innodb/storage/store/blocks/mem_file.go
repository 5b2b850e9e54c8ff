package blocks

import (
	"io"
	"sync"
)

// MemFile is an in-memory RandomAccess. The zero value is an empty file.
type MemFile struct {
	rw   sync.RWMutex
	data []byte
}

var _ RandomAccess = new(MemFile)

func (f *MemFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, io.ErrUnexpectedEOF
	}
	f.rw.RLock()
	defer f.rw.RUnlock()
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt grows the file with zeros when writing past its end.
func (f *MemFile) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, io.ErrUnexpectedEOF
	}
	f.rw.Lock()
	defer f.rw.Unlock()
	if end := off + int64(len(p)); end > int64(len(f.data)) {
		f.grow(end)
	}
	return copy(f.data[off:], p), nil
}

func (f *MemFile) Truncate(size int64) error {
	f.rw.Lock()
	defer f.rw.Unlock()
	if size < int64(len(f.data)) {
		f.data = f.data[:size]
		return nil
	}
	f.grow(size)
	return nil
}

func (f *MemFile) grow(size int64) {
	if size <= int64(cap(f.data)) {
		old := len(f.data)
		f.data = f.data[:size]
		for i := old; i < len(f.data); i++ {
			f.data[i] = 0
		}
		return
	}
	data := make([]byte, size, size+size/4)
	copy(data, f.data)
	f.data = data
}

// Sync is a no-op.
func (f *MemFile) Sync() error { return nil }

// Close keeps the contents, so a test can reopen a store over the same MemFile.
func (f *MemFile) Close() error { return nil }

func (f *MemFile) Size() int64 {
	f.rw.RLock()
	defer f.rw.RUnlock()
	return int64(len(f.data))
}

// Bytes exposes the backing slice; tests use it to damage records.
func (f *MemFile) Bytes() []byte {
	f.rw.RLock()
	defer f.rw.RUnlock()
	return f.data
}
