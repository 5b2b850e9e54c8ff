package blocks

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// RandomAccess is the byte-addressed storage under a data file.
type RandomAccess interface {
	io.ReaderAt
	io.WriterAt
	Truncate(size int64) error
	Sync() error
	Close() error
	Size() int64
}

// BlockFile is an os.File opened for random access.
type BlockFile struct {
	mu       sync.RWMutex
	file     *os.File
	filePath string
	size     int64
}

var _ RandomAccess = (*BlockFile)(nil)

// OpenDataFile opens or creates the file at path, creating its directory.
func OpenDataFile(path string) (*BlockFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrapf(err, "create dir for %s", path)
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errors.Wrapf(err, "stat %s", path)
	}
	return &BlockFile{
		file:     file,
		filePath: path,
		size:     stat.Size(),
	}, nil
}

func (bf *BlockFile) ReadAt(p []byte, off int64) (int, error) {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	if bf.file == nil {
		return 0, os.ErrClosed
	}
	return bf.file.ReadAt(p, off)
}

func (bf *BlockFile) WriteAt(p []byte, off int64) (int, error) {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	if bf.file == nil {
		return 0, os.ErrClosed
	}
	n, err := bf.file.WriteAt(p, off)
	if end := off + int64(n); end > bf.size {
		bf.size = end
	}
	return n, err
}

func (bf *BlockFile) Truncate(size int64) error {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	if bf.file == nil {
		return os.ErrClosed
	}
	if err := bf.file.Truncate(size); err != nil {
		return err
	}
	bf.size = size
	return nil
}

func (bf *BlockFile) Sync() error {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	if bf.file == nil {
		return nil
	}
	return bf.file.Sync()
}

func (bf *BlockFile) Close() error {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	if bf.file == nil {
		return nil
	}
	err := bf.file.Close()
	bf.file = nil
	return err
}

func (bf *BlockFile) Size() int64 {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	return bf.size
}

func (bf *BlockFile) Path() string {
	return bf.filePath
}
