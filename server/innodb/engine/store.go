// Package engine ties the row cache, the file space managers and the AVL
// indexes into a single disk-resident table.
package engine

import (
	"bytes"
	"io"

	jerrors "github.com/juju/errors"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xrowcache/logger"
	"github.com/zhukovaskychina/xrowcache/server/conf"
	"github.com/zhukovaskychina/xrowcache/server/innodb/basic"
	"github.com/zhukovaskychina/xrowcache/server/innodb/index"
	"github.com/zhukovaskychina/xrowcache/server/innodb/latch"
	"github.com/zhukovaskychina/xrowcache/server/innodb/record"
	"github.com/zhukovaskychina/xrowcache/server/innodb/row_cache"
	"github.com/zhukovaskychina/xrowcache/server/innodb/storage/codec"
	"github.com/zhukovaskychina/xrowcache/server/innodb/storage/space"
	"github.com/zhukovaskychina/xrowcache/server/innodb/storage/store/blocks"
	"github.com/zhukovaskychina/xrowcache/server/innodb/storage/store/extents"
)

var (
	ErrStoreClosed = errors.New("store is closed")
	ErrRowNotFound = errors.New("row not found")
	ErrNoSuchIndex = errors.New("no such index")
)

const (
	// tableSpaceID 表空间编号, 与块管理器给未知块的默认属主一致
	tableSpaceID   = 0
	reservedBlocks = 1

	DirectorySuffix = ".blk"
)

// Store is one table: rows on disk addressed by position, a bounded cache of
// resident rows and one AVL index per definition.
//
// Get, Find, Scan and the read-only part of Check take the latch shared;
// everything that mutates rows, indexes or free space takes it exclusively.
// Rows handed out by Get, Find and Scan must not be modified by the caller.
type Store struct {
	latch *latch.Latch

	cfg     conf.Cfg
	scale   int
	dirFile blocks.RandomAccess
	data    *blocks.DataFile
	codec   codec.Codec

	cache   *row_cache.ObjectCache
	blocks  *extents.FileBlockManager
	space   *space.TableSpaceManager
	indexes []*index.Index

	rowCount  int64
	dirty     bool // 文件头标记为未干净关闭
	recovered bool
	closed    bool
}

var _ row_cache.ObjectWriter = (*Store)(nil)

// Open opens the data file named by cfg and its block directory sidecar,
// creating both when missing. With nil defs an existing file is opened with
// the index definitions stored in its header.
func Open(cfg *conf.Cfg, defs []record.IndexDef) (*Store, error) {
	file, err := blocks.OpenDataFile(cfg.DataFilePath())
	if err != nil {
		return nil, err
	}
	dirFile, err := blocks.OpenDataFile(cfg.DataFilePath() + DirectorySuffix)
	if err != nil {
		file.Close()
		return nil, err
	}
	s, err := OpenWith(cfg, defs, file, dirFile)
	if err != nil {
		file.Close()
		dirFile.Close()
		return nil, err
	}
	return s, nil
}

// OpenWith opens a store over already opened files.
func OpenWith(cfg *conf.Cfg, defs []record.IndexDef, file, dirFile blocks.RandomAccess) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c, err := codec.New(cfg.Codec)
	if err != nil {
		return nil, err
	}
	data, err := blocks.NewDataFile(file, cfg.Store.Scale)
	if err != nil {
		return nil, err
	}
	s := &Store{
		latch:   latch.NewLatch(cfg.Store.DataFile),
		cfg:     *cfg,
		scale:   cfg.Store.Scale,
		dirFile: dirFile,
		data:    data,
		codec:   c,
	}

	fresh := data.Length() == 0
	var header *fileHeader
	if !fresh {
		if header, err = s.readHeader(); err != nil {
			return nil, err
		}
		if defs == nil {
			defs = header.defs
		} else if !sameDefs(defs, header.defs) {
			return nil, errors.Wrapf(ErrIndexMismatch, "file has %d indexes", len(header.defs))
		}
	}
	if err := validateDefs(defs); err != nil {
		return nil, err
	}

	if s.blocks, err = extents.NewFileBlockManager(data, extents.Config{
		Scale:          cfg.Store.Scale,
		BlockSize:      cfg.Store.FileBlockSize,
		MaxFileSize:    cfg.Store.MaxFileSize,
		ReservedBlocks: reservedBlocks,
	}); err != nil {
		return nil, err
	}
	if s.space, err = space.NewTableSpaceManager(s.blocks, tableSpaceID, &space.SpaceConfig{
		Scale:    cfg.Store.Scale,
		Capacity: cfg.Space.FreeListCapacity,
	}); err != nil {
		return nil, err
	}
	if s.cache, err = row_cache.NewObjectCache(&row_cache.CacheConfig{
		Capacity:      cfg.Cache.Capacity,
		BytesCapacity: cfg.Cache.BytesCapacity,
		Reserve:       cfg.Cache.Reserve,
	}, s); err != nil {
		return nil, err
	}
	s.blocks.OnPooled(s.blockPooled)

	for i, def := range defs {
		root := basic.NoPos
		if header != nil {
			root = header.roots[i]
		}
		s.indexes = append(s.indexes, index.NewIndex(i, def, root))
	}
	if int64(len(s.headerBytes(false))) > cfg.Store.FileBlockSize {
		return nil, errors.Errorf("file block of %d bytes cannot hold the header of %d indexes",
			cfg.Store.FileBlockSize, len(defs))
	}

	switch {
	case fresh:
		if err := s.checkpoint(); err != nil {
			return nil, err
		}
	case header.clean:
		s.rowCount = header.rowCount
		if err := s.loadDirectory(); err != nil {
			return nil, err
		}
	default:
		// 未干净关闭: 块目录可能落后于数据, 已有块的空闲空间不再复用
		s.rowCount = header.rowCount
		s.dirty = true
		s.recovered = true
		logger.Warnf("data file %s was not closed cleanly, free space before this open is not reused; run a check",
			cfg.Store.DataFile)
	}
	logger.Infof("store opened: %d indexes, %d rows, codec %s, file %d bytes",
		len(s.indexes), s.rowCount, s.codec.Name(), s.data.Length())
	return s, nil
}

func validateDefs(defs []record.IndexDef) error {
	if len(defs) == 0 || len(defs) > record.MaxIndexes {
		return errors.Errorf("%d indexes, want 1 to %d", len(defs), record.MaxIndexes)
	}
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) readHeader() (*fileHeader, error) {
	prefix, err := s.data.ReadRaw(0, headerPrefixLen)
	if err != nil {
		return nil, errors.Wrap(ErrBadHeader, err.Error())
	}
	length, err := headerLength(prefix)
	if err != nil {
		return nil, err
	}
	raw, err := s.data.ReadRaw(0, length)
	if err != nil {
		return nil, errors.Wrap(ErrBadHeader, err.Error())
	}
	h, err := decodeHeader(raw)
	if err != nil {
		return nil, err
	}
	if h.scale != s.scale || h.blockSize != s.cfg.Store.FileBlockSize {
		return nil, errors.Wrapf(ErrBadHeader, "scale %d block size %d, configured %d and %d",
			h.scale, h.blockSize, s.scale, s.cfg.Store.FileBlockSize)
	}
	return h, nil
}

func (s *Store) headerBytes(clean bool) []byte {
	h := &fileHeader{
		clean:     clean,
		scale:     s.scale,
		blockSize: s.cfg.Store.FileBlockSize,
		rowCount:  s.rowCount,
	}
	for _, ix := range s.indexes {
		h.defs = append(h.defs, ix.Def())
		h.roots = append(h.roots, ix.Root())
	}
	return h.encode()
}

func (s *Store) writeHeader(clean bool) error {
	return errors.Wrap(s.data.WriteAt(0, s.headerBytes(clean)), "write file header")
}

// markDirty flags the header before the first change after a checkpoint.
func (s *Store) markDirty() error {
	if s.dirty {
		return nil
	}
	if err := s.writeHeader(false); err != nil {
		return err
	}
	if err := s.data.Sync(); err != nil {
		return errors.Wrap(err, "sync file header")
	}
	s.dirty = true
	return nil
}

func (s *Store) loadDirectory() error {
	size := s.dirFile.Size()
	if size == 0 {
		logger.Warnf("block directory of %s is empty, free space is not reused", s.cfg.Store.DataFile)
		return nil
	}
	_, err := s.blocks.ReadFrom(io.NewSectionReader(s.dirFile, 0, size))
	if errors.Is(err, extents.ErrBadDirectory) {
		logger.Warnf("ignoring block directory of %s: %v", s.cfg.Store.DataFile, err)
		return nil
	}
	return errors.Wrap(err, "load block directory")
}

func (s *Store) writeDirectory() error {
	var buf bytes.Buffer
	if _, err := s.blocks.WriteTo(&buf); err != nil {
		return errors.Wrap(err, "encode block directory")
	}
	if err := s.dirFile.Truncate(0); err != nil {
		return errors.Wrap(err, "truncate block directory")
	}
	if _, err := s.dirFile.WriteAt(buf.Bytes(), 0); err != nil {
		return errors.Wrap(err, "write block directory")
	}
	return errors.Wrap(s.dirFile.Sync(), "sync block directory")
}

func (s *Store) index(i int) (*index.Index, error) {
	if i < 0 || i >= len(s.indexes) {
		return nil, errors.Wrapf(ErrNoSuchIndex, "index %d of %d", i, len(s.indexes))
	}
	return s.indexes[i], nil
}

// Insert stores a new row and links it into every index. On failure nothing
// of the row remains.
func (s *Store) Insert(values [][]byte) (int64, error) {
	s.latch.Lock()
	defer s.latch.Unlock()
	if s.closed {
		return basic.NoPos, ErrStoreClosed
	}
	if err := s.markDirty(); err != nil {
		return basic.NoPos, err
	}

	row, err := record.NewRow(values, len(s.indexes), s.codec, s.scale)
	if err != nil {
		return basic.NoPos, err
	}
	pos, err := s.space.GetFilePosition(row.GetStorageSize())
	if err != nil {
		return basic.NoPos, err
	}
	row.SetPos(pos)
	row.KeepInMemory(true)
	defer row.KeepInMemory(false)

	if err := s.cache.Put(row); err != nil {
		s.space.Release(pos, row.GetStorageSize())
		return basic.NoPos, err
	}
	src := s.writer()
	journal := index.NewJournal()
	defer journal.Release()
	for _, ix := range s.indexes {
		if err := ix.InsertLogged(journal, src, row); err != nil {
			s.undoInsert(journal, row)
			return basic.NoPos, err
		}
	}
	s.rowCount++
	logger.Debugf("row inserted at %d, %d bytes", pos, row.GetStorageSize())
	return pos, nil
}

// undoInsert restores the links of every index the row touched, then drops
// the row and frees its space.
func (s *Store) undoInsert(journal *index.Journal, row *record.Row) {
	journal.Rollback()
	logger.Debugf("insert of row %d undone, %d rows restored", row.GetPos(), journal.Rows())
	s.cache.Release(row.GetPos())
	s.space.Release(row.GetPos(), row.GetStorageSize())
}

// Get returns the row at pos, loading and caching it when not resident.
func (s *Store) Get(pos int64) (*record.Row, error) {
	s.latch.RLock()
	if s.closed {
		s.latch.RUnlock()
		return nil, ErrStoreClosed
	}
	if obj := s.cache.Get(pos); obj != nil {
		s.latch.RUnlock()
		return obj.(*record.Row), nil
	}
	s.latch.RUnlock()

	// 未命中: 升级为写锁后加载并放入缓存
	s.latch.Lock()
	defer s.latch.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if obj := s.cache.Get(pos); obj != nil {
		return obj.(*record.Row), nil
	}
	row, err := s.readRow(pos)
	if err != nil {
		if s.isTombstone(pos) {
			return nil, errors.Wrapf(ErrRowNotFound, "row %d was deleted", pos)
		}
		return nil, err
	}
	if row.IsDeleted(0) {
		return nil, errors.Wrapf(ErrRowNotFound, "row %d was deleted", pos)
	}
	if err := s.admit(row); err != nil {
		return nil, err
	}
	return row, nil
}

// Find returns the first row of index i whose columns match key.
func (s *Store) Find(i int, key [][]byte) (*record.Row, error) {
	s.latch.RLock()
	defer s.latch.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	ix, err := s.index(i)
	if err != nil {
		return nil, err
	}
	return ix.Find(s.reader(), key)
}

// Scan visits the rows of index i in order until fn returns false.
func (s *Store) Scan(i int, fn func(row *record.Row) bool) error {
	s.latch.RLock()
	defer s.latch.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	ix, err := s.index(i)
	if err != nil {
		return err
	}
	return ix.Scan(s.reader(), fn)
}

// Delete unlinks the row at pos from every index and frees its space. The
// stored record keeps tombstoned links.
func (s *Store) Delete(pos int64) error {
	s.latch.Lock()
	defer s.latch.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if err := s.markDirty(); err != nil {
		return err
	}

	src := s.writer()
	row, err := src.Row(pos)
	if err != nil {
		if s.isTombstone(pos) {
			return errors.Wrapf(ErrRowNotFound, "row %d was deleted", pos)
		}
		return err
	}
	if row.IsDeleted(0) {
		s.cache.Release(pos)
		return errors.Wrapf(ErrRowNotFound, "row %d was deleted", pos)
	}

	journal := index.NewJournal()
	for i, ix := range s.indexes {
		if err := ix.DeleteLogged(journal, src, row); err != nil {
			journal.Rollback()
			journal.Release()
			if i == 0 && errors.Is(err, index.ErrNotLinked) {
				s.cache.Release(pos)
				return errors.Wrapf(ErrRowNotFound, "no row at %d", pos)
			}
			traced := jerrors.Annotatef(jerrors.Trace(err), "delete row %d in index %s", pos, ix.Def().Name)
			logger.Warnf("delete rolled back:\n%s", jerrors.ErrorStack(traced))
			return err
		}
	}
	journal.Release()
	for i := range row.Nodes {
		row.Nodes[i].Balance = record.TombstoneBalance
	}
	s.cache.Release(pos)
	if err := s.data.WriteAt(pos, row.EncodeLinks()); err != nil {
		return err
	}
	s.space.Release(pos, row.GetStorageSize())
	s.rowCount--
	logger.Debugf("row %d deleted", pos)
	return nil
}

// blockPooled drops whatever the cache still holds inside a block that went
// back to the pool.
func (s *Store) blockPooled(start, limit int64) {
	if n := s.cache.ReleaseBlock(start, limit); n > 0 {
		logger.Warnf("released %d cached rows of pooled block [%d, %d)", n, start, limit)
	}
}

// isTombstone reports whether pos holds the links of a deleted row.
func (s *Store) isTombstone(pos int64) bool {
	if !s.rowPosition(pos) {
		return false
	}
	raw, err := s.data.ReadRaw(pos, record.LinksLen(len(s.indexes)))
	if err != nil {
		return false
	}
	_, nodes, status, _ := record.DecodeLinks(raw, pos)
	return status == record.ReadOk && len(nodes) > 0 && nodes[0].IsDeleted()
}

// SaveObjects writes rows flushed by the cache.
func (s *Store) SaveObjects(objects []basic.CachedObject) error {
	for _, obj := range objects {
		row, ok := obj.(*record.Row)
		if !ok {
			return errors.Errorf("unexpected cached object %T at %d", obj, obj.GetPos())
		}
		if err := s.SaveRow(row); err != nil {
			return err
		}
	}
	return nil
}

// SaveRow writes the whole record of row at its position.
func (s *Store) SaveRow(row *record.Row) error {
	if err := s.data.WriteAt(row.GetPos(), row.Encode()); err != nil {
		return errors.Wrapf(err, "save row %d", row.GetPos())
	}
	row.SetChanged(false)
	return nil
}

// Checkpoint writes every changed row, returns the allocator's free records to
// the block directory and persists the directory and a clean header.
func (s *Store) Checkpoint() error {
	s.latch.Lock()
	defer s.latch.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return s.checkpoint()
}

func (s *Store) checkpoint() error {
	if err := s.cache.SaveAll(); err != nil {
		return err
	}
	if err := s.space.Reset(); err != nil {
		return err
	}
	if err := s.writeDirectory(); err != nil {
		return err
	}
	if err := s.writeHeader(true); err != nil {
		return err
	}
	if err := s.data.Sync(); err != nil {
		return errors.Wrap(err, "sync data file")
	}
	s.dirty = false
	logger.Infof("checkpoint: %d rows, %d resident, file %d bytes", s.rowCount, s.cache.Size(), s.data.Length())
	return nil
}

// Close checkpoints and closes both files. Closing twice is a no-op.
func (s *Store) Close() error {
	s.latch.Lock()
	defer s.latch.Unlock()
	if s.closed {
		return nil
	}
	err := s.checkpoint()
	s.cache.Clear()
	s.closed = true
	if cerr := s.data.Close(); err == nil {
		err = cerr
	}
	if cerr := s.dirFile.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *Store) RowCount() int64 {
	s.latch.RLock()
	defer s.latch.RUnlock()
	return s.rowCount
}

// IndexDefs 返回索引定义
func (s *Store) IndexDefs() []record.IndexDef {
	defs := make([]record.IndexDef, len(s.indexes))
	for i, ix := range s.indexes {
		defs[i] = ix.Def()
	}
	return defs
}

// Recovered reports whether the file was opened after an unclean shutdown.
func (s *Store) Recovered() bool {
	return s.recovered
}

func (s *Store) CacheStats() row_cache.CacheStats {
	return s.cache.Stats().Snapshot()
}

// SpaceStats 表空间与文件块统计
type SpaceStats struct {
	Space      space.SpaceStats
	Blocks     extents.BlockStats
	FileLength int64
}

func (s *Store) SpaceStats() SpaceStats {
	s.latch.RLock()
	defer s.latch.RUnlock()
	return SpaceStats{
		Space:      s.space.Stats(),
		Blocks:     s.blocks.Stats(),
		FileLength: s.data.Length(),
	}
}
