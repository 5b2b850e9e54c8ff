/*
文件块（FileBlock）是数据文件的空间管理单位

基本属性：
- 大小：固定 BlockSize 字节，是 scale 的整数倍
- 用途：表空间按块向文件申请空间，块内再按单元（unit）分配行
- 所属：每个块归属于某个表空间，或者处于共享空闲池

块目录：
- 每个块记录所属表空间ID和一个空闲单元位图（roaring bitmap，块内偏移）
- 表空间持有的块，位图只记录交还回来的空闲单元
- 所有单元都空闲的块回到共享空闲池
- 块0保留给文件头
*/

package extents

import (
	"fmt"

	"github.com/RoaringBitmap/roaring"
	"github.com/pkg/errors"
)

// 块所属常量
const (
	OwnerFree     = -1 // 共享空闲池
	OwnerReserved = -2 // 文件头等保留块
)

var (
	ErrFileFull     = errors.New("data file is full")
	ErrInvalidBlock = errors.New("invalid file block")
	ErrDoubleFree   = errors.New("units already free")
)

// Interval is a run of units: [Start, Start+Length).
type Interval struct {
	Start  int64
	Length int64
}

func (i Interval) End() int64 {
	return i.Start + i.Length
}

func (i Interval) String() string {
	return fmt.Sprintf("(%d,%d)", i.Start, i.Length)
}

// FileFullError is returned when the data file cannot grow any more.
type FileFullError struct {
	SpaceID     int
	Requested   int64 // 字节
	Length      int64
	MaxFileSize int64
}

func (e *FileFullError) Error() string {
	return fmt.Sprintf("data file is full: space %d requested %d bytes, length %d, max %d",
		e.SpaceID, e.Requested, e.Length, e.MaxFileSize)
}

func (e *FileFullError) Unwrap() error {
	return ErrFileFull
}

// IsFileFull 检查是否为文件已满错误
func IsFileFull(err error) bool {
	return errors.Is(err, ErrFileFull)
}

// fileBlock 块目录条目
type fileBlock struct {
	owner int
	free  *roaring.Bitmap // 块内空闲单元偏移
}

func newFileBlock(owner int) *fileBlock {
	return &fileBlock{owner: owner, free: roaring.New()}
}

func (b *fileBlock) freeUnits() int64 {
	return int64(b.free.GetCardinality())
}

// intervals returns the free runs of the block, shifted by base.
func (b *fileBlock) intervals(base int64) []Interval {
	var out []Interval
	it := b.free.Iterator()
	for it.HasNext() {
		v := int64(it.Next())
		if n := len(out); n > 0 && out[n-1].End() == base+v {
			out[n-1].Length++
			continue
		}
		out = append(out, Interval{Start: base + v, Length: 1})
	}
	return out
}
