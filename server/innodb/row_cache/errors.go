package row_cache

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// 缓存错误
	ErrCacheFull     = errors.New("row cache is full")
	ErrInvalidConfig = errors.New("invalid row cache configuration")
	ErrNilObject     = errors.New("cannot cache nil object")

	// 刷新错误
	ErrFlushFailed = errors.New("failed to flush dirty rows")
)

// CacheFullError reports which budget refused an admission.
type CacheFullError struct {
	Limit         string // "rows" 或 "bytes"
	Rows          int
	Capacity      int
	Bytes         int64
	BytesCapacity int64
	ObjectSize    int
}

func (e *CacheFullError) Error() string {
	return fmt.Sprintf("row cache is full (%s limit): rows %d/%d, bytes %d/%d, object size %d",
		e.Limit, e.Rows, e.Capacity, e.Bytes, e.BytesCapacity, e.ObjectSize)
}

func (e *CacheFullError) Unwrap() error {
	return ErrCacheFull
}

// FlushError wraps the writer's failure; errors.Is(err, ErrFlushFailed) holds.
type FlushError struct {
	Rows int
	Err  error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("failed to flush %d dirty rows: %v", e.Rows, e.Err)
}

func (e *FlushError) Unwrap() error {
	return e.Err
}

func (e *FlushError) Is(target error) bool {
	return target == ErrFlushFailed
}

// CacheError 缓存操作错误
type CacheError struct {
	Op  string // 操作名称
	Err error  // 原始错误
}

func (e *CacheError) Error() string {
	if e.Err == nil {
		return "<nil>"
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *CacheError) Unwrap() error {
	return e.Err
}

// NewError 创建新的缓存错误
func NewError(op string, err error) error {
	return &CacheError{
		Op:  op,
		Err: err,
	}
}

// IsCacheFull 检查是否为缓存已满错误
func IsCacheFull(err error) bool {
	return errors.Is(err, ErrCacheFull)
}

// IsFlushFailed 检查是否为刷新失败
func IsFlushFailed(err error) bool {
	return errors.Is(err, ErrFlushFailed)
}
