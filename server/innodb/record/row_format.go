package record

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xrowcache/server/innodb/storage/codec"
	"github.com/zhukovaskychina/xrowcache/util"
)

// 行记录格式 (小端):
//
//	size uint32 | nodeCount uint16 | nodes (balance int8, left, right, parent int64)...
//	| checksum uint64 | payloadLen uint32 | payload
//
// The checksum is an xxhash64 of payloadLen and payload. Node links are not
// covered since they are rewritten in place.
const (
	sizeLen       = 4
	nodeCountLen  = 2
	NodeLen       = 1 + 8*3
	checksumLen   = 8
	payloadLenLen = 4

	MaxIndexes    = 64
	MaxColumns    = 1<<16 - 1
	MaxRecordSize = 1<<31 - 1
)

// ReadStatus classifies the outcome of reading a row.
type ReadStatus int

const (
	ReadOk ReadStatus = iota
	// ReadCorrupt: the bytes were read but do not form a valid row.
	ReadCorrupt
	// ReadFatal: the bytes could not be read at all.
	ReadFatal
)

func (s ReadStatus) String() string {
	switch s {
	case ReadOk:
		return "ok"
	case ReadCorrupt:
		return "corrupt"
	case ReadFatal:
		return "fatal"
	}
	return fmt.Sprintf("ReadStatus(%d)", int(s))
}

var (
	ErrCorruptRow = errors.New("corrupt row")
	ErrFatalRead  = errors.New("unreadable row")
)

// ReadError carries the status of a failed row read.
type ReadError struct {
	Pos    int64
	Status ReadStatus
	Err    error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read row at %d: %s: %v", e.Pos, e.Status, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

func (e *ReadError) Is(target error) bool {
	switch target {
	case ErrCorruptRow:
		return e.Status == ReadCorrupt
	case ErrFatalRead:
		return e.Status == ReadFatal
	}
	return false
}

// NewReadError 创建读取错误
func NewReadError(pos int64, status ReadStatus, err error) *ReadError {
	return &ReadError{Pos: pos, Status: status, Err: err}
}

func corrupt(pos int64, format string, args ...interface{}) (ReadStatus, error) {
	return ReadCorrupt, NewReadError(pos, ReadCorrupt, errors.Errorf(format, args...))
}

func headerLen(nodeCount int) int {
	return sizeLen + nodeCountLen + nodeCount*NodeLen
}

// LinksLen is the number of leading bytes DecodeLinks needs.
func LinksLen(nodeCount int) int {
	return headerLen(nodeCount)
}

func recordSize(nodeCount, payloadLen, scale int) int {
	n := headerLen(nodeCount) + checksumLen + payloadLenLen + payloadLen
	return (n + scale - 1) / scale * scale
}

func encodeColumns(values [][]byte) []byte {
	n := 2
	for _, v := range values {
		n += 4 + len(v)
	}
	buf := make([]byte, 0, n)
	buf = util.WriteUB2(buf, uint16(len(values)))
	for _, v := range values {
		buf = util.WriteWithUB4Length(buf, v)
	}
	return buf
}

func decodeColumns(data []byte) ([][]byte, error) {
	r := util.NewBufferReader(data)
	count := int(r.UB2())
	values := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		v := r.BytesWithUB4Length()
		if r.Err() != nil {
			return nil, errors.Wrapf(r.Err(), "column %d", i)
		}
		value := make([]byte, len(v))
		copy(value, v)
		values = append(values, value)
	}
	if r.Err() != nil {
		return nil, r.Err()
	}
	if r.Cursor() != len(data) {
		return nil, errors.Errorf("%d trailing bytes after columns", len(data)-r.Cursor())
	}
	return values, nil
}

// Encode serializes the row, padded to its storage size.
func (r *Row) Encode() []byte {
	buf := make([]byte, 0, r.storageSize)
	buf = util.WriteUB4(buf, uint32(r.storageSize))
	buf = util.WriteUB2(buf, uint16(len(r.Nodes)))
	buf = appendNodes(buf, r.Nodes)

	sumAt := len(buf)
	buf = util.WriteUB8(buf, 0)
	buf = util.WriteWithUB4Length(buf, r.payload)
	util.PutUB8(buf, sumAt, util.HashCode(buf[sumAt+checksumLen:]))

	return append(buf, make([]byte, r.storageSize-len(buf))...)
}

// EncodeLinks serializes only the size and nodes; writing it over a stored
// record updates the links in place.
func (r *Row) EncodeLinks() []byte {
	buf := make([]byte, 0, headerLen(len(r.Nodes)))
	buf = util.WriteUB4(buf, uint32(r.storageSize))
	buf = util.WriteUB2(buf, uint16(len(r.Nodes)))
	return appendNodes(buf, r.Nodes)
}

func appendNodes(buf []byte, nodes []Node) []byte {
	for _, n := range nodes {
		buf = util.WriteByte(buf, byte(n.Balance))
		buf = util.WriteUB8(buf, uint64(n.Left))
		buf = util.WriteUB8(buf, uint64(n.Right))
		buf = util.WriteUB8(buf, uint64(n.Parent))
	}
	return buf
}

// decodeHeader reads the size and nodes, checking them against data.
func decodeHeader(data []byte, pos int64) (int, []Node, ReadStatus, error) {
	r := util.NewBufferReader(data)
	size := int(r.UB4())
	count := int(r.UB2())
	if r.Err() != nil {
		status, err := corrupt(pos, "short record header of %d bytes", len(data))
		return 0, nil, status, err
	}
	if count == 0 || count > MaxIndexes {
		status, err := corrupt(pos, "node count %d", count)
		return 0, nil, status, err
	}
	if size < headerLen(count) {
		status, err := corrupt(pos, "size %d too small for %d nodes", size, count)
		return 0, nil, status, err
	}
	nodes := make([]Node, count)
	for i := range nodes {
		nodes[i] = Node{
			Balance: int8(r.Byte()),
			Left:    int64(r.UB8()),
			Right:   int64(r.UB8()),
			Parent:  int64(r.UB8()),
		}
	}
	if r.Err() != nil {
		status, err := corrupt(pos, "truncated nodes")
		return 0, nil, status, err
	}
	return size, nodes, ReadOk, nil
}

// Decode parses a record read at pos. A malformed record or a checksum
// mismatch is ReadCorrupt; the caller reports I/O failures as ReadFatal.
func Decode(data []byte, pos int64, c codec.Codec) (*Row, ReadStatus, error) {
	size, nodes, status, err := decodeHeader(data, pos)
	if err != nil {
		return nil, status, err
	}
	if size != len(data) {
		status, err := corrupt(pos, "size %d but %d bytes read", size, len(data))
		return nil, status, err
	}

	sumAt := headerLen(len(nodes))
	r := util.NewBufferReader(data[sumAt:])
	sum := r.UB8()
	payloadLen := r.UB4()
	if r.Err() != nil || uint64(payloadLen) > uint64(len(data)-sumAt-checksumLen-payloadLenLen) {
		status, err := corrupt(pos, "payload length %d", payloadLen)
		return nil, status, err
	}
	end := sumAt + checksumLen + payloadLenLen + int(payloadLen)
	if util.HashCode(data[sumAt+checksumLen:end]) != sum {
		status, err := corrupt(pos, "checksum mismatch")
		return nil, status, err
	}

	payload := append([]byte(nil), data[end-int(payloadLen):end]...)
	plain, err := c.Decode(payload)
	if err != nil {
		status, err := corrupt(pos, "decode payload: %v", err)
		return nil, status, err
	}
	values, err := decodeColumns(plain)
	if err != nil {
		status, err := corrupt(pos, "columns: %v", err)
		return nil, status, err
	}
	return &Row{
		pos:         pos,
		storageSize: size,
		payload:     payload,
		Nodes:       nodes,
		Values:      values,
	}, ReadOk, nil
}

// DecodeLinks is the tolerant read: only the size and nodes are parsed, the
// checksum and payload are ignored.
func DecodeLinks(data []byte, pos int64) (int, []Node, ReadStatus, error) {
	return decodeHeader(data, pos)
}
