package engine

import (
	"bytes"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xrowcache/server/innodb/record"
	"github.com/zhukovaskychina/xrowcache/util"
)

// 文件头 (块 0, 小端):
//
//	magic "XRC1" | version uint16 | length uint32 | clean byte | scale uint32
//	| blockSize uint64 | rowCount uint64 | indexCount uint16
//	| per index: root uint64, unique byte, name (uint16 len), columns (uint16 n, uint16...)
//	| checksum uint64
//
// length covers the whole header, checksum included.
const (
	headerMagic     = "XRC1"
	headerVersion   = 1
	headerPrefixLen = 4 + 2 + 4
)

var (
	ErrBadHeader     = errors.New("corrupt file header")
	ErrIndexMismatch = errors.New("index definitions do not match the data file")
)

type fileHeader struct {
	clean     bool
	scale     int
	blockSize int64
	rowCount  int64
	defs      []record.IndexDef
	roots     []int64
}

func (h *fileHeader) encode() []byte {
	buf := make([]byte, 0, 64+len(h.defs)*32)
	buf = util.WriteBytes(buf, []byte(headerMagic))
	buf = util.WriteUB2(buf, headerVersion)
	buf = util.WriteUB4(buf, 0)
	clean := byte(0)
	if h.clean {
		clean = 1
	}
	buf = util.WriteByte(buf, clean)
	buf = util.WriteUB4(buf, uint32(h.scale))
	buf = util.WriteUB8(buf, uint64(h.blockSize))
	buf = util.WriteUB8(buf, uint64(h.rowCount))
	buf = util.WriteUB2(buf, uint16(len(h.defs)))
	for i, def := range h.defs {
		buf = util.WriteUB8(buf, uint64(h.roots[i]))
		unique := byte(0)
		if def.Unique {
			unique = 1
		}
		buf = util.WriteByte(buf, unique)
		buf = util.WriteUB2(buf, uint16(len(def.Name)))
		buf = util.WriteBytes(buf, []byte(def.Name))
		buf = util.WriteUB2(buf, uint16(len(def.Columns)))
		for _, col := range def.Columns {
			buf = util.WriteUB2(buf, uint16(col))
		}
	}
	util.PutUB4(buf, len(headerMagic)+2, uint32(len(buf)+8))
	return util.WriteUB8(buf, util.HashCode(buf))
}

// headerLength reads the total length from the fixed prefix.
func headerLength(prefix []byte) (int, error) {
	if len(prefix) < headerPrefixLen || !bytes.Equal(prefix[:len(headerMagic)], []byte(headerMagic)) {
		return 0, errors.Wrap(ErrBadHeader, "no header magic")
	}
	_, length := util.ReadUB4(prefix, len(headerMagic)+2)
	if int(length) < headerPrefixLen+8 {
		return 0, errors.Wrapf(ErrBadHeader, "length %d", length)
	}
	return int(length), nil
}

func decodeHeader(data []byte) (*fileHeader, error) {
	if len(data) < headerPrefixLen+8 {
		return nil, errors.Wrap(ErrBadHeader, "too short")
	}
	body := data[:len(data)-8]
	if sum := util.NewBufferReader(data[len(data)-8:]).UB8(); sum != util.HashCode(body) {
		return nil, errors.Wrap(ErrBadHeader, "checksum mismatch")
	}

	r := util.NewBufferReader(body)
	if magic := r.Bytes(len(headerMagic)); !bytes.Equal(magic, []byte(headerMagic)) {
		return nil, errors.Wrapf(ErrBadHeader, "magic %q", magic)
	}
	if version := r.UB2(); version != headerVersion {
		return nil, errors.Wrapf(ErrBadHeader, "version %d", version)
	}
	r.UB4()
	h := &fileHeader{
		clean:     r.Byte() == 1,
		scale:     int(r.UB4()),
		blockSize: int64(r.UB8()),
		rowCount:  int64(r.UB8()),
	}
	count := int(r.UB2())
	if count > record.MaxIndexes {
		return nil, errors.Wrapf(ErrBadHeader, "%d indexes", count)
	}
	for i := 0; i < count && r.Err() == nil; i++ {
		h.roots = append(h.roots, int64(r.UB8()))
		def := record.IndexDef{Unique: r.Byte() == 1}
		def.Name = string(r.Bytes(int(r.UB2())))
		cols := int(r.UB2())
		for c := 0; c < cols && r.Err() == nil; c++ {
			def.Columns = append(def.Columns, int(r.UB2()))
		}
		h.defs = append(h.defs, def)
	}
	if r.Err() != nil {
		return nil, errors.Wrap(ErrBadHeader, r.Err().Error())
	}
	if r.Cursor() != len(body) {
		return nil, errors.Wrapf(ErrBadHeader, "%d trailing bytes", len(body)-r.Cursor())
	}
	return h, nil
}

// sameDefs compares index definitions by their rendered form.
func sameDefs(a, b []record.IndexDef) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].String() != b[i].String() {
			return false
		}
	}
	return true
}
