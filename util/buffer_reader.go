package util

import "errors"

// ErrShortBuffer is returned by the checked readers when the cursor runs past the buffer.
var ErrShortBuffer = errors.New("buffer too short")

func ReadBytes(buff []byte, cursor int, offset int) (int, []byte) {
	if offset <= 0 {
		return cursor, nil
	}
	return cursor + offset, buff[cursor : cursor+offset]
}

func ReadByte(buff []byte, cursor int) (int, byte) {
	return cursor + 1, buff[cursor]
}

func ReadUB2(buff []byte, cursor int) (int, uint16) {
	i := uint16(buff[cursor])
	i |= uint16(buff[cursor+1]) << 8
	return cursor + 2, i
}

func ReadUB4(buff []byte, cursor int) (int, uint32) {
	i := uint32(buff[cursor])
	i |= uint32(buff[cursor+1]) << 8
	i |= uint32(buff[cursor+2]) << 16
	i |= uint32(buff[cursor+3]) << 24
	return cursor + 4, i
}

func ReadUB8(buff []byte, cursor int) (int, uint64) {
	var i uint64
	for n := 0; n < 8; n++ {
		i |= uint64(buff[cursor+n]) << (8 * n)
	}
	return cursor + 8, i
}

// BufferReader wraps the cursor readers with bounds checks so that damaged
// input yields ErrShortBuffer instead of a panic.
type BufferReader struct {
	buf    []byte
	cursor int
	err    error
}

func NewBufferReader(buf []byte) *BufferReader {
	return &BufferReader{buf: buf}
}

func (r *BufferReader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || r.cursor+n > len(r.buf) {
		r.err = ErrShortBuffer
		return false
	}
	return true
}

func (r *BufferReader) Byte() byte {
	if !r.need(1) {
		return 0
	}
	var b byte
	r.cursor, b = ReadByte(r.buf, r.cursor)
	return b
}

func (r *BufferReader) UB2() uint16 {
	if !r.need(2) {
		return 0
	}
	var v uint16
	r.cursor, v = ReadUB2(r.buf, r.cursor)
	return v
}

func (r *BufferReader) UB4() uint32 {
	if !r.need(4) {
		return 0
	}
	var v uint32
	r.cursor, v = ReadUB4(r.buf, r.cursor)
	return v
}

func (r *BufferReader) UB8() uint64 {
	if !r.need(8) {
		return 0
	}
	var v uint64
	r.cursor, v = ReadUB8(r.buf, r.cursor)
	return v
}

func (r *BufferReader) Bytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	var b []byte
	r.cursor, b = ReadBytes(r.buf, r.cursor, n)
	return b
}

// BytesWithUB4Length reads a four byte length followed by that many bytes.
func (r *BufferReader) BytesWithUB4Length() []byte {
	n := r.UB4()
	if r.err != nil {
		return nil
	}
	if uint64(n) > uint64(len(r.buf)-r.cursor) {
		r.err = ErrShortBuffer
		return nil
	}
	return r.Bytes(int(n))
}

func (r *BufferReader) Cursor() int { return r.cursor }

func (r *BufferReader) Err() error { return r.err }
