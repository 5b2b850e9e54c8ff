package util

import (
	"testing"

	"github.com/smartystreets/assertions"
)

func so(t *testing.T, actual interface{}, assert func(interface{}, ...interface{}) string, expected ...interface{}) {
	t.Helper()
	if ok, msg := assertions.So(actual, assert, expected...); !ok {
		t.Error(msg)
	}
}

func TestBufferRoundTrip(t *testing.T) {
	var buf []byte
	buf = WriteByte(buf, 0xFE)
	buf = WriteUB2(buf, 0x1234)
	buf = WriteUB4(buf, 0xDEADBEEF)
	buf = WriteUB8(buf, 0x0102030405060708)
	buf = WriteWithUB4Length(buf, []byte("row"))

	r := NewBufferReader(buf)
	so(t, r.Byte(), assertions.ShouldEqual, byte(0xFE))
	so(t, r.UB2(), assertions.ShouldEqual, uint16(0x1234))
	so(t, r.UB4(), assertions.ShouldEqual, uint32(0xDEADBEEF))
	so(t, r.UB8(), assertions.ShouldEqual, uint64(0x0102030405060708))
	so(t, string(r.BytesWithUB4Length()), assertions.ShouldEqual, "row")
	so(t, r.Err(), assertions.ShouldBeNil)
	so(t, r.Cursor(), assertions.ShouldEqual, len(buf))
}

func TestBufferReaderShort(t *testing.T) {
	r := NewBufferReader([]byte{1, 2, 3})
	r.UB4()
	so(t, r.Err(), assertions.ShouldEqual, ErrShortBuffer)

	// a length prefix larger than the remaining bytes
	buf := WriteUB4(nil, 1000)
	r = NewBufferReader(append(buf, 'x'))
	so(t, r.BytesWithUB4Length(), assertions.ShouldBeNil)
	so(t, r.Err(), assertions.ShouldEqual, ErrShortBuffer)
}

func TestPutOverwrites(t *testing.T) {
	buf := make([]byte, 12)
	PutUB4(buf, 0, 7)
	PutUB8(buf, 4, 9)
	_, v4 := ReadUB4(buf, 0)
	_, v8 := ReadUB8(buf, 4)
	so(t, v4, assertions.ShouldEqual, uint32(7))
	so(t, v8, assertions.ShouldEqual, uint64(9))
}

func TestHashPositionStable(t *testing.T) {
	so(t, HashPosition(42), assertions.ShouldEqual, HashPosition(42))
	so(t, HashPosition(42), assertions.ShouldNotEqual, HashPosition(43))
	so(t, HashCode([]byte("788788")), assertions.ShouldEqual, HashCode([]byte("788788")))
}
