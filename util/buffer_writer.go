package util

func WriteByte(buf []byte, b byte) []byte {
	return append(buf, b)
}

func WriteBytes(buf []byte, from []byte) []byte {
	return append(buf, from...)
}

func WriteUB2(buf []byte, i uint16) []byte {
	return append(buf, byte(i), byte(i>>8))
}

func WriteUB4(buf []byte, i uint32) []byte {
	return append(buf, byte(i), byte(i>>8), byte(i>>16), byte(i>>24))
}

func WriteUB8(buf []byte, i uint64) []byte {
	return append(buf,
		byte(i), byte(i>>8), byte(i>>16), byte(i>>24),
		byte(i>>32), byte(i>>40), byte(i>>48), byte(i>>56))
}

// WriteWithUB4Length 写入4字节长度前缀后跟数据
func WriteWithUB4Length(buf []byte, from []byte) []byte {
	buf = WriteUB4(buf, uint32(len(from)))
	return append(buf, from...)
}

// PutUB4 overwrites four bytes at cursor.
func PutUB4(buf []byte, cursor int, i uint32) {
	buf[cursor] = byte(i)
	buf[cursor+1] = byte(i >> 8)
	buf[cursor+2] = byte(i >> 16)
	buf[cursor+3] = byte(i >> 24)
}

// PutUB8 overwrites eight bytes at cursor.
func PutUB8(buf []byte, cursor int, i uint64) {
	for n := 0; n < 8; n++ {
		buf[cursor+n] = byte(i >> (8 * n))
	}
}
