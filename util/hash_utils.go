package util

import (
	"encoding/binary"

	"github.com/OneOfOne/xxhash"
)

// HashCode 将一个键进行Hash
func HashCode(key []byte) uint64 {
	h := xxhash.New64()
	h.Write(key)
	return h.Sum64()
}

// HashPosition hashes a row position; lock tables shard on it.
func HashPosition(pos int64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(pos))
	return xxhash.Checksum64(buf[:])
}
