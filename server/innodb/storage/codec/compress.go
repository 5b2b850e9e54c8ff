package codec

import (
	"encoding/binary"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

type snappyCodec struct{}

// Snappy compresses payloads with the snappy block format.
var Snappy Codec = snappyCodec{}

func (snappyCodec) Encode(plain []byte) ([]byte, error) {
	return snappy.Encode(nil, plain), nil
}

func (snappyCodec) Decode(encoded []byte) ([]byte, error) {
	plain, err := snappy.Decode(nil, encoded)
	if err != nil {
		return nil, errors.Wrap(ErrCorruptPayload, err.Error())
	}
	return plain, nil
}

func (snappyCodec) Name() string { return "snappy" }

type lz4Codec struct{}

// LZ4 compresses payloads with the lz4 block format; the block is prefixed
// with the uncompressed length, and incompressible input is stored raw.
var LZ4 Codec = lz4Codec{}

const (
	lz4Raw        byte = 0
	lz4Compressed byte = 1
)

func (lz4Codec) Encode(plain []byte) ([]byte, error) {
	out := make([]byte, 5+lz4.CompressBlockBound(len(plain)))
	binary.LittleEndian.PutUint32(out[1:5], uint32(len(plain)))

	var c lz4.Compressor
	n, err := c.CompressBlock(plain, out[5:])
	if err != nil {
		return nil, errors.Wrap(err, "lz4 compress")
	}
	if n == 0 || n >= len(plain) {
		out[0] = lz4Raw
		n = copy(out[5:], plain)
	} else {
		out[0] = lz4Compressed
	}
	return out[:5+n], nil
}

func (lz4Codec) Decode(encoded []byte) ([]byte, error) {
	if len(encoded) < 5 {
		return nil, errors.Wrapf(ErrCorruptPayload, "lz4 block of %d bytes", len(encoded))
	}
	size := binary.LittleEndian.Uint32(encoded[1:5])
	body := encoded[5:]
	switch encoded[0] {
	case lz4Raw:
		if uint32(len(body)) != size {
			return nil, errors.Wrapf(ErrCorruptPayload, "raw lz4 block %d != %d", len(body), size)
		}
		return append([]byte(nil), body...), nil
	case lz4Compressed:
		if size > 1<<30 {
			return nil, errors.Wrapf(ErrCorruptPayload, "lz4 size %d", size)
		}
		plain := make([]byte, size)
		n, err := lz4.UncompressBlock(body, plain)
		if err != nil || uint32(n) != size {
			return nil, errors.Wrapf(ErrCorruptPayload, "lz4 uncompress: %v", err)
		}
		return plain, nil
	}
	return nil, errors.Wrapf(ErrCorruptPayload, "lz4 block kind %d", encoded[0])
}

func (lz4Codec) Name() string { return "lz4" }
