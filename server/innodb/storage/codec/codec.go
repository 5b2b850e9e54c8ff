// Package codec transforms row payloads on their way to and from the data file.
package codec

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xrowcache/server/conf"
)

// Codec must be deterministic for a fixed configuration: the same input always
// encodes to the same bytes.
type Codec interface {
	Encode(plain []byte) ([]byte, error)
	Decode(encoded []byte) ([]byte, error)
	Name() string
}

var ErrCorruptPayload = errors.New("codec: corrupt payload")

type identity struct{}

// Identity passes bytes through unchanged.
var Identity Codec = identity{}

func (identity) Encode(plain []byte) ([]byte, error)   { return plain, nil }
func (identity) Decode(encoded []byte) ([]byte, error) { return encoded, nil }
func (identity) Name() string                          { return "none" }

type chain []Codec

// Chain encodes through codecs left to right and decodes right to left, so
// Chain(Snappy, AES) compresses before it encrypts.
func Chain(codecs ...Codec) Codec {
	var c chain
	for _, codec := range codecs {
		if codec == nil || codec == Identity {
			continue
		}
		c = append(c, codec)
	}
	switch len(c) {
	case 0:
		return Identity
	case 1:
		return c[0]
	}
	return c
}

func (c chain) Encode(plain []byte) ([]byte, error) {
	var err error
	data := plain
	for _, codec := range c {
		if data, err = codec.Encode(data); err != nil {
			return nil, errors.Wrapf(err, "encode %s", codec.Name())
		}
	}
	return data, nil
}

func (c chain) Decode(encoded []byte) ([]byte, error) {
	var err error
	data := encoded
	for i := len(c) - 1; i >= 0; i-- {
		if data, err = c[i].Decode(data); err != nil {
			return nil, errors.Wrapf(err, "decode %s", c[i].Name())
		}
	}
	return data, nil
}

func (c chain) Name() string {
	name := ""
	for i, codec := range c {
		if i > 0 {
			name += "+"
		}
		name += codec.Name()
	}
	return name
}

// New builds the codec described by the [codec] config section.
func New(cfg conf.CodecConfig) (Codec, error) {
	var compress Codec
	switch cfg.Compression {
	case "", "none":
		compress = Identity
	case "snappy":
		compress = Snappy
	case "lz4":
		compress = LZ4
	default:
		return nil, errors.Errorf("unsupported compression %q", cfg.Compression)
	}

	encrypt := Identity
	if cfg.EncryptionKey != "" {
		aes, err := NewAESCodec([]byte(cfg.EncryptionKey))
		if err != nil {
			return nil, err
		}
		encrypt = aes
	}
	return Chain(compress, encrypt), nil
}
