package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"

	"github.com/pkg/errors"
)

var (
	ErrInvalidKey = errors.New("invalid encryption key")
)

// AESCodec encrypts with AES-256-CBC and PKCS#7 padding. Key and IV are both
// derived from the master key, so encoding is deterministic.
type AESCodec struct {
	block cipher.Block
	iv    []byte
}

// NewAESCodec 根据主密钥创建加密编解码器
func NewAESCodec(masterKey []byte) (*AESCodec, error) {
	if len(masterKey) == 0 {
		return nil, ErrInvalidKey
	}
	key := sha256.Sum256(masterKey)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errors.Wrap(err, "create cipher")
	}
	return &AESCodec{
		block: block,
		iv:    deriveIV(key[:]),
	}, nil
}

// deriveIV 由密钥派生固定IV
func deriveIV(key []byte) []byte {
	data := make([]byte, len(key)+2)
	copy(data, key)
	copy(data[len(key):], "iv")
	hash := sha256.Sum256(data)
	return hash[:aes.BlockSize]
}

func (c *AESCodec) Encode(plain []byte) ([]byte, error) {
	padding := aes.BlockSize - len(plain)%aes.BlockSize
	padded := make([]byte, len(plain)+padding)
	copy(padded, plain)
	for i := len(plain); i < len(padded); i++ {
		padded[i] = byte(padding)
	}

	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(out, padded)
	return out, nil
}

func (c *AESCodec) Decode(encoded []byte) ([]byte, error) {
	if len(encoded) == 0 || len(encoded)%aes.BlockSize != 0 {
		return nil, errors.Wrapf(ErrCorruptPayload, "ciphertext length %d", len(encoded))
	}
	plain := make([]byte, len(encoded))
	cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(plain, encoded)

	padding := int(plain[len(plain)-1])
	if padding == 0 || padding > aes.BlockSize {
		return nil, errors.Wrapf(ErrCorruptPayload, "bad padding %d", padding)
	}
	for _, b := range plain[len(plain)-padding:] {
		if int(b) != padding {
			return nil, errors.Wrap(ErrCorruptPayload, "bad padding")
		}
	}
	return plain[:len(plain)-padding], nil
}

func (c *AESCodec) Name() string { return "aes" }
