package sm

import (
	"crypto/cipher"
	"crypto/des"
	"errors"
	"fmt"
)

// BLOCK CIPHER PRIMITIVES (ICAO 9303-11, section 9.8 for 3DES):
//
// - Encryption: two-key Triple DES (K1 || K2 || K1) in CBC mode, zero IV.
// - Padding: ISO/IEC 9797-1 method 2, a mandatory 0x80 followed by zeros up
//   to the 8-byte block boundary.
// - MAC: ISO/IEC 9797-1 MAC algorithm 3 ("retail MAC") with single DES.
//   The input is CBC-chained under K1, the last block is then decrypted with
//   K2 and encrypted again with K1. The full 8-byte result is used.

// BlockSize is the DES block size in bytes.
const BlockSize = des.BlockSize

// KeySize is the size of a two-key 3DES key.
const KeySize = 16

var errBadPadding = errors.New("bad padding")

// Pad applies ISO/IEC 9797-1 padding method 2.
func Pad(data []byte) []byte {
	padLen := BlockSize - len(data)%BlockSize
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	out[len(data)] = 0x80
	return out
}

// Unpad removes ISO/IEC 9797-1 padding method 2.
func Unpad(data []byte) ([]byte, error) {
	idx := len(data) - 1
	for idx >= 0 && data[idx] == 0x00 {
		idx--
	}
	if idx < 0 || data[idx] != 0x80 || len(data)-idx > BlockSize {
		return nil, errBadPadding
	}
	return data[:idx], nil
}

func tripleDES(key []byte) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("3DES key must be %d bytes, got %d", KeySize, len(key))
	}
	k := make([]byte, 0, 24)
	k = append(k, key...)
	k = append(k, key[:8]...)
	return des.NewTripleDESCipher(k)
}

// EncryptCBC encrypts block-aligned data with two-key 3DES in CBC mode and a zero IV.
func EncryptCBC(key, data []byte) ([]byte, error) {
	if len(data)%BlockSize != 0 {
		return nil, fmt.Errorf("CBC encrypt: data not block aligned")
	}
	block, err := tripleDES(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, make([]byte, BlockSize)).CryptBlocks(out, data)
	return out, nil
}

// DecryptCBC decrypts block-aligned data with two-key 3DES in CBC mode and a zero IV.
func DecryptCBC(key, data []byte) ([]byte, error) {
	if len(data)%BlockSize != 0 {
		return nil, fmt.Errorf("CBC decrypt: data not block aligned")
	}
	block, err := tripleDES(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, make([]byte, BlockSize)).CryptBlocks(out, data)
	return out, nil
}

// MAC computes the ISO/IEC 9797-1 algorithm 3 MAC over already padded data.
func MAC(key, data []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("MAC key must be %d bytes, got %d", KeySize, len(key))
	}
	if len(data) == 0 || len(data)%BlockSize != 0 {
		return nil, fmt.Errorf("MAC input not block aligned")
	}

	ka, err := des.NewCipher(key[:8])
	if err != nil {
		return nil, err
	}
	kb, err := des.NewCipher(key[8:])
	if err != nil {
		return nil, err
	}

	h := make([]byte, BlockSize)
	for i := 0; i < len(data); i += BlockSize {
		for j := 0; j < BlockSize; j++ {
			h[j] ^= data[i+j]
		}
		ka.Encrypt(h, h)
	}
	kb.Decrypt(h, h)
	ka.Encrypt(h, h)
	return h, nil
}
