// drmcore/internal/pkg/crypto/aes/aes.go
package aes

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	GCMNonceSize = 12 // GCM standard nonce size
	GCMTagSize   = 16
	CTRIVSize    = aes.BlockSize
)

// Engine seals container chunks with AES-GCM and decrypts unit streams
// with AES-CTR.
type Engine struct {
	keySize int
	rand    io.Reader
}

func NewEngine(keySize int) *Engine {
	return &Engine{
		keySize: keySize,
		rand:    rand.Reader,
	}
}

func (e *Engine) KeySize() int { return e.keySize }

func (e *Engine) GenerateKey() ([]byte, error) {
	key := make([]byte, e.keySize)
	if _, err := io.ReadFull(e.rand, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

func (e *Engine) GenerateIV() ([]byte, error) {
	iv := make([]byte, GCMNonceSize)
	if _, err := io.ReadFull(e.rand, iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}
	return iv, nil
}

func (e *Engine) EncryptChunk(chunk []byte, key []byte, iv []byte) ([]byte, error) {
	gcm, err := e.gcm(key, iv)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, iv, chunk, nil), nil
}

func (e *Engine) DecryptChunk(encryptedChunk []byte, key []byte, iv []byte) ([]byte, error) {
	gcm, err := e.gcm(key, iv)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, iv, encryptedChunk, nil)
}

// XORKeyStream writes src XOR keystream into dst, where the keystream is
// AES-CTR over iv advanced by offset bytes. Encryption and decryption are
// the same operation.
func (e *Engine) XORKeyStream(dst, src []byte, key []byte, iv []byte, offset uint64) error {
	if len(key) != e.keySize {
		return fmt.Errorf("invalid key size: expected %d, got %d", e.keySize, len(key))
	}
	if len(iv) != CTRIVSize {
		return fmt.Errorf("invalid IV size: expected %d, got %d", CTRIVSize, len(iv))
	}
	if len(dst) < len(src) {
		return fmt.Errorf("output buffer too small: %d < %d", len(dst), len(src))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}

	stream := cipher.NewCTR(block, advanceCounter(iv, offset/aes.BlockSize))
	if skip := offset % aes.BlockSize; skip > 0 {
		var scratch [aes.BlockSize]byte
		stream.XORKeyStream(scratch[:skip], scratch[:skip])
	}
	stream.XORKeyStream(dst[:len(src)], src)
	return nil
}

func (e *Engine) gcm(key, iv []byte) (cipher.AEAD, error) {
	if len(key) != e.keySize {
		return nil, fmt.Errorf("invalid key size: expected %d, got %d", e.keySize, len(key))
	}

	if len(iv) != GCMNonceSize {
		return nil, fmt.Errorf("invalid IV size: expected %d, got %d", GCMNonceSize, len(iv))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// advanceCounter treats iv as a big-endian 128-bit counter and adds blocks.
func advanceCounter(iv []byte, blocks uint64) []byte {
	out := make([]byte, CTRIVSize)
	hi := binary.BigEndian.Uint64(iv[:8])
	lo := binary.BigEndian.Uint64(iv[8:])
	sum := lo + blocks
	if sum < lo {
		hi++
	}
	binary.BigEndian.PutUint64(out[:8], hi)
	binary.BigEndian.PutUint64(out[8:], sum)
	return out
}
