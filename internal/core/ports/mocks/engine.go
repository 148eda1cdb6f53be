package mocks

import (
	"bytes"
)

// MockEngine is a ports.Engine whose behaviour is set per test. The
// defaults pass data through unchanged.
type MockEngine struct {
	GenerateKeyFunc  func() ([]byte, error)
	GenerateIVFunc   func() ([]byte, error)
	EncryptChunkFunc func(chunk []byte, key []byte, iv []byte) ([]byte, error)
	DecryptChunkFunc func(encryptedChunk []byte, key []byte, iv []byte) ([]byte, error)
	XORKeyStreamFunc func(dst, src []byte, key []byte, iv []byte, offset uint64) error
}

func NewMockEngine() *MockEngine {
	return &MockEngine{
		GenerateKeyFunc: func() ([]byte, error) {
			return bytes.Repeat([]byte{1}, 32), nil
		},
		GenerateIVFunc: func() ([]byte, error) {
			return bytes.Repeat([]byte{2}, 12), nil
		},
		EncryptChunkFunc: func(chunk []byte, key []byte, iv []byte) ([]byte, error) {
			return append([]byte(nil), chunk...), nil
		},
		DecryptChunkFunc: func(encryptedChunk []byte, key []byte, iv []byte) ([]byte, error) {
			return append([]byte(nil), encryptedChunk...), nil
		},
		XORKeyStreamFunc: func(dst, src []byte, key []byte, iv []byte, offset uint64) error {
			copy(dst, src)
			return nil
		},
	}
}

func (m *MockEngine) GenerateKey() ([]byte, error) {
	return m.GenerateKeyFunc()
}

func (m *MockEngine) GenerateIV() ([]byte, error) {
	return m.GenerateIVFunc()
}

func (m *MockEngine) EncryptChunk(chunk []byte, key []byte, iv []byte) ([]byte, error) {
	return m.EncryptChunkFunc(chunk, key, iv)
}

func (m *MockEngine) DecryptChunk(encryptedChunk []byte, key []byte, iv []byte) ([]byte, error) {
	return m.DecryptChunkFunc(encryptedChunk, key, iv)
}

func (m *MockEngine) XORKeyStream(dst, src []byte, key []byte, iv []byte, offset uint64) error {
	return m.XORKeyStreamFunc(dst, src, key, iv, offset)
}
