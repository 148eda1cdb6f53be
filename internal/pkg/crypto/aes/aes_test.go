// drmcore/internal/pkg/crypto/aes/aes_test.go
package aes

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
)

type mockErrorReader struct{}

func (m mockErrorReader) Read(p []byte) (n int, err error) {
	return 0, fmt.Errorf("mock random reader error")
}

func TestEngine_ChunkRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		inputData []byte
		keySize   int
	}{
		{
			name:      "Basic encryption/decryption",
			inputData: []byte("Hello, this is a test message!"),
			keySize:   32,
		},
		{
			name:      "Empty data",
			inputData: []byte(""),
			keySize:   32,
		},
		{
			name:      "Large data",
			inputData: bytes.Repeat([]byte("Large data test "), 1000),
			keySize:   16,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(tt.keySize)

			key, err := e.GenerateKey()
			if err != nil {
				t.Fatalf("Failed to generate key: %v", err)
			}
			iv, err := e.GenerateIV()
			if err != nil {
				t.Fatalf("Failed to generate IV: %v", err)
			}

			encrypted, err := e.EncryptChunk(tt.inputData, key, iv)
			if err != nil {
				t.Fatalf("Encryption error = %v", err)
			}
			if len(encrypted) != len(tt.inputData)+GCMTagSize {
				t.Errorf("sealed size = %d, want %d", len(encrypted), len(tt.inputData)+GCMTagSize)
			}

			decrypted, err := e.DecryptChunk(encrypted, key, iv)
			if err != nil {
				t.Fatalf("Decryption failed: %v", err)
			}
			if !bytes.Equal(tt.inputData, decrypted) {
				t.Errorf("Decrypted data doesn't match original data")
			}
		})
	}
}

func TestEngine_ChunkInvalid(t *testing.T) {
	e := NewEngine(32)
	data := []byte("Test data")
	key, _ := e.GenerateKey()
	iv, _ := e.GenerateIV()

	t.Run("Invalid key size", func(t *testing.T) {
		_, err := e.EncryptChunk(data, make([]byte, 31), iv)
		if err == nil || !strings.Contains(err.Error(), "invalid key size") {
			t.Errorf("Expected invalid key size error, got: %v", err)
		}
	})

	for _, size := range []int{0, 11, 13, 16} {
		t.Run(fmt.Sprintf("Invalid IV size %d", size), func(t *testing.T) {
			_, err := e.EncryptChunk(data, key, make([]byte, size))
			if err == nil || err.Error() != fmt.Sprintf("invalid IV size: expected %d, got %d", GCMNonceSize, size) {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}

	t.Run("Tampered tag", func(t *testing.T) {
		encrypted, _ := e.EncryptChunk(data, key, iv)
		encrypted[len(encrypted)-1] ^= 0xff
		if _, err := e.DecryptChunk(encrypted, key, iv); err == nil {
			t.Error("Expected authentication error, got nil")
		}
	})

	t.Run("Wrong key", func(t *testing.T) {
		encrypted, _ := e.EncryptChunk(data, key, iv)
		wrongKey, _ := e.GenerateKey()
		if _, err := e.DecryptChunk(encrypted, wrongKey, iv); err == nil {
			t.Error("Expected error when decrypting with wrong key")
		}
	})
}

func TestEngine_RandomErrors(t *testing.T) {
	e := NewEngine(32)
	e.rand = mockErrorReader{}

	if _, err := e.GenerateKey(); err == nil || !strings.Contains(err.Error(), "failed to generate key") {
		t.Errorf("Expected 'failed to generate key' error, got: %v", err)
	}
	if _, err := e.GenerateIV(); err == nil || !strings.Contains(err.Error(), "failed to generate IV") {
		t.Errorf("Expected 'failed to generate IV' error, got: %v", err)
	}
}

func TestEngine_XORKeyStream(t *testing.T) {
	e := NewEngine(32)
	key, _ := e.GenerateKey()
	iv := bytes.Repeat([]byte{0x42}, CTRIVSize)
	plain := bytes.Repeat([]byte("counter mode sample "), 37)

	enc := make([]byte, len(plain))
	if err := e.XORKeyStream(enc, plain, key, iv, 0); err != nil {
		t.Fatalf("XORKeyStream() error = %v", err)
	}

	t.Run("Whole stream", func(t *testing.T) {
		dec := make([]byte, len(enc))
		if err := e.XORKeyStream(dec, enc, key, iv, 0); err != nil {
			t.Fatalf("XORKeyStream() error = %v", err)
		}
		if !bytes.Equal(dec, plain) {
			t.Error("Decrypted stream doesn't match original")
		}
	})

	t.Run("Split at unaligned offsets", func(t *testing.T) {
		var dec []byte
		for _, cut := range [][2]int{{0, 7}, {7, 40}, {40, 333}, {333, len(enc)}} {
			part := make([]byte, cut[1]-cut[0])
			if err := e.XORKeyStream(part, enc[cut[0]:cut[1]], key, iv, uint64(cut[0])); err != nil {
				t.Fatalf("XORKeyStream() error = %v", err)
			}
			dec = append(dec, part...)
		}
		if !bytes.Equal(dec, plain) {
			t.Error("Split decryption doesn't match original")
		}
	})

	t.Run("Invalid IV size", func(t *testing.T) {
		err := e.XORKeyStream(make([]byte, 4), []byte("abcd"), key, make([]byte, 12), 0)
		if err == nil || !strings.Contains(err.Error(), "invalid IV size") {
			t.Errorf("Expected invalid IV size error, got: %v", err)
		}
	})

	t.Run("Short output", func(t *testing.T) {
		if err := e.XORKeyStream(make([]byte, 2), []byte("abcd"), key, iv, 0); err == nil {
			t.Error("Expected error for short output buffer")
		}
	})
}

func TestAdvanceCounter(t *testing.T) {
	iv := append(bytes.Repeat([]byte{0}, 8), bytes.Repeat([]byte{0xff}, 8)...)
	got := advanceCounter(iv, 1)
	want := append(append(bytes.Repeat([]byte{0}, 7), 1), bytes.Repeat([]byte{0}, 8)...)
	if !bytes.Equal(got, want) {
		t.Errorf("advanceCounter() = %x, want %x", got, want)
	}
	if !bytes.Equal(iv[8:], bytes.Repeat([]byte{0xff}, 8)) {
		t.Error("advanceCounter() modified its input")
	}
}
