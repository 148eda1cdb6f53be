// drmcore/internal/core/ports/engine.go
package ports

// Engine is the cryptographic transform a backend invokes per call.
type Engine interface {
	GenerateKey() ([]byte, error)
	GenerateIV() ([]byte, error)
	EncryptChunk(chunk []byte, key []byte, iv []byte) ([]byte, error)
	DecryptChunk(encryptedChunk []byte, key []byte, iv []byte) ([]byte, error)
	// XORKeyStream applies the counter-mode keystream starting offset bytes
	// into the stream identified by key and iv.
	XORKeyStream(dst, src []byte, key []byte, iv []byte, offset uint64) error
}
