// Package container implements the sealed content format: a JSON header,
// a run of AES-GCM sealed chunks, and a JSON metadata trailer.
//
//	"SDC1" | u32 len | header JSON
//	( u32 ivSize | u32 encSize | iv | sealed chunk )*
//	metadata JSON | u32 len
//
// Every chunk except the last carries ChunkSize plaintext bytes, so chunk i
// starts at a fixed stride from the end of the header.
package container

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

const (
	Magic     = "SDC1"
	MimeType  = "application/vnd.drmcore.sealed"
	Extension = ".sdc"

	DefaultChunkSize = 64 * 1024       // 64KB default chunk size
	MinChunkSize     = 1024            // 1KB minimum chunk size
	MaxChunkSize     = 8 * 1024 * 1024 // 8MB maximum chunk size

	chunkHeaderSize = 8
	maxHeaderSize   = 64 * 1024
)

// Header is written before the first chunk.
type Header struct {
	ContentID string    `json:"contentId"`
	MimeType  string    `json:"mimeType"`
	Algorithm string    `json:"algorithm"`
	ChunkSize int       `json:"chunkSize"`
	CreatedAt time.Time `json:"createdAt"`
}

// Metadata is the trailer written after the last chunk.
type Metadata struct {
	Algorithm     string    `json:"algorithm"`
	ChunkSize     int       `json:"chunkSize"`
	OriginalSize  int64     `json:"originalSize"`
	EncryptedSize int64     `json:"encryptedSize"`
	Checksum      string    `json:"checksum"`
	CreatedAt     time.Time `json:"createdAt"`
}

func ValidChunkSize(size int) error {
	if size < MinChunkSize || size > MaxChunkSize {
		return fmt.Errorf("invalid chunk size: must be between %d and %d bytes", MinChunkSize, MaxChunkSize)
	}
	return nil
}

func encodeHeader(h Header) ([]byte, error) {
	headerJSON, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}
	out := make([]byte, 0, len(Magic)+4+len(headerJSON))
	out = append(out, Magic...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(headerJSON)))
	return append(out, headerJSON...), nil
}

// readHeader parses the header at base and returns it with its encoded
// length.
func readHeader(r io.ReaderAt, base int64) (Header, int64, error) {
	var h Header

	prefix := make([]byte, len(Magic)+4)
	if _, err := r.ReadAt(prefix, base); err != nil {
		return h, 0, fmt.Errorf("failed to read header prefix: %w", err)
	}
	if string(prefix[:len(Magic)]) != Magic {
		return h, 0, ErrNotSealed
	}

	size := binary.BigEndian.Uint32(prefix[len(Magic):])
	if size == 0 || size > maxHeaderSize {
		return h, 0, fmt.Errorf("invalid header size: %d", size)
	}

	headerJSON := make([]byte, size)
	if _, err := r.ReadAt(headerJSON, base+int64(len(prefix))); err != nil {
		return h, 0, fmt.Errorf("failed to read header: %w", err)
	}
	if err := json.Unmarshal(headerJSON, &h); err != nil {
		return h, 0, fmt.Errorf("failed to unmarshal header: %w", err)
	}
	return h, int64(len(prefix)) + int64(size), nil
}

func makeChunkHeader(iv, encrypted []byte) []byte {
	header := make([]byte, chunkHeaderSize, chunkHeaderSize+len(iv))
	binary.BigEndian.PutUint32(header[0:4], uint32(len(iv)))
	binary.BigEndian.PutUint32(header[4:8], uint32(len(encrypted)))
	return append(header, iv...)
}

func parseChunkHeader(header []byte) (ivSize, encryptedSize uint32) {
	return binary.BigEndian.Uint32(header[0:4]), binary.BigEndian.Uint32(header[4:8])
}

func encodeMetadata(metadata Metadata) ([]byte, error) {
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	// Size goes last so the trailer can be found from the end.
	return binary.BigEndian.AppendUint32(metadataJSON, uint32(len(metadataJSON))), nil
}

// readMetadata parses the trailer of a container occupying [base, base+size)
// and returns it with the trailer length.
func readMetadata(r io.ReaderAt, base, size int64) (Metadata, int64, error) {
	var metadata Metadata

	if size < 4 {
		return metadata, 0, fmt.Errorf("metadata data too short")
	}
	sizeBytes := make([]byte, 4)
	if _, err := r.ReadAt(sizeBytes, base+size-4); err != nil {
		return metadata, 0, fmt.Errorf("failed to read metadata size: %w", err)
	}

	metadataSize := int64(binary.BigEndian.Uint32(sizeBytes))
	if metadataSize == 0 || metadataSize > size-4 {
		return metadata, 0, fmt.Errorf("invalid metadata size")
	}

	metadataJSON := make([]byte, metadataSize)
	if _, err := r.ReadAt(metadataJSON, base+size-4-metadataSize); err != nil {
		return metadata, 0, fmt.Errorf("failed to read metadata: %w", err)
	}
	if err := json.Unmarshal(metadataJSON, &metadata); err != nil {
		return metadata, 0, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return metadata, metadataSize + 4, nil
}

func validateMetadata(metadata Metadata) error {
	if metadata.Algorithm == "" {
		return fmt.Errorf("missing algorithm in metadata")
	}
	if metadata.ChunkSize <= 0 {
		return fmt.Errorf("invalid chunk size in metadata: %d", metadata.ChunkSize)
	}
	if metadata.OriginalSize < 0 {
		return fmt.Errorf("invalid original size in metadata: %d", metadata.OriginalSize)
	}
	if metadata.EncryptedSize < 0 {
		return fmt.Errorf("invalid encrypted size in metadata: %d", metadata.EncryptedSize)
	}
	if metadata.Checksum == "" {
		return fmt.Errorf("missing checksum in metadata")
	}
	if metadata.CreatedAt.IsZero() {
		return fmt.Errorf("missing creation time in metadata")
	}
	return nil
}
