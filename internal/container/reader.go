package container

import (
	"fmt"
	"io"

	"drmcore/internal/core/domain"
	"drmcore/internal/core/ports"
)

const (
	maxIVSize   = 64
	maxOverhead = 64
)

// ErrCorrupt marks a container whose framing disagrees with its trailer.
var ErrCorrupt = fmt.Errorf("%w: corrupt container", domain.ErrIO)

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}

// Sniff reports the header of a sealed container at base without touching
// the rest of the content.
func Sniff(r io.ReaderAt, base int64) (Header, error) {
	h, _, err := readHeader(r, base)
	return h, err
}

// Reader decrypts arbitrary byte ranges of a sealed container. It caches
// the last chunk and is not safe for concurrent use.
type Reader struct {
	r      io.ReaderAt
	engine ports.Engine
	key    []byte

	header    Header
	metadata  Metadata
	dataStart int64
	dataEnd   int64
	stride    int64
	chunks    int64
	ivSize    int64
	overhead  int64

	// last decrypted chunk, reused by sequential reads
	cachedIndex int64
	cached      []byte
}

// NewReader parses a container occupying [base, base+size) of r. A negative
// size means the container runs to the end of r, which must then implement
// Size() int64 or io.Seeker.
func NewReader(r io.ReaderAt, base, size int64, engine ports.Engine, key []byte) (*Reader, error) {
	if size < 0 {
		total, err := sizeOf(r)
		if err != nil {
			return nil, err
		}
		size = total - base
	}

	header, headerLen, err := readHeader(r, base)
	if err != nil {
		return nil, err
	}
	metadata, trailerLen, err := readMetadata(r, base, size)
	if err != nil {
		return nil, corrupt("failed to read metadata: %v", err)
	}
	if err := validateMetadata(metadata); err != nil {
		return nil, corrupt("invalid metadata: %v", err)
	}

	if metadata.ChunkSize != header.ChunkSize {
		return nil, corrupt("chunk size %d in trailer, %d in header", metadata.ChunkSize, header.ChunkSize)
	}
	if err := ValidChunkSize(metadata.ChunkSize); err != nil {
		return nil, corrupt("%v", err)
	}

	c := &Reader{
		r:           r,
		engine:      engine,
		key:         key,
		header:      header,
		metadata:    metadata,
		dataStart:   base + headerLen,
		dataEnd:     base + size - trailerLen,
		cachedIndex: -1,
	}
	if c.dataEnd-c.dataStart != metadata.EncryptedSize {
		return nil, corrupt("encrypted size mismatch: have %d, metadata says %d", c.dataEnd-c.dataStart, metadata.EncryptedSize)
	}
	if metadata.OriginalSize > metadata.EncryptedSize {
		return nil, corrupt("original size %d exceeds encrypted size %d", metadata.OriginalSize, metadata.EncryptedSize)
	}
	chunkSize := int64(metadata.ChunkSize)
	c.chunks = (metadata.OriginalSize + chunkSize - 1) / chunkSize
	if c.chunks == 0 {
		if metadata.EncryptedSize != 0 {
			return nil, corrupt("%d encrypted bytes for empty content", metadata.EncryptedSize)
		}
		return c, nil
	}

	// The first chunk fixes the IV size and the per-chunk cipher overhead;
	// every other chunk and the trailer sizes must agree with them.
	first := make([]byte, chunkHeaderSize)
	if _, err := r.ReadAt(first, c.dataStart); err != nil {
		return nil, fmt.Errorf("failed to read chunk header: %w: %v", domain.ErrIO, err)
	}
	ivSize, encSize := parseChunkHeader(first)
	c.ivSize = int64(ivSize)
	c.overhead = int64(encSize) - c.plainLen(0)
	if c.ivSize == 0 || c.ivSize > maxIVSize {
		return nil, corrupt("chunk iv size %d", ivSize)
	}
	if c.overhead < 0 || c.overhead > maxOverhead {
		return nil, corrupt("chunk 0 holds %d bytes for %d plaintext bytes", encSize, c.plainLen(0))
	}
	c.stride = chunkHeaderSize + c.ivSize + chunkSize + c.overhead
	if want := c.chunks*(chunkHeaderSize+c.ivSize+c.overhead) + metadata.OriginalSize; want != metadata.EncryptedSize {
		return nil, corrupt("original size %d needs %d encrypted bytes, have %d", metadata.OriginalSize, want, metadata.EncryptedSize)
	}
	return c, nil
}

func (c *Reader) Header() Header     { return c.header }
func (c *Reader) Metadata() Metadata { return c.metadata }
func (c *Reader) Size() int64        { return c.metadata.OriginalSize }

// ReadAt fills p with plaintext starting at off. It returns io.EOF when off
// is at or past the end of the plaintext.
func (c *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset: %d", off)
	}
	if off >= c.metadata.OriginalSize {
		return 0, io.EOF
	}

	chunkSize := int64(c.metadata.ChunkSize)
	n := 0
	for n < len(p) && off < c.metadata.OriginalSize {
		index := off / chunkSize
		plain, err := c.chunk(index)
		if err != nil {
			return n, err
		}
		copied := copy(p[n:], plain[off-index*chunkSize:])
		n += copied
		off += int64(copied)
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (c *Reader) chunk(index int64) ([]byte, error) {
	if index == c.cachedIndex {
		return c.cached, nil
	}
	if index >= c.chunks {
		return nil, io.EOF
	}

	pos := c.dataStart + index*c.stride
	header := make([]byte, chunkHeaderSize)
	if _, err := c.r.ReadAt(header, pos); err != nil {
		return nil, fmt.Errorf("failed to read chunk header: %w", err)
	}
	ivSize, encSize := parseChunkHeader(header)
	want := c.plainLen(index)
	if int64(ivSize) != c.ivSize || int64(encSize) != want+c.overhead {
		return nil, corrupt("chunk %d header (%d, %d) does not match layout", index, ivSize, encSize)
	}

	body := make([]byte, int64(ivSize)+int64(encSize))
	if _, err := c.r.ReadAt(body, pos+chunkHeaderSize); err != nil {
		return nil, fmt.Errorf("failed to read chunk %d: %w", index, err)
	}

	plain, err := c.engine.DecryptChunk(body[ivSize:], c.key, body[:ivSize])
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt chunk %d: %w", index, err)
	}
	if int64(len(plain)) != want {
		return nil, corrupt("chunk %d decrypted to %d bytes, want %d", index, len(plain), want)
	}
	c.cachedIndex, c.cached = index, plain
	return plain, nil
}

// plainLen is the plaintext length chunk index must decrypt to.
func (c *Reader) plainLen(index int64) int64 {
	chunkSize := int64(c.metadata.ChunkSize)
	return min(chunkSize, c.metadata.OriginalSize-index*chunkSize)
}

func sizeOf(r io.ReaderAt) (int64, error) {
	switch v := r.(type) {
	case interface{ Size() int64 }:
		return v.Size(), nil
	case io.Seeker:
		return v.Seek(0, io.SeekEnd)
	}
	return 0, fmt.Errorf("cannot determine content size")
}
