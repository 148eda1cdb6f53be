package container

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"time"

	"drmcore/internal/core/ports"
)

var (
	ErrNotSealed    = errors.New("container: not a sealed container")
	ErrSealerClosed = errors.New("container: sealer closed")
)

// Sealer converts a plaintext stream into a sealed container incrementally.
// Input may arrive in chunks of any size; output is produced whenever a
// full chunk is buffered. A Sealer is not safe for concurrent use.
type Sealer struct {
	engine ports.Engine
	key    []byte
	header Header

	buf           []byte
	hasher        hash.Hash
	offset        int64
	originalSize  int64
	encryptedSize int64
	started       bool
	closed        bool
}

func NewSealer(engine ports.Engine, key []byte, header Header) (*Sealer, error) {
	if err := ValidChunkSize(header.ChunkSize); err != nil {
		return nil, err
	}
	if header.ContentID == "" {
		return nil, fmt.Errorf("missing content id")
	}
	if header.CreatedAt.IsZero() {
		header.CreatedAt = time.Now().UTC()
	}
	return &Sealer{
		engine: engine,
		key:    key,
		header: header,
		buf:    make([]byte, 0, header.ChunkSize),
		hasher: sha256.New(),
	}, nil
}

// Offset is the number of output bytes produced so far.
func (s *Sealer) Offset() int64 { return s.offset }

func (s *Sealer) Header() Header { return s.header }

// Push buffers p and returns any sealed output it completes. The returned
// offset is where the output belongs in the container.
func (s *Sealer) Push(p []byte) ([]byte, int64, error) {
	if s.closed {
		return nil, 0, ErrSealerClosed
	}
	start := s.offset

	var out []byte
	if !s.started {
		header, err := encodeHeader(s.header)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, header...)
		s.started = true
	}

	s.originalSize += int64(len(p))
	for len(p) > 0 {
		n := copy(s.buf[len(s.buf):cap(s.buf)], p)
		s.buf = s.buf[:len(s.buf)+n]
		p = p[n:]
		if len(s.buf) == cap(s.buf) {
			sealed, err := s.seal(s.buf)
			if err != nil {
				return nil, 0, err
			}
			out = append(out, sealed...)
			s.buf = s.buf[:0]
		}
	}

	s.offset += int64(len(out))
	return out, start, nil
}

// Finish seals the remaining buffer and appends the metadata trailer. The
// Sealer cannot be used afterwards.
func (s *Sealer) Finish() ([]byte, int64, error) {
	out, start, err := s.Push(nil)
	if err != nil {
		return nil, 0, err
	}
	s.closed = true

	var tail []byte
	if len(s.buf) > 0 {
		sealed, err := s.seal(s.buf)
		if err != nil {
			return nil, 0, err
		}
		tail = append(tail, sealed...)
		s.buf = s.buf[:0]
	}

	trailer, err := encodeMetadata(Metadata{
		Algorithm:     s.header.Algorithm,
		ChunkSize:     s.header.ChunkSize,
		OriginalSize:  s.originalSize,
		EncryptedSize: s.encryptedSize,
		Checksum:      hex.EncodeToString(s.hasher.Sum(nil)),
		CreatedAt:     s.header.CreatedAt,
	})
	if err != nil {
		return nil, 0, err
	}
	tail = append(tail, trailer...)

	s.offset += int64(len(tail))
	return append(out, tail...), start, nil
}

// Discard drops buffered plaintext without producing output.
func (s *Sealer) Discard() {
	s.closed = true
	clear(s.buf)
	s.buf = s.buf[:0]
}

func (s *Sealer) seal(chunk []byte) ([]byte, error) {
	// Generate new IV for each chunk
	iv, err := s.engine.GenerateIV()
	if err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	encrypted, err := s.engine.EncryptChunk(chunk, s.key, iv)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt chunk: %w", err)
	}

	header := makeChunkHeader(iv, encrypted)
	s.hasher.Write(encrypted)
	s.encryptedSize += int64(len(header) + len(encrypted))
	return append(header, encrypted...), nil
}
