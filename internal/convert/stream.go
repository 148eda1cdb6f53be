package convert

import (
	"context"
	"errors"
	"fmt"
	"io"

	"drmcore/internal/core/domain"
)

const (
	DefaultChunkSize = 1024 * 1024     // 1MB default input chunk
	MinChunkSize     = 64 * 1024       // 64KB minimum input chunk
	MaxChunkSize     = 8 * 1024 * 1024 // 8MB maximum input chunk
)

// ChunkReader bounds every Read to the chunk size.
type ChunkReader struct {
	reader    io.Reader
	chunkSize int
}

func NewChunkReader(reader io.Reader, chunkSize int) (*ChunkReader, error) {
	if chunkSize < MinChunkSize || chunkSize > MaxChunkSize {
		return nil, fmt.Errorf("invalid chunk size: must be between %d and %d bytes", MinChunkSize, MaxChunkSize)
	}
	return &ChunkReader{reader: reader, chunkSize: chunkSize}, nil
}

func (r *ChunkReader) Read(p []byte) (int, error) {
	if len(p) > r.chunkSize {
		p = p[:r.chunkSize]
	}
	return r.reader.Read(p)
}

func (r *ChunkReader) ChunkSize() int { return r.chunkSize }

// Stream feeds r through conversion cid and writes every output at its
// offset in w. The conversion is closed on success and aborted without
// saving rights on failure. It returns the number of bytes written to w.
func (p *Pipeline) Stream(ctx context.Context, id domain.UniqueID, cid domain.ConvertID, r *ChunkReader, w io.WriterAt) (int64, error) {
	var written int64
	emit := func(st *domain.ConvertedStatus) error {
		if st == nil || len(st.Data) == 0 {
			return nil
		}
		n, err := w.WriteAt(st.Data, st.Offset)
		written += int64(n)
		if err != nil {
			return fmt.Errorf("failed to write converted data: %w: %v", domain.ErrIO, err)
		}
		return nil
	}
	abandon := func(err error) (int64, error) {
		if aerr := p.Abort(ctx, id, cid); aerr != nil {
			p.log.WithError(aerr).WithField("convert_id", cid).Debug("abort after failed stream")
		}
		return written, err
	}

	buf := make([]byte, r.ChunkSize())
	for {
		if err := ctx.Err(); err != nil {
			return abandon(err)
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			st, err := p.Convert(ctx, id, cid, buf[:n])
			if err != nil {
				return abandon(err)
			}
			if err := emit(st); err != nil {
				return abandon(err)
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return abandon(fmt.Errorf("failed to read input: %w: %v", domain.ErrIO, rerr))
		}
	}

	st, err := p.Close(ctx, id, cid)
	if err != nil {
		return written, err
	}
	return written, emit(st)
}
