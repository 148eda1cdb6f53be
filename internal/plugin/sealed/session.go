package sealed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"drmcore/internal/container"
	"drmcore/internal/core/domain"
	"drmcore/internal/core/ports"
	"drmcore/internal/pkg/crypto/aes"
)

func (b *Backend) OpenSession(ctx context.Context, id domain.UniqueID, src domain.ContentSource) (ports.DecryptSession, error) {
	r, base, length := src.Reader, src.Offset, src.Length
	var closer io.Closer
	if r == nil {
		if src.URI == "" {
			return nil, fmt.Errorf("empty content source: %w", domain.ErrUnsupportedContent)
		}
		f, err := os.Open(localPath(src.URI))
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w: %v", src.URI, domain.ErrIO, err)
		}
		r, closer, base, length = f, f, 0, -1
	}
	if length <= 0 {
		length = -1
	}

	header, err := container.Sniff(r, base)
	if err != nil {
		if closer != nil {
			closer.Close()
		}
		return nil, fmt.Errorf("%v: %w", err, domain.ErrUnsupportedContent)
	}

	if err := b.restore(ctx, id, header.ContentID); err != nil {
		if closer != nil {
			closer.Close()
		}
		return nil, err
	}

	s := &session{
		b:      b,
		uid:    id,
		key:    uuid.NewString(),
		header: header,
		src:    r,
		base:   base,
		length: length,
		closer: closer,
	}
	s.log = b.log.WithFields(logrus.Fields{"unique_id": id, "content_id": header.ContentID})

	if b.requireRights {
		status, _, err := b.status(id, header.ContentID, false)
		if err == nil {
			err = domain.RightsError(status)
		}
		if status == domain.RightsExpired {
			if spent, serr := b.exhausted(id, header.ContentID, false); serr == nil && spent {
				err = domain.ErrRightsExhausted
			}
		}
		if err != nil {
			s.Close(ctx)
			return nil, err
		}
	}
	return s, nil
}

type session struct {
	b      *Backend
	uid    domain.UniqueID
	key    string
	header container.Header
	log    logrus.FieldLogger

	src    io.ReaderAt
	base   int64
	length int64
	closer io.Closer

	mu       sync.Mutex
	paid     bool
	expired  bool
	reader   *container.Reader
	playback domain.PlaybackStatus
	position int64
}

func (s *session) ContentID() string { return s.header.ContentID }

func (s *session) MimeType() string { return s.header.MimeType }

func (s *session) Algorithm() domain.DecryptAlgorithm { return domain.AlgorithmAESCTR }

func (s *session) RightsStatus(ctx context.Context, action domain.Action) (domain.RightsStatus, error) {
	s.mu.Lock()
	paid := s.paid
	s.mu.Unlock()

	status, _, err := s.b.status(s.uid, s.header.ContentID, paid)
	if err != nil {
		return status, err
	}
	if status == domain.RightsExpired {
		s.mu.Lock()
		first := !s.expired
		s.expired = true
		s.mu.Unlock()
		if first {
			s.b.notify(s.uid, domain.Event{Type: domain.EventRightsExpired, Message: s.header.ContentID})
		}
	}
	return status, nil
}

func (s *session) Exhausted(ctx context.Context, action domain.Action) (bool, error) {
	s.mu.Lock()
	paid := s.paid
	s.mu.Unlock()
	return s.b.exhausted(s.uid, s.header.ContentID, paid)
}

func (s *session) Consume(ctx context.Context, action domain.Action, reserve bool) error {
	rec, found, err := s.b.ledger.Get(s.uid, s.header.ContentID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	if found && !s.b.deviceMatches(rec) {
		return domain.ErrRightsRequired
	}

	if err := s.b.ledger.Consume(s.uid, s.header.ContentID, s.key, reserve, s.b.now()); err != nil {
		return err
	}
	s.mu.Lock()
	s.paid = true
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"action": action, "reserve": reserve}).Debug("rights consumed")
	if avail, err := s.b.ledger.Available(s.uid, s.header.ContentID); err == nil && avail == 0 {
		s.b.notify(s.uid, domain.Event{Type: domain.EventLicenseRefreshRequired, Message: s.header.ContentID})
	}
	return nil
}

// InitUnit takes a 16-byte IV as header. An empty header derives the IV
// from the content id and unit id.
func (s *session) InitUnit(ctx context.Context, unitID int, header []byte) (*domain.UnitState, error) {
	var iv []byte
	switch len(header) {
	case 0:
		iv = deriveIV(s.header.ContentID, unitID)
	case aes.CTRIVSize:
		iv = append([]byte(nil), header...)
	default:
		return nil, &domain.BackendError{
			Op:   "initUnit",
			Code: CodeBadHeader,
			Err:  fmt.Errorf("invalid unit header size: expected %d, got %d", aes.CTRIVSize, len(header)),
		}
	}
	return &domain.UnitState{IV: iv}, nil
}

// DecryptUnit decrypts enc at the unit's counter. A non-empty iv restarts
// the unit's keystream from it.
func (s *session) DecryptUnit(ctx context.Context, unitID int, state *domain.UnitState, enc, iv []byte) ([]byte, error) {
	key, err := s.contentKey()
	if err != nil {
		return nil, err
	}
	if len(iv) > 0 {
		if len(iv) != aes.CTRIVSize {
			return nil, &domain.BackendError{
				Op:   "decrypt",
				Code: CodeBadHeader,
				Err:  fmt.Errorf("invalid IV size: expected %d, got %d", aes.CTRIVSize, len(iv)),
			}
		}
		state.IV = append(state.IV[:0], iv...)
		state.Counter = 0
	}

	out := make([]byte, len(enc))
	if err := s.b.engine.XORKeyStream(out, enc, key, state.IV, state.Counter); err != nil {
		return nil, &domain.BackendError{Op: "decrypt", Code: CodeCipher, Err: err}
	}
	state.Counter += uint64(len(enc))
	return out, nil
}

func (s *session) FinalizeUnit(ctx context.Context, unitID int) error {
	s.log.WithField("unit", unitID).Debug("unit finalized")
	return nil
}

func (s *session) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	r, err := s.containerReader()
	if err != nil {
		return 0, err
	}
	n, err := r.ReadAt(p, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("failed to read content: %w: %v", domain.ErrIO, err)
	}
	return n, err
}

func (s *session) SetPlaybackStatus(ctx context.Context, status domain.PlaybackStatus, position int64) error {
	if status < domain.PlaybackStart || status > domain.PlaybackResume {
		return &domain.BackendError{Op: "setPlaybackStatus", Code: CodeBadPlayback, Err: fmt.Errorf("unknown status %d", status)}
	}
	s.mu.Lock()
	s.playback, s.position = status, position
	s.mu.Unlock()
	s.log.WithFields(logrus.Fields{"status": status, "position": position}).Debug("playback status")
	return nil
}

// Close rolls back reservations this session still holds.
func (s *session) Close(ctx context.Context) error {
	if n := s.b.ledger.Release(s.key); n > 0 {
		s.log.WithField("reservations", n).Debug("released reservations")
	}
	if s.closer != nil {
		if err := s.closer.Close(); err != nil {
			return fmt.Errorf("failed to close content: %w", err)
		}
	}
	return nil
}

func (s *session) contentKey() ([]byte, error) {
	rec, found, err := s.b.ledger.Get(s.uid, s.header.ContentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	if !found {
		return nil, domain.ErrRightsRequired
	}
	return rec.Key, nil
}

func (s *session) containerReader() (*container.Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reader != nil {
		return s.reader, nil
	}
	key, err := s.contentKey()
	if err != nil {
		return nil, err
	}
	r, err := container.NewReader(s.src, s.base, s.length, s.b.engine, key)
	if err != nil {
		return nil, fmt.Errorf("failed to open container: %w: %v", domain.ErrIO, err)
	}
	s.reader = r
	return r, nil
}

func deriveIV(contentID string, unitID int) []byte {
	h := sha256.New()
	h.Write([]byte(contentID))
	var unit [8]byte
	binary.BigEndian.PutUint64(unit[:], uint64(unitID))
	h.Write(unit[:])
	return h.Sum(nil)[:aes.CTRIVSize]
}

var _ ports.DecryptSession = (*session)(nil)
