// Package decrypt owns open decrypt handles and the per-unit state machine
//
//	OPEN -> UNIT_READY(u) -> DECRYPTING(u) -> UNIT_READY(u) ... -> CLOSED
//
// Operations that touch crypto state run under the owning client's decrypt
// lock. A per-handle mutex guards the unit table.
package decrypt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"drmcore/internal/core/domain"
	"drmcore/internal/core/ports"
	"drmcore/internal/metrics"
	"drmcore/internal/pkg/handle"
	"drmcore/internal/rights"
	"drmcore/internal/session"
)

// decryptAction is the action rights are checked for before unit decrypts
// and whole-file reads.
const decryptAction = domain.ActionPlay

type entry struct {
	owner   domain.UniqueID
	client  *session.Client
	sess    ports.DecryptSession
	backend string
	info    domain.DecryptHandle

	mu     sync.Mutex
	units  map[int]*domain.UnitState
	closed bool
}

type Option func(*Machine)

func WithLogger(log logrus.FieldLogger) Option {
	return func(m *Machine) {
		m.log = log
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Machine) {
		m.metrics = mt
	}
}

type Machine struct {
	registry *session.Registry
	rights   *rights.Resolver
	backends ports.Resolver
	handles  *handle.Table[*entry]
	log      logrus.FieldLogger
	metrics  *metrics.Metrics
}

// NewMachine builds the machine and registers its forced teardown with the
// registry.
func NewMachine(registry *session.Registry, resolver *rights.Resolver, backends ports.Resolver, opts ...Option) *Machine {
	m := &Machine{
		registry: registry,
		rights:   resolver,
		backends: backends,
		handles:  handle.NewTable[*entry](),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logrus.New()
	}
	registry.OnDetach(m.CloseAll)
	return m
}

// OpenFD binds a handle to length bytes of r starting at offset. Every
// backend is offered the content in registration order.
func (m *Machine) OpenFD(ctx context.Context, id domain.UniqueID, r io.ReaderAt, offset, length int64) (*domain.DecryptHandle, error) {
	client, err := m.registry.Lookup(id)
	if err != nil {
		return nil, err
	}
	src := domain.ContentSource{Reader: r, Offset: offset, Length: length}
	for _, b := range m.backends.Backends() {
		sess, err := b.OpenSession(ctx, id, src)
		if err == nil {
			return m.register(ctx, client, b.Name(), sess)
		}
		if !errors.Is(err, domain.ErrUnsupportedContent) {
			return nil, domain.WrapBackend("openSession", err)
		}
	}
	return nil, fmt.Errorf("descriptor at %d: %w", offset, domain.ErrUnsupportedContent)
}

// OpenURI binds a handle to the content at uri.
func (m *Machine) OpenURI(ctx context.Context, id domain.UniqueID, uri string) (*domain.DecryptHandle, error) {
	client, err := m.registry.Lookup(id)
	if err != nil {
		return nil, err
	}
	b, err := m.backends.ForPath(uri, "")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", uri, domain.ErrUnsupportedContent)
	}
	sess, err := b.OpenSession(ctx, id, domain.ContentSource{URI: uri})
	if err != nil {
		return nil, domain.WrapBackend("openSession", err)
	}
	return m.register(ctx, client, b.Name(), sess)
}

func (m *Machine) register(ctx context.Context, client *session.Client, backend string, sess ports.DecryptSession) (*domain.DecryptHandle, error) {
	status, err := sess.RightsStatus(ctx, decryptAction)
	if err != nil {
		status = domain.RightsInvalid
	}
	e := &entry{
		owner:   client.ID(),
		client:  client,
		sess:    sess,
		backend: backend,
		units:   make(map[int]*domain.UnitState),
		info: domain.DecryptHandle{
			MimeType:  sess.MimeType(),
			Algorithm: sess.Algorithm(),
			Status:    status,
		},
	}
	client.Acquire()
	hid := m.handles.Insert(e)
	e.info.ID = domain.HandleID(hid)
	m.metrics.DecryptOpened()

	// A detach that raced the open has already run CloseAll.
	if current, err := m.registry.Lookup(client.ID()); err != nil || current != client {
		if _, err := m.handles.Remove(hid); err == nil {
			m.teardown(ctx, e)
		}
		return nil, fmt.Errorf("unique id %d: %w", client.ID(), domain.ErrInvalidSession)
	}

	m.log.WithFields(logrus.Fields{
		"unique_id": client.ID(),
		"handle":    e.info.ID,
		"backend":   backend,
		"status":    status,
	}).Debug("decrypt session opened")
	info := e.info
	return &info, nil
}

func (m *Machine) get(id domain.UniqueID, h domain.HandleID) (*entry, error) {
	e, err := m.handles.Get(handle.ID(h))
	if err != nil || e.owner != id {
		return nil, fmt.Errorf("handle %x: %w", uint64(h), domain.ErrInvalidSession)
	}
	return e, nil
}

// locked runs fn under the owner's decrypt lock once the handle is known to
// be open.
func (m *Machine) locked(id domain.UniqueID, h domain.HandleID, fn func(e *entry) error) error {
	e, err := m.get(id, h)
	if err != nil {
		return err
	}
	lock := e.client.DecryptLock()
	lock.Lock()
	defer lock.Unlock()

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return fmt.Errorf("handle %x: %w", uint64(h), domain.ErrInvalidSession)
	}
	return fn(e)
}

// InitializeUnit puts unit into UNIT_READY. Re-initializing a ready unit
// resets its crypto state.
func (m *Machine) InitializeUnit(ctx context.Context, id domain.UniqueID, h domain.HandleID, unit int, header []byte) error {
	err := m.locked(id, h, func(e *entry) error {
		st, err := e.sess.InitUnit(ctx, unit, header)
		if err != nil {
			return domain.WrapBackend("initUnit", err)
		}
		st.Phase = domain.UnitReady
		e.mu.Lock()
		e.units[unit] = st
		e.mu.Unlock()
		return nil
	})
	m.metrics.DecryptOp("init", err)
	return err
}

// Decrypt returns a newly allocated plaintext for enc. Rights are checked
// before the unit state, so content without rights never reaches the
// backend. A backend failure leaves the unit ready and its state untouched.
func (m *Machine) Decrypt(ctx context.Context, id domain.UniqueID, h domain.HandleID, unit int, enc, iv []byte) ([]byte, error) {
	var out []byte
	err := m.locked(id, h, func(e *entry) error {
		if err := m.rights.SessionStatus(ctx, e.sess, decryptAction); err != nil {
			return err
		}

		e.mu.Lock()
		st, ok := e.units[unit]
		if !ok || st.Phase != domain.UnitReady {
			e.mu.Unlock()
			return fmt.Errorf("unit %d not initialized: %w", unit, domain.ErrProtocolViolation)
		}
		st.Phase = domain.UnitDecrypting
		work := st.Clone()
		e.mu.Unlock()

		plain, err := e.sess.DecryptUnit(ctx, unit, work, enc, iv)

		e.mu.Lock()
		defer e.mu.Unlock()
		if err != nil {
			st.Phase = domain.UnitReady
			return domain.WrapBackend("decrypt", err)
		}
		work.Phase = domain.UnitReady
		e.units[unit] = work
		out = plain
		return nil
	})
	m.metrics.DecryptOp("decrypt", err)
	return out, err
}

// FinalizeUnit releases the unit's crypto state. The unit must be
// initialized again before the next decrypt.
func (m *Machine) FinalizeUnit(ctx context.Context, id domain.UniqueID, h domain.HandleID, unit int) error {
	err := m.locked(id, h, func(e *entry) error {
		e.mu.Lock()
		_, ok := e.units[unit]
		delete(e.units, unit)
		e.mu.Unlock()
		if !ok {
			return fmt.Errorf("unit %d not initialized: %w", unit, domain.ErrProtocolViolation)
		}
		return domain.WrapBackend("finalizeUnit", e.sess.FinalizeUnit(ctx, unit))
	})
	m.metrics.DecryptOp("finalize", err)
	return err
}

// ReadAt decrypts len(p) bytes of the whole file at off. It returns 0 and
// io.EOF at the end of the content. I/O failures leave the handle usable.
func (m *Machine) ReadAt(ctx context.Context, id domain.UniqueID, h domain.HandleID, p []byte, off int64) (int, error) {
	var n int
	err := m.locked(id, h, func(e *entry) error {
		if err := m.rights.SessionStatus(ctx, e.sess, decryptAction); err != nil {
			return err
		}
		var err error
		n, err = e.sess.ReadAt(ctx, p, off)
		if err == nil || errors.Is(err, io.EOF) {
			return err
		}
		return domain.WrapBackend("readAt", err)
	})
	if !errors.Is(err, io.EOF) {
		m.metrics.DecryptOp("read", err)
	}
	return n, err
}

// SetPlaybackStatus forwards status to the backend. Backend errors are
// logged only.
func (m *Machine) SetPlaybackStatus(ctx context.Context, id domain.UniqueID, h domain.HandleID, status domain.PlaybackStatus, position int64) error {
	e, err := m.get(id, h)
	if err != nil {
		return err
	}
	if err := e.sess.SetPlaybackStatus(ctx, status, position); err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{
			"unique_id": id,
			"handle":    h,
			"status":    status,
		}).Warn("playback status not accepted")
	}
	return nil
}

// ConsumeRights consumes or reserves one use for the handle's content.
func (m *Machine) ConsumeRights(ctx context.Context, id domain.UniqueID, h domain.HandleID, action domain.Action, reserve bool) error {
	return m.locked(id, h, func(e *entry) error {
		return m.rights.ConsumeRights(ctx, e.sess, action, reserve)
	})
}

// Close finalizes every initialized unit, rolls back the handle's
// reservations and closes the backend session. The handle is invalid
// afterwards even when an error is returned. Close waits for a decrypt in
// flight on the same client to return.
func (m *Machine) Close(ctx context.Context, id domain.UniqueID, h domain.HandleID) error {
	e, err := m.get(id, h)
	if err != nil {
		return err
	}
	if _, err := m.handles.Remove(handle.ID(h)); err != nil {
		return fmt.Errorf("handle %x: %w", uint64(h), domain.ErrInvalidSession)
	}
	return m.teardown(ctx, e)
}

// CloseAll force-closes every handle owned by id. Failures are logged.
func (m *Machine) CloseAll(ctx context.Context, id domain.UniqueID) {
	ids := m.handles.Collect(func(e *entry) bool { return e.owner == id })
	for _, hid := range ids {
		e, err := m.handles.Remove(hid)
		if err != nil {
			continue
		}
		if err := m.teardown(ctx, e); err != nil {
			m.metrics.TeardownError()
			m.log.WithError(err).WithFields(logrus.Fields{
				"unique_id": id,
				"handle":    e.info.ID,
			}).Warn("forced close failed")
		}
	}
	if len(ids) > 0 {
		m.log.WithFields(logrus.Fields{"unique_id": id, "handles": len(ids)}).Debug("force-closed decrypt sessions")
	}
}

func (m *Machine) teardown(ctx context.Context, e *entry) error {
	lock := e.client.DecryptLock()
	lock.Lock()
	defer lock.Unlock()

	e.mu.Lock()
	e.closed = true
	units := make([]int, 0, len(e.units))
	for u := range e.units {
		units = append(units, u)
	}
	e.units = nil
	e.mu.Unlock()
	sort.Ints(units)

	var errs []error
	for _, u := range units {
		if err := e.sess.FinalizeUnit(ctx, u); err != nil {
			errs = append(errs, domain.WrapBackend("finalizeUnit", err))
		}
	}
	if err := e.sess.Close(ctx); err != nil {
		errs = append(errs, domain.WrapBackend("closeSession", err))
	}

	e.client.Release()
	m.metrics.DecryptClosed()
	m.log.WithFields(logrus.Fields{
		"unique_id": e.owner,
		"handle":    e.info.ID,
		"finalized": len(units),
	}).Debug("decrypt session closed")
	return errors.Join(errs...)
}

// Open is the number of open handles.
func (m *Machine) Open() int {
	return m.handles.Len()
}
