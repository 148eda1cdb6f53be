// Package manager is the entry point of the core: one Service addressed by
// unique id that fronts the registry, the rights resolver, the decrypt
// machine and the conversion pipeline.
package manager

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"drmcore/internal/convert"
	"drmcore/internal/core/domain"
	"drmcore/internal/core/ports"
	"drmcore/internal/decrypt"
	"drmcore/internal/metrics"
	"drmcore/internal/plugin"
	"drmcore/internal/rights"
	"drmcore/internal/session"
)

// Service is the full operation set of the core.
type Service interface {
	Attach() domain.UniqueID
	Detach(ctx context.Context, id domain.UniqueID)
	SetInfoListener(id domain.UniqueID, listener ports.InfoListener) error
	SupportInfo() []domain.SupportInfo

	Constraints(ctx context.Context, id domain.UniqueID, path string, action domain.Action) (domain.Constraints, error)
	CanHandle(ctx context.Context, id domain.UniqueID, path, mimeType string) bool
	CheckRightsStatus(ctx context.Context, id domain.UniqueID, path string, action domain.Action) (domain.RightsStatus, error)
	ValidateAction(ctx context.Context, id domain.UniqueID, path string, action domain.Action, desc domain.ActionDescription) (bool, error)
	RemoveRights(ctx context.Context, id domain.UniqueID, path string) error
	RemoveAllRights(ctx context.Context, id domain.UniqueID) error
	SaveRights(ctx context.Context, id domain.UniqueID, rights domain.Rights, rightsPath, contentPath string) error
	OriginalMimeType(ctx context.Context, id domain.UniqueID, path string) (string, error)
	ObjectType(ctx context.Context, id domain.UniqueID, path, mimeType string) (domain.ObjectType, error)
	AcquireInfo(ctx context.Context, id domain.UniqueID, req domain.InfoRequest) (*domain.Info, error)
	ProcessInfo(ctx context.Context, id domain.UniqueID, info domain.Info) (*domain.InfoStatus, error)

	OpenDecryptFD(ctx context.Context, id domain.UniqueID, r io.ReaderAt, offset, length int64) (*domain.DecryptHandle, error)
	OpenDecryptURI(ctx context.Context, id domain.UniqueID, uri string) (*domain.DecryptHandle, error)
	InitializeDecryptUnit(ctx context.Context, id domain.UniqueID, h domain.HandleID, unit int, header []byte) error
	Decrypt(ctx context.Context, id domain.UniqueID, h domain.HandleID, unit int, enc, iv []byte) ([]byte, error)
	FinalizeDecryptUnit(ctx context.Context, id domain.UniqueID, h domain.HandleID, unit int) error
	Pread(ctx context.Context, id domain.UniqueID, h domain.HandleID, p []byte, off int64) (int, error)
	SetPlaybackStatus(ctx context.Context, id domain.UniqueID, h domain.HandleID, status domain.PlaybackStatus, position int64) error
	ConsumeRights(ctx context.Context, id domain.UniqueID, h domain.HandleID, action domain.Action, reserve bool) error
	CloseDecryptSession(ctx context.Context, id domain.UniqueID, h domain.HandleID) error

	OpenConvertSession(ctx context.Context, id domain.UniqueID, mimeType string) (domain.ConvertID, error)
	ConvertData(ctx context.Context, id domain.UniqueID, cid domain.ConvertID, chunk []byte) (*domain.ConvertedStatus, error)
	CloseConvertSession(ctx context.Context, id domain.UniqueID, cid domain.ConvertID) (*domain.ConvertedStatus, error)
	AbortConvertSession(ctx context.Context, id domain.UniqueID, cid domain.ConvertID) error
	ConvertStream(ctx context.Context, id domain.UniqueID, cid domain.ConvertID, r io.Reader, w io.WriterAt) (int64, error)
}

var _ Service = (*Manager)(nil)

type Option func(*Manager)

func WithLogger(log logrus.FieldLogger) Option {
	return func(m *Manager) {
		m.log = log
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithRegistry supplies the client registry, for backends that need it as
// their event sink before the manager exists.
func WithRegistry(reg *session.Registry) Option {
	return func(m *Manager) {
		m.registry = reg
	}
}

func WithBackends(backends ...ports.Backend) Option {
	return func(m *Manager) {
		m.backends = append(m.backends, backends...)
	}
}

// WithCloser registers fn to run on Close. Closers run in reverse order.
func WithCloser(fn func() error) Option {
	return func(m *Manager) {
		m.closers = append(m.closers, fn)
	}
}

type Manager struct {
	registry *session.Registry
	plugins  *plugin.Registry
	rights   *rights.Resolver
	decrypt  *decrypt.Machine
	convert  *convert.Pipeline
	log      logrus.FieldLogger
	metrics  *metrics.Metrics

	backends []ports.Backend
	closers  []func() error
}

func New(opts ...Option) (*Manager, error) {
	m := &Manager{}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logrus.New()
	}
	if m.registry == nil {
		m.registry = session.NewRegistry(session.WithLogger(m.log), session.WithMetrics(m.metrics))
	}

	plugins, err := plugin.NewRegistry(m.log, m.backends...)
	if err != nil {
		return nil, fmt.Errorf("failed to register backends: %w", err)
	}
	m.plugins = plugins
	m.rights = rights.NewResolver(m.registry, plugins, rights.WithLogger(m.log), rights.WithMetrics(m.metrics))
	m.decrypt = decrypt.NewMachine(m.registry, m.rights, plugins, decrypt.WithLogger(m.log), decrypt.WithMetrics(m.metrics))
	m.convert = convert.NewPipeline(m.registry, plugins, convert.WithLogger(m.log), convert.WithMetrics(m.metrics))
	return m, nil
}

func (m *Manager) Registry() *session.Registry { return m.registry }

func (m *Manager) Attach() domain.UniqueID { return m.registry.Attach() }

func (m *Manager) Detach(ctx context.Context, id domain.UniqueID) { m.registry.Detach(ctx, id) }

func (m *Manager) SetInfoListener(id domain.UniqueID, listener ports.InfoListener) error {
	return m.registry.SetInfoListener(id, listener)
}

func (m *Manager) SupportInfo() []domain.SupportInfo { return m.rights.SupportInfo() }

func (m *Manager) Constraints(ctx context.Context, id domain.UniqueID, path string, action domain.Action) (domain.Constraints, error) {
	return m.rights.Constraints(ctx, id, path, action)
}

func (m *Manager) CanHandle(ctx context.Context, id domain.UniqueID, path, mimeType string) bool {
	return m.rights.CanHandle(ctx, id, path, mimeType)
}

func (m *Manager) CheckRightsStatus(ctx context.Context, id domain.UniqueID, path string, action domain.Action) (domain.RightsStatus, error) {
	return m.rights.CheckRightsStatus(ctx, id, path, action)
}

func (m *Manager) ValidateAction(ctx context.Context, id domain.UniqueID, path string, action domain.Action, desc domain.ActionDescription) (bool, error) {
	return m.rights.ValidateAction(ctx, id, path, action, desc)
}

func (m *Manager) RemoveRights(ctx context.Context, id domain.UniqueID, path string) error {
	return m.rights.RemoveRights(ctx, id, path)
}

func (m *Manager) RemoveAllRights(ctx context.Context, id domain.UniqueID) error {
	return m.rights.RemoveAllRights(ctx, id)
}

func (m *Manager) SaveRights(ctx context.Context, id domain.UniqueID, r domain.Rights, rightsPath, contentPath string) error {
	return m.rights.SaveRights(ctx, id, r, rightsPath, contentPath)
}

func (m *Manager) OriginalMimeType(ctx context.Context, id domain.UniqueID, path string) (string, error) {
	return m.rights.OriginalMimeType(ctx, id, path)
}

func (m *Manager) ObjectType(ctx context.Context, id domain.UniqueID, path, mimeType string) (domain.ObjectType, error) {
	return m.rights.ObjectType(ctx, id, path, mimeType)
}

func (m *Manager) AcquireInfo(ctx context.Context, id domain.UniqueID, req domain.InfoRequest) (*domain.Info, error) {
	return m.rights.AcquireInfo(ctx, id, req)
}

func (m *Manager) ProcessInfo(ctx context.Context, id domain.UniqueID, info domain.Info) (*domain.InfoStatus, error) {
	return m.rights.ProcessInfo(ctx, id, info)
}

func (m *Manager) OpenDecryptFD(ctx context.Context, id domain.UniqueID, r io.ReaderAt, offset, length int64) (*domain.DecryptHandle, error) {
	return m.decrypt.OpenFD(ctx, id, r, offset, length)
}

func (m *Manager) OpenDecryptURI(ctx context.Context, id domain.UniqueID, uri string) (*domain.DecryptHandle, error) {
	return m.decrypt.OpenURI(ctx, id, uri)
}

func (m *Manager) InitializeDecryptUnit(ctx context.Context, id domain.UniqueID, h domain.HandleID, unit int, header []byte) error {
	return m.decrypt.InitializeUnit(ctx, id, h, unit, header)
}

func (m *Manager) Decrypt(ctx context.Context, id domain.UniqueID, h domain.HandleID, unit int, enc, iv []byte) ([]byte, error) {
	return m.decrypt.Decrypt(ctx, id, h, unit, enc, iv)
}

func (m *Manager) FinalizeDecryptUnit(ctx context.Context, id domain.UniqueID, h domain.HandleID, unit int) error {
	return m.decrypt.FinalizeUnit(ctx, id, h, unit)
}

func (m *Manager) Pread(ctx context.Context, id domain.UniqueID, h domain.HandleID, p []byte, off int64) (int, error) {
	return m.decrypt.ReadAt(ctx, id, h, p, off)
}

func (m *Manager) SetPlaybackStatus(ctx context.Context, id domain.UniqueID, h domain.HandleID, status domain.PlaybackStatus, position int64) error {
	return m.decrypt.SetPlaybackStatus(ctx, id, h, status, position)
}

func (m *Manager) ConsumeRights(ctx context.Context, id domain.UniqueID, h domain.HandleID, action domain.Action, reserve bool) error {
	return m.decrypt.ConsumeRights(ctx, id, h, action, reserve)
}

func (m *Manager) CloseDecryptSession(ctx context.Context, id domain.UniqueID, h domain.HandleID) error {
	return m.decrypt.Close(ctx, id, h)
}

func (m *Manager) OpenConvertSession(ctx context.Context, id domain.UniqueID, mimeType string) (domain.ConvertID, error) {
	return m.convert.Open(ctx, id, mimeType)
}

func (m *Manager) ConvertData(ctx context.Context, id domain.UniqueID, cid domain.ConvertID, chunk []byte) (*domain.ConvertedStatus, error) {
	return m.convert.Convert(ctx, id, cid, chunk)
}

func (m *Manager) CloseConvertSession(ctx context.Context, id domain.UniqueID, cid domain.ConvertID) (*domain.ConvertedStatus, error) {
	return m.convert.Close(ctx, id, cid)
}

func (m *Manager) AbortConvertSession(ctx context.Context, id domain.UniqueID, cid domain.ConvertID) error {
	return m.convert.Abort(ctx, id, cid)
}

// ConvertStream converts all of r and writes the container to w. See
// convert.Pipeline.Stream.
func (m *Manager) ConvertStream(ctx context.Context, id domain.UniqueID, cid domain.ConvertID, r io.Reader, w io.WriterAt) (int64, error) {
	cr, err := convert.NewChunkReader(r, convert.DefaultChunkSize)
	if err != nil {
		return 0, err
	}
	return m.convert.Stream(ctx, id, cid, cr, w)
}

// Close runs the registered closers. Clients still attached are left to
// their owners; their later calls fail once backend storage is gone.
func (m *Manager) Close() error {
	var errs []error
	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if live := m.registry.Live(); live > 0 {
		m.log.WithField("clients", live).Warn("manager closed with attached clients")
	}
	return errors.Join(errs...)
}
