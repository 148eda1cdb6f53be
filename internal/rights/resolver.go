// Package rights answers rights queries for a client by forwarding them to
// the backend the capability resolver selects.
package rights

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"drmcore/internal/core/domain"
	"drmcore/internal/core/ports"
	"drmcore/internal/metrics"
	"drmcore/internal/session"
)

type Option func(*Resolver)

func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Resolver) {
		r.log = log
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) {
		r.metrics = m
	}
}

type Resolver struct {
	registry *session.Registry
	backends ports.Resolver
	log      logrus.FieldLogger
	metrics  *metrics.Metrics
}

func NewResolver(registry *session.Registry, backends ports.Resolver, opts ...Option) *Resolver {
	r := &Resolver{
		registry: registry,
		backends: backends,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logrus.New()
	}
	return r
}

// forPath validates id and selects the backend for path. A nil backend with
// a nil error means no backend handles the path.
func (r *Resolver) forPath(id domain.UniqueID, path, mimeType string) (ports.Backend, error) {
	if _, err := r.registry.Lookup(id); err != nil {
		return nil, err
	}
	b, err := r.backends.ForPath(path, mimeType)
	if errors.Is(err, ports.ErrNoBackend) {
		return nil, nil
	}
	return b, err
}

// Constraints returns nil without error when path is not protected.
func (r *Resolver) Constraints(ctx context.Context, id domain.UniqueID, path string, action domain.Action) (domain.Constraints, error) {
	b, err := r.forPath(id, path, "")
	if b == nil {
		return nil, err
	}
	c, err := b.Constraints(ctx, id, path, action)
	if err != nil {
		return nil, domain.WrapBackend("constraints", err)
	}
	if c == nil {
		return nil, nil
	}
	// Callers get their own copy.
	out := make(domain.Constraints, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out, nil
}

// CanHandle is a pure capability check. It reports false for unknown ids.
func (r *Resolver) CanHandle(ctx context.Context, id domain.UniqueID, path, mimeType string) bool {
	b, err := r.forPath(id, path, mimeType)
	return err == nil && b != nil
}

func (r *Resolver) CheckRightsStatus(ctx context.Context, id domain.UniqueID, path string, action domain.Action) (domain.RightsStatus, error) {
	b, err := r.forPath(id, path, "")
	if err != nil {
		return domain.RightsInvalid, err
	}
	if b == nil {
		return domain.RightsInvalid, fmt.Errorf("%s: %w", path, domain.ErrUnsupportedContent)
	}
	status, err := b.CheckRights(ctx, id, path, action)
	if err != nil {
		return domain.RightsInvalid, domain.WrapBackend("checkRights", err)
	}
	return status, nil
}

// ValidateAction is atomic with respect to ConsumeRights only for the same
// decrypt session, which the decrypt lock guarantees. Cross-session
// consistency is up to the backend.
func (r *Resolver) ValidateAction(ctx context.Context, id domain.UniqueID, path string, action domain.Action, desc domain.ActionDescription) (bool, error) {
	b, err := r.forPath(id, path, "")
	if err != nil {
		return false, err
	}
	if b == nil {
		return false, fmt.Errorf("%s: %w", path, domain.ErrUnsupportedContent)
	}
	ok, err := b.ValidateAction(ctx, id, path, action, desc)
	if err != nil {
		return false, domain.WrapBackend("validateAction", err)
	}
	return ok, nil
}

// ConsumeRights decrements, or with reserve set holds, one use for sess.
// Callers must hold the owning client's decrypt lock.
func (r *Resolver) ConsumeRights(ctx context.Context, sess ports.DecryptSession, action domain.Action, reserve bool) error {
	if err := sess.Consume(ctx, action, reserve); err != nil {
		return domain.WrapBackend("consumeRights", err)
	}
	r.metrics.Consumed(action.String(), reserve)
	return nil
}

// SessionStatus maps the rights of sess into the error a decrypt operation
// returns. A nil result means decryption may proceed. An expired status
// becomes ErrRightsExhausted when the session reports a spent count.
func (r *Resolver) SessionStatus(ctx context.Context, sess ports.DecryptSession, action domain.Action) error {
	status, err := sess.RightsStatus(ctx, action)
	if err != nil {
		return domain.WrapBackend("rightsStatus", err)
	}
	if status == domain.RightsExpired {
		if counted, ok := sess.(ports.CountedSession); ok {
			spent, err := counted.Exhausted(ctx, action)
			if err != nil {
				return domain.WrapBackend("rightsStatus", err)
			}
			if spent {
				return domain.ErrRightsExhausted
			}
		}
	}
	return domain.RightsError(status)
}

// RemoveRights is idempotent; unprotected paths are not an error.
func (r *Resolver) RemoveRights(ctx context.Context, id domain.UniqueID, path string) error {
	b, err := r.forPath(id, path, "")
	if b == nil {
		return err
	}
	return domain.WrapBackend("removeRights", b.RemoveRights(ctx, id, path))
}

// RemoveAllRights revokes everything id holds in every backend.
func (r *Resolver) RemoveAllRights(ctx context.Context, id domain.UniqueID) error {
	if _, err := r.registry.Lookup(id); err != nil {
		return err
	}
	var errs []error
	for _, b := range r.backends.Backends() {
		if err := b.RemoveAllRights(ctx, id); err != nil {
			errs = append(errs, domain.WrapBackend("removeAllRights", err))
		}
	}
	return errors.Join(errs...)
}

func (r *Resolver) SaveRights(ctx context.Context, id domain.UniqueID, rights domain.Rights, rightsPath, contentPath string) error {
	if _, err := r.registry.Lookup(id); err != nil {
		return err
	}
	b, err := r.backends.ForMime(rights.MimeType)
	if err != nil && contentPath != "" {
		b, err = r.backends.ForPath(contentPath, "")
	}
	if err != nil {
		return fmt.Errorf("rights %q: %w", rights.MimeType, domain.ErrUnsupportedContent)
	}
	if err := b.SaveRights(ctx, id, rights, rightsPath, contentPath); err != nil {
		return domain.WrapBackend("saveRights", err)
	}
	r.log.WithFields(logrus.Fields{
		"unique_id":    id,
		"backend":      b.Name(),
		"rights_path":  rightsPath,
		"content_path": contentPath,
	}).Info("rights saved")
	return nil
}

// OriginalMimeType returns "" when the type is unknown.
func (r *Resolver) OriginalMimeType(ctx context.Context, id domain.UniqueID, path string) (string, error) {
	b, err := r.forPath(id, path, "")
	if b == nil {
		return "", err
	}
	mime, err := b.OriginalMimeType(ctx, id, path)
	if err != nil {
		r.log.WithError(err).WithField("path", path).Debug("original mime type lookup failed")
		return "", nil
	}
	return mime, nil
}

// ObjectType returns domain.ObjectUnknown when nothing recognizes path.
func (r *Resolver) ObjectType(ctx context.Context, id domain.UniqueID, path, mimeType string) (domain.ObjectType, error) {
	b, err := r.forPath(id, path, mimeType)
	if b == nil {
		return domain.ObjectUnknown, err
	}
	typ, err := b.ObjectType(ctx, id, path, mimeType)
	if err != nil {
		r.log.WithError(err).WithField("path", path).Debug("object type lookup failed")
		return domain.ObjectUnknown, nil
	}
	return typ, nil
}

// AcquireInfo produces the request for a license authority. No lock is held
// between AcquireInfo and the matching ProcessInfo.
func (r *Resolver) AcquireInfo(ctx context.Context, id domain.UniqueID, req domain.InfoRequest) (*domain.Info, error) {
	b, err := r.forInfo(id, req.MimeType, req.Params["path"])
	if err != nil {
		return nil, err
	}
	info, err := b.AcquireInfo(ctx, id, req)
	if err != nil {
		return nil, domain.WrapBackend("acquireInfo", err)
	}
	return info, nil
}

func (r *Resolver) ProcessInfo(ctx context.Context, id domain.UniqueID, info domain.Info) (*domain.InfoStatus, error) {
	b, err := r.forInfo(id, info.MimeType, info.Attributes["contentPath"])
	if err != nil {
		return nil, err
	}
	status, err := b.ProcessInfo(ctx, id, info)
	if err != nil {
		return status, domain.WrapBackend("processInfo", err)
	}
	return status, nil
}

func (r *Resolver) forInfo(id domain.UniqueID, mimeType, path string) (ports.Backend, error) {
	if _, err := r.registry.Lookup(id); err != nil {
		return nil, err
	}
	b, err := r.backends.ForMime(mimeType)
	if err != nil && path != "" {
		b, err = r.backends.ForPath(path, mimeType)
	}
	if err != nil {
		return nil, fmt.Errorf("info %q: %w", mimeType, domain.ErrUnsupportedContent)
	}
	return b, nil
}

// SupportInfo describes every registered backend.
func (r *Resolver) SupportInfo() []domain.SupportInfo {
	backends := r.backends.Backends()
	out := make([]domain.SupportInfo, 0, len(backends))
	for _, b := range backends {
		info := b.SupportInfo()
		info.MimeTypes = append([]string(nil), info.MimeTypes...)
		info.FileSuffixes = append([]string(nil), info.FileSuffixes...)
		out = append(out, info)
	}
	return out
}
