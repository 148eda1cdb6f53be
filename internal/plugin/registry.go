// Package plugin selects the backend responsible for a path or MIME type.
package plugin

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"drmcore/internal/core/ports"
)

// Registry is an ordered set of backends. The first backend that accepts a
// request wins.
type Registry struct {
	log logrus.FieldLogger

	mu       sync.RWMutex
	backends []ports.Backend
}

func NewRegistry(log logrus.FieldLogger, backends ...ports.Backend) (*Registry, error) {
	if log == nil {
		log = logrus.New()
	}
	r := &Registry{log: log}
	for _, b := range backends {
		if err := r.Register(b); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register appends b. Backend names must be unique.
func (r *Registry) Register(b ports.Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.backends {
		if existing.Name() == b.Name() {
			return fmt.Errorf("backend %q already registered", b.Name())
		}
	}
	r.backends = append(r.backends, b)
	r.log.WithFields(logrus.Fields{
		"backend":    b.Name(),
		"mime_types": b.SupportInfo().MimeTypes,
	}).Debug("backend registered")
	return nil
}

func (r *Registry) ForMime(mimeType string) (ports.Backend, error) {
	if mimeType == "" {
		return nil, fmt.Errorf("empty mime type: %w", ports.ErrNoBackend)
	}
	for _, b := range r.Backends() {
		for _, m := range b.SupportInfo().MimeTypes {
			if strings.EqualFold(m, mimeType) {
				return b, nil
			}
		}
	}
	return nil, fmt.Errorf("mime type %q: %w", mimeType, ports.ErrNoBackend)
}

func (r *Registry) ForPath(path, mimeType string) (ports.Backend, error) {
	for _, b := range r.Backends() {
		if b.CanHandle(path, mimeType) {
			return b, nil
		}
	}
	return nil, fmt.Errorf("path %q: %w", path, ports.ErrNoBackend)
}

// Backends returns a snapshot in registration order.
func (r *Registry) Backends() []ports.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ports.Backend(nil), r.backends...)
}
