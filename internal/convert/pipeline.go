// Package convert runs conversion sessions that seal a plaintext stream
// into a rights-managed container.
package convert

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"drmcore/internal/core/domain"
	"drmcore/internal/core/ports"
	"drmcore/internal/metrics"
	"drmcore/internal/pkg/handle"
	"drmcore/internal/session"
)

type conversion struct {
	owner    domain.UniqueID
	client   *session.Client
	sess     ports.ConvertSession
	backend  string
	mimeType string

	// mu keeps chunks of one session in order.
	mu     sync.Mutex
	closed bool
}

type Option func(*Pipeline)

func WithLogger(log logrus.FieldLogger) Option {
	return func(p *Pipeline) {
		p.log = log
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

type Pipeline struct {
	registry *session.Registry
	backends ports.Resolver
	sessions *handle.Table[*conversion]
	log      logrus.FieldLogger
	metrics  *metrics.Metrics
}

// NewPipeline builds the pipeline and registers its forced teardown with
// the registry.
func NewPipeline(registry *session.Registry, backends ports.Resolver, opts ...Option) *Pipeline {
	p := &Pipeline{
		registry: registry,
		backends: backends,
		sessions: handle.NewTable[*conversion](),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logrus.New()
	}
	registry.OnDetach(p.CloseAll)
	return p
}

// Open starts a conversion with the first backend that converts mimeType.
func (p *Pipeline) Open(ctx context.Context, id domain.UniqueID, mimeType string) (domain.ConvertID, error) {
	client, err := p.registry.Lookup(id)
	if err != nil {
		return 0, err
	}
	for _, b := range p.backends.Backends() {
		cs, err := b.OpenConvert(ctx, id, mimeType)
		if errors.Is(err, domain.ErrUnsupportedFormat) {
			continue
		}
		if err != nil {
			return 0, domain.WrapBackend("openConvert", err)
		}
		return p.register(ctx, client, b.Name(), mimeType, cs)
	}
	return 0, fmt.Errorf("%s: %w", mimeType, domain.ErrUnsupportedFormat)
}

func (p *Pipeline) register(ctx context.Context, client *session.Client, backend, mimeType string, cs ports.ConvertSession) (domain.ConvertID, error) {
	c := &conversion{
		owner:    client.ID(),
		client:   client,
		sess:     cs,
		backend:  backend,
		mimeType: mimeType,
	}
	client.Acquire()
	hid := p.sessions.Insert(c)
	p.metrics.ConvertOpened()

	if current, err := p.registry.Lookup(client.ID()); err != nil || current != client {
		if _, err := p.sessions.Remove(hid); err == nil {
			p.abort(ctx, c)
		}
		return 0, fmt.Errorf("unique id %d: %w", client.ID(), domain.ErrInvalidSession)
	}

	cid := domain.ConvertID(hid)
	p.log.WithFields(logrus.Fields{
		"unique_id":  client.ID(),
		"convert_id": cid,
		"backend":    backend,
		"mime_type":  mimeType,
	}).Debug("conversion opened")
	return cid, nil
}

func (p *Pipeline) get(id domain.UniqueID, cid domain.ConvertID) (*conversion, error) {
	c, err := p.sessions.Get(handle.ID(cid))
	if err != nil || c.owner != id {
		return nil, fmt.Errorf("convert id %x: %w", int64(cid), domain.ErrInvalidSession)
	}
	return c, nil
}

// Convert feeds the next chunk of the source. Chunks must arrive in order.
func (p *Pipeline) Convert(ctx context.Context, id domain.UniqueID, cid domain.ConvertID, chunk []byte) (*domain.ConvertedStatus, error) {
	c, err := p.get(id, cid)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("convert id %x: %w", int64(cid), domain.ErrInvalidSession)
	}
	st, err := c.sess.Convert(ctx, chunk)
	if err != nil {
		return st, domain.WrapBackend("convert", err)
	}
	return st, nil
}

// Close flushes the session and saves its rights. The id is invalid
// afterwards whatever the outcome.
func (p *Pipeline) Close(ctx context.Context, id domain.UniqueID, cid domain.ConvertID) (*domain.ConvertedStatus, error) {
	c, err := p.get(id, cid)
	if err != nil {
		return nil, err
	}
	if _, err := p.sessions.Remove(handle.ID(cid)); err != nil {
		return nil, fmt.Errorf("convert id %x: %w", int64(cid), domain.ErrInvalidSession)
	}

	c.mu.Lock()
	c.closed = true
	st, err := c.sess.Close(ctx)
	c.mu.Unlock()

	c.client.Release()
	p.metrics.ConvertClosed()
	log := p.log.WithFields(logrus.Fields{"unique_id": id, "convert_id": cid})
	if err != nil {
		log.WithError(err).Warn("conversion failed to close")
		return st, domain.WrapBackend("closeConvert", err)
	}
	log.Debug("conversion closed")
	return st, nil
}

// Abort drops the conversion without saving rights.
func (p *Pipeline) Abort(ctx context.Context, id domain.UniqueID, cid domain.ConvertID) error {
	c, err := p.get(id, cid)
	if err != nil {
		return err
	}
	if _, err := p.sessions.Remove(handle.ID(cid)); err != nil {
		return fmt.Errorf("convert id %x: %w", int64(cid), domain.ErrInvalidSession)
	}
	return domain.WrapBackend("abortConvert", p.abort(ctx, c))
}

// CloseAll aborts every conversion owned by id without saving rights.
func (p *Pipeline) CloseAll(ctx context.Context, id domain.UniqueID) {
	for _, hid := range p.sessions.Collect(func(c *conversion) bool { return c.owner == id }) {
		c, err := p.sessions.Remove(hid)
		if err != nil {
			continue
		}
		if err := p.abort(ctx, c); err != nil {
			p.metrics.TeardownError()
			p.log.WithError(err).WithFields(logrus.Fields{
				"unique_id":  id,
				"convert_id": domain.ConvertID(hid),
			}).Warn("forced conversion abort failed")
		}
	}
}

func (p *Pipeline) abort(ctx context.Context, c *conversion) error {
	c.mu.Lock()
	c.closed = true
	err := c.sess.Abort(ctx)
	c.mu.Unlock()

	c.client.Release()
	p.metrics.ConvertClosed()
	return err
}

// Len is the number of open conversions.
func (p *Pipeline) Len() int {
	return p.sessions.Len()
}
