// Package session tracks client identities: the id allocator, the registry
// of attached clients, and each client's decrypt lock domain.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"drmcore/internal/core/domain"
	"drmcore/internal/core/ports"
	"drmcore/internal/metrics"
)

// Client is the state of one attached identity.
type Client struct {
	id        domain.UniqueID
	createdAt time.Time

	// decryptMu serializes the decrypt-sensitive operations of this client.
	decryptMu sync.Mutex
	refs      atomic.Int32

	listenerMu sync.RWMutex
	listener   ports.InfoListener
	detached   bool
}

func (c *Client) ID() domain.UniqueID { return c.id }

func (c *Client) CreatedAt() time.Time { return c.createdAt }

// DecryptLock returns the mutex guarding consumeRights, unit
// initialization, decrypt, unit finalization and whole-file reads.
func (c *Client) DecryptLock() sync.Locker { return &c.decryptMu }

// Acquire records a live decrypt or convert session under this client.
func (c *Client) Acquire() { c.refs.Add(1) }

func (c *Client) Release() { c.refs.Add(-1) }

// Refs is the number of live decrypt and convert sessions.
func (c *Client) Refs() int { return int(c.refs.Load()) }

// TeardownFunc force-closes whatever a component still holds for id.
type TeardownFunc func(ctx context.Context, id domain.UniqueID)

type Option func(*Registry)

func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Registry) {
		r.log = log
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

func WithAllocator(a *Allocator) Option {
	return func(r *Registry) {
		r.alloc = a
	}
}

// Registry maps unique ids to clients. It implements ports.EventSink.
type Registry struct {
	alloc   *Allocator
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	clients  map[domain.UniqueID]*Client
	teardown []TeardownFunc
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		clients: make(map[domain.UniqueID]*Client),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.alloc == nil {
		r.alloc = NewAllocator()
	}
	if r.log == nil {
		r.log = logrus.New()
	}
	return r
}

// OnDetach registers fn to run for every detaching client before its id is
// released.
func (r *Registry) OnDetach(fn TeardownFunc) {
	r.mu.Lock()
	r.teardown = append(r.teardown, fn)
	r.mu.Unlock()
}

func (r *Registry) Attach() domain.UniqueID {
	id := r.alloc.Allocate()
	c := &Client{id: id, createdAt: time.Now()}

	r.mu.Lock()
	r.clients[id] = c
	r.mu.Unlock()

	r.metrics.ClientAttached()
	r.log.WithField("unique_id", id).Debug("client attached")
	return id
}

// Detach force-closes the client's sessions, stops event delivery and
// releases the id. Unknown ids are ignored.
func (r *Registry) Detach(ctx context.Context, id domain.UniqueID) {
	r.mu.Lock()
	c, ok := r.clients[id]
	if ok {
		delete(r.clients, id)
	}
	hooks := append([]TeardownFunc(nil), r.teardown...)
	r.mu.Unlock()
	if !ok {
		return
	}

	for _, fn := range hooks {
		fn(ctx, id)
	}

	// Waits out a callback in flight; none is delivered after this.
	c.listenerMu.Lock()
	c.listener = nil
	c.detached = true
	c.listenerMu.Unlock()

	if refs := c.Refs(); refs != 0 {
		r.log.WithFields(logrus.Fields{"unique_id": id, "refs": refs}).Warn("client detached with live sessions")
	}
	r.alloc.Release(id)
	r.metrics.ClientDetached()
	r.log.WithField("unique_id", id).Debug("client detached")
}

func (r *Registry) Lookup(id domain.UniqueID) (*Client, error) {
	r.mu.RLock()
	c, ok := r.clients[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unique id %d: %w", id, domain.ErrInvalidSession)
	}
	return c, nil
}

// SetInfoListener replaces the client's listener. A nil listener stops
// delivery.
func (r *Registry) SetInfoListener(id domain.UniqueID, listener ports.InfoListener) error {
	c, err := r.Lookup(id)
	if err != nil {
		return err
	}
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	if c.detached {
		return fmt.Errorf("unique id %d: %w", id, domain.ErrInvalidSession)
	}
	c.listener = listener
	return nil
}

// Notify delivers event to the client's listener on the calling goroutine.
// Events for unknown clients and listener panics are dropped. Listeners
// must not detach their own client from the callback.
func (r *Registry) Notify(id domain.UniqueID, event domain.Event) {
	r.mu.RLock()
	c, ok := r.clients[id]
	r.mu.RUnlock()
	if !ok {
		r.log.WithFields(logrus.Fields{"unique_id": id, "event": event.Type}).Debug("dropping event for unknown client")
		return
	}

	c.listenerMu.RLock()
	defer c.listenerMu.RUnlock()
	if c.detached || c.listener == nil {
		return
	}
	if event.UniqueID == 0 {
		event.UniqueID = id
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	r.deliver(c.listener, event)
}

func (r *Registry) deliver(listener ports.InfoListener, event domain.Event) {
	defer func() {
		if p := recover(); p != nil {
			r.log.WithFields(logrus.Fields{"unique_id": event.UniqueID, "panic": p}).Debug("info listener failed")
		}
	}()
	listener.OnInfo(event)
}

// Live is the number of attached clients.
func (r *Registry) Live() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
