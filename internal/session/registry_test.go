package session

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drmcore/internal/core/domain"
	"drmcore/internal/core/ports"
	"drmcore/internal/metrics"
)

func TestAllocator_NoDuplicatesWhileLive(t *testing.T) {
	a := NewAllocator()
	seen := make(map[domain.UniqueID]bool)
	for i := 0; i < 1000; i++ {
		id := a.Allocate()
		require.NotZero(t, id)
		require.False(t, seen[id], "id %d issued twice", id)
		seen[id] = true
	}
	assert.Equal(t, 1000, a.InUse())
}

func TestAllocator_WrapSkipsLive(t *testing.T) {
	a := NewAllocator()
	first := a.Allocate()
	require.Equal(t, domain.UniqueID(1), first)

	a.next = math.MaxInt32 - 1
	assert.Equal(t, domain.UniqueID(math.MaxInt32), a.Allocate())
	// 1 is still live, so the allocator wraps to 2.
	assert.Equal(t, domain.UniqueID(2), a.Allocate())

	a.Release(first)
	a.next = math.MaxInt32
	assert.Equal(t, domain.UniqueID(1), a.Allocate())
}

func TestRegistry_AttachDetachCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	r := NewRegistry(WithMetrics(m))
	rng := rand.New(rand.NewSource(7))

	var live []domain.UniqueID
	attaches, detaches := 0, 0
	for step := 0; step < 2000; step++ {
		if len(live) == 0 || rng.Intn(3) > 0 {
			id := r.Attach()
			for _, other := range live {
				require.NotEqual(t, other, id, "live id reissued")
			}
			live = append(live, id)
			attaches++
		} else {
			i := rng.Intn(len(live))
			r.Detach(context.Background(), live[i])
			live = append(live[:i], live[i+1:]...)
			detaches++
		}
		require.Equal(t, attaches-detaches, r.Live())
	}
	assert.Equal(t, float64(attaches-detaches), testutil.ToFloat64(m.Clients))
}

func TestRegistry_DetachUnknownIsNoop(t *testing.T) {
	r := NewRegistry()
	id := r.Attach()
	r.Detach(context.Background(), id)
	r.Detach(context.Background(), id)
	r.Detach(context.Background(), 424242)
	assert.Zero(t, r.Live())
}

func TestRegistry_LookupUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup(99)
	assert.ErrorIs(t, err, domain.ErrInvalidSession)
	assert.ErrorIs(t, r.SetInfoListener(99, nil), domain.ErrInvalidSession)
}

func TestRegistry_DetachRunsTeardownBeforeRelease(t *testing.T) {
	r := NewRegistry()
	id := r.Attach()

	var order []string
	r.OnDetach(func(ctx context.Context, got domain.UniqueID) {
		assert.Equal(t, id, got)
		_, err := r.Lookup(got)
		assert.ErrorIs(t, err, domain.ErrInvalidSession, "client should be unreachable during teardown")
		assert.Equal(t, 1, r.alloc.InUse(), "id must stay reserved during teardown")
		order = append(order, "teardown")
	})

	r.Detach(context.Background(), id)
	assert.Equal(t, []string{"teardown"}, order)
	assert.Zero(t, r.alloc.InUse())
}

func TestRegistry_DetachWithLiveSessionsWarns(t *testing.T) {
	log, hook := test.NewNullLogger()
	r := NewRegistry(WithLogger(log))
	id := r.Attach()
	c, err := r.Lookup(id)
	require.NoError(t, err)
	c.Acquire()

	r.Detach(context.Background(), id)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestRegistry_NotifyDelivery(t *testing.T) {
	r := NewRegistry()
	id := r.Attach()
	other := r.Attach()

	var got []domain.Event
	require.NoError(t, r.SetInfoListener(id, ports.InfoListenerFunc(func(e domain.Event) {
		got = append(got, e)
	})))

	r.Notify(id, domain.Event{Type: domain.EventRightsInstalled, Path: "/a"})
	r.Notify(other, domain.Event{Type: domain.EventRightsInstalled})
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].UniqueID)
	assert.False(t, got[0].CreatedAt.IsZero())

	// Replacing the listener redirects delivery.
	var replaced int
	require.NoError(t, r.SetInfoListener(id, ports.InfoListenerFunc(func(domain.Event) { replaced++ })))
	r.Notify(id, domain.Event{Type: domain.EventRightsRemoved})
	assert.Len(t, got, 1)
	assert.Equal(t, 1, replaced)

	r.Detach(context.Background(), id)
	r.Notify(id, domain.Event{Type: domain.EventRightsRemoved})
	assert.Equal(t, 1, replaced, "no delivery after detach")
}

func TestRegistry_ListenerPanicIsAbsorbed(t *testing.T) {
	r := NewRegistry()
	id := r.Attach()
	require.NoError(t, r.SetInfoListener(id, ports.InfoListenerFunc(func(domain.Event) {
		panic("listener gone")
	})))
	assert.NotPanics(t, func() {
		r.Notify(id, domain.Event{Type: domain.EventRightsExpired})
	})
}

func TestRegistry_NoCallbackAfterDetachReturns(t *testing.T) {
	r := NewRegistry()
	id := r.Attach()

	var mu sync.Mutex
	detached := false
	late := 0
	require.NoError(t, r.SetInfoListener(id, ports.InfoListenerFunc(func(domain.Event) {
		mu.Lock()
		if detached {
			late++
		}
		mu.Unlock()
	})))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				r.Notify(id, domain.Event{Type: domain.EventLicenseRefreshRequired})
			}
		}()
	}
	r.Detach(context.Background(), id)
	mu.Lock()
	detached = true
	mu.Unlock()
	wg.Wait()

	assert.Zero(t, late)
}

func TestClient_Refs(t *testing.T) {
	r := NewRegistry()
	c, err := r.Lookup(r.Attach())
	require.NoError(t, err)
	c.Acquire()
	c.Acquire()
	c.Release()
	assert.Equal(t, 1, c.Refs())
	assert.NotNil(t, c.DecryptLock())
}
