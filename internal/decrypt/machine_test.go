package decrypt

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drmcore/internal/core/domain"
	"drmcore/internal/core/ports"
	"drmcore/internal/core/ports/mocks"
	"drmcore/internal/metrics"
	"drmcore/internal/plugin"
	"drmcore/internal/rights"
	"drmcore/internal/session"
)

type harness struct {
	machine  *Machine
	registry *session.Registry
	metrics  *metrics.Metrics
	id       domain.UniqueID
}

func newHarness(t *testing.T, backends ...*mocks.MockBackend) *harness {
	t.Helper()
	reg := session.NewRegistry()
	pr, err := plugin.NewRegistry(nil)
	require.NoError(t, err)
	for _, b := range backends {
		require.NoError(t, pr.Register(b))
	}
	m := metrics.New(prometheus.NewRegistry())
	resolver := rights.NewResolver(reg, pr, rights.WithMetrics(m))
	return &harness{
		machine:  NewMachine(reg, resolver, pr, WithMetrics(m)),
		registry: reg,
		metrics:  m,
		id:       reg.Attach(),
	}
}

func backendWith(name string, sess *mocks.MockDecryptSession) *mocks.MockBackend {
	b := mocks.NewMockBackend(name)
	b.CanHandleFunc = func(path, mimeType string) bool { return true }
	b.OpenSessionFunc = func(context.Context, domain.UniqueID, domain.ContentSource) (ports.DecryptSession, error) {
		return sess, nil
	}
	return b
}

func TestMachine_OpenFDTriesEveryBackend(t *testing.T) {
	ctx := context.Background()
	sess := mocks.NewMockDecryptSession()
	skip := mocks.NewMockBackend("skip")
	skip.OpenSessionFunc = func(context.Context, domain.UniqueID, domain.ContentSource) (ports.DecryptSession, error) {
		return nil, domain.ErrUnsupportedContent
	}
	take := backendWith("take", sess)
	h := newHarness(t, skip, take)

	dh, err := h.machine.OpenFD(ctx, h.id, bytes.NewReader(make([]byte, 16)), 0, 16)
	require.NoError(t, err)
	assert.NotZero(t, dh.ID)
	assert.Equal(t, mocks.MockMimeType, dh.MimeType)
	assert.Equal(t, domain.AlgorithmAESCTR, dh.Algorithm)
	assert.Equal(t, domain.RightsValid, dh.Status)
	assert.Equal(t, 1, skip.Calls("OpenSession"))
	assert.Equal(t, 1, take.Calls("OpenSession"))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.DecryptSessions))

	c, err := h.registry.Lookup(h.id)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Refs())
}

func TestMachine_OpenErrors(t *testing.T) {
	ctx := context.Background()
	none := mocks.NewMockBackend("none")
	none.OpenSessionFunc = func(context.Context, domain.UniqueID, domain.ContentSource) (ports.DecryptSession, error) {
		return nil, domain.ErrUnsupportedContent
	}
	h := newHarness(t, none)

	_, err := h.machine.OpenFD(ctx, h.id, bytes.NewReader(nil), 0, 0)
	assert.ErrorIs(t, err, domain.ErrUnsupportedContent)

	_, err = h.machine.OpenURI(ctx, h.id, "/plain.txt")
	assert.ErrorIs(t, err, domain.ErrUnsupportedContent)

	_, err = h.machine.OpenFD(ctx, h.id+1, bytes.NewReader(nil), 0, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidSession)

	none.OpenSessionFunc = func(context.Context, domain.UniqueID, domain.ContentSource) (ports.DecryptSession, error) {
		return nil, domain.ErrRightsRequired
	}
	_, err = h.machine.OpenFD(ctx, h.id, bytes.NewReader(nil), 0, 0)
	assert.ErrorIs(t, err, domain.ErrRightsRequired)
	assert.Zero(t, h.machine.Open())
}

func TestMachine_OpenURI(t *testing.T) {
	ctx := context.Background()
	sess := mocks.NewMockDecryptSession()
	b := backendWith("m", sess)
	var got domain.ContentSource
	b.OpenSessionFunc = func(_ context.Context, _ domain.UniqueID, src domain.ContentSource) (ports.DecryptSession, error) {
		got = src
		return sess, nil
	}
	h := newHarness(t, b)

	dh, err := h.machine.OpenURI(ctx, h.id, "file:///media/a.mock")
	require.NoError(t, err)
	assert.Equal(t, "file:///media/a.mock", got.URI)
	require.NoError(t, h.machine.Close(ctx, h.id, dh.ID))
}

func TestMachine_DecryptRequiresInitializedUnit(t *testing.T) {
	ctx := context.Background()
	sess := mocks.NewMockDecryptSession()
	h := newHarness(t, backendWith("m", sess))
	dh, err := h.machine.OpenURI(ctx, h.id, "/a")
	require.NoError(t, err)

	_, err = h.machine.Decrypt(ctx, h.id, dh.ID, 3, []byte("x"), nil)
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)
	assert.ErrorIs(t, h.machine.FinalizeUnit(ctx, h.id, dh.ID, 3), domain.ErrProtocolViolation)

	require.NoError(t, h.machine.InitializeUnit(ctx, h.id, dh.ID, 3, []byte{3}))
	out, err := h.machine.Decrypt(ctx, h.id, dh.ID, 3, []byte("abc"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), out)

	require.NoError(t, h.machine.FinalizeUnit(ctx, h.id, dh.ID, 3))
	_, err = h.machine.Decrypt(ctx, h.id, dh.ID, 3, []byte("x"), nil)
	assert.ErrorIs(t, err, domain.ErrProtocolViolation)
	assert.Equal(t, 2, sess.Calls("DecryptUnit")+sess.Calls("InitUnit"))
}

func TestMachine_BackendFailureLeavesUnitReady(t *testing.T) {
	ctx := context.Background()
	sess := mocks.NewMockDecryptSession()
	fail := true
	sess.DecryptUnitFunc = func(_ context.Context, _ int, state *domain.UnitState, enc, _ []byte) ([]byte, error) {
		state.Counter += uint64(len(enc))
		if fail {
			return nil, errors.New("bad padding")
		}
		return append([]byte(nil), enc...), nil
	}
	h := newHarness(t, backendWith("m", sess))
	dh, err := h.machine.OpenURI(ctx, h.id, "/a")
	require.NoError(t, err)
	require.NoError(t, h.machine.InitializeUnit(ctx, h.id, dh.ID, 0, []byte{0}))

	_, err = h.machine.Decrypt(ctx, h.id, dh.ID, 0, []byte("1234"), nil)
	assert.ErrorIs(t, err, domain.ErrBackendFailure)

	fail = false
	_, err = h.machine.Decrypt(ctx, h.id, dh.ID, 0, []byte("1234"), nil)
	require.NoError(t, err)

	e, err := h.machine.get(h.id, dh.ID)
	require.NoError(t, err)
	st := e.units[0]
	assert.Equal(t, domain.UnitReady, st.Phase)
	assert.Equal(t, uint64(4), st.Counter, "failed call must not advance the counter")
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.DecryptOps.WithLabelValues("decrypt", "error")))
}

func TestMachine_ConcurrentUnitsOnOneHandle(t *testing.T) {
	ctx := context.Background()
	sess := mocks.NewMockDecryptSession()
	var inFlight, overlaps atomic.Int32
	sess.DecryptUnitFunc = func(_ context.Context, unit int, state *domain.UnitState, enc, _ []byte) ([]byte, error) {
		if inFlight.Add(1) > 1 {
			overlaps.Add(1)
		}
		defer inFlight.Add(-1)
		if len(state.IV) != 1 || int(state.IV[0]) != unit {
			return nil, errors.New("unit state crossed")
		}
		state.Counter += uint64(len(enc))
		return append([]byte(nil), enc...), nil
	}
	h := newHarness(t, backendWith("m", sess))
	dh, err := h.machine.OpenURI(ctx, h.id, "/a")
	require.NoError(t, err)
	require.NoError(t, h.machine.InitializeUnit(ctx, h.id, dh.ID, 1, []byte{1}))
	require.NoError(t, h.machine.InitializeUnit(ctx, h.id, dh.ID, 2, []byte{2}))

	const rounds = 200
	var wg sync.WaitGroup
	for _, unit := range []int{1, 2} {
		wg.Add(1)
		go func(unit int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				out, err := h.machine.Decrypt(ctx, h.id, dh.ID, unit, []byte{byte(unit), 0xff}, nil)
				assert.NoError(t, err)
				assert.Equal(t, []byte{byte(unit), 0xff}, out)
			}
		}(unit)
	}
	wg.Wait()

	assert.Zero(t, overlaps.Load(), "decrypts of one client must not overlap")
	e, err := h.machine.get(h.id, dh.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2*rounds), e.units[1].Counter)
	assert.Equal(t, uint64(2*rounds), e.units[2].Counter)
}

func TestMachine_ZeroRightsContent(t *testing.T) {
	ctx := context.Background()
	sess := mocks.NewMockDecryptSession()
	sess.RightsStatusFunc = func(context.Context, domain.Action) (domain.RightsStatus, error) {
		return domain.RightsNotAcquired, nil
	}
	h := newHarness(t, backendWith("m", sess))

	file := bytes.NewReader(make([]byte, 1000))
	dh, err := h.machine.OpenFD(ctx, h.id, file, 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, domain.RightsNotAcquired, dh.Status)

	for _, unit := range []int{0, 1, 7} {
		_, err := h.machine.Decrypt(ctx, h.id, dh.ID, unit, []byte("cipher"), nil)
		assert.ErrorIs(t, err, domain.ErrRightsRequired)
	}
	require.NoError(t, h.machine.InitializeUnit(ctx, h.id, dh.ID, 0, nil))
	_, err = h.machine.Decrypt(ctx, h.id, dh.ID, 0, []byte("cipher"), nil)
	assert.ErrorIs(t, err, domain.ErrRightsRequired)

	_, err = h.machine.ReadAt(ctx, h.id, dh.ID, make([]byte, 10), 0)
	assert.ErrorIs(t, err, domain.ErrRightsRequired)

	assert.Zero(t, sess.Calls("DecryptUnit"))
	assert.Zero(t, sess.Calls("ReadAt"))
}

func TestMachine_ExpiredRights(t *testing.T) {
	ctx := context.Background()
	sess := mocks.NewMockDecryptSession()
	sess.RightsStatusFunc = func(context.Context, domain.Action) (domain.RightsStatus, error) {
		return domain.RightsExpired, nil
	}
	h := newHarness(t, backendWith("m", sess))
	dh, err := h.machine.OpenURI(ctx, h.id, "/a")
	require.NoError(t, err)
	require.NoError(t, h.machine.InitializeUnit(ctx, h.id, dh.ID, 0, nil))

	_, err = h.machine.Decrypt(ctx, h.id, dh.ID, 0, []byte("x"), nil)
	assert.ErrorIs(t, err, domain.ErrRightsExpired)
}

func TestMachine_ReadAt(t *testing.T) {
	ctx := context.Background()
	data := []byte("0123456789")
	sess := mocks.NewMockDecryptSession()
	sess.ReadAtFunc = func(_ context.Context, p []byte, off int64) (int, error) {
		if off == 99 {
			return 0, domain.ErrIO
		}
		return bytes.NewReader(data).ReadAt(p, off)
	}
	h := newHarness(t, backendWith("m", sess))
	dh, err := h.machine.OpenURI(ctx, h.id, "/a")
	require.NoError(t, err)

	buf := make([]byte, 4)
	n, err := h.machine.ReadAt(ctx, h.id, dh.ID, buf, 3)
	require.NoError(t, err)
	assert.Equal(t, "3456", string(buf[:n]))

	n, err = h.machine.ReadAt(ctx, h.id, dh.ID, buf, 10)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)

	_, err = h.machine.ReadAt(ctx, h.id, dh.ID, buf, 99)
	assert.ErrorIs(t, err, domain.ErrIO)

	n, err = h.machine.ReadAt(ctx, h.id, dh.ID, buf, 0)
	require.NoError(t, err, "i/o failure must not invalidate the handle")
	assert.Equal(t, 4, n)
}

func TestMachine_CloseFinalizesUnits(t *testing.T) {
	ctx := context.Background()
	sess := mocks.NewMockDecryptSession()
	var finalized []int
	sess.FinalizeUnitFunc = func(_ context.Context, unit int) error {
		finalized = append(finalized, unit)
		return nil
	}
	h := newHarness(t, backendWith("m", sess))
	dh, err := h.machine.OpenURI(ctx, h.id, "/a")
	require.NoError(t, err)
	for _, u := range []int{4, 1, 2} {
		require.NoError(t, h.machine.InitializeUnit(ctx, h.id, dh.ID, u, nil))
	}

	require.NoError(t, h.machine.Close(ctx, h.id, dh.ID))
	assert.Equal(t, []int{1, 2, 4}, finalized)
	assert.Equal(t, 1, sess.Calls("Close"))

	_, err = h.machine.Decrypt(ctx, h.id, dh.ID, 1, []byte("x"), nil)
	assert.ErrorIs(t, err, domain.ErrInvalidSession)
	assert.ErrorIs(t, h.machine.InitializeUnit(ctx, h.id, dh.ID, 1, nil), domain.ErrInvalidSession)
	assert.ErrorIs(t, h.machine.SetPlaybackStatus(ctx, h.id, dh.ID, domain.PlaybackStart, 0), domain.ErrInvalidSession)
	assert.ErrorIs(t, h.machine.Close(ctx, h.id, dh.ID), domain.ErrInvalidSession)

	c, err := h.registry.Lookup(h.id)
	require.NoError(t, err)
	assert.Zero(t, c.Refs())
	assert.Zero(t, testutil.ToFloat64(h.metrics.DecryptSessions))
}

func TestMachine_CloseReportsBackendErrors(t *testing.T) {
	ctx := context.Background()
	sess := mocks.NewMockDecryptSession()
	sess.CloseFunc = func(context.Context) error { return errors.New("device busy") }
	h := newHarness(t, backendWith("m", sess))
	dh, err := h.machine.OpenURI(ctx, h.id, "/a")
	require.NoError(t, err)

	assert.ErrorIs(t, h.machine.Close(ctx, h.id, dh.ID), domain.ErrBackendFailure)
	_, err = h.machine.ReadAt(ctx, h.id, dh.ID, make([]byte, 1), 0)
	assert.ErrorIs(t, err, domain.ErrInvalidSession)
}

func TestMachine_HandleOwnership(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, backendWith("m", mocks.NewMockDecryptSession()))
	other := h.registry.Attach()
	dh, err := h.machine.OpenURI(ctx, h.id, "/a")
	require.NoError(t, err)

	assert.ErrorIs(t, h.machine.InitializeUnit(ctx, other, dh.ID, 0, nil), domain.ErrInvalidSession)
	assert.ErrorIs(t, h.machine.Close(ctx, other, dh.ID), domain.ErrInvalidSession)
	assert.NoError(t, h.machine.InitializeUnit(ctx, h.id, dh.ID, 0, nil))
}

func TestMachine_SetPlaybackStatusIsFireAndForget(t *testing.T) {
	ctx := context.Background()
	sess := mocks.NewMockDecryptSession()
	sess.SetPlaybackStatusFunc = func(context.Context, domain.PlaybackStatus, int64) error {
		return errors.New("not supported")
	}
	h := newHarness(t, backendWith("m", sess))
	dh, err := h.machine.OpenURI(ctx, h.id, "/a")
	require.NoError(t, err)

	assert.NoError(t, h.machine.SetPlaybackStatus(ctx, h.id, dh.ID, domain.PlaybackPause, 1200))
	assert.Equal(t, 1, sess.Calls("SetPlaybackStatus"))
}

func TestMachine_ConsumeRights(t *testing.T) {
	ctx := context.Background()
	sess := mocks.NewMockDecryptSession()
	var got []bool
	sess.ConsumeFunc = func(_ context.Context, _ domain.Action, reserve bool) error {
		got = append(got, reserve)
		if len(got) > 2 {
			return domain.ErrRightsExhausted
		}
		return nil
	}
	h := newHarness(t, backendWith("m", sess))
	dh, err := h.machine.OpenURI(ctx, h.id, "/a")
	require.NoError(t, err)

	require.NoError(t, h.machine.ConsumeRights(ctx, h.id, dh.ID, domain.ActionPlay, true))
	require.NoError(t, h.machine.ConsumeRights(ctx, h.id, dh.ID, domain.ActionPlay, false))
	assert.ErrorIs(t, h.machine.ConsumeRights(ctx, h.id, dh.ID, domain.ActionPlay, false), domain.ErrRightsExhausted)
	assert.Equal(t, []bool{true, false, false}, got)
}

func TestMachine_DetachClosesHandles(t *testing.T) {
	ctx := context.Background()
	sess := mocks.NewMockDecryptSession()
	h := newHarness(t, backendWith("m", sess))
	other := h.registry.Attach()

	mine, err := h.machine.OpenURI(ctx, h.id, "/a")
	require.NoError(t, err)
	require.NoError(t, h.machine.InitializeUnit(ctx, h.id, mine.ID, 0, nil))
	_, err = h.machine.OpenURI(ctx, h.id, "/b")
	require.NoError(t, err)
	theirs, err := h.machine.OpenURI(ctx, other, "/c")
	require.NoError(t, err)

	sess.CloseFunc = func(context.Context) error { return errors.New("stuck") }
	h.registry.Detach(ctx, h.id)

	assert.Equal(t, 1, h.machine.Open())
	assert.Equal(t, 1, sess.Calls("FinalizeUnit"))
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.TeardownErrors))
	_, err = h.machine.ReadAt(ctx, h.id, mine.ID, make([]byte, 1), 0)
	assert.ErrorIs(t, err, domain.ErrInvalidSession)

	sess.CloseFunc = func(context.Context) error { return nil }
	assert.NoError(t, h.machine.Close(ctx, other, theirs.ID))
}
