package ledger

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drmcore/internal/core/domain"
)

func openTest(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLedger_PutGetList(t *testing.T) {
	l := openTest(t)

	require.NoError(t, l.Put(1, Record{ContentID: "a", Key: []byte("k"), Remaining: 3, MaxCount: 3}))
	require.NoError(t, l.Put(1, Record{ContentID: "b", Remaining: Unlimited, MaxCount: Unlimited}))
	require.NoError(t, l.Put(2, Record{ContentID: "a", Remaining: 1}))

	rec, found, err := l.Get(1, "a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("k"), rec.Key)
	assert.Equal(t, 3, rec.Remaining)
	assert.False(t, rec.InstalledAt.IsZero())

	_, found, err = l.Get(1, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	list, err := l.List(1)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	assert.Error(t, l.Put(1, Record{}))
}

func TestLedger_DeleteAllIsScopedToUniqueID(t *testing.T) {
	l := openTest(t)
	for _, id := range []string{"x", "y", "z"} {
		require.NoError(t, l.Put(1, Record{ContentID: id, Remaining: 1}))
	}
	require.NoError(t, l.Put(2, Record{ContentID: "x", Remaining: 1}))

	removed, err := l.DeleteAll(1)
	require.NoError(t, err)
	assert.Len(t, removed, 3)

	list, err := l.List(1)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, found, err := l.Get(2, "x")
	require.NoError(t, err)
	assert.True(t, found, "other unique ids keep their rights")

	removed, err = l.DeleteAll(1)
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestLedger_Delete(t *testing.T) {
	l := openTest(t)
	require.NoError(t, l.Put(1, Record{ContentID: "a", Remaining: 1}))

	existed, err := l.Delete(1, "a")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = l.Delete(1, "a")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestLedger_Consume(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		rec       *Record
		reserve   bool
		wantErr   error
		remaining int
	}{
		{
			name:    "no rights",
			wantErr: domain.ErrRightsRequired,
		},
		{
			name:    "expired",
			rec:     &Record{ContentID: "c", Remaining: 5, Expiry: now.Add(-time.Hour)},
			wantErr: domain.ErrRightsExpired,
		},
		{
			name:    "not yet valid",
			rec:     &Record{ContentID: "c", Remaining: 5, NotBefore: now.Add(time.Hour)},
			wantErr: domain.ErrRightsExpired,
		},
		{
			name:    "exhausted",
			rec:     &Record{ContentID: "c", Remaining: 0},
			wantErr: domain.ErrRightsExhausted,
		},
		{
			name:      "decrement",
			rec:       &Record{ContentID: "c", Remaining: 2},
			remaining: 1,
		},
		{
			name:      "reserve leaves count",
			rec:       &Record{ContentID: "c", Remaining: 2},
			reserve:   true,
			remaining: 2,
		},
		{
			name:      "unlimited",
			rec:       &Record{ContentID: "c", Remaining: Unlimited},
			remaining: Unlimited,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := openTest(t)
			if tt.rec != nil {
				require.NoError(t, l.Put(1, *tt.rec))
			}
			err := l.Consume(1, "c", "s1", tt.reserve, now)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			rec, _, err := l.Get(1, "c")
			require.NoError(t, err)
			assert.Equal(t, tt.remaining, rec.Remaining)
		})
	}
}

func TestLedger_ReserveThenConsumeDecrementsOnce(t *testing.T) {
	l := openTest(t)
	now := time.Now()
	require.NoError(t, l.Put(1, Record{ContentID: "c", Remaining: 1}))

	require.NoError(t, l.Consume(1, "c", "s1", true, now))
	assert.Equal(t, 1, l.Reserved(1, "c", "s1"))

	avail, err := l.Available(1, "c")
	require.NoError(t, err)
	assert.Zero(t, avail)

	// Another session cannot take the reserved use.
	assert.ErrorIs(t, l.Consume(1, "c", "s2", false, now), domain.ErrRightsExhausted)
	assert.ErrorIs(t, l.Consume(1, "c", "s2", true, now), domain.ErrRightsExhausted)

	require.NoError(t, l.Consume(1, "c", "s1", false, now))
	assert.Zero(t, l.Reserved(1, "c", "s1"))

	rec, _, err := l.Get(1, "c")
	require.NoError(t, err)
	assert.Zero(t, rec.Remaining)

	assert.ErrorIs(t, l.Consume(1, "c", "s1", false, now), domain.ErrRightsExhausted)
}

func TestLedger_ReleaseRollsBack(t *testing.T) {
	l := openTest(t)
	now := time.Now()
	require.NoError(t, l.Put(1, Record{ContentID: "c", Remaining: 2}))

	require.NoError(t, l.Consume(1, "c", "s1", true, now))
	require.NoError(t, l.Consume(1, "c", "s1", true, now))
	assert.ErrorIs(t, l.Consume(1, "c", "s1", true, now), domain.ErrRightsExhausted)

	assert.Equal(t, 2, l.Release("s1"))
	assert.Zero(t, l.Release("s1"))

	avail, err := l.Available(1, "c")
	require.NoError(t, err)
	assert.Equal(t, 2, avail)
}

func TestLedger_ConcurrentConsumeNeverOverspends(t *testing.T) {
	l := openTest(t)
	now := time.Now()
	require.NoError(t, l.Put(1, Record{ContentID: "c", Remaining: 50}))

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if err := l.Consume(1, "c", "s", false, now); err == nil {
					mu.Lock()
					ok++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, ok)
	rec, _, err := l.Get(1, "c")
	require.NoError(t, err)
	assert.Zero(t, rec.Remaining)
}
