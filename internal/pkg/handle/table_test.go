package handle

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_InsertGetRemove(t *testing.T) {
	tbl := NewTable[string]()

	a := tbl.Insert("a")
	b := tbl.Insert("b")
	require.NotEqual(t, a, b)
	assert.NotZero(t, a)
	assert.Equal(t, 2, tbl.Len())

	got, err := tbl.Get(a)
	require.NoError(t, err)
	assert.Equal(t, "a", got)

	removed, err := tbl.Remove(a)
	require.NoError(t, err)
	assert.Equal(t, "a", removed)

	_, err = tbl.Get(a)
	assert.ErrorIs(t, err, ErrStale)
	_, err = tbl.Remove(a)
	assert.ErrorIs(t, err, ErrStale)
	assert.Equal(t, 1, tbl.Len())
}

func TestTable_StaleIDAfterSlotReuse(t *testing.T) {
	tbl := NewTable[int]()

	first := tbl.Insert(1)
	_, err := tbl.Remove(first)
	require.NoError(t, err)

	second := tbl.Insert(2)
	_, firstIndex := first.split()
	_, secondIndex := second.split()
	require.Equal(t, firstIndex, secondIndex, "slot should be recycled")
	require.NotEqual(t, first, second)

	_, err = tbl.Get(first)
	assert.ErrorIs(t, err, ErrStale)
	v, err := tbl.Get(second)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestTable_ForgedIDs(t *testing.T) {
	tbl := NewTable[int]()
	id := tbl.Insert(7)
	gen, index := id.split()

	for _, forged := range []ID{0, makeID(gen+1, index), makeID(gen, index+1), makeID(gen, 1<<31)} {
		_, err := tbl.Get(forged)
		assert.ErrorIs(t, err, ErrStale, "id %x", uint64(forged))
	}
}

func TestTable_Collect(t *testing.T) {
	tbl := NewTable[int]()
	for i := 0; i < 6; i++ {
		tbl.Insert(i)
	}
	even := tbl.Collect(func(v int) bool { return v%2 == 0 })
	assert.Len(t, even, 3)
	for _, id := range even {
		v, err := tbl.Get(id)
		require.NoError(t, err)
		assert.Zero(t, v%2)
	}
}

func TestTable_Concurrent(t *testing.T) {
	tbl := NewTable[int]()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := tbl.Insert(w*1000 + i)
				v, err := tbl.Get(id)
				if err != nil || v != w*1000+i {
					t.Errorf("Get(%x) = %d, %v", uint64(id), v, err)
					return
				}
				if _, err := tbl.Remove(id); err != nil {
					t.Errorf("Remove(%x): %v", uint64(id), err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	assert.Zero(t, tbl.Len())
}
