package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassIndex(t *testing.T) {
	for _, tc := range [...]struct {
		size  int
		class int
	}{
		{0, 0},
		{1, 0},
		{64, 0},
		{65, 1},
		{128, 1},
		{129, 2},
		{16384, 8},
		{MaxPooledSize, numClasses - 1},
		{MaxPooledSize + 1, -1},
	} {
		assert.Equal(t, tc.class, classIndex(tc.size), "size %d", tc.size)
	}
}

func TestNewPool_invalidOptions(t *testing.T) {
	_, err := NewPool(WithArenas(0))
	require.Error(t, err)
	_, err = NewPool(WithMaxCachedPerClass(-1))
	require.Error(t, err)
	_, err = NewPool(WithMaxCapacity(0))
	require.Error(t, err)
}

func TestArena_reusesReleasedStorage(t *testing.T) {
	p := newTestPool(t)
	a := p.Arena(0)

	b1 := a.Get(100)
	first := &b1.WritableSlice()[0]
	require.True(t, b1.Release())
	require.Equal(t, 1, a.Cached())

	b2 := a.Get(100)
	require.Same(t, first, &b2.WritableSlice()[0])
	require.Equal(t, 100, b2.Capacity())
	require.Equal(t, 0, b2.WriterIndex())
	require.True(t, b2.Release())

	s := p.Stats()
	require.Equal(t, uint64(2), s.Allocations)
	require.Equal(t, uint64(1), s.Reuses)
	require.Equal(t, uint64(2), s.Releases)
	require.Zero(t, s.Outstanding)
}

func TestArena_noReuseWhileReferenced(t *testing.T) {
	p := newTestPool(t)
	a := p.Arena(0)
	b1 := a.Get(32)
	b1.Retain()
	require.False(t, b1.Release())
	b2 := a.Get(32)
	require.NotSame(t, &b1.WritableSlice()[0], &b2.WritableSlice()[0])
	require.True(t, b1.Release())
	require.True(t, b2.Release())
}

func TestArena_largeAllocationsUnpooled(t *testing.T) {
	p := newTestPool(t)
	b := p.Get(MaxPooledSize + 1)
	require.Equal(t, MaxPooledSize+1, b.Capacity())
	require.True(t, b.Release())
	require.Zero(t, p.Arena(0).Cached())
}

func TestArena_maxCachedPerClass(t *testing.T) {
	p := newTestPool(t, WithMaxCachedPerClass(1))
	a := p.Arena(0)
	b1, b2 := a.Get(10), a.Get(10)
	b1.Release()
	b2.Release()
	require.Equal(t, 1, a.Cached())
}

func TestArena_releaseFromForeignGoroutine(t *testing.T) {
	p := newTestPool(t, WithArenas(4))
	a := p.Arena(2)
	const n = 64
	bufs := make([]*Buffer, n)
	for i := range bufs {
		bufs[i] = a.Get(256)
	}
	var wg sync.WaitGroup
	for _, b := range bufs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Release()
		}()
	}
	wg.Wait()
	require.Equal(t, n, a.Cached())
	require.Zero(t, p.Arena(0).Cached())
	require.Zero(t, p.Stats().Outstanding)
}

func TestPool_arenaIndexing(t *testing.T) {
	p := newTestPool(t, WithArenas(3))
	require.Equal(t, 3, p.Arenas())
	require.Same(t, p.Arena(1), p.Arena(4))
	require.Same(t, p.Arena(1), p.Arena(-1))
	require.Equal(t, 1, p.Arena(4).ID())
	require.Same(t, p, p.Arena(0).Pool())
}

func TestPool_checkLeaks(t *testing.T) {
	p, err := NewPool(WithLeakDetection(true))
	require.NoError(t, err)
	b := p.Get(10)
	err = p.CheckLeaks()
	var leak *LeakError
	require.ErrorAs(t, err, &leak)
	require.Len(t, leak.Sites, 1)
	require.Contains(t, leak.Sites[0], "pool_test.go")
	b.Release()
	require.NoError(t, p.CheckLeaks())
}

func TestPool_checkLeaksWithoutDetection(t *testing.T) {
	p, err := NewPool()
	require.NoError(t, err)
	b := p.Get(10)
	var leak *LeakError
	require.ErrorAs(t, p.CheckLeaks(), &leak)
	require.Equal(t, []string{"unknown"}, leak.Sites)
	b.Release()
	require.NoError(t, p.CheckLeaks())
}
