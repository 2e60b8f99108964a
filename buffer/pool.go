package buffer

import (
	"fmt"
	"math/bits"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
)

const (
	minClassShift = 6
	numClasses    = 15

	// MinPooledSize is the smallest size class, in bytes.
	MinPooledSize = 1 << minClassShift

	// MaxPooledSize is the largest size class, in bytes. Larger requests are
	// served with unpooled storage.
	MaxPooledSize = 1 << (minClassShift + numClasses - 1)

	// DefaultMaxCapacity bounds buffer growth unless overridden.
	DefaultMaxCapacity = 1 << 30

	defaultArenas            = 1
	defaultMaxCachedPerClass = 256
)

// classIndex returns the index of the smallest size class that fits size, or
// -1 when size exceeds MaxPooledSize.
func classIndex(size int) int {
	if size <= MinPooledSize {
		return 0
	}
	if size > MaxPooledSize {
		return -1
	}
	return bits.Len(uint(size-1)) - minClassShift
}

func classSize(class int) int { return MinPooledSize << class }

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Allocations uint64 // storage requests served
	Reuses      uint64 // requests served from a free list
	Releases    uint64 // storage returned after its last reference was released
	Outstanding int64  // allocations not yet released
	Cached      int    // free list entries across every arena
}

// Pool is an allocator partitioned into arenas, each owning per-size-class
// free lists. Storage always returns to the arena that produced it, from
// whichever goroutine performs the final release.
type Pool struct {
	arenas      []*Arena
	maxCached   int
	maxCapacity int
	leaks       bool

	trackMu sync.Mutex
	tracked map[*region]string

	allocations atomic.Uint64
	reuses      atomic.Uint64
	releases    atomic.Uint64
	outstanding atomic.Int64
	next        atomic.Uint64
}

// NewPool creates a Pool. With no options it has a single arena.
func NewPool(opts ...PoolOption) (*Pool, error) {
	cfg, err := resolvePoolOptions(opts)
	if err != nil {
		return nil, err
	}
	p := &Pool{
		maxCached:   cfg.maxCachedPerClass,
		maxCapacity: cfg.maxCapacity,
		leaks:       cfg.leakDetection,
	}
	if p.leaks {
		p.tracked = make(map[*region]string)
	}
	p.arenas = make([]*Arena, cfg.arenas)
	for i := range p.arenas {
		p.arenas[i] = &Arena{pool: p, id: i}
	}
	return p, nil
}

// Arenas returns the number of arenas.
func (p *Pool) Arenas() int { return len(p.arenas) }

// Arena returns the arena at index i modulo the number of arenas, which
// allows callers to map arbitrary identifiers (such as an event loop id) onto
// an arena.
func (p *Pool) Arena(i int) *Arena {
	if i < 0 {
		i = -i
	}
	return p.arenas[i%len(p.arenas)]
}

// Get allocates from the arenas in round-robin order.
func (p *Pool) Get(size int) *Buffer {
	a := p.arenas[p.next.Add(1)%uint64(len(p.arenas))]
	return a.get(size)
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	s := Stats{
		Allocations: p.allocations.Load(),
		Reuses:      p.reuses.Load(),
		Releases:    p.releases.Load(),
		Outstanding: p.outstanding.Load(),
	}
	for _, a := range p.arenas {
		s.Cached += a.Cached()
	}
	return s
}

// CheckLeaks returns a *LeakError if any allocation remains unreleased. The
// allocation sites are only known when leak detection is enabled.
func (p *Pool) CheckLeaks() error {
	if !p.leaks {
		if n := p.outstanding.Load(); n > 0 {
			sites := make([]string, n)
			for i := range sites {
				sites[i] = "unknown"
			}
			return &LeakError{Sites: sites}
		}
		return nil
	}
	p.trackMu.Lock()
	defer p.trackMu.Unlock()
	if len(p.tracked) == 0 {
		return nil
	}
	sites := make([]string, 0, len(p.tracked))
	for _, site := range p.tracked {
		sites = append(sites, site)
	}
	slices.Sort(sites)
	return &LeakError{Sites: sites}
}

func (p *Pool) track(r *region) {
	if !p.leaks {
		return
	}
	site := "unknown"
	if _, file, line, ok := runtime.Caller(3); ok {
		site = fmt.Sprintf("%s:%d", file, line)
	}
	p.trackMu.Lock()
	p.tracked[r] = site
	p.trackMu.Unlock()
}

func (p *Pool) untrack(r *region) {
	if !p.leaks {
		return
	}
	p.trackMu.Lock()
	delete(p.tracked, r)
	p.trackMu.Unlock()
}

// Arena is one partition of a Pool. Event loops each allocate from their own
// arena, while the free lists stay safe for releases from other goroutines.
type Arena struct {
	pool *Pool
	id   int
	mu   sync.Mutex
	free [numClasses][][]byte
}

// ID returns the arena index within its pool.
func (a *Arena) ID() int { return a.id }

// Pool returns the owning pool.
func (a *Arena) Pool() *Pool { return a.pool }

// Get allocates a buffer with at least size bytes of capacity. The returned
// buffer has a reference count of 1 and both indexes at zero.
func (a *Arena) Get(size int) *Buffer { return a.get(size) }

// Cached returns the number of free list entries held by the arena.
func (a *Arena) Cached() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	var n int
	for _, l := range a.free {
		n += len(l)
	}
	return n
}

// get is only called directly by exported allocation methods, so the caller
// that allocated is always three frames above track.
func (a *Arena) get(size int) *Buffer {
	if size < 0 {
		size = 0
	}
	class := classIndex(size)
	r := &region{arena: a, class: class}
	mem := a.take(class)
	if mem == nil {
		mem = make([]byte, size)
	}
	r.data = mem[:size]
	r.refs.Store(1)
	a.pool.outstanding.Add(1)
	a.pool.track(r)
	return &Buffer{r: r, length: -1, maxCapacity: a.pool.maxCapacity}
}

// take returns storage with capacity of exactly the class size, reusing the
// most recently freed entry when one exists.
func (a *Arena) take(class int) []byte {
	a.pool.allocations.Add(1)
	if class < 0 {
		return nil
	}
	a.mu.Lock()
	l := a.free[class]
	if n := len(l); n > 0 {
		mem := l[n-1]
		l[n-1] = nil
		a.free[class] = l[:n-1]
		a.mu.Unlock()
		a.pool.reuses.Add(1)
		return mem
	}
	a.mu.Unlock()
	return make([]byte, classSize(class))
}

func (a *Arena) put(class int, mem []byte) {
	if class < 0 {
		return
	}
	a.mu.Lock()
	if len(a.free[class]) < a.pool.maxCached {
		a.free[class] = append(a.free[class], mem[:cap(mem)])
	}
	a.mu.Unlock()
}

// region is storage shared between a buffer and every view derived from it.
type region struct {
	data  []byte
	refs  atomic.Int32
	arena *Arena
	class int
}

func (r *region) free() {
	if r.arena == nil {
		return
	}
	p := r.arena.pool
	p.untrack(r)
	p.outstanding.Add(-1)
	p.releases.Add(1)
	r.arena.put(r.class, r.data)
	r.data = nil
}

// grow reallocates the storage to hold at least size bytes, preserving the
// existing contents.
func (r *region) grow(size int) {
	if size <= cap(r.data) {
		r.data = r.data[:size]
		return
	}
	if r.arena == nil {
		mem := make([]byte, size)
		copy(mem, r.data)
		r.data = mem
		return
	}
	class := classIndex(size)
	mem := r.arena.take(class)
	if mem == nil {
		mem = make([]byte, size)
	}
	mem = mem[:size]
	copy(mem, r.data)
	r.arena.put(r.class, r.data)
	r.data = mem
	r.class = class
}
