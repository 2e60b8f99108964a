package buffer

import (
	"io"
	"sync/atomic"
)

// Composite presents an ordered list of buffers as one logical sequence of
// readable bytes, without copying any of them.
//
// A Composite owns its components: releasing the composite's last reference
// releases every component.
type Composite struct {
	parts []*Buffer
	refs  atomic.Int32
}

// NewComposite takes ownership of bufs, which are appended in order.
func NewComposite(bufs ...*Buffer) *Composite {
	c := &Composite{parts: make([]*Buffer, 0, len(bufs))}
	c.refs.Store(1)
	for _, b := range bufs {
		c.AddComponent(b)
	}
	return c
}

func (c *Composite) check() {
	if n := c.refs.Load(); n <= 0 {
		panic(&IllegalReferenceCountError{RefCnt: n})
	}
}

// AddComponent appends b, taking ownership of the caller's reference.
func (c *Composite) AddComponent(b *Buffer) {
	c.check()
	b.check()
	c.parts = append(c.parts, b)
}

// Components returns the number of components.
func (c *Composite) Components() int { return len(c.parts) }

// Component returns the component at index i.
func (c *Composite) Component(i int) *Buffer { return c.parts[i] }

// ReadableBytes returns the total readable bytes across components.
func (c *Composite) ReadableBytes() int {
	var n int
	for _, b := range c.parts {
		n += b.ReadableBytes()
	}
	return n
}

// IsReadable reports whether any component has readable bytes.
func (c *Composite) IsReadable() bool {
	for _, b := range c.parts {
		if b.IsReadable() {
			return true
		}
	}
	return false
}

// Buffers returns the readable bytes of each non-empty component, suitable
// for a vectored write.
func (c *Composite) Buffers() [][]byte {
	c.check()
	out := make([][]byte, 0, len(c.parts))
	for _, b := range c.parts {
		if b.IsReadable() {
			out = append(out, b.Bytes())
		}
	}
	return out
}

// Skip consumes n readable bytes, spanning components as needed.
func (c *Composite) Skip(n int) error {
	c.check()
	if n < 0 || n > c.ReadableBytes() {
		return ErrOutOfBounds
	}
	for _, b := range c.parts {
		if n == 0 {
			break
		}
		k := min(n, b.ReadableBytes())
		if err := b.Skip(k); err != nil {
			return err
		}
		n -= k
	}
	return nil
}

// Read implements io.Reader across components.
func (c *Composite) Read(p []byte) (int, error) {
	c.check()
	var total int
	for _, b := range c.parts {
		if total == len(p) {
			break
		}
		if !b.IsReadable() {
			continue
		}
		n, _ := b.Read(p[total:])
		total += n
	}
	if total == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return total, nil
}

// Consolidate copies the readable bytes into a single buffer allocated from
// arena a. The composite is left untouched.
func (c *Composite) Consolidate(a *Arena) *Buffer {
	c.check()
	out := a.get(c.ReadableBytes())
	for _, b := range c.parts {
		_, _ = out.Write(b.Bytes())
	}
	return out
}

func (c *Composite) RefCnt() int32 { return c.refs.Load() }

// Retain increments the composite's reference count.
func (c *Composite) Retain() *Composite {
	for {
		n := c.refs.Load()
		if n <= 0 {
			panic(&IllegalReferenceCountError{RefCnt: n, Delta: 1})
		}
		if c.refs.CompareAndSwap(n, n+1) {
			return c
		}
	}
}

// Release decrements the reference count, releasing every component when it
// reaches zero.
func (c *Composite) Release() bool {
	for {
		n := c.refs.Load()
		if n <= 0 {
			panic(&IllegalReferenceCountError{RefCnt: n, Delta: -1})
		}
		if c.refs.CompareAndSwap(n, n-1) {
			if n != 1 {
				return false
			}
			for i, b := range c.parts {
				b.Release()
				c.parts[i] = nil
			}
			c.parts = nil
			return true
		}
	}
}

// Compose builds a composite from bufs on behalf of arena a. Buffers owned by
// a, or wrapping caller memory, are added as-is; buffers from any other arena
// are copied into a and their original reference released. Ownership of
// every buf passes to the composite.
func (a *Arena) Compose(bufs ...*Buffer) *Composite {
	c := NewComposite()
	for _, b := range bufs {
		if owner := b.Arena(); owner != nil && owner != a {
			cp := a.get(b.ReadableBytes())
			_, _ = cp.Write(b.Bytes())
			b.Release()
			b = cp
		}
		c.AddComponent(b)
	}
	return c
}
