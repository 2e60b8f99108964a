package buffer

import (
	"fmt"
	"io"
)

// Buffer is a reference-counted window over pooled storage.
//
// The readable bytes are [ReaderIndex, WriterIndex) and the writable bytes
// are [WriterIndex, Capacity). Any access after the final Release panics with
// an *IllegalReferenceCountError.
type Buffer struct {
	r           *region
	off         int
	length      int // fixed capacity of a derived view, -1 for the root
	reader      int
	writer      int
	maxCapacity int
}

// Wrap returns a buffer over p without copying. All of p is readable. The
// storage is never pooled, although the reference count is still enforced.
func Wrap(p []byte) *Buffer {
	r := &region{data: p, class: -1}
	r.refs.Store(1)
	return &Buffer{r: r, length: -1, writer: len(p), maxCapacity: DefaultMaxCapacity}
}

func (b *Buffer) check() {
	if c := b.r.refs.Load(); c <= 0 {
		panic(&IllegalReferenceCountError{RefCnt: c})
	}
}

func (b *Buffer) mem() []byte {
	return b.r.data[b.off : b.off+b.Capacity()]
}

// RefCnt returns the current reference count, shared with derived views.
func (b *Buffer) RefCnt() int32 { return b.r.refs.Load() }

// Retain increments the reference count.
func (b *Buffer) Retain() *Buffer {
	for {
		c := b.r.refs.Load()
		if c <= 0 {
			panic(&IllegalReferenceCountError{RefCnt: c, Delta: 1})
		}
		if b.r.refs.CompareAndSwap(c, c+1) {
			return b
		}
	}
}

// Release decrements the reference count, returning true if this call
// released the storage. It is safe to call from any goroutine.
func (b *Buffer) Release() bool {
	for {
		c := b.r.refs.Load()
		if c <= 0 {
			panic(&IllegalReferenceCountError{RefCnt: c, Delta: -1})
		}
		if b.r.refs.CompareAndSwap(c, c-1) {
			if c == 1 {
				b.r.free()
				return true
			}
			return false
		}
	}
}

// Arena returns the arena that owns the storage, or nil for wrapped memory.
func (b *Buffer) Arena() *Arena { return b.r.arena }

// Capacity returns the number of bytes addressable by this buffer.
func (b *Buffer) Capacity() int {
	if b.length < 0 {
		return len(b.r.data)
	}
	return b.length
}

// MaxCapacity returns the limit EnsureWritable may grow the buffer to.
func (b *Buffer) MaxCapacity() int {
	if b.length >= 0 {
		return b.length
	}
	return b.maxCapacity
}

func (b *Buffer) ReaderIndex() int   { return b.reader }
func (b *Buffer) WriterIndex() int   { return b.writer }
func (b *Buffer) ReadableBytes() int { return b.writer - b.reader }

func (b *Buffer) WritableBytes() int { return b.Capacity() - b.writer }

// IsReadable reports whether at least one byte is readable.
func (b *Buffer) IsReadable() bool { return b.writer > b.reader }

// Bytes returns the readable bytes without copying. The slice is only valid
// until the next mutation or release.
func (b *Buffer) Bytes() []byte {
	b.check()
	return b.mem()[b.reader:b.writer]
}

// Read implements io.Reader, consuming readable bytes.
func (b *Buffer) Read(p []byte) (int, error) {
	b.check()
	if b.reader == b.writer {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(p, b.mem()[b.reader:b.writer])
	b.reader += n
	return n, nil
}

// ReadByte implements io.ByteReader.
func (b *Buffer) ReadByte() (byte, error) {
	b.check()
	if b.reader == b.writer {
		return 0, io.EOF
	}
	c := b.mem()[b.reader]
	b.reader++
	return c, nil
}

// Skip advances the reader index by n.
func (b *Buffer) Skip(n int) error {
	b.check()
	if n < 0 || n > b.ReadableBytes() {
		return fmt.Errorf("%w: skip %d with %d readable", ErrOutOfBounds, n, b.ReadableBytes())
	}
	b.reader += n
	return nil
}

// EnsureWritable makes room for at least n more bytes after the writer index,
// reallocating if necessary. The committed bytes are preserved exactly, and
// the reference count is unaffected. Derived views cannot grow.
func (b *Buffer) EnsureWritable(n int) error {
	b.check()
	if n < 0 {
		return fmt.Errorf("%w: negative length %d", ErrOutOfBounds, n)
	}
	if n <= b.WritableBytes() {
		return nil
	}
	if b.length >= 0 {
		return ErrNotResizable
	}
	want := b.writer + n
	if want > b.maxCapacity {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, want, b.maxCapacity)
	}
	b.r.grow(newCapacity(b.Capacity(), want, b.maxCapacity))
	return nil
}

func newCapacity(current, want, limit int) int {
	c := max(current, MinPooledSize)
	for c < want {
		c <<= 1
	}
	return min(c, limit)
}

// Write implements io.Writer, growing the buffer as needed.
func (b *Buffer) Write(p []byte) (int, error) {
	if err := b.EnsureWritable(len(p)); err != nil {
		return 0, err
	}
	n := copy(b.mem()[b.writer:], p)
	b.writer += n
	return n, nil
}

// WriteString appends s, growing the buffer as needed.
func (b *Buffer) WriteString(s string) (int, error) {
	if err := b.EnsureWritable(len(s)); err != nil {
		return 0, err
	}
	n := copy(b.mem()[b.writer:], s)
	b.writer += n
	return n, nil
}

// WriteByte implements io.ByteWriter.
func (b *Buffer) WriteByte(c byte) error {
	if err := b.EnsureWritable(1); err != nil {
		return err
	}
	b.mem()[b.writer] = c
	b.writer++
	return nil
}

// WritableSlice returns the writable region, to be filled directly (for
// example by a read syscall) and then committed with CommitWrite.
func (b *Buffer) WritableSlice() []byte {
	b.check()
	return b.mem()[b.writer:]
}

// CommitWrite advances the writer index by n after the caller filled part of
// WritableSlice.
func (b *Buffer) CommitWrite(n int) error {
	b.check()
	if n < 0 || n > b.WritableBytes() {
		return fmt.Errorf("%w: commit %d with %d writable", ErrOutOfBounds, n, b.WritableBytes())
	}
	b.writer += n
	return nil
}

// Slice returns a view of bytes [from, to) of this buffer's storage. The view
// shares storage and reference count with b, and does not retain it.
func (b *Buffer) Slice(from, to int) *Buffer {
	b.check()
	if from < 0 || to < from || to > b.Capacity() {
		panic(fmt.Errorf("%w: slice [%d:%d] with capacity %d", ErrOutOfBounds, from, to, b.Capacity()))
	}
	return &Buffer{
		r:      b.r,
		off:    b.off + from,
		length: to - from,
		writer: to - from,
	}
}

// RetainedSlice is Slice followed by Retain.
func (b *Buffer) RetainedSlice(from, to int) *Buffer {
	s := b.Slice(from, to)
	b.Retain()
	return s
}

// ReadSlice returns a view of the next n readable bytes and advances the
// reader index past them.
func (b *Buffer) ReadSlice(n int) (*Buffer, error) {
	b.check()
	if n < 0 || n > b.ReadableBytes() {
		return nil, fmt.Errorf("%w: read slice %d with %d readable", ErrOutOfBounds, n, b.ReadableBytes())
	}
	s := b.Slice(b.reader, b.reader+n)
	b.reader += n
	return s, nil
}

// Copy returns an independent buffer holding the readable bytes, allocated
// from the same arena when there is one.
func (b *Buffer) Copy() *Buffer {
	src := b.Bytes()
	var c *Buffer
	if a := b.r.arena; a != nil {
		c = a.get(len(src))
	} else {
		return Wrap(append([]byte(nil), src...))
	}
	_, _ = c.Write(src)
	return c
}

// Discard moves the readable bytes to the start of the buffer, reclaiming the
// space of bytes already read.
func (b *Buffer) Discard() {
	b.check()
	if b.reader == 0 {
		return
	}
	m := b.mem()
	n := copy(m, m[b.reader:b.writer])
	b.reader, b.writer = 0, n
}

// Reset sets both indexes to zero.
func (b *Buffer) Reset() {
	b.check()
	b.reader, b.writer = 0, 0
}

func (b *Buffer) String() string {
	return fmt.Sprintf("Buffer(ridx: %d, widx: %d, cap: %d, refCnt: %d)", b.reader, b.writer, b.Capacity(), b.RefCnt())
}
