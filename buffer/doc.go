// Package buffer implements reference-counted byte buffers allocated from
// arena-partitioned size-class pools.
//
// A [Buffer] is a window over pooled storage with independent reader and
// writer indexes, maintaining 0 <= ReaderIndex <= WriterIndex <= Capacity.
// Storage is returned to its [Arena] when the last reference is released, and
// may then be handed out again by a later allocation of the same size class.
// Views created with [Buffer.Slice] share both storage and reference count
// with their parent.
//
// Buffers are not safe for concurrent use, with the exception of the
// reference count, which may be released from any goroutine. Each event loop
// normally allocates from its own arena.
package buffer
