package eventloop

import (
	"sync"
)

// chunkSize is the number of tasks per node in a taskQueue.
const chunkSize = 128

// taskQueue is a FIFO of tasks stored as a linked list of fixed-size chunks,
// recycled through a sync.Pool.
//
// Not thread-safe, the Loop guards it with queueMu.
type taskQueue struct {
	head   *chunk
	tail   *chunk
	length int
}

var chunkPool = sync.Pool{
	New: func() any {
		return &chunk{}
	},
}

// chunk uses read/write cursors for O(1) push and pop without shifting.
type chunk struct {
	tasks   [chunkSize]func()
	next    *chunk
	readPos int
	pos     int
}

func newChunk() *chunk {
	c := chunkPool.Get().(*chunk)
	c.pos = 0
	c.readPos = 0
	c.next = nil
	return c
}

// returnChunk clears retained closures before recycling c.
func returnChunk(c *chunk) {
	clear(c.tasks[:c.pos])
	c.pos = 0
	c.readPos = 0
	c.next = nil
	chunkPool.Put(c)
}

func (q *taskQueue) push(task func()) {
	if q.tail == nil {
		q.tail = newChunk()
		q.head = q.tail
	}
	if q.tail.pos == len(q.tail.tasks) {
		next := newChunk()
		q.tail.next = next
		q.tail = next
	}
	q.tail.tasks[q.tail.pos] = task
	q.tail.pos++
	q.length++
}

func (q *taskQueue) pop() (func(), bool) {
	h := q.head
	if h == nil || h.readPos >= h.pos {
		return nil, false
	}
	task := h.tasks[h.readPos]
	h.tasks[h.readPos] = nil
	h.readPos++
	q.length--
	if h.readPos >= h.pos {
		if h == q.tail {
			h.pos = 0
			h.readPos = 0
		} else {
			q.head = h.next
			returnChunk(h)
		}
	}
	return task, true
}

// popBatch moves up to len(buf) tasks into buf, returning the count.
func (q *taskQueue) popBatch(buf []func()) int {
	var n int
	for n < len(buf) {
		task, ok := q.pop()
		if !ok {
			break
		}
		buf[n] = task
		n++
	}
	return n
}

func (q *taskQueue) len() int { return q.length }
