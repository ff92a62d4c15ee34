package registry

import (
	"sync"

	"github.com/kolkov/memsafe/internal/memsafe/epoch"
)

// quarantine is a FIFO of retired records bounded by count and bytes.
// Records enter in sequence order, so the head is always the record with
// the lowest sequence number.
type quarantine struct {
	mu       sync.Mutex
	clock    epoch.Clock
	queue    []*Record
	head     int
	bytes    uintptr
	maxCount int
	maxBytes uintptr
}

func (q *quarantine) len() int {
	return len(q.queue) - q.head
}

// push stamps rec with the next sequence number, appends it and returns the
// records that must be evicted to get back under both limits, oldest first.
// rec itself always stays, even when it alone exceeds the byte budget; it
// leaves with the next push.
func (q *quarantine) push(rec *Record) []*Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec.seq.Store(uint64(q.clock.Tick()))
	q.queue = append(q.queue, rec)
	q.bytes += rec.Gross()

	var evicted []*Record
	for q.len() > 1 && q.over() {
		evicted = append(evicted, q.pop())
	}
	return evicted
}

func (q *quarantine) over() bool {
	return (q.maxCount > 0 && q.len() > q.maxCount) ||
		(q.maxBytes > 0 && q.bytes > q.maxBytes)
}

func (q *quarantine) pop() *Record {
	rec := q.queue[q.head]
	q.queue[q.head] = nil
	q.head++
	q.bytes -= rec.Gross()

	if q.head > len(q.queue)/2 {
		n := copy(q.queue, q.queue[q.head:])
		clear(q.queue[n:])
		q.queue = q.queue[:n]
		q.head = 0
	}
	return rec
}

// drain removes every record, oldest first.
func (q *quarantine) drain() []*Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Record, 0, q.len())
	for q.len() > 0 {
		out = append(out, q.pop())
	}
	return out
}

func (q *quarantine) stats() (count int, bytes uintptr) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.len(), q.bytes
}
