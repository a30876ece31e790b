package trails

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// timerEntry is one armed deadline. gen guards against a stale heap
// entry firing after a disarm/re-arm cycle.
type timerEntry struct {
	id       uuid.UUID
	expireAt time.Time
	gen      uint64
}

type timerHeap []timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].expireAt.Before(h[j].expireAt) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)         { *h = append(*h, x.(timerEntry)) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// TimerWheel is one ordered set of per-participant deadlines with an id
// index for O(log n) disarm. A single goroutine owns the scan; Arm and
// Disarm only touch the indexed heap under the mutex, so the hot path
// never blocks on expiry work.
type TimerWheel struct {
	name     string
	interval time.Duration
	onExpire func(id uuid.UUID, expireAt time.Time)

	mu      sync.Mutex
	heap    timerHeap
	armed   map[uuid.UUID]uint64
	nextGen uint64
}

// NewTimerWheel builds a wheel scanning every interval. onExpire runs on
// the wheel goroutine; it must not block for long.
func NewTimerWheel(name string, interval time.Duration, onExpire func(id uuid.UUID, expireAt time.Time)) *TimerWheel {
	if interval <= 0 {
		interval = time.Second
	}
	return &TimerWheel{
		name:     name,
		interval: interval,
		onExpire: onExpire,
		armed:    map[uuid.UUID]uint64{},
	}
}

// Arm schedules (or reschedules) the deadline for id.
func (w *TimerWheel) Arm(id uuid.UUID, expireAt time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextGen++
	w.armed[id] = w.nextGen
	heap.Push(&w.heap, timerEntry{id: id, expireAt: expireAt, gen: w.nextGen})
}

// Disarm cancels any pending deadline for id. Stale heap entries are
// dropped lazily during the scan.
func (w *TimerWheel) Disarm(id uuid.UUID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.armed, id)
}

// Armed reports whether id currently has a pending deadline.
func (w *TimerWheel) Armed(id uuid.UUID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.armed[id]
	return ok
}

// Len reports the number of armed deadlines.
func (w *TimerWheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.armed)
}

// Run scans until ctx is cancelled. The observable contract is that an
// expired deadline fires within one scan interval of its expiry.
func (w *TimerWheel) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, entry := range w.collectExpired(now) {
				w.onExpire(entry.id, entry.expireAt)
			}
		}
	}
}

// collectExpired pops every due entry, skipping entries invalidated by
// Disarm or a newer Arm. Callbacks run outside the lock.
func (w *TimerWheel) collectExpired(now time.Time) []timerEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	var due []timerEntry
	for len(w.heap) > 0 {
		head := w.heap[0]
		if head.expireAt.After(now) {
			break
		}
		heap.Pop(&w.heap)
		gen, ok := w.armed[head.id]
		if !ok || gen != head.gen {
			continue
		}
		delete(w.armed, head.id)
		due = append(due, head)
	}
	return due
}
