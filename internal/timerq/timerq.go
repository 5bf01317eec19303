// Package timerq provides a min-heap timer queue. Callers arm one-shot
// timers keyed by an opaque id and the queue fires them in deadline order.
// It backs the per-task delay timers on the agent and process timeout
// enforcement in the process manager.
package timerq

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// entry is a single armed timer.
type entry struct {
	id    uuid.UUID
	at    time.Time
	fire  func()
	seq   uint64 // Tie-break for equal deadlines: arm order
	index int    // Used by heap.Interface
}

// Queue manages armed timers ordered by deadline.
// Fire callbacks run on the queue goroutine and must not block; blocking
// work belongs behind a channel hand-off.
type Queue struct {
	mu      sync.Mutex
	entries timerHeap
	byID    map[uuid.UUID]*entry
	seq     uint64
	wake    chan struct{}
}

// NewQueue creates an empty timer queue. Call Run to start firing.
func NewQueue() *Queue {
	return &Queue{
		entries: make(timerHeap, 0),
		byID:    make(map[uuid.UUID]*entry),
		wake:    make(chan struct{}, 1),
	}
}

// Schedule arms a timer for id that invokes fire at the given time.
// Arming an id that is already scheduled replaces its deadline and
// callback.
func (q *Queue) Schedule(id uuid.UUID, at time.Time, fire func()) {
	q.mu.Lock()

	if existing, ok := q.byID[id]; ok {
		existing.at = at
		existing.fire = fire
		heap.Fix(&q.entries, existing.index)
	} else {
		q.seq++
		e := &entry{id: id, at: at, fire: fire, seq: q.seq}
		heap.Push(&q.entries, e)
		q.byID[id] = e
	}

	q.mu.Unlock()
	q.notify()
}

// Cancel disarms the timer for id. It reports whether a timer was armed.
func (q *Queue) Cancel(id uuid.UUID) bool {
	q.mu.Lock()

	e, ok := q.byID[id]
	if ok {
		heap.Remove(&q.entries, e.index)
		delete(q.byID, id)
	}

	q.mu.Unlock()
	if ok {
		q.notify()
	}
	return ok
}

// Reschedule moves the deadline of an armed timer, keeping its callback.
// It reports whether a timer was armed for id.
func (q *Queue) Reschedule(id uuid.UUID, at time.Time) bool {
	q.mu.Lock()

	e, ok := q.byID[id]
	if ok {
		e.at = at
		heap.Fix(&q.entries, e.index)
	}

	q.mu.Unlock()
	if ok {
		q.notify()
	}
	return ok
}

// Len returns the number of armed timers.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries.Len()
}

// Contains checks whether a timer is armed for id.
func (q *Queue) Contains(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byID[id]
	return ok
}

// Run fires timers as their deadlines pass until ctx is cancelled.
// Due callbacks run in deadline order, oldest first.
func (q *Queue) Run(ctx context.Context) {
	for {
		due, wait := q.collectDue(time.Now())
		for _, e := range due {
			e.fire()
		}
		if len(due) > 0 {
			// Firing may have re-armed timers; recompute before waiting.
			continue
		}

		var timer *time.Timer
		var timerC <-chan time.Time
		if wait >= 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-q.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-timerC:
		}
	}
}

// collectDue pops every entry with a deadline at or before now and returns
// them in fire order, plus how long to wait for the next deadline
// (negative when the queue is empty).
func (q *Queue) collectDue(now time.Time) ([]*entry, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []*entry
	for q.entries.Len() > 0 && !q.entries[0].at.After(now) {
		e := heap.Pop(&q.entries).(*entry)
		delete(q.byID, e.id)
		due = append(due, e)
	}

	if q.entries.Len() == 0 {
		return due, -1
	}
	return due, q.entries[0].at.Sub(now)
}

// notify nudges the run loop to recompute its wait.
func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// timerHeap implements heap.Interface ordered by deadline, then arm order.
type timerHeap []*entry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if !h[i].at.Equal(h[j].at) {
		return h[i].at.Before(h[j].at)
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	n := len(*h)
	e := x.(*entry)
	e.index = n
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil // Avoid memory leak
	e.index = -1   // For safety
	*h = old[0 : n-1]
	return e
}
