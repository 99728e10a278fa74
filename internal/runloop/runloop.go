// Package runloop implements the single-goroutine task loop that plays the
// role of a session's main thread. All protocol state machines (framer,
// pacer, RTCP scheduling, playout emission) are confined to one Loop; other
// goroutines hand work in by posting closures, never by sharing state.
package runloop

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

type timerEntry struct {
	when  time.Time
	seq   uint64
	fn    func()
	index int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if !h[i].when.Equal(h[j].when) {
		return h[i].when.Before(h[j].when)
	}
	return h[i].seq < h[j].seq
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Loop is a cooperative task queue drained by a single goroutine. Posted
// tasks run to completion in posting order; delayed tasks run when their
// deadline passes. A Loop is safe to post to from any goroutine.
type Loop struct {
	tasks chan func()

	mu     sync.Mutex
	timers timerHeap
	seq    uint64
	wake   chan struct{}
}

// New returns a Loop ready to run. The queue depth bounds how many tasks can
// be pending before posting blocks.
func New() *Loop {
	return &Loop{
		tasks: make(chan func(), 1024),
		wake:  make(chan struct{}, 1),
	}
}

// Post enqueues fn to run on the loop goroutine.
func (l *Loop) Post(fn func()) {
	l.tasks <- fn
}

// PostDelayed schedules fn to run on the loop goroutine after at least d has
// elapsed. A non-positive delay behaves like Post.
func (l *Loop) PostDelayed(d time.Duration, fn func()) {
	if d <= 0 {
		l.Post(fn)
		return
	}
	l.mu.Lock()
	l.seq++
	heap.Push(&l.timers, &timerEntry{when: time.Now().Add(d), seq: l.seq, fn: fn})
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// dueTimers pops every due timer and returns the wait until the next
// deadline, or a negative duration when no timer is armed.
func (l *Loop) dueTimers(now time.Time) (due []func(), wait time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.timers) > 0 && !l.timers[0].when.After(now) {
		e := heap.Pop(&l.timers).(*timerEntry)
		due = append(due, e.fn)
	}
	if len(l.timers) == 0 {
		return due, -1
	}
	return due, l.timers[0].when.Sub(now)
}

// Run drains the loop until ctx is cancelled. It must be called exactly once.
func (l *Loop) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		due, wait := l.dueTimers(time.Now())
		for _, fn := range due {
			fn()
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if wait >= 0 {
			timer.Reset(wait)
		} else {
			timer.Reset(time.Hour)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.tasks:
			fn()
		case <-l.wake:
		case <-timer.C:
		}
	}
}
