package rpc

import (
	"sync"
	"time"

	"github.com/emirpasic/gods/trees/binaryheap"
)

type deadlineEntry struct {
	at  time.Time
	ctx *CallContext
}

var deadlineComparator = func(a, b interface{}) int {
	aEntry := a.(*deadlineEntry)
	bEntry := b.(*deadlineEntry)
	if aEntry.at.Before(bEntry.at) {
		return -1
	}
	if aEntry.at.After(bEntry.at) {
		return 1
	}
	return 0
}

// DeadlineScheduler expires request deadlines for one connection. A single
// goroutine sleeps until the earliest scheduled deadline; entries for
// requests that already finished are dropped when they surface.
type DeadlineScheduler struct {
	mu     sync.Mutex
	heap   *binaryheap.Heap
	wake   chan struct{}
	closed bool
}

// NewDeadlineScheduler starts the scheduler goroutine.
func NewDeadlineScheduler() *DeadlineScheduler {
	s := &DeadlineScheduler{
		heap: binaryheap.NewWith(deadlineComparator),
		wake: make(chan struct{}, 1),
	}
	go s.run()
	return s
}

func (s *DeadlineScheduler) schedule(ctx *CallContext, at time.Time) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.heap.Push(&deadlineEntry{at: at, ctx: ctx})
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close stops the scheduler. Pending deadlines are discarded.
func (s *DeadlineScheduler) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.heap.Clear()
	}
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *DeadlineScheduler) run() {
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		var expired []*CallContext
		var next time.Time
		now := time.Now()
		for {
			v, ok := s.heap.Peek()
			if !ok {
				break
			}
			entry := v.(*deadlineEntry)
			if entry.at.After(now) {
				next = entry.at
				break
			}
			s.heap.Pop()
			expired = append(expired, entry.ctx)
		}
		s.mu.Unlock()

		for _, ctx := range expired {
			ctx.expire()
		}

		if next.IsZero() {
			<-s.wake
			continue
		}
		timer.Reset(time.Until(next))
		select {
		case <-timer.C:
		case <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
	}
}
