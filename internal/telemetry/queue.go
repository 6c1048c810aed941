package telemetry

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrQueueFull   = errors.New("telemetry: queue full")
	ErrQueueClosed = errors.New("telemetry: queue closed")
)

const DefaultQueueSize = 4096

// Control is a signal on the session control channel.
type Control int

const (
	ControlShutdown Control = iota + 1
)

// Queue pairs the bounded event channel with the control channel. The
// dispatch side only produces and the session side only consumes.
type Queue struct {
	mu       sync.RWMutex
	events   chan Event
	closed   bool
	control  chan Control
	shutdown sync.Once
	dropped  atomic.Uint64
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{
		events:  make(chan Event, size),
		control: make(chan Control, 1),
	}
}

// Push enqueues ev without blocking. A full queue drops ev and counts it.
func (q *Queue) Push(ev Event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.events <- ev:
		return nil
	default:
		q.dropped.Add(1)
		return ErrQueueFull
	}
}

// CloseProducer closes the event channel. The consumer drains whatever
// is still buffered and then observes the close. Safe to call twice.
func (q *Queue) CloseProducer() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.events)
}

// Shutdown posts the shutdown signal once. Later calls are no-ops.
func (q *Queue) Shutdown() {
	q.shutdown.Do(func() {
		q.control <- ControlShutdown
	})
}

func (q *Queue) Events() <-chan Event {
	return q.events
}

func (q *Queue) Control() <-chan Control {
	return q.control
}

// Dropped returns how many events Push rejected because the queue was full.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

func (q *Queue) Len() int { return len(q.events) }
func (q *Queue) Cap() int { return cap(q.events) }
