// Package events implements the event channel between a user agent and its controlling
// application: an unbounded FIFO queue drained by a single dispatcher goroutine.
package events

import (
	"fmt"
	"sync"
	"time"
)

// Kind identifies what happened.
type Kind string

// Event kinds. The first six are the outcome kinds every application must handle;
// the rest report intermediate progress.
const (
	RegisterOk     Kind = "register_ok"
	RegisterFailed Kind = "register_fail"
	Ringing        Kind = "call_ringing"
	Connected      Kind = "call_established"
	Terminated     Kind = "call_closed"
	Failed         Kind = "call_failed"

	Registering   Kind = "registering"
	Unregistering Kind = "unregistering"
	Unregistered  Kind = "unregistered"
	Calling       Kind = "call_progress"
)

// IsCall reports whether the subject of events of this kind is a call id
// (as opposed to an address-of-record).
func (k Kind) IsCall() bool {
	switch k {
	case Ringing, Connected, Terminated, Failed, Calling:
		return true
	default:
		return false
	}
}

// Event is an immutable state-change notification.
type Event struct {
	Kind Kind
	// Subject is the call id (decimal) for call events, the address-of-record otherwise.
	Subject string
	// Detail is a short human readable explanation, e.g. a SIP status line or an error text.
	Detail string
	// Err is set for failure kinds.
	Err  error
	Time time.Time
}

func (e Event) String() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s[%s]", e.Kind, e.Subject)
	}
	return fmt.Sprintf("%s[%s]: %s", e.Kind, e.Subject, e.Detail)
}

// Handler consumes events. It is always invoked from the dispatcher goroutine, one event at a time.
type Handler func(Event)

// Queue is an unbounded, ordered event queue.
// Publishing never blocks and never invokes the handler synchronously.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []Event
	closed  bool
	handler Handler
	done    chan struct{}
	// delivering is set while the handler runs
	delivering bool
}

// NewQueue starts a dispatcher goroutine delivering events to h.
func NewQueue(h Handler) *Queue {
	q := &Queue{
		handler: h,
		done:    make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.dispatch()
	return q
}

// Publish appends e to the queue. It returns false once the queue has been closed.
func (q *Queue) Publish(e Event) bool {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.pending = append(q.pending, e)
	q.cond.Signal()
	return true
}

// Len returns the number of events not yet handed to the handler.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stop stops accepting events without waiting. The events already published are still
// delivered; Done is closed after the last one.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.cond.Broadcast()
	}
}

// Done is closed once the queue is stopped and every event has been delivered.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Delivering reports whether the handler is running. A handler that stops the queue sees true,
// and must not wait for Done.
func (q *Queue) Delivering() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.delivering
}

// Close stops accepting events and waits until every already published event has been delivered.
// It must not be called from the handler.
func (q *Queue) Close() {
	q.Stop()
	<-q.done
}

func (q *Queue) dispatch() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		e := q.pending[0]
		q.pending[0] = Event{}
		q.pending = q.pending[1:]
		q.delivering = q.handler != nil
		q.mu.Unlock()

		if q.handler != nil {
			q.handler(e)
			q.mu.Lock()
			q.delivering = false
			q.mu.Unlock()
		}
	}
}
