// Package loop provides the serial executor that owns all mutable session state of a user agent.
//
// Work is submitted with [Loop.Post] from any goroutine and executed one closure at a time,
// in submission order, on the goroutine running [Loop.Run]. Timers created with
// [Loop.AfterFunc] deliver their callback through the same queue, so timer callbacks never run
// concurrently with other work.
package loop

import (
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by [Loop.Call] when the loop no longer accepts work.
var ErrClosed = errors.New("loop closed")

// Loop is a FIFO work queue drained by a single goroutine.
type Loop struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	closed  bool
	running bool
	done    chan struct{}
}

// New allocates a loop. Call [Loop.Run] (usually in its own goroutine) to start executing work.
func New() *Loop {
	l := &Loop{done: make(chan struct{})}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Post enqueues fn. It never blocks and returns false if the loop has been closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.queue = append(l.queue, fn)
	l.cond.Signal()
	return true
}

// Call runs fn on the loop and waits for it to complete.
// It must not be called from the loop goroutine itself.
func (l *Loop) Call(fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		// the loop may have run fn just before stopping
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Run executes queued work until [Loop.Close] is called and the queue is drained.
func (l *Loop) Run() {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()

	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.queue) == 0 && l.closed {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		fn()
	}
}

// Close stops accepting new work. Work already queued still runs.
// Close does not wait; use [Loop.Done] for that.
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.cond.Broadcast()
}

// Done is closed once [Loop.Run] has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Timer is a one-shot timer whose callback runs on the loop.
type Timer struct {
	l       *Loop
	t       *time.Timer
	fn      func()
	d       time.Duration
	stopped bool // only touched on the loop goroutine
	gen     uint64
}

// AfterFunc arms a timer that posts fn to the loop after d.
// It must be called from the loop goroutine, as must every method of the returned [Timer].
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tmr := &Timer{l: l, fn: fn, d: d}
	tmr.arm()
	return tmr
}

func (tmr *Timer) arm() {
	tmr.gen++
	gen := tmr.gen
	tmr.t = time.AfterFunc(tmr.d, func() {
		tmr.l.Post(func() {
			if tmr.stopped || tmr.gen != gen {
				return
			}
			tmr.stopped = true
			tmr.fn()
		})
	})
}

// Stop cancels the timer. After Stop returns the callback is guaranteed not to run,
// even if its expiry was already queued. Stopping a nil timer is a no-op.
func (tmr *Timer) Stop() {
	if tmr == nil || tmr.stopped {
		return
	}
	tmr.stopped = true
	tmr.t.Stop()
}

// Reset re-arms the timer with a new duration, cancelling a pending expiry.
func (tmr *Timer) Reset(d time.Duration) {
	tmr.t.Stop()
	tmr.d = d
	tmr.stopped = false
	tmr.arm()
}

// Duration returns the duration the timer was last armed with.
func (tmr *Timer) Duration() time.Duration {
	return tmr.d
}
