// Package loop provides the cooperative timeline every voice component runs on.
//
// Engine events, network events, backend completions and timers are all funneled
// through a single goroutine, so component state is only ever touched from one
// place and needs no locking. Work that blocks (network calls, process exec,
// playback) runs via Go and reports back with Post.
package loop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Timer is a pending callback scheduled with AfterFunc
type Timer interface {
	// Stop prevents the callback from running. It reports whether the call stopped it.
	Stop() bool
}

// Scheduler is the surface components use to reach the timeline
type Scheduler interface {
	// Post queues fn to run on the timeline. Safe from any goroutine.
	Post(fn func())
	// AfterFunc runs fn on the timeline once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer
	// Go runs blocking work off the timeline. The work reports back with Post.
	Go(work func())
	// Now returns the timeline's clock.
	Now() time.Time
}

// Loop is the production Scheduler backed by one goroutine
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	done    chan struct{}
	closed  bool
	running atomic.Bool
}

// New creates a loop. Call Run to start processing.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Run processes queued callbacks until ctx is cancelled or Close is called
func (l *Loop) Run(ctx context.Context) {
	if !l.running.CompareAndSwap(false, true) {
		return
	}
	defer close(l.done)

	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		closed := l.closed
		l.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
		if closed {
			return
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			l.Close()
		case <-l.wake:
		}
	}
}

// Close stops the loop after the callbacks already queued have run
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.signal()
}

// Done is closed once Run has returned
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Post queues fn. Callbacks posted after Close are dropped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	l.signal()
}

// Call runs fn on the loop and waits for it to finish
func (l *Loop) Call(fn func()) {
	finished := make(chan struct{})
	l.Post(func() {
		defer close(finished)
		fn()
	})
	select {
	case <-finished:
	case <-l.done:
	}
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// AfterFunc schedules fn on the loop after d
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped.Load() {
				return
			}
			fn()
		})
	})
	return t
}

// Go runs work on its own goroutine
func (l *Loop) Go(work func()) {
	go work()
}

// Now returns wall-clock time
func (l *Loop) Now() time.Time {
	return time.Now()
}

type loopTimer struct {
	timer   *time.Timer
	stopped atomic.Bool
}

func (t *loopTimer) Stop() bool {
	wasStopped := t.stopped.Swap(true)
	t.timer.Stop()
	return !wasStopped
}

// StopTimer stops t if it is non-nil
func StopTimer(t Timer) {
	if t != nil {
		t.Stop()
	}
}
