// Package loop provides the single-threaded cooperative event loop that owns
// all map-session state. Store callbacks, position updates, directions
// completions and client events are hopped onto a Dispatcher before they
// touch component state, so components never need their own locks.
package loop

import (
	"context"
	"sync"
)

// Dispatcher schedules fn to run on the owning event loop.
type Dispatcher interface {
	Dispatch(fn func())
}

// Loop runs dispatched tasks one at a time on a single goroutine. The task
// queue is unbounded, so a task may dispatch any number of follow-ups
// without waiting on itself.
type Loop struct {
	mu    sync.Mutex
	tasks []func()
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// New returns a loop whose queue starts with room for buffer tasks.
func New(buffer int) *Loop {
	if buffer <= 0 {
		buffer = 256
	}
	return &Loop{
		tasks: make([]func(), 0, buffer),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Dispatch enqueues fn and never blocks. Tasks dispatched after Close are
// dropped.
func (l *Loop) Dispatch(fn func()) {
	if fn == nil {
		return
	}
	select {
	case <-l.done:
		return
	default:
	}
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Len reports the number of queued tasks.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.tasks) == 0 {
		return nil, false
	}
	fn := l.tasks[0]
	l.tasks[0] = nil
	l.tasks = l.tasks[1:]
	return fn, true
}

// Run executes tasks until ctx is cancelled or Close is called.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			l.Close()
			return
		case <-l.done:
			return
		case <-l.wake:
		}
		for {
			select {
			case <-l.done:
				return
			default:
			}
			fn, ok := l.next()
			if !ok {
				break
			}
			fn()
		}
	}
}

// Close stops the loop. Pending tasks are discarded.
func (l *Loop) Close() {
	l.once.Do(func() {
		close(l.done)
		l.mu.Lock()
		l.tasks = nil
		l.mu.Unlock()
	})
}

// Done is closed once the loop stops accepting work.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Queue is a manually drained Dispatcher. It gives tests full control over
// the interleaving of callbacks that would otherwise race on a real Loop.
type Queue struct {
	mu    sync.Mutex
	tasks []func()
}

func (q *Queue) Dispatch(fn func()) {
	if fn == nil {
		return
	}
	q.mu.Lock()
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()
}

// Len reports the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Step runs the oldest pending task and reports whether one ran.
func (q *Queue) Step() bool {
	q.mu.Lock()
	if len(q.tasks) == 0 {
		q.mu.Unlock()
		return false
	}
	fn := q.tasks[0]
	q.tasks = q.tasks[1:]
	q.mu.Unlock()
	fn()
	return true
}

// Drain runs tasks, including ones enqueued while draining, until none remain.
func (q *Queue) Drain() int {
	n := 0
	for q.Step() {
		n++
	}
	return n
}

// Discard drops pending tasks without running them.
func (q *Queue) Discard() {
	q.mu.Lock()
	q.tasks = nil
	q.mu.Unlock()
}
