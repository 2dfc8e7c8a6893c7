// Package mainloop implements the single-consumer task queue that stands in for "coroutine-like idle tasks on the host main
// event loop" (§9): discontinuity tune operations, timer-scheduled
// manifest-refresh hooks, and other work that must run serialized with
// user-visible callbacks rather than on an arbitrary goroutine.
//
// Tasks are identified by an ID so Stop can cancel pending work
// deterministically: a task cancelled before it is dequeued never runs;
// one already dispatched runs to completion.
package mainloop

import (
	"sync"
)

// TaskID identifies a scheduled task for cancellation.
type TaskID uint64

// Task is a unit of work submitted to the queue.
type Task struct {
	ID TaskID
	Fn func()
}

// status tracks a task's lifecycle for deterministic draining.
type status int

const (
	statusPending status = iota
	statusDispatched
	statusCancelled
)

// Queue is a single-consumer task queue drained by one call to Tick (or
// Run) at a time. Multiple producers may call Post
// concurrently; only the consumer calling Tick/Run dequeues.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	tasks    []Task
	statuses map[TaskID]status
	nextID   TaskID
	closed   bool
}

// New constructs an empty Queue.
func New() *Queue {
	q := &Queue{statuses: make(map[TaskID]status)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Post enqueues fn and returns its TaskID.
func (q *Queue) Post(fn func()) TaskID {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextID++
	id := q.nextID
	q.tasks = append(q.tasks, Task{ID: id, Fn: fn})
	q.statuses[id] = statusPending
	q.cond.Signal()
	return id
}

// Cancel marks a pending task as cancelled. Returns false if the task
// was already dispatched or does not exist.
func (q *Queue) Cancel(id TaskID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, ok := q.statuses[id]
	if !ok || st != statusPending {
		return false
	}
	q.statuses[id] = statusCancelled
	return true
}

// Tick dequeues and runs exactly one pending, non-cancelled task, if any
// is available; it returns immediately (false) if the queue is empty.
// Cancelled tasks are skipped without being run.
func (q *Queue) Tick() bool {
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			return false
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		st := q.statuses[task.ID]
		delete(q.statuses, task.ID)
		q.mu.Unlock()

		if st == statusCancelled {
			continue
		}
		task.Fn()
		return true
	}
}

// Run blocks, draining tasks as they are posted, until Close is called
// and the queue is empty.
func (q *Queue) Run() {
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		st := q.statuses[task.ID]
		delete(q.statuses, task.ID)
		q.mu.Unlock()

		if st != statusCancelled {
			task.Fn()
		}
	}
}

// Close stops Run once pending tasks are drained. Posts after Close are
// accepted but Run will not wake for them once it has observed the
// empty+closed condition and returned.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Len returns the number of tasks still queued (pending or cancelled,
// not yet dequeued).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
