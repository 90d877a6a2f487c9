// Package queue implements the single-consumer background worker used by the
// generation and embedding services. Each service owns one Worker; tasks are
// executed strictly in submission order on a dedicated goroutine so slow model
// calls never block the caller.
package queue

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/snipd-dev/snipd/internal/events"
)

// Item is a unit of work carrying its own identifier. The identifier is
// echoed back on failure so callers can correlate errors with submissions.
type Item interface {
	TaskID() string
}

// TaskError reports a failed task. Failures are per-task; the worker loop
// continues with the next item.
type TaskError struct {
	TaskID  string
	Message string
}

// Worker drains an unbounded FIFO queue on a single goroutine.
type Worker[T Item] struct {
	// Errors receives one event per failed task.
	Errors events.Emitter[TaskError]

	process func(T) error
	log     *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	pending  []T
	inFlight int
	running  bool
	stopped  bool
	done     chan struct{}
}

// NewWorker creates a worker that executes tasks with process. The worker is
// not started; call Start before submitting work.
func NewWorker[T Item](name string, process func(T) error) *Worker[T] {
	w := &Worker[T]{
		process: process,
		log:     slog.Default().With("worker", name),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Start launches the worker goroutine. Calling Start on a running worker is a
// no-op.
func (w *Worker[T]) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stopped = false
	w.done = make(chan struct{})
	go w.loop(w.done)
}

// Submit enqueues a task and returns immediately. Tasks submitted after Stop
// are dropped.
func (w *Worker[T]) Submit(task T) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || !w.running {
		w.log.Debug("dropping task submitted to stopped worker", "task", task.TaskID())
		return
	}
	w.pending = append(w.pending, task)
	w.cond.Signal()
}

// Stop discards queued tasks and blocks until the worker goroutine exits.
// A task already executing finishes first; no task starts after Stop returns.
func (w *Worker[T]) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	done := w.done
	w.cond.Broadcast()
	w.mu.Unlock()

	<-done

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
}

// Pending returns the number of queued plus executing tasks.
func (w *Worker[T]) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending) + w.inFlight
}

func (w *Worker[T]) loop(done chan struct{}) {
	defer close(done)
	for {
		w.mu.Lock()
		for len(w.pending) == 0 && !w.stopped {
			w.cond.Wait()
		}
		if w.stopped {
			// Queued tasks are abandoned, not executed.
			w.pending = nil
			w.mu.Unlock()
			return
		}
		task := w.pending[0]
		w.pending = w.pending[1:]
		w.inFlight++
		w.mu.Unlock()

		w.run(task)

		w.mu.Lock()
		w.inFlight--
		w.mu.Unlock()
	}
}

// run executes one task, converting errors and panics into task-scoped error
// events so the loop itself never dies.
func (w *Worker[T]) run(task T) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("panic: %v", r)
			w.log.Error("task panicked", "task", task.TaskID(), "panic", r)
			w.Errors.Emit(TaskError{TaskID: task.TaskID(), Message: msg})
		}
	}()

	if err := w.process(task); err != nil {
		w.log.Error("task failed", "task", task.TaskID(), "error", err)
		w.Errors.Emit(TaskError{TaskID: task.TaskID(), Message: err.Error()})
	}
}
