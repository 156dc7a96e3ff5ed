// Package persist moves calibration file I/O off the audio goroutine.
//
// The audio side queues jobs in an Outbox; each buffer the Outbox offers its head
// to the Worker through a single-slot mailbox (one compare-and-swap, never blocks).
// The Worker goroutine drains the slot and runs the job.
package persist

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/Melbourne-Instruments/nina-vst-sub000/internal/diag"
)

// Job is one unit of file work. Run executes on the worker goroutine and must
// only touch data owned by the job.
type Job struct {
	Name string
	Run  func() error
}

// Submitter accepts a job without blocking, or refuses it.
type Submitter interface {
	TrySubmit(j *Job) bool
}

// Worker owns the background goroutine.
type Worker struct {
	slot    atomic.Pointer[Job]
	running atomic.Bool
	wake    chan struct{}
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
	started atomic.Bool
	log     diag.Logger

	completed atomic.Uint64
	failed    atomic.Uint64
	refused   atomic.Uint64
}

func NewWorker(log diag.Logger) *Worker {
	return &Worker{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
		log:  diag.OrNop(log),
	}
}

// Start launches the goroutine. Calling it twice is a no-op.
func (w *Worker) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.loop()
}

// TrySubmit places j in the slot if it is empty.
func (w *Worker) TrySubmit(j *Job) bool {
	if j == nil {
		return true
	}
	if !w.slot.CompareAndSwap(nil, j) {
		w.refused.Add(1)
		return false
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

// Busy reports whether a job is queued in the slot or executing.
func (w *Worker) Busy() bool {
	return w.running.Load() || w.slot.Load() != nil
}

// Stats returns completed, failed and refused counts.
func (w *Worker) Stats() (completed, failed, refused uint64) {
	return w.completed.Load(), w.failed.Load(), w.refused.Load()
}

func (w *Worker) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.wake:
			w.drain()
		case <-w.quit:
			w.drain()
			return
		}
	}
}

func (w *Worker) drain() {
	for {
		w.running.Store(true)
		j := w.slot.Swap(nil)
		if j == nil {
			w.running.Store(false)
			return
		}
		w.run(j)
		w.running.Store(false)
	}
}

func (w *Worker) run(j *Job) {
	if err := runJob(j); err != nil {
		w.failed.Add(1)
		w.log.Warnf("%v", err)
		return
	}
	w.completed.Add(1)
}

func runJob(j *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("%s: panic: %v", j.Name, r)
		}
	}()
	if j.Run == nil {
		return nil
	}
	if err := j.Run(); err != nil {
		return errors.Wrap(err, j.Name)
	}
	return nil
}

// Close stops the goroutine after the slot is drained, or returns when ctx ends.
func (w *Worker) Close(ctx context.Context) error {
	w.once.Do(func() { close(w.quit) })
	if !w.started.Load() {
		w.drain()
		return nil
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Inline runs jobs synchronously on the caller's goroutine. Offline tools and
// tests use it where there is no audio deadline.
type Inline struct {
	Log diag.Logger
}

func (in Inline) TrySubmit(j *Job) bool {
	if j == nil {
		return true
	}
	if err := runJob(j); err != nil {
		diag.OrNop(in.Log).Warnf("%v", err)
	}
	return true
}

// Submit lets Inline stand in where an Outbox is expected.
func (in Inline) Submit(j *Job) bool { return in.TrySubmit(j) }
