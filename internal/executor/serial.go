package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/maloquacious/goobstore/internal/logger"
)

// Serial is a single-worker FIFO executor.
//
// The queue is unbounded so submitting never blocks the caller. Tasks run
// strictly one at a time and each runs to completion before the next starts.
// After Close no new task is accepted, but every task submitted before Close
// still runs.
type Serial struct {
	name   string
	logger logger.Logger

	mu     sync.Mutex
	tasks  []func()
	closed bool
	signal chan struct{} // buffered, size 1
	done   chan struct{}
}

// NewSerial starts a serial executor. name is used in log records.
func NewSerial(name string, log logger.Logger) *Serial {
	if log == nil {
		log = logger.Discard()
	}
	s := &Serial{
		name:   name,
		logger: log,
		tasks:  make([]func(), 0, 16),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Submit enqueues task. It returns false if the executor is closed.
func (s *Serial) Submit(task func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.tasks = append(s.tasks, task)

	select {
	case s.signal <- struct{}{}:
	default:
	}
	return true
}

// Execute implements Executor. Tasks submitted after Close are dropped.
func (s *Serial) Execute(task func()) {
	if !s.Submit(task) {
		s.logger.Warn("task dropped, executor closed", "executor", s.name)
	}
}

// Len returns the number of tasks waiting to run.
func (s *Serial) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Close stops accepting tasks. Queued tasks still run. It is safe to call
// multiple times.
func (s *Serial) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Done is closed once the executor is closed and its queue is drained.
func (s *Serial) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the queue is drained after Close, or ctx ends.
func (s *Serial) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("executor %s: %w", s.name, ctx.Err())
	}
}

func (s *Serial) run() {
	defer close(s.done)

	for {
		task, ok, stop := s.next()
		if stop {
			return
		}
		if !ok {
			<-s.signal
			continue
		}
		s.runTask(task)
	}
}

// next pops the front task. stop is true when the executor is closed and
// nothing is left to run.
func (s *Serial) next() (task func(), ok bool, stop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.tasks) == 0 {
		return nil, false, s.closed
	}
	task = s.tasks[0]
	s.tasks[0] = nil
	s.tasks = s.tasks[1:]
	if len(s.tasks) == 0 {
		s.tasks = s.tasks[:0:0]
	}
	return task, true, false
}

func (s *Serial) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panicked", "executor", s.name, "panic", fmt.Sprint(r))
		}
	}()
	task()
}
