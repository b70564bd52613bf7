package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maloquacious/goobstore/internal/executor"
	"github.com/maloquacious/goobstore/internal/store"
	"github.com/maloquacious/goobstore/internal/telemetry"
)

// MigrationHandler receives the migration verdict of an asynchronous add.
// err is non-nil when the check itself failed.
type MigrationHandler func(required bool, err error)

// ResultHandler receives the outcome of an asynchronous add or remove.
type ResultHandler func(h *store.Handle, err error)

// AddStoreAsync attaches a store on the controller's serial queue.
//
// If onMigrationCheck is not nil it is called once with the migration
// verdict before the attach starts, including when no migration is needed.
// onResult is called once after the attach attempt. Both run on exec (the
// primary executor when exec is nil), and onMigrationCheck always returns
// before onResult is called. Cancelling ctx after submission has no effect.
//
// A call made after Close is not queued: only onResult runs, with ErrClosed,
// and onMigrationCheck is never called.
func (c *Controller) AddStoreAsync(ctx context.Context, location, configuration string, opts store.Options,
	exec executor.Executor, onMigrationCheck MigrationHandler, onResult ResultHandler) {
	exec = c.callbackExecutor(exec)
	opts = store.MergeOptions(opts)
	ctx = context.WithoutCancel(ctx)

	seq := &sequencer{}
	c.submit(exec, seq, onResult, func() (*store.Handle, error) {
		ctx, span := telemetry.StartSpan(ctx, telemetry.SpanAttach,
			telemetry.StoreLocation(location),
			telemetry.StoreConfiguration(configuration),
			telemetry.Async(true),
		)

		start := time.Now()
		h, err := c.addAsync(ctx, location, configuration, opts, exec, seq, onMigrationCheck)
		c.observeAdd(h, location, err, start, true)

		if h != nil {
			span.SetAttributes(telemetry.StoreID(h.ID.String()))
		}
		telemetry.End(span, err)
		return h, err
	})
}

func (c *Controller) addAsync(ctx context.Context, location, configuration string, opts store.Options,
	exec executor.Executor, seq *sequencer, onMigrationCheck MigrationHandler) (*store.Handle, error) {
	resolved, err := store.ResolveLocation(location)
	var verdict store.Verdict
	if err != nil {
		verdict = store.Failed(fmt.Errorf("%w: %w", store.ErrStoreUnreadable, err))
	} else {
		verdict = c.plan(ctx, resolved)
	}

	if onMigrationCheck != nil {
		required, checkErr := verdict.Required(), verdict.Err
		seq.hold()
		dispatch(exec, func() {
			defer seq.release()
			onMigrationCheck(required, checkErr)
		})
	}

	if err != nil {
		return nil, classifyAttach(err)
	}
	if err := c.checkNotAttached(resolved); err != nil {
		return nil, err
	}
	return c.attach(ctx, resolved, verdict, configuration, opts)
}

// RemoveStoreAsync detaches a store on the controller's serial queue and
// calls onResult once on exec (the primary executor when exec is nil).
func (c *Controller) RemoveStoreAsync(ctx context.Context, location string, exec executor.Executor, onResult ResultHandler) {
	exec = c.callbackExecutor(exec)
	ctx = context.WithoutCancel(ctx)

	c.submit(exec, &sequencer{}, onResult, func() (*store.Handle, error) {
		ctx, span := telemetry.StartSpan(ctx, telemetry.SpanDetach,
			telemetry.StoreLocation(location),
			telemetry.Async(true),
		)

		h, err := c.remove(ctx, location)
		c.observeRemove(h, location, err, true)

		telemetry.End(span, err)
		return h, err
	})
}

func (c *Controller) callbackExecutor(exec executor.Executor) executor.Executor {
	if exec == nil {
		return c.primary
	}
	return exec
}

// submit queues a mutation. Its result is delivered through seq so that it
// follows any callback the mutation delivered first.
func (c *Controller) submit(exec executor.Executor, seq *sequencer, onResult ResultHandler, mutate func() (*store.Handle, error)) {
	deliver := func(h *store.Handle, err error) {
		if onResult == nil {
			return
		}
		seq.then(exec, func() { onResult(h, err) })
	}

	c.metrics.QueueEnter()
	ok := c.queue.Submit(func() {
		c.metrics.QueueLeave()
		deliver(mutate())
	})
	if !ok {
		c.metrics.QueueLeave()
		deliver(nil, ErrClosed)
	}
}

// Close stops accepting asynchronous calls and waits until every submitted
// call has run and delivered its callbacks, or ctx ends. The store set is
// left as is; detaching stores at shutdown is the coordinator's job.
func (c *Controller) Close(ctx context.Context) error {
	c.queue.Close()
	if err := c.queue.Wait(ctx); err != nil {
		return err
	}
	if c.ownedPrimary != nil {
		c.ownedPrimary.Close()
		return c.ownedPrimary.Wait(ctx)
	}
	return nil
}

// dispatch runs fn on exec. A closed serial executor cannot take new tasks,
// so fn then runs on its own goroutine: terminal callbacks are never lost.
func dispatch(exec executor.Executor, fn func()) {
	if s, ok := exec.(*executor.Serial); ok {
		if !s.Submit(fn) {
			go fn()
		}
		return
	}
	exec.Execute(fn)
}

// sequencer orders the callbacks of one call: a result handed to then while
// the migration callback is outstanding runs right after that callback
// returns, on the same execution context.
type sequencer struct {
	mu      sync.Mutex
	held    bool
	pending func()
}

func (s *sequencer) hold() {
	s.mu.Lock()
	s.held = true
	s.mu.Unlock()
}

func (s *sequencer) release() {
	s.mu.Lock()
	s.held = false
	next := s.pending
	s.pending = nil
	s.mu.Unlock()

	if next != nil {
		next()
	}
}

func (s *sequencer) then(exec executor.Executor, fn func()) {
	s.mu.Lock()
	if s.held {
		s.pending = fn
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	dispatch(exec, fn)
}
