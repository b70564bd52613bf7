package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/maloquacious/goobstore/internal/executor"
	"github.com/maloquacious/goobstore/internal/logger"
	"github.com/maloquacious/goobstore/internal/store"
	"github.com/maloquacious/goobstore/internal/store/schema"
)

const waitTimeout = 10 * time.Second

type result struct {
	h   *store.Handle
	err error
}

// recorder collects callback events of asynchronous calls.
type recorder struct {
	mu      sync.Mutex
	events  []string
	results chan result
}

func newRecorder() *recorder {
	return &recorder{results: make(chan result, 128)}
}

func (r *recorder) onMigrationCheck(required bool, err error) {
	r.mu.Lock()
	r.events = append(r.events, fmt.Sprintf("check required=%v err=%v", required, err != nil))
	r.mu.Unlock()
}

func (r *recorder) onResult(h *store.Handle, err error) {
	r.mu.Lock()
	r.events = append(r.events, "result")
	r.mu.Unlock()
	r.results <- result{h: h, err: err}
}

func (r *recorder) wait(t *testing.T) result {
	t.Helper()
	select {
	case res := <-r.results:
		return res
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for result callback")
		return result{}
	}
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

func TestAddStoreAsyncCallbackOrder(t *testing.T) {
	executors := map[string]func(t *testing.T) executor.Executor{
		"primary":   func(t *testing.T) executor.Executor { return nil },
		"inline":    func(t *testing.T) executor.Executor { return executor.Inline },
		"goroutine": func(t *testing.T) executor.Executor { return executor.Goroutine },
		"serial": func(t *testing.T) executor.Executor {
			s := executor.NewSerial("callbacks", logger.Discard())
			t.Cleanup(s.Close)
			return s
		},
	}

	for name, newExec := range executors {
		t.Run(name, func(t *testing.T) {
			ctrl, _ := newTestController(t, schema.Default())
			exec := newExec(t)

			for range 20 {
				rec := newRecorder()
				ctrl.AddStoreAsync(context.Background(), "", "", nil, exec, rec.onMigrationCheck, rec.onResult)

				res := rec.wait(t)
				require.NoError(t, res.err)
				require.NotNil(t, res.h)
				assert.Equal(t, []string{"check required=false err=false", "result"}, rec.Events())
			}
			assert.Len(t, ctrl.Stores(), 20)
		})
	}
}

func TestAddStoreAsyncMigrationRequired(t *testing.T) {
	model := testModel(t, 2)
	ctrl, _ := newTestController(t, model)

	dbPath := filepath.Join(t.TempDir(), "goob.db")
	createStore(t, dbPath, testModel(t, 1))

	rec := newRecorder()
	ctrl.AddStoreAsync(context.Background(), dbPath, "", store.Options{store.OptionAutoMigrate: false},
		executor.Goroutine, rec.onMigrationCheck, rec.onResult)

	res := rec.wait(t)
	assert.ErrorIs(t, res.err, store.ErrMigrationRequiredButDisabled)
	assert.Nil(t, res.h)
	assert.Equal(t, []string{"check required=true err=false", "result"}, rec.Events())
	assert.False(t, ctrl.HasStore())

	rec = newRecorder()
	ctrl.AddStoreAsync(context.Background(), dbPath, "", nil, nil, rec.onMigrationCheck, rec.onResult)
	res = rec.wait(t)
	require.NoError(t, res.err)
	assert.Equal(t, []string{"check required=true err=false", "result"}, rec.Events())
	assert.Equal(t, uint(2), storeVersion(t, dbPath, model))
}

func TestAddStoreAsyncCheckFailed(t *testing.T) {
	ctrl, _ := newTestController(t, schema.Default())

	dbPath := filepath.Join(t.TempDir(), "goob.db")
	createStore(t, dbPath, testModel(t, 7))

	var (
		checkErr error
		required bool
	)
	rec := newRecorder()
	ctrl.AddStoreAsync(context.Background(), dbPath, "", nil, executor.Inline,
		func(r bool, err error) {
			required, checkErr = r, err
			rec.onMigrationCheck(r, err)
		},
		rec.onResult,
	)

	res := rec.wait(t)
	assert.ErrorIs(t, res.err, store.ErrStoreUnreadable)
	assert.ErrorIs(t, checkErr, store.ErrStoreUnreadable)
	assert.False(t, required)
	assert.Equal(t, []string{"check required=false err=true", "result"}, rec.Events())
}

func TestAddStoreAsyncUnresolvableLocation(t *testing.T) {
	ctrl, _ := newTestController(t, schema.Default())

	// A relative location cannot be resolved once the working directory
	// is gone.
	wd := filepath.Join(t.TempDir(), "gone")
	require.NoError(t, os.Mkdir(wd, 0755))
	t.Chdir(wd)
	require.NoError(t, os.Remove(wd))

	var checkErr error
	rec := newRecorder()
	ctrl.AddStoreAsync(context.Background(), "goob.db", "", nil, executor.Inline,
		func(r bool, err error) {
			checkErr = err
			rec.onMigrationCheck(r, err)
		},
		rec.onResult,
	)

	res := rec.wait(t)
	assert.ErrorIs(t, checkErr, store.ErrStoreUnreadable)
	assert.ErrorIs(t, res.err, store.ErrAttachFailed)
	assert.Nil(t, res.h)
	assert.Equal(t, []string{"check required=false err=true", "result"}, rec.Events())
	assert.False(t, ctrl.HasStore())
}

func TestAddStoreAsyncNilCallbacks(t *testing.T) {
	ctrl, _ := newTestController(t, schema.Default())

	ctrl.AddStoreAsync(context.Background(), "", "", nil, nil, nil, nil)
	require.NoError(t, ctrl.Close(context.Background()))
	assert.True(t, ctrl.HasStore())
}

func TestAddStoreAsyncIgnoresCancellation(t *testing.T) {
	ctrl, _ := newTestController(t, schema.Default())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := newRecorder()
	ctrl.AddStoreAsync(ctx, filepath.Join(t.TempDir(), "goob.db"), "", nil, nil, nil, rec.onResult)
	res := rec.wait(t)
	require.NoError(t, res.err)
	assert.True(t, ctrl.HasStore())
}

func TestAddStoreAsyncSameLocation(t *testing.T) {
	ctrl, _ := newTestController(t, schema.Default())
	dbPath := filepath.Join(t.TempDir(), "goob.db")

	results := make(chan result, 2)
	for range 2 {
		ctrl.AddStoreAsync(context.Background(), dbPath, "", nil, nil, nil, func(h *store.Handle, err error) {
			results <- result{h: h, err: err}
		})
	}
	require.NoError(t, ctrl.Close(context.Background()))
	close(results)

	first := <-results
	second := <-results
	require.NoError(t, first.err)
	assert.Equal(t, dbPath, first.h.Location)
	assert.ErrorIs(t, second.err, store.ErrAlreadyAttached)
	assert.Nil(t, second.h)
	assert.Len(t, ctrl.Stores(), 1)
}

func TestRemoveStoreAsync(t *testing.T) {
	ctrl, _ := newTestController(t, schema.Default())
	ctx := context.Background()

	added, err := ctrl.AddStore(ctx, "", "", nil)
	require.NoError(t, err)

	rec := newRecorder()
	ctrl.RemoveStoreAsync(ctx, "", executor.Goroutine, rec.onResult)
	res := rec.wait(t)
	require.NoError(t, res.err)
	assert.Same(t, added, res.h)
	assert.False(t, ctrl.HasStore())

	ctrl.RemoveStoreAsync(ctx, "", nil, rec.onResult)
	res = rec.wait(t)
	assert.NoError(t, res.err)
	assert.Nil(t, res.h)
}

func TestAsyncAfterClose(t *testing.T) {
	ctrl, _ := newTestController(t, schema.Default())
	require.NoError(t, ctrl.Close(context.Background()))

	rec := newRecorder()
	ctrl.AddStoreAsync(context.Background(), "", "", nil, nil, rec.onMigrationCheck, rec.onResult)
	res := rec.wait(t)
	assert.ErrorIs(t, res.err, ErrClosed)
	assert.Equal(t, []string{"result"}, rec.Events(), "no migration check for a rejected call")

	ctrl.RemoveStoreAsync(context.Background(), "", executor.Inline, rec.onResult)
	res = rec.wait(t)
	assert.ErrorIs(t, res.err, ErrClosed)
	assert.False(t, ctrl.HasStore())
}

func TestCloseDrainsSubmittedCalls(t *testing.T) {
	ctrl, _ := newTestController(t, schema.Default())

	var delivered atomic.Int32
	for range 25 {
		ctrl.AddStoreAsync(context.Background(), "", "", nil, nil, nil, func(h *store.Handle, err error) {
			if err == nil {
				delivered.Add(1)
			}
		})
	}
	require.NoError(t, ctrl.Close(context.Background()))
	assert.Equal(t, int32(25), delivered.Load())
	assert.Len(t, ctrl.Stores(), 25)
}

// countingCoordinator records how many mutations run at once.
type countingCoordinator struct {
	mu     sync.Mutex
	stores []*store.Handle
	order  []string

	inFlight atomic.Int32
	peak     atomic.Int32
}

func (c *countingCoordinator) enter() func() {
	n := c.inFlight.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return func() { c.inFlight.Add(-1) }
}

func (c *countingCoordinator) Attach(ctx context.Context, location, configuration string, opts store.Options) (*store.Handle, error) {
	defer c.enter()()
	time.Sleep(100 * time.Microsecond)

	h := store.NewHandle(location, configuration, opts, nopBackend{})
	c.mu.Lock()
	c.stores = append(c.stores, h)
	c.order = append(c.order, configuration)
	c.mu.Unlock()
	return h, nil
}

func (c *countingCoordinator) Detach(ctx context.Context, h *store.Handle) error {
	defer c.enter()()
	time.Sleep(100 * time.Microsecond)

	c.mu.Lock()
	c.stores = slices.DeleteFunc(c.stores, func(x *store.Handle) bool { return x == h })
	c.mu.Unlock()
	return nil
}

func (c *countingCoordinator) CurrentStores() []*store.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.stores)
}

type nopBackend struct{}

func (nopBackend) DB() *sql.DB                                    { return nil }
func (nopBackend) SchemaVersion(ctx context.Context) (uint, error) { return 0, nil }
func (nopBackend) Close() error                                   { return nil }

type checkerFunc func(ctx context.Context, location string) store.Verdict

func (f checkerFunc) Check(ctx context.Context, location string) store.Verdict {
	return f(ctx, location)
}

func TestAsyncMutationsAreSerialized(t *testing.T) {
	coord := &countingCoordinator{}
	ctrl := New(coord, checkerFunc(func(ctx context.Context, location string) store.Verdict {
		return store.Verdict{Kind: store.NotRequired}
	}), WithLogger(logger.Discard()))

	const (
		submitters = 4
		perWorker  = 25
	)
	var (
		wg      sync.WaitGroup
		failed  atomic.Int32
		removed atomic.Int32
	)
	wg.Add(submitters * perWorker * 2)
	onResult := func(h *store.Handle, err error) {
		if err != nil {
			failed.Add(1)
		}
		wg.Done()
	}
	onRemove := func(h *store.Handle, err error) {
		if h != nil {
			removed.Add(1)
		}
		onResult(h, err)
	}

	// Every add targets its own file, and its remove is queued right after
	// it by the same submitter, so each remove finds the store it names.
	dir := t.TempDir()
	var g errgroup.Group
	for w := range submitters {
		g.Go(func() error {
			for i := range perWorker {
				location := filepath.Join(dir, fmt.Sprintf("w%d-%02d.db", w, i))
				ctrl.AddStoreAsync(context.Background(), location, "", nil, executor.Goroutine, nil, onResult)
				ctrl.RemoveStoreAsync(context.Background(), location, executor.Goroutine, onRemove)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for results")
	}

	require.NoError(t, ctrl.Close(context.Background()))
	assert.Equal(t, int32(1), coord.peak.Load(), "at most one mutation in flight")
	assert.Zero(t, failed.Load())
	assert.Equal(t, int32(submitters*perWorker), removed.Load())
	assert.Empty(t, coord.CurrentStores())
}

func TestAsyncSubmissionOrder(t *testing.T) {
	coord := &countingCoordinator{}
	ctrl := New(coord, checkerFunc(func(ctx context.Context, location string) store.Verdict {
		return store.Verdict{Kind: store.NotRequired}
	}), WithLogger(logger.Discard()))

	var want []string
	for i := range 50 {
		name := fmt.Sprintf("cfg-%02d", i)
		want = append(want, name)
		ctrl.AddStoreAsync(context.Background(), "", name, nil, executor.Goroutine, nil, nil)
	}
	require.NoError(t, ctrl.Close(context.Background()))

	assert.Equal(t, want, coord.order)
}

func TestAsyncUsesGivenPrimary(t *testing.T) {
	primary := executor.NewSerial("host", logger.Discard())
	coord := &countingCoordinator{}
	ctrl := New(coord, checkerFunc(func(ctx context.Context, location string) store.Verdict {
		return store.Verdict{Kind: store.NotRequired}
	}), WithLogger(logger.Discard()), WithPrimary(primary))
	assert.Same(t, primary, ctrl.Primary())

	var onPrimary atomic.Bool
	marker := make(chan struct{})
	primary.Submit(func() { <-marker })

	rec := newRecorder()
	ctrl.AddStoreAsync(context.Background(), "", "", nil, nil, nil, func(h *store.Handle, err error) {
		onPrimary.Store(true)
		rec.onResult(h, err)
	})

	// The result waits behind the blocking task on the primary executor.
	time.Sleep(20 * time.Millisecond)
	assert.False(t, onPrimary.Load())
	close(marker)

	res := rec.wait(t)
	require.NoError(t, res.err)

	require.NoError(t, ctrl.Close(context.Background()))
	assert.True(t, primary.Submit(func() {}), "a host executor is not closed by the controller")
	primary.Close()
	require.NoError(t, primary.Wait(context.Background()))
}
