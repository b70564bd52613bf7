// Package lifecycle implements the store lifecycle controller, the single
// entry point through which stores are attached to and detached from the
// coordinator.
//
// # Synchronous API
//
// AddStore, RemoveStore, CheckMigrationRequired and HasStore run on the
// calling goroutine. AddStore may migrate a store in-line, which can take a
// long time for large stores. The synchronous API bypasses the controller's
// serial queue: callers mixing it with the asynchronous API on the same
// controller must avoid racing against in-flight asynchronous calls.
//
// # Asynchronous API
//
// AddStoreAsync and RemoveStoreAsync submit the whole operation to a private
// serial queue, so at most one mutation runs at a time across the controller,
// in submission order. Callbacks are delivered on the executor passed by the
// caller, or on the controller's primary executor when nil is passed. A
// submitted call cannot be cancelled; it always runs to completion and always
// delivers its result callback.
//
// # Status
//
// Status returns an observable flag mirroring HasStore. It is refreshed after
// every mutation.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maloquacious/goobstore/internal/executor"
	"github.com/maloquacious/goobstore/internal/logger"
	"github.com/maloquacious/goobstore/internal/metrics"
	"github.com/maloquacious/goobstore/internal/status"
	"github.com/maloquacious/goobstore/internal/store"
	"github.com/maloquacious/goobstore/internal/telemetry"
)

// ErrClosed is delivered to asynchronous calls submitted after Close.
var ErrClosed = errors.New("lifecycle: controller closed")

// Coordinator owns the store set. It need not be safe for concurrent
// mutation.
type Coordinator interface {
	Attach(ctx context.Context, location, configuration string, opts store.Options) (*store.Handle, error)
	Detach(ctx context.Context, h *store.Handle) error
	CurrentStores() []*store.Handle
}

// MigrationChecker decides whether the store file at location needs a
// migration before it can be attached.
type MigrationChecker interface {
	Check(ctx context.Context, location string) store.Verdict
}

// Controller serializes and supervises store attach and detach operations.
type Controller struct {
	coord   Coordinator
	checker MigrationChecker

	queue        *executor.Serial
	primary      executor.Executor
	ownedPrimary *executor.Serial

	status  *status.Flag
	logger  logger.Logger
	metrics *metrics.Metrics
}

// Option configures a Controller.
type Option func(*Controller)

// WithPrimary sets the executor callbacks are delivered on when the caller
// passes none. Without it the controller creates its own serial executor.
func WithPrimary(exec executor.Executor) Option {
	return func(c *Controller) {
		c.primary = exec
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Controller) {
		c.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// New creates a controller over coord and starts its serial queue.
func New(coord Coordinator, checker MigrationChecker, opts ...Option) *Controller {
	c := &Controller{
		coord:   coord,
		checker: checker,
		logger:  logger.Default,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logger.With(c.logger, "component", "lifecycle")

	c.queue = executor.NewSerial("lifecycle", c.logger)
	if c.primary == nil {
		c.ownedPrimary = executor.NewSerial("primary", c.logger)
		c.primary = c.ownedPrimary
	}

	n := len(coord.CurrentStores())
	c.status = status.NewFlag(n > 0)
	c.metrics.SetStoresAttached(n)
	return c
}

// Primary returns the executor used for callbacks when none is given.
func (c *Controller) Primary() executor.Executor {
	return c.primary
}

// Status returns the observable "has at least one store" flag.
func (c *Controller) Status() *status.Flag {
	return c.status
}

// HasStore reports whether at least one store is attached. The value is a
// snapshot and may change while asynchronous calls are in flight.
func (c *Controller) HasStore() bool {
	return len(c.coord.CurrentStores()) > 0
}

// Stores returns a snapshot of the attached stores.
func (c *Controller) Stores() []*store.Handle {
	return c.coord.CurrentStores()
}

// CheckMigrationRequired opens the store file at location read-only and
// reports whether attaching it requires a migration. It does not touch the
// store set.
func (c *Controller) CheckMigrationRequired(ctx context.Context, location string) store.Verdict {
	return c.checker.Check(ctx, location)
}

// AddStore attaches a store on the calling goroutine. An empty location
// attaches an in-memory store. opts are merged over store.DefaultOptions.
//
// If the file at location has an outdated schema and autoMigrate is on, the
// migration runs before AddStore returns.
//
// A location with no file yet is created and initialized even when
// autoMigrate is off. An existing file without a schema counts as needing a
// migration, so with autoMigrate off it is refused with
// ErrMigrationRequiredButDisabled and left untouched.
func (c *Controller) AddStore(ctx context.Context, location, configuration string, opts store.Options) (*store.Handle, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanAttach,
		telemetry.StoreLocation(location),
		telemetry.StoreConfiguration(configuration),
		telemetry.Async(false),
	)

	start := time.Now()
	h, err := c.add(ctx, location, configuration, store.MergeOptions(opts))
	c.observeAdd(h, location, err, start, false)

	if h != nil {
		span.SetAttributes(telemetry.StoreID(h.ID.String()))
	}
	telemetry.End(span, err)
	return h, err
}

func (c *Controller) add(ctx context.Context, location, configuration string, opts store.Options) (*store.Handle, error) {
	resolved, err := store.ResolveLocation(location)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrAttachFailed, err)
	}
	if err := c.checkNotAttached(resolved); err != nil {
		return nil, err
	}
	return c.attach(ctx, resolved, c.plan(ctx, resolved), configuration, opts)
}

// plan returns the migration verdict for attaching resolved. In-memory and
// not yet existing stores are created fresh and need no migration.
func (c *Controller) plan(ctx context.Context, resolved string) store.Verdict {
	if resolved == store.InMemory {
		return store.Verdict{Kind: store.NotRequired}
	}
	exists, err := store.CheckExists(resolved)
	if err != nil {
		return store.Failed(fmt.Errorf("%w: %w", store.ErrStoreUnreadable, err))
	}
	if !exists {
		return store.Verdict{Kind: store.NotRequired}
	}
	return c.checker.Check(ctx, resolved)
}

func (c *Controller) checkNotAttached(resolved string) error {
	if resolved == store.InMemory {
		return nil
	}
	for _, h := range c.coord.CurrentStores() {
		if h.Location == resolved {
			return fmt.Errorf("%w: %s", store.ErrAlreadyAttached, resolved)
		}
	}
	return nil
}

// attach applies the verdict gates and attaches. A failure leaves the store
// set unchanged.
func (c *Controller) attach(ctx context.Context, resolved string, verdict store.Verdict, configuration string, opts store.Options) (*store.Handle, error) {
	switch verdict.Kind {
	case store.CheckFailed:
		return nil, verdict.Err
	case store.Required:
		if !opts.AutoMigrate() {
			return nil, fmt.Errorf("%w: %s is at version %d, model is at %d",
				store.ErrMigrationRequiredButDisabled, resolved, verdict.StoreVersion, verdict.ModelVersion)
		}
	}

	h, err := c.coord.Attach(ctx, resolved, configuration, opts)
	if err != nil {
		return nil, classifyAttach(err)
	}
	c.publish()
	return h, nil
}

// classifyAttach makes sure every attach error carries a taxonomy kind.
func classifyAttach(err error) error {
	for _, kind := range []error{
		store.ErrStoreUnreadable,
		store.ErrMigrationRequiredButDisabled,
		store.ErrAlreadyAttached,
		store.ErrAttachFailed,
	} {
		if errors.Is(err, kind) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", store.ErrAttachFailed, err)
}

// RemoveStore detaches the store at location. An empty location detaches the
// most recently attached in-memory store, so repeated calls drain them one at
// a time. It returns nil, nil when no store matches.
func (c *Controller) RemoveStore(ctx context.Context, location string) (*store.Handle, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanDetach,
		telemetry.StoreLocation(location),
		telemetry.Async(false),
	)

	h, err := c.remove(ctx, location)
	c.observeRemove(h, location, err, false)

	telemetry.End(span, err)
	return h, err
}

func (c *Controller) remove(ctx context.Context, location string) (*store.Handle, error) {
	resolved, err := store.ResolveLocation(location)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrDetachFailed, err)
	}

	h := c.find(resolved)
	if h == nil {
		return nil, nil
	}
	if err := c.coord.Detach(ctx, h); err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrDetachFailed, err)
	}
	c.publish()
	return h, nil
}

func (c *Controller) find(resolved string) *store.Handle {
	stores := c.coord.CurrentStores()
	for i := len(stores) - 1; i >= 0; i-- {
		if stores[i].Location == resolved {
			return stores[i]
		}
	}
	return nil
}

// publish refreshes the status flag from the store set.
func (c *Controller) publish() {
	n := len(c.coord.CurrentStores())
	c.metrics.SetStoresAttached(n)
	if c.status.Set(n > 0) {
		c.logger.Debug("persistence status changed", "hasStore", n > 0)
	}
}

func (c *Controller) observeAdd(h *store.Handle, location string, err error, start time.Time, async bool) {
	if err != nil {
		c.metrics.ObserveAttach(metrics.ResultError, time.Since(start))
		c.logger.Warn("store attach failed", "location", location, "async", async, "error", err)
		return
	}
	c.metrics.ObserveAttach(metrics.ResultSuccess, time.Since(start))
	c.logger.Info("store attached",
		"store", h.String(),
		"configuration", h.Configuration,
		"async", async,
		"duration", time.Since(start),
	)
}

func (c *Controller) observeRemove(h *store.Handle, location string, err error, async bool) {
	switch {
	case err != nil:
		c.metrics.ObserveDetach(metrics.ResultError)
		c.logger.Warn("store detach failed", "location", location, "async", async, "error", err)
	case h == nil:
		c.metrics.ObserveDetach(metrics.ResultNoop)
		c.logger.Debug("no store to detach", "location", location, "async", async)
	default:
		c.metrics.ObserveDetach(metrics.ResultSuccess)
		c.logger.Info("store detached", "store", h.String(), "async", async)
	}
}
