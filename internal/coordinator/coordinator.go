// Package coordinator owns the set of attached stores.
//
// The Coordinator offers primitive attach, detach and list operations over a
// single store set. Its lock only keeps the set consistent for concurrent
// readers: the check-then-attach protocol spanning a migration is not atomic,
// so mutations must be funneled through one execution context by the caller.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/maloquacious/goobstore/internal/logger"
	"github.com/maloquacious/goobstore/internal/store"
	"github.com/maloquacious/goobstore/internal/store/schema"
	"github.com/maloquacious/goobstore/internal/store/sqlite"
)

// OpenFunc opens the backend of a store. An empty location means in-memory.
type OpenFunc func(ctx context.Context, location string, opts store.Options) (store.Backend, error)

// Coordinator holds the live store set.
type Coordinator struct {
	open   OpenFunc
	logger logger.Logger

	mu         sync.RWMutex
	byLocation map[string]*store.Handle
	inMemory   []*store.Handle // attach order
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// WithOpenFunc replaces the engine used to open stores.
func WithOpenFunc(open OpenFunc) Option {
	return func(c *Coordinator) {
		c.open = open
	}
}

// New creates a coordinator whose stores are SQLite databases migrated to model.
func New(model *schema.Model, opts ...Option) *Coordinator {
	c := &Coordinator{
		open:       SQLiteOpener(model),
		logger:     logger.Default,
		byLocation: make(map[string]*store.Handle),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logger.With(c.logger, "component", "coordinator")
	return c
}

// SQLiteOpener returns an OpenFunc attaching SQLite stores for model.
func SQLiteOpener(model *schema.Model) OpenFunc {
	return func(ctx context.Context, location string, opts store.Options) (store.Backend, error) {
		s, err := sqlite.Attach(ctx, location, model, opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Attach opens the store at location and adds it to the set. location must
// already be resolved (see store.ResolveLocation). Attaching a location that
// already has a live handle fails with store.ErrAlreadyAttached and leaves the
// set unchanged.
func (c *Coordinator) Attach(ctx context.Context, location, configuration string, opts store.Options) (*store.Handle, error) {
	if location != store.InMemory {
		c.mu.RLock()
		_, exists := c.byLocation[location]
		c.mu.RUnlock()
		if exists {
			return nil, fmt.Errorf("%w: %s", store.ErrAlreadyAttached, location)
		}
	}

	backend, err := c.open(ctx, location, opts)
	if err != nil {
		return nil, err
	}

	h := store.NewHandle(location, configuration, opts, backend)

	c.mu.Lock()
	if h.InMemory() {
		c.inMemory = append(c.inMemory, h)
	} else {
		if _, exists := c.byLocation[location]; exists {
			c.mu.Unlock()
			backend.Close()
			return nil, fmt.Errorf("%w: %s", store.ErrAlreadyAttached, location)
		}
		c.byLocation[location] = h
	}
	c.mu.Unlock()

	c.logger.Debug("store attached", "store", h.String(), "configuration", configuration)
	return h, nil
}

// Detach closes the store behind h and removes it from the set. A handle
// with outstanding leases is refused with store.ErrStoreBusy; on any failure
// the handle stays attached.
func (c *Coordinator) Detach(ctx context.Context, h *store.Handle) error {
	if !c.contains(h) {
		return fmt.Errorf("%w: %s", store.ErrHandleInvalid, h)
	}
	if err := h.Invalidate(); err != nil {
		return err
	}
	if err := h.Backend().Close(); err != nil {
		h.Revalidate()
		return fmt.Errorf("closing store %s: %w", h, err)
	}

	c.mu.Lock()
	if h.InMemory() {
		c.inMemory = slices.DeleteFunc(c.inMemory, func(x *store.Handle) bool { return x == h })
	} else {
		delete(c.byLocation, h.Location)
	}
	c.mu.Unlock()

	c.logger.Debug("store detached", "store", h.String())
	return nil
}

func (c *Coordinator) contains(h *store.Handle) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if h.InMemory() {
		return slices.Contains(c.inMemory, h)
	}
	return c.byLocation[h.Location] == h
}

// CurrentStores returns a snapshot of the store set: file stores sorted by
// location, then in-memory stores in attach order.
func (c *Coordinator) CurrentStores() []*store.Handle {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stores := make([]*store.Handle, 0, len(c.byLocation)+len(c.inMemory))
	for _, h := range c.byLocation {
		stores = append(stores, h)
	}
	sort.Slice(stores, func(i, j int) bool {
		return stores[i].Location < stores[j].Location
	})
	return append(stores, c.inMemory...)
}

// Len returns the number of attached stores.
func (c *Coordinator) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byLocation) + len(c.inMemory)
}

// Close detaches every store. It is the process teardown path.
func (c *Coordinator) Close() error {
	var errs []error
	for _, h := range c.CurrentStores() {
		if err := c.Detach(context.Background(), h); err != nil {
			c.logger.Error("store close error", "store", h.String(), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
