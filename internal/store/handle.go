package store

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handle identifies one attached store. Handles are created by a successful
// attach and invalidated by a successful detach.
type Handle struct {
	ID            uuid.UUID
	Location      string
	Configuration string
	Options       Options
	AttachedAt    time.Time

	backend Backend

	mu      sync.Mutex
	leases  int
	invalid bool
}

// NewHandle wraps an opened backend. Only the coordinator creates handles.
func NewHandle(location, configuration string, opts Options, backend Backend) *Handle {
	return &Handle{
		ID:            uuid.New(),
		Location:      location,
		Configuration: configuration,
		Options:       opts,
		AttachedAt:    time.Now().UTC(),
		backend:       backend,
	}
}

// InMemory reports whether the handle refers to an in-memory store.
func (h *Handle) InMemory() bool {
	return h.Location == InMemory
}

// Backend returns the engine object of the store.
func (h *Handle) Backend() Backend {
	return h.backend
}

// Acquire takes a lease on the store. While a lease is held the store
// cannot be detached. The returned release func is idempotent.
func (h *Handle) Acquire() (release func(), err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.invalid {
		return nil, ErrHandleInvalid
	}
	h.leases++

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			h.leases--
			h.mu.Unlock()
		})
	}, nil
}

// InUse reports whether any lease is outstanding.
func (h *Handle) InUse() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leases > 0
}

// Valid reports whether the handle is still attached.
func (h *Handle) Valid() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.invalid
}

// Invalidate marks the handle detached. It fails with ErrStoreBusy while a
// lease is held, leaving the handle valid.
func (h *Handle) Invalidate() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.invalid {
		return ErrHandleInvalid
	}
	if h.leases > 0 {
		return ErrStoreBusy
	}
	h.invalid = true
	return nil
}

// Revalidate undoes Invalidate after a failed engine close.
func (h *Handle) Revalidate() {
	h.mu.Lock()
	h.invalid = false
	h.mu.Unlock()
}

func (h *Handle) String() string {
	if h.InMemory() {
		return "memory:" + h.ID.String()
	}
	return h.Location
}
