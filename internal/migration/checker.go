// Package migration decides whether attaching a store file would require a
// schema migration. Checks open the file read-only and never mutate it, so
// they may run concurrently for different locations.
package migration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maloquacious/goobstore/internal/metrics"
	"github.com/maloquacious/goobstore/internal/store"
	"github.com/maloquacious/goobstore/internal/store/schema"
	"github.com/maloquacious/goobstore/internal/store/sqlite"
	"github.com/maloquacious/goobstore/internal/telemetry"
)

// Checker compares store files against a model.
type Checker struct {
	model   *schema.Model
	metrics *metrics.Metrics
}

// NewChecker returns a checker for model. m may be nil.
func NewChecker(model *schema.Model, m *metrics.Metrics) *Checker {
	return &Checker{model: model, metrics: m}
}

// Check returns the migration verdict for the store file at location.
// A missing, corrupted or foreign file yields a CheckFailed verdict wrapping
// store.ErrStoreUnreadable.
func (c *Checker) Check(ctx context.Context, location string) (v store.Verdict) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanCheck, telemetry.StoreLocation(location))
	defer func() {
		span.SetAttributes(telemetry.Verdict(v.Kind.String()))
		telemetry.End(span, v.Err)
		c.metrics.ObserveCheck(v.Kind.String(), time.Since(start))
	}()

	v = c.check(ctx, location)
	v.ModelVersion = c.model.LatestVersion()
	return v
}

func (c *Checker) check(ctx context.Context, location string) store.Verdict {
	if location == store.InMemory {
		return store.Failed(fmt.Errorf("%w: in-memory stores have no file to check", store.ErrStoreUnreadable))
	}

	path, err := store.ResolveLocation(location)
	if err != nil {
		return store.Failed(fmt.Errorf("%w: %w", store.ErrStoreUnreadable, err))
	}

	exists, err := store.CheckExists(path)
	if err != nil {
		return store.Failed(fmt.Errorf("%w: %w", store.ErrStoreUnreadable, err))
	}
	if !exists {
		return store.Failed(fmt.Errorf("%w: no store at %s", store.ErrStoreUnreadable, path))
	}

	s := sqlite.NewReadOnly(path, c.model)
	if err := s.Open(ctx, store.DefaultOptions()); err != nil {
		return store.Failed(asUnreadable(err))
	}
	defer s.Close()

	state, err := s.CheckState(ctx)
	if err != nil {
		return store.Failed(asUnreadable(err))
	}
	var version uint
	if state != store.StateUninitialized && state != store.StateForeign {
		if version, _, err = s.GetSchemaVersion(ctx); err != nil {
			return store.Failed(asUnreadable(err))
		}
	}

	switch state {
	case store.StateReady:
		return store.Verdict{Kind: store.NotRequired, StoreVersion: version}
	case store.StateUninitialized, store.StateVersionMismatch:
		return store.Verdict{Kind: store.Required, StoreVersion: version}
	default:
		return store.Verdict{
			Kind:         store.CheckFailed,
			Err:          fmt.Errorf("%w: store at %s is %s", store.ErrStoreUnreadable, path, state),
			StoreVersion: version,
		}
	}
}

// asUnreadable makes sure a check error is classified as unreadable.
func asUnreadable(err error) error {
	if errors.Is(err, store.ErrStoreUnreadable) {
		return err
	}
	return fmt.Errorf("%w: %w", store.ErrStoreUnreadable, err)
}
