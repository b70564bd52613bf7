package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopBackend struct{}

func (nopBackend) DB() *sql.DB                                    { return nil }
func (nopBackend) SchemaVersion(ctx context.Context) (uint, error) { return 0, nil }
func (nopBackend) Close() error                                   { return nil }

func TestHandleLeases(t *testing.T) {
	h := NewHandle("/tmp/a.db", "main", DefaultOptions(), nopBackend{})
	assert.True(t, h.Valid())
	assert.False(t, h.InUse())

	release, err := h.Acquire()
	require.NoError(t, err)
	assert.True(t, h.InUse())
	assert.ErrorIs(t, h.Invalidate(), ErrStoreBusy)
	assert.True(t, h.Valid(), "a busy handle stays valid")

	release()
	release()
	assert.False(t, h.InUse(), "release is idempotent")

	require.NoError(t, h.Invalidate())
	assert.False(t, h.Valid())
	assert.ErrorIs(t, h.Invalidate(), ErrHandleInvalid)

	_, err = h.Acquire()
	assert.ErrorIs(t, err, ErrHandleInvalid)

	h.Revalidate()
	assert.True(t, h.Valid())
}

func TestHandleString(t *testing.T) {
	file := NewHandle("/data/goob.db", "", nil, nopBackend{})
	assert.Equal(t, "/data/goob.db", file.String())
	assert.False(t, file.InMemory())

	mem := NewHandle(InMemory, "", nil, nopBackend{})
	assert.True(t, mem.InMemory())
	assert.Equal(t, "memory:"+mem.ID.String(), mem.String())
	assert.NotEqual(t, mem.ID, NewHandle(InMemory, "", nil, nopBackend{}).ID)
}

func TestVerdict(t *testing.T) {
	assert.True(t, Verdict{Kind: Required}.Required())
	assert.False(t, Verdict{Kind: NotRequired}.Required())

	v := Failed(ErrStoreUnreadable)
	assert.Equal(t, CheckFailed, v.Kind)
	assert.False(t, v.Required())
	assert.ErrorIs(t, v.Err, ErrStoreUnreadable)

	assert.Equal(t, "required", Required.String())
	assert.Equal(t, "not-required", NotRequired.String())
	assert.Equal(t, "check-failed", CheckFailed.String())
}
