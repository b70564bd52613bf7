package store

import (
	"context"
	"database/sql"
	"fmt"
)

// StoreState represents the initialization state of a store file.
type StoreState int

const (
	StateMissing         StoreState = iota // File doesn't exist
	StateUninitialized                     // File exists but no schema
	StateVersionMismatch                   // Schema exists but older than the model
	StateReady                             // Initialized and current version
	StateDirty                             // A previous migration did not finish
	StateNewer                             // Schema is newer than the model
	StateForeign                           // SQLite file with tables we don't own
)

func (s StoreState) String() string {
	switch s {
	case StateMissing:
		return "missing"
	case StateUninitialized:
		return "uninitialized"
	case StateVersionMismatch:
		return "version-mismatch"
	case StateReady:
		return "ready"
	case StateDirty:
		return "dirty"
	case StateNewer:
		return "newer"
	case StateForeign:
		return "foreign"
	default:
		return fmt.Sprintf("StoreState(%d)", int(s))
	}
}

// Backend is the engine object behind an attached store.
// Implementations must be safe for concurrent use.
type Backend interface {
	// DB returns the database connection pool of the store
	DB() *sql.DB

	// SchemaVersion returns the schema version recorded in the store
	SchemaVersion(ctx context.Context) (uint, error)

	// Close releases the store
	Close() error
}

// VerdictKind is the outcome of a migration pre-check.
type VerdictKind int

const (
	NotRequired VerdictKind = iota
	Required
	CheckFailed
)

func (k VerdictKind) String() string {
	switch k {
	case NotRequired:
		return "not-required"
	case Required:
		return "required"
	case CheckFailed:
		return "check-failed"
	default:
		return fmt.Sprintf("VerdictKind(%d)", int(k))
	}
}

// Verdict is the result of checking whether attaching a store needs a migration.
// Verdicts are recomputed on every check and never persisted.
type Verdict struct {
	Kind         VerdictKind
	Err          error
	StoreVersion uint
	ModelVersion uint
}

// Required reports whether a migration is needed. A failed check reports false.
func (v Verdict) Required() bool {
	return v.Kind == Required
}

// Failed returns a CheckFailed verdict wrapping err.
func Failed(err error) Verdict {
	return Verdict{Kind: CheckFailed, Err: err}
}
