package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/maloquacious/goobstore/internal/store"
	"github.com/maloquacious/goobstore/internal/store/schema"
)

// SQLiteStore is a store backed by modernc.org/sqlite. An empty path
// selects an in-memory database.
type SQLiteStore struct {
	dbPath   string
	db       *sql.DB
	model    *schema.Model
	readOnly bool
}

var _ store.Backend = (*SQLiteStore)(nil)

// New creates a new SQLiteStore for dbPath checked against model.
func New(dbPath string, model *schema.Model) *SQLiteStore {
	return &SQLiteStore{
		dbPath: dbPath,
		model:  model,
	}
}

// NewReadOnly creates a SQLiteStore that opens an existing file without
// write access. It is used to inspect a store before attaching it.
func NewReadOnly(dbPath string, model *schema.Model) *SQLiteStore {
	return &SQLiteStore{
		dbPath:   dbPath,
		model:    model,
		readOnly: true,
	}
}

// Attach opens the store at dbPath and brings its schema up to date.
func Attach(ctx context.Context, dbPath string, model *schema.Model, opts store.Options) (*SQLiteStore, error) {
	s := New(dbPath, model)
	if err := s.Open(ctx, opts); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx, opts); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Open opens the database with safe defaults. The timeout option bounds
// connection setup and is used as the SQLite busy timeout.
func (s *SQLiteStore) Open(ctx context.Context, opts store.Options) error {
	if s.dbPath != "" && !s.readOnly {
		if err := os.MkdirAll(filepath.Dir(s.dbPath), 0755); err != nil {
			return fmt.Errorf("%w: creating store directory: %w", store.ErrAttachFailed, err)
		}
	}

	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("%w: failed to open database: %w", store.ErrAttachFailed, err)
	}
	// Pragmas are per connection and an in-memory database exists only
	// inside its connection, so the pool holds exactly one.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	timeout := opts.Timeout()
	openCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := db.PingContext(openCtx); err != nil {
		db.Close()
		err = classify(err)
		if errors.Is(err, store.ErrStoreUnreadable) {
			return err
		}
		return fmt.Errorf("%w: failed to connect to database: %w", store.ErrAttachFailed, err)
	}

	for _, pragma := range s.pragmas(opts) {
		if _, err := db.ExecContext(openCtx, pragma); err != nil {
			db.Close()
			err = classify(err)
			if errors.Is(err, store.ErrStoreUnreadable) {
				return err
			}
			return fmt.Errorf("%w: failed to set pragma %q: %w", store.ErrAttachFailed, pragma, err)
		}
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) dsn() string {
	switch {
	case s.dbPath == "":
		return ":memory:"
	case s.readOnly:
		u := url.URL{Scheme: "file", Path: s.dbPath, RawQuery: "mode=ro"}
		return u.String()
	default:
		return s.dbPath
	}
}

func (s *SQLiteStore) pragmas(opts store.Options) []string {
	busy := fmt.Sprintf("PRAGMA busy_timeout=%d", opts.Timeout().Milliseconds())
	if s.readOnly {
		return []string{busy, "PRAGMA query_only=ON"}
	}
	pragmas := []string{
		busy,
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	if s.dbPath != "" {
		pragmas = append([]string{"PRAGMA journal_mode=" + opts.JournalMode()}, pragmas...)
	}
	return pragmas
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// DB returns the underlying connection pool.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Path returns the database file path, empty for in-memory stores.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

// Backup writes a consistent copy of the open store to dst with VACUUM INTO.
// Pages still held in the write-ahead log are included. dst must not exist.
func (s *SQLiteStore) Backup(ctx context.Context, dst string) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", dst); err != nil {
		return fmt.Errorf("failed to back up store: %w", classify(err))
	}
	return nil
}

// Migrate applies pending migrations of the model. The engine initializes
// a store without any schema whatever the autoMigrate option says; callers
// that must not write to an existing empty file check it first, as the
// lifecycle controller does. An outdated store is only migrated when
// autoMigrate and inferMapping allow it.
func (s *SQLiteStore) Migrate(ctx context.Context, opts store.Options) error {
	if s.readOnly {
		return fmt.Errorf("%w: store opened read-only", store.ErrAttachFailed)
	}

	state, err := s.CheckState(ctx)
	if err != nil {
		return err
	}

	switch state {
	case store.StateReady:
		return nil
	case store.StateUninitialized:
	case store.StateVersionMismatch:
		if !opts.AutoMigrate() {
			return store.ErrMigrationRequiredButDisabled
		}
		if !opts.InferMapping() {
			return fmt.Errorf("%w: %w", store.ErrAttachFailed, store.ErrNoMappingModel)
		}
	default:
		return fmt.Errorf("%w: store is %s", store.ErrStoreUnreadable, state)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{
		MigrationsTable: migrationsTable,
	})
	if err != nil {
		return fmt.Errorf("%w: failed to create migration driver: %w", store.ErrAttachFailed, err)
	}

	src, err := s.model.Source()
	if err != nil {
		return fmt.Errorf("%w: %w", store.ErrAttachFailed, err)
	}
	// m.Close would also close the database, which the store still owns.
	defer src.Close()

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("%w: failed to create migrate instance: %w", store.ErrAttachFailed, err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%w: migration failed: %w", store.ErrAttachFailed, err)
	}
	return nil
}

// CheckState returns the current state of the store compared to the model.
func (s *SQLiteStore) CheckState(ctx context.Context) (store.StoreState, error) {
	if s.db == nil {
		return store.StateMissing, fmt.Errorf("database not opened")
	}

	var count int
	if err := s.db.QueryRowContext(ctx, countMigrationsTable).Scan(&count); err != nil {
		return store.StateUninitialized, fmt.Errorf("failed to check schema_migrations table: %w", classify(err))
	}

	if count == 0 {
		var tables int
		if err := s.db.QueryRowContext(ctx, countUserTables).Scan(&tables); err != nil {
			return store.StateUninitialized, fmt.Errorf("failed to count tables: %w", classify(err))
		}
		if tables > 0 {
			return store.StateForeign, nil
		}
		return store.StateUninitialized, nil
	}

	version, dirty, err := s.GetSchemaVersion(ctx)
	if err != nil {
		return store.StateUninitialized, fmt.Errorf("failed to get schema version: %w", err)
	}

	latest := s.model.LatestVersion()
	switch {
	case dirty:
		return store.StateDirty, nil
	case version > latest:
		return store.StateNewer, nil
	case version < latest:
		return store.StateVersionMismatch, nil
	}
	return store.StateReady, nil
}

// GetSchemaVersion returns the schema version recorded in the store and
// whether the last migration left it dirty. A store without a recorded
// version reports 0.
func (s *SQLiteStore) GetSchemaVersion(ctx context.Context) (uint, bool, error) {
	if s.db == nil {
		return 0, false, fmt.Errorf("database not opened")
	}

	var (
		version int64
		dirty   bool
	)
	err := s.db.QueryRowContext(ctx, selectSchemaVersion).Scan(&version, &dirty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to query schema version: %w", classify(err))
	}
	if version < 0 {
		return 0, dirty, nil
	}
	return uint(version), dirty, nil
}

// SchemaVersion implements store.Backend.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (uint, error) {
	v, _, err := s.GetSchemaVersion(ctx)
	return v, err
}

// classify marks format and corruption errors as ErrStoreUnreadable.
func classify(err error) error {
	var se *msqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_CORRUPT:
			return fmt.Errorf("%w: %w", store.ErrStoreUnreadable, err)
		}
	}
	return err
}
