// Package schema describes the current data model: the ordered chain of
// migrations a store must have applied to be usable.
package schema

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Model is a set of golang-migrate style migration files
// (<version>_<title>.up.sql) and the schema version they lead to.
type Model struct {
	fsys   fs.FS
	dir    string
	latest uint
}

// New builds a model from the migrations found in dir of fsys.
func New(fsys fs.FS, dir string) (*Model, error) {
	m := &Model{fsys: fsys, dir: dir}

	src, err := m.Source()
	if err != nil {
		return nil, err
	}
	defer src.Close()

	v, err := src.First()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("schema: no migrations in %q", dir)
		}
		return nil, fmt.Errorf("schema: reading first migration: %w", err)
	}
	for {
		next, err := src.Next(v)
		if errors.Is(err, fs.ErrNotExist) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("schema: reading migration after %d: %w", v, err)
		}
		v = next
	}
	m.latest = v
	return m, nil
}

// Default returns the model embedded in the binary.
func Default() *Model {
	m, err := New(migrationsFS, "migrations")
	if err != nil {
		panic(err)
	}
	return m
}

// LatestVersion is the schema version of a fully migrated store.
func (m *Model) LatestVersion() uint {
	return m.latest
}

// Source returns a fresh migration source. Callers own the returned driver.
func (m *Model) Source() (source.Driver, error) {
	src, err := iofs.New(m.fsys, m.dir)
	if err != nil {
		return nil, fmt.Errorf("schema: opening migration source: %w", err)
	}
	return src, nil
}
