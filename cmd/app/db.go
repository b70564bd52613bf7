package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/maloquacious/goobstore/internal/config"
	"github.com/maloquacious/goobstore/internal/store"
	"github.com/maloquacious/goobstore/internal/store/schema"
	"github.com/maloquacious/goobstore/internal/store/sqlite"
)

type verifyResult struct {
	Location     string `json:"location"`
	Verdict      string `json:"verdict"`
	StoreVersion uint   `json:"storeVersion"`
	ModelVersion uint   `json:"modelVersion"`
	Error        string `json:"error,omitempty"`
}

// fileStore resolves the configured store and rejects in-memory stores,
// which the db commands cannot manage.
func fileStore() (string, error) {
	if cfg.Store.Path == store.InMemory {
		return "", errors.New("db commands need a store file, the configured store is in-memory")
	}
	return store.ResolveLocation(cfg.Store.Path)
}

func runDBCreate(cmd *cobra.Command, args []string) error {
	path, err := fileStore()
	if err != nil {
		return err
	}
	exists, err := store.CheckExists(path)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("store already exists: %s", path)
	}

	rt := newRuntime()
	defer rt.shutdown(context.Background())

	ctx := cmd.Context()
	h, err := rt.ctrl.AddStore(ctx, path, cfg.Store.Configuration, cfg.Store.Options())
	if err != nil {
		return fmt.Errorf("db create: %w", err)
	}
	v, err := h.Backend().SchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("db create: %w", err)
	}
	rt.log.Info("store created", "path", path, "schemaVersion", v)
	return nil
}

func runDBUpgrade(cmd *cobra.Command, args []string) error {
	path, err := fileStore()
	if err != nil {
		return err
	}

	rt := newRuntime()
	defer rt.shutdown(context.Background())

	ctx := cmd.Context()
	verdict := rt.ctrl.CheckMigrationRequired(ctx, path)
	switch verdict.Kind {
	case store.CheckFailed:
		return fmt.Errorf("db upgrade: %w", verdict.Err)
	case store.NotRequired:
		rt.log.Info("store is up to date", "path", path, "schemaVersion", verdict.StoreVersion)
		return nil
	}

	if noBackup, _ := cmd.Flags().GetBool("no-backup"); !noBackup {
		backup, err := backupStore(ctx, path, rt.model, cfg.Store.Options(), time.Now().UTC())
		if err != nil {
			return fmt.Errorf("db upgrade: %w", err)
		}
		rt.log.Info("store backed up", "path", path, "backup", backup)
	}

	opts := cfg.Store.Options()
	opts[store.OptionAutoMigrate] = true
	if _, err := rt.ctrl.AddStore(ctx, path, cfg.Store.Configuration, opts); err != nil {
		return fmt.Errorf("db upgrade: %w", err)
	}
	rt.log.Info("store upgraded", "path", path, "from", verdict.StoreVersion, "to", verdict.ModelVersion)
	return nil
}

func runDBVerify(cmd *cobra.Command, args []string) error {
	path, err := fileStore()
	if err != nil {
		return err
	}

	rt := newRuntime()
	defer rt.shutdown(context.Background())

	verdict := rt.ctrl.CheckMigrationRequired(cmd.Context(), path)
	res := verifyResult{
		Location:     path,
		Verdict:      verdict.Kind.String(),
		StoreVersion: verdict.StoreVersion,
		ModelVersion: verdict.ModelVersion,
	}
	if verdict.Err != nil {
		res.Error = verdict.Err.Error()
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if verdict.Kind == store.CheckFailed {
		return errors.New("store failed verification")
	}
	return nil
}

// backupStore writes a copy of the store into a backups directory next to
// it. The copy is taken through SQLite so that committed pages still in the
// write-ahead log are part of it.
func backupStore(ctx context.Context, path string, model *schema.Model, opts store.Options, now time.Time) (string, error) {
	dir := filepath.Join(filepath.Dir(path), "backups")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating backup directory: %w", err)
	}
	dst := filepath.Join(dir, fmt.Sprintf("%s.%s.bak", filepath.Base(path), now.Format("20060102T150405Z")))

	s := sqlite.New(path, model)
	if err := s.Open(ctx, opts); err != nil {
		return "", fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	if err := s.Backup(ctx, dst); err != nil {
		return "", err
	}
	return dst, nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := "goob.yaml"
	if len(args) > 0 {
		path = args[0]
	}
	if force, _ := cmd.Flags().GetBool("force"); !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists: %s (use --force)", path)
		}
	}
	if err := config.Save(config.Default(), path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	return nil
}
