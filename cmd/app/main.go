package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/maloquacious/semver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/maloquacious/goobstore/internal/config"
	"github.com/maloquacious/goobstore/internal/coordinator"
	"github.com/maloquacious/goobstore/internal/lifecycle"
	"github.com/maloquacious/goobstore/internal/logger"
	"github.com/maloquacious/goobstore/internal/metrics"
	"github.com/maloquacious/goobstore/internal/migration"
	"github.com/maloquacious/goobstore/internal/store/schema"
)

var (
	version   = semver.Version{Minor: 2, PreRelease: "alpha", Build: semver.Commit()}
	buildDate = ""
)

var (
	configPath string
	storePath  string
	publicDir  string

	port       int
	adminPort  int
	shutdownTO time.Duration
	exitAfter  time.Duration

	cfg *config.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:               "goob",
		Short:             "Goobergine store host and admin CLI",
		Version:           version.String(),
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&storePath, "store", "", "store file or directory, empty for in-memory (overrides config)")

	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Attach the configured store and start the Goobergine server",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&port, "port", 0, "public HTTP port (overrides config)")
	serveCmd.Flags().IntVar(&adminPort, "admin-port", 0, "admin HTTP port, loopback only (overrides config)")
	serveCmd.Flags().DurationVar(&shutdownTO, "shutdown-timeout", 0, "graceful shutdown timeout (overrides config)")
	serveCmd.Flags().DurationVar(&exitAfter, "exit-after", 0, "optional runtime; if set, server exits after this duration (testing)")
	serveCmd.Flags().StringVar(&publicDir, "public", "public", "directory for static public assets")

	// db command group
	dbCmd := &cobra.Command{
		Use:   "db",
		Short: "Store management commands",
	}

	dbCreateCmd := &cobra.Command{
		Use:   "create",
		Short: "Create and initialize the store",
		RunE:  runDBCreate,
	}
	dbUpgradeCmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Back up the store and migrate it to the current schema version",
		RunE:  runDBUpgrade,
	}
	dbUpgradeCmd.Flags().Bool("no-backup", false, "skip the backup copy taken before migrating")
	dbVerifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify schema integrity and version",
		RunE:  runDBVerify,
	}
	dbCmd.AddCommand(dbCreateCmd, dbUpgradeCmd, dbVerifyCmd)

	// config command group
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}
	configInitCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConfigInit,
	}
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd)

	rootCmd.AddCommand(serveCmd, dbCmd, configCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads the configuration and applies command line overrides.
func loadConfig(cmd *cobra.Command, args []string) error {
	c, err := config.Load(configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("store") {
		c.Store.Path = storePath
	}
	if flags.Lookup("port") != nil && flags.Changed("port") {
		c.Server.Port = port
	}
	if flags.Lookup("admin-port") != nil && flags.Changed("admin-port") {
		c.Server.AdminPort = adminPort
	}
	if flags.Lookup("shutdown-timeout") != nil && flags.Changed("shutdown-timeout") {
		c.Server.ShutdownTimeout = shutdownTO
	}
	if err := config.Validate(c); err != nil {
		return fmt.Errorf("invalid command line overrides: %w", err)
	}

	cfg = c
	return nil
}

// runtime is the store stack shared by the commands.
type runtime struct {
	log      *slog.Logger
	registry *prometheus.Registry
	model    *schema.Model
	coord    *coordinator.Coordinator
	ctrl     *lifecycle.Controller
}

func newRuntime() *runtime {
	log := logger.New(os.Stderr, cfg.Logger())

	reg := prometheus.NewRegistry()
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(reg)
	}

	model := schema.Default()
	coord := coordinator.New(model, coordinator.WithLogger(log))
	ctrl := lifecycle.New(coord, migration.NewChecker(model, m),
		lifecycle.WithLogger(log),
		lifecycle.WithMetrics(m),
	)
	return &runtime{
		log:      log,
		registry: reg,
		model:    model,
		coord:    coord,
		ctrl:     ctrl,
	}
}
