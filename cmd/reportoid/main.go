package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/atomoutput/reportoid/internal/config"
	"github.com/atomoutput/reportoid/internal/logging"
	"github.com/atomoutput/reportoid/internal/quality"
	"github.com/atomoutput/reportoid/internal/storage"
	"github.com/atomoutput/reportoid/internal/storage/sqlite"
)

var (
	cfgFile  string
	dbPath   string
	actor    string
	logLevel string

	cfg    config.Config
	store  storage.Storage
	engine *quality.Engine
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "reportoid",
	Short: "Incident ticket data quality engine",
	Long: `Reportoid finds duplicate incident tickets within each site, lets reviewers
merge or dismiss them, and keeps an append-only audit trail from which every
decision can be reversed.

Settings come from the YAML file given by --config (or $REPORTOID_CONFIG),
then REPORTOID_* environment variables, then flags. A .env file in the
working directory is loaded first.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cmd.Name() == "help" {
			return
		}
		if err := openEngine(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if store != nil {
			if err := store.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close database: %v\n", err)
			}
		}
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", "", "User recorded on decisions (default: $REPORTOID_ACTOR or $USER)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openEngine loads configuration and opens the store and engine into the
// package globals.
func openEngine() error {
	// A missing .env is normal
	_ = godotenv.Load()

	loaded, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if dbPath != "" {
		loaded.Database.Path = dbPath
	}
	if logLevel != "" {
		loaded.LogLevel = logLevel
	}
	if actor == "" {
		actor = os.Getenv("REPORTOID_ACTOR")
	}
	if actor == "" {
		actor = os.Getenv("USER")
	}

	logger = logging.New(loaded.LogLevel)
	slog.SetDefault(logger)

	db, err := sqlite.New(loaded.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database %s: %w", loaded.Database.Path, err)
	}
	eng, err := quality.New(db, loaded, quality.WithLogger(logger))
	if err != nil {
		db.Close()
		return err
	}

	cfg, store, engine = loaded, db, eng
	return nil
}

// commandContext returns a context cancelled on SIGINT or SIGTERM.
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// withWriterLock runs fn while holding the database writer lock, so two
// CLI invocations never apply decisions concurrently.
func withWriterLock(fn func() error) error {
	lockPath, err := storage.AcquireWriterLock(cfg.Database.Path, actor)
	if err != nil {
		return err
	}
	defer func() {
		if err := storage.ReleaseWriterLock(lockPath); err != nil {
			logger.Warn("failed to release writer lock", "path", lockPath, "error", err)
		}
	}()
	return fn()
}
