// Command phi manages branching conversation sessions from the shell.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/zahlmann/phitree/coding/config"
	"github.com/zahlmann/phitree/coding/session"
)

// app holds what every subcommand shares: parsed flags, the loaded config
// and the logger built from both.
type app struct {
	verbose     bool
	configPath  string
	sessionsDir string
	backend     string

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{logger: zap.NewNop()}
	root := &cobra.Command{
		Use:   "phi",
		Short: "phi - branching session history for a coding agent",
		Long: `phi stores every conversation as an append-only tree of entries.

Branch back to any earlier entry and continue from there; the abandoned path
stays in the log. Compaction replaces old context with a summary without
rewriting history.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = a.logger.Sync()
		},
	}

	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable verbose logging")
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Config file (default: $PHI_HOME/config.yaml)")
	root.PersistentFlags().StringVar(&a.sessionsDir, "sessions-dir", "", "Session storage directory (overrides config)")
	root.PersistentFlags().StringVar(&a.backend, "backend", "", "Session backend: jsonl or sqlite (overrides config)")

	root.AddCommand(
		a.newCmd(),
		a.lsCmd(),
		a.sayCmd(),
		a.treeCmd(),
		a.branchCmd(),
		a.resetCmd(),
		a.contextCmd(),
		a.modelCmd(),
		a.compactCmd(),
		a.exportCmd(),
		a.forkCmd(),
		a.rmCmd(),
		a.serveCmd(),
	)
	return root
}

func (a *app) setup() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.sessionsDir != "" {
		cfg.Sessions.Dir = a.sessionsDir
	}
	if a.backend != "" {
		cfg.Sessions.Backend = a.backend
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	zcfg := zap.NewProductionConfig()
	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	if a.verbose {
		level = zapcore.DebugLevel
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	if cfg.Logging.File != "" {
		zcfg.OutputPaths = []string{cfg.Logging.File}
	}
	logger, err := zcfg.Build()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.logger = logger
	return nil
}

// catalog opens the configured session backend.
func (a *app) catalog() (*session.Catalog, error) {
	var backend session.Backend
	switch a.cfg.Sessions.Backend {
	case config.BackendSQLite:
		b, err := session.OpenSQLiteBackend(a.cfg.SQLitePath())
		if err != nil {
			return nil, err
		}
		backend = b
	default:
		backend = session.NewFileBackend(a.cfg.Sessions.Dir, session.FileStoreOptions{SkipSync: !a.cfg.Sessions.Sync, Logger: a.logger})
	}
	return session.NewCatalog(backend, a.logger, session.WithShortIDAttempts(a.cfg.IDs.ShortAttempts)), nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
