package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"vsla/internal/cli"
	"vsla/internal/config"
	"vsla/internal/log"
	"vsla/internal/storage"

	"github.com/spf13/cobra"
)

// app is the state shared by every subcommand. Resources open lazily so
// commands like sheets-auth never touch the database.
type app struct {
	out     io.Writer
	dbPath  string
	asJSON  bool
	cfg     *config.Config
	logger  *log.Logger
	repo    *storage.SQLiteRepository
	svc     *cli.Services
	release func()
}

// run executes vslactl with args and releases whatever the command opened.
func run(args []string, out io.Writer) error {
	a := &app{out: out}
	defer a.close()

	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(out)
	return root.Execute()
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "vslactl",
		Short: "Administer VSLA savings cycles and share-outs",
		Long: `vslactl operates on the association database directly: it applies
migrations, walks a cycle through its share-out and exports the result.

Example Usage:
  vslactl migrate
  vslactl cycle create --name "2025 H1" --start 2025-01-01 --end 2025-06-30
  vslactl cycle calculate 3
  vslactl export 3 --format csv --dir ./exports`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadConfig()
		},
	}

	root.PersistentFlags().StringVar(&a.dbPath, "db", "", "SQLite database path (default SQLITE_DB_PATH)")
	root.PersistentFlags().BoolVar(&a.asJSON, "json", false, "Print results as JSON")

	root.AddCommand(
		newMigrateCmd(a),
		newCycleCmd(a),
		newExportCmd(a),
		newSheetsAuthCmd(a),
	)
	return root
}

func (a *app) loadConfig() error {
	cli.LoadEnvFile()
	cfg := config.Load()
	if a.dbPath != "" {
		cfg.SQLiteDBPath = a.dbPath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	// Logs go to stderr so --json output stays parseable.
	lc := log.DefaultConfig()
	lc.Level = slog.LevelWarn
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		lc.Level = log.ParseLevel(lvl)
	}
	lc.Component = log.ComponentCLI
	lc.Output = os.Stderr
	a.logger = log.New(lc)
	log.SetDefault(a.logger)
	return nil
}

// services opens the database and builds the engine on first use.
func (a *app) services(ctx context.Context) (*cli.Services, error) {
	if a.svc != nil {
		return a.svc, nil
	}
	repo, err := storage.NewSQLiteRepository(a.cfg.SQLiteDBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	locker, release, err := cli.NewLocker(ctx, a.cfg, a.logger)
	if err != nil {
		repo.Close()
		return nil, err
	}
	svc := cli.NewServices(a.cfg, repo, locker)
	a.repo, a.svc, a.release = repo, &svc, release
	return a.svc, nil
}

func (a *app) close() {
	if a.release != nil {
		a.release()
	}
	if a.repo != nil {
		a.repo.Close()
	}
	a.repo, a.svc, a.release = nil, nil, nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
