// Package ctl implements sinkctl, the control-plane CLI that edits the
// per-daemon configuration, statistics and matchclasses held in the rule
// store the daemon reads from.
package ctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"sinkhole-dns/pkg/config"
	"sinkhole-dns/pkg/logging"
	"sinkhole-dns/pkg/storage"
)

// Exit codes, from sysexits.h
const (
	ExitOK          = 0
	ExitUsage       = 64
	ExitNoHost      = 68
	ExitUnavailable = 69
	ExitConfig      = 78
)

// ExitError carries the process exit code of a failed command
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

func exitError(code int, format string, args ...any) error {
	return &ExitError{Code: code, Err: fmt.Errorf(format, args...)}
}

// OpenFunc opens the rule store described by cfg
type OpenFunc func(ctx context.Context, cfg *config.Config, logger *logging.Logger) (storage.Backend, error)

func openStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (storage.Backend, error) {
	// Lookups from the CLI must see writes right away
	storeCfg := cfg.Storage
	storeCfg.Cache.Enabled = false
	return storage.New(ctx, &storeCfg, logger.Logger)
}

// App holds the state shared by every subcommand
type App struct {
	configPath string
	cfg        *config.Config
	backend    storage.Backend
	logger     *logging.Logger
	open       OpenFunc
	out        io.Writer
}

// NewApp creates an App. A nil open uses the backend selected by the config file.
func NewApp(out io.Writer, open OpenFunc) *App {
	if open == nil {
		open = openStore
	}
	return &App{
		out:  out,
		open: open,
	}
}

// setup loads the config file and opens the store
func (a *App) setup(ctx context.Context) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return exitError(ExitConfig, "error reading config from %s: %w", a.configPath, err)
	}
	a.cfg = cfg

	// Diagnostics go to stderr, command output to a.out
	a.logger = logging.NewWriter(os.Stderr, &config.LoggingConfig{Level: "warn", Format: "text"})

	backend, err := a.open(ctx, cfg, a.logger)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidConfig) || errors.Is(err, storage.ErrInvalidBackend) {
			return exitError(ExitNoHost, "error probing the store at %s: %w", cfg.Storage.Address(), err)
		}
		return exitError(ExitUnavailable, "error connecting to the store at %s: %w", cfg.Storage.Address(), err)
	}
	a.backend = backend
	return nil
}

func (a *App) teardown() {
	if a.backend != nil {
		_ = a.backend.Close()
		a.backend = nil
	}
}

// storeFailed maps a backend error to the unavailable exit code
func storeFailed(op string, err error) error {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return err
	}
	if errors.Is(err, storage.ErrInvalidMatchclass) || errors.Is(err, storage.ErrUnknownParam) {
		return exitError(ExitUsage, "%s: %w", op, err)
	}
	return exitError(ExitUnavailable, "%s: %w", op, err)
}

// NewRootCommand builds the sinkctl command tree
func NewRootCommand(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:           "sinkctl",
		Short:         "Manage the rule store of a sinkhole-dns daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.setup(cmd.Context())
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			app.teardown()
		},
	}
	root.PersistentFlags().StringVarP(&app.configPath, "config", "c", "config.yml", "Path to configuration file")
	root.SetOut(app.out)

	root.AddCommand(
		app.showConfCommand(),
		app.editConfCommand(),
		app.clearStatsCommand(),
		app.statsCommand(),
		app.getInfoCommand(),
		app.dropCommand(),
		app.feedCommand(),
		app.setRuleCommand(),
		app.delRuleCommand(),
	)
	return root
}

// Execute runs sinkctl with args and returns the process exit code
func Execute(ctx context.Context, args []string, out, errOut io.Writer, open OpenFunc) int {
	app := NewApp(out, open)
	root := NewRootCommand(app)
	root.SetArgs(args)
	root.SetErr(errOut)

	err := root.ExecuteContext(ctx)
	// PersistentPostRun does not run when the command fails
	app.teardown()
	if err == nil {
		return ExitOK
	}

	fmt.Fprintln(errOut, "Error:", err)
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	// Anything cobra rejects before running a command is a usage error
	return ExitUsage
}
