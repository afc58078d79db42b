// Command rollupctl runs one rollup, retention or data transfer against a
// tinystat store and exits.
//
//	rollupctl run    [--date YYYY-MM-DD] [--reset] [--app ID]
//	rollupctl clean  [--weeks N] [--months N]
//	rollupctl import [--file sessions.json]
//	rollupctl export [--format json|csv] [--start T] [--end T] [--out FILE]
//
// Exit status: 0 success, 1 failure, 2 retention partially failed,
// 3 the day was already computed, 64 usage error.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/nicktill/tinystat/pkg/logging"
	"github.com/nicktill/tinystat/pkg/server"
	"github.com/nicktill/tinystat/pkg/storage"
)

const (
	exitOK              = 0
	exitFailure         = 1
	exitPartial         = 2
	exitAlreadyComputed = 3
	exitUsage           = 64
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type command func(ctx context.Context, env *env, args []string) int

var commands = map[string]command{
	"run":    cmdRun,
	"clean":  cmdClean,
	"import": cmdImport,
	"export": cmdExport,
}

// env carries the process streams and the settings shared by every command.
type env struct {
	stdin          io.Reader
	stdout, stderr io.Writer

	cfg      server.Config
	timezone string
	logger   *zap.Logger
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return exitUsage
	}
	cmd, ok := commands[args[0]]
	if !ok {
		if args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
			usage(stdout)
			return exitOK
		}
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		usage(stderr)
		return exitUsage
	}

	cfg, err := server.LoadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "configuration: %v\n", err)
		return exitUsage
	}
	e := &env{
		stdin:    stdin,
		stdout:   stdout,
		stderr:   stderr,
		cfg:      cfg,
		timezone: cfg.Location.String(),
	}
	return cmd(ctx, e, args[1:])
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: rollupctl <run|clean|import|export> [flags]")
	fmt.Fprintln(w, "run 'rollupctl <command> --help' for the flags of a command")
}

// flagSet returns a FlagSet with the storage and logging flags bound to e.cfg.
// Defaults come from the TINYSTAT_* environment.
func (e *env) flagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(e.stderr)
	fs.StringVar(&e.cfg.Storage, "storage", e.cfg.Storage, "storage backend: badger, postgres or memory")
	fs.StringVar(&e.cfg.DataDir, "data-dir", e.cfg.DataDir, "badger data directory")
	fs.StringVar(&e.cfg.PostgresURL, "postgres-url", e.cfg.PostgresURL, "postgres connection string")
	fs.Int64Var(&e.cfg.MaxMemoryMB, "max-memory-mb", e.cfg.MaxMemoryMB, "badger memory budget in MB")
	fs.StringVar(&e.timezone, "timezone", e.timezone, "IANA zone that defines day, week and month boundaries")
	fs.IntVar(&e.cfg.Workers, "workers", e.cfg.Workers, "concurrent bundles per rollup")
	fs.DurationVar(&e.cfg.StoreTimeout, "store-timeout", e.cfg.StoreTimeout, "deadline for one run against the store")
	fs.StringVar(&e.cfg.LogLevel, "log-level", e.cfg.LogLevel, "log level")
	return fs
}

// open applies the parsed flags and opens the store. The caller closes it.
func (e *env) open(ctx context.Context) (storage.Store, error) {
	loc, err := server.LoadLocation(e.timezone)
	if err != nil {
		return nil, err
	}
	e.cfg.Location = loc
	if err := e.cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := logging.New(e.cfg.LogLevel, true)
	if err != nil {
		return nil, err
	}
	e.logger = logger

	return server.InitializeStorage(ctx, e.cfg, logger)
}

func (e *env) close(store storage.Store) {
	if err := store.Close(); err != nil {
		e.logger.Warn("failed to close storage", zap.Error(err))
	}
	_ = e.logger.Sync()
}

// parse handles --help and flag errors uniformly. done reports that the
// command should exit with code.
func (e *env) parse(fs *pflag.FlagSet, args []string) (code int, done bool) {
	err := fs.Parse(args)
	switch {
	case err == nil:
		return 0, false
	case errors.Is(err, pflag.ErrHelp):
		return exitOK, true
	default:
		return exitUsage, true
	}
}

func (e *env) fail(format string, args ...interface{}) int {
	fmt.Fprintf(e.stderr, format+"\n", args...)
	return exitFailure
}
