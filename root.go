package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagLogLevel string
	flagLogFile  string
	flagVerbose  bool
	flagDebug    bool
	flagQuiet    bool
)

// newRootCmd builds the fully-assembled root command. Called once from
// main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "syncpair",
		Short:   "Bidirectional file synchronization over HTTP",
		Long:    "syncpair keeps local directories continuously converged with a central server.",
		Version: version,
		// Silence Cobra's default error/usage printing — we handle it.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&flagLogFile, "log-file", "", "write logs to this file instead of stderr")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "log at info level")
	pf.BoolVar(&flagDebug, "debug", false, "log at debug level")
	pf.BoolVarP(&flagQuiet, "quiet", "q", false, "log errors only")
	cmd.MarkFlagsMutuallyExclusive("verbose", "debug", "quiet")

	cmd.AddCommand(newServerCmd())
	cmd.AddCommand(newClientCmd())

	return cmd
}

// buildLogger creates the process-wide slog.Logger. defaultLevel is
// the command's baseline (info for the server, warn for the client);
// the --log-level flag overrides it and the shorthand flags override
// everything because CLI flags always win.
func buildLogger(defaultLevel slog.Level) (*slog.Logger, func(), error) {
	level := defaultLevel

	switch flagLogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	case "":
	default:
		return nil, nil, fmt.Errorf("unknown log level %q", flagLogLevel)
	}

	if flagVerbose {
		level = slog.LevelInfo
	}

	if flagDebug {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	out := os.Stderr
	cleanup := func() {}

	if flagLogFile != "" {
		f, err := os.OpenFile(flagLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}

		out = f
		cleanup = func() { f.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}

	// Drop timestamps when logging to an interactive terminal; the
	// shell session provides the context.
	if out == os.Stderr && isatty.IsTerminal(out.Fd()) {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}

			return a
		}
	}

	return slog.New(slog.NewTextHandler(out, opts)), cleanup, nil
}

// exitOnError prints a user-friendly error message to stderr and
// exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
