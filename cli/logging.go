package cli

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"
)

// newLogger returns a text logger on w. Quiet keeps errors only; verbose
// enables debug output.
func newLogger(w io.Writer, verbose, quiet bool) *slog.Logger {
	level := slog.LevelInfo
	switch {
	case quiet:
		level = slog.LevelError
	case verbose:
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// commandLogger builds the logger from the persistent --verbose/--quiet
// flags and installs it as the slog default.
func commandLogger(cmd *cobra.Command) *slog.Logger {
	verbose, _ := cmd.Flags().GetBool("verbose")
	quiet, _ := cmd.Flags().GetBool("quiet")
	logger := newLogger(cmd.ErrOrStderr(), verbose, quiet)
	slog.SetDefault(logger)
	return logger
}
