// Package commands wires the research agent's cobra CLI surface: flag
// parsing, dependency construction (LLM client, session store, prompt
// composer, UI bus, retrieval backend), and exit-code translation.
// Grounded on the pack's vybe/internal/commands/root.go shape (SilenceUsage/
// SilenceErrors root command, an error sentinel carrying its own exit code
// so cobra's default error printer doesn't double-log a failure the
// command already reported through the logger).
package commands

import (
	"errors"
	"log/slog"

	"github.com/spf13/cobra"
)

const (
	exitCompleted = 0
	exitCancelled = 2
	exitFailed    = 3
	exitCorrupt   = 4
)

// cliError carries the process exit code a command's error should produce.
// run.go always returns one of these; a bare error from anywhere else in
// cobra's machinery (flag parsing, unknown command) falls back to exitFailed.
type cliError struct {
	code int
	err  error
}

func (e cliError) Error() string { return e.err.Error() }
func (e cliError) Unwrap() error { return e.err }

// Execute runs the CLI application and returns the process exit code.
func Execute(version string) int {
	root := &cobra.Command{
		Use:           "research",
		Short:         "Multi-phase deep-research agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newServeCmd())

	err := root.Execute()
	if err == nil {
		return exitCompleted
	}

	var ce cliError
	if errors.As(err, &ce) {
		return ce.code
	}

	slog.Error("command failed", "error", err.Error())
	return exitFailed
}
