package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	snapperotel "github.com/roach88/snapper/internal/otel"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Trace   bool

	shutdownTracing func(context.Context) error
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the snapper CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

// Execute runs the CLI with args and returns the process exit code. Errors
// are reported on stderr in the selected format.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts := &RootOptions{}
	cmd := newRootCommand(opts)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if shutdownErr := opts.stopTracing(context.Background()); shutdownErr != nil && err == nil {
		err = WrapExitError(ExitFailure, "failed to flush traces", shutdownErr)
	}
	if err == nil {
		return ExitSuccess
	}

	code := GetExitCode(err)
	f := &OutputFormatter{Format: opts.Format, Writer: stderr, Verbose: opts.Verbose}
	if !isValidFormat(f.Format) {
		f.Format = "text"
	}
	_ = f.Error(errorCode(code), err.Error(), nil)
	return code
}

func errorCode(exit int) string {
	switch exit {
	case ExitCommandError:
		return ErrCodeConfig
	case ExitInterrupted:
		return "INTERRUPTED"
	default:
		return ErrCodeRun
	}
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapper",
		Short: "snapper - resumable, checkpointed map over line inputs",
		Long: `Apply a command to every line of a set of input files, recording each
result as it completes so that an interrupted run resumes where it stopped.

Results are tied to a version of the command; changing the command reprocesses
every line.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			if opts.Trace {
				shutdown, err := snapperotel.Init(commandContext(cmd), snapperotel.Config{Writer: cmd.ErrOrStderr()})
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to initialize tracing", err)
				}
				opts.shutdownTracing = shutdown
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return opts.stopTracing(context.Background())
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVar(&opts.Trace, "trace", false, "print OpenTelemetry spans to stderr")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewOutputsCommand(opts))
	cmd.AddCommand(NewReportCommand(opts))

	return cmd
}

// stopTracing flushes spans. PersistentPostRunE is skipped when a command
// fails, so Execute callers invoke it too; it is safe to call twice.
func (o *RootOptions) stopTracing(ctx context.Context) error {
	if o.shutdownTracing == nil {
		return nil
	}
	shutdown := o.shutdownTracing
	o.shutdownTracing = nil
	return shutdown(ctx)
}

// formatter builds the OutputFormatter for a command.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// logger writes structured logs to the command's stderr, at debug level
// under --verbose.
func (o *RootOptions) logger(cmd *cobra.Command) *slog.Logger {
	return newLogger(cmd.ErrOrStderr(), o.Verbose)
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: logLevel,
	}))
}

// commandContext returns the command's context, or Background when run
// outside Execute (tests).
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
