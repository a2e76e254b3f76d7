package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/snapper/internal/engine"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	ConfigPath           string
	Database             string
	Store                string
	Inputs               []string
	Exec                 string
	BatchSize            int
	MaxWait              time.Duration
	SkipErrors           bool
	MaxConsecutiveErrors int
	Watch                bool
	Metrics              bool

	// RunIDs allows overriding the run id generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	RunIDs engine.RunIDGenerator

	// Shell runs --exec. If empty, defaults to "sh".
	Shell string

	// Debounce delays a watch re-run after the last input change.
	Debounce time.Duration
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts, Debounce: 200 * time.Millisecond})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Apply a command to every input line, resuming previous runs",
		Long: `Run a shell command once for every non-empty line of the input files and
record each result in storage as it completes.

Lines that already have a result for the same command are skipped, so an
interrupted run picks up where it stopped. The line is passed on stdin and the
trimmed stdout is stored as its output.

Example:
  snapper run --db ./snap.db --input 'data/**/*.txt' --exec 'wc -c'
  snapper run --config job.yaml --batch-size 50 --max-wait 5s
  snapper run --db postgres://snap@localhost/snap --input urls.txt --exec 'curl -s "$(cat)"' --watch`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "job file (.yaml, .yml or .cue); flags override its values")
	cmd.Flags().StringVar(&opts.Database, "db", "", "storage DSN: SQLite path, postgres URL, or .json state file")
	cmd.Flags().StringVar(&opts.Store, "store", "", "storage backend (sqlite|postgres|file); inferred from --db when empty")
	cmd.Flags().StringArrayVar(&opts.Inputs, "input", nil, "input file glob, ** allowed (repeatable)")
	cmd.Flags().StringVar(&opts.Exec, "exec", "", "shell command run once per line, line on stdin")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", engine.DefaultBatchSize, "results buffered before a flush")
	cmd.Flags().DurationVar(&opts.MaxWait, "max-wait", 0, "flush buffered results after this long (0 disables)")
	cmd.Flags().BoolVar(&opts.SkipErrors, "skip-errors", false, "record failing lines and continue")
	cmd.Flags().IntVar(&opts.MaxConsecutiveErrors, "max-consecutive-errors", 0, "stop after this many failures in a row (0 disables)")
	cmd.Flags().BoolVar(&opts.Watch, "watch", false, "re-run whenever the input files change")
	cmd.Flags().BoolVar(&opts.Metrics, "metrics", false, "record per-line timing for the report command")

	return cmd
}

// resolve merges the job file with explicitly set flags and validates the
// result.
func (o *RunOptions) resolve(cmd *cobra.Command) (*JobConfig, error) {
	cfg := &JobConfig{}
	if o.ConfigPath != "" {
		loaded, err := LoadJobFile(o.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("db") {
		cfg.DB = o.Database
	}
	if flags.Changed("store") {
		cfg.Store = o.Store
	}
	if flags.Changed("input") {
		cfg.Inputs = o.Inputs
	}
	if flags.Changed("exec") {
		cfg.Exec = o.Exec
	}
	if flags.Changed("batch-size") {
		cfg.BatchSize = o.BatchSize
	}
	if flags.Changed("max-wait") {
		cfg.MaxWait = o.MaxWait.String()
	}
	if flags.Changed("skip-errors") {
		cfg.SkipErrors = o.SkipErrors
	}
	if flags.Changed("max-consecutive-errors") {
		cfg.MaxConsecutiveErrors = o.MaxConsecutiveErrors
	}
	if flags.Changed("watch") {
		cfg.Watch = o.Watch
	}
	if flags.Changed("metrics") {
		cfg.Metrics = o.Metrics
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = engine.DefaultBatchSize
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runJob(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := opts.resolve(cmd)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid job", err)
	}
	logger := opts.logger(cmd)
	out := opts.formatter(cmd)

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, flushing and stopping", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	st, err := openBackend(ctx, cfg.Store, cfg.DB, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open storage", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing storage", "error", closeErr)
		}
	}()

	src := newLineSource(cfg.Inputs)
	tr := ExecTransform{Command: cfg.Exec, Shell: opts.Shell}

	engOpts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithVersioned(tr),
		engine.WithBatchSize(cfg.BatchSize),
		engine.WithMaxWait(cfg.MaxWaitDuration()),
		engine.WithSkipItemErrors(cfg.SkipErrors),
		engine.WithMaxConsecutiveErrors(cfg.MaxConsecutiveErrors),
		engine.WithMetrics(cfg.Metrics),
	}
	if opts.RunIDs != nil {
		engOpts = append(engOpts, engine.WithRunIDGenerator(opts.RunIDs))
	}

	s, err := engine.New(src.Seq(), tr.Apply, st, engOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create snapper", err)
	}
	defer s.Close()

	once := func() error {
		return runOnce(ctx, s, src, out)
	}

	err = once()
	if err == nil && cfg.Watch {
		err = watchInputs(ctx, cfg.Inputs, opts.Debounce, logger, once)
	}
	return classifyRunError(err)
}

// runOnce performs one Start and reports its summary.
func runOnce(ctx context.Context, s *engine.Snapper[string, string], src *lineSource, out *OutputFormatter) error {
	summary, runErr := s.Start(ctx)
	if readErr := src.Err(); readErr != nil && runErr == nil {
		runErr = WrapExitError(ExitCommandError, "failed to read inputs", readErr)
	}

	view := newRunView(summary, src.Files(), s.FailedItems())
	if err := out.RunResult(summary.RunID, view, view.writeText); err != nil {
		return err
	}
	return runErr
}

// classifyRunError maps run errors onto exit codes.
func classifyRunError(err error) error {
	var exitErr *ExitError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &exitErr):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		if engine.IsFlushError(err) {
			return WrapExitError(ExitInterrupted, "interrupted; pending results could not be saved", err)
		}
		return WrapExitError(ExitInterrupted, "interrupted; completed results saved", err)
	default:
		return WrapExitError(ExitFailure, "run failed", err)
	}
}

// runView is the reported form of a run.
type runView struct {
	RunID       string       `json:"run_id"`
	Version     string       `json:"version"`
	Phase       string       `json:"phase"`
	Processed   int          `json:"processed"`
	Skipped     int          `json:"skipped"`
	Failed      int          `json:"failed"`
	Flushed     int          `json:"flushed"`
	Files       []string     `json:"files"`
	Elapsed     string       `json:"elapsed"`
	FailedItems []failedView `json:"failed_items,omitempty"`
}

type failedView struct {
	Index int    `json:"index"`
	Line  string `json:"line"`
	Error string `json:"error"`
}

func newRunView(summary engine.RunSummary, files []string, failed []engine.FailedItem[string]) runView {
	v := runView{
		RunID:     summary.RunID,
		Version:   shortVersion(summary.Version.String()),
		Phase:     string(summary.Phase),
		Processed: summary.Processed,
		Skipped:   summary.Skipped,
		Failed:    summary.Failed,
		Flushed:   summary.Flushed,
		Files:     files,
		Elapsed:   summary.FinishedAt.Sub(summary.StartedAt).Round(time.Millisecond).String(),
	}
	if v.Files == nil {
		v.Files = []string{}
	}
	for _, f := range failed {
		v.FailedItems = append(v.FailedItems, failedView{Index: f.Index, Line: f.Item, Error: f.Err.Error()})
	}
	return v
}

func (v runView) writeText(w io.Writer) {
	fmt.Fprintf(w, "run %s: %s\n", v.RunID, v.Phase)
	fmt.Fprintf(w, "  processed %d, skipped %d, failed %d, flushed %d\n", v.Processed, v.Skipped, v.Failed, v.Flushed)
	fmt.Fprintf(w, "  %d input files, version %s, %s\n", len(v.Files), v.Version, v.Elapsed)
	for _, f := range v.FailedItems {
		fmt.Fprintf(w, "  failed #%d %q: %s\n", f.Index, truncateText(f.Line, 60), f.Error)
	}
}

func shortVersion(v string) string {
	return truncateText(v, 12)
}

func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
