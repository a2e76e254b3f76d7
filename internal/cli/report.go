package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/snapper/internal/metrics"
)

// ReportOptions holds flags for the report command.
type ReportOptions struct {
	StorageOptions
	Markdown bool
}

// NewReportCommand creates the report command.
func NewReportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReportOptions{StorageOptions: StorageOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize per-line timing recorded by run --metrics",
		Long: `Summarize the processing metrics in a storage: item counts, durations,
lines more than two standard deviations from the mean duration, and failures.

Example:
  snapper report --db ./snap.db
  snapper report --db ./snap.db --markdown > report.md`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport(opts, cmd)
		},
	}

	opts.bind(cmd)
	cmd.Flags().BoolVar(&opts.Markdown, "markdown", false, "print a Markdown report")

	return cmd
}

func runReport(opts *ReportOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	st, closeStore, err := opts.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	ms, err := st.LoadMetrics(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to load metrics", err)
	}
	if len(ms) == 0 {
		opts.formatter(cmd).VerboseLog("no metrics recorded; run with --metrics to collect them")
	}

	if opts.Markdown {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(metrics.RenderMarkdown(ms), "\n"))
		return err
	}

	report := metrics.Summarize(ms)
	return opts.formatter(cmd).Render(report, func(w io.Writer) {
		writeReportText(w, report)
	})
}

func writeReportText(w io.Writer, r metrics.Report) {
	fmt.Fprintf(w, "items:    %d (%d ok, %d failed)\n", r.TotalItems, r.SuccessfulItems, r.FailedCount)
	if r.AvgDuration != nil {
		fmt.Fprintf(w, "duration: avg %.4fs, min %.4fs, max %.4fs\n", *r.AvgDuration, *r.MinDuration, *r.MaxDuration)
	}
	if r.TotalElapsed != nil {
		fmt.Fprintf(w, "elapsed:  %.4fs (%s to %s)\n", *r.TotalElapsed, *r.ProcessingStart, *r.ProcessingEnd)
	}
	for _, o := range r.SlowOutliers {
		fmt.Fprintf(w, "slow:     %s %.4fs\n", o.InputItem, o.Duration)
	}
	for _, o := range r.FastOutliers {
		fmt.Fprintf(w, "fast:     %s %.4fs\n", o.InputItem, o.Duration)
	}
	for _, f := range r.FailedItems {
		fmt.Fprintf(w, "failed:   %s: %s\n", f.InputItem, f.ErrorMessage)
	}
}
