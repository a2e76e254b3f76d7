package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/snapper/internal/store"
)

// StorageOptions holds the flags shared by commands that read storage.
type StorageOptions struct {
	*RootOptions
	Database string
	Store    string
}

func (o *StorageOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Database, "db", "", "storage DSN: SQLite path, postgres URL, or .json state file (required)")
	cmd.Flags().StringVar(&o.Store, "store", "", "storage backend (sqlite|postgres|file); inferred from --db when empty")
	_ = cmd.MarkFlagRequired("db")
}

// open opens the storage and returns it with a close func that logs errors.
func (o *StorageOptions) open(ctx context.Context, cmd *cobra.Command) (Backend, func(), error) {
	logger := o.logger(cmd)
	st, err := openBackend(ctx, o.Store, o.Database, logger)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open storage", err)
	}
	return st, func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing storage", "error", closeErr)
		}
	}, nil
}

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	StorageOptions
	Runs int
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{StorageOptions: StorageOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the stored function version, result counts and recent runs",
		Long: `Show what a storage holds: the function version results are current for,
how many inputs and outputs are stored, and the most recent runs.

Example:
  snapper status --db ./snap.db
  snapper status --db ./state.json --runs 10 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, cmd)
		},
	}

	opts.bind(cmd)
	cmd.Flags().IntVar(&opts.Runs, "runs", 5, "number of recent runs to show (0 shows all)")

	return cmd
}

// statusView is the reported form of a storage.
type statusView struct {
	Storage        string          `json:"storage"`
	Version        string          `json:"version,omitempty"`
	Inputs         int             `json:"inputs"`
	CurrentOutputs int             `json:"current_outputs"`
	StoredOutputs  int             `json:"stored_outputs"`
	Runs           []store.RunInfo `json:"runs"`
}

func runStatus(opts *StatusOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	st, closeStore, err := opts.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	view, err := collectStatus(ctx, st, opts.Runs)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read storage", err)
	}
	return opts.formatter(cmd).Render(view, view.writeText)
}

func collectStatus(ctx context.Context, st Backend, runs int) (statusView, error) {
	view := statusView{Storage: st.Identifier()}

	version, ok, err := st.LoadFunctionVersion(ctx)
	if err != nil {
		return view, err
	}
	if ok {
		view.Version = version.String()
		current, err := st.LoadOutputsForVersion(ctx, version)
		if err != nil {
			return view, err
		}
		view.CurrentOutputs = len(current)
	}

	inputs, err := st.LoadInputs(ctx)
	if err != nil {
		return view, err
	}
	view.Inputs = len(inputs)

	all, err := st.LoadAllOutputs(ctx)
	if err != nil {
		return view, err
	}
	view.StoredOutputs = len(all)

	view.Runs, err = st.ListRuns(ctx, runs)
	if err != nil {
		return view, err
	}
	if view.Runs == nil {
		view.Runs = []store.RunInfo{}
	}
	return view, nil
}

func (v statusView) writeText(w io.Writer) {
	fmt.Fprintf(w, "storage:  %s\n", v.Storage)
	if v.Version == "" {
		fmt.Fprintln(w, "version:  (none)")
	} else {
		fmt.Fprintf(w, "version:  %s\n", v.Version)
	}
	fmt.Fprintf(w, "inputs:   %d\n", v.Inputs)
	fmt.Fprintf(w, "outputs:  %d current, %d stored\n", v.CurrentOutputs, v.StoredOutputs)
	if len(v.Runs) == 0 {
		fmt.Fprintln(w, "runs:     (none)")
		return
	}
	fmt.Fprintln(w, "runs:")
	for _, r := range v.Runs {
		fmt.Fprintf(w, "  %s  %-11s  %s  processed %d, skipped %d, failed %d\n",
			r.ID, r.Outcome, r.StartedAt.UTC().Format(time.RFC3339), r.Processed, r.Skipped, r.Failed)
	}
}
