package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/snapper/internal/engine"
)

// OutputsOptions holds flags for the outputs command.
type OutputsOptions struct {
	StorageOptions
	Inputs []string
	Exec   string
}

// NewOutputsCommand creates the outputs command.
func NewOutputsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OutputsOptions{StorageOptions: StorageOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "outputs",
		Short: "Print stored outputs",
		Long: `Print stored outputs, one per line.

With --input, prints the output of every line of the matched files, in input
order, skipping lines without a result. Results for --exec are preferred;
otherwise the latest stored result of each line is used.

Without --input, prints every stored output, the latest per line, in the
order they were saved.

Example:
  snapper outputs --db ./snap.db
  snapper outputs --db ./snap.db --input 'data/*.txt' --exec 'wc -c'`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOutputs(opts, cmd)
		},
	}

	opts.bind(cmd)
	cmd.Flags().StringArrayVar(&opts.Inputs, "input", nil, "input file glob selecting which outputs to print (repeatable)")
	cmd.Flags().StringVar(&opts.Exec, "exec", "", "command whose results are preferred")

	return cmd
}

func runOutputs(opts *OutputsOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	st, closeStore, err := opts.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	outs, err := loadOutputs(ctx, opts, cmd, st)
	if err != nil {
		return err
	}
	return opts.formatter(cmd).Render(outs, func(w io.Writer) {
		for _, o := range outs {
			fmt.Fprintln(w, o)
		}
	})
}

func loadOutputs(ctx context.Context, opts *OutputsOptions, cmd *cobra.Command, st Backend) ([]string, error) {
	src := newLineSource(opts.Inputs)
	tr := ExecTransform{Command: opts.Exec}

	s, err := engine.New(src.Seq(), tr.Apply, st,
		engine.WithLogger(opts.logger(cmd)),
		engine.WithVersioned(tr))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open snapper", err)
	}
	defer s.Close()

	var outs []string
	if len(opts.Inputs) == 0 {
		outs, err = s.LoadAll(ctx)
	} else {
		outs, err = s.Load(ctx)
		if err == nil && src.Err() != nil {
			return nil, WrapExitError(ExitCommandError, "failed to read inputs", src.Err())
		}
	}
	if err != nil {
		return nil, WrapExitError(ExitFailure, "failed to load outputs", err)
	}
	return outs, nil
}
