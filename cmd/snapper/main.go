// Command snapper applies a shell command to every line of a set of input
// files, checkpointing each result so that interrupted runs resume.
package main

import (
	"context"
	"os"

	"github.com/roach88/snapper/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
