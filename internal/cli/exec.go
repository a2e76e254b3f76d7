package cli

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/roach88/snapper/internal/fingerprint"
)

const (
	// maxStderr bounds the stderr excerpt carried in a failure.
	maxStderr = 512

	waitDelay = time.Second
)

// ExecTransform runs a shell command once per item, with the item on stdin.
// Its trimmed stdout is the output.
type ExecTransform struct {
	Command string
	Shell   string // defaults to "sh"
}

var _ fingerprint.Versioned = ExecTransform{}

// FunctionVersion implements fingerprint.Versioned. The command text is the
// version: editing the command reprocesses every item.
func (t ExecTransform) FunctionVersion() string {
	return "exec:" + t.Command
}

// Apply runs the command for one line. The process is killed when ctx is
// cancelled.
func (t ExecTransform) Apply(ctx context.Context, line string) (string, error) {
	shell := t.Shell
	if shell == "" {
		shell = "sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", t.Command)
	// Children of the shell may keep stdout open after it is killed.
	cmd.WaitDelay = waitDelay
	cmd.Stdin = strings.NewReader(line + "\n")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > maxStderr {
			msg = msg[:maxStderr] + "..."
		}
		if msg != "" {
			return "", fmt.Errorf("%w: %s", err, msg)
		}
		return "", err
	}
	return strings.TrimSpace(stdout.String()), nil
}
