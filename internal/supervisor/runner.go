package supervisor

import (
	"context"
	"os/exec"
)

// CommandRunner runs external commands for the probe fallback path.
// The abstraction allows substituting command execution in tests.
type CommandRunner interface {
	// Run executes a command and returns combined stdout/stderr output.
	Run(ctx context.Context, name string, args ...string) (output []byte, err error)
}

// ExecRunner implements CommandRunner using os/exec.
type ExecRunner struct{}

// NewRunner creates a new ExecRunner.
func NewRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes a command and returns combined stdout/stderr output.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// Verify ExecRunner implements CommandRunner at compile time.
var _ CommandRunner = (*ExecRunner)(nil)
