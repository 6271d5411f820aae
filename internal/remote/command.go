package remote

import (
	"context"
	"errors"
)

// ErrNoInteractiveShell is returned by AttachInteractive on channels whose
// provider exposes only one-shot command execution.
var ErrNoInteractiveShell = errors.New("remote: provider does not support an interactive shell")

// RunCommandFunc executes one command against an instance and returns its
// combined output and exit code.
type RunCommandFunc func(ctx context.Context, command string) (string, int, error)

// NewCommandChannel adapts a provider's one-shot command API into a
// Channel. Used for providers without a shell-over-network transport.
func NewCommandChannel(run RunCommandFunc) *Channel {
	return NewChannel(func(ctx context.Context) (Conn, error) {
		return &commandTransport{run: run}, nil
	})
}

type commandTransport struct {
	run RunCommandFunc
}

func (t *commandTransport) Run(ctx context.Context, command string) (ExecResult, error) {
	output, exitCode, err := t.run(ctx, command)
	if err != nil {
		return ExecResult{Output: output}, err
	}
	return ExecResult{Output: output, ExitCode: exitCode}, nil
}

func (t *commandTransport) Shell(cols, rows int, onOutput func([]byte)) (Shell, error) {
	return nil, ErrNoInteractiveShell
}

func (t *commandTransport) Close() error { return nil }
