package remote

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

// NewLocalChannel builds a channel whose "instance" is this machine.
// Commands run under /bin/sh and the interactive shell is a local pty.
// Used by the development provider.
func NewLocalChannel() *Channel {
	return NewChannel(func(ctx context.Context) (Conn, error) {
		return &localTransport{}, nil
	})
}

type localTransport struct{}

func (t *localTransport) Run(ctx context.Context, command string) (ExecResult, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	output, err := cmd.CombinedOutput()
	result := ExecResult{Output: string(output)}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, &ConnectionError{Err: err}
	}
	return result, nil
}

func (t *localTransport) Shell(cols, rows int, onOutput func([]byte)) (Shell, error) {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/bash"
	}
	cmd := exec.Command(shell, "-l")
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
	if err != nil {
		return nil, err
	}

	sh := &localShell{cmd: cmd, ptmx: ptmx, done: make(chan struct{})}
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := ptmx.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				onOutput(chunk)
			}
			if err != nil {
				return
			}
		}
	}()
	go func() {
		cmd.Wait()
		close(sh.done)
	}()
	return sh, nil
}

func (t *localTransport) Close() error { return nil }

type localShell struct {
	cmd  *exec.Cmd
	ptmx *os.File
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

func (s *localShell) Write(p []byte) error {
	_, err := s.ptmx.Write(p)
	return err
}

func (s *localShell) Resize(cols, rows int) error {
	return pty.Setsize(s.ptmx, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
}

// Done is closed once the shell process has been reaped by the wait
// goroutine started in Shell.
func (s *localShell) Done() <-chan struct{} { return s.done }

func (s *localShell) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.ptmx.Close()
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	return nil
}
