// Package remote provides the command-execution channel to one instance:
// a reconnectable shell-over-network transport used by both the setup
// orchestrator and interactive terminal sessions.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Channel states.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateReady        State = "ready"
	StateExecuting    State = "executing"
	StateFailed       State = "failed"
)

// ConnectTimeout bounds Connect. Callers must treat a connect failure as
// retryable.
const ConnectTimeout = 30 * time.Second

// ConnectionError marks a connection-layer failure (dial, handshake,
// broken transport) as opposed to a command that ran and failed.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string { return fmt.Sprintf("connection error: %v", e.Err) }

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err is a connection-layer failure,
// either typed or recognizable from the error text (ECONNREFUSED,
// timeouts, dropped connections).
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"econnrefused",
		"connection refused",
		"connection reset",
		"broken pipe",
		"timeout",
		"timed out",
		"handshake failed",
		"use of closed network connection",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// ExecResult is the outcome of one command run to completion. Output
// interleaves the standard and diagnostic streams in arrival order.
type ExecResult struct {
	Output   string
	ExitCode int
}

// Conn is one established transport connection.
type Conn interface {
	// Run executes one command to completion.
	Run(ctx context.Context, command string) (ExecResult, error)

	// Shell starts a live interactive shell, delivering every output
	// chunk to onOutput from a transport-owned goroutine.
	Shell(cols, rows int, onOutput func([]byte)) (Shell, error)

	Close() error
}

// Shell is a live interactive shell on a Conn. Done is closed when the
// shell ends for any reason, local close or remote death, so session
// owners can tear down promptly instead of waiting for an idle reaper.
type Shell interface {
	Write(p []byte) error
	Resize(cols, rows int) error
	Done() <-chan struct{}
	Close() error
}

// Dialer establishes a Conn. Implementations must respect ctx.
type Dialer func(ctx context.Context) (Conn, error)

// Channel drives one transport connection through the state machine
// disconnected → connecting → ready → (executing)* → disconnected|failed.
// A Channel is single-owner: the orchestrator and the session layer never
// share one. It is not safe for concurrent command execution.
type Channel struct {
	dial Dialer

	mu     sync.Mutex
	state  State
	conn   Conn
	shell  Shell
	closed bool
}

// NewChannel builds a channel around a dialer. Production channels come
// from NewSSHChannel or NewLocalChannel.
func NewChannel(dial Dialer) *Channel {
	return &Channel{dial: dial, state: StateDisconnected}
}

// State returns the current channel state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect establishes the transport connection, bounded by
// ConnectTimeout. Failures are returned as *ConnectionError and leave the
// channel disconnected so that Connect can be retried.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &ConnectionError{Err: errors.New("channel closed")}
	}
	if c.state == StateReady || c.state == StateExecuting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	conn, err := c.dial(dialCtx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = StateDisconnected
		return &ConnectionError{Err: err}
	}
	if c.closed {
		conn.Close()
		return &ConnectionError{Err: errors.New("channel closed during connect")}
	}
	c.conn = conn
	c.state = StateReady
	return nil
}

// Execute runs one command to completion on a ready channel. A transport
// failure transitions the channel to failed; a command that merely exits
// non-zero is a normal result.
func (c *Channel) Execute(ctx context.Context, command string) (ExecResult, error) {
	c.mu.Lock()
	if c.state != StateReady {
		state := c.state
		c.mu.Unlock()
		return ExecResult{}, &ConnectionError{Err: fmt.Errorf("channel not ready (state %s)", state)}
	}
	conn := c.conn
	c.state = StateExecuting
	c.mu.Unlock()

	result, err := conn.Run(ctx, command)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return result, err
	}
	if err != nil && IsConnectionError(err) {
		c.state = StateFailed
		return result, err
	}
	c.state = StateReady
	return result, err
}

// AttachInteractive upgrades a ready channel into a live shell. onOutput
// is invoked for every chunk in arrival order.
func (c *Channel) AttachInteractive(cols, rows int, onOutput func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return &ConnectionError{Err: fmt.Errorf("channel not ready (state %s)", c.state)}
	}
	shell, err := c.conn.Shell(cols, rows, onOutput)
	if err != nil {
		c.state = StateFailed
		return &ConnectionError{Err: err}
	}
	c.shell = shell
	return nil
}

// ShellDone exposes the attached shell's exit signal. Before a shell is
// attached it returns a channel that never fires.
func (c *Channel) ShellDone() <-chan struct{} {
	c.mu.Lock()
	shell := c.shell
	c.mu.Unlock()
	if shell == nil {
		return nil
	}
	return shell.Done()
}

// Write sends keystrokes to the attached shell.
func (c *Channel) Write(p []byte) error {
	c.mu.Lock()
	shell := c.shell
	c.mu.Unlock()
	if shell == nil {
		return errors.New("remote: no interactive shell attached")
	}
	return shell.Write(p)
}

// Resize changes the attached shell's window size.
func (c *Channel) Resize(cols, rows int) error {
	c.mu.Lock()
	shell := c.shell
	c.mu.Unlock()
	if shell == nil {
		return errors.New("remote: no interactive shell attached")
	}
	return shell.Resize(cols, rows)
}

// Reconnect tears down the current connection and dials again. Used when
// a command failure looks like a connection-layer problem.
func (c *Channel) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.shell = nil
	c.state = StateDisconnected
	c.mu.Unlock()
	return c.Connect(ctx)
}

// Close releases the connection. It is idempotent and is called on every
// orchestrator and session exit path.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.state = StateDisconnected
	var err error
	if c.shell != nil {
		c.shell.Close()
		c.shell = nil
	}
	if c.conn != nil {
		err = c.conn.Close()
		c.conn = nil
	}
	return err
}
