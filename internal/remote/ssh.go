package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"
)

// SSHOptions configures the SSH transport to one instance.
type SSHOptions struct {
	Addr       string // host:port
	User       string
	PrivateKey []byte // PEM; optional when Password is set
	Password   string // optional; providers that hand out root passwords
}

// NewSSHChannel builds a channel that dials the instance over SSH.
func NewSSHChannel(opts SSHOptions) *Channel {
	return NewChannel(SSHDialer(opts))
}

// SSHDialer returns a Dialer for the given SSH endpoint.
func SSHDialer(opts SSHOptions) Dialer {
	return func(ctx context.Context) (Conn, error) {
		var auth []ssh.AuthMethod
		if len(opts.PrivateKey) > 0 {
			signer, err := ssh.ParsePrivateKey(opts.PrivateKey)
			if err != nil {
				return nil, fmt.Errorf("failed to parse private key: %w", err)
			}
			auth = append(auth, ssh.PublicKeys(signer))
		}
		if opts.Password != "" {
			auth = append(auth, ssh.Password(opts.Password))
		}
		if len(auth) == 0 {
			return nil, errors.New("no SSH credentials provided")
		}

		config := &ssh.ClientConfig{
			User:            opts.User,
			Auth:            auth,
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         ConnectTimeout,
		}

		d := net.Dialer{}
		netConn, err := d.DialContext(ctx, "tcp", opts.Addr)
		if err != nil {
			return nil, fmt.Errorf("failed to dial %s: %w", opts.Addr, err)
		}
		sshConn, chans, reqs, err := ssh.NewClientConn(netConn, opts.Addr, config)
		if err != nil {
			netConn.Close()
			return nil, fmt.Errorf("ssh handshake failed: %w", err)
		}
		return &sshTransport{client: ssh.NewClient(sshConn, chans, reqs)}, nil
	}
}

type sshTransport struct {
	client *ssh.Client
}

// Run executes one command in its own SSH session. CombinedOutput
// interleaves stdout and stderr in arrival order.
func (t *sshTransport) Run(ctx context.Context, command string) (ExecResult, error) {
	session, err := t.client.NewSession()
	if err != nil {
		return ExecResult{}, &ConnectionError{Err: err}
	}
	defer session.Close()

	type runResult struct {
		output []byte
		err    error
	}
	resultCh := make(chan runResult, 1)
	go func() {
		output, err := session.CombinedOutput(command)
		resultCh <- runResult{output, err}
	}()

	select {
	case <-ctx.Done():
		session.Close()
		return ExecResult{}, &ConnectionError{Err: ctx.Err()}
	case res := <-resultCh:
		result := ExecResult{Output: string(res.output)}
		if res.err != nil {
			var exitErr *ssh.ExitError
			if errors.As(res.err, &exitErr) {
				result.ExitCode = exitErr.ExitStatus()
				return result, nil
			}
			return result, &ConnectionError{Err: res.err}
		}
		return result, nil
	}
}

// Shell opens a pty-backed login shell in a dedicated SSH session.
func (t *sshTransport) Shell(cols, rows int, onOutput func([]byte)) (Shell, error) {
	session, err := t.client.NewSession()
	if err != nil {
		return nil, err
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", rows, cols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, err
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to start shell: %w", err)
	}

	sh := &sshShell{session: session, stdin: stdin, done: make(chan struct{})}
	go sh.pump(stdout, onOutput)
	go sh.pump(stderr, onOutput)
	go func() {
		session.Wait()
		close(sh.done)
	}()
	return sh, nil
}

func (t *sshTransport) Close() error {
	return t.client.Close()
}

type sshShell struct {
	session *ssh.Session
	stdin   io.WriteCloser
	done    chan struct{}

	mu     sync.Mutex
	closed bool
}

func (s *sshShell) pump(r io.Reader, onOutput func([]byte)) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onOutput(chunk)
		}
		if err != nil {
			return
		}
	}
}

// Done is closed once the remote shell process has exited. Close makes
// session.Wait return, so a local close also fires it.
func (s *sshShell) Done() <-chan struct{} { return s.done }

func (s *sshShell) Write(p []byte) error {
	_, err := s.stdin.Write(p)
	return err
}

func (s *sshShell) Resize(cols, rows int) error {
	return s.session.WindowChange(rows, cols)
}

func (s *sshShell) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.stdin.Close()
	return s.session.Close()
}
