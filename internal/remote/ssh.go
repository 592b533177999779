package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

// SSHConfig holds everything needed to open an SSH connection.
type SSHConfig struct {
	Addr     string // host:port
	User     string
	KeyPath  string // private key file; takes precedence over Password
	Password string
	// ConnectTimeout bounds the TCP dial and SSH handshake.
	ConnectTimeout time.Duration
	// CommandTimeout bounds each Run call unless the context is
	// tighter.
	CommandTimeout time.Duration
}

// SSH is an Executor backed by a live SSH connection.
type SSH struct {
	client         *ssh.Client
	commandTimeout time.Duration
}

// Dial connects to the target host. Key auth is preferred; password
// auth is the fallback for hosts that have not had a key installed yet.
func Dial(ctx context.Context, cfg SSHConfig) (*SSH, error) {
	clientCfg, err := buildClientConfig(cfg)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, cfg.Addr, clientCfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", cfg.Addr, err)
	}

	timeout := cfg.CommandTimeout
	if timeout == 0 {
		timeout = 10 * time.Minute
	}

	return &SSH{
		client:         ssh.NewClient(sshConn, chans, reqs),
		commandTimeout: timeout,
	}, nil
}

func buildClientConfig(cfg SSHConfig) (*ssh.ClientConfig, error) {
	if cfg.User == "" {
		return nil, errors.New("remote: ssh user is required")
	}

	var auth []ssh.AuthMethod
	if cfg.KeyPath != "" {
		keyData, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("remote: no ssh auth configured (set SSH_KEY_PATH or SSH_PASSWORD)")
	}

	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         cfg.ConnectTimeout,
	}, nil
}

// Close tears down the SSH connection.
func (s *SSH) Close() error {
	return s.client.Close()
}

// Run executes cmd on the remote host. Non-zero exit status is returned
// in the Result; only transport failures produce an error.
func (s *SSH) Run(ctx context.Context, cmd string) (Result, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	timer := time.NewTimer(s.commandTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				res.ExitCode = exitErr.ExitStatus()
				return res, nil
			}
			return res, fmt.Errorf("run %q: %w", cmd, err)
		}
		return res, nil
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return Result{}, ctx.Err()
	case <-timer.C:
		session.Signal(ssh.SIGKILL)
		return Result{}, fmt.Errorf("run %q: timeout after %s", cmd, s.commandTimeout)
	}
}

// Stream runs cmd with stdout and stderr wired straight to w, for
// long-running commands like log following where buffering until exit
// would show nothing. Returns when the command or the context ends.
func (s *SSH) Stream(ctx context.Context, cmd string, w io.Writer) error {
	session, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	session.Stdout = w
	session.Stderr = w

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case err := <-done:
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			// Interrupted tails exit non-zero; the output already
			// reached the operator.
			return nil
		}
		return err
	case <-ctx.Done():
		session.Signal(ssh.SIGINT)
		return nil
	}
}

// Upload writes content to remotePath via a cat pipe, creating parent
// directories first. Mode is applied after the write.
func (s *SSH) Upload(ctx context.Context, content []byte, remotePath string, mode os.FileMode) error {
	dir := path.Dir(remotePath)
	if res, err := s.Run(ctx, fmt.Sprintf("mkdir -p %q", dir)); err != nil {
		return err
	} else if !res.OK() {
		return fmt.Errorf("mkdir -p %s: %s", dir, res.Output())
	}

	session, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}

	cmd := fmt.Sprintf("cat > %q && chmod %o %q", remotePath, mode.Perm(), remotePath)
	if err := session.Start(cmd); err != nil {
		return fmt.Errorf("start upload: %w", err)
	}

	if _, err := stdin.Write(content); err != nil {
		return fmt.Errorf("write upload: %w", err)
	}
	stdin.Close()

	if err := session.Wait(); err != nil {
		return fmt.Errorf("upload %s: %w", remotePath, err)
	}
	return nil
}

// Interactive attaches the local terminal to a remote login shell in a
// pty, used by the shell subcommand. Blocks until the shell exits.
func (s *SSH) Interactive(initialDir string) error {
	session, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("raw terminal: %w", err)
		}
		defer term.Restore(fd, oldState)
	}

	width, height, err := term.GetSize(fd)
	if err != nil {
		width, height = 80, 24
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", height, width, modes); err != nil {
		return fmt.Errorf("request pty: %w", err)
	}

	session.Stdin = os.Stdin
	session.Stdout = os.Stdout
	session.Stderr = os.Stderr

	cmd := "exec $SHELL -l"
	if initialDir != "" {
		cmd = fmt.Sprintf("cd %q 2>/dev/null; exec $SHELL -l", initialDir)
	}
	if err := session.Start(cmd); err != nil {
		return fmt.Errorf("start shell: %w", err)
	}

	err = session.Wait()
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		// Shell exit status is the operator's business, not ours.
		return nil
	}
	return err
}
