package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/chainguard-dev/clog"
	"golang.org/x/crypto/ssh"
)

// RemoteOutputKey is the log attribute carrying output captured from a remote
// command. Session logging routes records with this attribute to the session
// log.
const RemoteOutputKey = "remote_output"

var (
	ErrSessionInit = fmt.Errorf("failed to begin SSH session")
	ErrCMDExec     = fmt.Errorf("failed to execute SSH command")
	ErrNoKey       = fmt.Errorf("no private key provided")
)

// Target is an SSH-reachable host and the identity to log in with.
type Target struct {
	Host       string
	Port       uint16 // default: 22
	User       string
	PrivateKey []byte // OpenSSH PEM
}

// Session is an SSH connection to one instance.
//
// Host key verification is disabled: the hosts are launched by this tool
// moments before and their keys can't be known in advance.
type Session struct {
	target Target
	client *ssh.Client
}

// Dial connects to 'target'.
func Dial(ctx context.Context, target Target) (*Session, error) {
	if len(target.PrivateKey) == 0 {
		return nil, ErrNoKey
	}
	signer, err := ParseKey(target.PrivateKey)
	if err != nil {
		return nil, err
	}
	client, err := connect(ctx, target, signer)
	if err != nil {
		return nil, err
	}
	clog.FromContext(ctx).Debug("connected", "host", target.Host, "user", target.User)
	return &Session{target: target, client: client}, nil
}

func (s *Session) Close() error {
	return s.client.Close()
}

// run executes 'cmd' in a new SSH session. 'setup' may wire the session's
// streams before the command starts.
//
// A nonzero remote exit is reported through 'exitCode' and is not an error.
// The session is closed when 'ctx' is cancelled.
func (s *Session) run(ctx context.Context, cmd string, setup func(*ssh.Session) error) (exitCode int, err error) {
	session, err := s.client.NewSession()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSessionInit, err)
	}
	defer session.Close()

	if setup != nil {
		if err := setup(session); err != nil {
			return 0, err
		}
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		_ = session.Close()
		<-done
		return 0, ctx.Err()
	case err = <-done:
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrCMDExec, err)
	}
	return 0, nil
}

// RunOnce executes 'command' non-interactively and returns its combined
// output. 'ok' is false when the command exited nonzero.
func (s *Session) RunOnce(ctx context.Context, command string) (ok bool, output string, err error) {
	log := clog.FromContext(ctx)

	var combined bytes.Buffer
	code, err := s.run(ctx, command, func(session *ssh.Session) error {
		session.Stdout = &combined
		session.Stderr = &combined
		return nil
	})
	if err != nil {
		return false, combined.String(), err
	}

	log.Info("ran command", "command", command, "exit_code", code, slog.String(RemoteOutputKey, combined.String()))
	return code == 0, combined.String(), nil
}

// stream executes 'command' with its stdin and stdout bound to 'stdin' and
// 'stdout'; stderr is captured and returned.
func (s *Session) stream(ctx context.Context, command string, stdin io.Reader, stdout io.Writer) (ok bool, stderr string, err error) {
	var errBuf bytes.Buffer
	code, err := s.run(ctx, command, func(session *ssh.Session) error {
		session.Stdin = stdin
		session.Stdout = stdout
		session.Stderr = &errBuf
		return nil
	})
	if err != nil {
		return false, errBuf.String(), err
	}
	return code == 0, errBuf.String(), nil
}
