package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/kballard/go-shellquote"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

const (
	// PersistentSession is the tmux session RunPersistent sends commands to.
	// There is one per host: concurrent RunPersistent calls against the same
	// host type into the same session.
	PersistentSession = "automated-session"
	PersistentWindow  = "main"

	defaultTermType = "xterm-256color"
	resizeInterval  = 250 * time.Millisecond
)

var (
	ErrPTY               = fmt.Errorf("failed to request a pseudo terminal")
	ErrPersistentSession = fmt.Errorf("failed to prepare persistent session")
)

// Interactive opens a login shell on a pseudo terminal and blocks until it
// exits or the connection drops.
//
// When 'stdin' is a terminal it is put in raw mode for the duration and
// remote window size follows the local one.
func (s *Session) Interactive(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) error {
	return s.attach(ctx, "", stdin, stdout, stderr)
}

// RunPersistent types 'command' into the host's persistent tmux session and
// attaches to it. The session is created only when it doesn't exist yet, so
// output of earlier commands is kept.
//
// Detaching, or losing the connection, leaves the command running; calling
// RunPersistent (or attaching by hand) later shows its progress.
func (s *Session) RunPersistent(ctx context.Context, command string, stdin io.Reader, stdout, stderr io.Writer) error {
	log := clog.FromContext(ctx).With("session", PersistentSession)

	exists, _, err := s.RunOnce(ctx, shellquote.Join("tmux", "has-session", "-t", PersistentSession))
	if err != nil {
		return err
	}
	if !exists {
		log.Info("creating persistent session")
		ok, out, err := s.RunOnce(ctx, shellquote.Join(
			"tmux", "new-session", "-d", "-s", PersistentSession, "-n", PersistentWindow,
		))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrPersistentSession, out)
		}
	}

	ok, out, err := s.RunOnce(ctx, shellquote.Join(
		"tmux", "send-keys", "-t", PersistentSession+":"+PersistentWindow, command, "Enter",
	))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrPersistentSession, out)
	}
	log.Info("sent command to persistent session", "command", command)

	return s.attach(ctx, shellquote.Join("tmux", "attach-session", "-t", PersistentSession), stdin, stdout, stderr)
}

// attach runs 'cmd' (the login shell when empty) on a pseudo terminal bound
// to the given streams.
func (s *Session) attach(ctx context.Context, cmd string, stdin io.Reader, stdout, stderr io.Writer) error {
	session, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSessionInit, err)
	}
	defer session.Close()

	fd, tty := terminalFd(stdin)
	width, height := 80, 24
	if tty {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrPTY, err)
		}
		defer func() {
			_ = term.Restore(fd, state)
		}()
		if w, h, err := term.GetSize(fd); err == nil {
			width, height = w, h
		}
	}

	termType := os.Getenv("TERM")
	if termType == "" {
		termType = defaultTermType
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(termType, height, width, modes); err != nil {
		return fmt.Errorf("%w: %w", ErrPTY, err)
	}

	session.Stdin = stdin
	session.Stdout = stdout
	session.Stderr = stderr
	if cmd == "" {
		err = session.Shell()
	} else {
		err = session.Start(cmd)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCMDExec, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	exited := make(chan struct{})
	g.Go(func() error {
		defer close(exited)
		err := session.Wait()
		var exitErr *ssh.ExitError
		if err == nil || errors.As(err, &exitErr) {
			return nil
		}
		return fmt.Errorf("%w: %w", ErrCMDExec, err)
	})
	g.Go(func() error {
		ticker := time.NewTicker(resizeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-exited:
				return nil
			case <-gctx.Done():
				// Unblocks Wait.
				_ = session.Close()
				return nil
			case <-ticker.C:
				if !tty {
					continue
				}
				w, h, err := term.GetSize(fd)
				if err != nil || (w == width && h == height) {
					continue
				}
				width, height = w, h
				_ = session.WindowChange(height, width)
			}
		}
	})
	return g.Wait()
}

func terminalFd(r io.Reader) (int, bool) {
	f, ok := r.(*os.File)
	if !ok {
		return 0, false
	}
	fd := int(f.Fd())
	return fd, term.IsTerminal(fd)
}
