// mock serves SSH on the loopback interface in place of an instance, so
// sessions can be tested without a host.
//
// Every 'exec', 'pty-req' and 'shell' request a client makes is recorded and
// can be read back from Requests; whatever the client writes to a channel is
// readable, line by line, from Stdin.
package mock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

var ErrUnauthorized = fmt.Errorf("public key is not authorized")

type (
	// ExecHandler returns the output written back to the client and the exit
	// code of 'command'.
	ExecHandler func(command string) (output []byte, exitCode uint32)

	// Request is a recorded channel request. The payload of an 'exec' request
	// is the bare command.
	Request struct {
		Type    string
		Payload []byte
	}
)

type Server struct {
	// Exec answers 'exec' requests. When nil every command succeeds with no
	// output. Set it before calling Start.
	Exec ExecHandler

	config   *ssh.ServerConfig
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	requests chan Request
	stdin    chan string
}

// NewServer returns a server presenting 'hostKey' that accepts clients
// offering any of 'authorized'.
func NewServer(hostKey ssh.Signer, authorized ...ssh.PublicKey) *Server {
	allowed := make(map[string]bool, len(authorized))
	for _, k := range authorized {
		allowed[string(k.Marshal())] = true
	}
	config := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if allowed[string(key.Marshal())] {
				return nil, nil
			}
			return nil, fmt.Errorf("%w: user %q", ErrUnauthorized, conn.User())
		},
	}
	config.AddHostKey(hostKey)

	return &Server{
		config:   config,
		requests: make(chan Request, 256),
		stdin:    make(chan string, 1024),
	}
}

// Start listens on a free loopback port and serves until Close is called or
// the test ends.
func (s *Server) Start(t *testing.T) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	s.listener = listener

	var ctx context.Context
	ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go s.serve(ctx)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.Close(ctx); err != nil {
			t.Errorf("closing mock server: %v", err)
		}
	})
}

// Port is the port the server listens on.
func (s *Server) Port() uint16 {
	return uint16(s.listener.Addr().(*net.TCPAddr).Port)
}

// Requests delivers the recorded channel requests in arrival order.
func (s *Server) Requests() <-chan Request {
	return s.requests
}

// Stdin delivers the non-blank lines clients wrote, with leading and trailing
// control characters removed.
func (s *Server) Stdin() <-chan string {
	return s.stdin
}

// Close stops accepting connections, drops the open ones and waits for every
// handler to return. Calling it more than once is safe.
func (s *Server) Close(ctx context.Context) error {
	s.cancel()
	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (s *Server) serve(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Warn("accept failed", "error", err)
			}
			return
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

// handleConn performs the handshake on 'conn', then accepts 'session'
// channels until the client disconnects or the server closes.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	sshConn, channels, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		log.Debug("handshake failed", "error", err)
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	// Dropping the connection on close ends the loop below.
	stop := context.AfterFunc(ctx, func() {
		_ = sshConn.Close()
	})
	defer stop()

	for newChannel := range channels {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, chanReqs, err := newChannel.Accept()
		if err != nil {
			log.Warn("accepting channel failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go s.handleChannel(ctx, channel, chanReqs)
	}
}
