package mock

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"
)

// handleChannel answers the requests of one session channel and relays what
// the client writes to it. The channel is closed once the client closes its
// side for writing, which is what a finished 'exec' looks like.
func (s *Server) handleChannel(ctx context.Context, channel ssh.Channel, reqs <-chan *ssh.Request) {
	defer s.wg.Done()
	defer channel.Close()

	input := readLines(channel)
	for {
		select {
		case <-ctx.Done():
			return

		case req, ok := <-reqs:
			if !ok {
				return
			}
			s.handleRequest(channel, req)

		case line, ok := <-input:
			if !ok {
				return
			}
			s.stdin <- line
		}
	}
}

func (s *Server) handleRequest(channel ssh.Channel, req *ssh.Request) {
	switch req.Type {
	case "exec":
		// The payload is a single SSH string holding the command.
		var msg struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
			_ = req.Reply(false, nil)
			return
		}
		_ = req.Reply(true, nil)

		var (
			output   []byte
			exitCode uint32
		)
		if s.Exec != nil {
			output, exitCode = s.Exec(msg.Command)
		}
		if len(output) > 0 {
			if _, err := channel.Write(output); err != nil {
				log.Warn("writing exec output failed", "error", err)
			}
		}
		sendExitStatus(channel, exitCode)
		s.requests <- Request{Type: req.Type, Payload: []byte(msg.Command)}

	case "pty-req", "shell":
		_ = req.Reply(true, nil)
		if req.Type == "shell" {
			sendExitStatus(channel, 0)
		}
		s.requests <- Request{Type: req.Type, Payload: req.Payload}

	default:
		// 'env', 'window-change' and the like.
		if req.WantReply {
			_ = req.Reply(true, nil)
		}
	}
}

func sendExitStatus(channel ssh.Channel, code uint32) {
	payload := ssh.Marshal(struct{ Status uint32 }{code})
	if _, err := channel.SendRequest("exit-status", false, payload); err != nil {
		log.Warn("sending exit status failed", "error", err)
	}
}

// readLines relays the non-blank lines read from 'r'. The channel is closed
// once 'r' reaches EOF or its connection goes away.
func readLines(r io.Reader) <-chan string {
	ch := make(chan string, 64)
	go func() {
		defer close(ch)
		buf := make([]byte, 1024)
		for {
			n, err := r.Read(buf)
			for line := range strings.SplitSeq(string(buf[:n]), "\n") {
				line = strings.TrimFunc(line, func(r rune) bool { return r < 0x20 })
				if line != "" {
					ch <- line
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
					log.Warn("channel read failed", "error", err)
				}
				return
			}
		}
	}()
	return ch
}
