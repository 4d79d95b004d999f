package ssh

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	defaultPort    = 22
	dialTimeout    = 10 * time.Second
	resolveTimeout = 5 * time.Second
)

var (
	ErrDial        = fmt.Errorf("failed to establish SSH connection")
	ErrInvalidHost = fmt.Errorf("failed to parse hostname")
)

// connect opens an SSH client to 'target' authenticated with 'signer'. Any
// host key is accepted.
func connect(ctx context.Context, target Target, signer ssh.Signer) (*ssh.Client, error) {
	host, port := target.Host, target.Port
	if host == "" {
		return nil, fmt.Errorf("%w: no host given", ErrInvalidHost)
	}
	if port == 0 {
		port = defaultPort
	}
	addr, err := address(ctx, host, port)
	if err != nil {
		return nil, err
	}

	conn, err := (&net.Dialer{Timeout: dialTimeout}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDial, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            target.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %w", ErrDial, err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// address formats 'host' and 'port' for dialing. Hostnames, such as an
// instance's public DNS name, are resolved first and the first address wins.
func address(ctx context.Context, host string, port uint16) (string, error) {
	ip, err := netip.ParseAddr(host)
	if err != nil {
		ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
		defer cancel()
		addrs, lerr := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		if lerr != nil || len(addrs) == 0 {
			return "", fmt.Errorf("%w: %s", ErrInvalidHost, host)
		}
		ip = addrs[0]
	}
	return netip.AddrPortFrom(ip.Unmap(), port).String(), nil
}
