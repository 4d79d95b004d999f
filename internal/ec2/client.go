package ec2

import (
	"context"
	"errors"

	"github.com/aws/smithy-go"
	"github.com/jesperrix/rixtribute/internal/waiter"
)

type Client struct {
	api  API
	wait waiter.Config

	// publicAddr resolves the caller's public IP address. Ingress rules are
	// scoped to this single address.
	publicAddr func(context.Context) (string, error)
}

type Option func(*Client)

// WithWaiter sets the poll configuration used by Stop, Terminate and spot
// request cancellation.
func WithWaiter(cfg waiter.Config) Option {
	return func(c *Client) {
		c.wait = cfg
	}
}

// WithPublicAddr overrides the public IP lookup (ex: behind a proxy whose
// egress address is known).
func WithPublicAddr(fn func(context.Context) (string, error)) Option {
	return func(c *Client) {
		c.publicAddr = fn
	}
}

func New(api API, opts ...Option) *Client {
	c := &Client{
		api:        api,
		publicAddr: publicAddr,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// hasErrorCode reports whether 'err' is an EC2 API error with one of 'codes'.
func hasErrorCode(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, code := range codes {
		if apiErr.ErrorCode() == code {
			return true
		}
	}
	return false
}
