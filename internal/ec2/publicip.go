package ec2

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/hashicorp/go-retryablehttp"
)

// publicIPProvider answers with the caller's address as plain text.
const publicIPProvider = "https://api.ipify.org"

var (
	ErrPublicIPLookup = fmt.Errorf("failed to resolve public IP address")
	ErrAddressInvalid = fmt.Errorf("failed to parse provided IP address")
)

func publicAddr(ctx context.Context) (string, error) {
	return lookupAddr(ctx, publicIPProvider)
}

// lookupAddr asks 'provider' for the caller's address. A body that isn't a
// bare IP address, such as a captive portal page, is an error.
func lookupAddr(ctx context.Context, provider string) (string, error) {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = clog.FromContext(ctx)

	body, err := fetch(ctx, client, provider)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPublicIPLookup, err)
	}
	text := strings.TrimSpace(string(body))
	addr, err := netip.ParseAddr(text)
	if err != nil {
		return "", fmt.Errorf("%w: %w: %q", ErrPublicIPLookup, ErrAddressInvalid, text)
	}
	return addr.Unmap().String(), nil
}

func fetch(ctx context.Context, client *retryablehttp.Client, url string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("received HTTP status code %d", res.StatusCode)
	}
	return io.ReadAll(io.LimitReader(res.Body, 256))
}

// hostCIDR scopes a rule to exactly 'addr': /32 for IPv4, /128 for IPv6.
func hostCIDR(addr string) (string, error) {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrAddressInvalid, addr)
	}
	ip = ip.Unmap()
	return netip.PrefixFrom(ip, ip.BitLen()).String(), nil
}

func isIPv6CIDR(cidr string) bool {
	p, err := netip.ParsePrefix(cidr)
	return err == nil && p.Addr().Is6()
}

// cidrEqual compares two CIDR strings by value, so '::1/128' and
// '0:0::1/128' are equal.
func cidrEqual(a, b string) bool {
	pa, err := netip.ParsePrefix(a)
	if err != nil {
		return a == b
	}
	pb, err := netip.ParsePrefix(b)
	return err == nil && pa == pb
}
