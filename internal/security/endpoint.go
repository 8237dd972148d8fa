package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// ErrUnsafeEndpoint is wrapped by every endpoint rejection.
var ErrUnsafeEndpoint = errors.New("unsafe endpoint")

// blockedHosts are names that resolve to infrastructure on common clouds.
var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google", "metadata"}

// Carrier-grade NAT space is not covered by netip.Addr.IsPrivate.
var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// Resolver looks up a host's addresses.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// EndpointPolicy decides which URLs refund events may be delivered to.
// Sellers register these URLs, so the server must never be made to call
// its own network.
type EndpointPolicy struct {
	RequireHTTPS bool
	Resolver     Resolver      // net.DefaultResolver when nil
	Timeout      time.Duration // DNS lookup budget, 2s when zero
}

// ValidateEndpointURL applies the default policy (http allowed).
func ValidateEndpointURL(rawURL string) error {
	return EndpointPolicy{}.Validate(rawURL)
}

// Validate checks the URL literally and every address its host resolves to.
func (p EndpointPolicy) Validate(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: invalid URL format", ErrUnsafeEndpoint)
	}

	switch u.Scheme {
	case "https":
	case "http":
		if p.RequireHTTPS {
			return fmt.Errorf("%w: URL scheme must be https", ErrUnsafeEndpoint)
		}
	default:
		return fmt.Errorf("%w: URL scheme must be http or https", ErrUnsafeEndpoint)
	}

	if u.User != nil {
		return fmt.Errorf("%w: URL must not embed credentials", ErrUnsafeEndpoint)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: URL must have a host", ErrUnsafeEndpoint)
	}
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("%w: host %q is not allowed", ErrUnsafeEndpoint, host)
		}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}

	resolver := p.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	addrs, err := resolver.LookupNetIP(ctx, "ip", host)
	if err != nil || len(addrs) == 0 {
		return fmt.Errorf("%w: cannot resolve host %q", ErrUnsafeEndpoint, host)
	}
	for _, addr := range addrs {
		if err := checkAddr(addr); err != nil {
			return fmt.Errorf("host %q resolves to a blocked address: %w", host, err)
		}
	}
	return nil
}

func checkAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback():
		return fmt.Errorf("%w: loopback address", ErrUnsafeEndpoint)
	case addr.IsPrivate(), sharedAddressSpace.Contains(addr):
		return fmt.Errorf("%w: private address", ErrUnsafeEndpoint)
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local address", ErrUnsafeEndpoint)
	case addr.IsMulticast():
		return fmt.Errorf("%w: multicast address", ErrUnsafeEndpoint)
	case addr.IsUnspecified():
		return fmt.Errorf("%w: unspecified address", ErrUnsafeEndpoint)
	}
	return nil
}
