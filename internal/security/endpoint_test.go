package security

import (
	"context"
	"errors"
	"net/netip"
	"testing"
)

type fakeResolver map[string][]string

func (f fakeResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	ips, ok := f[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	out := make([]netip.Addr, len(ips))
	for i, ip := range ips {
		out[i] = netip.MustParseAddr(ip)
	}
	return out, nil
}

var resolver = fakeResolver{
	"hooks.seller.example":  {"203.0.113.10"},
	"intranet.example":      {"10.1.2.3"},
	"mixed.example":         {"203.0.113.11", "192.168.0.5"},
	"cgnat.example":         {"100.64.1.1"},
	"ipv6-loopback.example": {"::1"},
}

func TestEndpointPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  EndpointPolicy
		url     string
		wantErr bool
	}{
		{"public https", EndpointPolicy{}, "https://hooks.seller.example/refunds", false},
		{"public http allowed by default", EndpointPolicy{}, "http://hooks.seller.example/refunds", false},
		{"http refused when https required", EndpointPolicy{RequireHTTPS: true}, "http://hooks.seller.example/refunds", true},
		{"bad scheme", EndpointPolicy{}, "ftp://hooks.seller.example/refunds", true},
		{"embedded credentials", EndpointPolicy{}, "https://user:pw@hooks.seller.example/refunds", true},
		{"no host", EndpointPolicy{}, "https:///refunds", true},
		{"localhost", EndpointPolicy{}, "http://localhost:8080/hook", true},
		{"metadata host", EndpointPolicy{}, "http://metadata.google.internal/computeMetadata", true},
		{"loopback literal", EndpointPolicy{}, "http://127.0.0.1/hook", true},
		{"private literal", EndpointPolicy{}, "http://10.0.0.1/hook", true},
		{"link-local literal", EndpointPolicy{}, "http://169.254.169.254/latest", true},
		{"ipv4-mapped loopback", EndpointPolicy{}, "http://[::ffff:127.0.0.1]/hook", true},
		{"public literal", EndpointPolicy{}, "https://203.0.113.7/hook", false},
		{"resolves private", EndpointPolicy{}, "https://intranet.example/hook", true},
		{"one private address is enough", EndpointPolicy{}, "https://mixed.example/hook", true},
		{"carrier-grade nat", EndpointPolicy{}, "https://cgnat.example/hook", true},
		{"resolves ipv6 loopback", EndpointPolicy{}, "https://ipv6-loopback.example/hook", true},
		{"unresolvable", EndpointPolicy{}, "https://nowhere.example/hook", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.policy.Resolver = resolver
			err := tt.policy.Validate(tt.url)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrUnsafeEndpoint) {
				t.Errorf("error should wrap ErrUnsafeEndpoint: %v", err)
			}
		})
	}
}
