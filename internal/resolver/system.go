package resolver

import (
	"context"
	"errors"
	"net"
	"net/netip"
)

// System resolves through the operating system resolver.
type System struct {
	Resolver *net.Resolver
}

func (s System) LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error) {
	r := s.Resolver
	if r == nil {
		r = net.DefaultResolver
	}

	addrs, err := r.LookupNetIP(ctx, "ip", host)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil, nil
		}

		return nil, err
	}

	return addrs, nil
}
