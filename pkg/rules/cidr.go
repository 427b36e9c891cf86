package rules

import (
	"context"
	"fmt"
	"net/netip"

	"rulegate/pkg/rule"
	"rulegate/pkg/session"
)

// CIDR matches the destination address against a set of prefixes. With a
// resolver it resolves sessions that only carry a host name; any resolved
// address inside a prefix is a match.
type CIDR struct {
	base
	prefixes []netip.Prefix
	resolver Resolver
}

func NewCIDR(name, policy string, prefixes []netip.Prefix, resolver Resolver) *CIDR {
	masked := make([]netip.Prefix, len(prefixes))
	for i, p := range prefixes {
		masked[i] = p.Masked()
	}

	return &CIDR{
		base:     base{name: name, policy: policy},
		prefixes: masked,
		resolver: resolver,
	}
}

func (c *CIDR) Match(ctx context.Context, s *session.Session) (rule.Verdict, error) {
	if s.HasIP() {
		return c.verdict(s.IP), nil
	}
	if s.Host == "" || c.resolver == nil {
		return rule.NotMatched, nil
	}

	addrs, err := c.resolver.LookupNetIP(ctx, s.Host)
	if err != nil {
		return rule.NotMatched, fmt.Errorf("cidr rule %q: resolve %s: %w", c.name, s.Host, err)
	}
	for _, addr := range addrs {
		if c.verdict(addr) == rule.Matched {
			return rule.Matched, nil
		}
	}

	return rule.NotMatched, nil
}

func (c *CIDR) verdict(addr netip.Addr) rule.Verdict {
	addr = addr.Unmap()
	for _, p := range c.prefixes {
		if p.Contains(addr) {
			return rule.Matched
		}
	}

	return rule.NotMatched
}

func (c *CIDR) Type() string { return TypeCIDR }

func (c *CIDR) String() string {
	return fmt.Sprintf("%s(%s, %d prefixes, resolve=%t) -> %s", TypeCIDR, c.name, len(c.prefixes), c.resolver != nil, c.policy)
}
