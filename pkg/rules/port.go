package rules

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"rulegate/pkg/rule"
	"rulegate/pkg/session"
)

var ErrInvalidPortRange = errors.New("invalid port range")

// PortRange is an inclusive range of ports.
type PortRange struct {
	From, To uint16
}

// ParsePortRange parses "443" or "8000-9000".
func ParsePortRange(s string) (PortRange, error) {
	lo, hi, isRange := strings.Cut(strings.TrimSpace(s), "-")

	from, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 16)
	if err != nil {
		return PortRange{}, fmt.Errorf("%w %q: %w", ErrInvalidPortRange, s, err)
	}
	to := from
	if isRange {
		to, err = strconv.ParseUint(strings.TrimSpace(hi), 10, 16)
		if err != nil {
			return PortRange{}, fmt.Errorf("%w %q: %w", ErrInvalidPortRange, s, err)
		}
	}
	if from > to {
		return PortRange{}, fmt.Errorf("%w %q: start after end", ErrInvalidPortRange, s)
	}

	return PortRange{From: uint16(from), To: uint16(to)}, nil
}

func (r PortRange) Contains(port uint16) bool {
	return port >= r.From && port <= r.To
}

// Port matches the destination port.
type Port struct {
	base
	ranges []PortRange
}

func NewPort(name, policy string, ranges []PortRange) *Port {
	return &Port{base: base{name: name, policy: policy}, ranges: ranges}
}

func (p *Port) Match(_ context.Context, s *session.Session) (rule.Verdict, error) {
	for _, r := range p.ranges {
		if r.Contains(s.Port) {
			return rule.Matched, nil
		}
	}

	return rule.NotMatched, nil
}

func (p *Port) Type() string { return TypePort }

func (p *Port) String() string {
	return fmt.Sprintf("%s(%s, %d ranges) -> %s", TypePort, p.name, len(p.ranges), p.policy)
}
