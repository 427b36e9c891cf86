package rules

import (
	"context"
	"fmt"

	"rulegate/pkg/matcher"
	"rulegate/pkg/rule"
	"rulegate/pkg/session"
)

// Domain matches the session host against a domain list.
type Domain struct {
	base
	m *matcher.Matcher
}

func NewDomain(name, policy string, patterns []string) *Domain {
	return &Domain{
		base: base{name: name, policy: policy},
		m:    matcher.Build(patterns),
	}
}

func (d *Domain) Match(_ context.Context, s *session.Session) (rule.Verdict, error) {
	if s.Host == "" {
		return rule.NotMatched, nil
	}
	if d.m.Match(s.Host).Matched {
		return rule.Matched, nil
	}

	return rule.NotMatched, nil
}

func (d *Domain) Type() string { return TypeDomain }

func (d *Domain) String() string {
	return fmt.Sprintf("%s(%s, %d patterns) -> %s", TypeDomain, d.name, d.m.Len(), d.policy)
}
