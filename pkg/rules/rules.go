// Package rules provides the rule kinds a rule set can be built from. Each
// rule names the policy that applies when it matches.
package rules

import (
	"context"
	"net/netip"

	"rulegate/pkg/rule"
)

const (
	TypeDomain = "domain"
	TypeCIDR   = "cidr"
	TypePort   = "port"
	TypeLabel  = "label"
	TypeExpr   = "expr"
	TypeFinal  = "final"
)

// Resolver looks up the addresses of a host.
type Resolver interface {
	LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error)
}

// PolicyOf returns the policy a matched rule routes to, or "" if r does not
// carry one.
func PolicyOf(r rule.Rule) string {
	if p, ok := r.(interface{ Policy() string }); ok {
		return p.Policy()
	}

	return ""
}

// TypeOf returns the kind of r for logs and metric labels.
func TypeOf(r rule.Rule) string {
	if t, ok := r.(interface{ Type() string }); ok {
		return t.Type()
	}

	return "unknown"
}

// base carries what every rule kind shares.
type base struct {
	name   string
	policy string
}

func (b base) Policy() string {
	return b.policy
}

func (b base) Name() string {
	return b.name
}
