package rules

import (
	"context"
	"fmt"
	"net/netip"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"rulegate/pkg/matcher"
	"rulegate/pkg/rule"
	"rulegate/pkg/session"
)

// Protect CEL environment creation and compilation from concurrent access.
var (
	celMu  sync.Mutex
	celEnv *cel.Env
)

// Expr matches sessions with a CEL expression that must evaluate to a bool.
//
// Variables:
//   - host (string), ip (string, empty when unknown), port (int)
//   - network, protocol, inbound (string)
//   - labels (map<string, string>)
//
// Functions, on top of the standard library and string extensions:
//   - inCIDR(ip, cidr): true if ip lies within cidr; false for an empty ip
//   - etld1(host): the registrable domain of host, e.g. "example.co.uk"
//
// Examples:
//   - host.endsWith(".internal")
//   - inCIDR(ip, "10.0.0.0/8") && port == 443
//   - ("team" in labels && labels["team"] == "infra") || etld1(host) == "example.com"
//
// Indexing a missing label is an evaluation error, which fails the match.
type Expr struct {
	base
	source  string
	program cel.Program
}

func NewExpr(name, policy, expression string) (*Expr, error) {
	program, err := compile(expression)
	if err != nil {
		return nil, fmt.Errorf("expr rule %q: %w", name, err)
	}

	return &Expr{base: base{name: name, policy: policy}, source: expression, program: program}, nil
}

func (e *Expr) Match(ctx context.Context, s *session.Session) (rule.Verdict, error) {
	ip := ""
	if s.HasIP() {
		ip = s.IP.String()
	}
	lbls := s.Labels
	if lbls == nil {
		lbls = map[string]string{}
	}

	out, _, err := e.program.ContextEval(ctx, map[string]any{
		"host":     s.Host,
		"ip":       ip,
		"port":     int64(s.Port),
		"network":  s.Network,
		"protocol": s.Protocol,
		"inbound":  s.Inbound,
		"labels":   lbls,
	})
	if err != nil {
		return rule.NotMatched, fmt.Errorf("expr rule %q: evaluate: %w", e.name, err)
	}

	b, ok := out.Value().(bool)
	if !ok {
		return rule.NotMatched, fmt.Errorf("expr rule %q: expression returned %s, want bool", e.name, out.Type().TypeName())
	}
	if b {
		return rule.Matched, nil
	}

	return rule.NotMatched, nil
}

func (e *Expr) Type() string { return TypeExpr }

func (e *Expr) String() string {
	return fmt.Sprintf("%s(%s, %q) -> %s", TypeExpr, e.name, e.source, e.policy)
}

//nolint:ireturn // Following CEL's function signature.
func compile(expression string) (cel.Program, error) {
	celMu.Lock()
	defer celMu.Unlock()

	if celEnv == nil {
		env, err := newEnv()
		if err != nil {
			return nil, err
		}
		celEnv = env
	}

	ast, issues := celEnv.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile expression: %w", issues.Err())
	}

	program, err := celEnv.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("create program: %w", err)
	}

	return program, nil
}

func newEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		ext.Strings(),

		cel.Variable("host", cel.StringType),
		cel.Variable("ip", cel.StringType),
		cel.Variable("port", cel.IntType),
		cel.Variable("network", cel.StringType),
		cel.Variable("protocol", cel.StringType),
		cel.Variable("inbound", cel.StringType),
		cel.Variable("labels", cel.MapType(cel.StringType, cel.StringType)),

		// `inCIDR` reports whether an address is inside a prefix.
		// Example: inCIDR(ip, "192.168.0.0/16").
		cel.Function("inCIDR",
			cel.Overload("in_cidr_string_string", []*cel.Type{cel.StringType, cel.StringType}, cel.BoolType,
				cel.BinaryBinding(func(ip, cidr ref.Val) ref.Val {
					ipValue, ok := ip.(types.String)
					if !ok {
						return types.NewErr("inCIDR: invalid ip value")
					}
					cidrValue, ok := cidr.(types.String)
					if !ok {
						return types.NewErr("inCIDR: invalid cidr value")
					}

					prefix, err := netip.ParsePrefix(string(cidrValue))
					if err != nil {
						return types.NewErr("inCIDR: %v", err)
					}
					addr, err := netip.ParseAddr(string(ipValue))
					if err != nil {
						return types.False
					}

					return types.Bool(prefix.Contains(addr.Unmap()))
				}),
			),
		),

		// `etld1` returns the registrable domain of a host.
		// Example: etld1(host) == "example.co.uk".
		cel.Function("etld1",
			cel.Overload("etld1_string", []*cel.Type{cel.StringType}, cel.StringType,
				cel.UnaryBinding(func(host ref.Val) ref.Val {
					hostValue, ok := host.(types.String)
					if !ok {
						return types.NewErr("etld1: invalid host value")
					}
					_, etld1 := matcher.Normalize(string(hostValue))

					return types.String(etld1)
				}),
			),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return env, nil
}
