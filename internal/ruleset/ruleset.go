// Package ruleset loads rule documents and turns them into rules.
package ruleset

import (
	"fmt"
	"io"
	"net/netip"
	"os"

	"github.com/rs/zerolog/log"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/apimachinery/pkg/util/validation/field"
	utilyaml "k8s.io/apimachinery/pkg/util/yaml"

	"rulegate/pkg/rule"
	"rulegate/pkg/rules"
)

// Decode reads a RuleSet in YAML or JSON and validates it.
func Decode(r io.Reader) (*RuleSet, error) {
	var rs RuleSet
	if err := utilyaml.NewYAMLOrJSONDecoder(r, 4096).Decode(&rs); err != nil {
		return nil, fmt.Errorf("decode rule set: %w", err)
	}
	if err := Validate(&rs); err != nil {
		return nil, err
	}

	return &rs, nil
}

// LoadFile decodes the RuleSet stored at path.
func LoadFile(path string) (*RuleSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open rule set: %w", err)
	}
	defer f.Close()

	rs, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return rs, nil
}

// Validate checks the document shape without compiling expressions.
func Validate(rs *RuleSet) error {
	var errs field.ErrorList

	if rs.APIVersion != APIVersion {
		errs = append(errs, field.NotSupported(field.NewPath("apiVersion"), rs.APIVersion, []string{APIVersion}))
	}
	if rs.Kind != Kind {
		errs = append(errs, field.NotSupported(field.NewPath("kind"), rs.Kind, []string{Kind}))
	}
	if rs.Name != "" {
		for _, msg := range validation.IsDNS1123Subdomain(rs.Name) {
			errs = append(errs, field.Invalid(field.NewPath("metadata", "name"), rs.Name, msg))
		}
	}

	rulesPath := field.NewPath("spec", "rules")
	for i, spec := range rs.Spec.Rules {
		errs = append(errs, validateRule(rulesPath.Index(i), spec)...)
	}

	return errs.ToAggregate()
}

func validateRule(path *field.Path, spec RuleSpec) field.ErrorList {
	var errs field.ErrorList

	if spec.Policy == "" {
		errs = append(errs, field.Required(path.Child("policy"), "policy is required"))
	}

	switch spec.Type {
	case rules.TypeDomain:
		if len(spec.Domains) == 0 {
			errs = append(errs, field.Required(path.Child("domains"), "at least one domain is required"))
		}
	case rules.TypeCIDR:
		if len(spec.CIDRs) == 0 {
			errs = append(errs, field.Required(path.Child("cidrs"), "at least one prefix is required"))
		}
		for j, c := range spec.CIDRs {
			if _, err := netip.ParsePrefix(c); err != nil {
				errs = append(errs, field.Invalid(path.Child("cidrs").Index(j), c, err.Error()))
			}
		}
	case rules.TypePort:
		if len(spec.Ports) == 0 {
			errs = append(errs, field.Required(path.Child("ports"), "at least one port is required"))
		}
		for j, p := range spec.Ports {
			if _, err := rules.ParsePortRange(p); err != nil {
				errs = append(errs, field.Invalid(path.Child("ports").Index(j), p, err.Error()))
			}
		}
	case rules.TypeLabel:
		if spec.Selector == nil {
			errs = append(errs, field.Required(path.Child("selector"), "selector is required"))
		}
	case rules.TypeExpr:
		if spec.Expression == "" {
			errs = append(errs, field.Required(path.Child("expression"), "expression is required"))
		}
	case rules.TypeFinal:
	default:
		errs = append(errs, field.NotSupported(path.Child("type"), spec.Type, []string{
			rules.TypeDomain, rules.TypeCIDR, rules.TypePort, rules.TypeLabel, rules.TypeExpr, rules.TypeFinal,
		}))
	}

	return errs
}

// Deps are the collaborators some rule kinds need.
type Deps struct {
	// Resolver is used by cidr rules with resolve set.
	Resolver rules.Resolver
}

// Build turns the document into rules, in document order.
func Build(rs *RuleSet, deps Deps) ([]rule.Rule, error) {
	if err := Validate(rs); err != nil {
		return nil, err
	}

	out := make([]rule.Rule, 0, len(rs.Spec.Rules))
	var errs field.ErrorList
	rulesPath := field.NewPath("spec", "rules")

	for i, spec := range rs.Spec.Rules {
		name := spec.Name
		if name == "" {
			name = fmt.Sprintf("%s-%d", spec.Type, i)
		}

		r, err := buildRule(name, spec, deps)
		if err != nil {
			errs = append(errs, field.Invalid(rulesPath.Index(i), name, err.Error()))
			continue
		}
		out = append(out, r)
	}

	if err := errs.ToAggregate(); err != nil {
		return nil, err
	}

	return out, nil
}

//nolint:ireturn // Rules are consumed through the rule.Rule interface.
func buildRule(name string, spec RuleSpec, deps Deps) (rule.Rule, error) {
	switch spec.Type {
	case rules.TypeDomain:
		return rules.NewDomain(name, spec.Policy, spec.Domains), nil

	case rules.TypeCIDR:
		prefixes := make([]netip.Prefix, 0, len(spec.CIDRs))
		for _, c := range spec.CIDRs {
			p, err := netip.ParsePrefix(c)
			if err != nil {
				return nil, err
			}
			prefixes = append(prefixes, p)
		}
		var res rules.Resolver
		if spec.Resolve {
			if deps.Resolver == nil {
				return nil, fmt.Errorf("cidr rule %q wants resolution but no resolver is configured", name)
			}
			res = deps.Resolver
		}
		return rules.NewCIDR(name, spec.Policy, prefixes, res), nil

	case rules.TypePort:
		ranges := make([]rules.PortRange, 0, len(spec.Ports))
		for _, p := range spec.Ports {
			pr, err := rules.ParsePortRange(p)
			if err != nil {
				return nil, err
			}
			ranges = append(ranges, pr)
		}
		return rules.NewPort(name, spec.Policy, ranges), nil

	case rules.TypeLabel:
		return rules.NewLabel(name, spec.Policy, spec.Selector)

	case rules.TypeExpr:
		return rules.NewExpr(name, spec.Policy, spec.Expression)

	case rules.TypeFinal:
		return rules.NewFinal(name, spec.Policy), nil
	}

	return nil, fmt.Errorf("unknown rule type %q", spec.Type)
}

// Apply appends rs's rules to m in priority order and returns how many were
// added.
func Apply(m *rule.Manager, rs *RuleSet, deps Deps) (int, error) {
	built, err := Build(rs, deps)
	if err != nil {
		return 0, err
	}

	for _, r := range built {
		m.AppendRule(r)
		log.Debug().Str("rule", fmt.Sprint(r)).Msg("rule appended")
	}

	return len(built), nil
}
