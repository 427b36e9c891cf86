package rules

import (
	"context"
	"fmt"

	"rulegate/pkg/rule"
	"rulegate/pkg/session"
)

// Final matches every session. It belongs at the end of a rule list.
type Final struct {
	base
}

func NewFinal(name, policy string) *Final {
	return &Final{base: base{name: name, policy: policy}}
}

func (f *Final) Match(context.Context, *session.Session) (rule.Verdict, error) {
	return rule.Matched, nil
}

func (f *Final) Type() string { return TypeFinal }

func (f *Final) String() string {
	return fmt.Sprintf("%s(%s) -> %s", TypeFinal, f.name, f.policy)
}
