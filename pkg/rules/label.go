package rules

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"

	"rulegate/pkg/rule"
	"rulegate/pkg/session"
)

// Label matches sessions whose labels satisfy a Kubernetes label selector.
type Label struct {
	base
	selector labels.Selector
}

func NewLabel(name, policy string, sel *metav1.LabelSelector) (*Label, error) {
	selector, err := metav1.LabelSelectorAsSelector(sel)
	if err != nil {
		return nil, fmt.Errorf("label rule %q: %w", name, err)
	}

	return &Label{base: base{name: name, policy: policy}, selector: selector}, nil
}

func (l *Label) Match(_ context.Context, s *session.Session) (rule.Verdict, error) {
	if l.selector.Matches(labels.Set(s.Labels)) {
		return rule.Matched, nil
	}

	return rule.NotMatched, nil
}

func (l *Label) Type() string { return TypeLabel }

func (l *Label) String() string {
	return fmt.Sprintf("%s(%s, %s) -> %s", TypeLabel, l.name, l.selector.String(), l.policy)
}
