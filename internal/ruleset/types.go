package ruleset

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"rulegate/pkg/rules"
)

const (
	APIVersion = "rulegate.dev/v1alpha1"
	Kind       = "RuleSet"

	PolicyBlock  = "block"
	PolicyDirect = "direct"
	PolicyDoH    = "doh"
)

// RuleSet is the document rules are loaded from. Rules are listed highest
// priority first.
type RuleSet struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec RuleSetSpec `json:"spec"`
}

type RuleSetSpec struct {
	// DefaultPolicy applies when no rule matches.
	DefaultPolicy string     `json:"defaultPolicy,omitempty"`
	Rules         []RuleSpec `json:"rules"`
}

// RuleSpec describes one rule. Which fields apply depends on Type.
type RuleSpec struct {
	Name   string `json:"name,omitempty"`
	Type   string `json:"type"`
	Policy string `json:"policy"`

	Domains    []string              `json:"domains,omitempty"`
	CIDRs      []string              `json:"cidrs,omitempty"`
	Resolve    bool                  `json:"resolve,omitempty"`
	Ports      []string              `json:"ports,omitempty"`
	Selector   *metav1.LabelSelector `json:"selector,omitempty"`
	Expression string                `json:"expression,omitempty"`
}

// BlockAll returns the fail-closed rule set that routes every session to
// policy.
func BlockAll(policy string) *RuleSet {
	return &RuleSet{
		TypeMeta:   metav1.TypeMeta{APIVersion: APIVersion, Kind: Kind},
		ObjectMeta: metav1.ObjectMeta{Name: "block-all"},
		Spec: RuleSetSpec{
			DefaultPolicy: policy,
			Rules: []RuleSpec{
				{Name: "block-all", Type: rules.TypeFinal, Policy: policy},
			},
		},
	}
}

// Empty returns a rule set without rules; every session gets the default
// policy.
func Empty() *RuleSet {
	return &RuleSet{
		TypeMeta:   metav1.TypeMeta{APIVersion: APIVersion, Kind: Kind},
		ObjectMeta: metav1.ObjectMeta{Name: "empty"},
	}
}
