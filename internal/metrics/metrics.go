package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueriesTotal counts DNS queries received
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dns_queries_total",
			Help: "Total number of DNS queries received",
		},
		[]string{"protocol"},
	)

	// QueriesByPolicy counts DNS queries by the policy that was applied
	QueriesByPolicy = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dns_queries_policy_total",
			Help: "Total number of DNS queries by applied policy",
		},
		[]string{"protocol", "policy"},
	)

	// ErrorsTotal counts errors by type
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dns_errors_total",
			Help: "Total number of DNS errors by type",
		},
		[]string{"type", "protocol"},
	)

	// QueryDuration tracks DNS query processing duration
	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dns_query_duration_seconds",
			Help:    "DNS query processing duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol", "policy"},
	)

	// RuleEvaluations counts single rule evaluations by rule type and outcome
	RuleEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rule_evaluations_total",
			Help: "Total number of rule evaluations by rule type and verdict",
		},
		[]string{"type", "verdict"},
	)

	// RuleEvaluationDuration tracks how long single rules take
	RuleEvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rule_evaluation_duration_seconds",
			Help:    "Rule evaluation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// MatchesTotal counts finished matches by result
	MatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rule_matches_total",
			Help: "Total number of rule matching passes by result",
		},
		[]string{"result"},
	)

	// MatchDuration tracks a full matching pass
	MatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rule_match_duration_seconds",
			Help:    "Rule matching pass duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	// RulesLoaded reports the number of rules in the active manager
	RulesLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rules_loaded",
			Help: "Number of rules loaded",
		},
	)
)

// Error type constants
const (
	ErrorTypeParse           = "parse"
	ErrorTypeMatch           = "match"
	ErrorTypeUpstreamDial    = "upstream_dial"
	ErrorTypeUpstreamWrite   = "upstream_write"
	ErrorTypeUpstreamRead    = "upstream_read"
	ErrorTypeUpstreamTimeout = "upstream_timeout"
	ErrorTypeDoH             = "doh"
	ErrorTypeClientWrite     = "client_write"
	ErrorTypeRuleSetFetch    = "ruleset_fetch"
)

// Match result labels
const (
	ResultMatched  = "matched"
	ResultNoMatch  = "no_match"
	ResultError    = "error"
	ResultCanceled = "canceled"
)
