package metrics

import (
	"errors"
	"time"

	"rulegate/pkg/rule"
	"rulegate/pkg/rules"
)

// Observer records rule matching progress as Prometheus metrics.
type Observer struct{}

var _ rule.Observer = Observer{}

func (Observer) RuleEvaluated(_ int, r rule.Rule, v rule.Verdict, err error, d time.Duration) {
	typ := rules.TypeOf(r)
	verdict := v.String()
	if err != nil {
		verdict = ResultError
	}

	RuleEvaluations.WithLabelValues(typ, verdict).Inc()
	RuleEvaluationDuration.WithLabelValues(typ).Observe(d.Seconds())
}

func (Observer) MatchCompleted(_ rule.Rule, err error, d time.Duration) {
	result := ResultMatched
	switch {
	case errors.Is(err, rule.ErrNoMatch):
		result = ResultNoMatch
	case err != nil:
		result = ResultError
	}

	MatchesTotal.WithLabelValues(result).Inc()
	MatchDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (Observer) MatchCanceled() {
	MatchesTotal.WithLabelValues(ResultCanceled).Inc()
}
