// Package rule decides which rule, and therefore which policy, applies to a
// session.
//
// A [Manager] holds rules in priority order and tests a session against them
// one at a time. Each rule may do blocking work (DNS lookups, expression
// evaluation); the manager runs it off its [runloop.Loop] and resumes the scan
// on the loop once the rule answers. The first rule to match wins. A rule
// error ends the scan, and exhausting the list yields [ErrNoMatch].
package rule

import (
	"context"
	"errors"
	"time"

	"rulegate/pkg/session"
)

var (
	// ErrNoMatch is reported when no rule matched the session.
	ErrNoMatch = errors.New("rule: no rule matched")
	// ErrCanceled is returned by MatchContext when the match was canceled
	// by something other than its own context, such as Manager.Close.
	ErrCanceled = errors.New("rule: match canceled")
	// ErrPanicked wraps the value a rule panicked with. The panic ends the
	// scan like any other rule error.
	ErrPanicked = errors.New("rule: panicked")
)

type Verdict uint8

const (
	NotMatched Verdict = iota
	Matched
)

func (v Verdict) String() string {
	if v == Matched {
		return "matched"
	}

	return "not_matched"
}

// Rule decides whether a session belongs to it. Match may block; it should
// return promptly once ctx is done.
type Rule interface {
	Match(ctx context.Context, s *session.Session) (Verdict, error)
}

// Handler receives the outcome of Manager.Match: the matched rule, or an
// error that is ErrNoMatch or the failing rule's own error.
type Handler func(Rule, error)

// Observer is notified of match progress on the loop goroutine.
type Observer interface {
	RuleEvaluated(index int, r Rule, v Verdict, err error, d time.Duration)
	MatchCompleted(r Rule, err error, d time.Duration)
	MatchCanceled()
}

type nopObserver struct{}

func (nopObserver) RuleEvaluated(int, Rule, Verdict, error, time.Duration) {}
func (nopObserver) MatchCompleted(Rule, error, time.Duration)              {}
func (nopObserver) MatchCanceled()                                         {}
