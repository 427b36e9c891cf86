package rule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"rulegate/pkg/runloop"
	"rulegate/pkg/session"
)

// matchOp is the state of one Match call. Only the loop goroutine touches it,
// and it is reachable only from the continuations it schedules, so it
// outlives the manager if a rule answers late.
type matchOp struct {
	loop    *runloop.Loop
	rules   []Rule
	session *session.Session
	token   *runloop.Cancelable
	handler Handler
	obs     Observer
	log     zerolog.Logger
	started time.Time
}

func (op *matchOp) step(i int) {
	if op.token.Canceled() {
		op.canceled(i)
		return
	}

	if i >= len(op.rules) {
		op.finish(nil, ErrNoMatch)
		return
	}

	r := op.rules[i]
	ctx := op.token.Context()
	op.loop.Go(ctx, func() func() {
		start := time.Now()
		v, err := evaluate(ctx, r, op.session)
		d := time.Since(start)

		if errors.Is(err, ErrPanicked) {
			op.log.Error().Err(err).Int("rule", i).Msg("rule panicked")
			err = fmt.Errorf("rule %d: %w", i, err)
		}

		return func() { op.verdict(i, r, v, err, d) }
	})
}

// evaluate runs r.Match and reports a panic as an error.
func evaluate(ctx context.Context, r Rule, s *session.Session) (v Verdict, err error) {
	defer func() {
		if p := recover(); p != nil {
			v, err = NotMatched, fmt.Errorf("%w: %v", ErrPanicked, p)
		}
	}()

	return r.Match(ctx, s)
}

func (op *matchOp) verdict(i int, r Rule, v Verdict, err error, d time.Duration) {
	if op.token.Canceled() {
		op.canceled(i)
		return
	}

	op.obs.RuleEvaluated(i, r, v, err, d)

	switch {
	case err != nil:
		op.log.Debug().Err(err).Int("rule", i).Msg("rule failed")
		op.finish(nil, err)
	case v == Matched:
		op.log.Debug().Int("rule", i).Msg("rule matched")
		op.finish(r, nil)
	default:
		op.step(i + 1)
	}
}

func (op *matchOp) finish(r Rule, err error) {
	// The token is released only after the handler ran so that waiters
	// selecting on it see the result first.
	defer op.token.Cancel()

	op.obs.MatchCompleted(r, err, time.Since(op.started))
	op.handler(r, err)
}

func (op *matchOp) canceled(i int) {
	op.log.Debug().Int("rule", i).Msg("match canceled")
	op.obs.MatchCanceled()
}
