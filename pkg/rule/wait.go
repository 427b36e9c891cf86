package rule

import (
	"context"
	"fmt"

	"rulegate/pkg/runloop"
	"rulegate/pkg/session"
)

type result struct {
	rule Rule
	err  error
}

// MatchContext runs m.Match and waits for its outcome. When ctx is done the
// match is canceled and ctx's error is returned. If the manager's loop stops
// before the match finishes, runloop.ErrStopped is returned.
func MatchContext(ctx context.Context, m *Manager, s *session.Session) (Rule, error) {
	ch := make(chan result, 1)
	handle := m.Match(s, func(r Rule, err error) {
		ch <- result{rule: r, err: err}
	})
	defer handle.Cancel()

	select {
	case res := <-ch:
		return res.rule, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("match session %d: %w", s.ID, ctx.Err())
	case <-handle.Done():
		// The handle is also released right after the handler ran.
		return delivered(ch, ErrCanceled)
	case <-m.loop.Done():
		return delivered(ch, fmt.Errorf("match session %d: %w", s.ID, runloop.ErrStopped))
	}
}

func delivered(ch <-chan result, otherwise error) (Rule, error) {
	select {
	case res := <-ch:
		return res.rule, res.err
	default:
		return nil, otherwise
	}
}
