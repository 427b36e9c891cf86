package rule

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"rulegate/pkg/runloop"
	"rulegate/pkg/session"
)

type Option func(*Manager)

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.log = logger
	}
}

func WithObserver(obs Observer) Option {
	return func(m *Manager) {
		if obs != nil {
			m.obs = obs
		}
	}
}

// Manager owns an append-only, priority-ordered list of rules.
type Manager struct {
	loop *runloop.Loop

	// appendMu serializes writers; readers load the snapshot without locking.
	appendMu sync.Mutex
	rules    atomic.Pointer[[]Rule]

	lifetime context.Context
	close    context.CancelFunc

	obs Observer
	log zerolog.Logger
}

// NewManager returns a manager that schedules all of its work on loop.
func NewManager(loop *runloop.Loop, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		loop:     loop,
		lifetime: ctx,
		close:    cancel,
		obs:      nopObserver{},
		log:      zerolog.Nop(),
	}
	m.rules.Store(&[]Rule{})
	for _, opt := range opts {
		opt(m)
	}

	return m
}

// AppendRule adds r at the lowest priority. Matches already in flight keep
// the rule list they started with.
func (m *Manager) AppendRule(r Rule) {
	if r == nil {
		panic(errors.New("rule: AppendRule called with nil rule"))
	}

	m.appendMu.Lock()
	defer m.appendMu.Unlock()

	cur := *m.rules.Load()
	next := make([]Rule, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, r)
	m.rules.Store(&next)
}

// Rules returns the rules in priority order.
func (m *Manager) Rules() []Rule {
	cur := *m.rules.Load()
	out := make([]Rule, len(cur))
	copy(out, cur)

	return out
}

func (m *Manager) Len() int {
	return len(*m.rules.Load())
}

// Runloop returns the loop the manager schedules on.
func (m *Manager) Runloop() *runloop.Loop {
	return m.loop
}

// Match tests s against the rules in order and calls h exactly once on the
// loop goroutine, unless the returned handle is canceled first. Canceling the
// handle after h ran is harmless.
func (m *Manager) Match(s *session.Session, h Handler) *runloop.Cancelable {
	token := runloop.NewCancelable(m.lifetime)
	op := &matchOp{
		loop:    m.loop,
		rules:   *m.rules.Load(),
		session: s,
		token:   token,
		handler: h,
		obs:     m.obs,
		log:     m.log.With().Uint64("session", s.ID).Logger(),
		started: time.Now(),
	}

	if !m.loop.Post(func() { op.step(0) }) {
		op.log.Debug().Msg("runloop stopped, match dropped")
		token.Cancel()
	}

	return token
}

// Close cancels every outstanding match. Handlers of those matches never
// run, and late rule completions are discarded.
func (m *Manager) Close() {
	m.close()
}
