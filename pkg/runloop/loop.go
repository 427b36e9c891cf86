// Package runloop provides the scheduling context that rule matching runs on:
// a single goroutine that executes posted continuations one at a time, plus a
// bounded way to run blocking work off that goroutine.
package runloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

const DefaultMaxInflight = 64

var (
	ErrStopped = errors.New("runloop: stopped")
	ErrRunning = errors.New("runloop: already running")
)

type Option func(*Loop)

// WithMaxInflight bounds how many Go work functions may run at once.
func WithMaxInflight(n int64) Option {
	return func(l *Loop) {
		if n > 0 {
			l.sem = semaphore.NewWeighted(n)
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Loop) {
		l.log = logger
	}
}

// Loop runs posted tasks serially, in the order they were posted.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake    chan struct{}
	done    chan struct{}
	running atomic.Bool

	sem *semaphore.Weighted
	log zerolog.Logger
}

func New(opts ...Option) *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		sem:  semaphore.NewWeighted(DefaultMaxInflight),
		log:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Run processes tasks until Stop is called and the queue is drained, or until
// ctx is done. It may only be called once. When ctx ends Run, queued tasks are
// discarded without running; callers waiting on them should watch Done.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer close(l.done)

	for {
		l.mu.Lock()
		tasks := l.queue
		l.queue = nil
		stopped := l.stopped
		l.mu.Unlock()

		for _, task := range tasks {
			l.exec(task)
		}

		if len(tasks) > 0 {
			continue
		}
		if stopped {
			return nil
		}

		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.stopped = true
			l.queue = nil
			l.mu.Unlock()

			return fmt.Errorf("runloop: %w", ctx.Err())
		case <-l.wake:
		}
	}
}

func (l *Loop) exec(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Interface("panic", r).Msg("recovered panic in runloop task")
		}
	}()

	task()
}

// Post schedules fn to run on the loop goroutine. It never blocks and returns
// false if the loop has been stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}

	return true
}

// Go runs work on its own goroutine once a slot is free and posts the
// continuation it returns back onto the loop. If ctx is done before a slot is
// acquired the work is skipped. A nil continuation is dropped, and so is the
// continuation of work that panicked.
func (l *Loop) Go(ctx context.Context, work func() func()) {
	go func() {
		if err := l.sem.Acquire(ctx, 1); err != nil {
			l.log.Debug().Err(err).Msg("skipping work, context done before slot was free")
			return
		}

		cont := l.work(work)
		if cont == nil {
			return
		}
		if !l.Post(cont) {
			l.log.Debug().Msg("dropping continuation, runloop stopped")
		}
	}()
}

func (l *Loop) work(work func() func()) (cont func()) {
	defer l.sem.Release(1)
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Interface("panic", r).Msg("recovered panic in runloop work")
			cont = nil
		}
	}()

	return work()
}

// Stop prevents further posts. Tasks already queued still run.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
