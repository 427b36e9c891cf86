package runloop_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulegate/pkg/runloop"
)

func startLoop(t *testing.T, opts ...runloop.Option) *runloop.Loop {
	t.Helper()

	l := runloop.New(opts...)
	go func() {
		_ = l.Run(context.Background())
	}()
	t.Cleanup(func() {
		l.Stop()
		<-l.Done()
	})

	return l
}

func TestLoop_PostRunsInOrder(t *testing.T) {
	t.Parallel()

	l := startLoop(t)

	var (
		mu  sync.Mutex
		got []int
	)
	done := make(chan struct{})
	for i := range 100 {
		require.True(t, l.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			if i == 99 {
				close(done)
			}
		}))
	}

	<-done
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestLoop_PostFromTask(t *testing.T) {
	t.Parallel()

	l := startLoop(t)
	done := make(chan struct{})

	l.Post(func() {
		l.Post(func() {
			close(done)
		})
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nested post never ran")
	}
}

func TestLoop_StopDrainsQueue(t *testing.T) {
	t.Parallel()

	l := runloop.New()
	var ran atomic.Int32
	for range 10 {
		l.Post(func() { ran.Add(1) })
	}
	l.Stop()

	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, int32(10), ran.Load())
	assert.False(t, l.Post(func() {}))
}

func TestLoop_RunTwice(t *testing.T) {
	t.Parallel()

	l := runloop.New()
	l.Stop()
	require.NoError(t, l.Run(context.Background()))
	require.ErrorIs(t, l.Run(context.Background()), runloop.ErrRunning)
}

func TestLoop_RunContextCanceled(t *testing.T) {
	t.Parallel()

	l := runloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()

	cancel()
	err := <-errc
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, l.Post(func() {}))
}

func TestLoop_RecoversPanics(t *testing.T) {
	t.Parallel()

	l := startLoop(t)
	done := make(chan struct{})

	l.Post(func() { panic("boom") })
	l.Post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop died after panic")
	}
}

func TestLoop_GoPostsContinuation(t *testing.T) {
	t.Parallel()

	l := startLoop(t)
	result := make(chan int, 1)

	l.Go(context.Background(), func() func() {
		v := 42
		return func() { result <- v }
	})

	select {
	case v := <-result:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("continuation never posted")
	}
}

func TestLoop_GoRecoversPanics(t *testing.T) {
	t.Parallel()

	l := startLoop(t, runloop.WithMaxInflight(1))

	var continued atomic.Bool
	l.Go(context.Background(), func() func() {
		panic("boom")
	})
	l.Go(context.Background(), func() func() {
		return func() { continued.Store(true) }
	})

	// The second work only runs if the panicking one gave its slot back.
	require.Eventually(t, continued.Load, time.Second, 5*time.Millisecond)
}

func TestLoop_GoBoundsConcurrency(t *testing.T) {
	t.Parallel()

	l := startLoop(t, runloop.WithMaxInflight(2))

	var (
		cur, peak atomic.Int32
		wg        sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		l.Go(context.Background(), func() func() {
			n := cur.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			cur.Add(-1)
			return wg.Done
		})
	}

	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestLoop_GoSkipsWorkWhenCanceled(t *testing.T) {
	t.Parallel()

	l := startLoop(t, runloop.WithMaxInflight(1))
	release := make(chan struct{})
	started := make(chan struct{})

	l.Go(context.Background(), func() func() {
		close(started)
		<-release
		return nil
	})
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	l.Go(ctx, func() func() {
		ran.Store(true)
		return nil
	})
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(release)
	time.Sleep(20 * time.Millisecond)

	assert.False(t, ran.Load())
}

func TestCancelable(t *testing.T) {
	t.Parallel()

	parent, cancelParent := context.WithCancel(context.Background())
	c := runloop.NewCancelable(parent)
	assert.False(t, c.Canceled())

	cancelParent()
	<-c.Done()
	assert.True(t, c.Canceled())

	c2 := runloop.NewCancelable(context.Background())
	c2.Cancel()
	c2.Cancel()
	assert.True(t, c2.Canceled())
	require.ErrorIs(t, c2.Context().Err(), context.Canceled)
}
