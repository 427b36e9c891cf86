package runloop

import "context"

// Cancelable is a cancellation token scoped to one asynchronous operation.
// Canceling it also cancels everything derived from its context.
type Cancelable struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewCancelable returns a token that is canceled when parent is, or when
// Cancel is called, whichever comes first.
func NewCancelable(parent context.Context) *Cancelable {
	ctx, cancel := context.WithCancel(parent)

	return &Cancelable{ctx: ctx, cancel: cancel}
}

// Cancel is idempotent and safe to call from any goroutine.
func (c *Cancelable) Cancel() {
	c.cancel()
}

func (c *Cancelable) Canceled() bool {
	return c.ctx.Err() != nil
}

func (c *Cancelable) Context() context.Context {
	return c.ctx
}

func (c *Cancelable) Done() <-chan struct{} {
	return c.ctx.Done()
}
