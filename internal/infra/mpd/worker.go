package mpd

import (
	"context"
	"sync"
)

// Future is the pending result of a submitted task.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) complete(v T, err error) {
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
	})
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Await waits for the result. Giving up on ctx does not cancel the task
// once it is running.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

type task struct {
	run  func(workerCtx context.Context)
	fail func(err error)
}

// Submit queues fn on the client's command worker. Tasks run one at a time
// in submission order. fn receives a context canceled by either ctx or
// Close; a task whose ctx is done before it starts is skipped.
func Submit[T any](ctx context.Context, c *Client, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := newFuture[T]()
	c.enqueue(task{
		run: func(workerCtx context.Context) {
			if err := ctx.Err(); err != nil {
				var zero T
				f.complete(zero, err)
				return
			}
			tctx, cancel := context.WithCancel(ctx)
			stop := context.AfterFunc(workerCtx, cancel)
			defer stop()
			defer cancel()

			v, err := fn(tctx)
			if err != nil && workerCtx.Err() != nil {
				err = ErrClosed
			}
			f.complete(v, err)
		},
		fail: func(err error) {
			var zero T
			f.complete(zero, err)
		},
	})
	return f
}

func (c *Client) enqueue(t task) {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		t.fail(ErrClosed)
		return
	case !c.started:
		c.mu.Unlock()
		t.fail(ErrNotConnected)
		return
	}
	c.pending = append(c.pending, t)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) worker(ctx context.Context) {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.mu.Unlock()
			select {
			case <-c.wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		t := c.pending[0]
		c.pending[0] = task{}
		c.pending = c.pending[1:]
		c.mu.Unlock()

		t.run(ctx)
	}
}
