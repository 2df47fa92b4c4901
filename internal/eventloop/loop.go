// Package eventloop provides the single goroutine that owns timeline state.
// Transport readers, HTTP completions and timers never touch a timeline
// directly; they post a task here and the loop runs tasks one at a time.
package eventloop

import (
	"context"
	"log/slog"

	"github.com/nfrund/chatsync/internal/domain"
)

const defaultQueue = 1024

// Loop runs posted tasks sequentially on one goroutine.
type Loop struct {
	tasks chan func()
	done  chan struct{}
	ready chan struct{}
}

// New creates a loop. It does nothing until Run is called.
func New() *Loop {
	return &Loop{
		tasks: make(chan func(), defaultQueue),
		done:  make(chan struct{}),
		ready: make(chan struct{}),
	}
}

// Run processes tasks until ctx is cancelled. It must be run in its own
// goroutine and may only be called once.
func (l *Loop) Run(ctx context.Context) {
	close(l.ready)
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			slog.Debug("Event loop stopped", "pending_tasks", len(l.tasks))
			return
		case fn := <-l.tasks:
			l.run(fn)
		}
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event loop task panicked", "panic", r)
		}
	}()
	fn()
}

// Post queues fn. It returns false once the loop has stopped. Tasks must not
// call Do on their own loop.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return domain.ErrChannelClosed
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return domain.ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Started is closed once Run has begun.
func (l *Loop) Started() <-chan struct{} {
	return l.ready
}
