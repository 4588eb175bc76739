// Package mainloop provides the single sequencing context on which all
// observer and caller callbacks are delivered, so application code never
// sees two callbacks running at once.
package mainloop

import (
	"context"
	"sync"

	"github.com/ahrav/wallet-orchestrator/pkg/common/logger"
)

// Executor runs submitted functions in submission order, one at a time.
type Executor interface {
	Execute(fn func())
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(fn func())

// Execute calls f(fn).
func (f ExecutorFunc) Execute(fn func()) { f(fn) }

// Inline runs every function on the calling goroutine. It is meant for
// callers that already serialize their own work.
var Inline Executor = ExecutorFunc(func(fn func()) { fn() })

// Loop is a single goroutine draining an unbounded FIFO of functions.
// Execute never blocks the submitter.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}

	logger *logger.Logger
}

// New creates a Loop. Call Run to start draining it.
func New(log *logger.Logger) *Loop {
	return &Loop{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: log.With("component", "main_loop"),
	}
}

// Start creates a Loop and runs it on its own goroutine until ctx is done
// or Close is called.
func Start(ctx context.Context, log *logger.Logger) *Loop {
	l := New(log)
	go l.Run(ctx)
	return l
}

// Execute enqueues fn. Functions submitted after Close are dropped.
func (l *Loop) Execute(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.logger.Debug(context.Background(), "main loop closed, dropping callback")
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx is cancelled or the loop is closed and
// empty. It must be called at most once.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	l.logger.Debug(ctx, "main loop started")

	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		closed := l.closed
		l.mu.Unlock()

		for _, fn := range batch {
			l.invoke(ctx, fn)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			l.logger.Debug(ctx, "main loop drained and stopped")
			return
		}

		select {
		case <-ctx.Done():
			l.logger.Debug(ctx, "main loop context done", "error", ctx.Err())
			return
		case <-l.wake:
		}
	}
}

func (l *Loop) invoke(ctx context.Context, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error(ctx, "callback panicked on main loop", "panic", r)
		}
	}()
	fn()
}

// Close stops accepting work and waits until every queued function has run.
// The loop must be running.
func (l *Loop) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
	}
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.done
}
