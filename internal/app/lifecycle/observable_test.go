package lifecycle

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/wallet-orchestrator/internal/infra/mainloop"
	"github.com/ahrav/wallet-orchestrator/pkg/common/logger"
)

// manualExecutor queues work until the test runs it.
type manualExecutor struct {
	mu    sync.Mutex
	queue []func()
}

func (e *manualExecutor) Execute(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue = append(e.queue, fn)
}

func (e *manualExecutor) runAll() {
	e.mu.Lock()
	q := e.queue
	e.queue = nil
	e.mu.Unlock()
	for _, fn := range q {
		fn()
	}
}

func TestObservable_SlowObserverSeesLatestValue(t *testing.T) {
	exec := new(manualExecutor)
	o := newObservable(0, exec)

	var got []int
	o.subscribe(func(v int) { got = append(got, v) })
	o.set(1)
	o.set(2)
	o.set(3)
	exec.runAll()

	assert.Equal(t, []int{3}, got)

	o.set(4)
	exec.runAll()
	assert.Equal(t, []int{3, 4}, got)
}

func TestObservable_DeliversInAppliedOrder(t *testing.T) {
	log := logger.Noop()
	loop := mainloop.Start(context.Background(), log)
	o := newObservable(0, loop)

	var (
		mu  sync.Mutex
		got []int
	)
	o.subscribe(func(v int) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	})
	for i := 1; i <= 200; i++ {
		o.set(i)
	}
	loop.Close()

	require.NotEmpty(t, got)
	assert.Equal(t, 200, got[len(got)-1])
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1], got[i], "deliveries must follow the applied order")
	}
}

func TestObservable_UnsubscribeDropsQueuedDelivery(t *testing.T) {
	exec := new(manualExecutor)
	o := newObservable("a", exec)

	called := false
	id := o.subscribe(func(string) { called = true })
	assert.True(t, o.unsubscribe(id))
	assert.False(t, o.unsubscribe(id))
	exec.runAll()

	assert.False(t, called)
	assert.Equal(t, 0, o.size())
}
