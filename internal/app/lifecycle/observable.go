package lifecycle

import (
	"sync"

	"github.com/google/uuid"

	"github.com/ahrav/wallet-orchestrator/internal/infra/mainloop"
)

// observable holds a value and fans updates out to subscribers through an
// executor. Each subscriber has a single pending slot: when it falls behind,
// intermediate values are overwritten and only the latest one is delivered.
type observable[T any] struct {
	mu    sync.Mutex
	value T
	subs  map[uuid.UUID]*subscriber[T]

	exec mainloop.Executor
}

type subscriber[T any] struct {
	fn        func(T)
	pending   T
	scheduled bool
	removed   bool
}

func newObservable[T any](initial T, exec mainloop.Executor) *observable[T] {
	return &observable[T]{
		value: initial,
		subs:  make(map[uuid.UUID]*subscriber[T]),
		exec:  exec,
	}
}

func (o *observable[T]) get() T {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.value
}

// subscribe registers fn and schedules a replay of the current value.
func (o *observable[T]) subscribe(fn func(T)) uuid.UUID {
	id := uuid.New()
	s := &subscriber[T]{fn: fn, scheduled: true}

	o.mu.Lock()
	s.pending = o.value
	o.subs[id] = s
	o.mu.Unlock()

	o.exec.Execute(func() { o.deliver(s) })
	return id
}

func (o *observable[T]) unsubscribe(id uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, ok := o.subs[id]
	if !ok {
		return false
	}
	s.removed = true
	delete(o.subs, id)
	return true
}

// set stores v and schedules delivery to every subscriber that does not
// already have a delivery queued.
func (o *observable[T]) set(v T) {
	o.mu.Lock()
	o.value = v
	var toSchedule []*subscriber[T]
	for _, s := range o.subs {
		s.pending = v
		if !s.scheduled {
			s.scheduled = true
			toSchedule = append(toSchedule, s)
		}
	}
	o.mu.Unlock()

	for _, s := range toSchedule {
		o.exec.Execute(func() { o.deliver(s) })
	}
}

func (o *observable[T]) deliver(s *subscriber[T]) {
	o.mu.Lock()
	if s.removed {
		o.mu.Unlock()
		return
	}
	v := s.pending
	s.scheduled = false
	o.mu.Unlock()

	s.fn(v)
}

func (o *observable[T]) size() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.subs)
}
