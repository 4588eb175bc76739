// Package memory provides in-process telemetry sinks.
package memory

import (
	"context"
	"sync"

	"github.com/ahrav/wallet-orchestrator/internal/domain/events"
	"github.com/ahrav/wallet-orchestrator/pkg/common/logger"
)

var (
	_ events.Sink = (*Recorder)(nil)
	_ events.Sink = (*LogSink)(nil)
)

// Recorder keeps every emitted event, newest last, up to a bounded window.
// The HTTP surface reads it to show recent telemetry.
type Recorder struct {
	mu     sync.RWMutex
	limit  int
	events []events.Event
}

// NewRecorder creates a Recorder retaining at most limit events. A limit of
// zero or less keeps everything.
func NewRecorder(limit int) *Recorder { return &Recorder{limit: limit} }

// Emit records evt.
func (r *Recorder) Emit(_ context.Context, evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, evt)
	if r.limit > 0 && len(r.events) > r.limit {
		r.events = append(r.events[:0:0], r.events[len(r.events)-r.limit:]...)
	}
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []events.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]events.Event(nil), r.events...)
}

// Count returns how many recorded events have type t.
func (r *Recorder) Count(t events.EventType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// Reset drops everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// LogSink writes each event as a structured log line.
type LogSink struct{ logger *logger.Logger }

// NewLogSink creates a LogSink.
func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{logger: log.With("component", "telemetry")}
}

// Emit logs evt. Failure events are logged at warn level.
func (s *LogSink) Emit(ctx context.Context, evt events.Event) {
	args := []any{
		"event_id", evt.ID.String(),
		"event_type", string(evt.Type),
		"category", string(evt.Category()),
	}
	if evt.Key != "" {
		args = append(args, "key", evt.Key)
	}
	for k, v := range evt.Payload {
		args = append(args, k, v)
	}

	if evt.Category() == events.CategoryLog {
		s.logger.Warn(ctx, "telemetry event", args...)
		return
	}
	s.logger.Info(ctx, "telemetry event", args...)
}
