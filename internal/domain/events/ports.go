// Package events provides the telemetry event model shared by the account
// lifecycle and the migration orchestrator, and the sink contract used to
// ship those events to analytics.
package events

import "context"

// Sink receives telemetry events. Emit is fire-and-forget: implementations
// must never block the caller for long and never report failures back.
type Sink interface {
	Emit(ctx context.Context, evt Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, evt Event)

// Emit calls f(ctx, evt).
func (f SinkFunc) Emit(ctx context.Context, evt Event) { f(ctx, evt) }

// Fanout delivers every event to each of the wrapped sinks in order.
type Fanout []Sink

// Emit forwards evt to all sinks.
func (f Fanout) Emit(ctx context.Context, evt Event) {
	for _, s := range f {
		s.Emit(ctx, evt)
	}
}
