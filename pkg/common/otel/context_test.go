package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"
)

func TestTraceAndSpanID(t *testing.T) {
	assert.Equal(t, zeroTraceID, GetTraceID(context.Background()))
	assert.Equal(t, zeroSpanID, GetSpanID(context.Background()))

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01, 0x02},
		SpanID:     trace.SpanID{0x03},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	assert.Equal(t, "01020000000000000000000000000000", GetTraceID(ctx))
	assert.Equal(t, "0300000000000000", GetSpanID(ctx))
}
