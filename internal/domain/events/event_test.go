package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewEvent(t *testing.T) {
	evt := NewEvent(EventTypeMigrationStarted, nil, WithKey("GABC"), WithHeaders(map[string]string{"sdk": "3"}))

	assert.Equal(t, EventTypeMigrationStarted, evt.Type)
	assert.Equal(t, "GABC", evt.Key)
	assert.Equal(t, "3", evt.Headers["sdk"])
	assert.NotNil(t, evt.Payload)
	assert.False(t, evt.Timestamp.IsZero())
	assert.NotEqual(t, NewEvent(EventTypeMigrationStarted, nil).ID, evt.ID)
}

func TestEventTypeCategory(t *testing.T) {
	assert.Equal(t, CategoryBusiness, EventTypeWalletCreationSucceeded.Category())
	assert.Equal(t, CategoryLog, EventTypeMigrationBCVersionCheckFailed.Category())
	assert.Equal(t, CategoryAnalytics, EventTypeMigrationStatusCheckSucceeded.Category())
}

func TestFanout(t *testing.T) {
	var a, b []EventType
	sink := Fanout{
		SinkFunc(func(_ context.Context, e Event) { a = append(a, e.Type) }),
		SinkFunc(func(_ context.Context, e Event) { b = append(b, e.Type) }),
	}

	sink.Emit(context.Background(), NewEvent(EventTypeMigrationFailed, nil))

	assert.Equal(t, []EventType{EventTypeMigrationFailed}, a)
	assert.Equal(t, a, b)
}
