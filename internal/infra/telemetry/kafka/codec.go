package kafka

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ahrav/wallet-orchestrator/internal/domain/events"
)

// Envelope field names of an encoded event.
const (
	fieldID        = "id"
	fieldType      = "type"
	fieldCategory  = "category"
	fieldKey       = "key"
	fieldTimestamp = "timestamp"
	fieldHeaders   = "headers"
	fieldPayload   = "payload"
)

// EncodeEvent serializes evt as a protobuf Struct envelope, which analytics
// consumers decode without sharing Go types.
func EncodeEvent(evt events.Event) ([]byte, error) {
	headers := make(map[string]any, len(evt.Headers))
	for k, v := range evt.Headers {
		headers[k] = v
	}

	envelope, err := structpb.NewStruct(map[string]any{
		fieldID:        evt.ID.String(),
		fieldType:      string(evt.Type),
		fieldCategory:  string(evt.Category()),
		fieldKey:       evt.Key,
		fieldTimestamp: evt.Timestamp.UTC().Format(time.RFC3339Nano),
		fieldHeaders:   headers,
		fieldPayload:   evt.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build event envelope: %w", err)
	}

	data, err := proto.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event envelope: %w", err)
	}
	return data, nil
}

// DecodeEvent parses an envelope produced by EncodeEvent. Payload numbers
// come back as float64, as with any JSON-like encoding.
func DecodeEvent(data []byte) (events.Event, error) {
	var envelope structpb.Struct
	if err := proto.Unmarshal(data, &envelope); err != nil {
		return events.Event{}, fmt.Errorf("failed to unmarshal event envelope: %w", err)
	}
	fields := envelope.GetFields()

	id, err := uuid.Parse(fields[fieldID].GetStringValue())
	if err != nil {
		return events.Event{}, fmt.Errorf("invalid event id: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, fields[fieldTimestamp].GetStringValue())
	if err != nil {
		return events.Event{}, fmt.Errorf("invalid event timestamp: %w", err)
	}

	var headers map[string]string
	if h := fields[fieldHeaders].GetStructValue(); h != nil && len(h.GetFields()) > 0 {
		headers = make(map[string]string, len(h.GetFields()))
		for k, v := range h.GetFields() {
			headers[k] = v.GetStringValue()
		}
	}

	payload := map[string]any{}
	if p := fields[fieldPayload].GetStructValue(); p != nil {
		payload = p.AsMap()
	}

	return events.Event{
		ID:        id,
		Type:      events.EventType(fields[fieldType].GetStringValue()),
		Key:       fields[fieldKey].GetStringValue(),
		Headers:   headers,
		Timestamp: ts,
		Payload:   payload,
	}, nil
}
