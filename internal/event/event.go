// Package event defines the inbound domain event the pipeline consumes
// from the broker and evaluates against rules.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is a single domain event produced by an upstream system (a
// trade fill, a sensor reading, a metric sample, ...). It is immutable
// once constructed from a broker message.
type Event struct {
	EventID     string                 `json:"event_id"`
	EventType   string                 `json:"event_type"`
	ContextKey  string                 `json:"context_key"`
	Timestamp   time.Time              `json:"timestamp"`
	Data        map[string]interface{} `json:"data"`
}

// wireEvent mirrors the broker message body. ContextKey and Timestamp
// are optional on the wire and are defaulted by FromJSON.
type wireEvent struct {
	EventID    string                 `json:"event_id"`
	EventType  string                 `json:"event_type"`
	ContextKey string                 `json:"context_key"`
	Timestamp  string                 `json:"timestamp"`
	Data       map[string]interface{} `json:"data"`
}

// FromJSON decodes a broker message body into an Event. event_type is
// required; context_key defaults to event_type when absent; timestamp
// defaults to the ingestion time (now) when absent or unparseable.
// Unknown fields in the payload are ignored.
func FromJSON(body []byte, now time.Time) (*Event, error) {
	var w wireEvent
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if w.EventType == "" {
		return nil, fmt.Errorf("decode event: missing event_type")
	}
	if w.EventID == "" {
		return nil, fmt.Errorf("decode event: missing event_id")
	}

	ctxKey := w.ContextKey
	if ctxKey == "" {
		ctxKey = w.EventType
	}

	ts := now.UTC()
	if w.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, w.Timestamp); err == nil {
			ts = parsed.UTC()
		}
	}

	data := w.Data
	if data == nil {
		data = map[string]interface{}{}
	}

	return &Event{
		EventID:    w.EventID,
		EventType:  w.EventType,
		ContextKey: ctxKey,
		Timestamp:  ts,
		Data:       data,
	}, nil
}

// ToJSON serializes the event back to its wire shape, used when
// appending to the context window.
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}
