// Package events consumes record lifecycle events from Kafka and applies them to the record store.
//
// Each topic is served by a Consumer bound to one Handler. Consumers deduplicate events through a Cache
// before calling the handler, throttle themselves with a rate limiter and commit offsets after handling.
package events

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// ErrMalformedEvent is returned when an event envelope or its payload cannot be decoded.
var ErrMalformedEvent = errors.New("malformed event")

// Event is the envelope of every consumed message.
//
// EventPayload is either a JSON document embedded as a string, or base64 of its gzip compression.
type Event struct {
	ID           string `json:"id"`
	EventType    string `json:"eventType"`
	EventPayload string `json:"eventPayload"`
	Tenant       string `json:"tenant,omitempty"`
}

// DecodeEvent parses an event envelope.
func DecodeEvent(data []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}

	if event.ID == "" {
		return nil, fmt.Errorf("%w: event id is empty", ErrMalformedEvent)
	}

	return &event, nil
}

// DecodePayload unmarshals the event payload into v.
func (e *Event) DecodePayload(v any) error {
	data, err := payloadBytes(e.EventPayload)
	if err != nil {
		return fmt.Errorf("%w: event %s: %w", ErrMalformedEvent, e.ID, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: event %s: %w", ErrMalformedEvent, e.ID, err)
	}

	return nil
}

// EncodePayload marshals v into an event payload, gzip-compressed and base64-encoded when compress is set.
func EncodePayload(v any, compress bool) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}

	if !compress {
		return string(data), nil
	}

	var buf bytes.Buffer

	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return "", err
	}

	if err := zw.Close(); err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func payloadBytes(payload string) ([]byte, error) {
	trimmed := bytes.TrimSpace([]byte(payload))
	if len(trimmed) == 0 {
		return nil, errors.New("payload is empty")
	}

	if trimmed[0] == '{' || trimmed[0] == '[' {
		return trimmed, nil
	}

	raw, err := base64.StdEncoding.DecodeString(string(trimmed))
	if err != nil {
		return nil, fmt.Errorf("payload is neither JSON nor base64: %w", err)
	}

	// gzip magic number
	if len(raw) < 2 || raw[0] != 0x1f || raw[1] != 0x8b {
		return raw, nil
	}

	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = zr.Close()
	}()

	return io.ReadAll(zr)
}
