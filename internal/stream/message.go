// Package stream is the reliable event channel between detectors and
// downstream consumers: a batching, signing publisher and an
// at-least-once consumer-group reader over an external append-only log.
package stream

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/sugawarayuuta/sonnet"
)

var (
	ErrQueueFull    = errors.New("stream: in-memory queue capacity exhausted")
	ErrClosed       = errors.New("stream: channel closed")
	ErrThrottled    = errors.New("stream: backpressure gate closed")
	ErrBadEntry     = errors.New("stream: malformed entry")
	ErrBadSig       = errors.New("stream: signature mismatch")
	ErrRetriesSpent = errors.New("stream: publish retry budget exhausted")
)

// Message is one opportunity event handed to the channel by a detector.
// TraceID doubles as the consumer-side dedup key, so producers must
// assign unique ids per logical event.
type Message struct {
	TraceID string  `json:"trace_id"`
	Kind    string  `json:"kind"`
	Key     string  `json:"key"`
	Value   float64 `json:"value"`
	TsMs    int64   `json:"ts_ms"`
	Payload string  `json:"payload,omitempty"`
}

const (
	fieldTraceID = "trace_id"
	fieldKind    = "kind"
	fieldKey     = "key"
	fieldValue   = "value"
	fieldTsMs    = "ts_ms"
	fieldPayload = "payload"
)

// fields flattens the message into the wire format's string field map.
func (m Message) fields() map[string]string {
	f := map[string]string{
		fieldTraceID: m.TraceID,
		fieldKind:    m.Kind,
		fieldKey:     m.Key,
		fieldValue:   strconv.FormatFloat(m.Value, 'g', -1, 64),
		fieldTsMs:    strconv.FormatInt(m.TsMs, 10),
	}
	if m.Payload != "" {
		f[fieldPayload] = m.Payload
	}
	return f
}

func messageFromFields(f map[string]string) (Message, error) {
	m := Message{
		TraceID: f[fieldTraceID],
		Kind:    f[fieldKind],
		Key:     f[fieldKey],
		Payload: f[fieldPayload],
	}
	if m.TraceID == "" {
		return m, fmt.Errorf("%w: missing trace_id", ErrBadEntry)
	}
	v, err := strconv.ParseFloat(f[fieldValue], 64)
	if err != nil {
		return m, fmt.Errorf("%w: bad value %q", ErrBadEntry, f[fieldValue])
	}
	m.Value = v
	ts, err := strconv.ParseInt(f[fieldTsMs], 10, 64)
	if err != nil {
		return m, fmt.Errorf("%w: bad ts_ms %q", ErrBadEntry, f[fieldTsMs])
	}
	m.TsMs = ts
	return m, nil
}

// approxSize feeds the batcher's soft byte cap.
func (m Message) approxSize() int {
	return len(m.TraceID) + len(m.Kind) + len(m.Key) + len(m.Payload) + 32
}

// MarshalJSON-style helpers for archives and demo producers.

func (m Message) EncodeJSON() ([]byte, error) {
	return sonnet.Marshal(m)
}

func DecodeJSON(b []byte) (Message, error) {
	var m Message
	err := sonnet.Unmarshal(b, &m)
	return m, err
}

// encodeFieldsJSON renders a raw field map for dead-letter forensics.
func encodeFieldsJSON(f map[string]string) string {
	b, err := sonnet.Marshal(f)
	if err != nil {
		return "{}"
	}
	return string(b)
}
