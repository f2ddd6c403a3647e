// Package event defines the normalized log event and the timestamp and
// message resolution rules applied to every parsed log record.
package event

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// millisThreshold separates epoch seconds from epoch milliseconds: any
// numeric timestamp above it is already in milliseconds.
const millisThreshold = int64(1_000_000_000_000)

// Event is a normalized log event. Message is either a string or the decoded
// JSON structure; structured messages are serialized only at transport time.
type Event struct {
	TimestampMS int64
	Message     any
}

// transportMetadataFields are stripped from a record when synthesizing a
// message for records that carry no message field of their own.
var transportMetadataFields = map[string]bool{
	"cluster_id":       true,
	"namespace":        true,
	"application":      true,
	"pod_name":         true,
	"ingest_timestamp": true,
	"timestamp":        true,
	"kubernetes":       true,
}

// MessageText renders the message for the wire. Strings pass through
// verbatim, everything else is serialized as JSON text.
func (e *Event) MessageText() string {
	switch msg := e.Message.(type) {
	case string:
		return msg
	default:
		b, err := json.Marshal(msg)
		if err != nil {
			return fmt.Sprintf("%v", msg)
		}
		return string(b)
	}
}

// ToMillis normalizes a numeric epoch timestamp to milliseconds. This is the
// single seconds-vs-milliseconds detector used everywhere a timestamp is
// compared.
func ToMillis(v int64) int64 {
	if v > millisThreshold {
		return v
	}
	return v * 1000
}

// ResolveTimestamp converts a record's timestamp value to epoch milliseconds.
// Numeric values go through the seconds/milliseconds detector, strings are
// parsed as ISO-8601, and anything unparseable falls back to the current
// wall clock.
func ResolveTimestamp(v any, logger *slog.Logger) int64 {
	switch ts := v.(type) {
	case string:
		parsed, err := parseISOTimestamp(ts)
		if err == nil {
			return parsed.UnixMilli()
		}
		if logger != nil {
			logger.Warn("failed to parse timestamp string, using current time",
				"timestamp", ts,
				"error", err)
		}
		return time.Now().UnixMilli()

	case float64:
		return clamp(ToMillis64(ts))

	case int64:
		return clamp(ToMillis(ts))

	case int:
		return clamp(ToMillis(int64(ts)))

	case json.Number:
		// Integer path first: large millisecond values lose precision
		// through float64.
		if i, err := ts.Int64(); err == nil {
			return clamp(ToMillis(i))
		}
		if f, err := ts.Float64(); err == nil {
			return clamp(ToMillis64(f))
		}
		return time.Now().UnixMilli()

	default:
		if logger != nil {
			logger.Warn("unknown timestamp type, using current time",
				"type", fmt.Sprintf("%T", v),
				"value", v)
		}
		return time.Now().UnixMilli()
	}
}

// ToMillis64 is the float variant of the milliseconds detector.
func ToMillis64(v float64) int64 {
	if v > float64(millisThreshold) {
		return int64(v)
	}
	return int64(v * 1000)
}

// clamp rejects negative timestamps; they cannot be delivered downstream.
func clamp(ms int64) int64 {
	if ms < 0 {
		return time.Now().UnixMilli()
	}
	return ms
}

// Normalize converts a decoded log record into an Event. Records that are
// not JSON objects yield no event and are dropped by the caller.
func Normalize(record any, logger *slog.Logger) *Event {
	obj, ok := record.(map[string]any)
	if !ok {
		if logger != nil {
			logger.Warn("log record is not an object", "type", fmt.Sprintf("%T", record))
		}
		return nil
	}

	// Records without a timestamp keep zero; the deliverer substitutes the
	// source object's modification time.
	var timestampMS int64
	if ts, ok := obj["timestamp"]; ok {
		timestampMS = ResolveTimestamp(ts, logger)
	}

	var message any
	if msg, ok := obj["message"]; ok {
		// Verbatim, structure preserved.
		message = msg
	} else {
		// No message field: use the record minus transport metadata.
		clean := make(map[string]any, len(obj))
		for k, v := range obj {
			if !transportMetadataFields[k] {
				clean[k] = v
			}
		}
		message = clean
	}

	return &Event{
		TimestampMS: timestampMS,
		Message:     message,
	}
}

// parseISOTimestamp parses ISO-8601 timestamp strings, tolerating both a
// trailing Z and an explicit offset.
func parseISOTimestamp(ts string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unable to parse timestamp %q", ts)
}
