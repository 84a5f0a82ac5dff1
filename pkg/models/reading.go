package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Status is the three-tier safety classification derived from a Reading.
// The string values are the wire contract consumed by dashboard clients;
// they must never change spelling or case.
type Status string

const (
	StatusSafe    Status = "SAFE"
	StatusWarning Status = "WARNING"
	StatusDanger  Status = "DANGER"
)

// Level returns the numeric severity (1..3) that accompanies the status
// on the wire. Unknown statuses report 0.
func (s Status) Level() int {
	switch s {
	case StatusSafe:
		return 1
	case StatusWarning:
		return 2
	case StatusDanger:
		return 3
	default:
		return 0
	}
}

// ErrBadPayload marks an ingest payload that could not be coerced into a
// Reading. It is the only validation failure; out-of-range numeric values
// are clamped, not rejected.
var ErrBadPayload = errors.New("bad sensor payload")

// Reading is one sensor sample. Timestamp is unix seconds, assigned by
// the server at the moment the sample is accepted, never by the device.
// A Reading is immutable once created.
type Reading struct {
	Smoke       int     `json:"smoke"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Timestamp   int64   `json:"timestamp"`
}

// ClassifiedReading is a Reading plus its derived classification. If a
// ClassifiedReading is persisted, reclassifying its Reading must
// reproduce Status exactly; classification has no other inputs.
type ClassifiedReading struct {
	Reading
	Status Status `json:"status"`
	Level  int    `json:"level"`
}

// ReadingFromPayload coerces an untyped request payload into a Reading.
// All three metrics are optional: missing or null values become zero.
// JSON numbers and numeric strings are accepted; anything else fails
// with an error wrapping ErrBadPayload. Negative smoke clamps to 0.
//
// The returned Reading has no Timestamp; the caller stamps it at the
// instant of acceptance.
func ReadingFromPayload(payload map[string]any) (Reading, error) {
	smoke, err := coerceFloat(payload, "smoke")
	if err != nil {
		return Reading{}, err
	}
	temperature, err := coerceFloat(payload, "temperature")
	if err != nil {
		return Reading{}, err
	}
	humidity, err := coerceFloat(payload, "humidity")
	if err != nil {
		return Reading{}, err
	}

	r := Reading{
		Smoke:       int(smoke),
		Temperature: temperature,
		Humidity:    humidity,
	}
	if r.Smoke < 0 {
		r.Smoke = 0
	}
	return r, nil
}

// coerceFloat extracts key from payload as a float64. Missing and null
// both read as 0; numeric strings are parsed after trimming whitespace.
func coerceFloat(payload map[string]any, key string) (float64, error) {
	raw, ok := payload[key]
	if !ok || raw == nil {
		return 0, nil
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s is not numeric", ErrBadPayload, key)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%w: %s has unsupported type %T", ErrBadPayload, key, raw)
	}
}
