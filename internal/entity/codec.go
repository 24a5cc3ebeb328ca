package entity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// Coerce converts a raw device-reported or user-supplied value into the
// typed Value for kind t.
//
// Boolean kinds accept bools, numbers (non-zero is true) and the strings
// true/false, on/off, 1/0, yes/no, open/closed. Numeric kinds accept
// numbers, numeric strings and bools (1 or 0). Text accepts anything
// except nil. Whatever else arrives fails with ErrInvalidValue.
//
// A raw value in the stored {"state":x} or {"value":x} shape is unwrapped
// first, so Coerce accepts its own persisted form.
func Coerce(t Type, raw any) (Value, error) {
	if v, ok := raw.(Value); ok {
		raw = v.Raw()
	}
	raw = unwrapEnvelope(raw)
	if raw == nil {
		return Value{}, fmt.Errorf("%w: no value for %s", ErrInvalidValue, t)
	}

	switch {
	case t.IsBoolean():
		b, err := coerceBool(raw)
		if err != nil {
			return Value{}, err
		}
		return StateValue(b), nil
	case t.IsNumeric():
		f, err := coerceNumber(raw)
		if err != nil {
			return Value{}, err
		}
		return NumberValue(f), nil
	case t == TypeText:
		s, err := coerceText(raw)
		if err != nil {
			return Value{}, err
		}
		return TextValue(s), nil
	}
	return Value{}, fmt.Errorf("%w: %q", ErrInvalidType, t)
}

// Encode coerces raw for kind t and returns the persisted JSON form.
func Encode(t Type, raw any) ([]byte, error) {
	v, err := Coerce(t, raw)
	if err != nil {
		return nil, err
	}
	return v.MarshalJSON()
}

// Decode turns a persisted value column back into a Value. Empty input and
// JSON null decode to NoValue. Bare scalars written by older rows are
// accepted as well as the {"state"} and {"value"} shapes.
func Decode(t Type, stored []byte) (Value, error) {
	stored = bytes.TrimSpace(stored)
	if len(stored) == 0 || bytes.Equal(stored, []byte("null")) {
		return NoValue(), nil
	}

	raw, err := UnmarshalRaw(stored)
	if err != nil {
		return Value{}, fmt.Errorf("%w: malformed stored value: %w", ErrInvalidValue, err)
	}
	raw = unwrapEnvelope(raw)
	if raw == nil {
		return NoValue(), nil
	}
	return Coerce(t, raw)
}

// DecodePayload extracts the raw value from an inbound bus payload.
//
// JSON documents are unwrapped ({"state":x} and {"value":x} yield x);
// anything that is not JSON is returned as trimmed text, so devices may
// publish plain "on" or "23.5". Numbers come back as json.Number, so a
// text entity keeps the digits as sent. An empty payload yields nil.
func DecodePayload(payload []byte) any {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil
	}

	raw, err := UnmarshalRaw(trimmed)
	if err != nil {
		return string(trimmed)
	}
	return unwrapEnvelope(raw)
}

// UnmarshalRaw decodes one JSON document into an untyped value, keeping
// numbers as json.Number. Trailing data is an error.
func UnmarshalRaw(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("unexpected data after JSON value")
	}
	return raw, nil
}

// EncodePayload renders a value for an outbound command publish.
func EncodePayload(v Value) []byte {
	return []byte(v.String())
}

func unwrapEnvelope(raw any) any {
	obj, ok := raw.(map[string]any)
	if !ok {
		return raw
	}
	if s, ok := obj["state"]; ok {
		return s
	}
	if v, ok := obj["value"]; ok {
		return v
	}
	return raw
}

func coerceBool(raw any) (bool, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "on", "1", "yes", "open":
			return true, nil
		case "false", "off", "0", "no", "closed":
			return false, nil
		}
		return false, fmt.Errorf("%w: %q is not a boolean", ErrInvalidValue, v)
	}
	if f, ok := asFloat(raw); ok {
		return f != 0, nil
	}
	return false, fmt.Errorf("%w: %T is not a boolean", ErrInvalidValue, raw)
}

func coerceNumber(raw any) (float64, error) {
	var f float64
	switch v := raw.(type) {
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidValue, v)
		}
		f = parsed
	default:
		n, ok := asFloat(raw)
		if !ok {
			return 0, fmt.Errorf("%w: %T is not a number", ErrInvalidValue, raw)
		}
		f = n
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %v is not finite", ErrInvalidValue, f)
	}
	return f, nil
}

func coerceText(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case json.Number:
		return v.String(), nil
	}
	if f, ok := asFloat(raw); ok {
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}
	return string(b), nil
}

func asFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}
