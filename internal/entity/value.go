package entity

import (
	"encoding/json"
	"strconv"
)

type shape uint8

const (
	shapeNone shape = iota
	shapeState
	shapeNumber
	shapeText
)

// Value is the typed state of an entity: nothing yet, a boolean state,
// a number or a text. The zero Value is "no value yet".
//
// Values are compared with ==.
type Value struct {
	shape  shape
	state  bool
	number float64
	text   string
}

// NoValue returns the "no value yet" sentinel.
func NoValue() Value { return Value{} }

// StateValue returns a boolean state, stored as {"state": b}.
func StateValue(b bool) Value { return Value{shape: shapeState, state: b} }

// NumberValue returns a numeric value, stored as {"value": f}.
func NumberValue(f float64) Value { return Value{shape: shapeNumber, number: f} }

// TextValue returns a text value, stored as {"value": s}.
func TextValue(s string) Value { return Value{shape: shapeText, text: s} }

// IsSet reports whether the value holds anything.
func (v Value) IsSet() bool { return v.shape != shapeNone }

// State returns the boolean state and whether v is a state value.
func (v Value) State() (bool, bool) { return v.state, v.shape == shapeState }

// Number returns the number and whether v is a numeric value.
func (v Value) Number() (float64, bool) { return v.number, v.shape == shapeNumber }

// Text returns the text and whether v is a text value.
func (v Value) Text() (string, bool) { return v.text, v.shape == shapeText }

// Raw returns the bare scalar: bool, float64, string, or nil.
func (v Value) Raw() any {
	switch v.shape {
	case shapeState:
		return v.state
	case shapeNumber:
		return v.number
	case shapeText:
		return v.text
	}
	return nil
}

// String renders the scalar the way it is published on the bus.
func (v Value) String() string {
	switch v.shape {
	case shapeState:
		return strconv.FormatBool(v.state)
	case shapeNumber:
		return strconv.FormatFloat(v.number, 'f', -1, 64)
	case shapeText:
		return v.text
	}
	return ""
}

// MarshalJSON writes the stored shape: null, {"state":b} or {"value":x}.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.shape {
	case shapeState:
		return json.Marshal(struct {
			State bool `json:"state"`
		}{v.state})
	case shapeNumber:
		return json.Marshal(struct {
			Value float64 `json:"value"`
		}{v.number})
	case shapeText:
		return json.Marshal(struct {
			Value string `json:"value"`
		}{v.text})
	}
	return []byte("null"), nil
}

// UnmarshalJSON reads the shapes MarshalJSON writes. The kind is taken
// from the document: a JSON number is a number, a string is text.
func (v *Value) UnmarshalJSON(data []byte) error {
	var doc struct {
		State *bool           `json:"state"`
		Value json.RawMessage `json:"value"`
	}
	if string(data) == "null" {
		*v = NoValue()
		return nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	switch {
	case doc.State != nil:
		*v = StateValue(*doc.State)
	case len(doc.Value) > 0 && doc.Value[0] == '"':
		var s string
		if err := json.Unmarshal(doc.Value, &s); err != nil {
			return err
		}
		*v = TextValue(s)
	case len(doc.Value) > 0 && string(doc.Value) != "null":
		var f float64
		if err := json.Unmarshal(doc.Value, &f); err != nil {
			return err
		}
		*v = NumberValue(f)
	default:
		*v = NoValue()
	}
	return nil
}
