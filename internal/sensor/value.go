// Package sensor defines the sensor event data model: the polymorphic
// state value, the immutable event record, and the static per-device
// configuration used to label records at ingestion time.
package sensor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind identifies which variant a [Value] holds.
type Kind int

const (
	// KindNone is the zero Value. It never equals another Value.
	KindNone Kind = iota
	KindBool
	KindNumber
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	default:
		return "none"
	}
}

// Value is a sensor state: a boolean, a number, or a string.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
}

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number returns a numeric Value.
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// String returns a string Value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Kind reports the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// AsBool returns the boolean payload and whether v is a boolean.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsNumber returns the numeric payload and whether v is a number.
func (v Value) AsNumber() (float64, bool) { return v.n, v.kind == KindNumber }

// AsString returns the string payload and whether v is a string.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// Equal reports strict equality: same variant and same payload. A
// number never equals its string rendering.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.n == o.n
	case KindString:
		return v.s == o.s
	default:
		return false
	}
}

// String renders the value for human-readable projections.
func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNumber:
		return strconv.FormatFloat(v.n, 'f', -1, 64)
	case KindString:
		return v.s
	default:
		return ""
	}
}

// MarshalJSON encodes the value as a bare JSON scalar.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindBool:
		return json.Marshal(v.b)
	case KindNumber:
		return json.Marshal(v.n)
	case KindString:
		return json.Marshal(v.s)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts a JSON boolean, number, or string. null decodes
// to the zero Value; objects and arrays are rejected.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty sensor value")
	}

	switch data[0] {
	case 'n':
		*v = Value{}
		return nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return fmt.Errorf("decode bool value: %w", err)
		}
		*v = Bool(b)
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode string value: %w", err)
		}
		*v = String(s)
	case '{', '[':
		return fmt.Errorf("unsupported sensor value %s", data)
	default:
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("decode number value: %w", err)
		}
		*v = Number(n)
	}
	return nil
}

// Value type names accepted by [ParseState] and device configuration.
const (
	TypeAuto   = "auto"
	TypeBool   = "bool"
	TypeNumber = "number"
	TypeString = "string"
)

// boolWords maps common Home Assistant state strings to booleans.
var boolWords = map[string]bool{
	"on":       true,
	"off":      false,
	"true":     true,
	"false":    false,
	"open":     true,
	"closed":   false,
	"detected": true,
	"clear":    false,
	"home":     true,
	"not_home": false,
}

// ParseState converts a raw state string into a Value according to
// valueType. Unknown types behave like [TypeAuto]: boolean words first,
// then numbers, otherwise the raw string. A forced type that cannot be
// parsed falls back to the raw string.
func ParseState(raw, valueType string) Value {
	trimmed := strings.TrimSpace(raw)

	switch strings.ToLower(valueType) {
	case TypeString:
		return String(raw)
	case TypeBool:
		if b, ok := boolWords[strings.ToLower(trimmed)]; ok {
			return Bool(b)
		}
		return String(raw)
	case TypeNumber:
		if n, ok := parseFinite(trimmed); ok {
			return Number(n)
		}
		return String(raw)
	}

	if b, ok := boolWords[strings.ToLower(trimmed)]; ok {
		return Bool(b)
	}
	if n, ok := parseFinite(trimmed); ok {
		return Number(n)
	}
	return String(raw)
}

// parseFinite parses a float, rejecting NaN and infinities which have no
// JSON encoding.
func parseFinite(s string) (float64, bool) {
	n, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}
