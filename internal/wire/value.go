package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// ValueKind enumerates the closed set of cell types a query result may
// contain. The gateway never interprets cell contents beyond this tag.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindInt
	KindFloat
	KindString
	KindBool
	KindBytes
)

// Value is one cell of a query result row. It is a tagged union over the
// closed set {null, int, float, string, bool, bytes} and carries values in
// a self-describing JSON form:
//
//	null          → null
//	int           → JSON number without fraction or exponent
//	float         → JSON number
//	string        → JSON string
//	bool          → JSON bool
//	bytes         → {"$bytes": "<base64>"}
//
// The zero Value is null.
type Value struct {
	kind ValueKind
	i    int64
	f    float64
	s    string
	b    bool
	by   []byte
}

// Null returns the null Value.
func Null() Value { return Value{} }

// Int returns an integer Value.
func Int(v int64) Value { return Value{kind: KindInt, i: v} }

// Float returns a floating-point Value.
func Float(v float64) Value { return Value{kind: KindFloat, f: v} }

// String returns a string Value.
func String(v string) Value { return Value{kind: KindString, s: v} }

// Bool returns a boolean Value.
func Bool(v bool) Value { return Value{kind: KindBool, b: v} }

// Bytes returns a binary Value. The slice is not copied.
func Bytes(v []byte) Value { return Value{kind: KindBytes, by: v} }

// Kind reports which member of the union this Value holds.
func (v Value) Kind() ValueKind { return v.kind }

// IsNull reports whether the Value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Any converts the Value to its natural Go representation: nil, int64,
// float64, string, bool or []byte. Used when binding cells into database
// drivers and when rendering results for the LLM summarizer.
func (v Value) Any() any {
	switch v.kind {
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindBool:
		return v.b
	case KindBytes:
		return v.by
	default:
		return nil
	}
}

// FromAny converts a Go value produced by a database driver into a Value.
// Unknown types are rendered through fmt as strings so a driver-specific
// type (e.g. a numeric or timestamp struct) never breaks the wire encoding.
func FromAny(v any) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case int64:
		return Int(t)
	case int:
		return Int(int64(t))
	case int32:
		return Int(int64(t))
	case int16:
		return Int(int64(t))
	case float64:
		return Float(t)
	case float32:
		return Float(float64(t))
	case string:
		return String(t)
	case bool:
		return Bool(t)
	case []byte:
		return Bytes(t)
	case time.Time:
		return String(t.UTC().Format(time.RFC3339Nano))
	default:
		return String(fmt.Sprintf("%v", t))
	}
}

// bytesEnvelope is the self-describing JSON wrapper for binary cells.
type bytesEnvelope struct {
	Bytes string `json:"$bytes"`
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindInt:
		return json.Marshal(v.i)
	case KindFloat:
		// NaN and infinities are not representable in JSON. They can only
		// come from aggregate functions on the agent side; encode as null.
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return []byte("null"), nil
		}
		return json.Marshal(v.f)
	case KindString:
		return json.Marshal(v.s)
	case KindBool:
		return json.Marshal(v.b)
	case KindBytes:
		return json.Marshal(bytesEnvelope{Bytes: base64.StdEncoding.EncodeToString(v.by)})
	default:
		return nil, fmt.Errorf("wire: unknown value kind %d", v.kind)
	}
}

// UnmarshalJSON implements json.Unmarshaler. Numbers without a fraction or
// exponent decode as int; all other numbers decode as float.
func (v *Value) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("wire: empty value")
	}

	switch data[0] {
	case 'n':
		*v = Null()
		return nil

	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return fmt.Errorf("wire: decoding bool cell: %w", err)
		}
		*v = Bool(b)
		return nil

	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("wire: decoding string cell: %w", err)
		}
		*v = String(s)
		return nil

	case '{':
		var env bytesEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return fmt.Errorf("wire: decoding bytes cell: %w", err)
		}
		raw, err := base64.StdEncoding.DecodeString(env.Bytes)
		if err != nil {
			return fmt.Errorf("wire: decoding bytes cell payload: %w", err)
		}
		*v = Bytes(raw)
		return nil

	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("wire: decoding numeric cell: %w", err)
		}
		if i, err := n.Int64(); err == nil && !hasFloatSyntax(string(n)) {
			*v = Int(i)
			return nil
		}
		f, err := n.Float64()
		if err != nil {
			return fmt.Errorf("wire: decoding numeric cell %q: %w", n, err)
		}
		*v = Float(f)
		return nil
	}
}

// hasFloatSyntax reports whether the literal contains a fraction or
// exponent, in which case it round-trips as float even if integral
// (e.g. "1.0" stays a float).
func hasFloatSyntax(lit string) bool {
	for i := 0; i < len(lit); i++ {
		switch lit[i] {
		case '.', 'e', 'E':
			return true
		}
	}
	return false
}
