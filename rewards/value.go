/*
value.go - Typed scalar values for condition evaluation

PURPOSE:
  Incoming events carry loosely typed payloads: JSON request bodies,
  FHIR answers, synthesized timestamps. Conditions are configured as plain
  strings. Value is the single representation both sides are reduced to
  before a comparator runs, so the comparator never sees an untyped value.

KINDS:
  KindNull:   "no value" - the condition using it is skipped
  KindString: free text (also dates before date conversion)
  KindNumber: decimal.Decimal, no float rounding surprises
  KindBool:   true / false
  KindJSON:   object or array, kept as compact JSON text

COERCION ORDER (Coerce):
  1. JSON literal that is not a JSON string  -> as parsed
  2. numeric literal (after trimming)        -> number
  3. "true"/"false", any case               -> bool
  4. anything else                           -> original string
  Empty or whitespace-only input is Null.

SEE ALSO:
  - conditions.go: comparator evaluation over Values
*/
package rewards

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// VALUE
// =============================================================================

type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindJSON
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindJSON:
		return "json"
	default:
		return "null"
	}
}

// Value is an immutable tagged scalar.
type Value struct {
	kind Kind
	str  string
	num  decimal.Decimal
	b    bool
}

// Fields is the flat field map conditions are evaluated against.
type Fields map[string]Value

func Null() Value                    { return Value{kind: KindNull} }
func String(s string) Value          { return Value{kind: KindString, str: s} }
func Number(d decimal.Decimal) Value { return Value{kind: KindNumber, num: d} }
func Int(i int64) Value              { return Number(decimal.NewFromInt(i)) }
func Bool(b bool) Value              { return Value{kind: KindBool, b: b} }

// Time renders t as an RFC3339 UTC string value, the form date conditions parse.
func Time(t time.Time) Value { return String(t.UTC().Format(time.RFC3339Nano)) }

// JSON wraps an object or array. Invalid JSON degrades to a string value.
func JSON(raw []byte) Value {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return String(string(raw))
	}
	return Value{kind: KindJSON, str: buf.String()}
}

func (v Value) Kind() Kind                   { return v.kind }
func (v Value) IsNull() bool                 { return v.kind == KindNull }
func (v Value) Str() (string, bool)          { return v.str, v.kind == KindString }
func (v Value) Num() (decimal.Decimal, bool) { return v.num, v.kind == KindNumber }
func (v Value) Boolean() (bool, bool)        { return v.b, v.kind == KindBool }

// Text renders the value in the string form Coerce accepts.
func (v Value) Text() string {
	switch v.kind {
	case KindString, KindJSON:
		return v.str
	case KindNumber:
		return v.num.String()
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}

func (v Value) String() string {
	if v.kind == KindNull {
		return "null"
	}
	return v.Text()
}

// Equal is strict equality: kinds must match.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNumber:
		return v.num.Equal(o.num)
	case KindBool:
		return v.b == o.b
	case KindNull:
		return true
	default:
		return v.str == o.str
	}
}

// Compare orders two values of the same orderable kind. ok is false when the
// kinds differ or the kind has no ordering (null, JSON).
func (v Value) Compare(o Value) (cmp int, ok bool) {
	if v.kind != o.kind {
		return 0, false
	}
	switch v.kind {
	case KindNumber:
		return v.num.Cmp(o.num), true
	case KindString:
		return strings.Compare(v.str, o.str), true
	case KindBool:
		switch {
		case v.b == o.b:
			return 0, true
		case !v.b:
			return -1, true
		default:
			return 1, true
		}
	default:
		return 0, false
	}
}

// MarshalJSON lets Values round-trip through API responses.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNumber:
		return []byte(v.num.String()), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindJSON:
		return []byte(v.str), nil
	case KindString:
		return json.Marshal(v.str)
	default:
		return []byte("null"), nil
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*v = FromAny(raw)
	return nil
}

// =============================================================================
// CONSTRUCTION FROM DECODED PAYLOADS
// =============================================================================

// FromAny converts a decoded JSON value or Go scalar into a Value.
func FromAny(x any) Value {
	switch t := x.(type) {
	case nil:
		return Null()
	case Value:
		return t
	case string:
		return String(t)
	case bool:
		return Bool(t)
	case json.Number:
		if d, ok := parseNumber(t.String()); ok {
			return Number(d)
		}
		return String(t.String())
	case float64:
		return Number(decimal.NewFromFloat(t))
	case float32:
		return Number(decimal.NewFromFloat32(t))
	case int:
		return Int(int64(t))
	case int32:
		return Int(int64(t))
	case int64:
		return Int(t)
	case decimal.Decimal:
		return Number(t)
	case time.Time:
		return Time(t)
	case *time.Time:
		if t == nil {
			return Null()
		}
		return Time(*t)
	case json.RawMessage:
		return Coerce(string(t))
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return String(fmt.Sprint(t))
		}
		return JSON(raw)
	}
}

// FieldsFromMap converts a decoded JSON object into a field map.
func FieldsFromMap(m map[string]any) Fields {
	fields := make(Fields, len(m))
	for k, v := range m {
		fields[k] = FromAny(v)
	}
	return fields
}

// =============================================================================
// COERCION
// =============================================================================

// Coerce turns an opaque string into a typed scalar. It is total: every input
// yields a Value and nothing panics.
func Coerce(raw string) Value {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Null()
	}

	if v, ok := coerceJSON(trimmed); ok {
		return v
	}

	if d, ok := parseNumber(trimmed); ok {
		return Number(d)
	}

	switch strings.ToLower(trimmed) {
	case "true":
		return Bool(true)
	case "false":
		return Bool(false)
	}

	return String(raw)
}

// maxExponent bounds the decimal exponent of parsed numbers. Larger
// exponents expand into millions of digits when rendered or compared, so
// such input stays a string.
const maxExponent = 1000

func parseNumber(s string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	if exp := d.Exponent(); exp > maxExponent || exp < -maxExponent {
		return decimal.Decimal{}, false
	}
	return d, true
}

// coerceJSON accepts any JSON literal except a JSON string.
func coerceJSON(s string) (Value, bool) {
	if !json.Valid([]byte(s)) {
		return Value{}, false
	}

	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()

	var parsed any
	if err := dec.Decode(&parsed); err != nil {
		return Value{}, false
	}

	switch t := parsed.(type) {
	case nil:
		return Null(), true
	case string:
		return Value{}, false
	case bool:
		return Bool(t), true
	case json.Number:
		d, ok := parseNumber(t.String())
		if !ok {
			return Value{}, false
		}
		return Number(d), true
	default:
		return JSON([]byte(s)), true
	}
}
