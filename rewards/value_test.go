package rewards_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/reward-engine/rewards"
)

// =============================================================================
// COERCION
// =============================================================================

func TestCoerce(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		kind rewards.Kind
		text string
	}{
		{"boolean literal", "true", rewards.KindBool, "true"},
		{"boolean any case", "FALSE", rewards.KindBool, "false"},
		{"integer", "42", rewards.KindNumber, "42"},
		{"decimal", "36.6", rewards.KindNumber, "36.6"},
		{"padded number", "  72 ", rewards.KindNumber, "72"},
		{"exponent", "1e3", rewards.KindNumber, "1000"},
		{"json object", `{"x": 1}`, rewards.KindJSON, `{"x":1}`},
		{"json array", `[1, 2]`, rewards.KindJSON, `[1,2]`},
		{"json null", "null", rewards.KindNull, ""},
		{"plain text", "hello", rewards.KindString, "hello"},
		{"json string stays raw", `"quoted"`, rewards.KindString, `"quoted"`},
		{"date text", "2025-03-10", rewards.KindString, "2025-03-10"},
		{"trailing garbage", `{"x":1} tail`, rewards.KindString, `{"x":1} tail`},
		{"empty", "", rewards.KindNull, ""},
		{"whitespace", "   \t", rewards.KindNull, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := rewards.Coerce(tt.raw)
			assert.Equal(t, tt.kind, v.Kind())
			assert.Equal(t, tt.text, v.Text())
		})
	}
}

func TestCoerce_KeepsOriginalString(t *testing.T) {
	// GIVEN: text with surrounding spaces that is not numeric or boolean
	// WHEN: coercing
	// THEN: the original, untrimmed string is returned
	v := rewards.Coerce("  yes ")
	s, ok := v.Str()
	require.True(t, ok)
	assert.Equal(t, "  yes ", s)
}

func TestCoerce_NumbersAreExact(t *testing.T) {
	v := rewards.Coerce("0.1")
	n, ok := v.Num()
	require.True(t, ok)
	assert.True(t, n.Add(decimal.RequireFromString("0.2")).Equal(decimal.RequireFromString("0.3")))
}

func TestCoerce_HugeExponentStaysString(t *testing.T) {
	for _, raw := range []string{"1e200000000", "1E-5000", "2.5e1002"} {
		v := rewards.Coerce(raw)
		assert.Equal(t, rewards.KindString, v.Kind(), raw)
		assert.Equal(t, raw, v.Text(), raw)
	}

	// Exponents inside the bound are still numbers
	assert.Equal(t, rewards.KindNumber, rewards.Coerce("1e1000").Kind())
	assert.Equal(t, rewards.KindNumber, rewards.Coerce("-3e-20").Kind())
}

// =============================================================================
// EQUALITY AND ORDERING
// =============================================================================

func TestValue_Equal_IsStrict(t *testing.T) {
	assert.True(t, rewards.Int(72).Equal(rewards.Coerce("72.0")))
	assert.False(t, rewards.Int(1).Equal(rewards.Bool(true)), "number vs bool")
	assert.False(t, rewards.String("72").Equal(rewards.Int(72)), "string vs number")
	assert.True(t, rewards.Null().Equal(rewards.Null()))
}

func TestValue_Compare(t *testing.T) {
	cmp, ok := rewards.Int(15).Compare(rewards.Int(10))
	require.True(t, ok)
	assert.Equal(t, 1, cmp)

	cmp, ok = rewards.String("apple").Compare(rewards.String("banana"))
	require.True(t, ok)
	assert.Equal(t, -1, cmp)

	cmp, ok = rewards.Bool(false).Compare(rewards.Bool(true))
	require.True(t, ok)
	assert.Equal(t, -1, cmp)

	_, ok = rewards.Int(1).Compare(rewards.String("1"))
	assert.False(t, ok, "mixed kinds are incomparable")

	_, ok = rewards.Coerce(`{"a":1}`).Compare(rewards.Coerce(`{"a":1}`))
	assert.False(t, ok, "json has no ordering")
}

// =============================================================================
// CONSTRUCTION
// =============================================================================

func TestFieldsFromMap(t *testing.T) {
	var payload map[string]any
	dec := json.NewDecoder(strings.NewReader(`{"hr": 72, "ok": true, "note": "fine", "missing": null, "tags": ["a"]}`))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&payload))

	fields := rewards.FieldsFromMap(payload)

	assert.Equal(t, rewards.KindNumber, fields["hr"].Kind())
	assert.Equal(t, rewards.KindBool, fields["ok"].Kind())
	assert.Equal(t, rewards.KindString, fields["note"].Kind())
	assert.True(t, fields["missing"].IsNull())
	assert.Equal(t, rewards.KindJSON, fields["tags"].Kind())
	assert.Equal(t, `["a"]`, fields["tags"].Text())
}

func TestFromAny_HugeJSONNumberStaysString(t *testing.T) {
	v := rewards.FromAny(json.Number("1e200000000"))
	assert.Equal(t, rewards.KindString, v.Kind())
	assert.Equal(t, "1e200000000", v.Text())
}

func TestFromAny_Time(t *testing.T) {
	ts := time.Date(2025, time.March, 10, 8, 30, 0, 0, time.FixedZone("X", 3600))
	v := rewards.FromAny(ts)
	assert.Equal(t, "2025-03-10T07:30:00Z", v.Text())
}

func TestValue_JSONRoundTrip(t *testing.T) {
	in := rewards.Fields{
		"n": rewards.Int(3),
		"s": rewards.String("x"),
		"b": rewards.Bool(true),
		"z": rewards.Null(),
	}
	raw, err := json.Marshal(in)
	require.NoError(t, err)

	var out rewards.Fields
	require.NoError(t, json.Unmarshal(raw, &out))
	for k, v := range in {
		assert.True(t, v.Equal(out[k]), "field %s", k)
	}
}
