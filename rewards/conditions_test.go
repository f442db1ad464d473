package rewards_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/reward-engine/rewards"
)

func abs(field string, cmp rewards.Comparator, value string, vt rewards.ValueType) rewards.Condition {
	return rewards.Condition{Field: field, Comparator: cmp, Value: value, ValueType: vt, IsValueAbsolute: true}
}

func rel(field string, cmp rewards.Comparator, other string, vt rewards.ValueType) rewards.Condition {
	return rewards.Condition{Field: field, Comparator: cmp, Value: other, ValueType: vt, IsValueAbsolute: false}
}

// =============================================================================
// COMPARATOR ORIENTATION
// =============================================================================

func TestCondition_ReferenceIsLeftOperand(t *testing.T) {
	// GIVEN: a >= 10
	// WHEN: a is 15, then 5
	// THEN: 15 matches, 5 does not
	cond := abs("a", rewards.CmpGreaterOrEqual, "10", rewards.ValueInt)

	m, ok := cond.Evaluate(rewards.Fields{"a": rewards.Int(15)})
	require.True(t, ok)
	assert.Equal(t, "a", m.Field)
	assert.Equal(t, "15", m.TriggerValue())

	_, ok = cond.Evaluate(rewards.Fields{"a": rewards.Int(5)})
	assert.False(t, ok)
}

func TestCondition_HugeExponentDoesNotMatch(t *testing.T) {
	// GIVEN: a >= 10 and a 12-byte value with an enormous exponent
	cond := abs("a", rewards.CmpGreaterOrEqual, "10", rewards.ValueInt)
	fields := rewards.Fields{"a": rewards.Coerce("1e200000000")}

	// WHEN: the condition is evaluated
	done := make(chan bool, 1)
	go func() {
		_, ok := cond.Evaluate(fields)
		done <- ok
	}()

	// THEN: it returns promptly without matching
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("evaluation did not finish")
	}

	// AND: the same value as a threshold never matches either
	_, ok := abs("a", rewards.CmpLess, "1e200000000", rewards.ValueInt).Evaluate(rewards.Fields{"a": rewards.Int(5)})
	assert.False(t, ok)
}

func TestComparators(t *testing.T) {
	tests := []struct {
		cmp   rewards.Comparator
		value string
		want  bool
	}{
		{rewards.CmpEqual, "10", true},
		{rewards.CmpEqual, "11", false},
		{rewards.CmpGreater, "9", true},
		{rewards.CmpGreater, "10", false},
		{rewards.CmpLess, "11", true},
		{rewards.CmpLess, "10", false},
		{rewards.CmpGreaterOrEqual, "10", true},
		{rewards.CmpLessOrEqual, "10", true},
		{rewards.CmpLessOrEqual, "9", false},
	}

	fields := rewards.Fields{"a": rewards.Int(10)}
	for _, tt := range tests {
		t.Run(string(tt.cmp)+" "+tt.value, func(t *testing.T) {
			_, ok := abs("a", tt.cmp, tt.value, rewards.ValueDecimal).Evaluate(fields)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestCondition_EqualityIsStrict(t *testing.T) {
	// "1" coerces to a number, true stays a boolean
	_, ok := abs("flag", rewards.CmpEqual, "1", rewards.ValueText).Evaluate(rewards.Fields{"flag": rewards.Bool(true)})
	assert.False(t, ok)

	_, ok = abs("flag", rewards.CmpEqual, "TRUE", rewards.ValueText).Evaluate(rewards.Fields{"flag": rewards.Bool(true)})
	assert.True(t, ok)
}

func TestCondition_TextThresholdsCompareNumerically(t *testing.T) {
	// Default value type is text, but numeric strings still coerce to numbers.
	_, ok := abs("steps", rewards.CmpGreater, "9", rewards.ValueText).Evaluate(rewards.Fields{"steps": rewards.String("10")})
	assert.True(t, ok, "10 > 9 numerically even though \"10\" < \"9\" lexically")
}

func TestCondition_MixedKindsNeverOrder(t *testing.T) {
	_, ok := abs("a", rewards.CmpGreater, "5", rewards.ValueInt).Evaluate(rewards.Fields{"a": rewards.String("lots")})
	assert.False(t, ok)
}

// =============================================================================
// SKIPS
// =============================================================================

func TestCondition_Skips(t *testing.T) {
	tests := []struct {
		name   string
		cond   rewards.Condition
		fields rewards.Fields
	}{
		{"missing field", abs("a", rewards.CmpEqual, "1", rewards.ValueInt), rewards.Fields{"b": rewards.Int(1)}},
		{"null actual", abs("a", rewards.CmpEqual, "1", rewards.ValueInt), rewards.Fields{"a": rewards.Null()}},
		{"blank actual", abs("a", rewards.CmpEqual, "1", rewards.ValueInt), rewards.Fields{"a": rewards.String("  ")}},
		{"blank threshold", abs("a", rewards.CmpEqual, "", rewards.ValueInt), rewards.Fields{"a": rewards.Int(1)}},
		{"relational missing other", rel("a", rewards.CmpGreater, "b", rewards.ValueInt), rewards.Fields{"a": rewards.Int(1)}},
		{"relational null other", rel("a", rewards.CmpGreater, "b", rewards.ValueInt), rewards.Fields{"a": rewards.Int(1), "b": rewards.Null()}},
		{"unparseable date", abs("d", rewards.CmpGreater, "2025-01-01", rewards.ValueDate), rewards.Fields{"d": rewards.String("yesterday")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := tt.cond.Evaluate(tt.fields)
			assert.False(t, ok)
		})
	}
}

// =============================================================================
// RELATIONAL AND DATE CONDITIONS
// =============================================================================

func TestCondition_Relational(t *testing.T) {
	cond := rel("systolic", rewards.CmpLess, "limit", rewards.ValueInt)

	_, ok := cond.Evaluate(rewards.Fields{"systolic": rewards.Int(118), "limit": rewards.Int(120)})
	assert.True(t, ok)

	_, ok = cond.Evaluate(rewards.Fields{"systolic": rewards.Int(125), "limit": rewards.Int(120)})
	assert.False(t, ok)
}

func TestCondition_Dates(t *testing.T) {
	cond := rel("timestamp", rewards.CmpGreater, "prevTimeStamp", rewards.ValueDate)

	_, ok := cond.Evaluate(rewards.Fields{
		"timestamp":     rewards.String("2025-03-10T00:00:00Z"),
		"prevTimeStamp": rewards.String("2025-03-09"),
	})
	assert.True(t, ok, "mixed layouts are compared as instants")

	_, ok = cond.Evaluate(rewards.Fields{
		"timestamp":     rewards.String("2025-03-10T00:00:00Z"),
		"prevTimeStamp": rewards.String("2025-03-10T00:00:00Z"),
	})
	assert.False(t, ok, "same day is not later")

	_, ok = abs("dob", rewards.CmpLess, "2000", rewards.ValueDate).Evaluate(rewards.Fields{"dob": rewards.String("1999-12")})
	assert.True(t, ok, "year and year-month layouts")
}

// =============================================================================
// DISJUNCTION
// =============================================================================

func TestConditions_FirstMatchWins(t *testing.T) {
	// GIVEN: [a > 10, b == 1] and fields {a: 5, b: 1}
	// WHEN: matching
	// THEN: the second condition wins and becomes the trigger
	conds := rewards.Conditions{
		abs("a", rewards.CmpGreater, "10", rewards.ValueInt),
		abs("b", rewards.CmpEqual, "1", rewards.ValueInt),
	}

	m := conds.Match(rewards.Fields{"a": rewards.Int(5), "b": rewards.Int(1)})

	require.True(t, m.OK)
	assert.Equal(t, "b", m.Field)
	assert.Equal(t, "1", m.TriggerValue())
}

func TestConditions_OrderDecidesTrigger(t *testing.T) {
	fields := rewards.Fields{"a": rewards.Int(50), "b": rewards.Int(1)}
	conds := rewards.Conditions{
		abs("b", rewards.CmpEqual, "1", rewards.ValueInt),
		abs("a", rewards.CmpGreater, "10", rewards.ValueInt),
	}

	assert.Equal(t, "b", conds.Match(fields).Field)
}

func TestConditions_MatchLeavesConditionsUntouched(t *testing.T) {
	// GIVEN: a relational condition followed by two that both hold
	conds := rewards.Conditions{
		rel("a", rewards.CmpGreater, "limit", rewards.ValueInt),
		abs("b", rewards.CmpEqual, "1", rewards.ValueInt),
		abs("a", rewards.CmpGreater, "0", rewards.ValueText),
	}
	before := append(rewards.Conditions(nil), conds...)
	fields := rewards.Fields{"a": rewards.Int(5), "b": rewards.Int(1), "limit": rewards.Int(9)}

	// WHEN: matching repeatedly
	first := conds.Match(fields)
	second := conds.Match(fields)

	// THEN: the fold stops at the same condition and the records are unchanged
	assert.Equal(t, "b", first.Field)
	assert.Equal(t, first, second)
	assert.Equal(t, before, conds)
}

func TestConditions_NoneMatch(t *testing.T) {
	conds := rewards.Conditions{abs("a", rewards.CmpGreater, "10", rewards.ValueInt)}
	m := conds.Match(rewards.Fields{"a": rewards.Int(5)})
	assert.False(t, m.OK)
	assert.Empty(t, m.Field)
}

func TestConditions_EmptyIsUnconditional(t *testing.T) {
	m := rewards.Conditions{}.Match(nil)
	assert.True(t, m.OK)
	assert.Empty(t, m.Field)
	assert.Empty(t, m.TriggerValue())
}

func TestMatch_TriggerValueKeepsObservedForm(t *testing.T) {
	conds := rewards.Conditions{abs("answer", rewards.CmpEqual, "yes", rewards.ValueText)}
	m := conds.Match(rewards.Fields{"answer": rewards.String("yes")})
	require.True(t, m.OK)
	assert.Equal(t, "yes", m.TriggerValue())
}
