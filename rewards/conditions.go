/*
conditions.go - Condition evaluation for reward events

PURPOSE:
  A reward owns an ordered list of conditions. The list is a DISJUNCTION:
  the first condition that holds satisfies the reward and becomes the audit
  trail (trigger field + trigger value) of the ledger entry.

EVALUATION OF ONE CONDITION:
  1. actual := fields[Field]; missing -> skip
  2. absolute:   threshold = Coerce(Value),          reference = Coerce(actual)
     relational: threshold = Coerce(fields[Value]), reference = Coerce(actual)
     either side Null -> skip
  3. ValueType date: both sides become epoch milliseconds; unparseable -> skip
  4. compare(reference, threshold). Left operand is ALWAYS the observed value.

INVARIANTS:
  - Conditions.Match is a short-circuit fold over immutable condition
    records: conditions are evaluated by value in catalog order and the
    first match ends the fold. Evaluation never writes to a condition.
  - No conditions = unconditional reward (OK with empty trigger).
  - A skipped condition is never an error; it simply does not match.

SEE ALSO:
  - value.go: Coerce and Value ordering
  - engine.go: Apply uses Conditions.Match
*/
package rewards

import (
	"fmt"
	"time"
)

// =============================================================================
// COMPARATORS AND VALUE TYPES
// =============================================================================

type Comparator string

const (
	CmpEqual          Comparator = "=="
	CmpGreater        Comparator = ">"
	CmpLess           Comparator = "<"
	CmpGreaterOrEqual Comparator = ">="
	CmpLessOrEqual    Comparator = "<="
)

func (c Comparator) Valid() bool {
	switch c {
	case CmpEqual, CmpGreater, CmpLess, CmpGreaterOrEqual, CmpLessOrEqual:
		return true
	}
	return false
}

// Apply reports whether `reference <c> threshold` holds.
func (c Comparator) Apply(reference, threshold Value) bool {
	if c == CmpEqual {
		return reference.Equal(threshold)
	}

	cmp, ok := reference.Compare(threshold)
	if !ok {
		return false
	}
	switch c {
	case CmpGreater:
		return cmp > 0
	case CmpLess:
		return cmp < 0
	case CmpGreaterOrEqual:
		return cmp >= 0
	case CmpLessOrEqual:
		return cmp <= 0
	}
	return false
}

type ValueType string

const (
	ValueInt     ValueType = "int"
	ValueDecimal ValueType = "decimal"
	ValueText    ValueType = "text"
	ValueDate    ValueType = "date"
)

func (t ValueType) Valid() bool {
	switch t {
	case ValueInt, ValueDecimal, ValueText, ValueDate:
		return true
	}
	return false
}

// =============================================================================
// CONDITION
// =============================================================================

// Condition is one admissible rule under a reward's event.
// Value is either an absolute threshold or, when IsValueAbsolute is false,
// the name of another field in the same field map.
type Condition struct {
	Field           string     `json:"field"`
	Comparator      Comparator `json:"comparator"`
	Value           string     `json:"value"`
	ValueType       ValueType  `json:"value_type"`
	IsValueAbsolute bool       `json:"is_value_absolute"`
}

func (c Condition) String() string {
	rhs := fmt.Sprintf("%q", c.Value)
	if !c.IsValueAbsolute {
		rhs = "$" + c.Value
	}
	return fmt.Sprintf("%s %s %s (%s)", c.Field, c.Comparator, rhs, c.ValueType)
}

// Match is the result of evaluating a condition list.
type Match struct {
	OK    bool
	Field string
	Value Value
}

// TriggerValue is the text stored in the ledger for the matched value.
func (m Match) TriggerValue() string {
	if m.Field == "" {
		return ""
	}
	return m.Value.Text()
}

// Evaluate checks a single condition. The bool is false both when the
// comparator fails and when the condition had to be skipped.
func (c Condition) Evaluate(fields Fields) (Match, bool) {
	actual, present := fields[c.Field]
	if !present {
		return Match{}, false
	}

	reference := Coerce(actual.Text())
	var threshold Value
	if c.IsValueAbsolute {
		threshold = Coerce(c.Value)
	} else {
		other, ok := fields[c.Value]
		if !ok {
			return Match{}, false
		}
		threshold = Coerce(other.Text())
	}
	if reference.IsNull() || threshold.IsNull() {
		return Match{}, false
	}

	if c.ValueType == ValueDate {
		ref, ok := epochMillis(reference)
		if !ok {
			return Match{}, false
		}
		thr, ok := epochMillis(threshold)
		if !ok {
			return Match{}, false
		}
		reference, threshold = Int(ref), Int(thr)
	}

	if !c.Comparator.Apply(reference, threshold) {
		return Match{}, false
	}
	return Match{OK: true, Field: c.Field, Value: actual}, true
}

// Conditions is an ordered, OR-ed list of conditions.
type Conditions []Condition

// Match folds over the conditions in catalog order and stops at the first
// satisfied one. The receiver is only read.
func (cs Conditions) Match(fields Fields) Match {
	if len(cs) == 0 {
		return Match{OK: true}
	}
	for _, c := range cs {
		if m, ok := c.Evaluate(fields); ok {
			return m
		}
	}
	return Match{}
}

// =============================================================================
// DATES
// =============================================================================

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006-01",
	"2006",
}

// epochMillis parses a calendar date from the value's text form.
func epochMillis(v Value) (int64, bool) {
	text := v.Text()
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t.UnixMilli(), true
		}
	}
	return 0, false
}
