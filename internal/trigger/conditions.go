package trigger

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Operator identifies one comparison in a parsed condition.
type Operator string

const (
	OpEquals   Operator = "equals"
	OpContains Operator = "contains"
	OpGt       Operator = "gt"
	OpLt       Operator = "lt"
	OpGte      Operator = "gte"
	OpLte      Operator = "lte"
	OpIn       Operator = "in"
	OpNotIn    Operator = "not_in"
)

var validOperators = map[Operator]bool{
	OpEquals: true, OpContains: true,
	OpGt: true, OpLt: true, OpGte: true, OpLte: true,
	OpIn: true, OpNotIn: true,
}

// Condition is one field comparison. A raw literal in the source document
// parses to OpEquals.
type Condition struct {
	Field  string        `json:"field"`
	Op     Operator      `json:"op"`
	Value  interface{}   `json:"value,omitempty"`
	Values []interface{} `json:"values,omitempty"`
}

// ConditionSet is a parsed condition tree. All conditions are AND-ed; there
// is no OR combinator.
type ConditionSet []Condition

// ParseConditions converts the declarative condition document into a
// validated ConditionSet. Called once at trigger-save time; events are
// evaluated against the parsed form only.
//
// Document shape:
//
//	{"field": "literal"}                       -> equals
//	{"field": {"gt": 5, "lt": 10}}             -> two conditions on field
//	{"field": {"in": ["a","b"]}}               -> membership
func ParseConditions(raw map[string]interface{}) (ConditionSet, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	// Sort fields so the parsed set is stable across saves.
	fields := make([]string, 0, len(raw))
	for f := range raw {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var set ConditionSet
	for _, field := range fields {
		spec := raw[field]
		opMap, ok := spec.(map[string]interface{})
		if !ok {
			// Bare literal means equality.
			set = append(set, Condition{Field: field, Op: OpEquals, Value: spec})
			continue
		}

		ops := make([]string, 0, len(opMap))
		for op := range opMap {
			ops = append(ops, op)
		}
		sort.Strings(ops)

		for _, opName := range ops {
			op := Operator(opName)
			if !validOperators[op] {
				return nil, fmt.Errorf("field %q: unknown operator %q", field, opName)
			}
			operand := opMap[opName]
			if op == OpIn || op == OpNotIn {
				list, ok := operand.([]interface{})
				if !ok {
					return nil, fmt.Errorf("field %q: %s requires an array operand", field, op)
				}
				set = append(set, Condition{Field: field, Op: op, Values: list})
				continue
			}
			set = append(set, Condition{Field: field, Op: op, Value: operand})
		}
	}
	return set, nil
}

// ParseConditionsJSON parses a raw JSON condition document.
func ParseConditionsJSON(data []byte) (ConditionSet, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode conditions: %w", err)
	}
	return ParseConditions(raw)
}

// Matches evaluates the set against a flat attribute map. A missing context
// field never satisfies any operator, including not_in.
func (cs ConditionSet) Matches(ctx map[string]interface{}) bool {
	for _, c := range cs {
		actual, present := ctx[c.Field]
		if !present || actual == nil {
			return false
		}
		if !c.matches(actual) {
			return false
		}
	}
	return true
}

func (c Condition) matches(actual interface{}) bool {
	switch c.Op {
	case OpEquals:
		return looseEquals(actual, c.Value)
	case OpContains:
		return strings.Contains(stringify(actual), stringify(c.Value))
	case OpGt, OpLt, OpGte, OpLte:
		a, b := toFloat(actual), toFloat(c.Value)
		// NaN comparisons fail closed.
		if math.IsNaN(a) || math.IsNaN(b) {
			return false
		}
		switch c.Op {
		case OpGt:
			return a > b
		case OpLt:
			return a < b
		case OpGte:
			return a >= b
		default:
			return a <= b
		}
	case OpIn:
		for _, v := range c.Values {
			if looseEquals(actual, v) {
				return true
			}
		}
		return false
	case OpNotIn:
		for _, v := range c.Values {
			if looseEquals(actual, v) {
				return false
			}
		}
		return true
	}
	return false
}

// looseEquals compares JSON-decoded values. Two numbers compare numerically
// regardless of Go kind (int vs float64); everything else compares by
// stringified form. A string never equals a number: stringification across
// types is reserved for contains.
func looseEquals(a, b interface{}) bool {
	an, bn := isNumber(a), isNumber(b)
	if an != bn {
		return false
	}
	if an {
		af, bf := toFloat(a), toFloat(b)
		if math.IsNaN(af) || math.IsNaN(bf) {
			return false
		}
		return af == bf
	}
	return stringify(a) == stringify(b)
}

func isNumber(v interface{}) bool {
	switch v.(type) {
	case float64, float32, int, int64, json.Number:
		return true
	}
	return false
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// toFloat coerces a value to float64, returning NaN when coercion fails.
func toFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return math.NaN()
		}
		return f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return math.NaN()
		}
		return f
	case bool:
		if t {
			return 1
		}
		return 0
	}
	return math.NaN()
}
