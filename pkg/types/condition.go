package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// EvaluateCondition evaluates a FilterCondition against a message by first
// marshalling the message to its canonical JSON map form, then walking the
// dotted field path (e.g. "metadata.correlationId") and comparing against
// Value using Operator. Unknown fields compare as not-present, which makes
// every operator except not_equals evaluate false.
func EvaluateCondition(m *Message, cond FilterCondition) bool {
	val, ok := fieldValue(m, cond.Field)
	switch cond.Operator {
	case OpEquals:
		return ok && compareEqual(val, cond.Value)
	case OpNotEquals:
		return !ok || !compareEqual(val, cond.Value)
	case OpContains:
		return ok && containsValue(val, cond.Value)
	case OpGreaterThan:
		a, okA := toFloat(val)
		b, okB := toFloat(cond.Value)
		return ok && okA && okB && a > b
	case OpLessThan:
		a, okA := toFloat(val)
		b, okB := toFloat(cond.Value)
		return ok && okA && okB && a < b
	default:
		return false
	}
}

// fieldValue walks a dotted path ("metadata.correlationId", "payload.x")
// over the JSON representation of m.
func fieldValue(m *Message, path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}

	b, err := json.Marshal(m)
	if err != nil {
		return nil, false
	}
	var asMap map[string]interface{}
	if err := json.Unmarshal(b, &asMap); err != nil {
		return nil, false
	}

	parts := strings.Split(path, ".")
	var cur interface{} = asMap
	for _, p := range parts {
		node, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = node[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func compareEqual(a, b interface{}) bool {
	// JSON round-tripping turns numbers into float64 and leaves strings as
	// strings, so stringifying both sides is the simplest reliable way to
	// compare a field value against a rule-authored literal.
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func containsValue(haystack, needle interface{}) bool {
	switch h := haystack.(type) {
	case string:
		n, ok := needle.(string)
		return ok && strings.Contains(h, n)
	case []interface{}:
		for _, item := range h {
			if compareEqual(item, needle) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
