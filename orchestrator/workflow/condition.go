package workflow

import (
	"encoding/json"
	"reflect"
	"strconv"
	"strings"
)

// Evaluate applies the condition to payload. A missing path only satisfies
// not_exists; type mismatches evaluate to false.
func (condition Condition) Evaluate(payload map[string]any) bool {
	value, found := Lookup(payload, condition.Path)

	switch condition.Op {
	case OpExists:
		return found
	case OpNotExists:
		return !found
	}

	if !found {
		return false
	}

	switch condition.Op {
	case OpEq:
		return equalValues(value, condition.Value)
	case OpNe:
		return !equalValues(value, condition.Value)
	case OpGt, OpGte, OpLt, OpLte:
		cmp, ok := compareValues(value, condition.Value)
		if !ok {
			return false
		}

		switch condition.Op {
		case OpGt:
			return cmp > 0
		case OpGte:
			return cmp >= 0
		case OpLt:
			return cmp < 0
		default:
			return cmp <= 0
		}
	case OpIn:
		options, ok := condition.Value.([]any)
		if !ok {
			return false
		}

		for _, option := range options {
			if equalValues(value, option) {
				return true
			}
		}

		return false
	case OpContains:
		return containsValue(value, condition.Value)
	default:
		return false
	}
}

// Lookup resolves a dotted path through maps and lists. Numeric segments
// index lists.
func Lookup(root any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}

	current := root

	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[segment]
			if !ok {
				return nil, false
			}

			current = next
		case []any:
			index, err := strconv.Atoi(segment)
			if err != nil || index < 0 || index >= len(node) {
				return nil, false
			}

			current = node[index]
		case []map[string]any:
			index, err := strconv.Atoi(segment)
			if err != nil || index < 0 || index >= len(node) {
				return nil, false
			}

			current = node[index]
		default:
			return nil, false
		}
	}

	return current, true
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func equalValues(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}

		return false
	}

	return reflect.DeepEqual(a, b)
}

func compareValues(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}

		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}

	sa, ok := a.(string)
	if !ok {
		return 0, false
	}

	sb, ok := b.(string)
	if !ok {
		return 0, false
	}

	return strings.Compare(sa, sb), true
}

func containsValue(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		n, ok := needle.(string)
		return ok && strings.Contains(h, n)
	case []any:
		for _, item := range h {
			if equalValues(item, needle) {
				return true
			}
		}

		return false
	case map[string]any:
		key, ok := needle.(string)
		if !ok {
			return false
		}

		_, found := h[key]

		return found
	default:
		return false
	}
}
