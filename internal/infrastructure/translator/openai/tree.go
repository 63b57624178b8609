package openai

import "encoding/json"

// Small accessors for walking parsed request bodies without panicking on
// malformed input.

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func asSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

func floatOf(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func intOf(v any) (int, bool) {
	f, ok := floatOf(v)
	if !ok {
		return 0, false
	}
	return int(f), true
}
