package compress

import (
	"encoding/json"
	"math"
)

// Heuristic calibration: roughly four ASCII characters or 1.5 non-ASCII
// characters per token, inflated by 15% to stay on the safe side of the
// upstream's real tokenizer.
const (
	asciiCharsPerToken = 4
	inflationFactor    = 1.15
	messageOverhead    = 4
)

// EstimateTokens approximates how many tokens a piece of text costs upstream.
// Empty input costs nothing. The same input always yields the same estimate.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	ascii, wide := 0, 0
	for _, r := range text {
		if r < 128 {
			ascii++
		} else {
			wide++
		}
	}
	base := ceilDiv(ascii, asciiCharsPerToken) + ceilDiv(2*wide, 3)
	return int(math.Ceil(float64(base) * inflationFactor))
}

// EstimateRequestTokens walks a Claude-dialect request body and sums the
// estimated cost of the system instruction, every message part, the tool
// declarations, and any declared thinking budget. Each message adds a fixed
// role overhead. Malformed nodes are skipped rather than rejected.
func EstimateRequestTokens(body map[string]any) int {
	if body == nil {
		return 0
	}
	total := estimateSystem(body["system"])

	if messages, ok := asSlice(body["messages"]); ok {
		for _, raw := range messages {
			msg, ok := asMap(raw)
			if !ok {
				continue
			}
			total += messageOverhead
			total += estimateContent(msg["content"])
		}
	}

	if tools, ok := asSlice(body["tools"]); ok {
		for _, raw := range tools {
			tool, ok := asMap(raw)
			if !ok {
				continue
			}
			total += EstimateTokens(stringOf(tool["name"]))
			total += EstimateTokens(stringOf(tool["description"]))
			if schema, ok := tool["input_schema"]; ok {
				total += EstimateTokens(canonicalJSON(schema))
			}
		}
	}

	if thinking, ok := asMap(body["thinking"]); ok {
		if budget, ok := intOf(thinking["budget_tokens"]); ok && budget > 0 {
			total += budget
		}
	}
	return total
}

func estimateSystem(system any) int {
	switch v := system.(type) {
	case string:
		return EstimateTokens(v)
	case []any:
		total := 0
		for _, raw := range v {
			if block, ok := asMap(raw); ok {
				total += EstimateTokens(stringOf(block["text"]))
			}
		}
		return total
	default:
		return 0
	}
}

func estimateContent(content any) int {
	switch v := content.(type) {
	case string:
		return EstimateTokens(v)
	case []any:
		total := 0
		for _, raw := range v {
			block, ok := asMap(raw)
			if !ok {
				continue
			}
			total += estimateBlock(block)
		}
		return total
	default:
		return 0
	}
}

func estimateBlock(block map[string]any) int {
	switch stringOf(block["type"]) {
	case "text":
		return EstimateTokens(stringOf(block["text"]))
	case "thinking":
		return EstimateTokens(stringOf(block["thinking"]))
	case "redacted_thinking":
		return EstimateTokens(stringOf(block["data"]))
	case "tool_use":
		return EstimateTokens(stringOf(block["name"])) +
			EstimateTokens(canonicalJSON(block["input"]))
	case "tool_result":
		if s, ok := asString(block["content"]); ok {
			return EstimateTokens(s)
		}
		return EstimateTokens(canonicalJSON(block["content"]))
	case "image":
		if source, ok := asMap(block["source"]); ok {
			return EstimateTokens(stringOf(source["data"]))
		}
		return 0
	default:
		return EstimateTokens(canonicalJSON(block))
	}
}

// canonicalJSON renders a value deterministically: encoding/json sorts map
// keys, so equal trees always serialize identically.
func canonicalJSON(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func ceilDiv(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// --- tree helpers ---

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func asSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

func intOf(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}
