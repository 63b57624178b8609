package compress

import (
	"go.uber.org/zap"
)

// Options tunes the progressive compression pipeline.
type Options struct {
	Layer1Threshold    float64 // tool-round trimming kicks in at this pressure
	Layer2Threshold    float64 // thinking compression
	Layer3Threshold    float64 // fork-hint extraction
	KeepLastToolRounds int
	ProtectedLastN     int
}

// DefaultOptions returns the tuning the proxy ships with.
func DefaultOptions() Options {
	return Options{
		Layer1Threshold:    60,
		Layer2Threshold:    75,
		Layer3Threshold:    90,
		KeepLastToolRounds: 5,
		ProtectedLastN:     4,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Layer1Threshold <= 0 {
		o.Layer1Threshold = d.Layer1Threshold
	}
	if o.Layer2Threshold <= 0 {
		o.Layer2Threshold = d.Layer2Threshold
	}
	if o.Layer3Threshold <= 0 {
		o.Layer3Threshold = d.Layer3Threshold
	}
	if o.KeepLastToolRounds <= 0 {
		o.KeepLastToolRounds = d.KeepLastToolRounds
	}
	if o.ProtectedLastN <= 0 {
		o.ProtectedLastN = d.ProtectedLastN
	}
	return o
}

// Compressor shrinks oversized Claude-dialect request trees in place before
// translation. It works in three ordered layers, each gated on the current
// pressure (estimated tokens as a percentage of the model's context window):
//
//	layer 1: drop all but the most recent tool rounds
//	layer 2: collapse old thinking text, keeping the signatures
//	layer 3: surface a fork-anchor signature without mutating anything
//
// Compression degrades instead of failing: malformed trees pass through
// untouched.
type Compressor struct {
	opts   Options
	logger *zap.Logger
}

// Result describes what one Compress call did to the request.
type Result struct {
	InitialPressure    float64
	FinalPressure      float64
	Layer1Applied      bool
	Layer2Applied      bool
	Layer3Applied      bool
	MessagesRemoved    int
	ThinkingCompressed int
	ForkSignature      string
}

func NewCompressor(opts Options, logger *zap.Logger) *Compressor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compressor{opts: opts.withDefaults(), logger: logger}
}

// Compress applies the layered pipeline to body, mutating it in place.
// Pressure is re-estimated after every layer; a layer only runs while the
// pressure is still at or above its own threshold. maxTokens <= 0 disables
// compression entirely.
func (c *Compressor) Compress(body map[string]any, maxTokens int) *Result {
	res := &Result{}
	if body == nil || maxTokens <= 0 {
		return res
	}

	pressure := c.pressure(body, maxTokens)
	res.InitialPressure = pressure
	res.FinalPressure = pressure

	if pressure >= c.opts.Layer1Threshold {
		res.MessagesRemoved = c.trimToolRounds(body)
		res.Layer1Applied = true
		pressure = c.pressure(body, maxTokens)
		res.FinalPressure = pressure
	}

	if res.Layer1Applied && pressure >= c.opts.Layer2Threshold {
		res.ThinkingCompressed = c.collapseThinking(body)
		res.Layer2Applied = true
		pressure = c.pressure(body, maxTokens)
		res.FinalPressure = pressure
	}

	if res.Layer2Applied && pressure >= c.opts.Layer3Threshold {
		res.ForkSignature = findForkSignature(body)
		res.Layer3Applied = true
	}

	if res.Layer1Applied {
		c.logger.Info("context compression applied",
			zap.Float64("initial_pressure", res.InitialPressure),
			zap.Float64("final_pressure", res.FinalPressure),
			zap.Int("messages_removed", res.MessagesRemoved),
			zap.Int("thinking_compressed", res.ThinkingCompressed),
			zap.Bool("fork_hint", res.ForkSignature != ""),
		)
	}
	return res
}

func (c *Compressor) pressure(body map[string]any, maxTokens int) float64 {
	return 100 * float64(EstimateRequestTokens(body)) / float64(maxTokens)
}

// --- layer 1: tool-round trimming ---

// roundSpan is an inclusive message-index range covering one tool round: the
// assistant message holding the tool_use parts plus the consecutive user
// messages answering it.
type roundSpan struct {
	start, end int
}

func (c *Compressor) trimToolRounds(body map[string]any) int {
	messages, ok := asSlice(body["messages"])
	if !ok {
		return 0
	}
	rounds := findToolRounds(messages)
	if len(rounds) <= c.opts.KeepLastToolRounds {
		return 0
	}

	removed := 0
	drop := rounds[:len(rounds)-c.opts.KeepLastToolRounds]
	// Delete back-to-front so the earlier spans keep their indices.
	for i := len(drop) - 1; i >= 0; i-- {
		span := drop[i]
		removed += span.end - span.start + 1
		messages = append(messages[:span.start], messages[span.end+1:]...)
	}
	body["messages"] = messages
	return removed
}

func findToolRounds(messages []any) []roundSpan {
	var rounds []roundSpan
	for i := 0; i < len(messages); i++ {
		msg, ok := asMap(messages[i])
		if !ok || stringOf(msg["role"]) != "assistant" || !hasToolUse(msg) {
			continue
		}
		end := i
		for j := i + 1; j < len(messages) && isToolResultMessage(messages[j]); j++ {
			end = j
		}
		rounds = append(rounds, roundSpan{start: i, end: end})
		i = end
	}
	return rounds
}

func hasToolUse(msg map[string]any) bool {
	content, ok := asSlice(msg["content"])
	if !ok {
		return false
	}
	for _, raw := range content {
		if block, ok := asMap(raw); ok && stringOf(block["type"]) == "tool_use" {
			return true
		}
	}
	return false
}

func isToolResultMessage(raw any) bool {
	msg, ok := asMap(raw)
	if !ok || stringOf(msg["role"]) != "user" {
		return false
	}
	content, ok := asSlice(msg["content"])
	if !ok || len(content) == 0 {
		return false
	}
	for _, b := range content {
		block, ok := asMap(b)
		if !ok || stringOf(block["type"]) != "tool_result" {
			return false
		}
	}
	return true
}

// --- layer 2: thinking compression ---

// collapseThinking replaces old thinking text with "..." while leaving the
// signatures byte-for-byte intact, so the upstream signature chain survives.
// The last ProtectedLastN messages are never touched.
func (c *Compressor) collapseThinking(body map[string]any) int {
	messages, ok := asSlice(body["messages"])
	if !ok {
		return 0
	}
	cutoff := len(messages) - c.opts.ProtectedLastN
	if cutoff <= 0 {
		return 0
	}

	compressed := 0
	for i := 0; i < cutoff; i++ {
		msg, ok := asMap(messages[i])
		if !ok || stringOf(msg["role"]) != "assistant" {
			continue
		}
		content, ok := asSlice(msg["content"])
		if !ok {
			continue
		}
		for _, raw := range content {
			block, ok := asMap(raw)
			if !ok || stringOf(block["type"]) != "thinking" {
				continue
			}
			if stringOf(block["signature"]) == "" {
				continue
			}
			if len(stringOf(block["thinking"])) <= 10 {
				continue
			}
			block["thinking"] = "..."
			compressed++
		}
	}
	return compressed
}

// --- layer 3: fork hint ---

const forkSignatureMinLen = 50

// findForkSignature returns the newest thinking signature long enough to act
// as a fork anchor. Read-only.
func findForkSignature(body map[string]any) string {
	messages, ok := asSlice(body["messages"])
	if !ok {
		return ""
	}
	for i := len(messages) - 1; i >= 0; i-- {
		msg, ok := asMap(messages[i])
		if !ok || stringOf(msg["role"]) != "assistant" {
			continue
		}
		content, ok := asSlice(msg["content"])
		if !ok {
			continue
		}
		for j := len(content) - 1; j >= 0; j-- {
			block, ok := asMap(content[j])
			if !ok || stringOf(block["type"]) != "thinking" {
				continue
			}
			if sig := stringOf(block["signature"]); len(sig) >= forkSignatureMinLen {
				return sig
			}
		}
	}
	return ""
}
