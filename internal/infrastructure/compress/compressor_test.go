package compress

import (
	"fmt"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func newTestCompressor() *Compressor {
	return NewCompressor(DefaultOptions(), zap.NewNop())
}

// toolRound builds one assistant tool_use message plus its user tool_result
// reply, padded with text so rounds have real token weight.
func toolRound(n int, padding string) []any {
	id := fmt.Sprintf("toolu_%02d", n)
	return []any{
		map[string]any{"role": "assistant", "content": []any{
			map[string]any{"type": "text", "text": padding},
			map[string]any{"type": "tool_use", "id": id, "name": "search",
				"input": map[string]any{"query": padding}},
		}},
		map[string]any{"role": "user", "content": []any{
			map[string]any{"type": "tool_result", "tool_use_id": id, "content": padding},
		}},
	}
}

// budgetFor returns a maxTokens that puts the body at roughly the given
// pressure percentage.
func budgetFor(t *testing.T, body map[string]any, pct int) int {
	t.Helper()
	est := EstimateRequestTokens(body)
	if est == 0 {
		t.Fatal("empty body in pressure setup")
	}
	return est * 100 / pct
}

func TestCompressor_BelowThresholdUntouched(t *testing.T) {
	body := map[string]any{"messages": append(toolRound(1, "pad"), toolRound(2, "pad")...)}
	before := EstimateRequestTokens(body)

	res := newTestCompressor().Compress(body, budgetFor(t, body, 30))
	if res.Layer1Applied || res.Layer2Applied || res.Layer3Applied {
		t.Fatalf("layers applied below threshold: %+v", res)
	}
	if got := EstimateRequestTokens(body); got != before {
		t.Fatalf("body mutated below threshold: %d -> %d", before, got)
	}
}

func TestCompressor_TrimsOldToolRounds(t *testing.T) {
	pad := strings.Repeat("lorem ipsum ", 40)
	var messages []any
	for i := 1; i <= 7; i++ {
		messages = append(messages, toolRound(i, pad)...)
	}
	body := map[string]any{"messages": messages}

	res := newTestCompressor().Compress(body, budgetFor(t, body, 65))
	if !res.Layer1Applied {
		t.Fatal("layer 1 did not run at 65% pressure")
	}
	if res.Layer2Applied {
		t.Fatal("layer 2 ran below its threshold")
	}
	if res.MessagesRemoved != 4 {
		t.Fatalf("MessagesRemoved = %d, want 4 (two rounds)", res.MessagesRemoved)
	}

	survivors, _ := asSlice(body["messages"])
	if len(survivors) != 10 {
		t.Fatalf("messages length = %d, want 10", len(survivors))
	}

	// The two oldest rounds are gone; pairing stays intact in survivors.
	for i := 0; i < len(survivors); i += 2 {
		assistant, _ := asMap(survivors[i])
		content, _ := asSlice(assistant["content"])
		var useID string
		for _, raw := range content {
			if block, _ := asMap(raw); stringOf(block["type"]) == "tool_use" {
				useID = stringOf(block["id"])
			}
		}
		if useID == "toolu_01" || useID == "toolu_02" {
			t.Fatalf("oldest round %s survived", useID)
		}
		reply, _ := asMap(survivors[i+1])
		replyContent, _ := asSlice(reply["content"])
		result, _ := asMap(replyContent[0])
		if stringOf(result["tool_use_id"]) != useID {
			t.Fatalf("round pairing broken: %s answered by %s",
				useID, stringOf(result["tool_use_id"]))
		}
	}
}

func TestCompressor_KeepsRecentRoundsWhenFewEnough(t *testing.T) {
	pad := strings.Repeat("data ", 50)
	var messages []any
	for i := 1; i <= 5; i++ {
		messages = append(messages, toolRound(i, pad)...)
	}
	body := map[string]any{"messages": messages}

	res := newTestCompressor().Compress(body, budgetFor(t, body, 65))
	if res.MessagesRemoved != 0 {
		t.Fatalf("MessagesRemoved = %d, want 0 with only 5 rounds", res.MessagesRemoved)
	}
	survivors, _ := asSlice(body["messages"])
	if len(survivors) != 10 {
		t.Fatalf("messages length = %d, want 10", len(survivors))
	}
}

func TestCompressor_CollapsesOldThinking(t *testing.T) {
	sig := strings.Repeat("s", 60)
	thinking := strings.Repeat("x", 100)
	messages := []any{
		map[string]any{"role": "assistant", "content": []any{
			map[string]any{"type": "thinking", "thinking": thinking, "signature": sig},
		}},
	}
	for i := 0; i < 5; i++ {
		messages = append(messages, map[string]any{
			"role": "user", "content": strings.Repeat("filler text ", 30),
		})
	}
	body := map[string]any{"messages": messages}

	res := newTestCompressor().Compress(body, budgetFor(t, body, 80))
	if !res.Layer2Applied {
		t.Fatal("layer 2 did not run at 80% pressure")
	}
	if res.ThinkingCompressed != 1 {
		t.Fatalf("ThinkingCompressed = %d, want 1", res.ThinkingCompressed)
	}

	msgs, _ := asSlice(body["messages"])
	first, _ := asMap(msgs[0])
	content, _ := asSlice(first["content"])
	block, _ := asMap(content[0])
	if stringOf(block["thinking"]) != "..." {
		t.Fatalf("thinking = %q, want ...", stringOf(block["thinking"]))
	}
	if stringOf(block["signature"]) != sig {
		t.Fatal("signature changed during thinking compression")
	}
}

func TestCompressor_ProtectedTailUntouched(t *testing.T) {
	sig := strings.Repeat("s", 60)
	thinking := strings.Repeat("x", 100)
	// Thinking sits inside the last 4 messages, so it must survive.
	messages := []any{
		map[string]any{"role": "user", "content": strings.Repeat("filler ", 50)},
		map[string]any{"role": "assistant", "content": []any{
			map[string]any{"type": "thinking", "thinking": thinking, "signature": sig},
		}},
		map[string]any{"role": "user", "content": "follow-up"},
		map[string]any{"role": "assistant", "content": "reply"},
	}
	body := map[string]any{"messages": messages}

	res := newTestCompressor().Compress(body, budgetFor(t, body, 80))
	if res.ThinkingCompressed != 0 {
		t.Fatalf("ThinkingCompressed = %d, want 0 inside protected tail", res.ThinkingCompressed)
	}
	msgs, _ := asSlice(body["messages"])
	second, _ := asMap(msgs[1])
	content, _ := asSlice(second["content"])
	block, _ := asMap(content[0])
	if stringOf(block["thinking"]) != thinking {
		t.Fatal("protected thinking text was rewritten")
	}
}

func TestCompressor_SkipsUnsignedOrShortThinking(t *testing.T) {
	messages := []any{
		map[string]any{"role": "assistant", "content": []any{
			map[string]any{"type": "thinking", "thinking": strings.Repeat("x", 100), "signature": ""},
			map[string]any{"type": "thinking", "thinking": "tiny", "signature": strings.Repeat("s", 60)},
		}},
	}
	for i := 0; i < 5; i++ {
		messages = append(messages, map[string]any{
			"role": "user", "content": strings.Repeat("filler text ", 30),
		})
	}
	body := map[string]any{"messages": messages}

	res := newTestCompressor().Compress(body, budgetFor(t, body, 80))
	if res.ThinkingCompressed != 0 {
		t.Fatalf("ThinkingCompressed = %d, want 0", res.ThinkingCompressed)
	}
}

func TestCompressor_SignatureSetPreserved(t *testing.T) {
	var messages []any
	for i := 0; i < 8; i++ {
		messages = append(messages, map[string]any{
			"role": "assistant", "content": []any{
				map[string]any{"type": "thinking",
					"thinking":  strings.Repeat("deep thought ", 20),
					"signature": fmt.Sprintf("sig-%02d-%s", i, strings.Repeat("a", 50))},
			},
		}, map[string]any{"role": "user", "content": "ok"})
	}
	body := map[string]any{"messages": messages}

	collect := func() map[string]bool {
		set := make(map[string]bool)
		msgs, _ := asSlice(body["messages"])
		for _, raw := range msgs {
			msg, _ := asMap(raw)
			content, ok := asSlice(msg["content"])
			if !ok {
				continue
			}
			for _, b := range content {
				block, _ := asMap(b)
				if stringOf(block["type"]) == "thinking" && stringOf(block["signature"]) != "" {
					set[stringOf(block["signature"])] = true
				}
			}
		}
		return set
	}

	before := collect()
	newTestCompressor().Compress(body, budgetFor(t, body, 80))
	after := collect()

	if len(before) != len(after) {
		t.Fatalf("signature set size changed: %d -> %d", len(before), len(after))
	}
	for sig := range before {
		if !after[sig] {
			t.Fatalf("signature %q lost", sig)
		}
	}
}

func TestCompressor_MonotonicTokenCount(t *testing.T) {
	pad := strings.Repeat("words ", 60)
	var messages []any
	for i := 1; i <= 8; i++ {
		messages = append(messages, toolRound(i, pad)...)
		messages = append(messages, map[string]any{
			"role": "assistant", "content": []any{
				map[string]any{"type": "thinking",
					"thinking":  strings.Repeat("pondering ", 30),
					"signature": strings.Repeat("q", 64)},
			},
		})
	}
	body := map[string]any{"messages": messages}
	before := EstimateRequestTokens(body)

	res := newTestCompressor().Compress(body, budgetFor(t, body, 95))
	after := EstimateRequestTokens(body)
	if after > before {
		t.Fatalf("token count grew: %d -> %d", before, after)
	}
	if res.FinalPressure > res.InitialPressure {
		t.Fatalf("pressure grew: %.1f -> %.1f", res.InitialPressure, res.FinalPressure)
	}
}

func TestCompressor_ForkSignature(t *testing.T) {
	longSig := strings.Repeat("f", 64)
	messages := []any{
		map[string]any{"role": "assistant", "content": []any{
			map[string]any{"type": "thinking", "thinking": strings.Repeat("old ", 50),
				"signature": strings.Repeat("e", 64)},
		}},
		map[string]any{"role": "user", "content": strings.Repeat("filler ", 80)},
		map[string]any{"role": "assistant", "content": []any{
			map[string]any{"type": "thinking", "thinking": "recent", "signature": "too-short"},
			map[string]any{"type": "thinking", "thinking": "recent", "signature": longSig},
		}},
	}
	body := map[string]any{"messages": messages}

	res := newTestCompressor().Compress(body, budgetFor(t, body, 95))
	if !res.Layer3Applied {
		t.Fatal("layer 3 did not run at 95% pressure")
	}
	// Back-to-front scan: the newest signature of length >= 50 wins.
	if res.ForkSignature != longSig {
		t.Fatalf("ForkSignature = %q, want the newest long signature", res.ForkSignature)
	}
}

func TestCompressor_LayerTwoSkippedWhenLayerOneRelieves(t *testing.T) {
	heavy := strings.Repeat("heavy payload ", 200)
	light := "ok"
	var messages []any
	// Six rounds: the first, very heavy one gets trimmed away.
	messages = append(messages, toolRound(1, heavy)...)
	for i := 2; i <= 6; i++ {
		messages = append(messages, toolRound(i, light)...)
	}
	messages = append(messages, map[string]any{
		"role": "assistant", "content": []any{
			map[string]any{"type": "thinking",
				"thinking":  strings.Repeat("x", 100),
				"signature": strings.Repeat("s", 60)},
		},
	})
	for i := 0; i < 4; i++ {
		messages = append(messages, map[string]any{"role": "user", "content": "tail"})
	}
	body := map[string]any{"messages": messages}

	res := newTestCompressor().Compress(body, budgetFor(t, body, 90))
	if !res.Layer1Applied {
		t.Fatal("layer 1 did not run")
	}
	if res.MessagesRemoved != 2 {
		t.Fatalf("MessagesRemoved = %d, want 2", res.MessagesRemoved)
	}
	if res.Layer2Applied {
		t.Fatal("layer 2 ran although trimming relieved the pressure")
	}
	if res.FinalPressure >= 75 {
		t.Fatalf("FinalPressure = %.1f, expected below 75 after trimming", res.FinalPressure)
	}
}

func TestCompressor_NoBudgetNoOp(t *testing.T) {
	body := map[string]any{"messages": []any{
		map[string]any{"role": "user", "content": "hello"},
	}}
	res := newTestCompressor().Compress(body, 0)
	if res.Layer1Applied || res.InitialPressure != 0 {
		t.Fatalf("expected no-op without budget, got %+v", res)
	}
	if res = newTestCompressor().Compress(nil, 1000); res.Layer1Applied {
		t.Fatal("nil body must be a no-op")
	}
}
