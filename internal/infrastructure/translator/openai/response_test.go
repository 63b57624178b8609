package openai

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/ngoclaw/gravitygate/internal/infrastructure/translator"
	"github.com/ngoclaw/gravitygate/internal/infrastructure/upstream"
)

func decodeChunk(t *testing.T, f translator.Frame) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(f.Data, &m); err != nil {
		t.Fatalf("chunk is not valid JSON: %v\n%s", err, f.Data)
	}
	return m
}

func chunkDelta(t *testing.T, f translator.Frame) map[string]any {
	t.Helper()
	m := decodeChunk(t, f)
	choices, _ := m["choices"].([]any)
	if len(choices) != 1 {
		t.Fatalf("choices = %v", m["choices"])
	}
	delta, _ := choices[0].(map[string]any)["delta"].(map[string]any)
	return delta
}

func TestConvertChunk_DeltaSequence(t *testing.T) {
	tr, cache := newTestTranslator(t)
	state := tr.NewStreamState("gemini-3-pro-high")

	// Reasoning first.
	frames := tr.ConvertChunk(state, &upstream.Response{
		Candidates: []upstream.Candidate{{
			Content: upstream.Content{Role: "model", Parts: []upstream.Part{
				{Thought: true, Text: "pondering"},
			}},
		}},
	})
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	delta := chunkDelta(t, frames[0])
	if delta["role"] != "assistant" {
		t.Fatalf("first delta role = %v", delta["role"])
	}
	if delta["reasoning_content"] != "pondering" {
		t.Fatalf("reasoning_content = %v", delta["reasoning_content"])
	}
	envelope := decodeChunk(t, frames[0])
	if envelope["object"] != "chat.completion.chunk" {
		t.Fatalf("object = %v", envelope["object"])
	}
	if !strings.HasPrefix(envelope["id"].(string), "chatcmpl-") {
		t.Fatalf("id = %v", envelope["id"])
	}

	// Signature arrives: no frame, but the cache learns it.
	frames = tr.ConvertChunk(state, &upstream.Response{
		Candidates: []upstream.Candidate{{
			Content: upstream.Content{Role: "model", Parts: []upstream.Part{
				{Thought: true, ThoughtSignature: "stream-signature-789"},
			}},
		}},
	})
	if len(frames) != 0 {
		t.Fatalf("signature-only part produced %d frames", len(frames))
	}
	if sig, ok := cache.Get("pondering"); !ok || sig != "stream-signature-789" {
		t.Fatalf("cache lookup = %q, %v", sig, ok)
	}

	// Text, then a tool call.
	frames = tr.ConvertChunk(state, &upstream.Response{
		Candidates: []upstream.Candidate{{
			FinishReason: upstream.FinishStop,
			Content: upstream.Content{Role: "model", Parts: []upstream.Part{
				{Text: "On it."},
				{FunctionCall: &upstream.FunctionCall{Name: "grep", Args: map[string]any{"description": "TODO"}}},
			}},
		}},
		UsageMetadata: &upstream.UsageMetadata{
			PromptTokenCount:     80,
			CandidatesTokenCount: 15,
			ThoughtsTokenCount:   5,
			TotalTokenCount:      100,
		},
	})
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want text + tool call", len(frames))
	}
	if delta := chunkDelta(t, frames[0]); delta["content"] != "On it." {
		t.Fatalf("content = %v", delta["content"])
	}
	calls, _ := chunkDelta(t, frames[1])["tool_calls"].([]any)
	if len(calls) != 1 {
		t.Fatalf("tool_calls = %v", calls)
	}
	call, _ := calls[0].(map[string]any)
	if call["id"] != "call_grep_0" || call["index"] != float64(0) {
		t.Fatalf("tool call = %v", call)
	}
	fn, _ := call["function"].(map[string]any)
	if fn["name"] != "grep" {
		t.Fatalf("function name = %v", fn["name"])
	}
	if fn["arguments"] != `{"pattern":"TODO"}` {
		t.Fatalf("arguments = %v, want description remapped to pattern", fn["arguments"])
	}

	// Closing frames: finish chunk with usage, then [DONE].
	frames = tr.FinishStream(state)
	if len(frames) != 2 {
		t.Fatalf("closing frames = %d, want 2", len(frames))
	}
	final := decodeChunk(t, frames[0])
	choices, _ := final["choices"].([]any)
	if fr := choices[0].(map[string]any)["finish_reason"]; fr != "tool_calls" {
		t.Fatalf("finish_reason = %v", fr)
	}
	usage, _ := final["usage"].(map[string]any)
	if usage["prompt_tokens"] != float64(80) || usage["completion_tokens"] != float64(20) || usage["total_tokens"] != float64(100) {
		t.Fatalf("usage = %v", usage)
	}
	details, _ := usage["completion_tokens_details"].(map[string]any)
	if details["reasoning_tokens"] != float64(5) {
		t.Fatalf("reasoning_tokens = %v", details["reasoning_tokens"])
	}
	if string(frames[1].Data) != "[DONE]" {
		t.Fatalf("terminator = %q", frames[1].Data)
	}
}

func TestFinishStream_CitationsFlushed(t *testing.T) {
	tr, _ := newTestTranslator(t)
	state := tr.NewStreamState("gemini-3-flash")

	tr.ConvertChunk(state, &upstream.Response{
		Candidates: []upstream.Candidate{{
			Content: upstream.Content{Role: "model", Parts: []upstream.Part{{Text: "answer"}}},
			GroundingMetadata: &upstream.GroundingMetadata{
				GroundingChunks: []upstream.GroundingChunk{
					{Web: &upstream.WebSource{URI: "https://example.com/a", Title: "Source A"}},
					{Web: &upstream.WebSource{URI: "https://example.com/a", Title: "Source A"}}, // dup
					{Web: &upstream.WebSource{URI: "https://example.com/b"}},
				},
			},
		}},
	})

	frames := tr.FinishStream(state)
	if len(frames) != 3 {
		t.Fatalf("frames = %d, want citations + final + [DONE]", len(frames))
	}
	content, _ := chunkDelta(t, frames[0])["content"].(string)
	if !strings.Contains(content, "- [Source A](https://example.com/a)") {
		t.Fatalf("citation block = %q", content)
	}
	if strings.Count(content, "example.com/a") != 1 {
		t.Fatalf("duplicate citation not collapsed: %q", content)
	}
	if !strings.Contains(content, "- [https://example.com/b](https://example.com/b)") {
		t.Fatalf("untitled citation = %q", content)
	}
}

func TestConvertUnary_AssemblesMessage(t *testing.T) {
	tr, _ := newTestTranslator(t)

	resp := &upstream.Response{
		Candidates: []upstream.Candidate{{
			FinishReason: upstream.FinishStop,
			Content: upstream.Content{Role: "model", Parts: []upstream.Part{
				{Thought: true, Text: "hmm "},
				{Thought: true, Text: "ok"},
				{Text: "The answer"},
				{Text: " is 42."},
				{FunctionCall: &upstream.FunctionCall{Name: "EnterPlanMode", Args: map[string]any{"junk": 1}}},
				{InlineData: &upstream.InlineData{MimeType: "image/png", Data: "AAAA"}},
			}},
		}},
		UsageMetadata: &upstream.UsageMetadata{
			PromptTokenCount:        100,
			CachedContentTokenCount: 40,
			CandidatesTokenCount:    30,
			ThoughtsTokenCount:      10,
			TotalTokenCount:         140,
		},
	}
	data, err := tr.ConvertUnary("gemini-3-pro-high", resp)
	if err != nil {
		t.Fatalf("ConvertUnary: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["object"] != "chat.completion" {
		t.Fatalf("object = %v", out["object"])
	}
	choices, _ := out["choices"].([]any)
	choice, _ := choices[0].(map[string]any)
	if choice["finish_reason"] != "tool_calls" {
		t.Fatalf("finish_reason = %v", choice["finish_reason"])
	}
	msg, _ := choice["message"].(map[string]any)
	if msg["role"] != "assistant" {
		t.Fatalf("role = %v", msg["role"])
	}
	if msg["content"] != "The answer is 42." {
		t.Fatalf("content = %v", msg["content"])
	}
	if msg["reasoning_content"] != "hmm ok" {
		t.Fatalf("reasoning_content = %v", msg["reasoning_content"])
	}
	calls, _ := msg["tool_calls"].([]any)
	fn, _ := calls[0].(map[string]any)["function"].(map[string]any)
	if fn["arguments"] != "{}" {
		t.Fatalf("EnterPlanMode arguments = %v, want cleared", fn["arguments"])
	}
	images, _ := msg["images"].([]any)
	img, _ := images[0].(map[string]any)["image_url"].(map[string]any)
	if img["url"] != "data:image/png;base64,AAAA" {
		t.Fatalf("image url = %v", img["url"])
	}
	usage, _ := out["usage"].(map[string]any)
	if usage["prompt_tokens"] != float64(60) || usage["completion_tokens"] != float64(40) || usage["total_tokens"] != float64(140) {
		t.Fatalf("usage = %v", usage)
	}
	promptDetails, _ := usage["prompt_tokens_details"].(map[string]any)
	if promptDetails["cached_tokens"] != float64(40) {
		t.Fatalf("cached_tokens = %v", promptDetails["cached_tokens"])
	}
}

func TestRemapFunctionArgs(t *testing.T) {
	cases := []struct {
		name string
		tool string
		in   map[string]any
		want map[string]any
	}{
		{"grep description", "grep", map[string]any{"description": "x"}, map[string]any{"pattern": "x"}},
		{"grep query", "grep", map[string]any{"query": "x"}, map[string]any{"pattern": "x"}},
		{"glob description", "glob", map[string]any{"description": "*.go"}, map[string]any{"pattern": "*.go"}},
		{"search query", "search", map[string]any{"query": "x"}, map[string]any{"pattern": "x"}},
		{"pattern not clobbered", "grep", map[string]any{"description": "x", "pattern": "y"}, map[string]any{"pattern": "y"}},
		{"paths collapse", "read_file", map[string]any{"paths": []any{"a.go", "b.go"}}, map[string]any{"path": "a.go"}},
		{"plan mode cleared", "EnterPlanMode", map[string]any{"anything": true}, map[string]any{}},
		{"untouched", "write_file", map[string]any{"path": "a.go"}, map[string]any{"path": "a.go"}},
	}
	for _, tc := range cases {
		got := remapFunctionArgs(tc.tool, tc.in)
		if len(got) != len(tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
			continue
		}
		for k, v := range tc.want {
			if got[k] != v {
				t.Errorf("%s: got[%q] = %v, want %v", tc.name, k, got[k], v)
			}
		}
	}
}

func TestMapFinishReason(t *testing.T) {
	cases := []struct {
		finish     string
		sawToolUse bool
		want       string
	}{
		{upstream.FinishStop, false, "stop"},
		{upstream.FinishStop, true, "tool_calls"},
		{upstream.FinishMaxTokens, false, "length"},
		{"", false, "stop"},
	}
	for _, tc := range cases {
		if got := mapFinishReason(tc.finish, tc.sawToolUse); got != tc.want {
			t.Errorf("mapFinishReason(%q, %v) = %q, want %q", tc.finish, tc.sawToolUse, got, tc.want)
		}
	}
}
