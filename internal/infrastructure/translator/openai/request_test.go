package openai

import (
	"testing"
	"time"

	"github.com/ngoclaw/gravitygate/internal/infrastructure/sigcache"
)

func newTestTranslator(t *testing.T) (*Translator, *sigcache.SignatureCache) {
	t.Helper()
	cache := sigcache.NewSignatureCache(time.Hour, 100, 0, nil)
	return New(cache, nil), cache
}

func TestConvertRequest_SystemAndRoles(t *testing.T) {
	tr, _ := newTestTranslator(t)

	body := map[string]any{
		"messages": []any{
			map[string]any{"role": "system", "content": "be brief"},
			map[string]any{"role": "developer", "content": "use metric units"},
			map[string]any{"role": "user", "content": "hello"},
			map[string]any{"role": "assistant", "content": "hi"},
		},
	}
	req := tr.ConvertRequest("gemini-3-flash", body)

	sys := req.Request.SystemInstruction
	if sys == nil || len(sys.Parts) != 2 {
		t.Fatalf("systemInstruction = %+v, want both system parts", sys)
	}
	if sys.Parts[0].Text != "be brief" || sys.Parts[1].Text != "use metric units" {
		t.Fatalf("system parts = %+v", sys.Parts)
	}
	if len(req.Request.Contents) != 2 {
		t.Fatalf("contents = %d, want 2", len(req.Request.Contents))
	}
	if req.Request.Contents[0].Role != "user" || req.Request.Contents[1].Role != "model" {
		t.Fatalf("roles = %q, %q", req.Request.Contents[0].Role, req.Request.Contents[1].Role)
	}
}

func TestConvertRequest_SystemOnlyBecomesUserTurn(t *testing.T) {
	tr, _ := newTestTranslator(t)

	body := map[string]any{
		"messages": []any{
			map[string]any{"role": "system", "content": "ping"},
		},
	}
	req := tr.ConvertRequest("gemini-3-flash", body)
	if req.Request.SystemInstruction != nil {
		t.Fatalf("systemInstruction = %+v, want none", req.Request.SystemInstruction)
	}
	if len(req.Request.Contents) != 1 || req.Request.Contents[0].Role != "user" {
		t.Fatalf("contents = %+v, want one user turn", req.Request.Contents)
	}
}

func TestConvertRequest_ToolCallsWithSyntheticResponses(t *testing.T) {
	tr, _ := newTestTranslator(t)

	body := map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": "weather in tokyo?"},
			map[string]any{
				"role": "assistant",
				"tool_calls": []any{
					map[string]any{
						"id":   "call_abc",
						"type": "function",
						"function": map[string]any{
							"name":      "get_weather",
							"arguments": `{"city":"Tokyo"}`,
						},
					},
				},
			},
			map[string]any{"role": "tool", "tool_call_id": "call_abc", "content": "22C, clear"},
			map[string]any{"role": "user", "content": "and tomorrow?"},
		},
	}
	req := tr.ConvertRequest("gemini-3-flash", body)
	contents := req.Request.Contents

	// user, model, synthetic user merged with the trailing real user turn.
	if len(contents) != 3 {
		t.Fatalf("contents = %d, want 3", len(contents))
	}

	call := contents[1].Parts[0]
	if call.FunctionCall == nil || call.FunctionCall.Name != "get_weather" {
		t.Fatalf("functionCall = %+v", call.FunctionCall)
	}
	if call.FunctionCall.Args["city"] != "Tokyo" {
		t.Fatalf("args = %+v", call.FunctionCall.Args)
	}
	if call.ThoughtSignature != skipSignatureValidator {
		t.Fatalf("tool call signature = %q", call.ThoughtSignature)
	}

	response := contents[2].Parts[0]
	if response.FunctionResponse == nil {
		t.Fatal("functionResponse missing")
	}
	if response.FunctionResponse.ID != "call_abc" || response.FunctionResponse.Name != "get_weather" {
		t.Fatalf("functionResponse = %+v", response.FunctionResponse)
	}
	if response.FunctionResponse.Response["result"] != "22C, clear" {
		t.Fatalf("result = %+v", response.FunctionResponse.Response)
	}
	if contents[2].Parts[1].Text != "and tomorrow?" {
		t.Fatalf("merged user turn = %+v", contents[2].Parts)
	}
}

func TestConvertRequest_ThinkingHistoryIntact(t *testing.T) {
	tr, cache := newTestTranslator(t)
	cache.Put("because the sky", "recovered-signature-1")

	body := map[string]any{
		"reasoning_effort": "high",
		"messages": []any{
			map[string]any{"role": "user", "content": "why is the sky blue?"},
			map[string]any{
				"role":              "assistant",
				"reasoning_content": "because the sky",
				"content":           "Rayleigh scattering.",
			},
			map[string]any{"role": "user", "content": "more detail"},
		},
	}
	req := tr.ConvertRequest("gemini-3-pro-high", body)

	model := req.Request.Contents[1]
	if !model.Parts[0].Thought {
		t.Fatal("reasoning part not first")
	}
	if model.Parts[0].Text != "because the sky" {
		t.Fatalf("reasoning text = %q", model.Parts[0].Text)
	}
	if model.Parts[0].ThoughtSignature != "recovered-signature-1" {
		t.Fatalf("signature = %q, want the cached one", model.Parts[0].ThoughtSignature)
	}

	tc := req.Request.GenerationConfig.ThinkingConfig
	if tc == nil || tc.ThinkingBudget != budgetHigh || !tc.IncludeThoughts {
		t.Fatalf("thinkingConfig = %+v", tc)
	}
}

func TestConvertRequest_ThinkingDisabledOnStrippedHistory(t *testing.T) {
	tr, _ := newTestTranslator(t)

	body := map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": "q1"},
			map[string]any{"role": "assistant", "content": "a1"}, // no reasoning_content
			map[string]any{"role": "user", "content": "q2"},
		},
	}
	req := tr.ConvertRequest("gemini-3-pro-high", body)

	tc := req.Request.GenerationConfig.ThinkingConfig
	if tc == nil || tc.IncludeThoughts {
		t.Fatalf("thinkingConfig = %+v, want thoughts disabled", tc)
	}
	for _, part := range req.Request.Contents[1].Parts {
		if part.Thought {
			t.Fatal("thought part injected despite broken chain")
		}
	}
}

func TestThinkingConfig_EffortLevels(t *testing.T) {
	cases := []struct {
		effort      string
		wantBudget  int
		wantInclude bool
	}{
		{"", budgetAuto, true},
		{"auto", budgetAuto, true},
		{"low", budgetLow, true},
		{"medium", budgetMedium, true},
		{"high", budgetHigh, true},
		{"none", 0, false},
	}
	for _, tc := range cases {
		got := thinkingConfig(tc.effort, true, true)
		if got == nil {
			t.Fatalf("thinkingConfig(%q) = nil", tc.effort)
		}
		if got.ThinkingBudget != tc.wantBudget || got.IncludeThoughts != tc.wantInclude {
			t.Errorf("thinkingConfig(%q) = %+v, want budget %d include %v",
				tc.effort, got, tc.wantBudget, tc.wantInclude)
		}
	}
	if got := thinkingConfig("high", false, false); got != nil {
		t.Fatalf("non-thinking model got %+v", got)
	}
}

func TestIsThinkingModel(t *testing.T) {
	cases := []struct {
		model string
		want  bool
	}{
		{"gemini-3-pro-high", true},
		{"gemini-3-flash", true},
		{"gemini-2.5-flash-thinking", true},
		{"gemini-2.0-flash", false},
		{"claude-sonnet-4-5", false},
	}
	for _, tc := range cases {
		if got := isThinkingModel(tc.model); got != tc.want {
			t.Errorf("isThinkingModel(%q) = %v, want %v", tc.model, got, tc.want)
		}
	}
}

func TestConvertRequest_ImageDataURI(t *testing.T) {
	tr, _ := newTestTranslator(t)

	body := map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": []any{
				map[string]any{"type": "text", "text": "what is this?"},
				map[string]any{"type": "image_url", "image_url": map[string]any{
					"url": "data:image/jpeg;base64,/9j/4AAQ",
				}},
				map[string]any{"type": "image_url", "image_url": map[string]any{
					"url": "https://example.com/cat.jpg", // remote: dropped
				}},
			}},
		},
	}
	req := tr.ConvertRequest("gemini-3-flash", body)
	parts := req.Request.Contents[0].Parts
	if len(parts) != 2 {
		t.Fatalf("parts = %d, want text + one inline image", len(parts))
	}
	img := parts[1].InlineData
	if img == nil || img.MimeType != "image/jpeg" || img.Data != "/9j/4AAQ" {
		t.Fatalf("inlineData = %+v", img)
	}
}

func TestConvertRequest_UndefinedScrubbed(t *testing.T) {
	tr, _ := newTestTranslator(t)

	body := map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": "[undefined]"},
			map[string]any{
				"role": "assistant",
				"tool_calls": []any{
					map[string]any{
						"id":   "call_1",
						"type": "function",
						"function": map[string]any{
							"name":      "write_file",
							"arguments": `{"path":"a.txt","content":"[undefined]","nested":{"x":"[undefined]","y":"keep"}}`,
						},
					},
				},
			},
		},
	}
	req := tr.ConvertRequest("gemini-3-flash", body)

	// The all-placeholder user message vanishes, so the first turn is the
	// assistant's.
	if req.Request.Contents[0].Role != "model" {
		t.Fatalf("first turn role = %q, want model", req.Request.Contents[0].Role)
	}
	args := req.Request.Contents[0].Parts[0].FunctionCall.Args
	if _, present := args["content"]; present {
		t.Fatalf("placeholder arg survived: %+v", args)
	}
	nested, _ := args["nested"].(map[string]any)
	if _, present := nested["x"]; present {
		t.Fatalf("nested placeholder survived: %+v", nested)
	}
	if nested["y"] != "keep" {
		t.Fatalf("nested = %+v", nested)
	}
}

func TestConvertRequest_ConsecutiveSameRoleMerged(t *testing.T) {
	tr, _ := newTestTranslator(t)

	body := map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": "first"},
			map[string]any{"role": "user", "content": "second"},
			map[string]any{"role": "assistant", "content": "reply"},
		},
	}
	req := tr.ConvertRequest("gemini-3-flash", body)
	if len(req.Request.Contents) != 2 {
		t.Fatalf("contents = %d, want merged user turn + model turn", len(req.Request.Contents))
	}
	user := req.Request.Contents[0]
	if len(user.Parts) != 2 || user.Parts[0].Text != "first" || user.Parts[1].Text != "second" {
		t.Fatalf("merged parts = %+v", user.Parts)
	}
}

func TestConvertTools_StrictCleaning(t *testing.T) {
	tools := []any{
		map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        "local_shell_call",
				"description": "run a command",
				"strict":      true,
				"parameters": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"properties": map[string]any{
						"command": map[string]any{
							"type":   "string",
							"format": "shell",
						},
						"timeout": map[string]any{
							"type": []any{"number", "null"},
						},
						"env": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"PATH": map[string]any{"type": "string", "format": "path"},
							},
						},
					},
				},
			},
		},
	}
	decls := convertTools(tools)
	if len(decls) != 1 || len(decls[0].FunctionDeclarations) != 1 {
		t.Fatalf("declarations = %+v", decls)
	}
	fn := decls[0].FunctionDeclarations[0]
	if fn.Name != "shell" {
		t.Fatalf("name = %q, want local_shell_call renamed to shell", fn.Name)
	}

	schema := fn.ParametersJsonSchema
	if schema["type"] != "OBJECT" {
		t.Fatalf("root type = %v, want OBJECT", schema["type"])
	}
	if _, present := schema["additionalProperties"]; present {
		t.Fatal("additionalProperties survived")
	}
	props, _ := schema["properties"].(map[string]any)
	command, _ := props["command"].(map[string]any)
	if command["type"] != "STRING" {
		t.Fatalf("command type = %v", command["type"])
	}
	if _, present := command["format"]; present {
		t.Fatal("format survived")
	}
	timeout, _ := props["timeout"].(map[string]any)
	types, _ := timeout["type"].([]any)
	if len(types) != 2 || types[0] != "NUMBER" || types[1] != "NULL" {
		t.Fatalf("union type = %v", timeout["type"])
	}
	envPath, _ := props["env"].(map[string]any)["properties"].(map[string]any)["PATH"].(map[string]any)
	if _, present := envPath["format"]; present {
		t.Fatal("nested format survived")
	}
}

func TestConvertRequest_MaxCompletionTokens(t *testing.T) {
	tr, _ := newTestTranslator(t)

	body := map[string]any{
		"max_completion_tokens": float64(2048),
		"messages":              []any{map[string]any{"role": "user", "content": "hi"}},
	}
	cfg := tr.ConvertRequest("claude-sonnet-4-5", body).Request.GenerationConfig
	if cfg == nil || cfg.MaxOutputTokens != 2048 {
		t.Fatalf("generationConfig = %+v", cfg)
	}
	if cfg.ThinkingConfig != nil {
		t.Fatalf("thinkingConfig = %+v, want none for a non-thinking model", cfg.ThinkingConfig)
	}
}

func TestImagePart_MalformedURIs(t *testing.T) {
	// No payload, no mime type, empty payload: all rejected.
	bad := []string{
		"",
		"https://example.com/a.png",
		"data:image/png",
		"data:;base64,AAAA",
		"data:image/png;base64,",
	}
	for _, url := range bad {
		if _, ok := imagePart(map[string]any{"url": url}); ok {
			t.Errorf("imagePart accepted %q", url)
		}
	}
	part, ok := imagePart(map[string]any{"url": "data:image/png;base64,AAAA"})
	if !ok || part.InlineData.MimeType != "image/png" || part.InlineData.Data != "AAAA" {
		t.Fatalf("imagePart = %+v, %v", part, ok)
	}
}
