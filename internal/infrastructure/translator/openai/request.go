package openai

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/ngoclaw/gravitygate/internal/infrastructure/sigcache"
	"github.com/ngoclaw/gravitygate/internal/infrastructure/translator"
	"github.com/ngoclaw/gravitygate/internal/infrastructure/upstream"
)

// skipSignatureValidator rides on parts the upstream would otherwise reject
// for lacking a real thought signature. The OpenAI wire format has no
// signature field, so replayed turns can only carry this marker or a
// signature recovered from the cache.
const skipSignatureValidator = "skip_thought_signature_validator"

// undefinedLiteral is what sloppy JavaScript clients serialize undefined to.
const undefinedLiteral = "[undefined]"

// Thinking budgets behind the reasoning_effort levels. -1 lets the upstream
// pick its own budget.
const (
	budgetAuto   = -1
	budgetLow    = 1024
	budgetMedium = 8192
	budgetHigh   = 32768
)

// Translator converts OpenAI Chat Completions traffic to and from the
// upstream dialect.
type Translator struct {
	cache  *sigcache.SignatureCache
	logger *zap.Logger
}

var _ translator.Translator = (*Translator)(nil)

// New builds the OpenAI-dialect translator.
func New(cache *sigcache.SignatureCache, logger *zap.Logger) *Translator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Translator{cache: cache, logger: logger}
}

func (t *Translator) Dialect() string { return translator.DialectOpenAI }

// NewStreamState allocates scratch for one streaming response.
func (t *Translator) NewStreamState(model string) *translator.StreamState {
	return translator.NewStreamState("chatcmpl-", model, "")
}

// ConvertRequest builds the upstream envelope from a parsed Chat Completions
// body. The message list is walked three times: once to pair tool-call ids
// with function names, once to pair them with tool outputs, and once to emit
// the turns. Tool outputs ride in a synthetic user turn right after the
// assistant turn that called for them, which keeps the upstream's
// call/response adjacency intact no matter where the client put its
// role:"tool" messages.
func (t *Translator) ConvertRequest(model string, body map[string]any) *upstream.GenerateRequest {
	messages, _ := asSlice(body["messages"])

	callNames := toolCallNames(messages)
	toolResults := toolResultContents(messages)

	thinkingModel := isThinkingModel(model)
	thinkingOK := thinkingModel && assistantReasoningIntact(messages)

	systemOnly := len(messages) == 1 && isSystemRole(messages[0])

	var sysParts []upstream.Part
	var contents []upstream.Content
	for _, raw := range messages {
		msg, ok := asMap(raw)
		if !ok {
			continue
		}
		switch stringOf(msg["role"]) {
		case "system", "developer":
			parts := t.contentParts(msg["content"])
			if systemOnly {
				contents = appendTurn(contents, "user", parts)
				continue
			}
			sysParts = append(sysParts, parts...)

		case "assistant":
			contents = appendTurn(contents, "model", t.assistantParts(msg, thinkingOK))
			contents = appendTurn(contents, "user", t.functionResponses(msg, callNames, toolResults))

		case "tool":
			// Folded into the synthetic user turn above.

		default:
			contents = appendTurn(contents, "user", t.contentParts(msg["content"]))
		}
	}

	payload := &upstream.Payload{Contents: contents}
	if len(sysParts) > 0 {
		payload.SystemInstruction = &upstream.Content{Role: "user", Parts: sysParts}
	}
	payload.GenerationConfig = buildGenerationConfig(body, thinkingModel, thinkingOK)
	payload.Tools = convertTools(body["tools"])
	payload.SafetySettings = upstream.DefaultSafetySettings()

	return &upstream.GenerateRequest{Model: model, Request: payload}
}

// appendTurn adds parts as a new turn, merging into the previous turn when
// the role repeats. The upstream expects alternating roles.
func appendTurn(contents []upstream.Content, role string, parts []upstream.Part) []upstream.Content {
	if len(parts) == 0 {
		return contents
	}
	if n := len(contents); n > 0 && contents[n-1].Role == role {
		contents[n-1].Parts = append(contents[n-1].Parts, parts...)
		return contents
	}
	return append(contents, upstream.Content{Role: role, Parts: parts})
}

func isSystemRole(raw any) bool {
	msg, ok := asMap(raw)
	if !ok {
		return false
	}
	role := stringOf(msg["role"])
	return role == "system" || role == "developer"
}

// contentParts converts an OpenAI content field (string or typed blocks)
// into upstream parts.
func (t *Translator) contentParts(content any) []upstream.Part {
	switch v := content.(type) {
	case string:
		if text := scrubText(v); text != "" {
			return []upstream.Part{{Text: text}}
		}
		return nil
	case []any:
		var parts []upstream.Part
		for _, raw := range v {
			block, ok := asMap(raw)
			if !ok {
				continue
			}
			switch stringOf(block["type"]) {
			case "text":
				if text := scrubText(stringOf(block["text"])); text != "" {
					parts = append(parts, upstream.Part{Text: text})
				}
			case "image_url":
				if part, ok := imagePart(block["image_url"]); ok {
					parts = append(parts, part)
				}
			}
		}
		return parts
	default:
		return nil
	}
}

// imagePart decodes an image_url block. Only base64 data URIs are forwarded;
// a remote URL would make the proxy fetch on the client's behalf.
func imagePart(v any) (upstream.Part, bool) {
	block, ok := asMap(v)
	if !ok {
		return upstream.Part{}, false
	}
	url := stringOf(block["url"])
	if !strings.HasPrefix(url, "data:") {
		return upstream.Part{}, false
	}
	rest := strings.TrimPrefix(url, "data:")
	semi := strings.Index(rest, ";")
	comma := strings.Index(rest, ",")
	if semi < 0 || comma < semi {
		return upstream.Part{}, false
	}
	mime := rest[:semi]
	data := rest[comma+1:]
	if mime == "" || data == "" {
		return upstream.Part{}, false
	}
	return upstream.Part{InlineData: &upstream.InlineData{MimeType: mime, Data: data}}, true
}

// assistantParts converts one assistant turn. When the signature chain is
// intact, the turn's reasoning_content leads as a thought part so the
// upstream recognizes its own prior thinking.
func (t *Translator) assistantParts(msg map[string]any, thinkingOK bool) []upstream.Part {
	var parts []upstream.Part

	if reasoning := scrubText(stringOf(msg["reasoning_content"])); thinkingOK && reasoning != "" {
		parts = append(parts, upstream.Part{
			Thought:          true,
			Text:             reasoning,
			ThoughtSignature: t.resolveSignature(reasoning),
		})
	}

	parts = append(parts, t.contentParts(msg["content"])...)

	if calls, ok := asSlice(msg["tool_calls"]); ok {
		for _, raw := range calls {
			call, ok := asMap(raw)
			if !ok {
				continue
			}
			fn, _ := asMap(call["function"])
			name := stringOf(fn["name"])
			if name == "" {
				continue
			}
			parts = append(parts, upstream.Part{
				ThoughtSignature: skipSignatureValidator,
				FunctionCall: &upstream.FunctionCall{
					ID:   stringOf(call["id"]),
					Name: name,
					Args: parseArguments(fn["arguments"]),
				},
			})
		}
	}
	return parts
}

// functionResponses builds the synthetic user turn answering an assistant
// turn's tool calls. Ids missing from the result cache answer with an empty
// string rather than dropping the response the upstream is waiting for.
func (t *Translator) functionResponses(msg map[string]any, names, results map[string]string) []upstream.Part {
	calls, ok := asSlice(msg["tool_calls"])
	if !ok {
		return nil
	}
	var parts []upstream.Part
	for _, raw := range calls {
		call, ok := asMap(raw)
		if !ok {
			continue
		}
		id := stringOf(call["id"])
		fn, _ := asMap(call["function"])
		name := stringOf(fn["name"])
		if name == "" {
			name = names[id]
		}
		if name == "" {
			continue
		}
		parts = append(parts, upstream.Part{
			FunctionResponse: &upstream.FunctionResponse{
				ID:       id,
				Name:     name,
				Response: map[string]any{"result": scrubText(results[id])},
			},
		})
	}
	return parts
}

// resolveSignature recovers the real signature for replayed reasoning text
// when this proxy saw it go out; the validator-skip marker covers the rest.
func (t *Translator) resolveSignature(reasoning string) string {
	if t.cache != nil {
		if sig, ok := t.cache.Get(reasoning); ok {
			return sig
		}
	}
	return skipSignatureValidator
}

// toolCallNames pairs tool-call ids with their function names (first pass).
func toolCallNames(messages []any) map[string]string {
	names := make(map[string]string)
	for _, raw := range messages {
		msg, ok := asMap(raw)
		if !ok || stringOf(msg["role"]) != "assistant" {
			continue
		}
		calls, ok := asSlice(msg["tool_calls"])
		if !ok {
			continue
		}
		for _, rawCall := range calls {
			call, ok := asMap(rawCall)
			if !ok {
				continue
			}
			fn, _ := asMap(call["function"])
			if id := stringOf(call["id"]); id != "" {
				names[id] = stringOf(fn["name"])
			}
		}
	}
	return names
}

// toolResultContents pairs tool-call ids with their serialized outputs
// (second pass).
func toolResultContents(messages []any) map[string]string {
	results := make(map[string]string)
	for _, raw := range messages {
		msg, ok := asMap(raw)
		if !ok || stringOf(msg["role"]) != "tool" {
			continue
		}
		if id := stringOf(msg["tool_call_id"]); id != "" {
			results[id] = serializeToolContent(msg["content"])
		}
	}
	return results
}

func serializeToolContent(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var texts []string
		for _, raw := range v {
			if block, ok := asMap(raw); ok && stringOf(block["type"]) == "text" {
				texts = append(texts, stringOf(block["text"]))
			}
		}
		if len(texts) > 0 {
			return strings.Join(texts, "\n")
		}
		return marshalAny(v)
	case nil:
		return ""
	default:
		return marshalAny(v)
	}
}

func marshalAny(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// parseArguments decodes a tool call's arguments, which arrive either as a
// JSON string (the wire format) or as an already-parsed object.
func parseArguments(v any) map[string]any {
	switch a := v.(type) {
	case string:
		if a == "" {
			return map[string]any{}
		}
		var args map[string]any
		if err := json.Unmarshal([]byte(a), &args); err != nil {
			return map[string]any{}
		}
		return scrubMap(args)
	case map[string]any:
		return scrubMap(a)
	default:
		return map[string]any{}
	}
}

// isThinkingModel reports whether the resolved model can emit thoughts.
func isThinkingModel(model string) bool {
	return strings.HasPrefix(model, "gemini-3-") || strings.Contains(model, "thinking")
}

// assistantReasoningIntact reports whether every assistant turn still
// carries its reasoning_content. One stripped turn breaks the upstream
// signature chain, so thinking is disabled for the whole request.
func assistantReasoningIntact(messages []any) bool {
	for _, raw := range messages {
		msg, ok := asMap(raw)
		if !ok || stringOf(msg["role"]) != "assistant" {
			continue
		}
		if stringOf(msg["reasoning_content"]) == "" {
			return false
		}
	}
	return true
}

func buildGenerationConfig(body map[string]any, thinkingModel, thinkingOK bool) *upstream.GenerationConfig {
	cfg := &upstream.GenerationConfig{}
	set := false

	if v, ok := floatOf(body["temperature"]); ok {
		cfg.Temperature = &v
		set = true
	}
	if v, ok := floatOf(body["top_p"]); ok {
		cfg.TopP = &v
		set = true
	}
	if v, ok := intOf(body["top_k"]); ok {
		cfg.TopK = &v
		set = true
	}
	if v, ok := intOf(body["max_tokens"]); ok && v > 0 {
		cfg.MaxOutputTokens = v
		set = true
	}
	if v, ok := intOf(body["max_completion_tokens"]); ok && v > 0 {
		cfg.MaxOutputTokens = v
		set = true
	}
	if tc := thinkingConfig(stringOf(body["reasoning_effort"]), thinkingModel, thinkingOK); tc != nil {
		cfg.ThinkingConfig = tc
		set = true
	}

	if !set {
		return nil
	}
	return cfg
}

// thinkingConfig maps reasoning_effort onto the upstream thinking knobs.
// Absent effort on a thinking model means auto.
func thinkingConfig(effort string, thinkingModel, thinkingOK bool) *upstream.ThinkingConfig {
	if !thinkingModel {
		return nil
	}
	if !thinkingOK || effort == "none" {
		return &upstream.ThinkingConfig{IncludeThoughts: false}
	}
	budget := budgetAuto
	switch effort {
	case "low":
		budget = budgetLow
	case "medium":
		budget = budgetMedium
	case "high":
		budget = budgetHigh
	}
	return &upstream.ThinkingConfig{ThinkingBudget: budget, IncludeThoughts: true}
}

func convertTools(tools any) []upstream.ToolDeclaration {
	list, ok := asSlice(tools)
	if !ok || len(list) == 0 {
		return nil
	}
	var decls []upstream.FunctionDeclaration
	for _, raw := range list {
		tool, ok := asMap(raw)
		if !ok {
			continue
		}
		fn, ok := asMap(tool["function"])
		if !ok {
			continue
		}
		name := stringOf(fn["name"])
		if name == "" {
			continue
		}
		if name == "local_shell_call" {
			name = "shell"
		}
		schema, _ := cleanSchema(fn["parameters"]).(map[string]any)
		decls = append(decls, upstream.FunctionDeclaration{
			Name:                 name,
			Description:          stringOf(fn["description"]),
			ParametersJsonSchema: schema,
		})
	}
	if len(decls) == 0 {
		return nil
	}
	return []upstream.ToolDeclaration{{FunctionDeclarations: decls}}
}

// cleanSchema rewrites a JSON schema into the shape the upstream accepts:
// format, strict and additionalProperties removed at every level, type
// values uppercased. The input is not modified.
func cleanSchema(v any) any {
	switch node := v.(type) {
	case map[string]any:
		cleaned := make(map[string]any, len(node))
		for k, val := range node {
			switch k {
			case "format", "strict", "additionalProperties":
				continue
			case "type":
				cleaned[k] = uppercaseType(val)
			default:
				cleaned[k] = cleanSchema(val)
			}
		}
		return cleaned
	case []any:
		cleaned := make([]any, 0, len(node))
		for _, item := range node {
			cleaned = append(cleaned, cleanSchema(item))
		}
		return cleaned
	default:
		return v
	}
}

func uppercaseType(v any) any {
	switch tv := v.(type) {
	case string:
		return strings.ToUpper(tv)
	case []any:
		out := make([]any, 0, len(tv))
		for _, item := range tv {
			if s, ok := item.(string); ok {
				out = append(out, strings.ToUpper(s))
			} else {
				out = append(out, item)
			}
		}
		return out
	default:
		return v
	}
}

// scrubText drops the undefined placeholder.
func scrubText(s string) string {
	if s == undefinedLiteral {
		return ""
	}
	return s
}

// scrubValue walks parsed client JSON and drops every undefined placeholder.
// Maps and slices are rebuilt, not mutated.
func scrubValue(v any) any {
	switch node := v.(type) {
	case string:
		if node == undefinedLiteral {
			return ""
		}
		return node
	case map[string]any:
		cleaned := make(map[string]any, len(node))
		for k, val := range node {
			if s, ok := val.(string); ok && s == undefinedLiteral {
				continue
			}
			cleaned[k] = scrubValue(val)
		}
		return cleaned
	case []any:
		cleaned := make([]any, 0, len(node))
		for _, item := range node {
			cleaned = append(cleaned, scrubValue(item))
		}
		return cleaned
	default:
		return v
	}
}

func scrubMap(m map[string]any) map[string]any {
	cleaned, _ := scrubValue(m).(map[string]any)
	return cleaned
}
