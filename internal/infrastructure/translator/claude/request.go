package claude

import (
	"strings"

	"go.uber.org/zap"

	"github.com/ngoclaw/gravitygate/internal/infrastructure/sigcache"
	"github.com/ngoclaw/gravitygate/internal/infrastructure/translator"
	"github.com/ngoclaw/gravitygate/internal/infrastructure/upstream"
)

// interleavedThinkingHint nudges the upstream to think between tool calls.
// Injected only when the request has both tools and thinking enabled, always
// as the last system part.
const interleavedThinkingHint = "Interleaved thinking is enabled. You may think between tool calls to reflect on tool outputs before proceeding."

// skipSignatureValidator rides on tool_use parts so the upstream accepts
// them without a real thought signature.
const skipSignatureValidator = "skip_thought_signature_validator"

// Translator converts Claude Messages API traffic to and from the upstream
// dialect. Thought signatures are recovered from the cache when the client's
// copy went stale.
type Translator struct {
	cache  *sigcache.SignatureCache
	group  string // fixed signature group; derived from the model when empty
	logger *zap.Logger
}

var _ translator.Translator = (*Translator)(nil)

// New builds the Claude-dialect translator. signatureGroup optionally pins
// the group prefix used on emitted signatures.
func New(cache *sigcache.SignatureCache, signatureGroup string, logger *zap.Logger) *Translator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Translator{cache: cache, group: signatureGroup, logger: logger}
}

func (t *Translator) Dialect() string { return translator.DialectClaude }

// NewStreamState allocates scratch for one streaming response.
func (t *Translator) NewStreamState(model string) *translator.StreamState {
	return translator.NewStreamState("msg_", model, t.groupFor(model))
}

// groupFor derives the signature group from the resolved model: its first
// two dash segments ("gemini-3-pro-high" -> "gemini-3").
func (t *Translator) groupFor(model string) string {
	if t.group != "" {
		return t.group
	}
	segments := strings.Split(model, "-")
	if len(segments) < 2 {
		return model
	}
	return segments[0] + "-" + segments[1]
}

// ConvertRequest builds the upstream envelope from a parsed Messages API
// body. Unknown blocks are dropped rather than rejected.
func (t *Translator) ConvertRequest(model string, body map[string]any) *upstream.GenerateRequest {
	payload := &upstream.Payload{}

	sysParts := systemParts(body["system"])
	if hasTools(body) && thinkingEnabled(body) {
		sysParts = append(sysParts, upstream.Part{Text: interleavedThinkingHint})
	}
	if len(sysParts) > 0 {
		payload.SystemInstruction = &upstream.Content{Role: "user", Parts: sysParts}
	}

	if messages, ok := asSlice(body["messages"]); ok {
		for _, raw := range messages {
			msg, ok := asMap(raw)
			if !ok {
				continue
			}
			role := "user"
			if stringOf(msg["role"]) == "assistant" {
				role = "model"
			}
			parts := t.convertContent(msg["content"])
			if len(parts) == 0 {
				continue
			}
			if role == "model" {
				parts = partitionThinkingFirst(parts)
			}
			payload.Contents = append(payload.Contents, upstream.Content{Role: role, Parts: parts})
		}
	}

	payload.GenerationConfig = buildGenerationConfig(body)
	payload.Tools = convertTools(body["tools"])
	payload.SafetySettings = upstream.DefaultSafetySettings()

	return &upstream.GenerateRequest{Model: model, Request: payload}
}

func systemParts(system any) []upstream.Part {
	switch v := system.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []upstream.Part{{Text: v}}
	case []any:
		var parts []upstream.Part
		for _, raw := range v {
			block, ok := asMap(raw)
			if !ok {
				continue
			}
			if text := stringOf(block["text"]); text != "" {
				parts = append(parts, upstream.Part{Text: text})
			}
		}
		return parts
	default:
		return nil
	}
}

func hasTools(body map[string]any) bool {
	tools, ok := asSlice(body["tools"])
	return ok && len(tools) > 0
}

func thinkingEnabled(body map[string]any) bool {
	thinking, ok := asMap(body["thinking"])
	return ok && stringOf(thinking["type"]) == "enabled"
}

func (t *Translator) convertContent(content any) []upstream.Part {
	switch v := content.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []upstream.Part{{Text: v}}
	case []any:
		var parts []upstream.Part
		for _, raw := range v {
			block, ok := asMap(raw)
			if !ok {
				continue
			}
			if part, ok := t.convertBlock(block); ok {
				parts = append(parts, part)
			}
		}
		return parts
	default:
		return nil
	}
}

func (t *Translator) convertBlock(block map[string]any) (upstream.Part, bool) {
	switch stringOf(block["type"]) {
	case "text":
		return upstream.Part{Text: stringOf(block["text"])}, true

	case "thinking":
		thinkingText := stringOf(block["thinking"])
		return upstream.Part{
			Thought:          true,
			Text:             thinkingText,
			ThoughtSignature: t.resolveSignature(thinkingText, stringOf(block["signature"])),
		}, true

	case "tool_use":
		return upstream.Part{
			ThoughtSignature: skipSignatureValidator,
			FunctionCall: &upstream.FunctionCall{
				ID:   stringOf(block["id"]),
				Name: stringOf(block["name"]),
				Args: mapOrEmpty(block["input"]),
			},
		}, true

	case "tool_result":
		id := stringOf(block["tool_use_id"])
		return upstream.Part{
			FunctionResponse: &upstream.FunctionResponse{
				ID:       id,
				Name:     functionNameFromToolUseID(id),
				Response: map[string]any{"result": toolResultValue(block["content"])},
			},
		}, true

	case "image":
		source, ok := asMap(block["source"])
		if !ok || stringOf(source["type"]) != "base64" {
			return upstream.Part{}, false
		}
		return upstream.Part{
			InlineData: &upstream.InlineData{
				MimeType: stringOf(source["media_type"]),
				Data:     stringOf(source["data"]),
			},
		}, true

	default:
		return upstream.Part{}, false
	}
}

// resolveSignature prefers the cached signature for this exact thinking text;
// the client's copy is the fallback, shorn of any "group#" prefix the proxy
// added on the way out.
func (t *Translator) resolveSignature(thinkingText, clientSig string) string {
	if t.cache != nil {
		if sig, ok := t.cache.Get(thinkingText); ok {
			return sig
		}
	}
	if i := strings.Index(clientSig, "#"); i >= 0 {
		return clientSig[i+1:]
	}
	return clientSig
}

// functionNameFromToolUseID recovers the function name from a tool-use id by
// stripping its trailing two dash-separated tokens. Ids that do not carry
// them pass through unchanged.
func functionNameFromToolUseID(id string) string {
	pieces := strings.Split(id, "-")
	if len(pieces) <= 2 {
		return id
	}
	return strings.Join(pieces[:len(pieces)-2], "-")
}

func toolResultValue(content any) any {
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
		return v
	case nil:
		return ""
	default:
		return v
	}
}

// partitionThinkingFirst stably reorders a model turn so thinking parts come
// before everything else, preserving relative order inside each group.
func partitionThinkingFirst(parts []upstream.Part) []upstream.Part {
	hasThinking := false
	for _, p := range parts {
		if p.Thought {
			hasThinking = true
			break
		}
	}
	if !hasThinking {
		return parts
	}
	reordered := make([]upstream.Part, 0, len(parts))
	for _, p := range parts {
		if p.Thought {
			reordered = append(reordered, p)
		}
	}
	for _, p := range parts {
		if !p.Thought {
			reordered = append(reordered, p)
		}
	}
	return reordered
}

func buildGenerationConfig(body map[string]any) *upstream.GenerationConfig {
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
	if thinkingEnabled(body) {
		thinking, _ := asMap(body["thinking"])
		if budget, ok := intOf(thinking["budget_tokens"]); ok && budget != 0 {
			cfg.ThinkingConfig = &upstream.ThinkingConfig{
				ThinkingBudget:  budget,
				IncludeThoughts: true,
			}
			set = true
		}
	}

	if !set {
		return nil
	}
	return cfg
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
		name := stringOf(tool["name"])
		if name == "" {
			continue
		}
		decls = append(decls, upstream.FunctionDeclaration{
			Name:                 name,
			Description:          stringOf(tool["description"]),
			ParametersJsonSchema: cleanToolSchema(tool["input_schema"]),
		})
	}
	if len(decls) == 0 {
		return nil
	}
	return []upstream.ToolDeclaration{{FunctionDeclarations: decls}}
}

// cleanToolSchema strips JSON-Schema metadata the upstream rejects: $schema,
// additionalProperties and default at the root, default/additionalProperties
// on each immediate property. The input map is left untouched.
func cleanToolSchema(schema any) map[string]any {
	src, ok := asMap(schema)
	if !ok {
		return nil
	}
	cleaned := make(map[string]any, len(src))
	for k, v := range src {
		switch k {
		case "$schema", "additionalProperties", "default":
			continue
		}
		cleaned[k] = v
	}

	if props, ok := asMap(cleaned["properties"]); ok {
		cleanedProps := make(map[string]any, len(props))
		for name, raw := range props {
			prop, ok := asMap(raw)
			if !ok {
				cleanedProps[name] = raw
				continue
			}
			cleanedProp := make(map[string]any, len(prop))
			for k, v := range prop {
				switch k {
				case "default", "additionalProperties":
					continue
				}
				cleanedProp[k] = v
			}
			cleanedProps[name] = cleanedProp
		}
		cleaned["properties"] = cleanedProps
	}
	return cleaned
}
