package service

import (
	"sort"
	"strings"
)

// ModelInfo describes one model the upstream accepts natively.
type ModelInfo struct {
	ID            string
	DisplayName   string
	ContextWindow int
	OwnedBy       string
}

// builtinCatalog lists the models served by GET /v1/models and seeds the
// per-model context windows.
var builtinCatalog = []ModelInfo{
	{ID: "gemini-3-pro-high", DisplayName: "Gemini 3 Pro (High)", ContextWindow: 1048576, OwnedBy: "google"},
	{ID: "gemini-3-pro-low", DisplayName: "Gemini 3 Pro (Low)", ContextWindow: 1048576, OwnedBy: "google"},
	{ID: "gemini-3-flash", DisplayName: "Gemini 3 Flash", ContextWindow: 1048576, OwnedBy: "google"},
	{ID: "claude-sonnet-4-5", DisplayName: "Claude Sonnet 4.5", ContextWindow: 200000, OwnedBy: "anthropic"},
	{ID: "claude-sonnet-4-5-thinking", DisplayName: "Claude Sonnet 4.5 (Thinking)", ContextWindow: 200000, OwnedBy: "anthropic"},
	{ID: "gpt-oss-120b", DisplayName: "GPT-OSS 120B", ContextWindow: 131072, OwnedBy: "openai"},
}

// builtinMappings routes well-known client model names that the upstream
// does not accept verbatim.
var builtinMappings = map[string]string{
	"claude-3-5-sonnet-20241022": "claude-sonnet-4-5",
	"claude-3-5-haiku-20241022":  "gemini-3-flash",
	"claude-3-7-sonnet-20250219": "claude-sonnet-4-5",
	"claude-sonnet-4-20250514":   "claude-sonnet-4-5",
	"claude-opus-4-20250514":     "gemini-3-pro-high",
	"claude-opus-4-1-20250805":   "gemini-3-pro-high",
	"gpt-4o":                     "gemini-3-flash",
	"gpt-4o-mini":                "gemini-3-flash",
	"gpt-4.1":                    "gemini-3-pro-low",
	"gpt-5":                      "gemini-3-pro-high",
	"o3":                         "gemini-3-pro-high",
	"o4-mini":                    "gemini-3-pro-low",
}

// defaultContextWindow is assumed for models absent from catalog and config.
const defaultContextWindow = 200000

// ModelRouter resolves a client-supplied model name to the model name sent
// upstream. Resolution is deterministic: custom exact match, then custom
// wildcard (most specific wins), then the builtin table, then pass-through
// for natively accepted names, then the configured default.
type ModelRouter struct {
	mappings     map[string]string
	wildcards    []wildcardMapping
	limits       map[string]int
	defaultModel string
}

type wildcardMapping struct {
	pattern     string
	target      string
	specificity int
}

// NewModelRouter builds a router from custom mappings and context-window
// overrides. Wildcard patterns are split out once at construction.
func NewModelRouter(mappings map[string]string, limits map[string]int, defaultModel string) *ModelRouter {
	r := &ModelRouter{
		mappings:     make(map[string]string),
		limits:       limits,
		defaultModel: defaultModel,
	}
	if r.defaultModel == "" {
		r.defaultModel = "gemini-3-flash"
	}
	for pattern, target := range mappings {
		if strings.Contains(pattern, "*") {
			r.wildcards = append(r.wildcards, wildcardMapping{
				pattern:     pattern,
				target:      target,
				specificity: len(pattern) - strings.Count(pattern, "*"),
			})
		} else {
			r.mappings[pattern] = target
		}
	}
	// Deterministic wildcard order: most specific first, then lexicographic.
	sort.Slice(r.wildcards, func(i, j int) bool {
		if r.wildcards[i].specificity != r.wildcards[j].specificity {
			return r.wildcards[i].specificity > r.wildcards[j].specificity
		}
		return r.wildcards[i].pattern < r.wildcards[j].pattern
	})
	return r
}

// Resolve maps a client model name to the upstream model name.
func (r *ModelRouter) Resolve(model string) string {
	if model == "" {
		return r.defaultModel
	}

	// 1. Custom exact match
	if target, ok := r.mappings[model]; ok {
		return target
	}

	// 2. Custom wildcard match, most specific first
	for _, w := range r.wildcards {
		if matchWildcard(w.pattern, model) {
			return w.target
		}
	}

	// 3. Builtin defaults
	if target, ok := builtinMappings[model]; ok {
		return target
	}

	// 4. Pass-through for names the upstream accepts natively
	if strings.HasPrefix(model, "gemini-") || strings.Contains(model, "thinking") {
		return model
	}

	// 5. Configured fallback
	return r.defaultModel
}

// ContextWindow returns the token limit for an upstream model name.
// Config overrides win over the catalog.
func (r *ModelRouter) ContextWindow(model string) int {
	if limit, ok := r.limits[model]; ok && limit > 0 {
		return limit
	}
	for _, m := range builtinCatalog {
		if m.ID == model {
			return m.ContextWindow
		}
	}
	if strings.HasPrefix(model, "gemini-") {
		return 1048576
	}
	return defaultContextWindow
}

// Catalog returns the models advertised on /v1/models.
func (r *ModelRouter) Catalog() []ModelInfo {
	out := make([]ModelInfo, len(builtinCatalog))
	copy(out, builtinCatalog)
	return out
}

// matchWildcard reports whether name matches a '*' pattern. The literal
// segments between stars must appear in order; leading and trailing segments
// anchor at the start and end respectively.
func matchWildcard(pattern, name string) bool {
	segments := strings.Split(pattern, "*")

	if first := segments[0]; first != "" {
		if !strings.HasPrefix(name, first) {
			return false
		}
		name = name[len(first):]
	}

	last := segments[len(segments)-1]
	middle := segments[1 : len(segments)-1]

	if last != "" {
		if !strings.HasSuffix(name, last) {
			return false
		}
		name = name[:len(name)-len(last)]
	}

	for _, seg := range middle {
		if seg == "" {
			continue
		}
		idx := strings.Index(name, seg)
		if idx < 0 {
			return false
		}
		name = name[idx+len(seg):]
	}
	return true
}
