package service

import "testing"

func TestModelRouter_ExactMapping(t *testing.T) {
	router := NewModelRouter(map[string]string{
		"my-alias": "gemini-3-flash",
	}, nil, "gemini-3-pro-high")

	if got := router.Resolve("my-alias"); got != "gemini-3-flash" {
		t.Fatalf("Resolve = %q, want gemini-3-flash", got)
	}
}

func TestModelRouter_BuiltinClaudeAlias(t *testing.T) {
	router := NewModelRouter(nil, nil, "gemini-3-pro-high")

	if got := router.Resolve("claude-3-5-sonnet-20241022"); got != "claude-sonnet-4-5" {
		t.Fatalf("Resolve = %q, want claude-sonnet-4-5", got)
	}
}

func TestModelRouter_ExactBeatsWildcard(t *testing.T) {
	router := NewModelRouter(map[string]string{
		"claude-3-5-sonnet-20241022": "gemini-3-flash",
		"claude-*":                   "gemini-3-pro-high",
	}, nil, "gemini-3-pro-high")

	if got := router.Resolve("claude-3-5-sonnet-20241022"); got != "gemini-3-flash" {
		t.Fatalf("Resolve = %q, want exact mapping to win", got)
	}
}

func TestModelRouter_WildcardSpecificity(t *testing.T) {
	router := NewModelRouter(map[string]string{
		"claude-*":          "gemini-3-flash",
		"claude-*-sonnet-*": "gemini-3-pro-high",
	}, nil, "gemini-3-pro-low")

	// Both patterns match; the longer literal prefix wins.
	if got := router.Resolve("claude-3-5-sonnet-20241022"); got != "gemini-3-pro-high" {
		t.Fatalf("Resolve = %q, want gemini-3-pro-high", got)
	}
	// Only the shorter one matches here.
	if got := router.Resolve("claude-3-5-haiku"); got != "gemini-3-flash" {
		t.Fatalf("Resolve = %q, want gemini-3-flash", got)
	}
}

func TestModelRouter_WildcardSegmentsInOrder(t *testing.T) {
	router := NewModelRouter(map[string]string{
		"gpt-*-turbo": "gemini-3-flash",
	}, nil, "gemini-3-pro-high")

	if got := router.Resolve("gpt-4-turbo"); got != "gemini-3-flash" {
		t.Fatalf("Resolve = %q, want gemini-3-flash", got)
	}
	// Suffix segment must anchor at the end.
	if got := router.Resolve("gpt-4-turbo-preview"); got == "gemini-3-flash" {
		t.Fatal("suffix segment matched mid-string")
	}
}

func TestModelRouter_PassThrough(t *testing.T) {
	router := NewModelRouter(nil, nil, "gemini-3-pro-high")

	if got := router.Resolve("gemini-3-flash"); got != "gemini-3-flash" {
		t.Fatalf("Resolve = %q, want pass-through", got)
	}
	if got := router.Resolve("custom-thinking-model"); got != "custom-thinking-model" {
		t.Fatalf("Resolve = %q, want pass-through for thinking model", got)
	}
}

func TestModelRouter_DefaultFallback(t *testing.T) {
	router := NewModelRouter(nil, nil, "gemini-3-pro-high")

	if got := router.Resolve("totally-unknown"); got != "gemini-3-pro-high" {
		t.Fatalf("Resolve = %q, want default", got)
	}
	if got := router.Resolve(""); got != "gemini-3-pro-high" {
		t.Fatalf("Resolve(empty) = %q, want default", got)
	}
}

func TestModelRouter_Deterministic(t *testing.T) {
	mappings := map[string]string{
		"claude-*":          "gemini-3-flash",
		"claude-*-sonnet-*": "gemini-3-pro-high",
		"gpt-*":             "gemini-3-pro-low",
	}
	a := NewModelRouter(mappings, nil, "gemini-3-pro-high")
	b := NewModelRouter(mappings, nil, "gemini-3-pro-high")

	inputs := []string{
		"claude-3-5-sonnet-20241022",
		"claude-x",
		"gpt-4o",
		"gemini-3-flash",
		"unknown",
	}
	for i := 0; i < 10; i++ {
		for _, in := range inputs {
			if ra, rb := a.Resolve(in), b.Resolve(in); ra != rb {
				t.Fatalf("Resolve(%q) diverged: %q vs %q", in, ra, rb)
			}
		}
	}
}

func TestModelRouter_ContextWindow(t *testing.T) {
	router := NewModelRouter(nil, map[string]int{"custom-model": 42000}, "gemini-3-pro-high")

	if got := router.ContextWindow("custom-model"); got != 42000 {
		t.Fatalf("ContextWindow = %d, want configured 42000", got)
	}
	if got := router.ContextWindow("gemini-3-pro-high"); got != 1048576 {
		t.Fatalf("ContextWindow = %d, want catalog 1048576", got)
	}
	if got := router.ContextWindow("gemini-9-future"); got != 1048576 {
		t.Fatalf("ContextWindow = %d, want gemini prefix default", got)
	}
	if got := router.ContextWindow("mystery"); got != 200000 {
		t.Fatalf("ContextWindow = %d, want baseline 200000", got)
	}
}

func TestModelRouter_Catalog(t *testing.T) {
	router := NewModelRouter(nil, nil, "gemini-3-pro-high")

	catalog := router.Catalog()
	if len(catalog) == 0 {
		t.Fatal("catalog is empty")
	}
	seen := make(map[string]bool)
	for _, m := range catalog {
		if m.ID == "" || m.OwnedBy == "" {
			t.Fatalf("catalog entry missing fields: %+v", m)
		}
		if seen[m.ID] {
			t.Fatalf("duplicate catalog entry %s", m.ID)
		}
		seen[m.ID] = true
	}
	if !seen["gemini-3-pro-high"] || !seen["claude-sonnet-4-5"] {
		t.Fatal("catalog missing expected models")
	}
}
