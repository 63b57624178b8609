package upstream

import "encoding/json"

// --- Upstream wire types ---
// The upstream speaks a Gemini-flavored dialect: conversation turns are
// contents[].parts[], tool calls ride in parts[].functionCall, tool results
// in parts[].functionResponse, and the whole generation payload is wrapped
// in an outer {model, request} envelope.

// GenerateRequest is the outer envelope posted to :generateContent and
// :streamGenerateContent.
type GenerateRequest struct {
	Model   string   `json:"model"`
	Project string   `json:"project,omitempty"`
	Request *Payload `json:"request"`
}

// Payload is the generation request proper.
type Payload struct {
	Contents          []Content         `json:"contents"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	Tools             []ToolDeclaration `json:"tools,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	SafetySettings    []SafetySetting   `json:"safetySettings,omitempty"`
}

// Content represents one conversation turn.
type Content struct {
	Role  string `json:"role,omitempty"` // "user" | "model"
	Parts []Part `json:"parts"`
}

// Part is a polymorphic content element within a Content.
type Part struct {
	Text string `json:"text,omitempty"`

	// Thinking output. Thought marks the part, ThoughtSignature is the opaque
	// token the upstream demands back on replay.
	Thought          bool   `json:"thought,omitempty"`
	ThoughtSignature string `json:"thoughtSignature,omitempty"`

	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`

	InlineData *InlineData `json:"inlineData,omitempty"`
}

// FunctionCall is the model requesting a tool execution.
type FunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// FunctionResponse feeds a tool result back to the model.
type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// InlineData carries base64 media.
type InlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// ToolDeclaration wraps function declarations for the API.
type ToolDeclaration struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations"`
}

// FunctionDeclaration defines one callable function.
type FunctionDeclaration struct {
	Name                 string         `json:"name"`
	Description          string         `json:"description,omitempty"`
	ParametersJsonSchema map[string]any `json:"parametersJsonSchema,omitempty"`
}

// GenerationConfig controls sampling and thinking.
type GenerationConfig struct {
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	TopK            *int            `json:"topK,omitempty"`
	MaxOutputTokens int             `json:"maxOutputTokens,omitempty"`
	ThinkingConfig  *ThinkingConfig `json:"thinkingConfig,omitempty"`
}

// ThinkingConfig asks the upstream for (or suppresses) thinking output.
// A budget of -1 lets the upstream pick its own.
type ThinkingConfig struct {
	ThinkingBudget  int  `json:"thinkingBudget,omitempty"`
	IncludeThoughts bool `json:"includeThoughts"`
}

// SafetySetting tunes one harm-category filter.
type SafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

// DefaultSafetySettings disables the four standard harm filters; the proxy
// forwards moderation responsibility to the calling client.
func DefaultSafetySettings() []SafetySetting {
	categories := []string{
		"HARM_CATEGORY_HARASSMENT",
		"HARM_CATEGORY_HATE_SPEECH",
		"HARM_CATEGORY_SEXUALLY_EXPLICIT",
		"HARM_CATEGORY_DANGEROUS_CONTENT",
	}
	settings := make([]SafetySetting, 0, len(categories))
	for _, c := range categories {
		settings = append(settings, SafetySetting{Category: c, Threshold: "OFF"})
	}
	return settings
}

// --- Responses ---

// Response is one generation response or stream chunk.
type Response struct {
	ResponseID    string         `json:"responseId,omitempty"`
	Candidates    []Candidate    `json:"candidates"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string         `json:"modelVersion,omitempty"`
}

// Candidate is a single response candidate.
type Candidate struct {
	Content           Content            `json:"content"`
	FinishReason      string             `json:"finishReason,omitempty"`
	Index             int                `json:"index,omitempty"`
	GroundingMetadata *GroundingMetadata `json:"groundingMetadata,omitempty"`
}

// Finish reasons the translators care about.
const (
	FinishStop      = "STOP"
	FinishMaxTokens = "MAX_TOKENS"
)

// UsageMetadata reports token consumption.
type UsageMetadata struct {
	PromptTokenCount        int `json:"promptTokenCount"`
	CandidatesTokenCount    int `json:"candidatesTokenCount"`
	ThoughtsTokenCount      int `json:"thoughtsTokenCount,omitempty"`
	CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
	TotalTokenCount         int `json:"totalTokenCount"`
}

// Total returns the total token count, deriving it when the upstream omits
// the explicit field.
func (u *UsageMetadata) Total() int {
	if u.TotalTokenCount > 0 {
		return u.TotalTokenCount
	}
	return u.PromptTokenCount + u.CandidatesTokenCount + u.ThoughtsTokenCount
}

// GroundingMetadata carries web-grounding citations.
type GroundingMetadata struct {
	GroundingChunks  []GroundingChunk `json:"groundingChunks,omitempty"`
	WebSearchQueries []string         `json:"webSearchQueries,omitempty"`
}

// GroundingChunk is a single cited source.
type GroundingChunk struct {
	Web *WebSource `json:"web,omitempty"`
}

// WebSource identifies a cited web page.
type WebSource struct {
	URI   string `json:"uri,omitempty"`
	Title string `json:"title,omitempty"`
}

// responseEnvelope mirrors the wrapped form some upstream deployments emit:
// the generation response nested under a "response" key.
type responseEnvelope struct {
	Response *Response `json:"response"`
}

// UnmarshalResponse decodes a response body or stream chunk, accepting both
// the bare and the enveloped form.
func UnmarshalResponse(data []byte) (*Response, error) {
	var env responseEnvelope
	if err := json.Unmarshal(data, &env); err == nil && env.Response != nil {
		return env.Response, nil
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
