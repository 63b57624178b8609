package translator

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ngoclaw/gravitygate/internal/infrastructure/upstream"
)

// Client dialects the proxy speaks.
const (
	DialectClaude = "claude"
	DialectOpenAI = "openai"
)

// Frame is one client-bound SSE frame. Event is empty for dialects that use
// plain "data:" framing; the Claude dialect names its events.
type Frame struct {
	Event string
	Data  []byte
}

// Translator converts one client dialect to and from the upstream wire form.
// Conversion never fails upward: malformed input degrades to the closest
// well-formed output.
type Translator interface {
	Dialect() string

	// ConvertRequest builds the upstream envelope from a parsed client body.
	// model is the resolved upstream model name.
	ConvertRequest(model string, body map[string]any) *upstream.GenerateRequest

	// NewStreamState allocates per-connection scratch for a streaming
	// response.
	NewStreamState(model string) *StreamState

	// ConvertChunk turns one upstream chunk into zero or more client frames,
	// in order.
	ConvertChunk(state *StreamState, chunk *upstream.Response) []Frame

	// FinishStream emits the dialect's closing frames once the upstream is
	// done.
	FinishStream(state *StreamState) []Frame

	// ConvertUnary renders a complete upstream response as one client body.
	ConvertUnary(model string, resp *upstream.Response) ([]byte, error)
}

// StreamState is the per-connection scratch a streaming conversion needs:
// the response identity, the tool-call id sequence, block bookkeeping, and
// the running usage picture. It is owned by exactly one connection handler
// and never shared.
type StreamState struct {
	ResponseID string
	Model      string
	Created    int64

	// Group prefixes emitted thought signatures ("group#sig").
	Group string

	toolCallSeq   int
	toolCallIndex int

	started      bool
	blockIndex   int
	blockOpen    bool
	blockKind    string
	thinkingText strings.Builder
	sawToolUse   bool
	finishReason string

	usage     *upstream.UsageMetadata
	citations []Citation
}

// Citation is one grounding source collected during a stream.
type Citation struct {
	Title string
	URI   string
}

// NewStreamState builds connection scratch with a fresh response id.
func NewStreamState(idPrefix, model, group string) *StreamState {
	return &StreamState{
		ResponseID: idPrefix + strings.ReplaceAll(uuid.New().String(), "-", ""),
		Model:      model,
		Created:    time.Now().Unix(),
		Group:      group,
		blockIndex: -1,
	}
}

// NextToolCallID issues a per-stream unique tool-call id. Two concurrent
// streams never collide because each owns its own counter and response id.
func (s *StreamState) NextToolCallID(functionName string) string {
	id := fmt.Sprintf("call_%s_%d", functionName, s.toolCallSeq)
	s.toolCallSeq++
	return id
}

// NextToolCallIndex numbers tool calls within the current assistant turn.
func (s *StreamState) NextToolCallIndex() int {
	idx := s.toolCallIndex
	s.toolCallIndex++
	return idx
}

// Started reports whether the stream preamble was already emitted.
func (s *StreamState) Started() bool { return s.started }

// MarkStarted records that the stream preamble went out.
func (s *StreamState) MarkStarted() { s.started = true }

// OpenBlock starts a new content block of the given kind and returns its
// index.
func (s *StreamState) OpenBlock(kind string) int {
	s.blockIndex++
	s.blockOpen = true
	s.blockKind = kind
	if kind == "thinking" {
		s.thinkingText.Reset()
	}
	return s.blockIndex
}

// CloseBlock marks the current block finished and returns its index.
func (s *StreamState) CloseBlock() int {
	s.blockOpen = false
	s.blockKind = ""
	return s.blockIndex
}

// BlockOpen reports whether a content block is currently open and its kind.
func (s *StreamState) BlockOpen() (string, bool) {
	return s.blockKind, s.blockOpen
}

// BlockIndex returns the index of the most recently opened block.
func (s *StreamState) BlockIndex() int { return s.blockIndex }

// AppendThinking accumulates thinking text for the open block; the total is
// the signature-cache key once the signature arrives.
func (s *StreamState) AppendThinking(text string) {
	s.thinkingText.WriteString(text)
}

// ThinkingText returns the thinking accumulated for the open block.
func (s *StreamState) ThinkingText() string {
	return s.thinkingText.String()
}

// MarkToolUse records that the stream produced at least one tool call.
func (s *StreamState) MarkToolUse() { s.sawToolUse = true }

// SawToolUse reports whether any tool call went out on this stream.
func (s *StreamState) SawToolUse() bool { return s.sawToolUse }

// SetFinishReason records the upstream finish reason.
func (s *StreamState) SetFinishReason(reason string) {
	if reason != "" {
		s.finishReason = reason
	}
}

// FinishReason returns the recorded upstream finish reason.
func (s *StreamState) FinishReason() string { return s.finishReason }

// SetUsage keeps the most recent usage metadata seen on the stream.
func (s *StreamState) SetUsage(u *upstream.UsageMetadata) {
	if u != nil {
		s.usage = u
	}
}

// Usage returns the last usage metadata seen, if any.
func (s *StreamState) Usage() *upstream.UsageMetadata { return s.usage }

// AddCitation collects a grounding source, deduplicated by URI.
func (s *StreamState) AddCitation(title, uri string) {
	if uri == "" {
		return
	}
	for _, c := range s.citations {
		if c.URI == uri {
			return
		}
	}
	s.citations = append(s.citations, Citation{Title: title, URI: uri})
}

// Citations returns the grounding sources collected so far.
func (s *StreamState) Citations() []Citation { return s.citations }

// UsageTokens derives client-facing token counts from upstream usage:
// prompt excludes cached content, completion includes thinking.
func UsageTokens(u *upstream.UsageMetadata) (inputTokens, outputTokens int) {
	if u == nil {
		return 0, 0
	}
	inputTokens = u.PromptTokenCount - u.CachedContentTokenCount
	if inputTokens < 0 {
		inputTokens = 0
	}
	outputTokens = u.CandidatesTokenCount + u.ThoughtsTokenCount
	return inputTokens, outputTokens
}
