package openai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ngoclaw/gravitygate/internal/infrastructure/translator"
	"github.com/ngoclaw/gravitygate/internal/infrastructure/upstream"
)

// Finish reasons in OpenAI terms.
const (
	finishStop      = "stop"
	finishLength    = "length"
	finishToolCalls = "tool_calls"
)

// doneFrame terminates an OpenAI SSE stream.
var doneFrame = translator.Frame{Data: []byte("[DONE]")}

// ConvertChunk turns one upstream chunk into Chat Completions chunk frames.
// The first emitted delta carries role:"assistant".
func (t *Translator) ConvertChunk(state *translator.StreamState, chunk *upstream.Response) []translator.Frame {
	var frames []translator.Frame
	if chunk == nil {
		return frames
	}
	state.SetUsage(chunk.UsageMetadata)

	if len(chunk.Candidates) == 0 {
		return frames
	}
	cand := chunk.Candidates[0]
	state.SetFinishReason(cand.FinishReason)
	collectCitations(state, cand.GroundingMetadata)

	for _, part := range cand.Content.Parts {
		var delta *message
		switch {
		case part.FunctionCall != nil:
			state.MarkToolUse()
			delta = &message{ToolCalls: []toolCall{t.streamToolCall(state, part.FunctionCall)}}

		case part.Thought:
			if part.Text != "" {
				state.AppendThinking(part.Text)
				delta = &message{ReasoningContent: part.Text}
			}
			if sig := part.ThoughtSignature; sig != "" && t.cache != nil {
				t.cache.Put(state.ThinkingText(), sig)
			}

		case part.InlineData != nil:
			delta = &message{Images: []imageOut{inlineImage(part.InlineData)}}

		case part.Text != "":
			delta = &message{Content: part.Text}
		}

		if delta == nil {
			continue
		}
		if !state.Started() {
			state.MarkStarted()
			delta.Role = "assistant"
		}
		frames = appendChunk(frames, state, delta, nil)
	}
	return frames
}

// FinishStream flushes collected citations, emits the closing chunk with the
// finish reason and usage, and terminates with [DONE].
func (t *Translator) FinishStream(state *translator.StreamState) []translator.Frame {
	var frames []translator.Frame

	if block := citationBlock(state.Citations()); block != "" {
		delta := &message{Content: block}
		if !state.Started() {
			state.MarkStarted()
			delta.Role = "assistant"
		}
		frames = appendChunk(frames, state, delta, nil)
	}

	finish := mapFinishReason(state.FinishReason(), state.SawToolUse())
	final := completion{
		ID:      state.ResponseID,
		Object:  "chat.completion.chunk",
		Created: state.Created,
		Model:   state.Model,
		Choices: []choice{{Index: 0, Delta: &message{}, FinishReason: &finish}},
		Usage:   convertUsage(state.Usage()),
	}
	if data, err := json.Marshal(final); err == nil {
		frames = append(frames, translator.Frame{Data: data})
	}
	return append(frames, doneFrame)
}

// ConvertUnary folds a complete upstream response into one chat.completion
// body.
func (t *Translator) ConvertUnary(model string, resp *upstream.Response) ([]byte, error) {
	state := t.NewStreamState(model)

	msg := &message{Role: "assistant"}
	finishReason := ""
	sawToolUse := false
	thinkingAcc := ""
	var usageOut *usage

	if resp != nil {
		usageOut = convertUsage(resp.UsageMetadata)
		if len(resp.Candidates) > 0 {
			cand := resp.Candidates[0]
			finishReason = cand.FinishReason
			collectCitations(state, cand.GroundingMetadata)

			for _, part := range cand.Content.Parts {
				switch {
				case part.FunctionCall != nil:
					sawToolUse = true
					msg.ToolCalls = append(msg.ToolCalls, t.streamToolCall(state, part.FunctionCall))

				case part.Thought:
					msg.ReasoningContent += part.Text
					thinkingAcc += part.Text
					if sig := part.ThoughtSignature; sig != "" && t.cache != nil {
						t.cache.Put(thinkingAcc, sig)
					}

				case part.InlineData != nil:
					msg.Images = append(msg.Images, inlineImage(part.InlineData))

				case part.Text != "":
					msg.Content += part.Text
				}
			}
		}
	}
	msg.Content += citationBlock(state.Citations())

	finish := mapFinishReason(finishReason, sawToolUse)
	out := completion{
		ID:      state.ResponseID,
		Object:  "chat.completion",
		Created: state.Created,
		Model:   model,
		Choices: []choice{{Index: 0, Message: msg, FinishReason: &finish}},
		Usage:   usageOut,
	}
	return json.Marshal(out)
}

// streamToolCall numbers a tool call within the current turn and fixes up
// argument names the model gets wrong.
func (t *Translator) streamToolCall(state *translator.StreamState, call *upstream.FunctionCall) toolCall {
	args := remapFunctionArgs(call.Name, call.Args)
	return toolCall{
		Index:    state.NextToolCallIndex(),
		ID:       state.NextToolCallID(call.Name),
		Type:     "function",
		Function: toolFunction{Name: call.Name, Arguments: marshalArgs(args)},
	}
}

func appendChunk(frames []translator.Frame, state *translator.StreamState, delta *message, finish *string) []translator.Frame {
	chunk := completion{
		ID:      state.ResponseID,
		Object:  "chat.completion.chunk",
		Created: state.Created,
		Model:   state.Model,
		Choices: []choice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
	data, err := json.Marshal(chunk)
	if err != nil {
		return frames
	}
	return append(frames, translator.Frame{Data: data})
}

func collectCitations(state *translator.StreamState, gm *upstream.GroundingMetadata) {
	if gm == nil {
		return
	}
	for _, chunk := range gm.GroundingChunks {
		if chunk.Web != nil {
			state.AddCitation(chunk.Web.Title, chunk.Web.URI)
		}
	}
}

// citationBlock renders collected grounding sources as a trailing list.
func citationBlock(citations []translator.Citation) string {
	if len(citations) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\nSources:\n")
	for _, c := range citations {
		title := c.Title
		if title == "" {
			title = c.URI
		}
		fmt.Fprintf(&b, "- [%s](%s)\n", title, c.URI)
	}
	return b.String()
}

func mapFinishReason(finishReason string, sawToolUse bool) string {
	switch {
	case finishReason == upstream.FinishMaxTokens:
		return finishLength
	case sawToolUse:
		return finishToolCalls
	default:
		return finishStop
	}
}

// convertUsage maps upstream token counts onto OpenAI usage fields: prompt
// excludes cached content, completion includes thinking.
func convertUsage(u *upstream.UsageMetadata) *usage {
	if u == nil {
		return nil
	}
	in, out := translator.UsageTokens(u)
	return &usage{
		PromptTokens:            in,
		CompletionTokens:        out,
		TotalTokens:             u.Total(),
		PromptTokensDetails:     &promptTokensDetails{CachedTokens: u.CachedContentTokenCount},
		CompletionTokensDetails: &completionTokensDetails{ReasoningTokens: u.ThoughtsTokenCount},
	}
}

func inlineImage(d *upstream.InlineData) imageOut {
	return imageOut{ImageURL: imageURL{URL: "data:" + d.MimeType + ";base64," + d.Data}}
}

func marshalArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(data)
}
