package claude

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ngoclaw/gravitygate/internal/infrastructure/translator"
	"github.com/ngoclaw/gravitygate/internal/infrastructure/upstream"
)

// Stop reasons in Claude terms.
const (
	stopEndTurn   = "end_turn"
	stopMaxTokens = "max_tokens"
	stopToolUse   = "tool_use"
)

// ConvertChunk turns one upstream chunk into Claude SSE frames. The first
// chunk also produces the message_start preamble; block boundaries are
// derived from part-kind changes.
func (t *Translator) ConvertChunk(state *translator.StreamState, chunk *upstream.Response) []translator.Frame {
	var frames []translator.Frame
	if chunk == nil {
		return frames
	}
	state.SetUsage(chunk.UsageMetadata)

	if !state.Started() {
		state.MarkStarted()
		frames = appendFrame(frames, "message_start", t.messageStart(state))
	}

	if len(chunk.Candidates) == 0 {
		return frames
	}
	cand := chunk.Candidates[0]
	state.SetFinishReason(cand.FinishReason)

	for _, part := range cand.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			frames = t.emitToolUse(state, frames, part.FunctionCall)
		case part.Thought:
			frames = t.emitThinking(state, frames, part)
		case part.Text != "":
			frames = t.emitText(state, frames, part.Text)
		}
	}
	return frames
}

// FinishStream closes any open block and emits message_delta/message_stop.
// An upstream that produced no chunks still yields a well-formed sequence.
func (t *Translator) FinishStream(state *translator.StreamState) []translator.Frame {
	var frames []translator.Frame
	if !state.Started() {
		state.MarkStarted()
		frames = appendFrame(frames, "message_start", t.messageStart(state))
	}
	frames = closeOpenBlock(state, frames)

	_, out := translator.UsageTokens(state.Usage())
	frames = appendFrame(frames, "message_delta", messageDeltaEvent{
		Type: "message_delta",
		Delta: messageDeltaBody{
			StopReason: mapStopReason(state.FinishReason(), state.SawToolUse()),
		},
		Usage: &deltaUsage{OutputTokens: out},
	})
	frames = appendFrame(frames, "message_stop", messageStopEvent{Type: "message_stop"})
	return frames
}

// ConvertUnary folds a complete upstream response into one Messages API
// body, merging consecutive parts of the same kind into single blocks.
func (t *Translator) ConvertUnary(model string, resp *upstream.Response) ([]byte, error) {
	group := t.groupFor(model)
	msg := &Message{
		ID:      "msg_" + strings.ReplaceAll(uuid.New().String(), "-", ""),
		Type:    "message",
		Role:    "assistant",
		Model:   model,
		Content: []ContentBlock{},
	}

	sawToolUse := false
	finish := ""
	toolSeq := 0
	thinkingAcc := ""

	if resp != nil {
		in, out := translator.UsageTokens(resp.UsageMetadata)
		msg.Usage = Usage{InputTokens: in, OutputTokens: out}

		if len(resp.Candidates) > 0 {
			cand := resp.Candidates[0]
			finish = cand.FinishReason

			for _, part := range cand.Content.Parts {
				switch {
				case part.FunctionCall != nil:
					sawToolUse = true
					id := fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, toolSeq)
					toolSeq++
					args := part.FunctionCall.Args
					if args == nil {
						args = map[string]any{}
					}
					msg.Content = append(msg.Content, ContentBlock{
						Type:  "tool_use",
						ID:    id,
						Name:  part.FunctionCall.Name,
						Input: args,
					})

				case part.Thought:
					if n := len(msg.Content); n == 0 || msg.Content[n-1].Type != "thinking" {
						msg.Content = append(msg.Content, ContentBlock{Type: "thinking"})
						thinkingAcc = ""
					}
					last := &msg.Content[len(msg.Content)-1]
					last.Thinking += part.Text
					thinkingAcc += part.Text
					if sig := part.ThoughtSignature; sig != "" {
						last.Signature = group + "#" + sig
						if t.cache != nil {
							t.cache.Put(thinkingAcc, sig)
						}
					}

				case part.Text != "":
					if n := len(msg.Content); n > 0 && msg.Content[n-1].Type == "text" {
						msg.Content[n-1].Text += part.Text
					} else {
						msg.Content = append(msg.Content, ContentBlock{Type: "text", Text: part.Text})
					}
				}
			}
		}
	}

	stop := mapStopReason(finish, sawToolUse)
	msg.StopReason = &stop
	return json.Marshal(msg)
}

// --- streaming internals ---

func (t *Translator) messageStart(state *translator.StreamState) messageStartEvent {
	in, _ := translator.UsageTokens(state.Usage())
	return messageStartEvent{
		Type: "message_start",
		Message: &Message{
			ID:      state.ResponseID,
			Type:    "message",
			Role:    "assistant",
			Model:   state.Model,
			Content: []ContentBlock{},
			Usage:   Usage{InputTokens: in},
		},
	}
}

func (t *Translator) emitText(state *translator.StreamState, frames []translator.Frame, text string) []translator.Frame {
	if kind, open := state.BlockOpen(); !open || kind != "text" {
		frames = closeOpenBlock(state, frames)
		idx := state.OpenBlock("text")
		frames = appendFrame(frames, "content_block_start", blockStartEvent{
			Type:         "content_block_start",
			Index:        idx,
			ContentBlock: map[string]any{"type": "text", "text": ""},
		})
	}
	return appendFrame(frames, "content_block_delta", blockDeltaEvent{
		Type:  "content_block_delta",
		Index: state.BlockIndex(),
		Delta: map[string]any{"type": "text_delta", "text": text},
	})
}

func (t *Translator) emitThinking(state *translator.StreamState, frames []translator.Frame, part upstream.Part) []translator.Frame {
	if kind, open := state.BlockOpen(); !open || kind != "thinking" {
		frames = closeOpenBlock(state, frames)
		idx := state.OpenBlock("thinking")
		frames = appendFrame(frames, "content_block_start", blockStartEvent{
			Type:         "content_block_start",
			Index:        idx,
			ContentBlock: map[string]any{"type": "thinking", "thinking": ""},
		})
	}
	idx := state.BlockIndex()

	if part.Text != "" {
		state.AppendThinking(part.Text)
		frames = appendFrame(frames, "content_block_delta", blockDeltaEvent{
			Type:  "content_block_delta",
			Index: idx,
			Delta: map[string]any{"type": "thinking_delta", "thinking": part.Text},
		})
	}

	if sig := part.ThoughtSignature; sig != "" {
		// The client gets the group-prefixed form; the cache keeps the raw
		// signature keyed by the thinking accumulated for this block.
		frames = appendFrame(frames, "content_block_delta", blockDeltaEvent{
			Type:  "content_block_delta",
			Index: idx,
			Delta: map[string]any{"type": "signature_delta", "signature": state.Group + "#" + sig},
		})
		if t.cache != nil {
			t.cache.Put(state.ThinkingText(), sig)
		}
	}
	return frames
}

func (t *Translator) emitToolUse(state *translator.StreamState, frames []translator.Frame, call *upstream.FunctionCall) []translator.Frame {
	frames = closeOpenBlock(state, frames)
	idx := state.OpenBlock("tool_use")
	id := state.NextToolCallID(call.Name)
	state.MarkToolUse()

	frames = appendFrame(frames, "content_block_start", blockStartEvent{
		Type:  "content_block_start",
		Index: idx,
		ContentBlock: map[string]any{
			"type":  "tool_use",
			"id":    id,
			"name":  call.Name,
			"input": map[string]any{},
		},
	})
	frames = appendFrame(frames, "content_block_delta", blockDeltaEvent{
		Type:  "content_block_delta",
		Index: idx,
		Delta: map[string]any{"type": "input_json_delta", "partial_json": marshalArgs(call.Args)},
	})
	frames = appendFrame(frames, "content_block_stop", blockStopEvent{
		Type:  "content_block_stop",
		Index: idx,
	})
	state.CloseBlock()
	return frames
}

func closeOpenBlock(state *translator.StreamState, frames []translator.Frame) []translator.Frame {
	if _, open := state.BlockOpen(); !open {
		return frames
	}
	idx := state.CloseBlock()
	return appendFrame(frames, "content_block_stop", blockStopEvent{
		Type:  "content_block_stop",
		Index: idx,
	})
}

func mapStopReason(finishReason string, sawToolUse bool) string {
	switch {
	case finishReason == upstream.FinishMaxTokens:
		return stopMaxTokens
	case sawToolUse:
		return stopToolUse
	default:
		return stopEndTurn
	}
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

func appendFrame(frames []translator.Frame, event string, payload any) []translator.Frame {
	data, err := json.Marshal(payload)
	if err != nil {
		return frames
	}
	return append(frames, translator.Frame{Event: event, Data: data})
}
