package dialect

import (
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/uuid"
)

// anthropicClientRequest is the subset of Anthropic's /v1/messages
// body this translator understands, named after
// anthropic.MessageNewParams's own JSON field names.
type anthropicClientRequest struct {
	Model     string                  `json:"model"`
	MaxTokens int                     `json:"max_tokens"`
	System    string                  `json:"system,omitempty"`
	Messages  []anthropicClientMessage `json:"messages"`
	Stream    bool                    `json:"stream"`
	Thinking  *struct {
		Type         string `json:"type"`
		BudgetTokens int    `json:"budget_tokens,omitempty"`
	} `json:"thinking,omitempty"`
}

type anthropicClientMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicTranslator struct{}

func (anthropicTranslator) TranslateIn(clientBody []byte) ([]byte, string, bool, error) {
	var req anthropicClientRequest
	if err := json.Unmarshal(clientBody, &req); err != nil {
		return nil, "", false, err
	}

	model, level := ParseThinkingLevel(req.Model)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(req.MaxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Thinking != nil {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(req.Thinking.BudgetTokens))
	}

	native := Request{}
	if req.System != "" {
		native.SystemInstruction = &NativeContent{Parts: []NativePart{{Text: req.System}}}
	}

	// Walk the messages the same way buildMessages does upstream: skip
	// empty user turns, and only materialize an assistant MessageParam
	// (and the matching native content) when it carries text.
	for _, m := range req.Messages {
		switch m.Role {
		case "assistant":
			if m.Content == "" {
				continue
			}
			params.Messages = append(params.Messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(m.Content)},
			})
			native.Contents = append(native.Contents, NativeContent{Role: "model", Parts: []NativePart{{Text: m.Content}}})
		default:
			if m.Content == "" {
				continue
			}
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
			native.Contents = append(native.Contents, NativeContent{Role: "user", Parts: []NativePart{{Text: m.Content}}})
		}
	}

	native.GenerationConfig = &GenerationConfig{MaxOutputTokens: int(params.MaxTokens)}
	if req.Thinking != nil || level != "" {
		native.GenerationConfig.ThinkingConfig = &ThinkingConfig{IncludeThoughts: true, ThinkingLevel: level}
	}

	nativeBody, err := json.Marshal(native)
	return nativeBody, model, req.Stream, err
}

// TranslateOut renders one native chunk as an Anthropic
// content_block_delta SSE event. Anthropic's streaming protocol is
// event-sequenced (message_start, content_block_start/delta/stop,
// message_delta, message_stop) rather than one self-contained JSON
// object per line like OpenAI's; the pipeline calls TranslateOut once
// per native chunk and this translator tracks state.StartEmitted to
// decide whether a message_start preamble is still owed.
func (anthropicTranslator) TranslateOut(nativeChunk []byte, state *StreamState) ([]byte, error) {
	var resp Response
	if err := json.Unmarshal(nativeChunk, &resp); err != nil {
		return nil, err
	}
	if state.MessageID == "" {
		state.MessageID = "msg_" + uuid.NewString()
	}

	text, finish := textAndFinish(resp)

	if !state.StartEmitted {
		state.StartEmitted = true
		return json.Marshal(anthropicEvent{
			Type: "message_start",
			Message: &anthropicMessageStub{
				ID:    state.MessageID,
				Type:  "message",
				Role:  "assistant",
				Model: state.Model,
			},
		})
	}

	if finish != "" {
		return json.Marshal(anthropicEvent{
			Type: "message_delta",
			Delta: &anthropicDeltaStub{StopReason: mapAnthropicStopReason(finish)},
		})
	}

	return json.Marshal(anthropicEvent{
		Type:  "content_block_delta",
		Index: 0,
		Delta: &anthropicDeltaStub{Type: "text_delta", Text: text},
	})
}

func (anthropicTranslator) NonStreamEnvelope(nativeBody []byte, model string) ([]byte, error) {
	rewritten, err := RewriteInlineImages(nativeBody)
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(rewritten, &resp); err != nil {
		return nil, err
	}
	text, finish := textAndFinish(resp)

	env := map[string]any{
		"id":    "msg_" + uuid.NewString(),
		"type":  "message",
		"role":  "assistant",
		"model": model,
		"content": []map[string]any{
			{"type": "text", "text": text},
		},
		"stop_reason": mapAnthropicStopReason(finish),
	}
	if resp.UsageMetadata != nil {
		env["usage"] = map[string]any{
			"input_tokens":  resp.UsageMetadata.PromptTokenCount,
			"output_tokens": resp.UsageMetadata.CandidatesTokenCount,
		}
	}
	return json.Marshal(env)
}

func (anthropicTranslator) DoneSentinel() string { return "" }

func (anthropicTranslator) ErrorEnvelope(status int, message string) []byte {
	return mustMarshal(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    anthropicErrorType(status),
			"message": message,
		},
	})
}

func anthropicErrorType(status int) string {
	switch status {
	case 401:
		return "authentication_error"
	case 403:
		return "permission_error"
	case 404:
		return "not_found_error"
	case 429:
		return "rate_limit_error"
	default:
		if status >= 500 {
			return "api_error"
		}
		return "invalid_request_error"
	}
}

func mapAnthropicStopReason(native string) string {
	switch native {
	case "STOP":
		return "end_turn"
	case "MAX_TOKENS":
		return "max_tokens"
	default:
		return "end_turn"
	}
}

type anthropicEvent struct {
	Type    string                 `json:"type"`
	Index   int                    `json:"index,omitempty"`
	Message *anthropicMessageStub  `json:"message,omitempty"`
	Delta   *anthropicDeltaStub    `json:"delta,omitempty"`
}

type anthropicMessageStub struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Role  string `json:"role"`
	Model string `json:"model"`
}

type anthropicDeltaStub struct {
	Type       string `json:"type,omitempty"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

// EstimateTokenCount implements /v1/messages/count_tokens as a local
// heuristic (characters/4), since the real tokenizer lives upstream
// and this endpoint must not proxy a generation request merely to
// count tokens (see SPEC_FULL.md §4.I).
func EstimateTokenCount(clientBody []byte) (int, error) {
	var req anthropicClientRequest
	if err := json.Unmarshal(clientBody, &req); err != nil {
		return 0, err
	}
	chars := len(req.System)
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	return (chars + 3) / 4, nil
}
