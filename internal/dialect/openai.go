package dialect

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
)

// clientRequest is the subset of OpenAI's chat-completions request
// body this translator understands, named to match
// openai.ChatCompletionNewParams's own JSON field names.
type clientRequest struct {
	Model       string          `json:"model"`
	Messages    []clientMessage `json:"messages"`
	Stream      bool            `json:"stream"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Tools       []clientTool    `json:"tools,omitempty"`
}

type clientMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type clientTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type openAITranslator struct{}

func (openAITranslator) TranslateIn(clientBody []byte) ([]byte, string, bool, error) {
	var req clientRequest
	if err := json.Unmarshal(clientBody, &req); err != nil {
		return nil, "", false, err
	}

	model, level := ParseThinkingLevel(req.Model)

	native := Request{}
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			native.SystemInstruction = &NativeContent{Parts: []NativePart{{Text: m.Content}}}
		case "assistant":
			native.Contents = append(native.Contents, NativeContent{Role: "model", Parts: []NativePart{{Text: m.Content}}})
		default:
			native.Contents = append(native.Contents, NativeContent{Role: "user", Parts: []NativePart{{Text: m.Content}}})
		}
	}

	if req.Temperature != nil || req.MaxTokens > 0 || level != "" {
		native.GenerationConfig = &GenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		}
		if level != "" {
			native.GenerationConfig.ThinkingConfig = &ThinkingConfig{ThinkingLevel: level}
		}
	}

	if len(req.Tools) > 0 {
		decls := make([]FunctionDecl, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, FunctionDecl{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			})
		}
		native.Tools = []Tool{{FunctionDeclarations: decls}}
	}

	nativeBody, err := json.Marshal(native)
	return nativeBody, model, req.Stream, err
}

func (openAITranslator) TranslateOut(nativeChunk []byte, state *StreamState) ([]byte, error) {
	var resp Response
	if err := json.Unmarshal(nativeChunk, &resp); err != nil {
		return nil, err
	}
	if state.MessageID == "" {
		state.MessageID = "chatcmpl-" + uuid.NewString()
	}

	text, finish := textAndFinish(resp)

	chunk := openai.ChatCompletionChunk{
		ID:      state.MessageID,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   state.Model,
	}
	choice := openai.ChatCompletionChunkChoice{Index: 0}
	choice.Delta.Content = text
	if finish != "" {
		choice.FinishReason = mapFinishReason(finish)
	}
	chunk.Choices = []openai.ChatCompletionChunkChoice{choice}
	state.ChunkIndex++
	return json.Marshal(chunk)
}

func (openAITranslator) NonStreamEnvelope(nativeBody []byte, model string) ([]byte, error) {
	rewritten, err := RewriteInlineImages(nativeBody)
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(rewritten, &resp); err != nil {
		return nil, err
	}
	text, finish := textAndFinish(resp)

	completion := openai.ChatCompletion{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
	}
	msg := openai.ChatCompletionMessage{Role: "assistant", Content: text}
	choice := openai.ChatCompletionChoice{Index: 0, Message: msg}
	if finish != "" {
		choice.FinishReason = mapFinishReason(finish)
	}
	completion.Choices = []openai.ChatCompletionChoice{choice}
	if resp.UsageMetadata != nil {
		completion.Usage = openai.CompletionUsage{
			PromptTokens:     int64(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int64(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int64(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return json.Marshal(completion)
}

func (openAITranslator) DoneSentinel() string { return "[DONE]" }

func (openAITranslator) ErrorEnvelope(status int, message string) []byte {
	return mustMarshal(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "upstream_error",
			"code":    status,
		},
	})
}

func textAndFinish(resp Response) (text, finish string) {
	if len(resp.Candidates) == 0 {
		return "", ""
	}
	c := resp.Candidates[0]
	for _, p := range c.Content.Parts {
		if !p.Thought {
			text += p.Text
		}
	}
	return text, c.FinishReason
}

func mapFinishReason(native string) string {
	switch native {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return "stop"
	}
}
