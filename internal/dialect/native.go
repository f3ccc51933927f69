package dialect

import (
	"encoding/json"
	"strings"
)

// NativeContent mirrors one turn of a Gemini generateContent request,
// matching the field names google/generative-ai-go's genai.Content
// uses (Role, Parts), kept here as plain structs since no live genai
// client is instantiated by the Core.
type NativeContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []NativePart `json:"parts"`
}

// NativePart is one part of a NativeContent; only the fields the
// Core's translators and body-rewrite rules touch are modeled.
type NativePart struct {
	Text             string           `json:"text,omitempty"`
	Thought          bool             `json:"thought,omitempty"`
	ThoughtSignature string           `json:"thoughtSignature,omitempty"`
	FunctionCall     *FunctionCall    `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResp    `json:"functionResponse,omitempty"`
	InlineData       *InlineData      `json:"inlineData,omitempty"`
}

// FunctionCall mirrors genai.FunctionCall.
type FunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// FunctionResp mirrors genai.FunctionResponse.
type FunctionResp struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response,omitempty"`
}

// InlineData mirrors an inline base64 blob part (image/audio output).
type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// GenerationConfig mirrors genai.GenerationConfig's field set relevant
// to this system, plus the thinkingConfig extension.
type GenerationConfig struct {
	Temperature      *float64        `json:"temperature,omitempty"`
	MaxOutputTokens  int             `json:"maxOutputTokens,omitempty"`
	ThinkingConfig   *ThinkingConfig `json:"thinkingConfig,omitempty"`
	ResponseModalities []string      `json:"responseModalities,omitempty"`
	ResponseMimeType string          `json:"responseMimeType,omitempty"`
}

// ThinkingConfig mirrors the thinkingConfig extension object.
type ThinkingConfig struct {
	IncludeThoughts bool   `json:"includeThoughts,omitempty"`
	ThinkingLevel   string `json:"thinkingLevel,omitempty"`
}

// Tool mirrors one entry of the native "tools" array; either a
// function-declarations bundle or one of the built-in retrieval tools.
type Tool struct {
	FunctionDeclarations []FunctionDecl `json:"functionDeclarations,omitempty"`
	GoogleSearch         *struct{}      `json:"googleSearch,omitempty"`
	URLContext           *struct{}      `json:"urlContext,omitempty"`
}

// FunctionDecl mirrors genai.FunctionDeclaration.
type FunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Request is the native generateContent request body.
type Request struct {
	Contents          []NativeContent   `json:"contents"`
	SystemInstruction *NativeContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	Tools             []Tool            `json:"tools,omitempty"`
}

// Candidate is one entry of a native response's "candidates" array.
type Candidate struct {
	Content      NativeContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

// UsageMetadata mirrors the native response's token accounting block.
type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount int `json:"candidatesTokenCount,omitempty"`
	TotalTokenCount      int `json:"totalTokenCount,omitempty"`
}

// Response is the native generateContent response body.
type Response struct {
	Candidates    []Candidate    `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
	Error         *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// nativeTranslator implements Translator as an identity mapping: the
// native dialect requires no request/response translation, only the
// body rewrites and thinking-level parsing in rewrite.go, which the
// Pipeline applies to every dialect uniformly after TranslateIn.
type nativeTranslator struct{}

func (nativeTranslator) TranslateIn(clientBody []byte) ([]byte, string, bool, error) {
	return clientBody, "", false, nil
}

func (nativeTranslator) TranslateOut(nativeChunk []byte, state *StreamState) ([]byte, error) {
	return nativeChunk, nil
}

func (nativeTranslator) NonStreamEnvelope(nativeBody []byte, model string) ([]byte, error) {
	return RewriteInlineImages(nativeBody)
}

func (nativeTranslator) DoneSentinel() string { return "" }

func (nativeTranslator) ErrorEnvelope(status int, message string) []byte {
	return mustMarshal(Response{Error: &struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}{Code: status, Message: message}})
}

// RewriteInlineImages implements Testable Property 8: a response
// containing candidates[].content.parts[].inlineData{mimeType,data} is
// rewritten to a text part holding a Markdown image reference
// embedding the base64 data URL.
func RewriteInlineImages(body []byte) ([]byte, error) {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		// Not a JSON candidates body (e.g. an embeddings/predict
		// response) — pass through unchanged.
		return body, nil
	}
	changed := false
	for ci := range resp.Candidates {
		parts := resp.Candidates[ci].Content.Parts
		for pi := range parts {
			if parts[pi].InlineData != nil {
				img := parts[pi].InlineData
				md := "![Generated Image](data:" + img.MimeType + ";base64," + img.Data + ")"
				parts[pi] = NativePart{Text: md}
				changed = true
			}
		}
	}
	if !changed {
		return body, nil
	}
	return json.Marshal(resp)
}

// SplitThoughtAndContentParts implements the pseudo-stream splitting
// rule (§4.E.3): parts flagged thought=true are separated from the
// remaining content parts.
func SplitThoughtAndContentParts(parts []NativePart) (thoughts, content []NativePart) {
	for _, p := range parts {
		if p.Thought {
			thoughts = append(thoughts, p)
		} else {
			content = append(content, p)
		}
	}
	return thoughts, content
}

// ParseNativePath extracts the model id and action verb from a native
// passthrough path of the form
// "/v1beta/models/{model}:{action}" (§6 inbound surface). Both are
// empty if path does not match that shape.
func ParseNativePath(path string) (model, action string) {
	const marker = "/models/"
	idx := strings.Index(path, marker)
	if idx < 0 {
		return "", ""
	}
	rest := path[idx+len(marker):]
	if q := strings.IndexByte(rest, '?'); q >= 0 {
		rest = rest[:q]
	}
	colon := strings.LastIndex(rest, ":")
	if colon < 0 {
		return rest, ""
	}
	return rest[:colon], rest[colon+1:]
}

// ParseThinkingLevel extracts an "@level" suffix from a client-supplied
// model name (e.g. "gemini-2.5-flash@high" -> "gemini-2.5-flash",
// "HIGH"); the level is upper-cased. Absent a suffix, level is "".
func ParseThinkingLevel(model string) (cleanModel, level string) {
	if idx := strings.LastIndex(model, "@"); idx > 0 {
		return model[:idx], strings.ToUpper(model[idx+1:])
	}
	return model, ""
}
