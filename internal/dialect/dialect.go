// Package dialect implements the three wire dialects the HTTP surface
// speaks (OpenAI chat-completions, Anthropic messages, native Gemini)
// as pure translateIn/translateOut functions, per Design Note
// "Polymorphism of dialects". Request/response field names are
// grounded in the teacher's internal/agent/ai provider trio
// (api_openai.go's openai-go param types, api_anthropic.go's
// anthropic-sdk-go param/event types, agent/ai/api_gemini.go's
// hand-rolled REST structs for the native shape) — used here purely as
// the canonical vocabulary for marshaling, since the Core never opens
// a live client to any of these SDKs itself (the upstream call happens
// inside the browser).
package dialect

import "encoding/json"

// Dialect names one of the three wire shapes the HTTP surface accepts.
type Dialect string

const (
	OpenAI    Dialect = "openai"
	Anthropic Dialect = "anthropic"
	Native    Dialect = "native"
)

// StreamState threads per-request bookkeeping needed to translate a
// sequence of native chunks into a client dialect's streaming
// envelope (chunk index, whether a message_start/role preamble has
// already been emitted, accumulated usage, etc).
type StreamState struct {
	Model        string
	ChunkIndex   int
	StartEmitted bool
	MessageID    string
	ToolCallSeq  int
}

// Translator converts between one client-facing wire dialect and the
// native Gemini request/response shape.
type Translator interface {
	// TranslateIn converts a client request body into a native body
	// plus the cleaned model name (with any "@level" thinking-level
	// suffix already stripped — see ParseThinkingLevel).
	TranslateIn(clientBody []byte) (nativeBody []byte, model string, stream bool, err error)

	// TranslateOut converts one native response chunk (already
	// unmarshaled from a single response_headers/chunk/stream_close
	// cycle's accumulated JSON, or a partial native streaming record)
	// into the bytes of one client-dialect SSE data payload (without
	// the "data: " prefix or trailing newlines — the pipeline adds
	// framing).
	TranslateOut(nativeChunk []byte, state *StreamState) ([]byte, error)

	// NonStreamEnvelope converts a complete accumulated native
	// response body into the client dialect's non-streaming response
	// body.
	NonStreamEnvelope(nativeBody []byte, model string) ([]byte, error)

	// DoneSentinel returns the dialect's end-of-stream marker body
	// (OpenAI: "[DONE]"; Anthropic and Native: "", meaning no extra
	// record is emitted).
	DoneSentinel() string

	// ErrorEnvelope renders an upstream error as the dialect's own
	// error JSON shape, for both non-stream error responses and
	// mid-stream SSE error records.
	ErrorEnvelope(status int, message string) []byte
}

// For selects the Translator for a dialect.
func For(d Dialect) Translator {
	switch d {
	case OpenAI:
		return openAITranslator{}
	case Anthropic:
		return anthropicTranslator{}
	default:
		return nativeTranslator{}
	}
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
