package dialect

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicTranslateInSkipsEmptyMessages(t *testing.T) {
	body, err := json.Marshal(anthropicClientRequest{
		Model:     "gemini-2.5-pro",
		MaxTokens: 512,
		System:    "system prompt",
		Messages: []anthropicClientMessage{
			{Role: "user", Content: ""},
			{Role: "user", Content: "hello"},
			{Role: "assistant", Content: ""},
		},
	})
	require.NoError(t, err)

	nativeBody, model, _, err := For(Anthropic).TranslateIn(body)
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.5-pro", model)

	var native Request
	require.NoError(t, json.Unmarshal(nativeBody, &native))
	require.Len(t, native.Contents, 1)
	assert.Equal(t, "hello", native.Contents[0].Parts[0].Text)
	assert.Equal(t, "system prompt", native.SystemInstruction.Parts[0].Text)
}

func TestAnthropicTranslateOutEmitsMessageStartThenDeltas(t *testing.T) {
	state := &StreamState{Model: "gemini-2.5-pro"}
	chunk, _ := json.Marshal(Response{Candidates: []Candidate{{Content: NativeContent{Parts: []NativePart{{Text: "hi"}}}}}})

	first, err := For(Anthropic).TranslateOut(chunk, state)
	require.NoError(t, err)
	assert.Contains(t, string(first), `"type":"message_start"`)

	second, err := For(Anthropic).TranslateOut(chunk, state)
	require.NoError(t, err)
	assert.Contains(t, string(second), `"type":"content_block_delta"`)
	assert.Contains(t, string(second), `"text":"hi"`)
}

func TestAnthropicDoneSentinelIsEmpty(t *testing.T) {
	assert.Equal(t, "", For(Anthropic).DoneSentinel())
}

func TestEstimateTokenCountIsCharsOverFour(t *testing.T) {
	body, err := json.Marshal(anthropicClientRequest{
		System:   "1234",
		Messages: []anthropicClientMessage{{Role: "user", Content: "12345678"}},
	})
	require.NoError(t, err)

	n, err := EstimateTokenCount(body)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
