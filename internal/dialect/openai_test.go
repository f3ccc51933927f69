package dialect

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAITranslateInStripsThinkingLevelSuffix(t *testing.T) {
	body, err := json.Marshal(clientRequest{
		Model:    "gemini-2.5-flash@high",
		Messages: []clientMessage{{Role: "system", Content: "be terse"}, {Role: "user", Content: "hi"}},
		Stream:   true,
	})
	require.NoError(t, err)

	nativeBody, model, stream, err := For(OpenAI).TranslateIn(body)
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.5-flash", model)
	assert.True(t, stream)

	var native Request
	require.NoError(t, json.Unmarshal(nativeBody, &native))
	assert.Equal(t, "HIGH", native.GenerationConfig.ThinkingConfig.ThinkingLevel)
	require.Len(t, native.Contents, 1)
	assert.Equal(t, "user", native.Contents[0].Role)
	assert.Equal(t, "be terse", native.SystemInstruction.Parts[0].Text)
}

func TestOpenAITranslateOutEmitsDeltaChunks(t *testing.T) {
	nativeBody, err := json.Marshal(Response{
		Candidates: []Candidate{{Content: NativeContent{Parts: []NativePart{{Text: "hello"}}}}},
	})
	require.NoError(t, err)

	state := &StreamState{Model: "gemini-2.5-flash"}
	out, err := For(OpenAI).TranslateOut(nativeBody, state)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"content":"hello"`)
	assert.NotEmpty(t, state.MessageID)
}

func TestOpenAINonStreamEnvelopeIncludesUsage(t *testing.T) {
	nativeBody, err := json.Marshal(Response{
		Candidates: []Candidate{{
			Content:      NativeContent{Parts: []NativePart{{Text: "hi"}}},
			FinishReason: "STOP",
		}},
		UsageMetadata: &UsageMetadata{PromptTokenCount: 3, CandidatesTokenCount: 2, TotalTokenCount: 5},
	})
	require.NoError(t, err)

	out, err := For(OpenAI).NonStreamEnvelope(nativeBody, "gemini-2.5-flash")
	require.NoError(t, err)
	assert.Contains(t, string(out), `"total_tokens":5`)
	assert.Contains(t, string(out), `"finish_reason":"stop"`)
}

func TestOpenAIDoneSentinel(t *testing.T) {
	assert.Equal(t, "[DONE]", For(OpenAI).DoneSentinel())
}
