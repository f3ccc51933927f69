package dialect

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRewriteInlineImagesProducesMarkdown(t *testing.T) {
	body, err := json.Marshal(Response{
		Candidates: []Candidate{{
			Content: NativeContent{Parts: []NativePart{
				{InlineData: &InlineData{MimeType: "image/png", Data: "Zm9v"}},
			}},
		}},
	})
	require.NoError(t, err)

	out, err := RewriteInlineImages(body)
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(out, &resp))
	text := resp.Candidates[0].Content.Parts[0].Text
	assert.True(t, strings.HasPrefix(text, "!["))
	assert.Contains(t, text, "data:image/png;base64,Zm9v")
	assert.Nil(t, resp.Candidates[0].Content.Parts[0].InlineData)
}

func TestRewriteInlineImagesPassthroughWhenNoImage(t *testing.T) {
	body, err := json.Marshal(Response{
		Candidates: []Candidate{{Content: NativeContent{Parts: []NativePart{{Text: "hello"}}}}},
	})
	require.NoError(t, err)

	out, err := RewriteInlineImages(body)
	require.NoError(t, err)
	assert.JSONEq(t, string(body), string(out))
}

func TestSplitThoughtAndContentParts(t *testing.T) {
	parts := []NativePart{
		{Text: "thinking...", Thought: true},
		{Text: "answer"},
		{Text: "more thinking", Thought: true},
	}
	thoughts, content := SplitThoughtAndContentParts(parts)
	require.Len(t, thoughts, 2)
	require.Len(t, content, 1)
	assert.Equal(t, "answer", content[0].Text)
}

func TestParseThinkingLevel(t *testing.T) {
	cases := []struct{ in, model, level string }{
		{"gemini-2.5-flash@high", "gemini-2.5-flash", "HIGH"},
		{"gemini-2.5-flash", "gemini-2.5-flash", ""},
		{"gemini-2.5-flash@low", "gemini-2.5-flash", "LOW"},
	}
	for _, c := range cases {
		m, l := ParseThinkingLevel(c.in)
		assert.Equal(t, c.model, m)
		assert.Equal(t, c.level, l)
	}
}

func TestNativeTranslatorIsIdentityOnRequest(t *testing.T) {
	body := []byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`)
	out, model, stream, err := nativeTranslator{}.TranslateIn(body)
	require.NoError(t, err)
	assert.Equal(t, body, out)
	assert.Empty(t, model)
	assert.False(t, stream)
}

func TestParseNativePath(t *testing.T) {
	cases := []struct {
		path, model, action string
	}{
		{"/v1beta/models/gemini-2.5-flash:generateContent", "gemini-2.5-flash", "generateContent"},
		{"/v1beta/models/gemini-2.5-flash:streamGenerateContent?alt=sse", "gemini-2.5-flash", "streamGenerateContent"},
		{"/v1beta/models/gemini-2.5-flash:countTokens", "gemini-2.5-flash", "countTokens"},
		{"/v1beta/models/gemini-2.5-flash", "gemini-2.5-flash", ""},
		{"/v1beta/models", "", ""},
	}
	for _, c := range cases {
		model, action := ParseNativePath(c.path)
		assert.Equal(t, c.model, model, c.path)
		assert.Equal(t, c.action, action, c.path)
	}
}
