package dialect

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyBodyRewritesForcesThinkingOnlyWhenUnset(t *testing.T) {
	req := &Request{}
	ApplyBodyRewrites(req, ForcedFeatures{Thinking: true})
	assert.True(t, req.GenerationConfig.ThinkingConfig.IncludeThoughts)

	req2 := &Request{GenerationConfig: &GenerationConfig{ThinkingConfig: &ThinkingConfig{IncludeThoughts: false}}}
	ApplyBodyRewrites(req2, ForcedFeatures{Thinking: true})
	assert.True(t, req2.GenerationConfig.ThinkingConfig.IncludeThoughts)
}

func TestApplyBodyRewritesDoesNotDuplicateRetrievalTools(t *testing.T) {
	req := &Request{Tools: []Tool{{GoogleSearch: &struct{}{}}}}
	ApplyBodyRewrites(req, ForcedFeatures{WebSearch: true})
	assert.Len(t, req.Tools, 1)
}

func TestEnsureThoughtSignaturesFillsMissingOnly(t *testing.T) {
	req := &Request{Contents: []NativeContent{{Parts: []NativePart{
		{FunctionCall: &FunctionCall{Name: "f"}},
		{FunctionCall: &FunctionCall{Name: "g"}, ThoughtSignature: "keep-me"},
	}}}}
	ApplyBodyRewrites(req, ForcedFeatures{})
	assert.NotEmpty(t, req.Contents[0].Parts[0].ThoughtSignature)
	assert.Equal(t, "keep-me", req.Contents[0].Parts[1].ThoughtSignature)
}

func TestNormalizeToolsMergesFunctionDeclarationBundles(t *testing.T) {
	req := &Request{Tools: []Tool{
		{FunctionDeclarations: []FunctionDecl{{Name: "a"}}},
		{FunctionDeclarations: []FunctionDecl{{Name: "b"}}},
		{GoogleSearch: &struct{}{}},
	}}
	NormalizeTools(req)
	assert.Len(t, req.Tools, 2)
	assert.Len(t, req.Tools[0].FunctionDeclarations, 2)
}

func TestClassifyModel(t *testing.T) {
	cases := map[string]ModelFamily{
		"gemini-2.5-flash":          FamilyStandard,
		"text-embedding-004":        FamilyEmbedding,
		"gemini-2.5-pro-tts":        FamilyTTS,
		"gemini-2.5-computer-use":   FamilyComputerUse,
		"gemini-robotics-er-1.5":    FamilyRobotics,
		"imagen-4.0-generate":       FamilyImage,
		"gemini-2.5-flash-image":    FamilyImage,
	}
	for model, want := range cases {
		assert.Equal(t, want, ClassifyModel(model), model)
	}
}

func TestApplyModelFamilyStripForcesAudioModalityForTTS(t *testing.T) {
	req := &Request{Tools: []Tool{{GoogleSearch: &struct{}{}}}, GenerationConfig: &GenerationConfig{}}
	ApplyModelFamilyStrip(req, "gemini-2.5-pro-tts", false)
	assert.Nil(t, req.Tools)
	assert.Equal(t, []string{"AUDIO"}, req.GenerationConfig.ResponseModalities)
}

func TestUppercaseThinkingLevelAndModalities(t *testing.T) {
	req := &Request{GenerationConfig: &GenerationConfig{
		ThinkingConfig:     &ThinkingConfig{ThinkingLevel: "high"},
		ResponseModalities: []string{"text", "audio"},
	}}
	UppercaseThinkingLevelAndModalities(req)
	assert.Equal(t, "HIGH", req.GenerationConfig.ThinkingConfig.ThinkingLevel)
	assert.Equal(t, []string{"TEXT", "AUDIO"}, req.GenerationConfig.ResponseModalities)
}
