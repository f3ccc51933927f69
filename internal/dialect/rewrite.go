package dialect

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// ForcedFeatures mirrors the feature-flag block of §4.G's
// configuration: force-injecting thinking/search/url-context on
// native generative requests when the client hasn't already set a
// compatible field.
type ForcedFeatures struct {
	Thinking   bool
	WebSearch  bool
	URLContext bool
}

// ApplyBodyRewrites performs the Request Pipeline's step-4 body
// rewrites (§4.E.4) on a native generative request: force-injecting
// thinkingConfig.includeThoughts / googleSearch / urlContext tools when
// configured and not already present, ensuring a thoughtSignature on
// every function-call part, and normalizing tool entries.
func ApplyBodyRewrites(req *Request, ff ForcedFeatures) {
	if ff.Thinking {
		if req.GenerationConfig == nil {
			req.GenerationConfig = &GenerationConfig{}
		}
		if req.GenerationConfig.ThinkingConfig == nil {
			req.GenerationConfig.ThinkingConfig = &ThinkingConfig{}
		}
		if !req.GenerationConfig.ThinkingConfig.IncludeThoughts {
			req.GenerationConfig.ThinkingConfig.IncludeThoughts = true
		}
	}

	if ff.WebSearch && !hasTool(req.Tools, func(t Tool) bool { return t.GoogleSearch != nil }) {
		req.Tools = append(req.Tools, Tool{GoogleSearch: &struct{}{}})
	}
	if ff.URLContext && !hasTool(req.Tools, func(t Tool) bool { return t.URLContext != nil }) {
		req.Tools = append(req.Tools, Tool{URLContext: &struct{}{}})
	}

	ensureThoughtSignatures(req)
	NormalizeTools(req)
}

func hasTool(tools []Tool, pred func(Tool) bool) bool {
	for _, t := range tools {
		if pred(t) {
			return true
		}
	}
	return false
}

// ensureThoughtSignatures assigns a placeholder thoughtSignature to any
// function-call part missing one, so downstream multi-turn requests
// that echo the assistant's tool call back upstream never carry an
// empty signature field.
func ensureThoughtSignatures(req *Request) {
	for ci := range req.Contents {
		parts := req.Contents[ci].Parts
		for pi := range parts {
			if parts[pi].FunctionCall != nil && parts[pi].ThoughtSignature == "" {
				parts[pi].ThoughtSignature = randomSignature()
			}
		}
	}
}

func randomSignature() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// NormalizeTools merges function-declaration tool entries into a
// single entry (the native shape expects at most one
// functionDeclarations bundle alongside the built-in retrieval tools),
// leaving googleSearch/urlContext entries untouched.
func NormalizeTools(req *Request) {
	if len(req.Tools) < 2 {
		return
	}
	var merged []FunctionDecl
	var rest []Tool
	for _, t := range req.Tools {
		if len(t.FunctionDeclarations) > 0 {
			merged = append(merged, t.FunctionDeclarations...)
			continue
		}
		rest = append(rest, t)
	}
	if len(merged) == 0 {
		return
	}
	req.Tools = append([]Tool{{FunctionDeclarations: merged}}, rest...)
}

// ModelFamily classifies a model id for the §6 model-family body
// rewrite table.
type ModelFamily int

const (
	FamilyStandard ModelFamily = iota
	FamilyImage
	FamilyEmbedding
	FamilyTTS
	FamilyComputerUse
	FamilyRobotics
)

// ClassifyModel returns the ModelFamily for a (already thinking-level
// stripped) model id.
func ClassifyModel(model string) ModelFamily {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "embedding"):
		return FamilyEmbedding
	case strings.Contains(m, "tts"):
		return FamilyTTS
	case strings.Contains(m, "computer-use"):
		return FamilyComputerUse
	case strings.Contains(m, "robotics"):
		return FamilyRobotics
	case strings.Contains(m, "-image") || strings.Contains(m, "imagen"):
		return FamilyImage
	default:
		return FamilyStandard
	}
}

// ApplyModelFamilyStrip removes fields incompatible with model's
// family, and forces TTS's fixed AUDIO response modality. jsonMode
// indicates the client requested JSON response_mime_type, which on a
// Gemini-2.x model also forces tool removal.
func ApplyModelFamilyStrip(req *Request, model string, jsonMode bool) {
	family := ClassifyModel(model)

	stripTools := func() { req.Tools = nil }
	stripThinking := func() {
		if req.GenerationConfig != nil {
			req.GenerationConfig.ThinkingConfig = nil
		}
	}
	stripSystemInstruction := func() { req.SystemInstruction = nil }
	stripResponseMime := func() {
		if req.GenerationConfig != nil {
			req.GenerationConfig.ResponseMimeType = ""
		}
	}
	stripResponseModalities := func() {
		if req.GenerationConfig != nil {
			req.GenerationConfig.ResponseModalities = nil
		}
	}
	dropRetrievalTools := func() {
		filtered := req.Tools[:0]
		for _, t := range req.Tools {
			if t.GoogleSearch != nil || t.URLContext != nil {
				continue
			}
			filtered = append(filtered, t)
		}
		req.Tools = filtered
	}

	switch family {
	case FamilyImage:
		stripTools()
		stripThinking()
		stripSystemInstruction()
		stripResponseMime()
	case FamilyEmbedding:
		stripTools()
		stripThinking()
		stripSystemInstruction()
		stripResponseMime()
		stripResponseModalities()
	case FamilyTTS:
		stripTools()
		stripThinking()
		stripSystemInstruction()
		stripResponseMime()
		if req.GenerationConfig == nil {
			req.GenerationConfig = &GenerationConfig{}
		}
		req.GenerationConfig.ResponseModalities = []string{"AUDIO"}
	case FamilyComputerUse:
		stripTools()
		stripResponseModalities()
	case FamilyRobotics:
		dropRetrievalTools()
		stripResponseModalities()
	default:
		if jsonMode && strings.HasPrefix(strings.ToLower(model), "gemini-2") {
			stripTools()
		}
	}

	UppercaseThinkingLevelAndModalities(req)
}

// UppercaseThinkingLevelAndModalities normalizes the two fields the
// upstream API requires in upper case.
func UppercaseThinkingLevelAndModalities(req *Request) {
	if req.GenerationConfig == nil {
		return
	}
	if req.GenerationConfig.ThinkingConfig != nil {
		req.GenerationConfig.ThinkingConfig.ThinkingLevel = strings.ToUpper(req.GenerationConfig.ThinkingConfig.ThinkingLevel)
	}
	for i, m := range req.GenerationConfig.ResponseModalities {
		req.GenerationConfig.ResponseModalities[i] = strings.ToUpper(m)
	}
}
