package pipeline

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/nebloop/fleetbridge/internal/dialect"
	"github.com/nebloop/fleetbridge/internal/frame"
	"github.com/nebloop/fleetbridge/internal/logging"
)

// writeClientFacingError renders a pre-dispatch error (readiness gate,
// translation failure) in the client's own dialect error envelope.
func (p *Pipeline) writeClientFacingError(req Request, resp Responder, err error) error {
	status := 500
	msg := err.Error()
	var ce *frame.ClientError
	if ok := asClientError(err, &ce); ok {
		status = ce.Status
		msg = ce.Message
	}
	resp.WriteHeader(status)
	body := dialect.For(req.Dialect).ErrorEnvelope(status, msg)
	return resp.WriteBody(body)
}

func asClientError(err error, target **frame.ClientError) bool {
	if ce, ok := err.(*frame.ClientError); ok {
		*target = ce
		return true
	}
	return false
}

// writeUpstreamError renders an attempt-loop failure that survived
// every retry.
func (p *Pipeline) writeUpstreamError(req Request, resp Responder, tr dialect.Translator, err error) error {
	status := statusOf(err)
	if status == 0 {
		status = 502
	}
	resp.WriteHeader(status)
	return resp.WriteBody(tr.ErrorEnvelope(status, err.Error()))
}

// shapeResponse implements §4.E.3: real-stream passthrough, pseudo-
// stream rewriting, or non-stream accumulation, depending on what the
// client asked for.
func (p *Pipeline) shapeResponse(ctx context.Context, tr dialect.Translator, result *attemptResult, model string, stream bool, resp Responder, requestID string, identity int) error {
	status := result.status
	if status == 0 {
		status = 200
	}

	chunkCount := 0
	for _, f := range result.frames {
		if f.Type == frame.TypeChunk {
			chunkCount++
		}
	}

	if stream {
		// More than one chunk arrived: the agent is genuinely
		// streaming upstream and every record passes through as-is.
		// Exactly one (or zero) means the upstream call that produced
		// it was non-streaming (e.g. in pseudo-stream mode attemptLoop
		// sends a native streamGenerateContent request as
		// generateContent) and the single accumulated body must be
		// split client-side instead.
		if chunkCount > 1 {
			return p.shapeRealStream(tr, result, model, resp)
		}
		nativeBody, _ := accumulateNative(result.frames)
		return p.shapePseudoStream(tr, nativeBody, model, resp)
	}

	nativeBody, _ := accumulateNative(result.frames)
	resp.WriteHeader(status)
	body, err := tr.NonStreamEnvelope(nativeBody, model)
	if err != nil {
		return err
	}
	return resp.WriteBody(body)
}

// shapeRealStream re-emits each native chunk through the dialect
// translator as one SSE record, preserving arrival order, and appends
// the dialect's DoneSentinel record if any.
func (p *Pipeline) shapeRealStream(tr dialect.Translator, result *attemptResult, model string, resp Responder) error {
	resp.WriteHeader(200)
	state := &dialect.StreamState{Model: model}

	for _, f := range result.frames {
		if f.Type == frame.TypeStreamEnd {
			break
		}
		out, err := tr.TranslateOut([]byte(f.Data), state)
		if err != nil {
			logging.Warnf("pipeline: translate-out failed mid-stream: %v", err)
			continue
		}
		if err := resp.WriteSSE(string(out)); err != nil {
			return err
		}
		resp.Flush()
	}

	if done := tr.DoneSentinel(); done != "" {
		return resp.WriteSSE(done)
	}
	return nil
}

// shapePseudoStream implements Testable Property 7: the client asked
// for a streaming response but the upstream call was non-streaming
// (attemptLoop rewrites a native streamGenerateContent request to
// generateContent in pseudo-stream mode), so the single accumulated
// native body is split into thought parts and content parts, emitted
// as separate records. No keep-alive comments are written while the
// body accumulates: nothing reaches the client until the full body is
// in hand.
func (p *Pipeline) shapePseudoStream(tr dialect.Translator, nativeBody []byte, model string, resp Responder) error {
	var native dialect.Response
	if err := json.Unmarshal(nativeBody, &native); err != nil {
		resp.WriteHeader(200)
		body, err2 := tr.NonStreamEnvelope(nativeBody, model)
		if err2 != nil {
			return err2
		}
		return resp.WriteBody(body)
	}

	resp.WriteHeader(200)
	state := &dialect.StreamState{Model: model}

	for ci := range native.Candidates {
		thoughts, content := dialect.SplitThoughtAndContentParts(native.Candidates[ci].Content.Parts)
		if len(thoughts) > 0 {
			chunk, err := json.Marshal(dialect.Response{Candidates: []dialect.Candidate{{
				Content: dialect.NativeContent{Role: "model", Parts: thoughts},
			}}})
			if err == nil {
				if out, err := tr.TranslateOut(chunk, state); err == nil {
					resp.WriteSSE(string(out))
				}
			}
		}
		if len(content) > 0 {
			chunk, err := json.Marshal(dialect.Response{Candidates: []dialect.Candidate{{
				Content:      dialect.NativeContent{Role: "model", Parts: content},
				FinishReason: native.Candidates[ci].FinishReason,
			}}})
			if err == nil {
				if out, err := tr.TranslateOut(chunk, state); err == nil {
					resp.WriteSSE(string(out))
				}
			}
		}
	}

	if done := tr.DoneSentinel(); done != "" {
		return resp.WriteSSE(done)
	}
	return nil
}

// accumulateNative joins an attempt's chunk frames into one native
// response body. isPseudo reports whether more than one chunk arrived;
// in that case the parts of every chunk's first candidate are
// concatenated in arrival order, and the last finishReason and
// usageMetadata seen are kept.
func accumulateNative(frames []*frame.Frame) (body []byte, isPseudo bool) {
	var chunks [][]byte
	for _, f := range frames {
		if f.Type == frame.TypeChunk && f.Data != "" {
			chunks = append(chunks, []byte(f.Data))
		}
	}
	if len(chunks) == 0 {
		return []byte(`{}`), false
	}
	if len(chunks) == 1 {
		return chunks[0], false
	}

	var merged dialect.Response
	for _, c := range chunks {
		var part dialect.Response
		if err := json.Unmarshal(c, &part); err != nil {
			continue
		}
		if len(part.Candidates) == 0 {
			continue
		}
		if len(merged.Candidates) == 0 {
			merged.Candidates = append(merged.Candidates, dialect.Candidate{})
		}
		merged.Candidates[0].Content.Role = "model"
		merged.Candidates[0].Content.Parts = append(merged.Candidates[0].Content.Parts, part.Candidates[0].Content.Parts...)
		if part.Candidates[0].FinishReason != "" {
			merged.Candidates[0].FinishReason = part.Candidates[0].FinishReason
		}
		if part.UsageMetadata != nil {
			merged.UsageMetadata = part.UsageMetadata
		}
	}
	b, err := json.Marshal(merged)
	if err != nil {
		return bytes.Join(chunks, nil), true
	}
	return b, true
}
