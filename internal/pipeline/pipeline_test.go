package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebloop/fleetbridge/internal/dialect"
	"github.com/nebloop/fleetbridge/internal/frame"
	"github.com/nebloop/fleetbridge/internal/registry"
	"github.com/nebloop/fleetbridge/internal/switcher"
)

// scriptedSocket answers every proxy_request it receives by replaying
// a fixed response script back through the owning Registry, as if an
// in-page agent had produced it.
type scriptedSocket struct {
	reg    *registry.Registry
	script func(requestID string) []*frame.Frame
}

func (s *scriptedSocket) Close() error { return nil }

func (s *scriptedSocket) Send(b []byte) error {
	f, err := frame.Decode(b)
	if err != nil || f.Type != frame.TypeProxyRequest {
		return nil
	}
	go func() {
		for _, out := range s.script(f.ID) {
			raw, _ := frame.Encode(out)
			s.reg.OnSocketMessage(raw)
		}
	}()
	return nil
}

type fakeRecoverer struct{ err error }

func (f *fakeRecoverer) Recover(ctx context.Context, authIndex int) error { return f.err }
func (f *fakeRecoverer) Activate(ctx context.Context, authIndex int) error { return f.err }

type capturingResponder struct {
	status int
	sse    []string
	body   []byte
}

func (c *capturingResponder) WriteHeader(status int) { c.status = status }
func (c *capturingResponder) WriteSSE(data string) error {
	c.sse = append(c.sse, data)
	return nil
}
func (c *capturingResponder) WriteBody(b []byte) error { c.body = append(c.body, b...); return nil }
func (c *capturingResponder) Flush()                   {}

func newTestPipeline(t *testing.T, script func(requestID string) []*frame.Frame) (*Pipeline, *registry.Registry) {
	t.Helper()
	reg := registry.New(func() {})
	sock := &scriptedSocket{reg: reg, script: script}
	reg.OnSocketOpen(0, sock)

	sw := switcher.New(switcher.Config{MaxRetries: 1}, []int{0}, &fakeRecoverer{})
	sw.SetCurrentAuthIndex(0)

	p := New(Config{
		RecoveryBusyWait:   time.Second,
		RecoverySocketWait: time.Second,
		RetryDelay:         time.Millisecond,
		MaxRetries:         1,
	}, reg, sw, &fakeRecoverer{})
	return p, reg
}

func TestExecuteNonStreamRoundTrip(t *testing.T) {
	nativeBody, _ := json.Marshal(dialect.Response{
		Candidates: []dialect.Candidate{{
			Content:      dialect.NativeContent{Parts: []dialect.NativePart{{Text: "hello"}}},
			FinishReason: "STOP",
		}},
	})

	p, _ := newTestPipeline(t, func(requestID string) []*frame.Frame {
		return []*frame.Frame{
			{Type: frame.TypeResponseHeaders, ID: requestID, Status: 200},
			{Type: frame.TypeChunk, ID: requestID, Data: string(nativeBody)},
			{Type: frame.TypeStreamClose, ID: requestID},
		}
	})

	resp := &capturingResponder{}
	req := Request{Dialect: dialect.Native, Method: "POST", Path: "/v1beta/models/gemini-2.5-flash:generateContent", Body: []byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`)}

	err := p.Execute(context.Background(), req, resp)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.status)
	assert.Contains(t, string(resp.body), "hello")
}

func TestExecuteRetriesOnUpstreamErrorThenSucceeds(t *testing.T) {
	attempt := 0
	nativeBody, _ := json.Marshal(dialect.Response{
		Candidates: []dialect.Candidate{{Content: dialect.NativeContent{Parts: []dialect.NativePart{{Text: "ok"}}}, FinishReason: "STOP"}},
	})

	p, _ := newTestPipeline(t, func(requestID string) []*frame.Frame {
		attempt++
		if attempt == 1 {
			return []*frame.Frame{{Type: frame.TypeResponseHeaders, ID: requestID, Status: 500, Message: "boom"}}
		}
		return []*frame.Frame{
			{Type: frame.TypeResponseHeaders, ID: requestID, Status: 200},
			{Type: frame.TypeChunk, ID: requestID, Data: string(nativeBody)},
			{Type: frame.TypeStreamClose, ID: requestID},
		}
	})

	resp := &capturingResponder{}
	req := Request{Dialect: dialect.Native, Method: "POST", Path: "/v1beta/models/gemini-2.5-flash:generateContent", Body: []byte(`{"contents":[]}`)}

	err := p.Execute(context.Background(), req, resp)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.status)
	assert.GreaterOrEqual(t, attempt, 2)
}

func TestExecuteRealStreamPassesThroughMultipleChunks(t *testing.T) {
	c1, _ := json.Marshal(dialect.Response{Candidates: []dialect.Candidate{{Content: dialect.NativeContent{Parts: []dialect.NativePart{{Text: "a"}}}}}})
	c2, _ := json.Marshal(dialect.Response{Candidates: []dialect.Candidate{{Content: dialect.NativeContent{Parts: []dialect.NativePart{{Text: "b"}}}, FinishReason: "STOP"}}})

	p, _ := newTestPipeline(t, func(requestID string) []*frame.Frame {
		return []*frame.Frame{
			{Type: frame.TypeResponseHeaders, ID: requestID, Status: 200},
			{Type: frame.TypeChunk, ID: requestID, Data: string(c1)},
			{Type: frame.TypeChunk, ID: requestID, Data: string(c2)},
			{Type: frame.TypeStreamClose, ID: requestID},
		}
	})

	resp := &capturingResponder{}
	req := Request{Dialect: dialect.OpenAI, Method: "POST", Path: "/v1/chat/completions", Body: []byte(`{"model":"gemini-2.5-flash","messages":[{"role":"user","content":"hi"}],"stream":true}`)}

	err := p.Execute(context.Background(), req, resp)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.status)
	require.Len(t, resp.sse, 3) // two content deltas + [DONE]
	assert.Equal(t, "[DONE]", resp.sse[2])
}

// recordingSocket wraps scriptedSocket and captures every proxy_request
// frame's StreamingMode, so StreamMode: "fake" overrides can be
// observed on the wire rather than inferred from the shaped response.
type recordingSocket struct {
	*scriptedSocket
	modes []frame.StreamingMode
}

func (s *recordingSocket) Send(b []byte) error {
	if f, err := frame.Decode(b); err == nil && f.Type == frame.TypeProxyRequest {
		s.modes = append(s.modes, f.StreamingMode)
	}
	return s.scriptedSocket.Send(b)
}

func TestStreamModeFakeOverridesClientStreamFlag(t *testing.T) {
	nativeBody, _ := json.Marshal(dialect.Response{
		Candidates: []dialect.Candidate{{Content: dialect.NativeContent{Parts: []dialect.NativePart{{Text: "hi"}}}, FinishReason: "STOP"}},
	})

	reg := registry.New(func() {})
	rec := &recordingSocket{scriptedSocket: &scriptedSocket{reg: reg, script: func(requestID string) []*frame.Frame {
		return []*frame.Frame{
			{Type: frame.TypeResponseHeaders, ID: requestID, Status: 200},
			{Type: frame.TypeChunk, ID: requestID, Data: string(nativeBody)},
			{Type: frame.TypeStreamClose, ID: requestID},
		}
	}}}
	reg.OnSocketOpen(0, rec)

	sw := switcher.New(switcher.Config{MaxRetries: 1}, []int{0}, &fakeRecoverer{})
	sw.SetCurrentAuthIndex(0)

	p := New(Config{
		RecoveryBusyWait:   time.Second,
		RecoverySocketWait: time.Second,
		RetryDelay:         time.Millisecond,
		MaxRetries:         1,
		StreamMode:         "fake",
	}, reg, sw, &fakeRecoverer{})

	resp := &capturingResponder{}
	req := Request{Dialect: dialect.OpenAI, Method: "POST", Path: "/v1/chat/completions", Body: []byte(`{"model":"gemini-2.5-flash","messages":[{"role":"user","content":"hi"}],"stream":true}`)}

	err := p.Execute(context.Background(), req, resp)
	require.NoError(t, err)
	require.Len(t, rec.modes, 1)
	assert.Equal(t, frame.StreamFake, rec.modes[0])
}

// TestWatchClientDisconnectAbortsInFlightRequest covers §4.E.3: a
// client context cancelled mid-attempt must make Execute return rather
// than hang waiting on a response the agent never finishes sending.
func TestWatchClientDisconnectAbortsInFlightRequest(t *testing.T) {
	block := make(chan struct{})
	p, _ := newTestPipeline(t, func(requestID string) []*frame.Frame {
		<-block
		return []*frame.Frame{{Type: frame.TypeResponseHeaders, ID: requestID, Status: 200}}
	})

	ctx, cancel := context.WithCancel(context.Background())
	resp := &capturingResponder{}
	req := Request{Dialect: dialect.Native, Method: "POST", Path: "/v1beta/models/gemini-2.5-flash:generateContent", Body: []byte(`{"contents":[]}`)}

	done := make(chan error, 1)
	go func() { done <- p.Execute(ctx, req, resp) }()

	time.Sleep(20 * time.Millisecond) // let Execute reach the drain loop
	cancel()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Execute did not return after client disconnect")
	}
	close(block)
}
