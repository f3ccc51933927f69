// Package pipeline implements the Request Pipeline: the per-request
// state machine that ties the Connection Registry, Account Switcher,
// Message Queues and dialect translators together into one HTTP
// request's lifecycle (readiness, translation, attempt loop, response
// shaping, finalization). Grounded in the teacher's
// internal/agenthub.Hub request-correlation loop for the queue/attempt
// plumbing, generalized to the multi-attempt, multi-identity retry
// semantics the spec calls for.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nebloop/fleetbridge/internal/dialect"
	"github.com/nebloop/fleetbridge/internal/frame"
	"github.com/nebloop/fleetbridge/internal/logging"
	"github.com/nebloop/fleetbridge/internal/registry"
	"github.com/nebloop/fleetbridge/internal/reqqueue"
	"github.com/nebloop/fleetbridge/internal/switcher"
)

// Config holds the Pipeline's tunables, sourced from environment
// configuration (see SPEC_FULL.md §4.G).
type Config struct {
	RecoveryBusyWait   time.Duration // 120s: wait for isSystemBusy to clear
	RecoverySocketWait time.Duration // 10s: wait for a socket after recovery activation
	RetryDelay         time.Duration // sleep between attempts after a retryable failure
	MaxRetries         int
	IdleChunkTimeout   time.Duration // 60s: real-stream per-chunk idle budget
	KeepAliveMin       time.Duration // 12s
	KeepAliveMax       time.Duration // 18s
	Forced             dialect.ForcedFeatures
	StreamMode         string // "real" (default) or "fake": forces pseudo-stream mode for every generative request regardless of what the client asked for
}

// Recoverer performs the direct-recovery activation path (§4.E.1):
// bring the currently-selected identity to agent-live without
// consulting the rotation. Implemented by the Browser Fleet Manager.
type Recoverer interface {
	Recover(ctx context.Context, authIndex int) error
}

// Responder is the output side of one HTTP request: a dialect body
// writer abstraction the Pipeline drives without depending on
// net/http directly.
type Responder interface {
	WriteHeader(status int)
	WriteSSE(data string) error
	WriteBody(b []byte) error
	Flush()
}

// Request is one inbound dialect-fronted HTTP request.
type Request struct {
	Dialect      dialect.Dialect
	Method       string
	Path         string
	Query        map[string]string
	Headers      map[string]string
	Body         []byte
	IsGenerative bool
}

// Pipeline wires Registry, Switcher and the dialect translators into
// the request lifecycle described in SPEC_FULL.md §4.E.
type Pipeline struct {
	cfg       Config
	registry  *registry.Registry
	switcher  *switcher.Switcher
	recoverer Recoverer
}

func New(cfg Config, reg *registry.Registry, sw *switcher.Switcher, rec Recoverer) *Pipeline {
	return &Pipeline{cfg: cfg, registry: reg, switcher: sw, recoverer: rec}
}

// Execute runs one request end to end.
func (p *Pipeline) Execute(ctx context.Context, req Request, resp Responder) error {
	requestID := uuid.NewString()

	identity, err := p.readinessGate(ctx)
	if err != nil {
		return p.writeClientFacingError(req, resp, err)
	}

	if req.IsGenerative {
		if _, needsSwitch := p.switcher.IncrementUsage(); needsSwitch {
			defer p.backgroundSwitch(context.Background())
		}
	}

	tr := dialect.For(req.Dialect)
	nativeBody, model, stream, err := tr.TranslateIn(req.Body)
	if err != nil {
		return p.writeClientFacingError(req, resp, &frame.ClientError{Status: 400, Message: err.Error()})
	}

	if req.Dialect == dialect.Native {
		pathModel, action := dialect.ParseNativePath(req.Path)
		model = pathModel
		stream = action == "streamGenerateContent"
	}

	var native dialect.Request
	if err := decodeNative(nativeBody, &native); err == nil {
		dialect.ApplyBodyRewrites(&native, p.cfg.Forced)
		jsonMode := native.GenerationConfig != nil && native.GenerationConfig.ResponseMimeType == "application/json"
		dialect.ApplyModelFamilyStrip(&native, model, jsonMode)
		if b, err := encodeNative(&native); err == nil {
			nativeBody = b
		}
	}

	queue := p.registry.CreateQueue(requestID, identity)

	done := make(chan struct{})
	go p.watchClientDisconnect(ctx, requestID, done)

	result, finalIdentity, err := p.attemptLoop(ctx, requestID, identity, queue, req, nativeBody, model, stream)
	close(done)
	p.registry.RemoveQueue(requestID, frame.ReasonRequestComplete)

	if err != nil {
		if ctx.Err() != nil {
			// The client went away; nothing is written back to it.
			return ctx.Err()
		}
		return p.writeUpstreamError(req, resp, tr, err)
	}

	return p.shapeResponse(ctx, tr, result, model, stream, resp, requestID, finalIdentity)
}

// readinessGate implements §4.E.1: if no identity is active, or the
// active one has no live socket, run recovery before admitting the
// request.
func (p *Pipeline) readinessGate(ctx context.Context) (int, error) {
	identity := p.switcher.CurrentAuthIndex()
	if identity >= 0 {
		if _, ok := p.registry.GetSocketByIdentity(identity); ok {
			return identity, nil
		}
	}
	return p.recover(ctx, identity)
}

// recover waits up to RecoveryBusyWait for any in-progress switch to
// clear, then either rides the outcome of that switch or, on first
// start (no identity selected yet), lets the rotation pick one, or
// performs its own direct-recovery activation of the current identity,
// waiting up to RecoverySocketWait for the resulting socket.
func (p *Pipeline) recover(ctx context.Context, identity int) (int, error) {
	deadline := time.Now().Add(p.cfg.RecoveryBusyWait)
	for p.switcher.IsSystemBusy() {
		if time.Now().After(deadline) {
			return -1, &frame.ClientError{Status: 503, Message: "system busy, no identity available"}
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}

	current := p.switcher.CurrentAuthIndex()
	if current >= 0 {
		if _, ok := p.registry.GetSocketByIdentity(current); ok {
			return current, nil
		}
	}

	if identity < 0 {
		identity = current
	}
	if identity < 0 {
		idx, err := p.switcher.SwitchToNext(ctx)
		if err != nil {
			return -1, &frame.ClientError{Status: 503, Message: "no identity available: " + err.Error()}
		}
		return idx, nil
	}

	p.switcher.SetBusyForDirectRecovery(true)
	defer p.switcher.SetBusyForDirectRecovery(false)

	if err := p.recoverer.Recover(ctx, identity); err != nil {
		return -1, &frame.ClientError{Status: 503, Message: "activation failed: " + err.Error()}
	}
	p.switcher.SetCurrentAuthIndex(identity)

	socketDeadline := time.Now().Add(p.cfg.RecoverySocketWait)
	for {
		if _, ok := p.registry.GetSocketByIdentity(identity); ok {
			return identity, nil
		}
		if time.Now().After(socketDeadline) {
			return -1, &frame.ClientError{Status: 503, Message: "identity activated but no socket observed"}
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// watchClientDisconnect implements §4.E.3's client-disconnect handling:
// if ctx is cancelled (the HTTP client closed the connection) before
// done closes, send cancel_request on whichever identity currently
// owns requestID per the Registry — not the switcher, since a retry
// may have crossed identities — and close the queue with
// client_disconnect. A race against normal completion is harmless:
// RemoveQueue is a no-op once the request's own finalization already
// removed the queue.
func (p *Pipeline) watchClientDisconnect(ctx context.Context, requestID string, done <-chan struct{}) {
	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	if identity, ok := p.registry.GetIdentityByRequest(requestID); ok {
		p.registry.Send(identity, frame.NewCancelRequest(requestID))
	}
	p.registry.RemoveQueue(requestID, frame.ReasonClientDisconnect)
}

func (p *Pipeline) backgroundSwitch(ctx context.Context) {
	if _, err := p.switcher.SwitchToNext(ctx); err != nil {
		logging.Warnf("pipeline: background rotation failed: %v", err)
	}
}

// attemptResult carries the accumulated frames of one attempt loop
// through to response shaping.
type attemptResult struct {
	status  int
	headers map[string]string
	frames  []*frame.Frame
}

// attemptLoop implements §4.E.2. On QueueTimeoutError it synthesizes a
// 504 and retries. On UpstreamError/AgentError it records a failure;
// an immediate-switch status code breaks the loop for an out-of-band
// rotation, otherwise it retries against the same or a newly-rotated
// identity depending on the failure threshold. A QueueClosedError
// aborts the whole request with no failure-counter bump.
func (p *Pipeline) attemptLoop(ctx context.Context, requestID string, identity int, queue *reqqueue.Queue, req Request, nativeBody []byte, model string, stream bool) (*attemptResult, int, error) {
	maxRetries := p.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	mode := frame.StreamFake
	if stream && p.cfg.StreamMode != "fake" {
		mode = frame.StreamReal
	}

	path, query := req.Path, req.Query
	if mode == frame.StreamFake && strings.Contains(path, ":streamGenerateContent") {
		// Pseudo stream: ask upstream for one complete body instead.
		path = strings.Replace(path, ":streamGenerateContent", ":generateContent", 1)
		query = make(map[string]string, len(req.Query))
		for k, v := range req.Query {
			if k != "alt" {
				query[k] = v
			}
		}
	}

	for attempt := 0; ; attempt++ {
		f := frame.NewProxyRequest(requestID, req.Method, path, query, req.Headers, string(nativeBody), false, mode, req.IsGenerative)
		if err := p.registry.Send(identity, f); err != nil {
			return nil, identity, &frame.QueueClosedError{Reason: frame.ReasonConnectionLost}
		}

		result, err := p.drainOneAttempt(queue, stream, p.cfg.IdleChunkTimeout)
		if err == nil {
			p.switcher.RecordSuccess()
			return result, identity, nil
		}

		var qc *frame.QueueClosedError
		if errors.As(err, &qc) {
			return nil, identity, err
		}

		status := statusOf(err)
		shouldSwitch, immediate := p.switcher.RecordFailure(status)

		if shouldSwitch && immediate {
			go p.backgroundSwitch(context.Background())
			return nil, identity, err
		}
		if attempt >= maxRetries {
			return nil, identity, err
		}

		nextIdentity := identity
		if shouldSwitch {
			if idx, swErr := p.switcher.SwitchToNext(ctx); swErr == nil {
				nextIdentity = idx
			}
		}

		p.registry.Send(identity, frame.NewCancelRequest(requestID))
		p.registry.RemoveQueue(requestID, frame.ReasonRetryNewQueue)
		queue = p.registry.CreateQueue(requestID, nextIdentity)
		identity = nextIdentity

		select {
		case <-ctx.Done():
			return nil, identity, ctx.Err()
		case <-time.After(p.retryDelay()):
		}
	}
}

func (p *Pipeline) retryDelay() time.Duration {
	if p.cfg.RetryDelay > 0 {
		return p.cfg.RetryDelay
	}
	return time.Second
}

// drainOneAttempt reads frames off queue until stream_close/error,
// buffering every chunk for response shaping; streaming and
// non-streaming client requests are drained the same way.
func (p *Pipeline) drainOneAttempt(queue *reqqueue.Queue, stream bool, idleTimeout time.Duration) (*attemptResult, error) {
	result := &attemptResult{headers: map[string]string{}}

	for {
		f, err := queue.Dequeue(idleTimeout)
		if err != nil {
			var qt *frame.QueueTimeoutError
			if errors.As(err, &qt) {
				return nil, &frame.UpstreamError{Status: 504, Message: "gateway timeout"}
			}
			return nil, err
		}

		switch f.Type {
		case frame.TypeResponseHeaders:
			result.status = f.Status
			if f.Status >= 400 {
				return nil, &frame.UpstreamError{Status: f.Status, Message: f.Message}
			}
		case frame.TypeChunk, frame.TypeStreamEnd:
			result.frames = append(result.frames, f)
			if f.Type == frame.TypeStreamEnd {
				return result, nil
			}
		case frame.TypeError:
			return nil, &frame.AgentError{Message: f.Message}
		}
	}
}

func statusOf(err error) int {
	var ue *frame.UpstreamError
	if errors.As(err, &ue) {
		return ue.Status
	}
	return 0
}

func decodeNative(b []byte, out *dialect.Request) error {
	return json.Unmarshal(b, out)
}

func encodeNative(r *dialect.Request) ([]byte, error) {
	return json.Marshal(r)
}
