// Package frame defines the wire format of the server<->in-page agent
// WebSocket protocol described in the agent contract, plus the shared
// error taxonomy used across the Core subsystems.
package frame

import "encoding/json"

// Type is the frame's discriminator (the "type" wire field, which the
// in-page agent reads and writes as frame.type).
type Type string

const (
	// Server -> agent
	TypeProxyRequest Type = "proxy_request"
	TypeCancelReq    Type = "cancel_request"
	TypeSetLogLevel  Type = "set_log_level"

	// Agent -> server
	TypeResponseHeaders Type = "response_headers"
	TypeChunk           Type = "chunk"
	TypeStreamClose     Type = "stream_close"
	TypeError           Type = "error"

	// Internal sentinel enqueued by the Registry in place of stream_close.
	TypeStreamEnd Type = "STREAM_END"

	// Reserved name for an idle-timeout event. Nothing enqueues it: a
	// dequeue idle timer surfaces as a QueueTimeoutError instead.
	TypeTimeout Type = "timeout"
)

// StreamingMode selects how the agent should deliver a response body.
type StreamingMode string

const (
	StreamReal StreamingMode = "real"
	StreamFake StreamingMode = "fake"
)

// Frame is the single wire unit exchanged between the server and the
// in-page agent. Not every field is populated for every Type; see the
// per-type constructors below.
type Frame struct {
	Type Type   `json:"type"`
	ID   string `json:"request_id"`

	// proxy_request
	Method        string            `json:"method,omitempty"`
	Path          string            `json:"path,omitempty"`
	QueryParams   map[string]string `json:"query_params,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          string            `json:"body,omitempty"`
	BodyB64       string            `json:"body_b64,omitempty"`
	StreamingMode StreamingMode     `json:"streaming_mode,omitempty"`
	IsGenerative  bool              `json:"is_generative,omitempty"`

	// response_headers
	Status int `json:"status,omitempty"`

	// chunk
	Data string `json:"data,omitempty"`

	// error
	Message string `json:"message,omitempty"`

	// set_log_level
	Level string `json:"level,omitempty"`
}

// Decode parses a raw agent->server message. Unknown types are
// returned as-is; callers are expected to log-and-drop them.
func Decode(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Encode serializes a server->agent frame.
func Encode(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}

// NewProxyRequest builds a proxy_request frame.
func NewProxyRequest(requestID, method, path string, query, headers map[string]string, body string, bodyIsBinary bool, mode StreamingMode, isGenerative bool) *Frame {
	f := &Frame{
		Type:          TypeProxyRequest,
		ID:            requestID,
		Method:        method,
		Path:          path,
		QueryParams:   query,
		Headers:       headers,
		StreamingMode: mode,
		IsGenerative:  isGenerative,
	}
	if bodyIsBinary {
		f.BodyB64 = body
	} else {
		f.Body = body
	}
	return f
}

// NewCancelRequest builds a cancel_request frame.
func NewCancelRequest(requestID string) *Frame {
	return &Frame{Type: TypeCancelReq, ID: requestID}
}

// NewSetLogLevel builds a set_log_level frame.
func NewSetLogLevel(level string) *Frame {
	return &Frame{Type: TypeSetLogLevel, Level: level}
}
