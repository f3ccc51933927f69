package frame

import "fmt"

// ClientError is a caller-facing 4xx: malformed dialect request, unknown
// model, missing API key, invalid body.
type ClientError struct {
	Status  int
	Message string
}

func (e *ClientError) Error() string { return e.Message }

// UpstreamError is a non-2xx response observed by the in-page fetch.
// Eligible for retry and may trigger immediate-switch rotation.
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error (%d): %s", e.Status, e.Message)
}

// AgentError is a failure originating in the agent itself (parse/abort),
// not distinguished from UpstreamError at the server except in log text.
type AgentError struct {
	Message string
}

func (e *AgentError) Error() string { return "agent error: " + e.Message }

// Queue close reasons.
const (
	ReasonConnectionLost       = "connection_lost"
	ReasonClientDisconnect     = "client_disconnect"
	ReasonRetryNewQueue        = "retry_creating_new_queue"
	ReasonRequestComplete      = "request_complete"
	ReasonReplacedOnRetry      = "replaced_on_retry"
	ReasonUnknown              = "unknown"
)

// QueueClosedError is delivered to a waiter released because the socket
// died or the request was cancelled. Does not count as a failure
// against the identity.
type QueueClosedError struct {
	Reason string
}

func (e *QueueClosedError) Error() string { return "queue closed: " + e.Reason }

// QueueTimeoutError is an idle-timer expiry. Treated as a 504 by the
// pipeline and counts as a failure.
type QueueTimeoutError struct{}

func (e *QueueTimeoutError) Error() string { return "queue dequeue timed out" }

// ActivationFailedError means the Manager could not bring the identity
// to "agent-live". Surfaced as a 503 to the caller; falls through to
// rotation.
type ActivationFailedError struct {
	Stage string
	Err   error
}

func (e *ActivationFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("activation failed at %s: %v", e.Stage, e.Err)
	}
	return "activation failed at " + e.Stage
}

func (e *ActivationFailedError) Unwrap() error { return e.Err }

// CredentialExpiredError indicates a login redirect was observed after
// navigation; clears the identity's saved appUrl.
type CredentialExpiredError struct{}

func (e *CredentialExpiredError) Error() string { return "credential expired" }

// RegionBlockedError indicates a region-block page was observed.
type RegionBlockedError struct{}

func (e *RegionBlockedError) Error() string { return "region blocked" }

// ForbiddenError indicates a 403 page was observed.
type ForbiddenError struct{}

func (e *ForbiddenError) Error() string { return "forbidden" }

// LoadFailedError indicates the page settled on about:blank.
type LoadFailedError struct{}

func (e *LoadFailedError) Error() string { return "page failed to load" }

// PageNotFoundError indicates a saved deep link 404'd; the caller must
// clear the identity's appUrl and restart activation from the blank
// app URL.
type PageNotFoundError struct{}

func (e *PageNotFoundError) Error() string { return "page not found" }

// AlreadyInProgressError is returned by the Switcher's interlock when a
// switch or recovery is already running.
type AlreadyInProgressError struct{}

func (e *AlreadyInProgressError) Error() string { return "switch already in progress" }
