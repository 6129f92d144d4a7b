package octohttp

import (
	"errors"
	"fmt"
)

// CanceledError means the Call was cancelled before or during an attempt.
// Not retryable.
type CanceledError struct{ Cause error }

func (e *CanceledError) Error() string {
	if e.Cause != nil {
		return "octohttp: canceled: " + e.Cause.Error()
	}
	return "octohttp: canceled"
}
func (e *CanceledError) Unwrap() error { return e.Cause }

// ProtocolError is malformed framing or a disallowed chain/state transition.
// Not retryable.
type ProtocolError struct{ Msg string }

func (e *ProtocolError) Error() string { return "octohttp: protocol error: " + e.Msg }

// RouteException bundles every route-connect failure for one attempt: the
// first and last inner errors, in the Java original's sense. Exposed via
// Unwrap() []error so errors.Is/errors.As reach both ends of the chain.
type RouteException struct {
	First, Last error
}

func (e *RouteException) Error() string {
	if e.First == e.Last || e.First == nil {
		return fmt.Sprintf("octohttp: route failed: %v", e.Last)
	}
	return fmt.Sprintf("octohttp: route failed: %v (first failure: %v)", e.Last, e.First)
}
func (e *RouteException) Unwrap() []error {
	if e.First == nil || e.First == e.Last {
		return []error{e.Last}
	}
	return []error{e.First, e.Last}
}

// TimeoutPhase identifies which blocking point a TimeoutError occurred at.
type TimeoutPhase int

const (
	ConnectTimeout TimeoutPhase = iota
	ReadTimeout
	WriteTimeout
	CallTimeout
)

func (p TimeoutPhase) String() string {
	switch p {
	case ConnectTimeout:
		return "connect"
	case ReadTimeout:
		return "read"
	case WriteTimeout:
		return "write"
	case CallTimeout:
		return "call"
	default:
		return "unknown"
	}
}

// TimeoutError is a socket-level timeout or deadline expiry. Connect-phase
// timeouts are retryable on another route; others are not unless the
// request body is replayable (handled by the retry classifier).
type TimeoutError struct {
	Phase TimeoutPhase
	Cause error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("octohttp: %s timeout: %v", e.Phase, e.Cause)
}
func (e *TimeoutError) Unwrap() error { return e.Cause }
func (e *TimeoutError) Timeout() bool { return true }

// TlsPinningError is a certificate pinner rejection. Not retryable.
type TlsPinningError struct {
	Hostname string
	Msg      string
}

func (e *TlsPinningError) Error() string {
	return fmt.Sprintf("octohttp: certificate pinning failure for %s: %s", e.Hostname, e.Msg)
}

// ShutdownError means the peer closed the connection during send; treated
// as if the request was never started, so it is retryable.
type ShutdownError struct{ Cause error }

func (e *ShutdownError) Error() string { return "octohttp: peer shutdown: " + e.Cause.Error() }
func (e *ShutdownError) Unwrap() error { return e.Cause }

// HttpProtocolStatusError is a structurally invalid response, e.g. a
// 204/205 carrying a non-zero Content-Length. Fatal to the call.
type HttpProtocolStatusError struct {
	StatusCode int
	Msg        string
}

func (e *HttpProtocolStatusError) Error() string {
	return fmt.Sprintf("octohttp: invalid %d response: %s", e.StatusCode, e.Msg)
}

// isRecoverable classifies whether recover() in the retry interceptor
// should or should not continue, per spec §4.3.
func isRecoverable(err error) bool {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return false
	}
	var tp *TlsPinningError
	if errors.As(err, &tp) {
		return false
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return te.Phase == ConnectTimeout
	}
	var perr interface{ PeerUnverified() bool }
	if errors.As(err, &perr) && perr.PeerUnverified() {
		return false
	}
	return true
}
