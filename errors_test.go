package octohttp

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouteExceptionUnwrapBothEnds(t *testing.T) {
	first := errors.New("dial refused")
	last := errors.New("dial timed out")
	re := &RouteException{First: first, Last: last}

	assert.True(t, errors.Is(re, first))
	assert.True(t, errors.Is(re, last))
	assert.Contains(t, re.Error(), "dial timed out")
	assert.Contains(t, re.Error(), "first failure: dial refused")
}

func TestRouteExceptionSingleFailureCollapses(t *testing.T) {
	only := errors.New("connection reset")
	re := &RouteException{First: only, Last: only}

	assert.Equal(t, []error{only}, re.Unwrap())
	assert.NotContains(t, re.Error(), "first failure")
}

func TestTimeoutPhaseString(t *testing.T) {
	tests := []struct {
		phase TimeoutPhase
		want  string
	}{
		{ConnectTimeout, "connect"},
		{ReadTimeout, "read"},
		{WriteTimeout, "write"},
		{CallTimeout, "call"},
		{TimeoutPhase(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.phase.String())
	}
}

func TestTimeoutErrorIsTimeoutAndUnwraps(t *testing.T) {
	cause := errors.New("i/o timeout")
	te := &TimeoutError{Phase: ReadTimeout, Cause: cause}
	assert.True(t, te.Timeout())
	assert.Same(t, cause, errors.Unwrap(te))
	assert.Contains(t, te.Error(), "read timeout")
}

func TestIsRecoverableClassification(t *testing.T) {
	assert.False(t, isRecoverable(&ProtocolError{Msg: "bad framing"}))
	assert.False(t, isRecoverable(&TlsPinningError{Hostname: "x", Msg: "mismatch"}))
	assert.True(t, isRecoverable(&TimeoutError{Phase: ConnectTimeout}))
	assert.False(t, isRecoverable(&TimeoutError{Phase: ReadTimeout}))
	assert.True(t, isRecoverable(errors.New("some other transient error")))
}

func TestCanceledErrorUnwrap(t *testing.T) {
	cause := errors.New("context canceled")
	ce := &CanceledError{Cause: cause}
	assert.Same(t, cause, errors.Unwrap(ce))
	assert.Contains(t, ce.Error(), "context canceled")

	bare := &CanceledError{}
	assert.Equal(t, "octohttp: canceled", bare.Error())
}
