package octohttp

import (
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAsyncCallTo(t *testing.T, rawURL string) *asyncCall {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	require.NoError(t, err)
	c := newCall(nil, req, nil)
	return &asyncCall{call: c}
}

func TestDecideAdmissionStopsAtGlobalCap(t *testing.T) {
	a := newAsyncCallTo(t, "http://host-a/")
	b := newAsyncCallTo(t, "http://host-b/")
	c := newAsyncCallTo(t, "http://host-c/")

	admitted, remaining := decideAdmission([]*asyncCall{a, b, c}, 2, func(string) int { return 0 }, 2, 10)

	assert.Empty(t, admitted, "global cap already reached by running count, nothing should be admitted")
	assert.Equal(t, []*asyncCall{a, b, c}, remaining)
}

func TestDecideAdmissionSkipsBusyHostWithoutStopping(t *testing.T) {
	busy1 := newAsyncCallTo(t, "http://busy/1")
	busy2 := newAsyncCallTo(t, "http://busy/2")
	free := newAsyncCallTo(t, "http://free/")

	hostInFlight := func(host string) int {
		if host == "busy" {
			return 2
		}
		return 0
	}

	admitted, remaining := decideAdmission([]*asyncCall{busy1, free, busy2}, 0, hostInFlight, 10, 2)

	assert.Equal(t, []*asyncCall{free}, admitted, "the busy host's calls are skipped, not stopped on")
	assert.Equal(t, []*asyncCall{busy1, busy2}, remaining)
}

func TestDecideAdmissionCapsWithinOneScan(t *testing.T) {
	a := newAsyncCallTo(t, "http://same-host/1")
	b := newAsyncCallTo(t, "http://same-host/2")
	c := newAsyncCallTo(t, "http://same-host/3")

	admitted, remaining := decideAdmission([]*asyncCall{a, b, c}, 0, func(string) int { return 0 }, 10, 2)

	assert.Equal(t, []*asyncCall{a, b}, admitted, "only two ready calls for the same host are admitted in one scan")
	assert.Equal(t, []*asyncCall{c}, remaining)
}

// TestDispatcherEnqueueFinishedIdleCallback exercises enqueue/promote/submit/
// finished end to end on cancelled calls, which fail instantly out of
// Call.runWithDeadline without touching the network, so the dispatcher's own
// bookkeeping is what's under test.
func TestDispatcherEnqueueFinishedIdleCallback(t *testing.T) {
	d := newDispatcher(nil)
	d.MaxRequests = 10
	d.MaxRequestsPerHost = 10

	var idleCalled int32
	var mu sync.Mutex
	idleCh := make(chan struct{}, 1)
	d.IdleCallback = func() {
		mu.Lock()
		idleCalled++
		mu.Unlock()
		select {
		case idleCh <- struct{}{}:
		default:
		}
	}

	const n = 5
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		req, err := http.NewRequest(http.MethodGet, "http://example.invalid/", nil)
		require.NoError(t, err)
		call := newCall(&Client{dispatcher: d}, req, nil)
		call.Cancel() // short-circuits runWithDeadline before any dial attempt
		call.Enqueue(Callback{
			OnFailure: func(c *Call, err error) {
				assert.IsType(t, &CanceledError{}, err)
				wg.Done()
			},
		})
	}

	wg.Wait()

	select {
	case <-idleCh:
	case <-time.After(time.Second):
		t.Fatal("idle callback never fired")
	}
	assert.Equal(t, 0, d.queuedCount())
	assert.Equal(t, 0, d.runningCount())
}

func TestDispatcherDefaultsFallBackWhenUnset(t *testing.T) {
	d := newDispatcher(nil)
	d.MaxRequests = 0
	d.MaxRequestsPerHost = 0
	assert.Equal(t, DefaultMaxRequests, d.maxRequests())
	assert.Equal(t, DefaultMaxRequestsPerHost, d.maxRequestsPerHost())
}
