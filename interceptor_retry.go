package octohttp

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// MaxRedirects bounds the follow-up loop, spec §9 "20-redirect loop bound"
// (wider than the teacher's 10, matching the corpus's other HTTP clients).
const MaxRedirects = 20

// retryState names the states of the loop driving RetryAndFollowUpInterceptor,
// per SPEC_FULL.md §9's explicit {TryAttempt, Recover, FollowUp, Done} machine.
type retryState int

const (
	stateTryAttempt retryState = iota
	stateRecover
	stateFollowUp
	stateDone
)

// RetryAndFollowUpInterceptor drives the explicit
// {TryAttempt, Recover, FollowUp, Done} state machine of SPEC_FULL.md §9.
// It is grounded on the teacher's cli/utils.go redirect helpers
// (refererForURL, redirectBehavior, shouldCopyHeaderOnRedirect,
// isDomainOrSubdomain), translated from exception-driven control flow into
// an explicit loop, since Go has no checked-exception retry idiom.
type RetryAndFollowUpInterceptor struct {
	FollowRedirects bool
	FollowRetries   bool // resend unchanged once on 408/503 per spec §4.3's follow-up table
}

func NewRetryAndFollowUpInterceptor() *RetryAndFollowUpInterceptor {
	return &RetryAndFollowUpInterceptor{FollowRedirects: true, FollowRetries: true}
}

func (ri *RetryAndFollowUpInterceptor) Intercept(chain *Chain) (*http.Response, error) {
	req := chain.Request()
	var priorResponses []*http.Response
	var resp *http.Response
	var err error

	state := stateTryAttempt
	for attempt := 0; state != stateDone; {
		switch state {
		case stateTryAttempt:
			resp, err = chain.Proceed(req)
			if err != nil {
				state = stateRecover
				continue
			}
			resp.Request = req
			state = stateFollowUp

		case stateRecover:
			if chain.Call().IsCancelled() {
				return nil, &CanceledError{Cause: err}
			}
			if !isRecoverable(err) || attempt >= MaxRedirects {
				return nil, err
			}
			attempt++
			state = stateTryAttempt // retry the same request on a fresh route

		case stateFollowUp:
			followUp, followErr := ri.followUpRequest(req, resp, priorResponses)
			if followErr != nil {
				closeBodyIgnoringError(resp)
				return nil, followErr
			}
			if followUp == nil {
				state = stateDone
				continue
			}
			if len(priorResponses) >= MaxRedirects {
				closeBodyIgnoringError(resp)
				return nil, &ProtocolError{Msg: "too many follow-up requests"}
			}
			closeBodyIgnoringError(resp)
			priorResponses = append(priorResponses, resp)
			req = followUp
			state = stateTryAttempt
		}
	}
	return resp, nil
}

// followUpRequest returns the next request to issue for resp, or nil if
// resp should be returned to the caller as-is. Covers 401/407,
// 300-303/307/308, 408, 421 and 503; every other status is returned as-is.
func (ri *RetryAndFollowUpInterceptor) followUpRequest(userReq *http.Request, resp *http.Response, via []*http.Response) (*http.Request, error) {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusProxyAuthRequired:
		return nil, nil // credential supply is the user's application interceptor's job

	case http.StatusMultipleChoices, http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther, http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		if !ri.FollowRedirects {
			return nil, nil
		}
		return ri.buildRedirect(userReq, resp, via)

	case http.StatusRequestTimeout:
		if !ri.FollowRetries || lastStatusWas(via, http.StatusRequestTimeout) || retryAfterNonZero(resp) {
			return nil, nil
		}
		return ri.resendUnchanged(userReq)

	case http.StatusMisdirectedRequest:
		// Any 421 is resent once, whether or not the connection was
		// coalesced. CallServerInterceptor has already flagged that
		// connection noCoalescing, which keeps other hostnames off it; the
		// resend itself is not forced onto a fresh connection, since the
		// Call's ExchangeFinder hands back the connection it already holds.
		if lastStatusWas(via, http.StatusMisdirectedRequest) {
			return nil, nil
		}
		return ri.resendUnchanged(userReq)

	case http.StatusServiceUnavailable:
		if !ri.FollowRetries || lastStatusWas(via, http.StatusServiceUnavailable) || !retryAfterIsZero(resp) {
			return nil, nil
		}
		return ri.resendUnchanged(userReq)

	default:
		return nil, nil
	}
}

// resendUnchanged clones userReq as-is for a same-request retry (408, 421,
// 503 rows of the follow-up table), replaying the body via GetBody when one
// was supplied. A one-shot body (no GetBody, non-zero length) can't be
// replayed, so the original response is handed back to the caller instead.
func (ri *RetryAndFollowUpInterceptor) resendUnchanged(userReq *http.Request) (*http.Request, error) {
	if userReq.GetBody == nil && (userReq.ContentLength != 0 || (userReq.Body != nil && userReq.Body != http.NoBody)) {
		return nil, nil
	}
	next := userReq.Clone(userReq.Context())
	if userReq.GetBody != nil {
		body, err := userReq.GetBody()
		if err != nil {
			return nil, err
		}
		next.Body = body
	}
	return next, nil
}

// lastStatusWas reports whether the most recent prior response (if any)
// already carried status, guarding against retrying the same failure twice.
func lastStatusWas(via []*http.Response, status int) bool {
	if len(via) == 0 {
		return false
	}
	return via[len(via)-1].StatusCode == status
}

// retryAfterSeconds parses a Retry-After header given in delay-seconds
// form; the HTTP-date form is treated as absent since neither 408 nor 503
// follow-up in spec §4.3 needs anything beyond the zero/non-zero check.
func retryAfterSeconds(resp *http.Response) (int, bool) {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func retryAfterNonZero(resp *http.Response) bool {
	n, ok := retryAfterSeconds(resp)
	return ok && n != 0
}

func retryAfterIsZero(resp *http.Response) bool {
	n, ok := retryAfterSeconds(resp)
	return ok && n == 0
}

// buildRedirect is grounded on redirectBehavior + shouldCopyHeaderOnRedirect
// + isDomainOrSubdomain + refererForURL from the teacher's cli/utils.go.
func (ri *RetryAndFollowUpInterceptor) buildRedirect(userReq *http.Request, resp *http.Response, via []*http.Response) (*http.Request, error) {
	loc := resp.Header.Get("Location")
	if loc == "" {
		return nil, nil
	}
	target, err := userReq.URL.Parse(loc)
	if err != nil {
		return nil, &ProtocolError{Msg: "malformed Location header: " + err.Error()}
	}

	method := userReq.Method
	includeBody := true
	switch resp.StatusCode {
	case http.StatusMultipleChoices, http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther:
		includeBody = false
		if method != http.MethodGet && method != http.MethodHead {
			method = http.MethodGet
		}
	case http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		if method != http.MethodGet && method != http.MethodHead {
			return nil, nil // 307/308 preserve method; only GET/HEAD are auto-followed
		}
		if userReq.GetBody == nil && userReq.ContentLength != 0 {
			return nil, nil // can't replay the body; hand resp to the caller
		}
	}

	if len(via) >= MaxRedirects {
		return nil, &ProtocolError{Msg: "too many follow-up requests"}
	}

	next := userReq.Clone(userReq.Context())
	next.Method = method
	next.URL = target
	next.Host = ""
	if !includeBody {
		next.Body = nil
		next.GetBody = nil
		next.ContentLength = 0
		next.Header.Del("Content-Length")
		next.Header.Del("Content-Type")
	} else if userReq.GetBody != nil {
		body, err := userReq.GetBody()
		if err != nil {
			return nil, err
		}
		next.Body = body
	}

	stripCrossHostSensitiveHeaders(next, userReq.URL, target)

	if ref := refererForURL(userReq.URL, target); ref != "" {
		next.Header.Set("Referer", ref)
	} else {
		next.Header.Del("Referer")
	}

	return next, nil
}

// stripCrossHostSensitiveHeaders ports shouldCopyHeaderOnRedirect: strip
// Authorization/Www-Authenticate/Cookie/Cookie2 headers when the redirect
// leaves the original host and its subdomains.
func stripCrossHostSensitiveHeaders(req *http.Request, initial, dest *url.URL) {
	if isDomainOrSubdomain(strings.ToLower(dest.Host), strings.ToLower(initial.Host)) {
		return
	}
	for _, h := range []string{"Authorization", "Www-Authenticate", "Cookie", "Cookie2"} {
		req.Header.Del(h)
	}
}

// isDomainOrSubdomain reports whether sub is parent or a subdomain of
// parent, both already lower-cased.
func isDomainOrSubdomain(sub, parent string) bool {
	if sub == parent {
		return true
	}
	if !strings.HasSuffix(sub, parent) {
		return false
	}
	return sub[len(sub)-len(parent)-1] == '.'
}

// refererForURL mirrors the teacher's rule: never leak a Referer when
// downgrading from https to http, and never leak userinfo.
func refererForURL(last, next *url.URL) string {
	if last.Scheme == "https" && next.Scheme == "http" {
		return ""
	}
	referer := last.String()
	if last.User != nil {
		auth := last.User.String() + "@"
		referer = strings.Replace(referer, auth, "", 1)
	}
	return referer
}

func closeBodyIgnoringError(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
}
