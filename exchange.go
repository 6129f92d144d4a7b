package octohttp

import "net/url"

// exchangeHandle is the chain-visible view of one request/response carried
// on a connection. It is deliberately a thin functional adapter so the root
// package never imports internal/pool's concrete Connection type, only
// ConnectInterceptor (which does import internal/pool) constructs one.
type exchangeHandle struct {
	supportsURL func(*url.URL) bool
	cancelFunc  func()
}

func (e *exchangeHandle) connSupportsURL(u *url.URL) bool {
	if e == nil || e.supportsURL == nil {
		return true
	}
	return e.supportsURL(u)
}

// cancel tears down the in-flight codec exchange, if any (spec §4.8
// "cancels any in-flight exchange").
func (e *exchangeHandle) cancel() {
	if e == nil || e.cancelFunc == nil {
		return
	}
	e.cancelFunc()
}
