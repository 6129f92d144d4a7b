// Package octohttp is a client-side HTTP/1.1 and HTTP/2 engine: a call
// dispatcher, a reentrant interceptor chain (retry/redirect, RFC 7234
// caching, transparent gzip), and a connection pool with route selection,
// coalescing and certificate pinning.
//
// Server-side behavior is out of scope. Wire framing, DNS resolution, TLS
// dialing, cookie storage, proxy selection and the on-disk cache journal
// are external collaborators reached through small interfaces in this
// package and internal/pool, internal/wire and internal/cachestore; default
// adapters are provided so the module works without any of them configured.
package octohttp
