package octohttp

import (
	"io"
	"net/http"

	"github.com/badu/octohttp/internal/pool"
)

// CallServerInterceptor drives exactly one request/response over the
// wire.Codec bound by ConnectInterceptor (spec §4.2: the last node in the
// standard chain, after connect and any user network interceptors).
type CallServerInterceptor struct{}

func NewCallServerInterceptor() *CallServerInterceptor { return &CallServerInterceptor{} }

func (cs *CallServerInterceptor) Intercept(chain *Chain) (*http.Response, error) {
	req := chain.Request()
	bound, ok := exchangeCodecFrom(req.Context())
	if !ok {
		return nil, &ProtocolError{Msg: "call-server interceptor invoked without a bound exchange"}
	}
	codec := bound.codec

	// WriteRequestHeaders swaps req.Body for its own pipe reader so
	// req.Write can interleave headers and body on the wire goroutine;
	// originalBody must be captured before that swap, since it is the
	// only remaining reference to the caller's actual body bytes.
	originalBody := req.Body

	if err := codec.WriteRequestHeaders(req); err != nil {
		cs.recordFailure(bound, err)
		return nil, err
	}

	if originalBody != nil {
		bw, err := codec.RequestBodyWriter(req)
		if err != nil {
			cs.recordFailure(bound, err)
			return nil, err
		}
		if bw != nil {
			if _, err := io.Copy(bw, originalBody); err != nil {
				cs.recordFailure(bound, err)
				return nil, &TimeoutError{Phase: WriteTimeout, Cause: err}
			}
			if err := bw.Close(); err != nil {
				cs.recordFailure(bound, err)
				return nil, err
			}
		}
	}
	if err := codec.Flush(); err != nil {
		cs.recordFailure(bound, err)
		return nil, err
	}

	resp, err := codec.ReadResponseHeaders(req)
	if err != nil {
		cs.recordFailure(bound, err)
		return nil, &TimeoutError{Phase: ReadTimeout, Cause: err}
	}
	if resp.StatusCode == http.StatusMisdirectedRequest {
		bound.conn.MarkNoCoalescing()
	}
	if resp.Body == nil {
		resp.Body = http.NoBody
	}
	return resp, nil
}

// recordFailure classifies a codec-level error back into the
// ExchangeFinder's per-attempt counters, spec §4.6.
func (cs *CallServerInterceptor) recordFailure(bound *boundExchange, err error) {
	kind := pool.FailureOther
	if bound.conn.IsMultiplexed() {
		kind = pool.FailureRefusedStream
	}
	bound.finder.RecordFailure(kind, bound.conn)
}
