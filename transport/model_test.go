package transport

import (
	"net"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProtocolStringAndParseRoundTrip(t *testing.T) {
	tests := []struct {
		proto Protocol
		alpn  string
	}{
		{HTTP10, "http/1.0"},
		{HTTP11, "http/1.1"},
		{H2, "h2"},
		{H2PriorKnowledge, "h2_prior_knowledge"},
		{QUIC, "quic"},
		{SPDY31, "spdy/3.1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.alpn, tt.proto.String())
		got, err := ParseProtocol(tt.alpn)
		require.NoError(t, err)
		assert.Equal(t, tt.proto, got)
	}

	_, err := ParseProtocol("bogus")
	assert.Error(t, err)

	got, err := ParseProtocol("")
	require.NoError(t, err)
	assert.Equal(t, HTTP11, got, "empty ALPN defaults to HTTP/1.1")
}

func TestEndpointEqualIgnoresPathAndQuery(t *testing.T) {
	a := &Endpoint{Scheme: "https", Host: "example.com", Port: 443}
	b := &Endpoint{Scheme: "https", Host: "example.com", Port: 443}
	assert.True(t, a.Equal(b))

	c := &Endpoint{Scheme: "https", Host: "example.com", Port: 8443}
	assert.False(t, a.Equal(c))

	assert.False(t, a.Equal(nil))
	assert.True(t, a.Equal(a))
}

func TestEndpointEqualComparesProxyAndProtocols(t *testing.T) {
	proxy1, _ := url.Parse("http://proxy.internal:3128")
	proxy2, _ := url.Parse("http://proxy.internal:3128")
	proxy3, _ := url.Parse("http://other-proxy:3128")

	a := &Endpoint{Scheme: "https", Host: "h", Port: 443, Proxy: proxy1, Protocols: []Protocol{H2, HTTP11}}
	b := &Endpoint{Scheme: "https", Host: "h", Port: 443, Proxy: proxy2, Protocols: []Protocol{H2, HTTP11}}
	assert.True(t, a.Equal(b))

	c := &Endpoint{Scheme: "https", Host: "h", Port: 443, Proxy: proxy3, Protocols: []Protocol{H2, HTTP11}}
	assert.False(t, a.Equal(c))

	d := &Endpoint{Scheme: "https", Host: "h", Port: 443, Proxy: proxy1, Protocols: []Protocol{HTTP11}}
	assert.False(t, a.Equal(d))
}

func TestRouteKeyDistinguishesProxyAndAddress(t *testing.T) {
	ep := &Endpoint{Scheme: "https", Host: "example.com", Port: 443}
	addr1 := mustTCPAddr(t, "93.184.216.34:443")
	addr2 := mustTCPAddr(t, "93.184.216.35:443")

	r1 := Route{Endpoint: ep, InetSocketAddress: addr1}
	r2 := Route{Endpoint: ep, InetSocketAddress: addr2}
	assert.NotEqual(t, r1.Key(), r2.Key())
	assert.Contains(t, r1.Key(), "DIRECT")
}

func TestRouteRequiresTunnelOnlyForHTTPSThroughHTTPProxy(t *testing.T) {
	httpProxy, _ := url.Parse("http://proxy.internal:3128")
	socksProxy, _ := url.Parse("socks5://proxy.internal:1080")

	httpsEp := &Endpoint{Scheme: "https"}
	plainEp := &Endpoint{Scheme: "http"}

	assert.True(t, Route{Endpoint: httpsEp, Proxy: httpProxy}.requiresTunnel())
	assert.False(t, Route{Endpoint: plainEp, Proxy: httpProxy}.requiresTunnel())
	assert.False(t, Route{Endpoint: httpsEp, Proxy: socksProxy}.requiresTunnel())
	assert.False(t, Route{Endpoint: httpsEp}.requiresTunnel())
}

func TestCertificatePinMatchesHostname(t *testing.T) {
	tests := []struct {
		name, pattern, hostname string
		want                    bool
	}{
		{"exact match", "example.com", "example.com", true},
		{"exact mismatch", "example.com", "other.com", false},
		{"single-label wildcard matches one subdomain", "*.example.com", "www.example.com", true},
		{"single-label wildcard rejects bare domain", "*.example.com", "example.com", false},
		{"single-label wildcard rejects two labels deep", "*.example.com", "a.b.example.com", false},
		{"double-label wildcard matches bare domain", "**.example.com", "example.com", true},
		{"double-label wildcard matches any depth", "**.example.com", "a.b.example.com", true},
		{"double-label wildcard rejects other suffix", "**.example.com", "example.org", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := CertificatePin{Pattern: tt.pattern}
			assert.Equal(t, tt.want, p.MatchesHostname(tt.hostname))
		})
	}
}

func TestPinningFailureErrorListsPresentedAndExpected(t *testing.T) {
	err := &PinningFailure{
		Hostname:  "example.com",
		Presented: []string{"sha256/aaaa"},
		Expected:  []CertificatePin{{Pattern: "example.com", Algorithm: "sha256", Hash: []byte{1}}},
	}
	msg := err.Error()
	assert.Contains(t, msg, "example.com")
	assert.Contains(t, msg, "sha256/aaaa")
	assert.Contains(t, msg, "sha256/example.com")
}

func mustTCPAddr(t *testing.T, s string) *net.TCPAddr {
	t.Helper()
	addr, err := net.ResolveTCPAddr("tcp", s)
	require.NoError(t, err)
	return addr
}
