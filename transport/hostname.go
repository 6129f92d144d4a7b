package transport

import (
	"crypto/tls"
	"strings"

	"golang.org/x/net/idna"
)

// DefaultHostnameVerifier re-checks the negotiated hostname against the
// peer's leaf certificate DNS SANs, normalizing both sides through IDNA so
// a pinned Endpoint host in punycode or unicode form still compares equal.
// crypto/tls already performs its own hostname check during the handshake;
// this is the extra hook an Endpoint.Verifier runs on top of it.
func DefaultHostnameVerifier(hostname string, state *tls.ConnectionState) bool {
	if state == nil || len(state.PeerCertificates) == 0 {
		return false
	}
	want := normalizeHostname(hostname)
	cert := state.PeerCertificates[0]
	for _, name := range cert.DNSNames {
		if normalizeHostname(name) == want {
			return true
		}
	}
	return false
}

func normalizeHostname(host string) string {
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		ascii = host
	}
	return strings.ToLower(strings.TrimSuffix(ascii, "."))
}
