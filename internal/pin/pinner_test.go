package pin

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/badu/octohttp/transport"
)

func selfSignedDER(t *testing.T, cn string) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return der
}

func pinFor(t *testing.T, pattern string, der []byte) transport.CertificatePin {
	t.Helper()
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return transport.CertificatePin{Pattern: pattern, Algorithm: "sha256", Hash: sum[:]}
}

func TestPinnerPassesWhenNoPinMatchesHostname(t *testing.T) {
	der := selfSignedDER(t, "example.com")
	p := New([]transport.CertificatePin{pinFor(t, "other.com", der)}, nil)
	assert.NoError(t, p.Check("example.com", [][]byte{der}))
}

func TestPinnerPassesOnMatchingHash(t *testing.T) {
	der := selfSignedDER(t, "example.com")
	p := New([]transport.CertificatePin{pinFor(t, "example.com", der)}, nil)
	assert.NoError(t, p.Check("example.com", [][]byte{der}))
}

func TestPinnerFailsOnHashMismatch(t *testing.T) {
	der := selfSignedDER(t, "example.com")
	wrong := pinFor(t, "example.com", selfSignedDER(t, "example.com"))
	p := New([]transport.CertificatePin{wrong}, nil)

	err := p.Check("example.com", [][]byte{der})
	require.Error(t, err)
	var failure *transport.PinningFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "example.com", failure.Hostname)
}

func TestPinnerWildcardPattern(t *testing.T) {
	der := selfSignedDER(t, "api.example.com")
	p := New([]transport.CertificatePin{pinFor(t, "*.example.com", der)}, nil)
	assert.NoError(t, p.Check("api.example.com", [][]byte{der}))
	assert.NoError(t, p.Check("other.example.org", [][]byte{selfSignedDER(t, "x")}), "a non-matching hostname against a wildcard pattern for a different host is simply unpinned")
}

func TestParsePinRoundTrip(t *testing.T) {
	der := selfSignedDER(t, "example.com")
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	spec := "sha256/" + base64.StdEncoding.EncodeToString(sum[:])

	pin, err := ParsePin("example.com", spec)
	require.NoError(t, err)
	assert.Equal(t, "sha256", pin.Algorithm)
	assert.Equal(t, sum[:], pin.Hash)
}

func TestParsePinRejectsMalformedAndUnsupported(t *testing.T) {
	_, err := ParsePin("example.com", "not-a-pin")
	assert.Error(t, err)
	_, err = ParsePin("example.com", "md5/deadbeef")
	assert.Error(t, err)
	_, err = ParsePin("example.com", "sha256/not-base64!!")
	assert.Error(t, err)
}

