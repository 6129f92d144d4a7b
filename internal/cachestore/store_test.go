package cachestore

import (
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEntry(url string) *Entry {
	return &Entry{
		URL:                    url,
		RequestMethod:          http.MethodGet,
		VaryHeaders:            http.Header{},
		Protocol:               "HTTP/1.1",
		StatusCode:             200,
		StatusMessage:          "OK",
		ResponseHeaders:        http.Header{"Content-Type": {"text/plain"}},
		SentRequestMillis:      1000,
		ReceivedResponseMillis: 1010,
	}
}

func testStore(t *testing.T, newStore func() Store) {
	t.Helper()
	store := newStore()
	defer store.Close()

	key := Key("https://example.com/a")
	_, _, ok := store.Get(key)
	assert.False(t, ok, "nothing stored yet")

	entry := sampleEntry("https://example.com/a")
	require.NoError(t, store.Put(key, entry, strReader("hello world")))

	got, body, ok := store.Get(key)
	require.True(t, ok)
	assert.Equal(t, entry.URL, got.URL)
	assert.Equal(t, entry.StatusCode, got.StatusCode)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	require.NoError(t, store.Remove(key))
	_, _, ok = store.Get(key)
	assert.False(t, ok)
}

func TestMemoryStore(t *testing.T) {
	testStore(t, func() Store { return NewMemory() })
}

func TestDiskStore(t *testing.T) {
	dir := t.TempDir()
	testStore(t, func() Store {
		d, err := NewDisk(dir)
		require.NoError(t, err)
		return d
	})
}

func TestEntryIsStorable(t *testing.T) {
	get := sampleEntry("https://example.com/")
	assert.True(t, get.IsStorable())

	post := sampleEntry("https://example.com/")
	post.RequestMethod = http.MethodPost
	assert.False(t, post.IsStorable())

	varyStar := sampleEntry("https://example.com/")
	varyStar.ResponseHeaders.Set("Vary", "*")
	assert.False(t, varyStar.IsStorable())
}

func TestEntryMatchesVary(t *testing.T) {
	e := sampleEntry("https://example.com/")
	e.ResponseHeaders.Set("Vary", "Accept-Encoding")
	e.VaryHeaders.Set("Accept-Encoding", "gzip")

	matching := http.Header{"Accept-Encoding": {"gzip"}}
	assert.True(t, e.MatchesVary(matching))

	mismatching := http.Header{"Accept-Encoding": {"br"}}
	assert.False(t, e.MatchesVary(mismatching))
}

func TestWriteReadMetadataRoundTrip(t *testing.T) {
	e := sampleEntry("https://example.com/a?x=1")
	e.ResponseHeaders.Set("Vary", "Accept-Encoding")
	e.VaryHeaders.Set("Accept-Encoding", "gzip")
	e.CipherSuite = "TLS_AES_128_GCM_SHA256"
	e.PeerCertificatesDER = [][]byte{[]byte("cert-bytes")}
	e.TLSVersion = "TLS_1_3"

	var buf writeBuf
	require.NoError(t, WriteMetadata(&buf, e))

	got, err := ReadMetadata(&buf)
	require.NoError(t, err)
	assert.Equal(t, e.URL, got.URL)
	assert.Equal(t, e.RequestMethod, got.RequestMethod)
	assert.Equal(t, e.StatusCode, got.StatusCode)
	assert.Equal(t, e.StatusMessage, got.StatusMessage)
	assert.Equal(t, e.ResponseHeaders.Get("Content-Type"), got.ResponseHeaders.Get("Content-Type"))
	assert.Equal(t, e.VaryHeaders.Get("Accept-Encoding"), got.VaryHeaders.Get("Accept-Encoding"))
	assert.Equal(t, e.SentRequestMillis, got.SentRequestMillis)
	assert.Equal(t, e.ReceivedResponseMillis, got.ReceivedResponseMillis)
	assert.Equal(t, e.CipherSuite, got.CipherSuite)
	assert.Equal(t, e.PeerCertificatesDER, got.PeerCertificatesDER)
	assert.Equal(t, e.TLSVersion, got.TLSVersion)
}

// writeBuf is an in-memory io.ReadWriter usable for both WriteMetadata and
// ReadMetadata in one round trip.
type writeBuf struct {
	data []byte
	pos  int
}

func (b *writeBuf) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *writeBuf) Read(p []byte) (int, error) {
	if b.pos >= len(b.data) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.pos:])
	b.pos += n
	return n, nil
}

func strReader(s string) io.Reader { return &writeBuf{data: []byte(s)} }
