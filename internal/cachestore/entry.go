// Package cachestore implements CacheEntry (spec §3) and the on-disk
// journal format (spec §6), plus an in-memory Store good enough to run the
// engine without a real disk-backed journal configured. The line-oriented
// metadata format is bespoke to this spec (not a standard wire format), so
// it is hand-written over bufio rather than reaching for an ecosystem
// serialization library — justified in DESIGN.md.
package cachestore

import (
	"bufio"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

const prefix = "OCTO"

// Entry is spec §3's CacheEntry: everything needed to reconstruct a stored
// response and decide whether it still matches a new request's Vary
// dimensions.
type Entry struct {
	URL                    string
	RequestMethod          string
	VaryHeaders            http.Header
	Protocol               string
	StatusCode             int
	StatusMessage          string
	ResponseHeaders        http.Header
	CipherSuite            string // empty for non-TLS
	PeerCertificatesDER    [][]byte
	LocalCertificatesDER   [][]byte
	TLSVersion             string
	SentRequestMillis      int64
	ReceivedResponseMillis int64
}

// Key is md5(url), spec §3.
func Key(url string) string {
	sum := md5.Sum([]byte(url))
	return fmt.Sprintf("%x", sum)
}

// IsStorable reports whether e could ever have been written: spec §3 "Only
// GET responses with no Vary: * are storable."
func (e *Entry) IsStorable() bool {
	if e.RequestMethod != http.MethodGet {
		return false
	}
	if v := e.ResponseHeaders.Get("Vary"); v == "*" {
		return false
	}
	return true
}

// MatchesVary checks the invariant "an entry's varyHeaders must match the
// stored request's selected headers at read time" (spec §3) against the
// headers of a new request.
func (e *Entry) MatchesVary(newRequestHeaders http.Header) bool {
	varyNames := varyFieldNames(e.ResponseHeaders)
	for _, name := range varyNames {
		if !headerValuesEqual(e.VaryHeaders.Values(name), newRequestHeaders.Values(name)) {
			return false
		}
	}
	return true
}

func varyFieldNames(h http.Header) []string {
	var names []string
	for _, v := range h.Values("Vary") {
		for _, n := range strings.Split(v, ",") {
			n = strings.TrimSpace(n)
			if n != "" {
				names = append(names, n)
			}
		}
	}
	return names
}

func headerValuesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// WriteMetadata renders the exact line format of spec §6.
func WriteMetadata(w io.Writer, e *Entry) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%s\n", e.URL)
	fmt.Fprintf(bw, "%s\n", e.RequestMethod)
	varyLines := varyHeaderLines(e.VaryHeaders, e.ResponseHeaders)
	fmt.Fprintf(bw, "%d\n", len(varyLines))
	for _, l := range varyLines {
		fmt.Fprintf(bw, "%s\n", l)
	}
	fmt.Fprintf(bw, "%s %d %s\n", e.Protocol, e.StatusCode, e.StatusMessage)
	respLines := headerLines(e.ResponseHeaders)
	fmt.Fprintf(bw, "%d\n", len(respLines)+2)
	for _, l := range respLines {
		fmt.Fprintf(bw, "%s\n", l)
	}
	fmt.Fprintf(bw, "%s-Sent-Millis: %d\n", prefix, e.SentRequestMillis)
	fmt.Fprintf(bw, "%s-Received-Millis: %d\n", prefix, e.ReceivedResponseMillis)

	if strings.HasPrefix(strings.ToLower(e.URL), "https://") {
		fmt.Fprintf(bw, "\n%s\n", e.CipherSuite)
		writeCertBlock(bw, e.PeerCertificatesDER)
		writeCertBlock(bw, e.LocalCertificatesDER)
		if e.TLSVersion != "" {
			fmt.Fprintf(bw, "%s\n", e.TLSVersion)
		}
	}
	return bw.Flush()
}

func writeCertBlock(bw *bufio.Writer, certs [][]byte) {
	if certs == nil {
		fmt.Fprintf(bw, "-1\n")
		return
	}
	fmt.Fprintf(bw, "%d\n", len(certs))
	for _, der := range certs {
		fmt.Fprintf(bw, "%s\n", base64.StdEncoding.EncodeToString(der))
	}
}

func varyHeaderLines(vary, response http.Header) []string {
	var lines []string
	for _, name := range varyFieldNames(response) {
		for _, v := range vary.Values(name) {
			lines = append(lines, name+": "+v)
		}
	}
	return lines
}

func headerLines(h http.Header) []string {
	var lines []string
	for name, values := range h {
		for _, v := range values {
			lines = append(lines, name+": "+v)
		}
	}
	return lines
}

// ReadMetadata parses the format WriteMetadata produces.
func ReadMetadata(r io.Reader) (*Entry, error) {
	br := bufio.NewReader(r)
	e := &Entry{VaryHeaders: http.Header{}, ResponseHeaders: http.Header{}}

	var err error
	if e.URL, err = readLine(br); err != nil {
		return nil, err
	}
	if e.RequestMethod, err = readLine(br); err != nil {
		return nil, err
	}
	varyCount, err := readInt(br)
	if err != nil {
		return nil, err
	}
	for i := 0; i < varyCount; i++ {
		line, err := readLine(br)
		if err != nil {
			return nil, err
		}
		name, value, _ := strings.Cut(line, ": ")
		e.VaryHeaders.Add(name, value)
	}
	statusLine, err := readLine(br)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("octohttp/cachestore: malformed status line %q", statusLine)
	}
	e.Protocol = parts[0]
	if e.StatusCode, err = strconv.Atoi(parts[1]); err != nil {
		return nil, fmt.Errorf("octohttp/cachestore: malformed status code in %q: %w", statusLine, err)
	}
	if len(parts) == 3 {
		e.StatusMessage = parts[2]
	}

	headerCount, err := readInt(br)
	if err != nil {
		return nil, err
	}
	for i := 0; i < headerCount; i++ {
		line, err := readLine(br)
		if err != nil {
			return nil, err
		}
		name, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		switch name {
		case prefix + "-Sent-Millis":
			e.SentRequestMillis, _ = strconv.ParseInt(value, 10, 64)
		case prefix + "-Received-Millis":
			e.ReceivedResponseMillis, _ = strconv.ParseInt(value, 10, 64)
		default:
			e.ResponseHeaders.Add(name, value)
		}
	}

	if strings.HasPrefix(strings.ToLower(e.URL), "https://") {
		if _, err := readLine(br); err != nil { // blank separator
			return e, nil // tolerate entries written without a TLS block
		}
		if e.CipherSuite, err = readLine(br); err != nil {
			return nil, err
		}
		if e.PeerCertificatesDER, err = readCertBlock(br); err != nil {
			return nil, err
		}
		if e.LocalCertificatesDER, err = readCertBlock(br); err != nil {
			return nil, err
		}
		if line, err := readLine(br); err == nil {
			e.TLSVersion = line
		} else {
			e.TLSVersion = "SSL_3_0"
		}
	}
	return e, nil
}

func readCertBlock(br *bufio.Reader) ([][]byte, error) {
	n, err := readInt(br)
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, nil
	}
	certs := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		line, err := readLine(br)
		if err != nil {
			return nil, err
		}
		der, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			return nil, fmt.Errorf("octohttp/cachestore: bad base64 cert: %w", err)
		}
		certs = append(certs, der)
	}
	return certs, nil
}

func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}

func readInt(br *bufio.Reader) (int, error) {
	line, err := readLine(br)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return 0, fmt.Errorf("octohttp/cachestore: expected integer, got %q: %w", line, err)
	}
	return n, nil
}
