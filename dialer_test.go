package octohttp

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/badu/octohttp/transport"
)

func TestAlpnForDefaultsToH2AndHTTP11(t *testing.T) {
	assert.Equal(t, []string{"h2", "http/1.1"}, alpnFor(nil))
}

func TestAlpnForHonorsExplicitProtocolOrder(t *testing.T) {
	got := alpnFor([]transport.Protocol{transport.HTTP11})
	assert.Equal(t, []string{"http/1.1"}, got)

	got = alpnFor([]transport.Protocol{transport.H2PriorKnowledge})
	assert.Equal(t, []string{"h2_prior_knowledge"}, got)
}

func TestOneConnDialerReturnsTheSameConnRegardlessOfAddr(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	d := oneConnDialer{conn: client}
	got, err := d.Dial("tcp", "irrelevant:1234")
	assert.NoError(t, err)
	assert.Same(t, client, got)
}
