package pool

import (
	"context"
	"net"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/badu/octohttp/transport"
)

type fakeResolver struct {
	addrs map[string][]net.IPAddr
}

func (f fakeResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	return f.addrs[host], nil
}

func TestRouteDatabasePostponesOnlyFailedRoutes(t *testing.T) {
	db := NewRouteDatabase()
	ep := &transport.Endpoint{Scheme: "https", Host: "example.com", Port: 443}
	route := transport.Route{Endpoint: ep, InetSocketAddress: &net.TCPAddr{IP: net.ParseIP("1.2.3.4"), Port: 443}}

	assert.False(t, db.ShouldPostpone(route))
	db.Failed(route)
	assert.True(t, db.ShouldPostpone(route))
	db.Connected(route)
	assert.False(t, db.ShouldPostpone(route))
}

func TestRouteSelectorDirectYieldsAllResolvedAddresses(t *testing.T) {
	ep := &transport.Endpoint{
		Scheme: "https", Host: "example.com", Port: 443,
		DNS: fakeResolver{addrs: map[string][]net.IPAddr{
			"example.com": {{IP: net.ParseIP("10.0.0.1")}, {IP: net.ParseIP("10.0.0.2")}},
		}},
	}
	sel := NewRouteSelector(ep, NewRouteDatabase())
	require.True(t, sel.HasNext())

	selection, err := sel.Next(context.Background())
	require.NoError(t, err)
	all := selection.All()
	require.Len(t, all, 2)
	assert.Nil(t, all[0].Proxy)
	assert.Equal(t, 443, all[0].InetSocketAddress.Port)
	assert.False(t, sel.HasNext(), "both addresses were consumed by one Next call")
}

func TestRouteSelectorPostponesFailedRoutesBehindFresh(t *testing.T) {
	ep := &transport.Endpoint{
		Scheme: "https", Host: "example.com", Port: 443,
		DNS: fakeResolver{addrs: map[string][]net.IPAddr{
			"example.com": {{IP: net.ParseIP("10.0.0.1")}, {IP: net.ParseIP("10.0.0.2")}},
		}},
	}
	db := NewRouteDatabase()
	bad := transport.Route{Endpoint: ep, Proxy: nil, InetSocketAddress: &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 443}}
	db.Failed(bad)

	sel := NewRouteSelector(ep, db)
	selection, err := sel.Next(context.Background())
	require.NoError(t, err)

	require.Len(t, selection.Fresh, 1)
	require.Len(t, selection.Postponed, 1)
	assert.Equal(t, "10.0.0.2", selection.Fresh[0].InetSocketAddress.IP.String())
	assert.Equal(t, "10.0.0.1", selection.Postponed[0].InetSocketAddress.IP.String())
}

func TestRouteSelectorUsesPinnedProxyAddressAndPort(t *testing.T) {
	proxy, err := url.Parse("http://proxy.internal:3128")
	require.NoError(t, err)
	ep := &transport.Endpoint{
		Scheme: "https", Host: "example.com", Port: 443, Proxy: proxy,
		DNS: fakeResolver{addrs: map[string][]net.IPAddr{
			"proxy.internal": {{IP: net.ParseIP("172.16.0.1")}},
		}},
	}
	sel := NewRouteSelector(ep, NewRouteDatabase())
	selection, err := sel.Next(context.Background())
	require.NoError(t, err)
	require.Len(t, selection.Fresh, 1)
	r := selection.Fresh[0]
	assert.Same(t, proxy, r.Proxy)
	assert.Equal(t, 3128, r.InetSocketAddress.Port)
	assert.Equal(t, "172.16.0.1", r.InetSocketAddress.IP.String())
}

func TestRouteSelectorSocks5YieldsUnresolvedPlaceholder(t *testing.T) {
	proxy, err := url.Parse("socks5://proxy.internal:1080")
	require.NoError(t, err)
	ep := &transport.Endpoint{Scheme: "https", Host: "example.com", Port: 443, Proxy: proxy}
	sel := NewRouteSelector(ep, NewRouteDatabase())

	selection, err := sel.Next(context.Background())
	require.NoError(t, err)
	require.Len(t, selection.Fresh, 1)
	r := selection.Fresh[0]
	assert.Nil(t, r.InetSocketAddress.IP, "SOCKS5 resolves on the far side, the local placeholder carries no IP")
	assert.Equal(t, 443, r.InetSocketAddress.Port, "the placeholder carries the target's port, resolved by the proxy itself")
}
