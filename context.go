package octohttp

import (
	"context"

	"github.com/badu/octohttp/internal/pool"
	"github.com/badu/octohttp/internal/wire"
)

type exchangeCodecKey struct{}

type boundExchange struct {
	codec  wire.Codec
	conn   *pool.Connection
	finder *pool.ExchangeFinder
}

// withExchangeCodec threads the codec ConnectInterceptor obtained down to
// CallServerInterceptor without either importing the other's internals
// directly through the Chain type.
func withExchangeCodec(ctx context.Context, codec wire.Codec, conn *pool.Connection, finder *pool.ExchangeFinder) context.Context {
	return context.WithValue(ctx, exchangeCodecKey{}, &boundExchange{codec: codec, conn: conn, finder: finder})
}

func exchangeCodecFrom(ctx context.Context) (*boundExchange, bool) {
	b, ok := ctx.Value(exchangeCodecKey{}).(*boundExchange)
	return b, ok
}
