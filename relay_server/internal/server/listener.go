package server

import (
	"context"
	"net"
)

// listen binds the IPv4 game port on addr.
func listen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp4", addr)
}
