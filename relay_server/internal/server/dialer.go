package server

import (
	"context"
	"fmt"
	"net"

	"github.com/iselt/wiretap/common"
	"golang.org/x/net/proxy"
)

// newDialer returns the dialer used for the server-facing socket: direct, or
// through the configured SOCKS5 upstream.
func newDialer(cfg common.RelayConfig) (proxy.ContextDialer, error) {
	direct := &net.Dialer{Timeout: cfg.DialTimeout.Duration}
	if cfg.UpstreamProxy == "" {
		return direct, nil
	}

	d, err := proxy.SOCKS5("tcp", cfg.UpstreamProxy, nil, direct)
	if err != nil {
		return nil, fmt.Errorf("%w: upstream_proxy: %v", common.ErrInvalidConfig, err)
	}
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd, nil
	}
	return contextDialer{d}, nil
}

type contextDialer struct {
	proxy.Dialer
}

func (d contextDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := d.Dial(network, addr)
		done <- result{conn, err}
	}()
	select {
	case r := <-done:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
