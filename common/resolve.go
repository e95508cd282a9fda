package common

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// Resolver looks up the game host's IPv4 addresses. Queries go straight to a
// DNS server so the loopback entries the relay writes into the hosts file
// are never returned.
type Resolver struct {
	server   string
	client   *dns.Client
	fallback *net.Resolver
	logger   *zap.Logger
}

// NewResolver queries server ("host:port"). An empty server uses only the
// system resolver.
func NewResolver(server string, timeout time.Duration, logger *zap.Logger) *Resolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Resolver{
		server:   server,
		client:   &dns.Client{Net: "udp", Timeout: timeout},
		fallback: net.DefaultResolver,
		logger:   logger,
	}
}

// Resolve returns the A records for host in answer order. IP literals are
// returned as is.
func (r *Resolver) Resolve(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{ip.String()}, nil
	}

	if r.server != "" {
		addrs, err := r.query(ctx, host)
		if err == nil && len(addrs) > 0 {
			return addrs, nil
		}
		r.logger.Warn("DNS query failed, falling back to system resolver",
			zap.String("host", host),
			zap.String("server", r.server),
			zap.Error(err))
	}

	ips, err := r.fallback.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrResolveFailed, host, err)
	}
	addrs := make([]string, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, ip.String())
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s has no IPv4 address", ErrResolveFailed, host)
	}
	return addrs, nil
}

func (r *Resolver) query(ctx context.Context, host string) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	m.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("rcode %s", dns.RcodeToString[resp.Rcode])
	}

	var addrs []string
	for _, ans := range resp.Answer {
		if a, ok := ans.(*dns.A); ok {
			addrs = append(addrs, a.A.String())
		}
	}
	return addrs, nil
}
