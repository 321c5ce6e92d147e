// Package ddns watches the DNS names behind peer endpoints and raises change
// events when a dynamic hostname starts resolving to a new address.
package ddns

import (
	"context"
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// Resolver resolves a hostname to a single address. A failed lookup is not
// evidence of change; callers must not update stored state on error.
type Resolver interface {
	Resolve(ctx context.Context, hostname string) (string, error)
}

// ResolutionError wraps a failed lookup (NXDOMAIN, timeout, no servers).
type ResolutionError struct {
	Hostname string
	Err      error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Hostname, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// DNSResolver queries the system's configured nameservers directly so a
// fresh answer is observed as soon as the DDNS provider publishes it. When no
// nameserver answers, it falls back to the libc resolver.
type DNSResolver struct {
	client   *dns.Client
	servers  []string
	fallback *net.Resolver
}

// NewDNSResolver reads the nameserver list from /etc/resolv.conf. A missing
// or empty config leaves only the libc fallback, which is still functional.
func NewDNSResolver() *DNSResolver {
	r := &DNSResolver{
		client:   new(dns.Client),
		fallback: net.DefaultResolver,
	}
	if cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil {
		for _, s := range cfg.Servers {
			r.servers = append(r.servers, net.JoinHostPort(s, cfg.Port))
		}
	}
	return r
}

// Resolve returns the first A record answer for the hostname. The context
// bounds every exchange; the caller sets the per-lookup timeout.
func (r *DNSResolver) Resolve(ctx context.Context, hostname string) (string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(hostname), dns.TypeA)

	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("%s from %s", dns.RcodeToString[resp.Rcode], server)
			continue
		}
		for _, ans := range resp.Answer {
			if a, ok := ans.(*dns.A); ok {
				return a.A.String(), nil
			}
		}
		lastErr = fmt.Errorf("no A records from %s", server)
	}

	// Fallback: libc resolver.
	addrs, err := r.fallback.LookupHost(ctx, hostname)
	if err == nil {
		for _, addr := range addrs {
			if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
				return ip.String(), nil
			}
		}
		if len(addrs) > 0 {
			return addrs[0], nil
		}
	}
	if lastErr == nil {
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no answer")
	}
	return "", &ResolutionError{Hostname: hostname, Err: lastErr}
}
