package targets

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

// SystemLookup resolves through the operating system resolver.
type SystemLookup struct {
	Resolver *net.Resolver
}

// LookupHost implements Lookup.
func (s SystemLookup) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	r := s.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	return r.LookupNetIP(ctx, "ip", host)
}

// DNSLookup queries a specific DNS server for A and AAAA records.
type DNSLookup struct {
	server string
	client *dns.Client
}

// NewDNSLookup returns a lookup that queries server, which may omit the port.
func NewDNSLookup(server string, timeout time.Duration) *DNSLookup {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return &DNSLookup{
		server: server,
		client: &dns.Client{Net: "udp", Timeout: timeout},
	}
}

// LookupHost implements Lookup.
func (d *DNSLookup) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	fqdn := dns.Fqdn(host)

	var (
		addrs   []netip.Addr
		lastErr error
	)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(fqdn, qtype)
		msg.RecursionDesired = true

		resp, _, err := d.client.ExchangeContext(ctx, msg, d.server)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("%s: %s", host, dns.RcodeToString[resp.Rcode])
			continue
		}

		for _, rr := range resp.Answer {
			switch v := rr.(type) {
			case *dns.A:
				if a, ok := netip.AddrFromSlice(v.A.To4()); ok {
					addrs = append(addrs, a)
				}
			case *dns.AAAA:
				if a, ok := netip.AddrFromSlice(v.AAAA.To16()); ok {
					addrs = append(addrs, a)
				}
			}
		}
	}

	if len(addrs) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("%s: no A or AAAA records", host)
		}
		return nil, lastErr
	}
	return addrs, nil
}
