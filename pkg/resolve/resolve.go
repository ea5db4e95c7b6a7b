// Package resolve turns the host part of a SIP URI into a socket address,
// following the SRV-then-address procedure of RFC 3263 (NAPTR is not consulted).
package resolve

import (
	"cmp"
	"context"
	"errors"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"time"

	"braces.dev/errtrace"
	"github.com/miekg/dns"
)

// ErrNoAddress is returned when a host has no usable address record.
var ErrNoAddress = errors.New("no address found")

const defaultTimeout = 5 * time.Second

// Service names for SRV lookups.
const (
	ServiceUDP = "_sip._udp"
	ServiceTCP = "_sip._tcp"
	ServiceTLS = "_sips._tcp"
)

// Resolver resolves SIP hosts. The zero value uses the nameserver found in /etc/resolv.conf
// for SRV queries and the system resolver for address records.
type Resolver struct {
	// NameServer is the DNS server address ("host:port") used for every query.
	// If empty, SRV queries go to the first server of /etc/resolv.conf and address lookups use
	// the system resolver.
	NameServer string
	// Timeout bounds each DNS exchange. Zero means 5 seconds.
	Timeout time.Duration
	// ConfigPath overrides the resolv.conf location (tests).
	ConfigPath string
}

// Resolve returns "ip:port" for host. If port is zero an SRV lookup for service is attempted first;
// when it yields nothing, defaultPort is used with the host's address record.
func (r *Resolver) Resolve(ctx context.Context, host string, port int, service string, defaultPort int) (string, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		if port == 0 {
			port = defaultPort
		}
		return net.JoinHostPort(addr.String(), strconv.Itoa(port)), nil
	}

	target := host
	if port == 0 && service != "" {
		srvs, err := r.LookupSRV(ctx, service, host)
		if err == nil && len(srvs) > 0 {
			target = srvs[0].Target
			port = int(srvs[0].Port)
		}
	}
	if port == 0 {
		port = defaultPort
	}

	ip, err := r.LookupAddr(ctx, target)
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(port)), nil
}

// LookupSRV queries SRV records for service.host, sorted by priority then descending weight.
func (r *Resolver) LookupSRV(ctx context.Context, service, host string) ([]*dns.SRV, error) {
	ns, err := r.nameserver()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	resp, err := r.exchange(ctx, ns, dns.Fqdn(service+"."+host), dns.TypeSRV)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	srvs := make([]*dns.SRV, 0, len(resp.Answer))
	for _, ans := range resp.Answer {
		if rr, ok := ans.(*dns.SRV); ok {
			srvs = append(srvs, rr)
		}
	}
	slices.SortStableFunc(srvs, func(a, b *dns.SRV) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(b.Weight, a.Weight)
	})
	return srvs, nil
}

// LookupAddr returns one address for host, preferring IPv4.
func (r *Resolver) LookupAddr(ctx context.Context, host string) (netip.Addr, error) {
	if r.NameServer == "" {
		addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", trimDot(host))
		if err != nil {
			return netip.Addr{}, errtrace.Wrap(err)
		}
		return pickAddr(addrs, host)
	}

	var addrs []netip.Addr
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		resp, err := r.exchange(ctx, r.NameServer, dns.Fqdn(host), qtype)
		if err != nil {
			continue
		}
		for _, ans := range resp.Answer {
			switch rr := ans.(type) {
			case *dns.A:
				if a, ok := netip.AddrFromSlice(rr.A.To4()); ok {
					addrs = append(addrs, a)
				}
			case *dns.AAAA:
				if a, ok := netip.AddrFromSlice(rr.AAAA); ok {
					addrs = append(addrs, a)
				}
			}
		}
		if len(addrs) > 0 {
			break
		}
	}
	return pickAddr(addrs, host)
}

func (r *Resolver) exchange(ctx context.Context, ns, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(name, qtype)
	m.RecursionDesired = true

	client := &dns.Client{Timeout: r.timeout()}
	resp, _, err := client.ExchangeContext(ctx, m, ns)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, errtrace.Wrap(&net.DNSError{
			Err:        dns.RcodeToString[resp.Rcode],
			Name:       name,
			IsNotFound: resp.Rcode == dns.RcodeNameError,
		})
	}
	return resp, nil
}

func (r *Resolver) nameserver() (string, error) {
	if r.NameServer != "" {
		return r.NameServer, nil
	}
	path := r.ConfigPath
	if path == "" {
		path = "/etc/resolv.conf"
	}
	cfg, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	if len(cfg.Servers) == 0 {
		return "", errtrace.Wrap(ErrNoAddress)
	}
	return net.JoinHostPort(cfg.Servers[0], cfg.Port), nil
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout <= 0 {
		return defaultTimeout
	}
	return r.Timeout
}

func pickAddr(addrs []netip.Addr, host string) (netip.Addr, error) {
	if len(addrs) == 0 {
		return netip.Addr{}, errtrace.Wrap(&net.DNSError{Err: ErrNoAddress.Error(), Name: host, IsNotFound: true})
	}
	for _, a := range addrs {
		if a.Unmap().Is4() {
			return a.Unmap(), nil
		}
	}
	return addrs[0], nil
}

func trimDot(host string) string {
	if n := len(host); n > 0 && host[n-1] == '.' {
		return host[:n-1]
	}
	return host
}
