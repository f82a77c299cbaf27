// Package probes asks DNS about names and addresses directly, with its own queries.
//
// None of this feeds the connection unless the caller asks for it: requests always go
// to the address they were given.
package probes

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/peterzen/goresolver"
	"github.com/tetratelabs/telemetry/scope"

	"github.com/mt-inside/http-log/pkg/bios"
	"github.com/mt-inside/http-log/pkg/output"
)

var log = scope.Register("dns", "out-of-band DNS queries")

const resolvConf = "/etc/resolv.conf"

var (
	ErrNXDomain         = errors.New("NXDOMAIN")
	ErrAllServersFailed = errors.New("all DNS servers failed")
)

type Resolver struct {
	servers []string // host:port
	config  *dns.ClientConfig
	client  *dns.Client
}

// NewResolver queries only server, which is host[:port]. Names are taken as fully qualified.
func NewResolver(server string, timeout time.Duration) *Resolver {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(strings.Trim(server, "[]"), "53")
	}
	return newResolver([]string{server}, &dns.ClientConfig{Ndots: 1}, timeout)
}

// NewSystemResolver uses the servers and search path from resolv.conf, but none of the system's resolution machinery.
func NewSystemResolver(timeout time.Duration) (*Resolver, error) {
	conf, err := dns.ClientConfigFromFile(resolvConf)
	if err != nil {
		return nil, err
	}
	var servers []string
	for _, s := range conf.Servers {
		servers = append(servers, net.JoinHostPort(s, conf.Port))
	}
	return newResolver(servers, conf, timeout), nil
}

func newResolver(servers []string, conf *dns.ClientConfig, timeout time.Duration) *Resolver {
	return &Resolver{
		servers: servers,
		config:  conf,
		client: &dns.Client{
			Dialer: &net.Dialer{Timeout: timeout},
		},
	}
}

type Answer struct {
	// The search-path candidate that got an answer
	Name string
	// CNAMEs followed, in order
	Chain []string
	Addrs []netip.Addr
	TTL   time.Duration

	Server        string
	Authoritative bool
}

/* Lookup tries each server in turn until one responds, and on each server each search
* path candidate until one has records.
*
* Testing:
* - www.wikipedia.org has CNAME
* - cloudflare.net is DNSSEC
* - google.com has ipv6 & v4
 */
func (r *Resolver) Lookup(ctx context.Context, name string) (*Answer, error) {
	err := ErrAllServersFailed

serversLoop:
	for _, server := range r.servers {
		log.Debug("Trying DNS server", "addr", server)

		for _, fqdn := range r.config.NameList(name) {
			log.Debug("Trying search path item", "fqdn", fqdn)

			var answers []dns.RR
			authoritative := false
			for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
				in, qErr := r.exchange(ctx, server, fqdn, qtype)
				if qErr != nil {
					log.Debug("DNS server failed", "addr", server, "error", qErr)
					err = fmt.Errorf("%w: %v", ErrAllServersFailed, qErr)
					continue serversLoop
				}
				answers = append(answers, in.Answer...)
				// Servers are authoritative for zones, so if it is for one family it is for both
				authoritative = in.Authoritative
			}

			if ans := newAnswer(fqdn, answers); ans != nil {
				ans.Server = server
				ans.Authoritative = authoritative
				return ans, nil
			}
		}

		// This server answered; another isn't going to know better
		return nil, fmt.Errorf("%s: %w", name, ErrNXDomain)
	}

	return nil, err
}

func (r *Resolver) exchange(ctx context.Context, server, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	// By default this sets the flag to ask whatever server is configured to recurse for us
	m.SetQuestion(name, qtype)
	in, _, err := r.client.ExchangeContext(ctx, m, server)
	return in, err
}

/* CNAMEs can only point to one thing, so there's one chain with no branching, ending
* in the address records. TTLs in one answer all match, so any will do.
 */
func newAnswer(question string, answers []dns.RR) *Answer {
	cnames := map[string]string{}
	ans := &Answer{Name: question}
	for _, rr := range answers {
		switch t := rr.(type) {
		case *dns.CNAME:
			cnames[strings.ToLower(t.Hdr.Name)] = t.Target
		case *dns.A:
			if a, ok := netip.AddrFromSlice(t.A); ok {
				ans.Addrs = append(ans.Addrs, a.Unmap())
			}
		case *dns.AAAA:
			if a, ok := netip.AddrFromSlice(t.AAAA); ok {
				ans.Addrs = append(ans.Addrs, a)
			}
		}
	}
	if len(ans.Addrs) == 0 {
		return nil
	}

	cname := strings.ToLower(question)
	for len(ans.Chain) <= len(cnames) {
		target, found := cnames[cname]
		if !found {
			break
		}
		ans.Chain = append(ans.Chain, target)
		cname = strings.ToLower(target)
	}

	ans.TTL = time.Duration(answers[0].Header().Ttl) * time.Second
	return ans
}

// Reverse finds the PTR names for addr.
func (r *Resolver) Reverse(ctx context.Context, addr netip.Addr) ([]string, error) {
	revName, err := dns.ReverseAddr(addr.String())
	if err != nil {
		return nil, err
	}
	log.Debug("Resolving in reverse-zone", "address", revName)

	err = ErrAllServersFailed
	for _, server := range r.servers {
		in, qErr := r.exchange(ctx, server, revName, dns.TypePTR)
		if qErr != nil {
			err = fmt.Errorf("%w: %v", ErrAllServersFailed, qErr)
			continue
		}

		var names []string
		for _, rr := range in.Answer {
			if ptr, ok := rr.(*dns.PTR); ok {
				names = append(names, ptr.Ptr)
			}
		}
		if len(names) == 0 {
			return nil, fmt.Errorf("%s: %w", addr, ErrNXDomain)
		}
		return names, nil
	}
	return nil, err
}

// Resolve is for finding an address to connect to. It takes the first one server gives.
func Resolve(ctx context.Context, server, name string, timeout time.Duration) (netip.Addr, error) {
	ans, err := NewResolver(server, timeout).Lookup(ctx, name)
	if err != nil {
		return netip.Addr{}, err
	}
	log.Debug("Resolved out of band", "name", name, "addrs", ans.Addrs, "server", ans.Server)
	return ans.Addrs[0], nil
}

/* DNSSEC validation is delegated to goresolver, which walks the chain of trust itself;
* recursive resolvers are known to strip the DNSSEC records, let alone validate them.
 */
func dnssec(name string, qtype uint16) error {
	resolver, err := goresolver.NewResolver(resolvConf)
	if err != nil {
		return err
	}
	_, err = resolver.StrictNSQuery(name, qtype)
	return err
}

// Contains reports whether addr is one of the answer's addresses.
func (a *Answer) Contains(addr netip.Addr) bool {
	for _, x := range a.Addrs {
		if x == addr.Unmap() {
			return true
		}
	}
	return false
}

// DNSInfo prints what DNS thinks of name and of the address we're going to connect to instead.
func DNSInfo(ctx context.Context, s output.TtyStyler, b bios.Bios, r *Resolver, name string, addr netip.Addr) {
	b.Banner("DNS (information only)")

	if ans, err := r.Lookup(ctx, name); err != nil {
		// Not fatal cause we're only printing for information
		b.PrintWarn(fmt.Sprintf("%s: %v", s.Addr(name), err))
	} else {
		fmt.Printf("%s ->", s.Addr(ans.Name))
		for _, c := range ans.Chain {
			fmt.Printf(" %s ->", s.Addr(c))
		}
		fmt.Printf(" %s", s.List(addrStrings(ans.Addrs), output.AddrStyle))
		fmt.Printf(" (dnssec? %s, ttl remaining %s)\n", s.YesError(dnssec(ans.Name, dns.TypeA)), ans.TTL)

		// Authoritative means the server hosts that zone; unlikely when talking to a stub or caching resolver
		fmt.Printf("\tDNS Server: %s, authoritative? %s\n", s.Addr(ans.Server), s.YesInfo(ans.Authoritative))

		if !ans.Contains(addr) {
			b.PrintInfo(fmt.Sprintf("%s isn't one of %s's addresses; connecting to it anyway", s.Addr(addr.String()), s.Addr(name)))
		}
	}

	revs, err := r.Reverse(ctx, addr)
	if err != nil {
		// Info-level cause reverse DNS is never set up properly
		b.PrintInfo(fmt.Sprintf("%s: %v", s.Addr(addr.String()), err))
		return
	}
	fmt.Printf("%s -> %s\n", s.Addr(addr.String()), s.List(revs, output.AddrStyle))
	if !containsName(revs, name) {
		b.PrintInfo(fmt.Sprintf("%s not in %s", s.Addr(name), s.List(revs, output.AddrStyle)))
	}
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if strings.EqualFold(strings.TrimSuffix(n, "."), strings.TrimSuffix(name, ".")) {
			return true
		}
	}
	return false
}

func addrStrings(as []netip.Addr) []string {
	ss := make([]string, 0, len(as))
	for _, a := range as {
		ss = append(ss, a.String())
	}
	return ss
}
