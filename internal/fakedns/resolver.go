// Package fakedns answers DNS queries with synthetic addresses so the
// packet pipeline can recover the domain a flow was meant for. No query
// ever leaves the process: eligible A questions get an address from the
// pool, everything else is handed back to the caller to forward normally.
package fakedns

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"

	"github.com/miekg/dns"

	"tungate/internal/core"
)

// Mode decides which domains are eligible for synthetic addresses.
type Mode int

const (
	// ModeExclude makes every domain eligible except the filtered ones.
	ModeExclude Mode = iota
	// ModeInclude restricts eligibility to the filtered domains.
	ModeInclude
)

func (m Mode) String() string {
	switch m {
	case ModeExclude:
		return "exclude"
	case ModeInclude:
		return "include"
	default:
		return "unknown"
	}
}

// Replies carry a minimal TTL so clients come back to us instead of pinning
// a synthetic address in their caches.
const replyTTL = 1

// Config sizes the resolver. Zero values take the defaults.
type Config struct {
	Pool       string // synthetic IPv4 range, default 198.18.0.0/15
	MaxEntries int    // live mapping cap, default 65535
}

// Resolver owns the domain↔synthetic-IP table. One mutex guards the whole
// table; no critical section suspends, so it stays uncontended even with
// lookups on the per-packet path.
type Resolver struct {
	mu     sync.RWMutex
	mode   Mode
	filter *filter
	pool   *pool
}

// New creates a resolver in exclude mode with no filters (every domain
// eligible) until SetFilters says otherwise.
func New(cfg Config) (*Resolver, error) {
	if cfg.Pool == "" {
		cfg.Pool = "198.18.0.0/15"
	}
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = 65535
	}
	p, err := newPool(cfg.Pool, cfg.MaxEntries)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		mode:   ModeExclude,
		filter: newFilter(),
		pool:   p,
	}, nil
}

// SetFilters installs the eligibility rules. A non-empty include list
// selects include mode; otherwise the exclude list (possibly empty)
// applies. Supplying both is a configuration error.
func (r *Resolver) SetFilters(include, exclude []string) error {
	if len(include) > 0 && len(exclude) > 0 {
		return errors.New("[FakeDNS] use either include or exclude filters, not both")
	}

	mode := ModeExclude
	patterns := exclude
	if len(include) > 0 {
		mode = ModeInclude
		patterns = include
	}

	f := newFilter()
	for _, pattern := range patterns {
		f.add(pattern)
	}

	r.mu.Lock()
	r.mode = mode
	r.filter = f
	r.mu.Unlock()

	core.Log.Infof("FakeDNS", "%s mode with %d filters, pool %s", mode, f.size(), r.pool.prefix)
	return nil
}

// Mode returns the active eligibility mode.
func (r *Resolver) Mode() Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mode
}

// IsFakeIP reports whether ip lies in the synthetic range.
func (r *Resolver) IsFakeIP(ip netip.Addr) bool {
	return r.pool.contains(ip)
}

// DomainForIP returns the domain a synthetic address was handed out for.
func (r *Resolver) DomainForIP(ip netip.Addr) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pool.domainFor(ip)
}

// IPForDomain returns the synthetic address already paired with domain.
// It never allocates; addresses are handed out only on the query path.
func (r *Resolver) IPForDomain(domain string) (netip.Addr, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pool.ipFor(canonicalDomain(domain))
}

// Entries returns the live mapping count.
func (r *Resolver) Entries() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pool.len()
}

// HandleQuery answers a raw DNS query. The error return means "not ours":
// unparseable payloads, non-A/AAAA questions, and ineligible domains all
// fall back to normal forwarding at the caller.
func (r *Resolver) HandleQuery(payload []byte) ([]byte, error) {
	var query dns.Msg
	if err := query.Unpack(payload); err != nil {
		return nil, fmt.Errorf("[FakeDNS] unpack query: %w", err)
	}
	if query.Response {
		return nil, errors.New("[FakeDNS] payload is a response")
	}
	if len(query.Question) != 1 {
		return nil, fmt.Errorf("[FakeDNS] %d questions", len(query.Question))
	}

	q := query.Question[0]
	if q.Qclass != dns.ClassINET || (q.Qtype != dns.TypeA && q.Qtype != dns.TypeAAAA) {
		return nil, fmt.Errorf("[FakeDNS] unsupported question type %s", dns.TypeToString[q.Qtype])
	}
	domain := canonicalDomain(q.Name)
	if domain == "" || strings.Contains(domain, "/") {
		return nil, fmt.Errorf("[FakeDNS] bad name %q", q.Name)
	}

	r.mu.Lock()
	eligible := r.eligibleLocked(domain)
	var ip netip.Addr
	var err error
	if eligible && q.Qtype == dns.TypeA {
		ip, err = r.pool.allocate(domain)
	}
	r.mu.Unlock()

	if !eligible {
		return nil, fmt.Errorf("[FakeDNS] %s not eligible", domain)
	}
	if err != nil {
		return nil, err
	}

	reply := new(dns.Msg)
	reply.SetReply(&query)
	reply.RecursionAvailable = query.RecursionDesired
	switch q.Qtype {
	case dns.TypeA:
		reply.Answer = append(reply.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: replyTTL},
			A:   net.IP(ip.AsSlice()),
		})
		core.Log.Debugf("FakeDNS", "%s -> %s", domain, ip)
	case dns.TypeAAAA:
		// Eligible domains get an empty NOERROR so clients retry over A
		// instead of reaching a real AAAA we cannot intercept.
	}

	out, err := reply.Pack()
	if err != nil {
		return nil, fmt.Errorf("[FakeDNS] pack reply: %w", err)
	}
	return out, nil
}

func (r *Resolver) eligibleLocked(domain string) bool {
	if r.mode == ModeInclude {
		return r.filter.match(domain)
	}
	return !r.filter.match(domain)
}
