package fakedns

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// pool allocates synthetic IPv4 addresses for domains from a CIDR range.
// One address per domain, bidirectional lookup, LRU reuse when the range or
// the entry cap fills. The network and broadcast addresses are never handed
// out. Callers hold the resolver lock; the pool itself is not safe for
// concurrent use.
type pool struct {
	byIP     map[netip.Addr]*poolEntry
	byDomain map[string]*poolEntry
	lruHead  *poolEntry // MRU end
	lruTail  *poolEntry // LRU end, next eviction candidate

	prefix  netip.Prefix
	base    [4]byte // first allocatable address
	size    uint32  // allocatable addresses in the range
	nextIdx uint32  // ring allocator position
	cap     int     // live entry limit
}

type poolEntry struct {
	domain string
	ip     netip.Addr

	lruPrev *poolEntry
	lruNext *poolEntry
}

func newPool(cidr string, maxEntries int) (*pool, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, fmt.Errorf("[FakeDNS] invalid pool %q: %w", cidr, err)
	}
	if !prefix.Addr().Is4() {
		return nil, fmt.Errorf("[FakeDNS] pool %q must be IPv4", cidr)
	}
	prefix = prefix.Masked()

	total := uint32(1) << (32 - prefix.Bits())
	if total < 4 {
		return nil, fmt.Errorf("[FakeDNS] pool %s too small (need at least /30)", prefix)
	}
	size := total - 2 // skip network and broadcast

	capacity := int(size)
	if maxEntries > 0 && maxEntries < capacity {
		capacity = maxEntries
	}

	return &pool{
		byIP:     make(map[netip.Addr]*poolEntry),
		byDomain: make(map[string]*poolEntry),
		prefix:   prefix,
		base:     ipAdd(prefix.Addr().As4(), 1),
		size:     size,
		cap:      capacity,
	}, nil
}

// contains reports range membership. The prefix is immutable, so this needs
// no lock even on hot paths.
func (p *pool) contains(ip netip.Addr) bool {
	return p.prefix.Contains(ip.Unmap())
}

func (p *pool) domainFor(ip netip.Addr) (string, bool) {
	entry, ok := p.byIP[ip.Unmap()]
	if !ok {
		return "", false
	}
	p.lruPromote(entry)
	return entry.domain, true
}

func (p *pool) ipFor(domain string) (netip.Addr, bool) {
	entry, ok := p.byDomain[domain]
	if !ok {
		return netip.Addr{}, false
	}
	p.lruPromote(entry)
	return entry.ip, true
}

// allocate returns the domain's address, handing out a fresh one on first
// sight and reusing the least recently used mapping once full.
func (p *pool) allocate(domain string) (netip.Addr, error) {
	if entry, ok := p.byDomain[domain]; ok {
		p.lruPromote(entry)
		return entry.ip, nil
	}

	ip, err := p.nextIP()
	if err != nil {
		return netip.Addr{}, err
	}

	entry := &poolEntry{domain: domain, ip: ip}
	p.byIP[ip] = entry
	p.byDomain[domain] = entry
	p.lruPush(entry)
	return ip, nil
}

func (p *pool) len() int { return len(p.byIP) }

// nextIP advances the ring while the pool has room, falling back to LRU
// eviction once it wraps onto live entries or hits the cap.
func (p *pool) nextIP() (netip.Addr, error) {
	if len(p.byIP) < p.cap {
		ip := netip.AddrFrom4(ipAdd(p.base, p.nextIdx))
		p.nextIdx = (p.nextIdx + 1) % p.size
		if _, exists := p.byIP[ip]; !exists {
			return ip, nil
		}
	}

	entry := p.lruTail
	if entry == nil {
		return netip.Addr{}, fmt.Errorf("[FakeDNS] pool %s exhausted", p.prefix)
	}
	ip := entry.ip
	p.lruRemove(entry)
	delete(p.byDomain, entry.domain)
	delete(p.byIP, ip)
	return ip, nil
}

// LRU doubly-linked list operations.

func (p *pool) lruPush(entry *poolEntry) {
	entry.lruPrev = nil
	entry.lruNext = p.lruHead
	if p.lruHead != nil {
		p.lruHead.lruPrev = entry
	}
	p.lruHead = entry
	if p.lruTail == nil {
		p.lruTail = entry
	}
}

func (p *pool) lruRemove(entry *poolEntry) {
	if entry.lruPrev != nil {
		entry.lruPrev.lruNext = entry.lruNext
	} else {
		p.lruHead = entry.lruNext
	}
	if entry.lruNext != nil {
		entry.lruNext.lruPrev = entry.lruPrev
	} else {
		p.lruTail = entry.lruPrev
	}
	entry.lruPrev = nil
	entry.lruNext = nil
}

func (p *pool) lruPromote(entry *poolEntry) {
	if p.lruHead == entry {
		return
	}
	p.lruRemove(entry)
	p.lruPush(entry)
}

// ipAdd adds an offset to an IPv4 address in network byte order.
func ipAdd(base [4]byte, offset uint32) [4]byte {
	v := binary.BigEndian.Uint32(base[:]) + offset
	var result [4]byte
	binary.BigEndian.PutUint32(result[:], v)
	return result
}
