package fakedns

import (
	"net/netip"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func newTestResolver(t *testing.T, cfg Config) *Resolver {
	t.Helper()
	r, err := New(cfg)
	require.NoError(t, err)
	return r
}

func packQuery(t *testing.T, name string, qtype uint16) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	payload, err := m.Pack()
	require.NoError(t, err)
	return payload
}

// queryA runs an A query through HandleQuery and returns the answered
// address.
func queryA(t *testing.T, r *Resolver, name string) netip.Addr {
	t.Helper()
	out, err := r.HandleQuery(packQuery(t, name, dns.TypeA))
	require.NoError(t, err)

	var reply dns.Msg
	require.NoError(t, reply.Unpack(out))
	require.True(t, reply.Response)
	require.Len(t, reply.Answer, 1)
	a, ok := reply.Answer[0].(*dns.A)
	require.True(t, ok)
	ip, ok := netip.AddrFromSlice(a.A)
	require.True(t, ok)
	return ip.Unmap()
}

func TestSetFiltersRejectsBothLists(t *testing.T) {
	r := newTestResolver(t, Config{})
	require.Error(t, r.SetFilters([]string{"a.test"}, []string{"b.test"}))
}

func TestSetFiltersSelectsMode(t *testing.T) {
	r := newTestResolver(t, Config{})

	require.NoError(t, r.SetFilters(nil, nil))
	require.Equal(t, ModeExclude, r.Mode())

	require.NoError(t, r.SetFilters([]string{"a.test"}, nil))
	require.Equal(t, ModeInclude, r.Mode())

	require.NoError(t, r.SetFilters(nil, []string{"b.test"}))
	require.Equal(t, ModeExclude, r.Mode())
}

func TestHandleQueryAnswersFromPool(t *testing.T) {
	r := newTestResolver(t, Config{})
	ip := queryA(t, r, "example.com")

	require.True(t, r.IsFakeIP(ip))
	require.True(t, netip.MustParsePrefix("198.18.0.0/15").Contains(ip))

	domain, ok := r.DomainForIP(ip)
	require.True(t, ok)
	require.Equal(t, "example.com", domain)

	got, ok := r.IPForDomain("example.com")
	require.True(t, ok)
	require.Equal(t, ip, got)
}

func TestHandleQueryReplyShape(t *testing.T) {
	r := newTestResolver(t, Config{})

	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)
	m.Id = 4242
	payload, err := m.Pack()
	require.NoError(t, err)

	out, err := r.HandleQuery(payload)
	require.NoError(t, err)

	var reply dns.Msg
	require.NoError(t, reply.Unpack(out))
	require.Equal(t, uint16(4242), reply.Id)
	require.True(t, reply.RecursionAvailable)
	require.Equal(t, dns.RcodeSuccess, reply.Rcode)
	require.Len(t, reply.Answer, 1)
	require.Equal(t, uint32(1), reply.Answer[0].Header().Ttl)
}

func TestHandleQueryStableMapping(t *testing.T) {
	r := newTestResolver(t, Config{})
	first := queryA(t, r, "example.com")
	second := queryA(t, r, "example.com")
	require.Equal(t, first, second)
	require.Equal(t, 1, r.Entries())
}

func TestHandleQueryAAAAEmptyAnswer(t *testing.T) {
	r := newTestResolver(t, Config{})

	out, err := r.HandleQuery(packQuery(t, "example.com", dns.TypeAAAA))
	require.NoError(t, err)

	var reply dns.Msg
	require.NoError(t, reply.Unpack(out))
	require.Equal(t, dns.RcodeSuccess, reply.Rcode)
	require.Empty(t, reply.Answer)
	require.Equal(t, 0, r.Entries())
}

func TestHandleQueryIncludeMode(t *testing.T) {
	r := newTestResolver(t, Config{})
	require.NoError(t, r.SetFilters([]string{"handled.test"}, nil))

	_, err := r.HandleQuery(packQuery(t, "other.test", dns.TypeA))
	require.Error(t, err)

	ip := queryA(t, r, "sub.handled.test")
	require.True(t, r.IsFakeIP(ip))
}

func TestHandleQueryExcludeMode(t *testing.T) {
	r := newTestResolver(t, Config{})
	require.NoError(t, r.SetFilters(nil, []string{"passthrough.test"}))

	_, err := r.HandleQuery(packQuery(t, "passthrough.test", dns.TypeA))
	require.Error(t, err)

	ip := queryA(t, r, "anything.else.test")
	require.True(t, r.IsFakeIP(ip))
}

func TestHandleQueryRejectsNonQueries(t *testing.T) {
	r := newTestResolver(t, Config{})

	_, err := r.HandleQuery([]byte{0x01, 0x02})
	require.Error(t, err)

	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)
	m.Response = true
	payload, perr := m.Pack()
	require.NoError(t, perr)
	_, err = r.HandleQuery(payload)
	require.Error(t, err)

	_, err = r.HandleQuery(packQuery(t, "example.com", dns.TypeMX))
	require.Error(t, err)
}

func TestIPForDomainIsLookupOnly(t *testing.T) {
	r := newTestResolver(t, Config{})
	_, ok := r.IPForDomain("never.seen.test")
	require.False(t, ok)
	require.Equal(t, 0, r.Entries())
}

func TestIsFakeIPOutsidePool(t *testing.T) {
	r := newTestResolver(t, Config{})
	require.False(t, r.IsFakeIP(netip.MustParseAddr("8.8.8.8")))
	require.False(t, r.IsFakeIP(netip.MustParseAddr("2001:db8::1")))
}

func TestResolverEviction(t *testing.T) {
	r := newTestResolver(t, Config{Pool: "198.18.0.0/29", MaxEntries: 2})

	ipA := queryA(t, r, "a.test")
	ipB := queryA(t, r, "b.test")

	// Touching a.test leaves b.test as the eviction candidate.
	_, ok := r.IPForDomain("a.test")
	require.True(t, ok)

	ipC := queryA(t, r, "c.test")
	require.Equal(t, ipB, ipC)
	require.Equal(t, 2, r.Entries())

	_, ok = r.IPForDomain("b.test")
	require.False(t, ok)
	got, ok := r.IPForDomain("a.test")
	require.True(t, ok)
	require.Equal(t, ipA, got)
}
