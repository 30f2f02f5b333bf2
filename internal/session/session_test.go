package session

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddrFromIP(t *testing.T) {
	ep := netip.MustParseAddrPort("93.184.216.34:443")
	a := AddrFromIP(ep)

	require.True(t, a.IsIP())
	require.False(t, a.IsDomain())
	require.Equal(t, ep, a.IP())
	require.Equal(t, ep, a.MustIP())
	require.Equal(t, uint16(443), a.Port())
	require.Equal(t, "93.184.216.34", a.Host())
	require.Equal(t, "93.184.216.34:443", a.String())
}

func TestAddrFromDomain(t *testing.T) {
	a := AddrFromDomain("example.com", 8443)

	require.True(t, a.IsDomain())
	require.False(t, a.IsIP())
	require.Equal(t, "example.com", a.Domain())
	require.Equal(t, uint16(8443), a.Port())
	require.Equal(t, "example.com", a.Host())
	require.Equal(t, "example.com:8443", a.String())
	require.Equal(t, netip.AddrPort{}, a.IP())
	require.Panics(t, func() { a.MustIP() })
}

func TestSocksAddrComparable(t *testing.T) {
	ep := netip.MustParseAddrPort("1.2.3.4:53")
	require.Equal(t, AddrFromIP(ep), AddrFromIP(ep))
	require.Equal(t, AddrFromDomain("a.test", 1), AddrFromDomain("a.test", 1))
	require.NotEqual(t, AddrFromDomain("a.test", 1), AddrFromDomain("a.test", 2))
	require.NotEqual(t, AddrFromIP(ep), AddrFromDomain("1.2.3.4", 53))
}

func TestDatagramSourceString(t *testing.T) {
	addr := netip.MustParseAddrPort("10.10.0.2:5000")
	require.Equal(t, "10.10.0.2:5000", NewDatagramSource(addr).String())
	require.Equal(t, "10.10.0.2:5000#7", DatagramSource{Address: addr, SessionID: 7}.String())
}

func TestSessionString(t *testing.T) {
	s := &Session{
		Network:     TCP,
		Source:      netip.MustParseAddrPort("10.10.0.2:41000"),
		Destination: AddrFromDomain("example.com", 443),
	}
	require.Equal(t, "tcp 10.10.0.2:41000 -> example.com:443", s.String())
}
