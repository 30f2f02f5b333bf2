package fakedns

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewPoolValidation(t *testing.T) {
	_, err := newPool("not-a-cidr", 0)
	require.Error(t, err)

	_, err = newPool("2001:db8::/32", 0)
	require.Error(t, err)

	_, err = newPool("198.18.0.0/31", 0)
	require.Error(t, err)
}

func TestPoolSkipsNetworkAndBroadcast(t *testing.T) {
	p, err := newPool("198.18.0.0/30", 0)
	require.NoError(t, err)
	require.Equal(t, uint32(2), p.size)

	first, err := p.allocate("a.test")
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("198.18.0.1"), first)

	second, err := p.allocate("b.test")
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("198.18.0.2"), second)
}

func TestPoolAllocateIsStable(t *testing.T) {
	p, err := newPool("198.18.0.0/24", 0)
	require.NoError(t, err)

	first, err := p.allocate("a.test")
	require.NoError(t, err)
	again, err := p.allocate("a.test")
	require.NoError(t, err)
	require.Equal(t, first, again)
	require.Equal(t, 1, p.len())
}

func TestPoolEvictsLeastRecentlyUsed(t *testing.T) {
	p, err := newPool("198.18.0.0/24", 2)
	require.NoError(t, err)

	ipA, err := p.allocate("a.test")
	require.NoError(t, err)
	ipB, err := p.allocate("b.test")
	require.NoError(t, err)

	// Touching a.test leaves b.test as the eviction candidate.
	_, ok := p.ipFor("a.test")
	require.True(t, ok)

	ipC, err := p.allocate("c.test")
	require.NoError(t, err)
	require.Equal(t, ipB, ipC)
	require.Equal(t, 2, p.len())

	_, ok = p.ipFor("b.test")
	require.False(t, ok)
	domain, ok := p.domainFor(ipC)
	require.True(t, ok)
	require.Equal(t, "c.test", domain)

	got, ok := p.ipFor("a.test")
	require.True(t, ok)
	require.Equal(t, ipA, got)
}

func TestPoolContains(t *testing.T) {
	p, err := newPool("198.18.0.0/15", 0)
	require.NoError(t, err)
	require.True(t, p.contains(netip.MustParseAddr("198.18.0.1")))
	require.True(t, p.contains(netip.MustParseAddr("198.19.255.254")))
	require.False(t, p.contains(netip.MustParseAddr("198.20.0.1")))
	require.False(t, p.contains(netip.MustParseAddr("8.8.8.8")))
}
