package netstack

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

func startStack(t *testing.T, cfg Config) *Stack {
	t.Helper()
	ns, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { ns.Close() })
	return ns
}

func TestInjectUDP4Shape(t *testing.T) {
	src := netip.MustParseAddrPort("1.2.3.4:53")
	dst := netip.MustParseAddrPort("10.10.0.2:40000")
	payload := []byte("fake dns answer")

	pkt := buildUDP4(payload, src, dst)

	ip := header.IPv4(pkt)
	require.True(t, ip.IsValid(len(pkt)))
	require.Equal(t, uint8(header.UDPProtocolNumber), ip.Protocol())
	require.Equal(t, src.Addr().As4(), ip.SourceAddress().As4())
	require.Equal(t, dst.Addr().As4(), ip.DestinationAddress().As4())
	// A correct header checksums to 0xffff with the checksum field included.
	require.Equal(t, uint16(0xffff), ip.CalculateChecksum())

	u := header.UDP(ip.Payload())
	require.Equal(t, src.Port(), u.SourcePort())
	require.Equal(t, dst.Port(), u.DestinationPort())
	require.Equal(t, payload, u.Payload())

	xsum := header.PseudoHeaderChecksum(header.UDPProtocolNumber,
		ip.SourceAddress(), ip.DestinationAddress(), u.Length())
	require.Equal(t, uint16(0xffff), u.CalculateChecksum(checksum.Checksum(u.Payload(), xsum)))
}

func TestInjectUDP6Shape(t *testing.T) {
	src := netip.MustParseAddrPort("[2001:db8::1]:53")
	dst := netip.MustParseAddrPort("[2001:db8::2]:40000")
	payload := []byte("answer")

	pkt := buildUDP6(payload, src, dst)

	ip := header.IPv6(pkt)
	require.True(t, ip.IsValid(len(pkt)))
	require.Equal(t, src.Addr().As16(), ip.SourceAddress().As16())
	require.Equal(t, dst.Addr().As16(), ip.DestinationAddress().As16())

	u := header.UDP(ip.Payload())
	require.Equal(t, src.Port(), u.SourcePort())
	require.Equal(t, dst.Port(), u.DestinationPort())
	require.Equal(t, payload, u.Payload())
}

func TestInjectUDPReachesReadPacket(t *testing.T) {
	ns := startStack(t, Config{})

	src := netip.MustParseAddrPort("1.2.3.4:9000")
	dst := netip.MustParseAddrPort("10.10.0.2:40001")
	require.NoError(t, ns.InjectUDP([]byte("pong"), src, dst))

	done := make(chan []byte, 1)
	go func() {
		pkt, err := ns.ReadPacket()
		if err == nil {
			done <- pkt
		}
	}()

	select {
	case pkt := <-done:
		ip := header.IPv4(pkt)
		require.True(t, ip.IsValid(len(pkt)))
		require.Equal(t, src.Addr().As4(), ip.SourceAddress().As4())
	case <-time.After(2 * time.Second):
		t.Fatal("injected packet never surfaced")
	}
}

func TestInjectUDPRejectsMixedFamilies(t *testing.T) {
	ns := startStack(t, Config{})
	err := ns.InjectUDP([]byte("x"),
		netip.MustParseAddrPort("1.2.3.4:1"),
		netip.MustParseAddrPort("[2001:db8::1]:2"))
	require.Error(t, err)
}

// A synthesized uplink packet fed into the stack must come back out as a
// datagram with the original endpoints.
func TestWritePacketSurfacesDatagram(t *testing.T) {
	ns := startStack(t, Config{})

	src := netip.MustParseAddrPort("10.10.0.2:40002")
	dst := netip.MustParseAddrPort("8.8.8.8:443")
	require.NoError(t, ns.WritePacket(buildUDP4([]byte("hello"), src, dst)))

	type result struct {
		payload []byte
		src     netip.AddrPort
		dst     netip.AddrPort
	}
	done := make(chan result, 1)
	go func() {
		dg, err := ns.ReadDatagram()
		if err == nil {
			done <- result{dg.Payload, dg.Src, dg.Dst}
		}
	}()

	select {
	case r := <-done:
		require.Equal(t, []byte("hello"), r.payload)
		require.Equal(t, src, r.src)
		require.Equal(t, dst, r.dst)
	case <-time.After(5 * time.Second):
		t.Fatal("datagram never surfaced")
	}
}

func TestCloseUnblocksReaders(t *testing.T) {
	ns := startStack(t, Config{})

	errs := make(chan error, 3)
	go func() { _, err := ns.ReadPacket(); errs <- err }()
	go func() { _, err := ns.AcceptTCP(); errs <- err }()
	go func() { _, err := ns.ReadDatagram(); errs <- err }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, ns.Close())

	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			require.ErrorIs(t, err, ErrStackClosed)
		case <-time.After(2 * time.Second):
			t.Fatal("reader did not unblock")
		}
	}

	require.ErrorIs(t, ns.WritePacket([]byte{0x45}), ErrStackClosed)
}
