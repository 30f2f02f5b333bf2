package netstack

import (
	"fmt"
	"math"
	"net/netip"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"

	"tungate/internal/core"
	"tungate/internal/session"
)

const (
	dnsPort = 53

	// Longest payload that still fits an IPv4 total length.
	maxUDPPayload = math.MaxUint16 - header.IPv4MinimumSize - header.UDPMinimumSize
)

// handleUDP is invoked once per new flow, on the packet path. The endpoint
// must exist before it returns or the triggering packet is lost, so only the
// read pump moves to a goroutine.
func (ns *Stack) handleUDP(r *udp.ForwarderRequest) bool {
	id := r.ID()
	var wq waiter.Queue
	ep, err := r.CreateEndpoint(&wq)
	if err != nil {
		core.Log.Debugf("Netstack", "UDP endpoint for %s:%d failed: %s", id.RemoteAddress, id.RemotePort, err)
		return true
	}
	conn := gonet.NewUDPConn(&wq, ep)

	ns.flowMu.Lock()
	ns.flows[id] = conn
	ns.flowMu.Unlock()

	ns.wg.Add(1)
	go ns.serveUDPFlow(id, conn)
	return true
}

// serveUDPFlow pumps one flow's uplink datagrams until the flow idles out or
// the stack closes.
func (ns *Stack) serveUDPFlow(id stack.TransportEndpointID, conn *gonet.UDPConn) {
	defer ns.wg.Done()
	defer func() {
		ns.flowMu.Lock()
		delete(ns.flows, id)
		ns.flowMu.Unlock()
		conn.Close()
	}()

	src := netip.AddrPortFrom(addrFromNetstack(id.RemoteAddress), id.RemotePort)
	dst := netip.AddrPortFrom(addrFromNetstack(id.LocalAddress), id.LocalPort)

	idle := ns.cfg.UDPIdleTimeout
	if dst.Port() == dnsPort {
		idle = ns.cfg.DNSIdleTimeout
	}

	buf := make([]byte, 65535)
	for {
		conn.SetReadDeadline(time.Now().Add(idle))
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])

		select {
		case ns.datagrams <- session.Datagram{Payload: payload, Src: src, Dst: dst}:
		case <-ns.done:
			return
		}
	}
}

// InjectUDP queues a synthesized datagram for the device, as if src had
// answered dst directly. Source and destination must share an address family.
func (ns *Stack) InjectUDP(payload []byte, src, dst netip.AddrPort) error {
	if len(payload) > maxUDPPayload {
		return fmt.Errorf("[Netstack] inject: %d byte payload does not fit a datagram", len(payload))
	}
	srcAddr, dstAddr := src.Addr().Unmap(), dst.Addr().Unmap()

	var pkt []byte
	switch {
	case srcAddr.Is4() && dstAddr.Is4():
		pkt = buildUDP4(payload, netip.AddrPortFrom(srcAddr, src.Port()), netip.AddrPortFrom(dstAddr, dst.Port()))
	case srcAddr.Is6() && dstAddr.Is6():
		pkt = buildUDP6(payload, netip.AddrPortFrom(srcAddr, src.Port()), netip.AddrPortFrom(dstAddr, dst.Port()))
	default:
		return fmt.Errorf("[Netstack] inject: address family mismatch %s -> %s", src, dst)
	}

	select {
	case ns.outbound <- pkt:
		return nil
	case <-ns.done:
		return ErrStackClosed
	}
}

func buildUDP4(payload []byte, src, dst netip.AddrPort) []byte {
	srcAddr := tcpip.AddrFrom4(src.Addr().As4())
	dstAddr := tcpip.AddrFrom4(dst.Addr().As4())
	udpLen := uint16(header.UDPMinimumSize + len(payload))

	pkt := make([]byte, header.IPv4MinimumSize+int(udpLen))
	ip := header.IPv4(pkt)
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(len(pkt)),
		TTL:         64,
		Protocol:    uint8(udp.ProtocolNumber),
		SrcAddr:     srcAddr,
		DstAddr:     dstAddr,
	})

	u := header.UDP(pkt[header.IPv4MinimumSize:])
	u.Encode(&header.UDPFields{
		SrcPort: src.Port(),
		DstPort: dst.Port(),
		Length:  udpLen,
	})
	copy(u.Payload(), payload)

	xsum := header.PseudoHeaderChecksum(udp.ProtocolNumber, srcAddr, dstAddr, udpLen)
	u.SetChecksum(^u.CalculateChecksum(checksum.Checksum(payload, xsum)))
	ip.SetChecksum(^ip.CalculateChecksum())
	return pkt
}

func buildUDP6(payload []byte, src, dst netip.AddrPort) []byte {
	srcAddr := tcpip.AddrFrom16(src.Addr().As16())
	dstAddr := tcpip.AddrFrom16(dst.Addr().As16())
	udpLen := uint16(header.UDPMinimumSize + len(payload))

	pkt := make([]byte, header.IPv6MinimumSize+int(udpLen))
	ip := header.IPv6(pkt)
	ip.Encode(&header.IPv6Fields{
		PayloadLength:     udpLen,
		TransportProtocol: udp.ProtocolNumber,
		HopLimit:          64,
		SrcAddr:           srcAddr,
		DstAddr:           dstAddr,
	})

	u := header.UDP(pkt[header.IPv6MinimumSize:])
	u.Encode(&header.UDPFields{
		SrcPort: src.Port(),
		DstPort: dst.Port(),
		Length:  udpLen,
	})
	copy(u.Payload(), payload)

	xsum := header.PseudoHeaderChecksum(udp.ProtocolNumber, srcAddr, dstAddr, udpLen)
	u.SetChecksum(^u.CalculateChecksum(checksum.Checksum(payload, xsum)))
	return pkt
}
