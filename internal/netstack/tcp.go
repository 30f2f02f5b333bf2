package netstack

import (
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/waiter"

	"tungate/internal/core"
	"tungate/internal/gateway"
)

// handleTCP runs on the stack's packet path for each new SYN. CreateEndpoint
// completes the handshake and blocks, so the rest happens on its own
// goroutine.
func (ns *Stack) handleTCP(r *tcp.ForwarderRequest) {
	ns.wg.Add(1)
	go func() {
		defer ns.wg.Done()

		id := r.ID()
		var wq waiter.Queue
		ep, err := r.CreateEndpoint(&wq)
		if err != nil {
			// Sends an RST to the client.
			r.Complete(true)
			core.Log.Debugf("Netstack", "TCP handshake with %s:%d failed: %s", id.RemoteAddress, id.RemotePort, err)
			return
		}
		r.Complete(false)
		ep.SocketOptions().SetKeepAlive(true)

		conn := &tcpConn{
			TCPConn: gonet.NewTCPConn(&wq, ep),
			id:      id,
		}
		select {
		case ns.accepts <- conn:
		case <-ns.done:
			conn.Close()
		}
	}()
}

// tcpConn pairs a gonet connection with the flow identity the forwarder saw.
type tcpConn struct {
	*gonet.TCPConn
	id stack.TransportEndpointID
}

var _ gateway.TCPConn = (*tcpConn)(nil)

// SourceAddrPort returns the client endpoint behind the device.
func (c *tcpConn) SourceAddrPort() netip.AddrPort {
	return netip.AddrPortFrom(addrFromNetstack(c.id.RemoteAddress), c.id.RemotePort)
}

// DestinationAddrPort returns the endpoint the client dialed.
func (c *tcpConn) DestinationAddrPort() netip.AddrPort {
	return netip.AddrPortFrom(addrFromNetstack(c.id.LocalAddress), c.id.LocalPort)
}

func addrFromNetstack(a tcpip.Address) netip.Addr {
	if a.Len() == 4 {
		return netip.AddrFrom4(a.As4())
	}
	return netip.AddrFrom16(a.As16())
}
