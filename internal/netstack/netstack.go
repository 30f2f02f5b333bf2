// Package netstack embeds a gvisor TCP/IP stack behind a channel link
// endpoint. Raw packets from the device go in through WritePacket; flows the
// stack terminates come out as accepted TCP connections and UDP datagrams;
// packets the stack (or InjectUDP) produces for the device come out through
// ReadPacket.
package netstack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"

	"tungate/internal/core"
	"tungate/internal/gateway"
	"tungate/internal/session"
)

const (
	nicID         = 1
	acceptBacklog = 64
)

// ErrStackClosed is returned by every blocking method once Close has run.
var ErrStackClosed = errors.New("[Netstack] stack is closed")

// Config tunes the embedded stack. Zero values pick the defaults.
type Config struct {
	MTU            uint32
	QueueSize      int // channel endpoint depth, shared by the outbound queue
	MaxTCPInFlight int // TCP handshakes in progress before SYNs are dropped
	UDPIdleTimeout time.Duration
	DNSIdleTimeout time.Duration // flows to port 53 idle out faster
}

func (c Config) withDefaults() Config {
	if c.MTU == 0 {
		c.MTU = 1500
	}
	if c.QueueSize == 0 {
		c.QueueSize = 512
	}
	if c.MaxTCPInFlight == 0 {
		c.MaxTCPInFlight = 2048
	}
	if c.UDPIdleTimeout == 0 {
		c.UDPIdleTimeout = 2 * time.Minute
	}
	if c.DNSIdleTimeout == 0 {
		c.DNSIdleTimeout = 10 * time.Second
	}
	return c
}

// Stack is the embedded IP stack. All methods are safe for concurrent use;
// blocking methods unblock with ErrStackClosed once Close runs.
type Stack struct {
	cfg Config

	stack *stack.Stack
	ep    *channel.Endpoint

	// outbound merges packets the stack transmits with injected datagrams.
	outbound  chan []byte
	accepts   chan gateway.TCPConn
	datagrams chan session.Datagram

	mu     sync.Mutex // guards closed and serializes inbound injection
	closed bool
	done   chan struct{}

	flowMu sync.Mutex
	flows  map[stack.TransportEndpointID]*gonet.UDPConn

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds and starts a stack. The returned stack routes every address on
// its single NIC, so it terminates whatever flows the device delivers.
func New(cfg Config) (*Stack, error) {
	cfg = cfg.withDefaults()

	ns := &Stack{
		cfg:       cfg,
		outbound:  make(chan []byte, cfg.QueueSize),
		accepts:   make(chan gateway.TCPConn, acceptBacklog),
		datagrams: make(chan session.Datagram, cfg.QueueSize),
		done:      make(chan struct{}),
		flows:     make(map[stack.TransportEndpointID]*gonet.UDPConn),
	}

	ns.ep = channel.New(cfg.QueueSize, cfg.MTU, "")
	ns.stack = stack.New(stack.Options{
		NetworkProtocols: []stack.NetworkProtocolFactory{
			ipv4.NewProtocol,
			ipv6.NewProtocol,
		},
		TransportProtocols: []stack.TransportProtocolFactory{
			tcp.NewProtocol,
			udp.NewProtocol,
			icmp.NewProtocol4,
			icmp.NewProtocol6,
		},
	})

	sackEnabled := tcpip.TCPSACKEnabled(true)
	if err := ns.stack.SetTransportProtocolOption(tcp.ProtocolNumber, &sackEnabled); err != nil {
		return nil, fmt.Errorf("[Netstack] enable SACK: %s", err)
	}

	// Forwarders must be in place before the NIC exists, otherwise early
	// packets race past them.
	tcpFwd := tcp.NewForwarder(ns.stack, 0, cfg.MaxTCPInFlight, ns.handleTCP)
	ns.stack.SetTransportProtocolHandler(tcp.ProtocolNumber, tcpFwd.HandlePacket)
	udpFwd := udp.NewForwarder(ns.stack, ns.handleUDP)
	ns.stack.SetTransportProtocolHandler(udp.ProtocolNumber, udpFwd.HandlePacket)

	if err := ns.stack.CreateNIC(nicID, ns.ep); err != nil {
		return nil, fmt.Errorf("[Netstack] create NIC: %s", err)
	}
	// Accept packets for any destination and answer from any source; the
	// forwarders terminate flows the NIC holds no address for.
	if err := ns.stack.SetPromiscuousMode(nicID, true); err != nil {
		return nil, fmt.Errorf("[Netstack] set promiscuous mode: %s", err)
	}
	if err := ns.stack.SetSpoofing(nicID, true); err != nil {
		return nil, fmt.Errorf("[Netstack] set spoofing: %s", err)
	}
	ns.stack.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: nicID},
		{Destination: header.IPv6EmptySubnet, NIC: nicID},
	})

	var ctx context.Context
	ctx, ns.cancel = context.WithCancel(context.Background())
	ns.wg.Add(1)
	go ns.drainLoop(ctx)

	core.Log.Infof("Netstack", "Stack up, MTU %d", cfg.MTU)
	return ns, nil
}

// drainLoop moves packets the stack transmits onto the outbound queue.
func (ns *Stack) drainLoop(ctx context.Context) {
	defer ns.wg.Done()
	for {
		pkt := ns.ep.ReadContext(ctx)
		if pkt == nil {
			return
		}
		data := append([]byte(nil), pkt.ToView().AsSlice()...)
		pkt.DecRef()

		select {
		case ns.outbound <- data:
		case <-ns.done:
			return
		}
	}
}

// ReadPacket returns the next packet destined for the device.
func (ns *Stack) ReadPacket() ([]byte, error) {
	select {
	case pkt := <-ns.outbound:
		return pkt, nil
	case <-ns.done:
		return nil, ErrStackClosed
	}
}

// WritePacket feeds one raw IP packet from the device into the stack. The
// buffer is copied, so callers may reuse it. Packets that are neither IPv4
// nor IPv6 are dropped without error.
func (ns *Stack) WritePacket(pkt []byte) error {
	if len(pkt) == 0 {
		return nil
	}
	var proto tcpip.NetworkProtocolNumber
	switch header.IPVersion(pkt) {
	case header.IPv4Version:
		proto = header.IPv4ProtocolNumber
	case header.IPv6Version:
		proto = header.IPv6ProtocolNumber
	default:
		return nil
	}

	data := append([]byte(nil), pkt...)
	pb := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(data),
	})

	ns.mu.Lock()
	if ns.closed {
		ns.mu.Unlock()
		pb.DecRef()
		return ErrStackClosed
	}
	ns.ep.InjectInbound(proto, pb)
	ns.mu.Unlock()
	pb.DecRef()
	return nil
}

// AcceptTCP returns the next TCP connection the stack terminated.
func (ns *Stack) AcceptTCP() (gateway.TCPConn, error) {
	select {
	case c := <-ns.accepts:
		return c, nil
	case <-ns.done:
		return nil, ErrStackClosed
	}
}

// ReadDatagram returns the next uplink UDP datagram.
func (ns *Stack) ReadDatagram() (session.Datagram, error) {
	select {
	case dg := <-ns.datagrams:
		return dg, nil
	case <-ns.done:
		return session.Datagram{}, ErrStackClosed
	}
}

// Close tears the stack down and unblocks every pending call. Safe to call
// more than once.
func (ns *Stack) Close() error {
	ns.mu.Lock()
	if ns.closed {
		ns.mu.Unlock()
		return nil
	}
	ns.closed = true
	close(ns.done)
	ns.mu.Unlock()

	ns.cancel()

	ns.flowMu.Lock()
	for _, conn := range ns.flows {
		conn.Close()
	}
	ns.flowMu.Unlock()

	ns.stack.Close()
	ns.stack.Wait()
	ns.ep.Close()
	ns.wg.Wait()
	core.Log.Infof("Netstack", "Stack closed")
	return nil
}
