package gateway

import (
	"context"
	"net"
	"net/netip"

	"tungate/internal/session"
)

// Device is the raw packet source and sink the pipeline pumps, typically a
// tun interface. ReadPacket blocks until one whole IP packet is available and
// both directions must tolerate being unblocked by Close.
type Device interface {
	ReadPacket(buf []byte) (int, error)
	WritePacket(pkt []byte) error
	MTU() int
	Name() string
	Close() error
}

// Stack is the embedded user-space IP stack. It consumes raw packets via
// WritePacket, surfaces extracted flows through AcceptTCP and ReadDatagram,
// and emits packets for the device through ReadPacket. InjectUDP synthesizes
// a datagram as if a remote host had sent it, which is how DNS answers and
// NAT replies find their way back to the client.
type Stack interface {
	ReadPacket() ([]byte, error)
	WritePacket(pkt []byte) error
	AcceptTCP() (TCPConn, error)
	ReadDatagram() (session.Datagram, error)
	InjectUDP(payload []byte, src, dst netip.AddrPort) error
	Close() error
}

// TCPConn is a client connection terminated inside the stack. SourceAddrPort
// is the originating endpoint behind the device; DestinationAddrPort is the
// endpoint the client dialed.
type TCPConn interface {
	net.Conn
	SourceAddrPort() netip.AddrPort
	DestinationAddrPort() netip.AddrPort
}

// Resolver answers DNS queries with synthetic addresses and maps them back.
// HandleQuery returns an error for queries outside its mandate, in which case
// the pipeline forwards the original datagram unanswered.
type Resolver interface {
	SetFilters(include, exclude []string) error
	HandleQuery(query []byte) ([]byte, error)
	IsFakeIP(ip netip.Addr) bool
	DomainForIP(ip netip.Addr) (string, bool)
	IPForDomain(domain string) (netip.Addr, bool)
}

// NATManager forwards uplink datagrams and feeds replies to downlink. Send
// never blocks on network I/O failures; bad packets are dropped inside.
type NATManager interface {
	Send(ctx context.Context, src session.DatagramSource, inboundTag string, downlink chan<- session.UDPPacket, pkt session.UDPPacket)
}
