// Package session defines the vocabulary shared by the packet pipeline, the
// NAT manager, and the dispatcher: extracted sessions, socks-style addresses
// that may name either an IP endpoint or an unresolved domain, and the UDP
// packet/datagram shapes that flow between the components.
package session

import (
	"fmt"
	"net/netip"
)

// Network is the transport protocol of an extracted session.
type Network int

const (
	TCP Network = iota
	UDP
)

func (n Network) String() string {
	switch n {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	default:
		return "unknown"
	}
}

// ---------------------------------------------------------------------------
// SocksAddr
// ---------------------------------------------------------------------------

// SocksAddr is a destination that is either a concrete IP endpoint or a
// domain name with a port. Fake-DNS rewriting turns IP destinations into
// domain destinations on the uplink and back again on the downlink.
//
// The zero value is an invalid IP address; use AddrFromIP or AddrFromDomain.
type SocksAddr struct {
	ip     netip.AddrPort
	domain string
	port   uint16
}

// AddrFromIP returns a SocksAddr naming a concrete endpoint.
func AddrFromIP(ap netip.AddrPort) SocksAddr {
	return SocksAddr{ip: ap}
}

// AddrFromDomain returns a SocksAddr naming a domain and port.
func AddrFromDomain(domain string, port uint16) SocksAddr {
	return SocksAddr{domain: domain, port: port}
}

// IsIP reports whether the address is a concrete IP endpoint.
func (a SocksAddr) IsIP() bool { return a.domain == "" }

// IsDomain reports whether the address names a domain.
func (a SocksAddr) IsDomain() bool { return a.domain != "" }

// IP returns the endpoint for IP addresses and the zero AddrPort otherwise.
func (a SocksAddr) IP() netip.AddrPort {
	if a.IsDomain() {
		return netip.AddrPort{}
	}
	return a.ip
}

// MustIP returns the endpoint, panicking on domain addresses. Downlink
// destinations are IPs by construction, so the panic marks a pipeline bug.
func (a SocksAddr) MustIP() netip.AddrPort {
	if a.IsDomain() {
		panic("session: MustIP on domain address " + a.String())
	}
	return a.ip
}

// Domain returns the domain name, or "" for IP addresses.
func (a SocksAddr) Domain() string { return a.domain }

// Port returns the port for either address form.
func (a SocksAddr) Port() uint16 {
	if a.IsDomain() {
		return a.port
	}
	return a.ip.Port()
}

// Host returns the domain or the textual IP, without the port.
func (a SocksAddr) Host() string {
	if a.IsDomain() {
		return a.domain
	}
	return a.ip.Addr().String()
}

func (a SocksAddr) String() string {
	if a.IsDomain() {
		return fmt.Sprintf("%s:%d", a.domain, a.port)
	}
	return a.ip.String()
}

// ---------------------------------------------------------------------------
// Session
// ---------------------------------------------------------------------------

// Session describes one extracted flow handed to the dispatcher.
//
// For TCP, Source is the originating endpoint behind the tun device and
// LocalAddr the endpoint it dialed; Destination starts as LocalAddr and may
// be rewritten to a domain when the dialed IP was synthetic.
type Session struct {
	Network     Network
	Source      netip.AddrPort
	LocalAddr   netip.AddrPort
	Destination SocksAddr
	InboundTag  string
}

func (s *Session) String() string {
	return fmt.Sprintf("%s %s -> %s", s.Network, s.Source, s.Destination)
}

// ---------------------------------------------------------------------------
// UDP shapes
// ---------------------------------------------------------------------------

// DatagramSource identifies the origin of a UDP flow. SessionID disambiguates
// flows sharing a source endpoint; the tun pipeline always leaves it zero.
type DatagramSource struct {
	Address   netip.AddrPort
	SessionID uint16
}

// NewDatagramSource returns a source with no disambiguator.
func NewDatagramSource(addr netip.AddrPort) DatagramSource {
	return DatagramSource{Address: addr}
}

func (s DatagramSource) String() string {
	if s.SessionID == 0 {
		return s.Address.String()
	}
	return fmt.Sprintf("%s#%d", s.Address, s.SessionID)
}

// UDPPacket is one datagram crossing the NAT boundary. Uplink packets carry
// Src = the real origin and Dst = the (possibly domain) destination; downlink
// packets carry Src = the recorded remote and Dst = the real origin.
type UDPPacket struct {
	Data []byte
	Src  SocksAddr
	Dst  SocksAddr
}

// Datagram is a raw UDP payload with concrete endpoints, as produced by the
// embedded stack before any fake-DNS interpretation.
type Datagram struct {
	Payload []byte
	Src     netip.AddrPort
	Dst     netip.AddrPort
}
