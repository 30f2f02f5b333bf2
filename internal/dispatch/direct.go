package dispatch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"tungate/internal/core"
	"tungate/internal/session"
)

// Direct dials session destinations on the host's routing table. Domain
// destinations resolve through the system resolver.
type Direct struct {
	dialer net.Dialer
}

// NewDirect creates the direct dispatcher.
func NewDirect() *Direct {
	return &Direct{
		dialer: net.Dialer{Timeout: 10 * time.Second},
	}
}

// dialAddr renders a SocksAddr for net dialing.
func dialAddr(a session.SocksAddr) string {
	if a.IsDomain() {
		return net.JoinHostPort(a.Domain(), strconv.Itoa(int(a.Port())))
	}
	return a.IP().String()
}

// ---------------------------------------------------------------------------
// TCP
// ---------------------------------------------------------------------------

// DispatchTCP relays the accepted connection to the session destination.
func (d *Direct) DispatchTCP(ctx context.Context, sess *session.Session, conn net.Conn) {
	go d.relayTCP(ctx, sess, conn)
}

func (d *Direct) relayTCP(ctx context.Context, sess *session.Session, conn net.Conn) {
	defer conn.Close()

	remote, err := d.dialer.DialContext(ctx, "tcp", dialAddr(sess.Destination))
	if err != nil {
		core.Log.Warnf("Dispatch", "TCP dial %s: %v", sess.Destination, err)
		return
	}
	defer remote.Close()

	core.Log.Debugf("Dispatch", "TCP %s relayed via %s", sess, remote.LocalAddr())

	errc := make(chan error, 2)
	go func() {
		_, err := io.Copy(remote, conn)
		errc <- err
	}()
	go func() {
		_, err := io.Copy(conn, remote)
		errc <- err
	}()
	// First direction to finish wins; the deferred closes abort the other.
	if err := <-errc; err != nil {
		core.Log.Debugf("Dispatch", "TCP %s ended: %v", sess, err)
	}
}

// ---------------------------------------------------------------------------
// UDP
// ---------------------------------------------------------------------------

// DialUDP opens an unconnected socket for the session. The OS assigns the
// local port; one socket serves every destination the flow talks to.
func (d *Direct) DialUDP(ctx context.Context, sess *session.Session) (UDPTransport, error) {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("[Dispatch] udp socket for %s: %w", sess.Source, err)
	}
	return &directUDP{
		conn:     conn,
		resolved: make(map[string]netip.AddrPort),
		assoc:    make(map[netip.AddrPort]session.SocksAddr),
	}, nil
}

// directUDP sends to resolved destinations and remembers which real endpoint
// each domain destination resolved to. Replies from a remembered endpoint
// are reported with the domain as their source, which the pipeline needs to
// restore the synthetic IP on the downlink.
type directUDP struct {
	conn *net.UDPConn

	mu       sync.Mutex
	resolved map[string]netip.AddrPort         // "domain:port" → endpoint
	assoc    map[netip.AddrPort]session.SocksAddr // endpoint → domain address
}

func (t *directUDP) WriteTo(p []byte, dst session.SocksAddr) error {
	ep, err := t.endpoint(dst)
	if err != nil {
		return err
	}
	if _, err := t.conn.WriteToUDPAddrPort(p, ep); err != nil {
		return fmt.Errorf("[Dispatch] udp write to %s: %w", dst, err)
	}
	return nil
}

func (t *directUDP) ReadFrom(p []byte) (int, session.SocksAddr, error) {
	n, ep, err := t.conn.ReadFromUDPAddrPort(p)
	if err != nil {
		return 0, session.SocksAddr{}, err
	}
	// Dual-stack sockets report IPv4 peers as 4-in-6 mapped addresses.
	ep = netip.AddrPortFrom(ep.Addr().Unmap(), ep.Port())
	t.mu.Lock()
	src, ok := t.assoc[ep]
	t.mu.Unlock()
	if !ok {
		src = session.AddrFromIP(ep)
	}
	return n, src, nil
}

func (t *directUDP) Close() error {
	return t.conn.Close()
}

// endpoint resolves dst to a concrete endpoint, caching domain lookups for
// the lifetime of the flow.
func (t *directUDP) endpoint(dst session.SocksAddr) (netip.AddrPort, error) {
	if dst.IsIP() {
		return dst.IP(), nil
	}

	key := dst.String()
	t.mu.Lock()
	ep, ok := t.resolved[key]
	t.mu.Unlock()
	if ok {
		return ep, nil
	}

	ua, err := net.ResolveUDPAddr("udp", dialAddr(dst))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("[Dispatch] resolve %s: %w", dst, err)
	}
	ep = ua.AddrPort()
	ep = netip.AddrPortFrom(ep.Addr().Unmap(), ep.Port())

	t.mu.Lock()
	t.resolved[key] = ep
	t.assoc[ep] = dst
	t.mu.Unlock()
	return ep, nil
}
