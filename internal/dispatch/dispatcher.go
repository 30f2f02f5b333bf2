// Package dispatch hands extracted sessions to outbound transports. The
// pipeline owns session extraction and rewriting; everything from here on
// (resolution of domain destinations included) is outbound policy.
package dispatch

import (
	"context"
	"net"

	"tungate/internal/session"
)

// UDPTransport is one outbound UDP association. WriteTo accepts domain
// destinations; ReadFrom reports the recorded session destination as the
// source for replies belonging to it, so fake-IP flows survive the round
// trip.
type UDPTransport interface {
	WriteTo(p []byte, dst session.SocksAddr) error
	ReadFrom(p []byte) (int, session.SocksAddr, error)
	Close() error
}

// Dispatcher routes extracted sessions outward.
type Dispatcher interface {
	// DispatchTCP takes ownership of conn and relays it to the session
	// destination. It returns immediately; failures are logged, not
	// returned.
	DispatchTCP(ctx context.Context, sess *session.Session, conn net.Conn)

	// DialUDP opens an outbound transport for a UDP session.
	DialUDP(ctx context.Context, sess *session.Session) (UDPTransport, error)
}
