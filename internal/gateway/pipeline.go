// Package gateway runs the packet pipeline: raw packets shuttle between the
// device and the embedded stack, and the flows the stack extracts are handed
// to the dispatcher (TCP) or the NAT manager (UDP), with DNS queries answered
// inline from the synthetic address pool.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"tungate/internal/core"
	"tungate/internal/dispatch"
	"tungate/internal/session"
)

const (
	maxPacketSize     = 65535
	downlinkQueueSize = 32
	dnsPort           = 53
	httpsPort         = 443
)

// Config wires a pipeline together. Device, Stack, Resolver, NAT and
// Dispatcher are all required. At most one of the two filter lists may be
// non-empty.
type Config struct {
	Device     Device
	Stack      Stack
	Resolver   Resolver
	NAT        NATManager
	Dispatcher dispatch.Dispatcher

	InboundTag     string
	IncludeDomains []string
	ExcludeDomains []string
}

// Pipeline owns the pumps between one device and one stack.
type Pipeline struct {
	device     Device
	stack      Stack
	resolver   Resolver
	nat        NATManager
	dispatcher dispatch.Dispatcher
	inboundTag string
}

// NewPipeline validates the wiring and installs the resolver filters.
func NewPipeline(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Device == nil:
		return nil, errors.New("[Gateway] no device")
	case cfg.Stack == nil:
		return nil, errors.New("[Gateway] no stack")
	case cfg.Resolver == nil:
		return nil, errors.New("[Gateway] no resolver")
	case cfg.NAT == nil:
		return nil, errors.New("[Gateway] no NAT manager")
	case cfg.Dispatcher == nil:
		return nil, errors.New("[Gateway] no dispatcher")
	}
	if err := cfg.Resolver.SetFilters(cfg.IncludeDomains, cfg.ExcludeDomains); err != nil {
		return nil, err
	}
	tag := cfg.InboundTag
	if tag == "" {
		tag = "tun"
	}
	return &Pipeline{
		device:     cfg.Device,
		stack:      cfg.Stack,
		resolver:   cfg.Resolver,
		nat:        cfg.NAT,
		dispatcher: cfg.Dispatcher,
		inboundTag: tag,
	}, nil
}

// Run pumps until the context is cancelled or any pump fails, then tears the
// pipeline down as a whole. It returns the first error; external cancellation
// surfaces as ctx.Err().
func (p *Pipeline) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	downlink := make(chan session.UDPPacket, downlinkQueueSize)

	errCh := make(chan error, 5)
	var wg sync.WaitGroup
	start := func(pump func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- pump(ctx)
		}()
	}
	start(p.deviceToStack)
	start(p.stackToDevice)
	start(p.acceptLoop)
	start(func(ctx context.Context) error { return p.uplinkLoop(ctx, downlink) })
	start(func(ctx context.Context) error { return p.downlinkLoop(ctx, downlink) })

	core.Log.Infof("Gateway", "Pipeline running on %s", p.device.Name())

	// One pump stopping stops them all; closing the stack and the device
	// unblocks the rest.
	err := <-errCh
	cancel()
	p.stack.Close()
	p.device.Close()
	wg.Wait()
	return err
}

// deviceToStack pumps raw packets from the device into the stack.
func (p *Pipeline) deviceToStack(ctx context.Context) error {
	buf := make([]byte, maxPacketSize)
	for {
		n, err := p.device.ReadPacket(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return fmt.Errorf("[Gateway] device read: %w", err)
		}
		if n == 0 {
			continue
		}
		if err := p.stack.WritePacket(buf[:n]); err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return fmt.Errorf("[Gateway] stack write: %w", err)
		}
	}
}

// stackToDevice pumps stack output back onto the device.
func (p *Pipeline) stackToDevice(ctx context.Context) error {
	for {
		pkt, err := p.stack.ReadPacket()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return fmt.Errorf("[Gateway] stack read: %w", err)
		}
		if err := p.device.WritePacket(pkt); err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return fmt.Errorf("[Gateway] device write: %w", err)
		}
	}
}

func (p *Pipeline) acceptLoop(ctx context.Context) error {
	for {
		conn, err := p.stack.AcceptTCP()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return fmt.Errorf("[Gateway] accept: %w", err)
		}
		p.handleTCP(ctx, conn)
	}
}

// handleTCP rewrites synthetic destinations back to domains and hands the
// connection off. The dispatcher owns the connection from then on.
func (p *Pipeline) handleTCP(ctx context.Context, conn TCPConn) {
	src := conn.SourceAddrPort()
	dst := conn.DestinationAddrPort()

	dest := session.AddrFromIP(dst)
	if p.resolver.IsFakeIP(dst.Addr()) {
		domain, ok := p.resolver.DomainForIP(dst.Addr())
		switch {
		case ok:
			dest = session.AddrFromDomain(domain, dst.Port())
		case dst.Port() == httpsPort:
			// No mapping, likely a stale client DNS cache. TLS carries the
			// server name, so the dispatcher still gets a chance at it.
		default:
			core.Log.Warnf("Gateway", "Dropping TCP to unmapped fake address %s", dst)
			conn.Close()
			return
		}
	}

	sess := &session.Session{
		Network:     session.TCP,
		Source:      src,
		LocalAddr:   dst,
		Destination: dest,
		InboundTag:  p.inboundTag,
	}
	core.Log.Debugf("Gateway", "TCP %s", sess)
	p.dispatcher.DispatchTCP(ctx, sess, conn)
}

func (p *Pipeline) uplinkLoop(ctx context.Context, downlink chan<- session.UDPPacket) error {
	for {
		dg, err := p.stack.ReadDatagram()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return fmt.Errorf("[Gateway] datagram read: %w", err)
		}
		p.handleDatagram(ctx, downlink, dg)
	}
}

// handleDatagram answers eligible DNS queries inline and forwards everything
// else through the NAT manager, rewriting synthetic destinations to domains.
func (p *Pipeline) handleDatagram(ctx context.Context, downlink chan<- session.UDPPacket, dg session.Datagram) {
	if dg.Dst.Port() == dnsPort {
		if reply, err := p.resolver.HandleQuery(dg.Payload); err == nil {
			// Answer locally with the endpoints swapped.
			if err := p.stack.InjectUDP(reply, dg.Dst, dg.Src); err != nil {
				core.Log.Warnf("Gateway", "DNS reply injection failed: %v", err)
			}
			return
		}
		// Not ours to answer; forward like any other datagram.
	}

	dst := session.AddrFromIP(dg.Dst)
	if p.resolver.IsFakeIP(dg.Dst.Addr()) {
		domain, ok := p.resolver.DomainForIP(dg.Dst.Addr())
		if !ok {
			core.Log.Warnf("Gateway", "Dropping UDP to unmapped fake address %s", dg.Dst)
			return
		}
		dst = session.AddrFromDomain(domain, dg.Dst.Port())
	}

	p.nat.Send(ctx, session.NewDatagramSource(dg.Src), p.inboundTag, downlink, session.UDPPacket{
		Data: dg.Payload,
		Src:  session.AddrFromIP(dg.Src),
		Dst:  dst,
	})
}

// downlinkLoop injects NAT replies back into the stack, restoring the
// synthetic source for flows that were dispatched by domain.
func (p *Pipeline) downlinkLoop(ctx context.Context, downlink <-chan session.UDPPacket) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkt := <-downlink:
			var src netip.AddrPort
			if pkt.Src.IsDomain() {
				fake, ok := p.resolver.IPForDomain(pkt.Src.Domain())
				if !ok {
					core.Log.Warnf("Gateway", "No fake address maps %s, dropping reply", pkt.Src.Domain())
					continue
				}
				src = netip.AddrPortFrom(fake, pkt.Src.Port())
			} else {
				src = pkt.Src.MustIP()
			}
			if err := p.stack.InjectUDP(pkt.Data, src, pkt.Dst.MustIP()); err != nil {
				core.Log.Warnf("Gateway", "Reply injection failed: %v", err)
			}
		}
	}
}
