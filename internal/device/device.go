// Package device opens and configures the OS tun interface and exposes it as
// a raw IP packet reader/writer.
package device

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
)

// Device is an open tun interface carrying raw IP packets, one per call.
type Device interface {
	// ReadPacket reads the next IP packet into buf, returning its length.
	ReadPacket(buf []byte) (int, error)
	// WritePacket writes one IP packet.
	WritePacket(pkt []byte) error
	MTU() int
	Name() string
	Close() error
}

// Options selects how the tun device is obtained. Modes, in precedence
// order: FD >= 0 wraps an existing descriptor; Auto creates an interface
// with library defaults; otherwise every field must be set manually.
type Options struct {
	FD      int
	Auto    bool
	Name    string
	Address string
	Gateway string
	Netmask string
	MTU     int
}

// Defaults used by Auto mode. The interface name default is per-platform.
const (
	DefaultAddress = "10.10.0.2"
	DefaultGateway = "10.10.0.1"
	DefaultNetmask = "255.255.255.0"
	DefaultMTU     = 1500
)

// tunParams is the validated, parsed form of Options handed to the
// platform-specific open functions.
type tunParams struct {
	name      string
	addr      netip.Addr
	gateway   netip.Addr
	netmask   netip.Addr
	prefixLen int
	mtu       int
}

// Open opens a tun device per the options. Errors are fatal to startup;
// there is no partial success.
func Open(opts Options) (Device, error) {
	if opts.FD >= 0 {
		if opts.Auto {
			return nil, errors.New("[Device] fd and auto modes are mutually exclusive")
		}
		mtu := opts.MTU
		if mtu <= 0 {
			mtu = DefaultMTU
		}
		return fromFD(opts.FD, mtu)
	}

	if opts.Auto {
		opts.Name = defaultTunName
		opts.Address = DefaultAddress
		opts.Gateway = DefaultGateway
		opts.Netmask = DefaultNetmask
		opts.MTU = DefaultMTU
	} else {
		for field, val := range map[string]string{
			"name":    opts.Name,
			"address": opts.Address,
			"gateway": opts.Gateway,
			"netmask": opts.Netmask,
		} {
			if val == "" {
				return nil, fmt.Errorf("[Device] manual tun config: %s required", field)
			}
		}
		if opts.MTU <= 0 {
			opts.MTU = DefaultMTU
		}
	}

	params, err := opts.resolve()
	if err != nil {
		return nil, err
	}
	return openTun(params)
}

func (o Options) resolve() (tunParams, error) {
	addr, err := netip.ParseAddr(o.Address)
	if err != nil {
		return tunParams{}, fmt.Errorf("[Device] invalid address %q: %w", o.Address, err)
	}
	gateway, err := netip.ParseAddr(o.Gateway)
	if err != nil {
		return tunParams{}, fmt.Errorf("[Device] invalid gateway %q: %w", o.Gateway, err)
	}
	netmask, err := netip.ParseAddr(o.Netmask)
	if err != nil {
		return tunParams{}, fmt.Errorf("[Device] invalid netmask %q: %w", o.Netmask, err)
	}
	if !addr.Is4() || !gateway.Is4() || !netmask.Is4() {
		return tunParams{}, errors.New("[Device] address, gateway and netmask must be IPv4")
	}
	ones, bits := net.IPMask(netmask.AsSlice()).Size()
	if ones == 0 && bits == 0 {
		return tunParams{}, fmt.Errorf("[Device] non-contiguous netmask %q", o.Netmask)
	}
	return tunParams{
		name:      o.Name,
		addr:      addr,
		gateway:   gateway,
		netmask:   netmask,
		prefixLen: ones,
		mtu:       o.MTU,
	}, nil
}
