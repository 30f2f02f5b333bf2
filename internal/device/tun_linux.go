//go:build linux

package device

import (
	"fmt"
	"net/netip"
	"os"
	"runtime"

	"golang.org/x/sys/unix"

	"tungate/internal/core"
)

const defaultTunName = "tun0"

// linuxTUN is a /dev/net/tun device in IFF_TUN|IFF_NO_PI mode: reads and
// writes carry bare IP packets with no extra framing.
type linuxTUN struct {
	f    *os.File
	name string
	mtu  int
}

func openTun(p tunParams) (Device, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("[Device] open /dev/net/tun: %w", err)
	}

	ifr, err := unix.NewIfreq(p.name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("[Device] interface name %q: %w", p.name, err)
	}
	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("[Device] TUNSETIFF %q: %w", p.name, err)
	}
	name := ifr.Name()

	// Nonblocking + os.NewFile hands the fd to the runtime poller, so Close
	// unblocks a pending ReadPacket.
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("[Device] set nonblock: %w", err)
	}
	f := os.NewFile(uintptr(fd), "/dev/net/tun")

	if err := configureInterface(name, p); err != nil {
		f.Close()
		return nil, err
	}

	core.Log.Infof("Device", "Interface %s up (addr=%s peer=%s mtu=%d)", name, p.addr, p.gateway, p.mtu)
	return &linuxTUN{f: f, name: name, mtu: p.mtu}, nil
}

// fromFD wraps a tun descriptor opened by a supervising process.
func fromFD(fd, mtu int) (Device, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("[Device] set nonblock on fd %d: %w", fd, err)
	}
	f := os.NewFile(uintptr(fd), "tun")
	if f == nil {
		return nil, fmt.Errorf("[Device] invalid descriptor %d", fd)
	}
	return &linuxTUN{f: f, name: fmt.Sprintf("fd%d", fd), mtu: mtu}, nil
}

// configureInterface assigns address, peer, netmask and MTU and brings the
// interface up via SIOC* ioctls on an AF_INET control socket. The netmask
// step is skipped on mips targets, whose kernels reject SIOCSIFNETMASK on
// point-to-point tun interfaces.
func configureInterface(name string, p tunParams) error {
	s, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("[Device] control socket: %w", err)
	}
	defer unix.Close(s)

	setAddr := func(req uint, addr netip.Addr, what string) error {
		ifr, err := unix.NewIfreq(name)
		if err != nil {
			return fmt.Errorf("[Device] set %s: %w", what, err)
		}
		a4 := addr.As4()
		if err := ifr.SetInet4Addr(a4[:]); err != nil {
			return fmt.Errorf("[Device] set %s: %w", what, err)
		}
		if err := unix.IoctlIfreq(s, req, ifr); err != nil {
			return fmt.Errorf("[Device] set %s: %w", what, err)
		}
		return nil
	}

	if err := setAddr(unix.SIOCSIFADDR, p.addr, "address"); err != nil {
		return err
	}
	if err := setAddr(unix.SIOCSIFDSTADDR, p.gateway, "peer"); err != nil {
		return err
	}
	switch runtime.GOARCH {
	case "mips", "mipsle", "mips64", "mips64le":
		// netmask left unset
	default:
		if err := setAddr(unix.SIOCSIFNETMASK, p.netmask, "netmask"); err != nil {
			return err
		}
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return fmt.Errorf("[Device] set mtu: %w", err)
	}
	ifr.SetUint32(uint32(p.mtu))
	if err := unix.IoctlIfreq(s, unix.SIOCSIFMTU, ifr); err != nil {
		return fmt.Errorf("[Device] set mtu: %w", err)
	}

	ifr, err = unix.NewIfreq(name)
	if err != nil {
		return fmt.Errorf("[Device] set flags: %w", err)
	}
	if err := unix.IoctlIfreq(s, unix.SIOCGIFFLAGS, ifr); err != nil {
		return fmt.Errorf("[Device] get flags: %w", err)
	}
	ifr.SetUint16(ifr.Uint16() | unix.IFF_UP | unix.IFF_RUNNING)
	if err := unix.IoctlIfreq(s, unix.SIOCSIFFLAGS, ifr); err != nil {
		return fmt.Errorf("[Device] set flags: %w", err)
	}
	return nil
}

func (d *linuxTUN) ReadPacket(buf []byte) (int, error) {
	n, err := d.f.Read(buf)
	if err != nil {
		return 0, fmt.Errorf("[Device] read: %w", err)
	}
	return n, nil
}

func (d *linuxTUN) WritePacket(pkt []byte) error {
	if _, err := d.f.Write(pkt); err != nil {
		return fmt.Errorf("[Device] write: %w", err)
	}
	return nil
}

func (d *linuxTUN) MTU() int { return d.mtu }

func (d *linuxTUN) Name() string { return d.name }

func (d *linuxTUN) Close() error { return d.f.Close() }
