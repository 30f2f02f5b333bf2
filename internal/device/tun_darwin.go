//go:build darwin

package device

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"tungate/internal/core"
)

const defaultTunName = "utun8"

// utun frames every packet with a 4-byte address-family header.
const utunHeaderSize = 4

// writeBufPool reuses framing buffers across WritePacket calls.
var writeBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 65535+utunHeaderSize)
		return &b
	},
}

// utunDevice is a darwin utun kernel-control socket. The AF header is
// stripped on read and prepended on write so callers see bare IP packets.
type utunDevice struct {
	f       *os.File
	name    string
	mtu     int
	readBuf []byte
}

func openTun(p tunParams) (Device, error) {
	unit, err := utunUnit(p.name)
	if err != nil {
		return nil, err
	}

	fd, name, err := openUtun(unit)
	if err != nil {
		return nil, err
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("[Device] set nonblock: %w", err)
	}
	f := os.NewFile(uintptr(fd), name)

	if err := configureInterface(name, p); err != nil {
		f.Close()
		return nil, err
	}

	core.Log.Infof("Device", "Interface %s up (addr=%s peer=%s mtu=%d)", name, p.addr, p.gateway, p.mtu)
	return &utunDevice{
		f:       f,
		name:    name,
		mtu:     p.mtu,
		readBuf: make([]byte, 65535+utunHeaderSize),
	}, nil
}

// fromFD wraps a utun descriptor opened by a supervising process. The
// descriptor still carries AF framing.
func fromFD(fd, mtu int) (Device, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("[Device] set nonblock on fd %d: %w", fd, err)
	}
	name, err := unix.GetsockoptString(fd, unix.SYSPROTO_CONTROL, utunOptIfname)
	if err != nil {
		name = fmt.Sprintf("fd%d", fd)
	}
	return &utunDevice{
		f:       os.NewFile(uintptr(fd), name),
		name:    name,
		mtu:     mtu,
		readBuf: make([]byte, 65535+utunHeaderSize),
	}, nil
}

// utunUnit converts an interface name ("utunN") to the kernel-control unit
// (N+1). Unit 0 would ask the kernel to pick, but callers always name the
// interface here.
func utunUnit(name string) (uint32, error) {
	num, ok := strings.CutPrefix(name, "utun")
	if !ok {
		return 0, fmt.Errorf("[Device] darwin tun name must be utunN, got %q", name)
	}
	n, err := strconv.Atoi(num)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("[Device] darwin tun name must be utunN, got %q", name)
	}
	return uint32(n) + 1, nil
}

const (
	utunControlName = "com.apple.net.utun_control"
	utunOptIfname   = 2
)

// openUtun performs the kernel-control dance: resolve the utun control ID,
// connect a control socket at the requested unit, then read back the
// interface name the kernel assigned.
func openUtun(unit uint32) (int, string, error) {
	fd, err := unix.Socket(unix.AF_SYSTEM, unix.SOCK_DGRAM, unix.SYSPROTO_CONTROL)
	if err != nil {
		return -1, "", fmt.Errorf("[Device] control socket: %w", err)
	}

	info := &unix.CtlInfo{}
	copy(info.Name[:], utunControlName)
	if err := unix.IoctlCtlInfo(fd, info); err != nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("[Device] resolve %s: %w", utunControlName, err)
	}

	sc := &unix.SockaddrCtl{ID: info.Id, Unit: unit}
	if err := unix.Connect(fd, sc); err != nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("[Device] connect utun unit %d: %w", unit, err)
	}

	name, err := unix.GetsockoptString(fd, unix.SYSPROTO_CONTROL, utunOptIfname)
	if err != nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("[Device] query interface name: %w", err)
	}
	return fd, name, nil
}

// configureInterface assigns the point-to-point addresses and MTU with
// ifconfig, the same tool the system would use.
func configureInterface(name string, p tunParams) error {
	cidr := fmt.Sprintf("%s/%d", p.addr, p.prefixLen)
	if out, err := exec.Command("ifconfig", name, "inet", cidr, p.gateway.String(), "up").CombinedOutput(); err != nil {
		return fmt.Errorf("[Device] ifconfig %s inet %s: %s: %w", name, cidr, strings.TrimSpace(string(out)), err)
	}
	if out, err := exec.Command("ifconfig", name, "mtu", strconv.Itoa(p.mtu)).CombinedOutput(); err != nil {
		return fmt.Errorf("[Device] ifconfig %s mtu: %s: %w", name, strings.TrimSpace(string(out)), err)
	}
	return nil
}

func (d *utunDevice) ReadPacket(buf []byte) (int, error) {
	n, err := d.f.Read(d.readBuf)
	if err != nil {
		return 0, fmt.Errorf("[Device] read: %w", err)
	}
	if n <= utunHeaderSize {
		return 0, nil
	}
	return copy(buf, d.readBuf[utunHeaderSize:n]), nil
}

func (d *utunDevice) WritePacket(pkt []byte) error {
	if len(pkt) == 0 {
		return nil
	}

	// AF header from the IP version nibble.
	af := byte(unix.AF_INET)
	if pkt[0]>>4 == 6 {
		af = byte(unix.AF_INET6)
	}

	bp := writeBufPool.Get().(*[]byte)
	b := append((*bp)[:0], 0, 0, 0, af)
	b = append(b, pkt...)
	_, err := d.f.Write(b)
	*bp = b
	writeBufPool.Put(bp)

	if err != nil {
		return fmt.Errorf("[Device] write: %w", err)
	}
	return nil
}

func (d *utunDevice) MTU() int { return d.mtu }

func (d *utunDevice) Name() string { return d.name }

func (d *utunDevice) Close() error { return d.f.Close() }
