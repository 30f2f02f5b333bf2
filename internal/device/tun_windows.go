//go:build windows

package device

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/windows"
	"golang.zx2c4.com/wintun"

	"tungate/internal/core"
)

const defaultTunName = "TunGate"

const (
	adapterType  = "TunGate"
	ringCapacity = 0x800000 // 8 MiB send/receive rings
	tunMetric    = 5
)

// winTUN wraps a WinTUN adapter session. Packets cross the session rings
// without extra framing.
type winTUN struct {
	wt       *wintun.Adapter
	session  wintun.Session
	readWait windows.Handle
	luid     uint64
	name     string
	mtu      int
}

func openTun(p tunParams) (Device, error) {
	// Fixed GUID keeps the adapter identity (and thus its interface index)
	// stable across restarts.
	guid := windows.GUID{
		Data1: 0x54756E47,
		Data2: 0x6174,
		Data3: 0x4501,
		Data4: [8]byte{0x8F, 0x2B, 0xC4, 0x11, 0x09, 0x27, 0x63, 0x5A},
	}

	wt, err := wintun.CreateAdapter(p.name, adapterType, &guid)
	if err != nil {
		return nil, fmt.Errorf("[Device] create adapter: %w", err)
	}

	session, err := wt.StartSession(ringCapacity)
	if err != nil {
		wt.Close()
		return nil, fmt.Errorf("[Device] start session: %w", err)
	}

	d := &winTUN{
		wt:       wt,
		session:  session,
		readWait: session.ReadWaitEvent(),
		luid:     wt.LUID(),
		name:     p.name,
		mtu:      p.mtu,
	}

	if err := d.assignIP(p); err != nil {
		session.End()
		wt.Close()
		return nil, fmt.Errorf("[Device] assign IP: %w", err)
	}
	if err := d.setMetricAndMTU(); err != nil {
		core.Log.Warnf("Device", "Failed to set metric/MTU: %v", err)
	}

	core.Log.Infof("Device", "Adapter %q created (addr=%s/%d, LUID=0x%x)", p.name, p.addr, p.prefixLen, d.luid)
	return d, nil
}

// fromFD has no meaning for WinTUN sessions.
func fromFD(fd, mtu int) (Device, error) {
	return nil, errors.New("[Device] raw descriptor mode is not supported on windows")
}

// ReadPacket reads one IP packet into buf. Blocks on the session's read-wait
// event until a packet arrives or the session ends.
func (d *winTUN) ReadPacket(buf []byte) (int, error) {
	for {
		pkt, err := d.session.ReceivePacket()
		if err == nil {
			n := copy(buf, pkt)
			d.session.ReleaseReceivePacket(pkt)
			return n, nil
		}
		// ERROR_NO_MORE_ITEMS means the ring is empty; wait for data.
		if errno, ok := err.(windows.Errno); ok && errno == windows.ERROR_NO_MORE_ITEMS {
			r, _ := windows.WaitForSingleObject(d.readWait, windows.INFINITE)
			if r != windows.WAIT_OBJECT_0 {
				return 0, fmt.Errorf("[Device] read wait failed: %d", r)
			}
			continue
		}
		return 0, fmt.Errorf("[Device] receive: %w", err)
	}
}

// WritePacket writes one IP packet, retrying once after a yield when the
// ring is momentarily full.
func (d *winTUN) WritePacket(pkt []byte) error {
	buf, err := d.session.AllocateSendPacket(len(pkt))
	if err != nil {
		runtime.Gosched()
		buf, err = d.session.AllocateSendPacket(len(pkt))
		if err != nil {
			return fmt.Errorf("[Device] write: %w", err)
		}
	}
	copy(buf, pkt)
	d.session.SendPacket(buf)
	return nil
}

func (d *winTUN) MTU() int { return d.mtu }

func (d *winTUN) Name() string { return d.name }

func (d *winTUN) Close() error {
	d.session.End()
	d.wt.Close()
	return nil
}

// ---------------------------------------------------------------------------
// IP configuration via iphlpapi.dll
// ---------------------------------------------------------------------------

var (
	modIPHlpAPI = windows.NewLazySystemDLL("iphlpapi.dll")

	procInitializeUnicastIpAddressEntry = modIPHlpAPI.NewProc("InitializeUnicastIpAddressEntry")
	procCreateUnicastIpAddressEntry     = modIPHlpAPI.NewProc("CreateUnicastIpAddressEntry")
	procGetIpInterfaceEntry             = modIPHlpAPI.NewProc("GetIpInterfaceEntry")
	procSetIpInterfaceEntry             = modIPHlpAPI.NewProc("SetIpInterfaceEntry")
)

// MIB_UNICASTIPADDRESS_ROW (simplified for IPv4).
// Size: 80 bytes on x64. Fields are poked at known offsets.
//
// Layout:
//
//	 0:  SOCKADDR_INET   Address            (28 + 4 pad = 32)
//	     0: si_family (2), 2: sin_port (2), 4: sin_addr (4)
//	32:  NET_LUID        InterfaceLuid      (8)
//	40:  NET_IFINDEX     InterfaceIndex     (4)
//	44:  NL_PREFIX_ORIGIN PrefixOrigin      (4)
//	48:  NL_SUFFIX_ORIGIN SuffixOrigin      (4)
//	52:  ULONG           ValidLifetime      (4)
//	56:  ULONG           PreferredLifetime  (4)
//	60:  UINT8           OnLinkPrefixLength (1)
//	61:  BOOLEAN         SkipAsSource       (1 + 2 pad)
//	64:  NL_DAD_STATE    DadState           (4)
//	68:  SCOPE_ID        ScopeId            (4)
//	72:  LARGE_INTEGER   CreationTimeStamp  (8)
type mibUnicastIPAddressRow struct {
	data [80]byte
}

const (
	unicastAddrFamily      = 0  // si_family (AF_INET = 2)
	unicastAddr            = 4  // sin_addr offset within SOCKADDR_INET
	unicastInterfaceLUID   = 32 // NET_LUID
	unicastPrefixOrigin    = 44 // NL_PREFIX_ORIGIN
	unicastSuffixOrigin    = 48 // NL_SUFFIX_ORIGIN
	unicastOnLinkPrefixLen = 60 // UINT8
	unicastDadState        = 64 // NL_DAD_STATE
)

func (d *winTUN) assignIP(p tunParams) error {
	var row mibUnicastIPAddressRow
	procInitializeUnicastIpAddressEntry.Call(uintptr(unsafe.Pointer(&row)))

	*(*uint16)(unsafe.Pointer(&row.data[unicastAddrFamily])) = windows.AF_INET
	ip4 := p.addr.As4()
	copy(row.data[unicastAddr:unicastAddr+4], ip4[:])

	*(*uint64)(unsafe.Pointer(&row.data[unicastInterfaceLUID])) = d.luid
	// Prefix and suffix origin: Manual (1).
	*(*int32)(unsafe.Pointer(&row.data[unicastPrefixOrigin])) = 1
	*(*int32)(unsafe.Pointer(&row.data[unicastSuffixOrigin])) = 1
	row.data[unicastOnLinkPrefixLen] = byte(p.prefixLen)
	// DadState: Preferred (4).
	*(*int32)(unsafe.Pointer(&row.data[unicastDadState])) = 4

	r, _, _ := procCreateUnicastIpAddressEntry.Call(uintptr(unsafe.Pointer(&row)))
	if r != 0 && r != 0x80071392 { // ERROR_OBJECT_ALREADY_EXISTS
		return fmt.Errorf("CreateUnicastIpAddressEntry failed: 0x%x", r)
	}
	return nil
}

// MIB_IPINTERFACE_ROW (x64). 256-byte buffer for forward compatibility.
//
// Key offsets:
//
//	  0:  ADDRESS_FAMILY  Family             (2 + 6 pad)
//	  8:  NET_LUID        InterfaceLuid      (8)
//	 16:  NET_IFINDEX     InterfaceIndex     (4)
//	 44:  BOOLEAN         UseAutomaticMetric
//	148:  ULONG           Metric
//	152:  ULONG           NlMtu
type mibIPInterfaceRow struct {
	data [256]byte
}

const (
	ipIfFamily        = 0
	ipIfLUID          = 8
	ipIfUseAutometric = 44
	ipIfMetric        = 148
	ipIfNlMtu         = 152
)

func (d *winTUN) setMetricAndMTU() error {
	var row mibIPInterfaceRow
	*(*uint16)(unsafe.Pointer(&row.data[ipIfFamily])) = windows.AF_INET
	*(*uint64)(unsafe.Pointer(&row.data[ipIfLUID])) = d.luid

	r, _, _ := procGetIpInterfaceEntry.Call(uintptr(unsafe.Pointer(&row)))
	if r != 0 {
		return fmt.Errorf("GetIpInterfaceEntry failed: 0x%x", r)
	}

	row.data[ipIfUseAutometric] = 0
	*(*uint32)(unsafe.Pointer(&row.data[ipIfMetric])) = tunMetric
	*(*uint32)(unsafe.Pointer(&row.data[ipIfNlMtu])) = uint32(d.mtu)

	r, _, _ = procSetIpInterfaceEntry.Call(uintptr(unsafe.Pointer(&row)))
	if r != 0 {
		return fmt.Errorf("SetIpInterfaceEntry failed: 0x%x", r)
	}
	return nil
}
