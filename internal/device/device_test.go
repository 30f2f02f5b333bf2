package device

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenRejectsFDWithAuto(t *testing.T) {
	_, err := Open(Options{FD: 3, Auto: true})
	require.Error(t, err)
}

func TestOpenRequiresManualFields(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"name", Options{FD: -1, Address: "10.0.0.2", Gateway: "10.0.0.1", Netmask: "255.255.255.0"}},
		{"address", Options{FD: -1, Name: "tun0", Gateway: "10.0.0.1", Netmask: "255.255.255.0"}},
		{"gateway", Options{FD: -1, Name: "tun0", Address: "10.0.0.2", Netmask: "255.255.255.0"}},
		{"netmask", Options{FD: -1, Name: "tun0", Address: "10.0.0.2", Gateway: "10.0.0.1"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Open(tc.opts)
			require.Error(t, err)
		})
	}
}

func TestResolveParsesManualOptions(t *testing.T) {
	opts := Options{
		Name:    "tun9",
		Address: "10.10.0.2",
		Gateway: "10.10.0.1",
		Netmask: "255.255.255.0",
		MTU:     1400,
	}
	p, err := opts.resolve()
	require.NoError(t, err)
	require.Equal(t, "tun9", p.name)
	require.Equal(t, 24, p.prefixLen)
	require.Equal(t, 1400, p.mtu)
	require.Equal(t, "10.10.0.2", p.addr.String())
	require.Equal(t, "10.10.0.1", p.gateway.String())
}

func TestResolveRejectsBadInput(t *testing.T) {
	base := Options{
		Name:    "tun9",
		Address: "10.10.0.2",
		Gateway: "10.10.0.1",
		Netmask: "255.255.255.0",
		MTU:     1500,
	}

	bad := base
	bad.Address = "nope"
	_, err := bad.resolve()
	require.Error(t, err)

	bad = base
	bad.Gateway = "2001:db8::1"
	_, err = bad.resolve()
	require.Error(t, err)

	bad = base
	bad.Netmask = "255.0.255.0"
	_, err = bad.resolve()
	require.Error(t, err)
}
