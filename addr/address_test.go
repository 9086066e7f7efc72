package addr

import (
	"context"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURLRoundTrip(t *testing.T) {
	cases := []string{
		"tcp://127.0.0.1:80",
		"tcp://[::1]:80",
		"unix:///var/run/app.sock",
		"ip://10.0.0.1:24#utun0",
	}
	for _, s := range cases {
		t.Run(s, func(t *testing.T) {
			a, err := ParseURL(s)
			require.NoError(t, err)
			assert.Equal(t, s, a.ToURL())
		})
	}
}

func TestParseURLBareHostPortDefaultsToTCP(t *testing.T) {
	a, err := ParseURL("www.b.com:43")
	require.NoError(t, err)
	assert.Equal(t, TCP, a.Network)
	assert.Equal(t, "www.b.com", a.Host)
	assert.EqualValues(t, 43, a.Port)
}

func TestParseURLNameAndSocketFragment(t *testing.T) {
	a, err := ParseURL("tcp://127.0.0.1:80#www.b.com")
	require.NoError(t, err)
	assert.True(t, a.HasIP())
	assert.True(t, a.HasHost())
	assert.Equal(t, "www.b.com", a.Host)
	assert.Equal(t, netip.MustParseAddr("127.0.0.1"), a.IP)
}

func TestSocketAddrPort(t *testing.T) {
	a := NewSocket(TCP, netip.MustParseAddr("1.2.3.4"), 443)
	sa, ok := a.SocketAddrPort()
	require.True(t, ok)
	assert.Equal(t, "1.2.3.4:443", sa.String())

	name := NewHostName(TCP, "example.com", 443)
	_, ok = name.SocketAddrPort()
	assert.False(t, ok)
}

func TestResolveViaPrefersLiteralIP(t *testing.T) {
	a := NewSocket(TCP, netip.MustParseAddr("9.9.9.9"), 53)
	sa, err := a.ResolveVia(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "9.9.9.9:53", sa.String())
}

func TestAddressComparable(t *testing.T) {
	a := NewHostName(TCP, "www.b.com", 43)
	b := NewHostName(TCP, "www.b.com", 43)
	assert.Equal(t, a, b)
	m := map[Address]int{a: 1}
	assert.Equal(t, 1, m[b])
}
