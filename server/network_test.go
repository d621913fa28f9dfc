package server

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTrustedNetworks(t *testing.T) {
	networks, err := ParseTrustedNetworks([]string{"10.0.0.0/8", "192.0.2.7", "2001:db8::1"})
	require.NoError(t, err)
	require.Len(t, networks, 3)

	assert.True(t, IsTrusted(net.ParseIP("10.1.2.3"), networks))
	assert.True(t, IsTrusted(net.ParseIP("192.0.2.7"), networks))
	assert.False(t, IsTrusted(net.ParseIP("192.0.2.8"), networks))
	assert.True(t, IsTrusted(net.ParseIP("2001:db8::1"), networks))
	assert.False(t, IsTrusted(net.ParseIP("2001:db8::2"), networks))

	_, err = ParseTrustedNetworks([]string{"not-an-ip"})
	assert.Error(t, err)
}

func TestDefaultTrustedNetworks(t *testing.T) {
	networks, err := ParseTrustedNetworks(DefaultTrustedNetworks)
	require.NoError(t, err)
	assert.True(t, IsTrusted(net.ParseIP("127.0.0.1"), networks))
	assert.True(t, IsTrusted(net.ParseIP("::1"), networks))
	assert.False(t, IsTrusted(net.ParseIP("8.8.8.8"), networks))
}

func TestRemoteIP(t *testing.T) {
	ip, err := RemoteIP(&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 24})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ip.String())

	ip, err = RemoteIP(&net.UnixAddr{Name: "[::1]:25", Net: "unix"})
	require.NoError(t, err)
	assert.Equal(t, "::1", ip.String())

	_, err = RemoteIP(&net.UnixAddr{Name: "/run/listd.sock", Net: "unix"})
	assert.Error(t, err)
}
