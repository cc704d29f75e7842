package bittorrent

import (
	"testing"

	"github.com/stretchr/testify/require"
	"inet.af/netaddr"
)

var (
	b        = []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}
	expected = "0102030405060708090a0b0c0d0e0f1011121314"
)

func TestPeerID_String(t *testing.T) {
	s := PeerIDFromBytes(b).String()
	require.Equal(t, expected, s)
}

func TestInfoHash_String(t *testing.T) {
	s := InfoHashFromBytes(b).String()
	require.Equal(t, expected, s)
}

func TestPeer_AddressFamily(t *testing.T) {
	v4 := Peer{ID: PeerIDFromBytes(b), AddrPort: netaddr.MustParseIPPort("10.11.12.1:1234")}
	require.Equal(t, IPv4, v4.AddressFamily())

	v6 := Peer{ID: PeerIDFromBytes(b), AddrPort: netaddr.MustParseIPPort("[2001:db8::ff00:42:8329]:1234")}
	require.Equal(t, IPv6, v6.AddressFamily())
}

func TestPeer_Equal(t *testing.T) {
	p1 := Peer{ID: PeerIDFromBytes(b), AddrPort: netaddr.MustParseIPPort("10.11.12.1:1234")}
	p2 := Peer{ID: PeerIDFromBytes(b), AddrPort: netaddr.MustParseIPPort("10.11.12.1:1234")}
	require.True(t, p1.Equal(p2))
	require.True(t, p1.EqualEndpoint(p2))

	p3 := Peer{ID: PeerIDFromBytes(b), AddrPort: netaddr.MustParseIPPort("10.11.12.1:4321")}
	require.False(t, p1.Equal(p3))
	require.False(t, p1.EqualEndpoint(p3))
}
