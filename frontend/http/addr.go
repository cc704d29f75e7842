package http

import (
	"net"

	"inet.af/netaddr"
)

// netAddrPortFrom converts a standard library net.IP and port into the
// netaddr.IPPort representation bittorrent.Peer requires. An unparsable or
// zero-value IP maps to an invalid IPPort, which the sanitizer rejects.
func netAddrPortFrom(ip net.IP, port uint16) netaddr.IPPort {
	naIP, ok := netaddr.FromStdIP(ip)
	if !ok {
		return netaddr.IPPort{}
	}
	return netaddr.IPPortFrom(naIP, port)
}
