package discovery

import (
	"net"

	"github.com/grandcat/zeroconf"
)

// testEntry is a minimal builder for zeroconf.ServiceEntry values used only
// by this package's tests, avoiding a real mDNS lookup.
type testEntry struct {
	instance string
	port     int
	addrIPv4 []net.IP
	addrIPv6 []net.IP
	txt      []string
	ttl      uint32
}

func (e *testEntry) toZeroconfEntry() *zeroconf.ServiceEntry {
	entry := zeroconf.NewServiceEntry(e.instance, serviceType, domain)
	entry.Port = e.port
	entry.AddrIPv4 = e.addrIPv4
	entry.AddrIPv6 = e.addrIPv6
	entry.Text = e.txt
	entry.TTL = e.ttl
	return entry
}
