// Package netutil provides the small amount of local-address enumeration
// the orchestrator needs to tell a receiver app where to pull PCM from.
package netutil

import "net"

// NonLoopbackIPv4Addrs returns the IPv4 addresses of all up, non-loopback
// interfaces on the host. Interface enumeration beyond this (IPv6, explicit
// interface selection) is out of scope per spec.md §1.
func NonLoopbackIPv4Addrs() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var addrs []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		ifaceAddrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, a := range ifaceAddrs {
			var ip net.IP
			switch v := a.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsLoopback() {
				continue
			}
			if v4 := ip.To4(); v4 != nil {
				addrs = append(addrs, v4)
			}
		}
	}

	return addrs, nil
}
