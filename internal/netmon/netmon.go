// Package netmon watches the host's primary IPv4 address and reports
// when it changes (Wi-Fi roam, cable swap, VPN up/down). The session
// reacts by re-announcing itself so peers relearn its address quickly
// instead of waiting out liveness timeouts.
package netmon

import "net"

// Change describes one observed migration of the primary address.
type Change struct {
	Old net.IP
	New net.IP
}

// primaryAddress returns the first non-loopback IPv4 address on the
// system.
func primaryAddress() (net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	for _, addr := range addrs {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		default:
			continue
		}
		if ip != nil && !ip.IsLoopback() && ip.To4() != nil {
			return ip, nil
		}
	}
	return nil, errNoAddress
}
