// Package preflight checks that the ports a server needs are free before any
// heavier setup begins.
package preflight

import (
	"net"
	"strconv"

	"github.com/jrepp/prism-embed/pkg/embederr"
)

// MaxPort is the highest valid port number
const MaxPort = 65535

// IsAvailable reports whether port can be bound for both TCP and UDP on all
// interfaces. Every socket opened for the probe is closed before returning,
// on every path.
func IsAvailable(port int) bool {
	addr := net.JoinHostPort("", strconv.Itoa(port))

	tcp, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	defer tcp.Close()

	udp, err := net.ListenPacket("udp", addr)
	if err != nil {
		return false
	}
	defer udp.Close()

	return true
}

// CheckPorts probes each distinct port in order and fails on the first one
// that is out of range or already bound.
func CheckPorts(ports ...int) error {
	seen := make(map[int]bool, len(ports))
	for _, port := range ports {
		if seen[port] {
			continue
		}
		seen[port] = true

		if port < 1 || port > MaxPort {
			return embederr.Configuration("Port %d is out of range", port).
				WithContext("port", port).
				WithSuggestion("Use a port between 1 and 65535")
		}
		if !IsAvailable(port) {
			return embederr.PortUnavailable(port)
		}
	}
	return nil
}
