package transport

import (
	"fmt"
	"net"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"
)

// NATManager performs external UDP port mapping via NAT-PMP or UPnP, so
// peers outside this node's LAN can reach its QUIC listener. This is
// distinct from internal/address's opaque global-address translation —
// this package only ever maps concrete UDP ports on the gateway.
type NATManager struct {
	ip         net.IP
	pmp        *natpmp.Client
	upnp       *internetgateway1.WANIPConnection1
	mappedPort int
}

// NewNATManager discovers the gateway and its external IP, preferring
// NAT-PMP and falling back to UPnP IGDv1.
func NewNATManager() (*NATManager, error) {
	m := &NATManager{}
	if gw, err := gateway.DiscoverGateway(); err == nil {
		m.pmp = natpmp.NewClient(gw)
		if res, err := m.pmp.GetExternalAddress(); err == nil {
			m.ip = net.IPv4(res.ExternalIPAddress[0], res.ExternalIPAddress[1], res.ExternalIPAddress[2], res.ExternalIPAddress[3])
		}
	}
	if m.ip == nil {
		if clients, _, err := internetgateway1.NewWANIPConnection1Clients(); err == nil && len(clients) > 0 {
			m.upnp = clients[0]
			if ipStr, err := m.upnp.GetExternalIPAddress(); err == nil {
				m.ip = net.ParseIP(ipStr)
			}
		}
	}
	if m.ip == nil {
		return nil, fmt.Errorf("transport: nat gateway not found")
	}
	return m, nil
}

// ExternalIP returns the detected public IP address.
func (m *NATManager) ExternalIP() net.IP { return m.ip }

// MapUDP opens the given UDP port (QUIC runs over UDP, unlike the
// teacher's original TCP-oriented mapping) on the gateway.
func (m *NATManager) MapUDP(port int) error {
	if m.pmp != nil {
		if _, err := m.pmp.AddPortMapping("udp", port, port, 3600); err == nil {
			m.mappedPort = port
			return nil
		}
	}
	if m.upnp != nil {
		if err := m.upnp.AddPortMapping("", uint16(port), "UDP", uint16(port), m.ip.String(), true, "hypermesh", 3600); err == nil {
			m.mappedPort = port
			return nil
		}
	}
	return fmt.Errorf("transport: udp port mapping failed")
}

// Unmap removes the previously mapped port.
func (m *NATManager) Unmap() error {
	if m.mappedPort == 0 {
		return nil
	}
	if m.pmp != nil {
		if _, err := m.pmp.AddPortMapping("udp", m.mappedPort, m.mappedPort, 0); err != nil {
			return err
		}
		m.mappedPort = 0
		return nil
	}
	if m.upnp != nil {
		if err := m.upnp.DeletePortMapping("", uint16(m.mappedPort), "UDP"); err != nil {
			return err
		}
		m.mappedPort = 0
	}
	return nil
}
