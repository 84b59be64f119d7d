package swarm

import (
	"fmt"
	"net"

	"github.com/huin/goupnp/dcps/internetgateway2"
	natpmp "github.com/jackpal/go-nat-pmp"

	"github.com/ayooooo123/peartube-sub004/log"
)

// natMapper attempts UPnP IGD first, then falls back to NAT-PMP, mirroring
// the order go-ethereum's p2p/nat package tries them in. Both are
// best-effort: failure never blocks SwarmHost.Listen, since a node behind
// symmetric NAT can still reach out to peers even if it can't be dialed
// directly (the overlay's relay/hole-punch story is out of scope per
// spec.md §1).
type natMapper struct {
	log *log.Logger
}

func newNATMapper(l *log.Logger) *natMapper {
	return &natMapper{log: l}
}

// Map requests an external port mapping for the given local TCP port,
// trying UPnP then NAT-PMP.
func (n *natMapper) Map(port int) error {
	if err := n.mapUPnP(port); err == nil {
		n.log.Debug("mapped port via UPnP", "port", port)
		return nil
	}
	if err := n.mapNATPMP(port); err == nil {
		n.log.Debug("mapped port via NAT-PMP", "port", port)
		return nil
	}
	return fmt.Errorf("no UPnP or NAT-PMP gateway responded for port %d", port)
}

func (n *natMapper) mapUPnP(port int) error {
	clients, _, err := internetgateway2.NewWANIPConnection1Clients()
	if err != nil || len(clients) == 0 {
		return fmt.Errorf("no UPnP IGD found: %w", err)
	}
	client := clients[0]
	return client.AddPortMapping(
		"", uint16(port), "TCP", uint16(port), localIPv4(), true,
		"peartube", 0,
	)
}

func (n *natMapper) mapNATPMP(port int) error {
	gw := defaultGateway()
	if gw == nil {
		return fmt.Errorf("no default gateway found")
	}
	client := natpmp.NewClient(gw)
	_, err := client.AddPortMapping("tcp", port, port, 3600)
	return err
}

func localIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				return ip4.String()
			}
		}
	}
	return ""
}

// defaultGateway makes a cheap guess at the LAN gateway by taking the
// local IPv4 address and assuming a .1 router, which is true for the
// overwhelming majority of home NATs go-nat-pmp targets. A production
// node would parse the OS routing table instead.
func defaultGateway() net.IP {
	ip := localIPv4()
	if ip == "" {
		return nil
	}
	parsed := net.ParseIP(ip).To4()
	if parsed == nil {
		return nil
	}
	gw := make(net.IP, 4)
	copy(gw, parsed)
	gw[3] = 1
	return gw
}
