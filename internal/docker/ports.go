package docker

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/moby/moby/api/types/network"
)

// ParsePortSpecs converts short-syntax port mappings
// ("[[host_ip:]host_port:]container_port[/proto]") into the exposed-port set
// and binding map a container create expects.
func ParsePortSpecs(specs []string) (network.PortSet, network.PortMap, error) {
	exposed := make(network.PortSet)
	bindings := make(network.PortMap)

	for _, spec := range specs {
		proto := "tcp"
		rest := spec
		if i := strings.LastIndex(rest, "/"); i >= 0 {
			proto = rest[i+1:]
			rest = rest[:i]
		}
		if proto != "tcp" && proto != "udp" && proto != "sctp" {
			return nil, nil, fmt.Errorf("port %q: unknown protocol %s", spec, proto)
		}

		var hostIP, hostPort, containerPort string
		parts := strings.Split(rest, ":")
		switch len(parts) {
		case 1:
			containerPort = parts[0]
		case 2:
			hostPort, containerPort = parts[0], parts[1]
		case 3:
			hostIP, hostPort, containerPort = parts[0], parts[1], parts[2]
		default:
			return nil, nil, fmt.Errorf("port %q: malformed mapping", spec)
		}
		if containerPort == "" {
			return nil, nil, fmt.Errorf("port %q: missing container port", spec)
		}

		port, err := network.ParsePort(containerPort + "/" + proto)
		if err != nil {
			return nil, nil, fmt.Errorf("port %q: %w", spec, err)
		}
		exposed[port] = struct{}{}

		if hostPort == "" && hostIP == "" {
			continue
		}
		binding := network.PortBinding{HostPort: hostPort}
		if hostIP != "" {
			addr, err := netip.ParseAddr(hostIP)
			if err != nil {
				return nil, nil, fmt.Errorf("port %q: bad host ip: %w", spec, err)
			}
			binding.HostIP = addr
		}
		bindings[port] = append(bindings[port], binding)
	}
	return exposed, bindings, nil
}
