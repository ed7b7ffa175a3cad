package execution

import (
	"fmt"
	"net/url"
	"strconv"
)

// ContainerHostAlias is the hostname under which a container reaches its host.
const ContainerHostAlias = "host.docker.internal"

// NodeLocation is the address guest code uses to call back into the host node.
type NodeLocation struct {
	Protocol string `json:"protocol" yaml:"protocol"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
}

// DefaultNodeLocation is http://127.0.0.1:9550.
func DefaultNodeLocation() NodeLocation {
	return NodeLocation{Protocol: "http", Host: "127.0.0.1", Port: 9550}
}

// ParseNodeLocation parses protocol://host:port.
func ParseNodeLocation(raw string) (NodeLocation, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return NodeLocation{}, fmt.Errorf("parsing node location %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Hostname() == "" || u.Port() == "" {
		return NodeLocation{}, fmt.Errorf("node location %q must look like protocol://host:port", raw)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil || port <= 0 || port > 65535 {
		return NodeLocation{}, fmt.Errorf("node location %q has an invalid port", raw)
	}
	return NodeLocation{Protocol: u.Scheme, Host: u.Hostname(), Port: port}, nil
}

func (n NodeLocation) String() string {
	return fmt.Sprintf("%s://%s:%d", n.Protocol, n.Host, n.Port)
}

// ForContainer rewrites the host to the container-host alias.
func (n NodeLocation) ForContainer() NodeLocation {
	n.Host = ContainerHostAlias
	return n
}
