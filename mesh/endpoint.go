package mesh

import (
	"net"
	"strconv"
	"strings"

	"github.com/ceyewan/meshkit/resolver"
	"github.com/ceyewan/meshkit/xerrors"
)

// splitHostPort 将 "host:port" 拆成 HostPort，纯 host 形式补 defaultPort
func splitHostPort(addr string, defaultPort int) (resolver.HostPort, error) {
	if addr == "" {
		return resolver.HostPort{}, xerrors.New("mesh: empty endpoint")
	}
	if !strings.Contains(addr, ":") {
		return resolver.HostPort{Host: addr, Port: defaultPort}, nil
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return resolver.HostPort{}, xerrors.Wrapf(err, "parse endpoint %q", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return resolver.HostPort{}, xerrors.Wrapf(err, "parse port in %q", addr)
	}
	return resolver.HostPort{Host: host, Port: port}, nil
}
