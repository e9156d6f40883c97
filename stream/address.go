//go:build linux || darwin

package stream

import (
	"net"
	"strconv"
	"strings"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/wippyai/capbridge/errors"
	"golang.org/x/sys/unix"
)

// ParseAddress normalizes an address into a network ("tcp", "tcp4",
// "tcp6" or "unix") and a host:port or path.
func ParseAddress(s string) (network, address string, err error) {
	switch {
	case strings.HasPrefix(s, "/"):
		m, err := ma.NewMultiaddr(s)
		if err != nil {
			return "", "", errors.New(errors.PhaseIO, errors.KindInvalidInput).
				Detail("invalid multiaddr %q", s).Cause(err).Build()
		}
		network, address, err := manet.DialArgs(m)
		if err != nil {
			return "", "", errors.New(errors.PhaseIO, errors.KindUnsupported).
				Detail("multiaddr %q is not a stream address", s).Cause(err).Build()
		}
		switch network {
		case "tcp", "tcp4", "tcp6", "unix":
			return network, address, nil
		default:
			return "", "", errors.Unsupported(errors.PhaseIO, "network "+network+" is not a byte stream")
		}
	case strings.HasPrefix(s, "unix:"):
		path := strings.TrimPrefix(s, "unix:")
		if path == "" {
			return "", "", errors.InvalidInput(errors.PhaseIO, "empty unix socket path")
		}
		return "unix", path, nil
	default:
		if _, _, err := splitHostPort(s); err != nil {
			return "", "", err
		}
		return "tcp", s, nil
	}
}

func splitHostPort(addr string) (host string, port int, err error) {
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, errors.New(errors.PhaseIO, errors.KindInvalidInput).
			Detail("invalid address %q", addr).Cause(err).Build()
	}
	port, err = strconv.Atoi(p)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, errors.InvalidInput(errors.PhaseIO, "invalid port in "+addr)
	}
	return h, port, nil
}

func isIPv6Literal(host string) bool {
	return strings.Contains(host, ":")
}

// ipSockaddr builds a socket address and its domain for ip.
func ipSockaddr(ip net.IP, port int) (unix.Sockaddr, int) {
	if v4 := ip.To4(); v4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], v4)
		return sa, unix.AF_INET
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return sa, unix.AF_INET6
}

func listenSockaddr(network, address string) (unix.Sockaddr, int, error) {
	if network == "unix" {
		return &unix.SockaddrUnix{Name: address}, unix.AF_UNIX, nil
	}
	host, port, err := splitHostPort(address)
	if err != nil {
		return nil, 0, err
	}
	switch host {
	case "", "*":
		if network == "tcp6" {
			return &unix.SockaddrInet6{Port: port}, unix.AF_INET6, nil
		}
		return &unix.SockaddrInet4{Port: port}, unix.AF_INET, nil
	case "localhost":
		host = "127.0.0.1"
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, 0, errors.InvalidInput(errors.PhaseIO, "listen address must be a literal IP: "+address)
	}
	sa, domain := ipSockaddr(ip, port)
	return sa, domain, nil
}

// pickIP chooses the first address matching the network's family.
func pickIP(addrs []net.IPAddr, network string) net.IP {
	for _, a := range addrs {
		is4 := a.IP.To4() != nil
		switch network {
		case "tcp4":
			if is4 {
				return a.IP
			}
		case "tcp6":
			if !is4 {
				return a.IP
			}
		default:
			return a.IP
		}
	}
	return nil
}
