//go:build linux || darwin

package channel

import (
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// resolveSockaddr resolves address into a socket address and its domain.
func resolveSockaddr(network, address string) (unix.Sockaddr, int, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
		a, err := net.ResolveTCPAddr(network, address)
		if err != nil {
			return nil, 0, err
		}
		return tcpSockaddr(network, a)
	case "unix":
		return &unix.SockaddrUnix{Name: address}, unix.AF_UNIX, nil
	default:
		return nil, 0, fmt.Errorf("channel: unsupported network %q", network)
	}
}

func tcpSockaddr(network string, a *net.TCPAddr) (unix.Sockaddr, int, error) {
	if a.IP == nil || a.IP.IsUnspecified() {
		if network == "tcp6" || (a.IP != nil && a.IP.To4() == nil) {
			return &unix.SockaddrInet6{Port: a.Port}, unix.AF_INET6, nil
		}
		return &unix.SockaddrInet4{Port: a.Port}, unix.AF_INET, nil
	}
	if ip4 := a.IP.To4(); ip4 != nil && network != "tcp6" {
		sa := &unix.SockaddrInet4{Port: a.Port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET, nil
	}
	ip6 := a.IP.To16()
	if ip6 == nil {
		return nil, 0, fmt.Errorf("channel: invalid address %v", a)
	}
	sa := &unix.SockaddrInet6{Port: a.Port}
	copy(sa.Addr[:], ip6)
	if a.Zone != "" {
		ifi, err := net.InterfaceByName(a.Zone)
		if err != nil {
			return nil, 0, err
		}
		sa.ZoneId = uint32(ifi.Index)
	}
	return sa, unix.AF_INET6, nil
}

// sockaddrToAddr converts a kernel socket address into a net.Addr.
func sockaddrToAddr(sa unix.Sockaddr) net.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IPv4(sa.Addr[0], sa.Addr[1], sa.Addr[2], sa.Addr[3]), Port: sa.Port}
	case *unix.SockaddrInet6:
		a := &net.TCPAddr{IP: append(net.IP(nil), sa.Addr[:]...), Port: sa.Port}
		if sa.ZoneId != 0 {
			if ifi, err := net.InterfaceByIndex(int(sa.ZoneId)); err == nil {
				a.Zone = ifi.Name
			}
		}
		return a
	case *unix.SockaddrUnix:
		return &net.UnixAddr{Name: sa.Name, Net: "unix"}
	default:
		return nil
	}
}

// applySocketOptions applies cfg to a connected or accepted socket.
func applySocketOptions(fd int, cfg *Config, tcp bool) error {
	if tcp {
		v := 0
		if cfg.NoDelay {
			v = 1
		}
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v); err != nil {
			return &TransportError{Op: "setsockopt TCP_NODELAY", Err: err}
		}
	}
	if cfg.Linger >= 0 {
		l := &unix.Linger{Onoff: 1, Linger: int32(cfg.Linger / time.Second)}
		if err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, l); err != nil {
			return &TransportError{Op: "setsockopt SO_LINGER", Err: err}
		}
	}
	return nil
}

// socketError returns the pending error of fd, if any.
func socketError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return syscall.Errno(v)
	}
	return nil
}

// writev writes iov with a single vectored send.
func writev(fd int, iov [][]byte) (int, error) {
	return unix.SendmsgBuffers(fd, iov, nil, nil, sendFlags)
}

func isTemporary(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}
