// Package network builds and configures the raw file descriptors the
// core operates on directly, following billy-rubin-Socks-proxy's
// internal/infrastructure/network.socket_factory.go style of hand-built
// unix.Socket/Bind/Listen calls instead of the stdlib net package —
// the core needs bare fds so it can drive them through the epoll
// readiness primitive and hand them to the multiplexer by number.
package network

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// ListenUnix creates, binds, and listens on a Unix domain stream socket
// at path, the realization of spec.md's "platform-specific duplex
// byte-stream endpoint". Any stale socket file at path is removed
// first. The socket is left in non-blocking mode so it can be driven
// through an epoll.Loop.
func ListenUnix(path string) (int, error) {
	_ = unix.Unlink(path)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}

	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind: %w", err)
	}

	// Permissive access policy: spec.md §6 asks that the endpoint accept
	// any local peer, wire confidentiality being explicitly out of
	// scope for this core.
	if err := unix.Chmod(path, 0o666); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("chmod: %w", err)
	}

	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("set nonblock: %w", err)
	}

	return fd, nil
}

// AcceptUnix accepts one pending connection on a listening Unix socket,
// returning the new fd in non-blocking mode.
func AcceptUnix(listenFD int) (int, error) {
	fd, _, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

// DialTCPNonblocking creates a non-blocking TCP socket for addr's
// family and issues connect(2), returning immediately even if the
// connection has not completed (the caller waits for writability
// through an epoll.Loop). Matches the socket setup performed by the
// original service's connect_socket (recv/send timeouts, then
// non-blocking connect).
func DialTCPNonblocking(addr *net.TCPAddr, ioTimeout time.Duration) (fd int, inProgress bool, err error) {
	family := unix.AF_INET
	if addr.IP.To4() == nil {
		family = unix.AF_INET6
	}

	fd, err = unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, false, err
	}

	if err := setIOTimeouts(fd, ioTimeout); err != nil {
		unix.Close(fd)
		return -1, false, err
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, false, err
	}

	sa, err := toSockaddr(addr, family)
	if err != nil {
		unix.Close(fd)
		return -1, false, err
	}

	err = unix.Connect(fd, sa)
	if err == nil {
		return fd, false, nil
	}
	if err == unix.EINPROGRESS {
		return fd, true, nil
	}

	unix.Close(fd)
	return -1, false, err
}

func setIOTimeouts(fd int, d time.Duration) error {
	tv := unix.NsecToTimeval(d.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return err
	}
	return unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv)
}

func toSockaddr(addr *net.TCPAddr, family int) (unix.Sockaddr, error) {
	if family == unix.AF_INET {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		ip := addr.IP.To4()
		if ip == nil {
			return nil, fmt.Errorf("not an IPv4 address: %s", addr.IP)
		}
		copy(sa.Addr[:], ip)
		return sa, nil
	}

	sa := &unix.SockaddrInet6{Port: addr.Port}
	ip := addr.IP.To16()
	if ip == nil {
		return nil, fmt.Errorf("not an IPv6 address: %s", addr.IP)
	}
	copy(sa.Addr[:], ip)
	return sa, nil
}

// SocketError returns the pending SO_ERROR value for fd, used after a
// non-blocking connect becomes writable to learn whether it actually
// succeeded.
func SocketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// HalfCloseAndClose performs a best-effort bidirectional half-close
// with a short grace delay before closing fd outright, matching
// spec.md's "coarse" disconnect-and-unregister contract for component B.
func HalfCloseAndClose(fd int, grace time.Duration) {
	_ = unix.SetNonblock(fd, true)
	_ = unix.Shutdown(fd, unix.SHUT_RDWR)
	if grace > 0 {
		time.Sleep(grace)
	}
	_ = unix.Close(fd)
}
