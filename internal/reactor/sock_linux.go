//go:build linux

package reactor

import (
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

func listenTCP(address string) (int, *net.TCPAddr, error) {
	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return -1, nil, err
	}
	family, sa := toSockaddr(addr)

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("bind %s: %w", address, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("listen %s: %w", address, err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("getsockname: %w", err)
	}
	return fd, fromSockaddr(bound), nil
}

func acceptTCP(lfd int) (int, *net.TCPAddr, error) {
	for {
		fd, sa, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch err {
		case nil:
			unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
			return fd, fromSockaddr(sa), nil
		case unix.EINTR, unix.ECONNABORTED:
			continue
		case unix.EAGAIN:
			return -1, nil, ErrWouldBlock
		default:
			return -1, nil, fmt.Errorf("accept: %w", err)
		}
	}
}

// dialTCP starts a non-blocking connect. connected is true when the kernel
// finished the handshake immediately.
func dialTCP(address string) (fd int, remote *net.TCPAddr, connected bool, err error) {
	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return -1, nil, false, err
	}
	family, sa := toSockaddr(addr)

	fd, err = unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, nil, false, fmt.Errorf("socket: %w", err)
	}
	unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	switch err := unix.Connect(fd, sa); err {
	case nil:
		return fd, addr, true, nil
	case unix.EINPROGRESS, unix.EINTR:
		return fd, addr, false, nil
	default:
		unix.Close(fd)
		return -1, nil, false, fmt.Errorf("connect %s: %w", address, err)
	}
}

func connectResult(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("getsockopt SO_ERROR: %w", err)
	}
	if v != 0 {
		return fmt.Errorf("connect: %w", syscall.Errno(v))
	}
	return nil
}

func readFD(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWouldBlock
		case err != nil:
			return 0, err
		case n == 0:
			return 0, io.EOF
		default:
			return n, nil
		}
	}
}

// writeFD writes as much of p as the socket accepts. It returns
// ErrWouldBlock with the partial count when the send buffer fills up.
func writeFD(fd int, p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := unix.Write(fd, p[written:])
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return written, ErrWouldBlock
		case err != nil:
			return written, err
		}
		written += n
	}
	return written, nil
}

// sendFile moves count bytes of f from offset to the socket with sendfile(2).
func sendFile(fd int, f *os.File, offset int64, count int) (int, error) {
	off := offset
	for {
		n, err := unix.Sendfile(fd, int(f.Fd()), &off, count)
		switch {
		case err == unix.EINTR:
			if n > 0 {
				return n, nil
			}
			continue
		case err == unix.EAGAIN:
			if n < 0 {
				n = 0
			}
			return n, ErrWouldBlock
		case err != nil:
			return 0, fmt.Errorf("sendfile: %w", err)
		case n == 0 && count > 0:
			return 0, io.ErrUnexpectedEOF
		default:
			return n, nil
		}
	}
}

func closeFD(fd int) error {
	return unix.Close(fd)
}

func toSockaddr(addr *net.TCPAddr) (int, unix.Sockaddr) {
	if ip4 := addr.IP.To4(); addr.IP == nil || ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		if ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return unix.AF_INET, sa
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return unix.AF_INET6, sa
}

func fromSockaddr(sa unix.Sockaddr) *net.TCPAddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), a.Addr[:]...)), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), a.Addr[:]...)), Port: a.Port}
	default:
		return &net.TCPAddr{}
	}
}
