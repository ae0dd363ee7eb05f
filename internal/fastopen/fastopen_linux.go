//go:build linux

package fastopen

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// ListenerSetup enables TCP_FASTOPEN (socket option 23) on a listening
// socket's backlog, per spec.md's "attempt TCP Fast Open on listener".
func ListenerSetup(l *net.TCPListener, qlen int) error {
	rawConn, err := l.SyscallConn()
	if err != nil {
		return fmt.Errorf("fastopen: raw listener conn: %w", err)
	}
	var sysErr error
	if err := rawConn.Control(func(fd uintptr) {
		sysErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_FASTOPEN, qlen)
	}); err != nil {
		return fmt.Errorf("fastopen: control listener fd: %w", err)
	}
	if sysErr != nil {
		return fmt.Errorf("fastopen: setsockopt TCP_FASTOPEN: %w", sysErr)
	}
	return nil
}

// Connect opens conn's underlying socket with a sendto(MSG_FASTOPEN) that
// carries payload in the SYN. addr is the already-resolved destination.
//
// ENOTCONN means this kernel does not support fast open at all
// (ErrUnsupported, caller disables the feature and destroys the
// connection); EINPROGRESS means the SYN went out but no payload bytes
// were accepted yet (Result.InProgress, caller awaits writability exactly
// as with a normal non-blocking connect); any other error is a normal
// connect failure.
func Connect(conn *net.TCPConn, addr *net.TCPAddr, payload []byte) (Result, error) {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return Result{}, fmt.Errorf("fastopen: raw conn: %w", err)
	}

	sockAddr, err := toSockaddr(addr)
	if err != nil {
		return Result{}, err
	}

	var sysErr error
	if err := rawConn.Write(func(fd uintptr) bool {
		sysErr = unix.Sendto(int(fd), payload, unix.MSG_FASTOPEN, sockAddr)
		return true
	}); err != nil {
		return Result{}, fmt.Errorf("fastopen: control conn fd: %w", err)
	}

	switch sysErr {
	case nil:
		// The kernel's sendto(2) for a stream socket either accepts the
		// whole buffer or returns an error; there is no short-write case
		// to handle here the way there is for a connected socket's write.
		return Result{Sent: len(payload)}, nil
	case syscall.EINPROGRESS:
		return Result{InProgress: true}, nil
	case syscall.ENOTCONN:
		return Result{}, ErrUnsupported
	default:
		return Result{}, sysErr
	}
}

func toSockaddr(addr *net.TCPAddr) (unix.Sockaddr, error) {
	if v4 := addr.IP.To4(); v4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], v4)
		return sa, nil
	}
	v6 := addr.IP.To16()
	if v6 == nil {
		return nil, fmt.Errorf("fastopen: address %s is neither IPv4 nor IPv6", addr.IP)
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], v6)
	return sa, nil
}
