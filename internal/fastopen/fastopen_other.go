//go:build !linux

package fastopen

import "net"

// ListenerSetup is a no-op stub: TCP_FASTOPEN is only wired up on Linux.
func ListenerSetup(l *net.TCPListener, qlen int) error {
	return nil
}

// Connect always reports ErrUnsupported on non-Linux builds so callers
// disable the feature exactly as they would for a kernel without fast open
// support.
func Connect(conn *net.TCPConn, addr *net.TCPAddr, payload []byte) (Result, error) {
	return Result{}, ErrUnsupported
}
