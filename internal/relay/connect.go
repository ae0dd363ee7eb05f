package relay

import (
	"context"
	"fmt"
	"net"
	"os"
	"syscall"

	"github.com/nimbusrelay/sstunnel/internal/fastopen"
)

// resolveHost is the host this handler must look up before dialing: the
// client role resolves whichever upstream ChooseServer picked, the server
// role resolves the destination the client asked for.
func (h *Handler) resolveHost() (string, uint16, error) {
	if h.cfg.Role == RoleClient {
		upstream, ok := h.cfg.ChooseServer()
		if !ok {
			return "", 0, fmt.Errorf("relay: no upstream servers configured")
		}
		return upstream.Host, upstream.Port, nil
	}
	return h.destHost, h.destPort, nil
}

// stageDNS performs a blocking resolve of the relevant destination host.
// The original dispatches this through a registered callback so the
// single-threaded reactor can keep servicing other connections while the
// lookup is in flight; a goroutine-per-connection model has no such
// constraint; see the module's design notes on this translation.
func (h *Handler) stageDNS() (net.IP, error) {
	host, port, err := h.resolveHost()
	if err != nil {
		return nil, err
	}
	h.connectPort = port

	if ip := net.ParseIP(host); ip != nil {
		h.setStage(StageConnecting)
		return ip, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancelDNS = cancel
	defer func() { h.cancelDNS = nil }()

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses returned", host)
	}
	h.setStage(StageConnecting)
	return ips[0], nil
}

// stageConnecting dials (or, for a fast-open-configured client, connects
// with the initial payload riding the SYN) the resolved destination, then
// flushes any bytes queued ahead of it once the connection is ready.
func (h *Handler) stageConnecting(ip net.IP, initialPayload []byte) error {
	if h.cfg.ForbidsIP(ip) {
		return fmt.Errorf("relay: destination %s is in the forbidden list", ip)
	}

	tcpAddr := &net.TCPAddr{IP: ip, Port: int(h.connectPort)}

	if h.cfg.Role == RoleClient && h.cfg.FastOpen {
		return h.connectFastOpen(tcpAddr, initialPayload)
	}
	return h.connectNormal(tcpAddr, initialPayload)
}

func (h *Handler) connectNormal(addr *net.TCPAddr, initialPayload []byte) error {
	conn, err := net.DialTCP("tcp", nil, addr)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	conn.SetNoDelay(true)
	h.remoteConn = conn

	if len(initialPayload) > 0 {
		if _, err := conn.Write(initialPayload); err != nil {
			return fmt.Errorf("write initial payload: %w", err)
		}
	}
	h.setStage(StageStream)
	return nil
}

func (h *Handler) connectFastOpen(addr *net.TCPAddr, initialPayload []byte) error {
	conn, err := newUnconnectedTCPSocket(addr.IP)
	if err != nil {
		return fmt.Errorf("fastopen: create socket: %w", err)
	}
	conn.SetNoDelay(true)
	h.remoteConn = conn

	result, err := fastopen.Connect(conn, addr, initialPayload)
	if err == fastopen.ErrUnsupported {
		h.logger.Error("fast open not supported on this kernel, disabling", h.logAttrs()...)
		h.cfg.FastOpen = false
		return err
	}
	if err != nil {
		return fmt.Errorf("fastopen connect: %w", err)
	}

	if !result.InProgress && result.Sent < len(initialPayload) {
		if _, werr := conn.Write(initialPayload[result.Sent:]); werr != nil {
			return fmt.Errorf("write remaining fastopen payload: %w", werr)
		}
	}
	h.setStage(StageStream)
	return nil
}

// newUnconnectedTCPSocket creates a TCP socket bound to neither a local nor
// a remote address, for fastopen.Connect to drive through a raw
// sendto(MSG_FASTOPEN) instead of a normal connect(2). net.DialTCP cannot
// be used here since it connects immediately, which is exactly what fast
// open skips.
func newUnconnectedTCPSocket(remoteIP net.IP) (*net.TCPConn, error) {
	family := syscall.AF_INET
	if remoteIP.To4() == nil {
		family = syscall.AF_INET6
	}
	fd, err := syscall.Socket(family, syscall.SOCK_STREAM, syscall.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	file := os.NewFile(uintptr(fd), "fastopen-socket")
	defer file.Close()

	conn, err := net.FileConn(file)
	if err != nil {
		return nil, fmt.Errorf("fileconn: %w", err)
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("unexpected conn type %T", conn)
	}
	return tcpConn, nil
}
