package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/nimbusrelay/sstunnel/internal/protocol"
)

// SOCKS5Version is the only protocol version this relay speaks.
const SOCKS5Version = 0x05

// Command codes this relay dispatches on. BIND (0x02) is not implemented.
const (
	CmdConnect      = 0x01
	CmdUDPAssociate = 0x03
)

// Reply codes per RFC 1928 §6.
const (
	ReplySucceeded        = 0x00
	ReplyServerFailure    = 0x01
	ReplyCmdNotSupported  = 0x07
	ReplyAddrNotSupported = 0x08
)

// ErrMalformedMethodSelection is returned when the INIT-stage greeting does
// not parse as a version-5 method selection header.
var ErrMalformedMethodSelection = errors.New("socks5: malformed method selection")

// ErrNoAcceptableMethod is returned when the client's method list does not
// include no-auth.
var ErrNoAcceptableMethod = errors.New("socks5: no acceptable authentication method")

// ErrMalformedRequest is returned when the ADDR-stage request line does not
// parse.
var ErrMalformedRequest = errors.New("socks5: malformed request")

// ErrUnsupportedCommand is returned for any command other than CONNECT or
// UDP ASSOCIATE.
var ErrUnsupportedCommand = errors.New("socks5: unsupported command")

// ParseMethodSelection parses the INIT-stage greeting `VER NMETHODS METHODS`.
// It returns the number of bytes consumed. ErrMalformedMethodSelection is
// returned both for a version mismatch and for a buffer that does not yet
// hold a complete header — the caller cannot distinguish "invalid" from
// "need more bytes" from this signature alone and should treat any error as
// fatal only once it is confident no further bytes are coming on this read;
// for a stream reader that already buffers a full INIT datagram (the normal
// case for a SOCKS5 client) this is immaterial.
func ParseMethodSelection(data []byte) (consumed int, err error) {
	if len(data) < 2 {
		return 0, ErrMalformedMethodSelection
	}
	if data[0] != SOCKS5Version {
		return 0, ErrMalformedMethodSelection
	}
	nmethods := int(data[1])
	if nmethods < 1 {
		return 0, ErrMalformedMethodSelection
	}
	need := 2 + nmethods
	if len(data) < need {
		return 0, ErrMalformedMethodSelection
	}
	methods := data[2:need]
	for _, m := range methods {
		if m == AuthMethodNoAuth {
			return need, nil
		}
	}
	return need, ErrNoAcceptableMethod
}

// MethodSelectionReply encodes the INIT-stage reply for the chosen method
// (or AuthMethodNoAcceptable to signal rejection).
func MethodSelectionReply(method byte) []byte {
	return []byte{SOCKS5Version, method}
}

// Request is a parsed SOCKS5 request line: VER CMD RSV ATYP DST.ADDR DST.PORT.
type Request struct {
	Command byte
	Header  protocol.Header // the ATYP/DST.ADDR/DST.PORT portion
	// Length is the number of bytes of the original buffer the full request
	// line (including the 3-byte VER/CMD/RSV prefix) occupied.
	Length int
}

// ParseRequest parses the ADDR-stage request line. data must begin with the
// 3-byte VER/CMD/RSV prefix.
func ParseRequest(data []byte) (Request, error) {
	if len(data) < 3 {
		return Request{}, ErrMalformedRequest
	}
	if data[0] != SOCKS5Version {
		return Request{}, ErrMalformedRequest
	}
	cmd := data[1]
	if cmd != CmdConnect && cmd != CmdUDPAssociate {
		return Request{}, fmt.Errorf("%w: 0x%02x", ErrUnsupportedCommand, cmd)
	}
	hdr, err := protocol.ParseHeader(data[3:])
	if err != nil {
		return Request{}, err
	}
	return Request{Command: cmd, Header: hdr, Length: 3 + hdr.Length}, nil
}

// ConnectReply is the fixed, canned SOCKS5 success reply this relay writes
// after a CONNECT request: `05 00 00 01 00 00 00 00 10 10`. The bound
// address/port are not meaningful to a shadowsocks-style client and are
// never actually consulted, so they are left as the conventional
// placeholder rather than the real local bind address.
func ConnectReply() []byte {
	return []byte{SOCKS5Version, ReplySucceeded, 0x00, protocol.AddrTypeIPv4, 0, 0, 0, 0, 0x10, 0x10}
}

// UDPAssocReply encodes the UDP ASSOCIATE acknowledgement carrying the
// listener's own bound address/port, per spec: IPv4 reply tag 0x01 or IPv6
// tag 0x04.
func UDPAssocReply(bound net.Addr) ([]byte, error) {
	tcpAddr, ok := bound.(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("socks5: unexpected bound address type %T", bound)
	}
	ip := tcpAddr.IP
	if v4 := ip.To4(); v4 != nil {
		out := make([]byte, 4+4+2)
		out[0], out[1], out[2] = SOCKS5Version, ReplySucceeded, 0x00
		out[3] = protocol.AddrTypeIPv4
		copy(out[4:8], v4)
		binary.BigEndian.PutUint16(out[8:10], uint16(tcpAddr.Port))
		return out, nil
	}
	v6 := ip.To16()
	out := make([]byte, 4+16+2)
	out[0], out[1], out[2] = SOCKS5Version, ReplySucceeded, 0x00
	out[3] = protocol.AddrTypeIPv6
	copy(out[4:20], v6)
	binary.BigEndian.PutUint16(out[20:22], uint16(tcpAddr.Port))
	return out, nil
}

// ErrorReply encodes a SOCKS5 reply carrying a non-success code, used for
// ErrUnsupportedCommand and similar INIT/ADDR-stage failures that still
// owe the client a reply before the handler destroys the connection.
func ErrorReply(code byte) []byte {
	return []byte{SOCKS5Version, code, 0x00, protocol.AddrTypeIPv4, 0, 0, 0, 0, 0, 0}
}
