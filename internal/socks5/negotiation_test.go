package socks5

import (
	"bytes"
	"net"
	"testing"

	"github.com/nimbusrelay/sstunnel/internal/protocol"
)

func TestParseMethodSelectionAcceptsNoAuth(t *testing.T) {
	data := []byte{SOCKS5Version, 2, 0x02, AuthMethodNoAuth}
	n, err := ParseMethodSelection(data)
	if err != nil {
		t.Fatalf("ParseMethodSelection: %v", err)
	}
	if n != len(data) {
		t.Fatalf("consumed %d, want %d", n, len(data))
	}
}

func TestParseMethodSelectionRejectsMissingNoAuth(t *testing.T) {
	data := []byte{SOCKS5Version, 1, 0x02}
	if _, err := ParseMethodSelection(data); err != ErrNoAcceptableMethod {
		t.Fatalf("got %v, want ErrNoAcceptableMethod", err)
	}
}

func TestParseMethodSelectionRejectsBadVersion(t *testing.T) {
	data := []byte{0x04, 1, AuthMethodNoAuth}
	if _, err := ParseMethodSelection(data); err != ErrMalformedMethodSelection {
		t.Fatalf("got %v, want ErrMalformedMethodSelection", err)
	}
}

func TestParseRequestConnect(t *testing.T) {
	hdr := protocol.BuildHeader("198.51.100.7", 443, false)
	line := append([]byte{SOCKS5Version, CmdConnect, 0x00}, hdr...)

	req, err := ParseRequest(line)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.Command != CmdConnect || req.Header.Host != "198.51.100.7" || req.Header.Port != 443 {
		t.Fatalf("unexpected request: %+v", req)
	}
	if req.Length != len(line) {
		t.Fatalf("Length = %d, want %d", req.Length, len(line))
	}
}

func TestParseRequestUnsupportedCommand(t *testing.T) {
	hdr := protocol.BuildHeader("198.51.100.7", 443, false)
	line := append([]byte{SOCKS5Version, 0x02, 0x00}, hdr...) // BIND
	if _, err := ParseRequest(line); err == nil {
		t.Fatalf("expected error for BIND command")
	}
}

func TestConnectReplyIsCanned(t *testing.T) {
	want := []byte{SOCKS5Version, ReplySucceeded, 0x00, protocol.AddrTypeIPv4, 0, 0, 0, 0, 0x10, 0x10}
	if !bytes.Equal(ConnectReply(), want) {
		t.Fatalf("ConnectReply = %v, want %v", ConnectReply(), want)
	}
}

func TestUDPAssocReplyIPv4(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("203.0.113.9").To4(), Port: 1080}
	reply, err := UDPAssocReply(addr)
	if err != nil {
		t.Fatalf("UDPAssocReply: %v", err)
	}
	if reply[0] != SOCKS5Version || reply[1] != ReplySucceeded || reply[3] != protocol.AddrTypeIPv4 {
		t.Fatalf("unexpected reply header: %v", reply)
	}
}
