package relay

import (
	"errors"
	"fmt"

	"github.com/nimbusrelay/sstunnel/internal/ota"
	"github.com/nimbusrelay/sstunnel/internal/protocol"
	"github.com/nimbusrelay/sstunnel/internal/socks5"
)

// stageAddrClient parses the client's SOCKS5 request line (or, in tunnel
// mode, treats the whole connection as an implicit CONNECT to the
// configured fixed destination), replies, and builds the header+payload
// blob to encrypt and queue for the remote side.
func (h *Handler) stageAddrClient(buf *inbuf) (payload []byte, udpAssoc, ignore bool, err error) {
	var header []byte
	var extra []byte

	if h.cfg.Tunnel.Enabled() {
		h.destHost = h.cfg.Tunnel.Remote
		h.destPort = h.cfg.Tunnel.RemotePort
		header = protocol.BuildHeader(h.destHost, h.destPort, h.cfg.OneTimeAuth)
		// Whatever the application has already written before the first
		// read completes becomes the first payload chunk, exactly as the
		// event-loop original treats the read that would otherwise have
		// gone to stageInit.
		if err := buf.fillAtLeast(1); err != nil {
			return nil, false, false, err
		}
		extra = buf.remainder()
	} else {
		if err := buf.fillAtLeast(4); err != nil {
			return nil, false, false, err
		}
		req, err := h.readSOCKS5Request(buf)
		if err != nil {
			if errors.Is(err, socks5.ErrUnsupportedCommand) {
				h.localConn.Write(socks5.ErrorReply(socks5.ReplyCmdNotSupported))
			}
			return nil, false, false, err
		}

		if req.Command == socks5.CmdUDPAssociate {
			reply, err := socks5.UDPAssocReply(h.localConn.LocalAddr())
			if err != nil {
				return nil, false, false, err
			}
			if _, err := h.localConn.Write(reply); err != nil {
				return nil, false, false, err
			}
			h.setStage(StageUDPAssoc)
			return nil, true, false, nil
		}

		h.destHost = req.Header.Host
		h.destPort = req.Header.Port
		header = protocol.BuildHeader(h.destHost, h.destPort, h.cfg.OneTimeAuth)

		if _, err := h.localConn.Write(socks5.ConnectReply()); err != nil {
			return nil, false, false, err
		}
		extra = buf.remainder()
	}

	h.otaSession = h.cfg.OneTimeAuth
	if h.otaSession {
		mac := ota.HeaderMAC(header, h.cryptor.CipherIV(), h.cryptor.Key())
		combined := make([]byte, 0, len(header)+ota.MACSize+len(extra))
		combined = append(combined, header...)
		combined = append(combined, mac[:]...)
		combined = append(combined, extra...)
		h.setStage(StageDNS)
		return h.cryptor.Encrypt(combined), false, false, nil
	}

	combined := append(append([]byte(nil), header...), extra...)
	h.setStage(StageDNS)
	return h.cryptor.Encrypt(combined), false, false, nil
}

// readSOCKS5Request reads the 3-byte VER/CMD/RSV prefix plus the address
// header that follows it, growing buf until socks5.ParseRequest succeeds.
func (h *Handler) readSOCKS5Request(buf *inbuf) (socks5.Request, error) {
	for {
		req, err := socks5.ParseRequest(buf.buf)
		if err == nil {
			buf.take(req.Length)
			return req, nil
		}
		if err == protocol.ErrShortHeader {
			if ferr := buf.fillAtLeast(len(buf.buf) + 1); ferr != nil {
				return socks5.Request{}, ferr
			}
			continue
		}
		return socks5.Request{}, err
	}
}

// stageAddrServer reads the shadowsocks address header off the (already
// decrypting) local connection, verifies one-time-auth if the session
// carries it, and returns any bundled payload bytes reassembled through
// OTA chunk framing when applicable.
func (h *Handler) stageAddrServer(buf *inbuf) (payload []byte, udpAssoc, ignore bool, err error) {
	hdr, err := h.readShadowsocksHeader(buf)
	if err != nil {
		return nil, false, false, err
	}

	h.destHost, h.destPort = hdr.Host, hdr.Port
	h.otaSession = hdr.OTA()

	if h.cfg.OneTimeAuthRequired && !h.otaSession {
		h.logger.Warn("one time auth required but session omitted it", h.logAttrs()...)
		return nil, false, true, nil
	}

	if h.otaSession {
		if err := buf.fillAtLeast(hdr.Length + ota.MACSize); err != nil {
			return nil, false, false, err
		}
		headerBytes := append([]byte(nil), buf.buf[:hdr.Length]...)
		macField := buf.buf[hdr.Length : hdr.Length+ota.MACSize]
		if !ota.VerifyHeaderMAC(macField, headerBytes, h.cryptor.DecipherIV(), h.cryptor.Key()) {
			h.logger.Warn("one time auth header verification failed", h.logAttrs()...)
			return nil, false, false, fmt.Errorf("ota: header verification failed")
		}
		buf.take(hdr.Length + ota.MACSize)
		h.reassembler = ota.NewReassembler(h.cryptor.DecipherIV())
	} else {
		buf.take(hdr.Length)
	}

	rest := buf.remainder()
	h.setStage(StageDNS)
	if !h.otaSession {
		return rest, false, false, nil
	}
	chunks, err := h.reassembler.Feed(rest)
	if err != nil {
		return nil, false, false, err
	}
	return joinChunks(chunks), false, false, nil
}

// readShadowsocksHeader grows buf (decrypting through h.cryptor as it
// goes) until protocol.ParseHeader succeeds against a complete header.
func (h *Handler) readShadowsocksHeader(buf *inbuf) (protocol.Header, error) {
	if err := buf.fillAtLeast(1); err != nil {
		return protocol.Header{}, err
	}
	for {
		hdr, err := protocol.ParseHeader(buf.buf)
		if err == nil {
			return hdr, nil
		}
		if err == protocol.ErrShortHeader {
			if ferr := buf.fillAtLeast(len(buf.buf) + 1); ferr != nil {
				return protocol.Header{}, ferr
			}
			continue
		}
		return protocol.Header{}, err
	}
}

func joinChunks(chunks [][]byte) []byte {
	if len(chunks) == 0 {
		return nil
	}
	var total int
	for _, c := range chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
