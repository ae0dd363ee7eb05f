package relay

import (
	"io"
	"sync"
	"time"

	"github.com/nimbusrelay/sstunnel/internal/logging"
	"github.com/nimbusrelay/sstunnel/internal/ota"
	"github.com/nimbusrelay/sstunnel/internal/recovery"
)

// stageStream spawns the upstream (local->remote) and downstream
// (remote->local) pumps. The two sides read independent sockets, so one
// side closing or erroring never unblocks a Read the other has in flight
// on its own socket — whichever pump returns first calls Destroy
// immediately to close both sockets and wake the other, rather than
// leaving the connection half-open until its peer notices on its own or
// the idle sweeper eventually reaps it.
func (h *Handler) stageStream() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer recovery.RecoverWithLog(h.logger, "relay.Handler.pumpUpstream")
		h.pumpUpstream()
		h.Destroy()
	}()
	go func() {
		defer wg.Done()
		defer recovery.RecoverWithLog(h.logger, "relay.Handler.pumpDownstream")
		h.pumpDownstream()
		h.Destroy()
	}()
	wg.Wait()
}

// pumpUpstream reads application data off the local connection (client
// role: the proxied app; server role: the peer relay's encrypted stream)
// and forwards it to the remote connection, applying this connection's
// OTA-then-encrypt (client) or decrypt-then-OTA-reassemble (server)
// transform along the way.
func (h *Handler) pumpUpstream() {
	buf := make([]byte, h.bufSize())
	for {
		n, err := h.localConn.Read(buf)
		if n > 0 {
			h.recordActivity(n)
			if sendErr := h.forwardUpstream(buf[:n]); sendErr != nil {
				h.logger.Debug("upstream forward failed", append(h.logAttrs(), logging.KeyError, sendErr.Error())...)
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// forwardUpstream applies the per-role upstream transform to one read's
// worth of bytes and writes the result to the remote connection.
func (h *Handler) forwardUpstream(data []byte) error {
	if h.cfg.Role == RoleClient {
		if h.otaSession {
			data = ota.FrameChunk(data, h.cryptor.CipherIV(), h.outChunkIdx)
			h.outChunkIdx++
		}
		ct := h.cryptor.Encrypt(data)
		_, err := h.remoteConn.Write(ct)
		return err
	}

	// Server role: the local connection already passes through the
	// decrypting Cryptor inside inbuf/localConn reads at earlier stages,
	// but the STREAM-stage pump reads raw, so decrypt explicitly here.
	plain, err := h.cryptor.Decrypt(data)
	if err != nil {
		h.warnThrottled("decrypt failed on upstream data", append(h.logAttrs(), logging.KeyError, err.Error())...)
		return nil
	}
	if len(plain) == 0 {
		return nil
	}
	if !h.otaSession {
		_, err := h.remoteConn.Write(plain)
		return err
	}
	droppedBefore := h.reassembler.Dropped()
	chunks, err := h.reassembler.Feed(plain)
	if err != nil {
		return err
	}
	if h.reassembler.Dropped() > droppedBefore {
		h.warnThrottled("ota chunk verification failed, dropping chunk", h.logAttrs()...)
	}
	for _, c := range chunks {
		if _, err := h.remoteConn.Write(c); err != nil {
			return err
		}
	}
	return nil
}

// pumpDownstream reads the real destination's response off the remote
// connection and forwards it to the local connection. Downstream traffic
// never carries one-time-auth framing in either role.
func (h *Handler) pumpDownstream() {
	buf := make([]byte, h.bufSize())
	for {
		n, err := h.remoteConn.Read(buf)
		if n > 0 {
			h.recordActivity(n)
			if sendErr := h.forwardDownstream(buf[:n]); sendErr != nil {
				h.logger.Debug("downstream forward failed", append(h.logAttrs(), logging.KeyError, sendErr.Error())...)
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				h.logger.Debug("downstream read ended", append(h.logAttrs(), logging.KeyError, err.Error())...)
			}
			return
		}
	}
}

func (h *Handler) forwardDownstream(data []byte) error {
	if h.cfg.Role == RoleClient {
		plain, err := h.cryptor.Decrypt(data)
		if err != nil {
			h.warnThrottled("decrypt failed on downstream data", append(h.logAttrs(), logging.KeyError, err.Error())...)
			return nil
		}
		if len(plain) == 0 {
			return nil
		}
		_, err = h.localConn.Write(plain)
		return err
	}
	ct := h.cryptor.Encrypt(data)
	_, err := h.localConn.Write(ct)
	return err
}

func (h *Handler) recordActivity(n int) {
	if h.sweeper == nil {
		return
	}
	h.sweeper.UpdateActivity(h, n, time.Now())
}
