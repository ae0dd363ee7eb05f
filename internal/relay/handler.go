// Package relay implements the per-connection state machine at the heart
// of the tunnel: negotiating SOCKS5 (client role) or a shadowsocks-style
// address header (server role), resolving and dialing the destination, and
// pumping an encrypted, optionally one-time-authenticated stream between
// the local and remote sockets until either side closes.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/nimbusrelay/sstunnel/internal/crypto"
	"github.com/nimbusrelay/sstunnel/internal/logging"
	"github.com/nimbusrelay/sstunnel/internal/ota"
	"github.com/nimbusrelay/sstunnel/internal/recovery"
	"github.com/nimbusrelay/sstunnel/internal/socks5"
)

// warnLogRate caps how often a single Handler logs repeated per-chunk
// warnings (decrypt failures, OTA verification failures) at Warn level, so
// a peer hammering one connection with bad data can't flood the log the
// way it could flood the wire.
const warnLogRate = 1

// Buffer sizes for the STREAM-stage pumps. Unlike the names might suggest,
// which one applies to a given Handler is fixed by its Role alone, not by
// which socket (local or remote) is being read — a client-role handler
// always reads with UpStreamBufSize bytes of scratch space and a
// server-role handler always reads with DownStreamBufSize, on both its
// local and its remote connection.
const (
	UpStreamBufSize   = 16 * 1024
	DownStreamBufSize = 32 * 1024
)

// Sweeper is the subset of *timeoutsweeper.Sweeper[*Handler] a Handler
// needs; declared as an interface here so this package does not import
// timeoutsweeper's generic instantiation directly.
type Sweeper interface {
	UpdateActivity(h *Handler, bytesMoved int, now time.Time)
	Forget(h *Handler)
}

// Handler drives one accepted (client role) or dialed-from (server role)
// connection through Stage{Init,Addr,UDPAssoc,DNS,Connecting,Stream,Destroyed}.
// A Handler is created per connection and discarded once destroyed; it is
// never reused.
type Handler struct {
	cfg    Config
	logger *slog.Logger

	stage atomic.Int32

	localConn  net.Conn
	remoteConn net.Conn

	cryptor     *crypto.Cryptor
	reassembler *ota.Reassembler // server role only, built once decipherIV is known
	outChunkIdx uint32           // client role outbound chunk counter
	otaSession  bool             // whether OTA framing applies to THIS connection

	destHost    string
	destPort    uint16
	connectPort uint16 // resolved dial port, set once resolveHost runs

	sweeper Sweeper

	warnLimiter *rate.Limiter

	cancelDNS   context.CancelFunc
	destroyOnce sync.Once
}

// NewHandler constructs a Handler for one freshly accepted connection.
// sweeper may be nil (useful in tests exercising a single stage in
// isolation); a nil sweeper simply means activity updates and Forget are
// no-ops.
func NewHandler(cfg Config, localConn net.Conn, sweeper Sweeper, logger *slog.Logger) (*Handler, error) {
	cryptor, err := crypto.NewCryptor(cfg.StreamKey)
	if err != nil {
		return nil, fmt.Errorf("relay: new cryptor: %w", err)
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	h := &Handler{
		cfg:         cfg,
		logger:      logger,
		localConn:   localConn,
		cryptor:     cryptor,
		sweeper:     sweeper,
		warnLimiter: rate.NewLimiter(rate.Limit(warnLogRate), 1),
	}
	h.stage.Store(int32(StageInit))
	if cfg.Role == RoleServer || cfg.Tunnel.Enabled() {
		h.stage.Store(int32(StageAddr))
	}
	if sweeper != nil {
		sweeper.UpdateActivity(h, 0, time.Now())
	}
	return h, nil
}

// Stage reports the handler's current lifecycle stage.
func (h *Handler) Stage() Stage {
	return Stage(h.stage.Load())
}

func (h *Handler) setStage(s Stage) {
	h.stage.Store(int32(s))
}

func (h *Handler) bufSize() int {
	if h.cfg.Role == RoleClient {
		return UpStreamBufSize
	}
	return DownStreamBufSize
}

func (h *Handler) logAttrs() []any {
	return []any{logging.KeyRole, h.cfg.Role.String(), logging.KeyStage, h.Stage().String()}
}

// warnThrottled logs msg at Warn level, dropping the message instead of
// emitting it when this handler's STREAM-stage warnings are arriving
// faster than warnLogRate allows.
func (h *Handler) warnThrottled(msg string, args ...any) {
	if !h.warnLimiter.Allow() {
		return
	}
	h.logger.Warn(msg, args...)
}

// Run drives the handler through every stage until it either completes the
// SOCKS5/UDP-associate "hold open" behaviour or reaches the STREAM stage
// and pumps data until one side closes. It always tears the connection
// down via Destroy before returning, except for the one case spec.md
// carves out explicitly: a server-role session that omits one-time-auth
// when it is required is left to idle out under the owning listener's
// TimeoutSweeper rather than destroyed outright.
func (h *Handler) Run() {
	defer recovery.RecoverAndDestroy(h.logger, "relay.Handler.Run", h.Destroy)

	ignored, err := h.runStages()
	if ignored {
		return
	}
	if err != nil {
		h.logger.Debug("connection ended", append(h.logAttrs(), logging.KeyError, err.Error())...)
	}
	h.Destroy()
}

// runStages returns ignored=true for the single disposition that must not
// call Destroy (missing required one-time-auth on the server role); every
// other path's error, including nil, is handled uniformly by the caller.
func (h *Handler) runStages() (ignored bool, err error) {
	buf := newInbuf(h.localConn, h.inboundCryptor())

	if h.cfg.Role == RoleClient && !h.cfg.Tunnel.Enabled() {
		if err := h.stageInit(buf); err != nil {
			return false, fmt.Errorf("init: %w", err)
		}
	}

	payload, udpAssoc, ignore, err := h.stageAddr(buf)
	if ignore {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("addr: %w", err)
	}
	if udpAssoc {
		h.holdUDPAssoc()
		return false, nil
	}

	ip, err := h.stageDNS()
	if err != nil {
		return false, fmt.Errorf("dns: %w", err)
	}

	if err := h.stageConnecting(ip, payload); err != nil {
		return false, fmt.Errorf("connecting: %w", err)
	}

	h.stageStream()
	return false, nil
}

// inboundCryptor returns the Cryptor to decrypt this handler's local-side
// reads through, or nil when those reads are plaintext: a client-role
// handler's local socket carries the application's own plaintext SOCKS5
// traffic, so only the server role decrypts at this layer.
func (h *Handler) inboundCryptor() *crypto.Cryptor {
	if h.cfg.Role == RoleServer {
		return h.cryptor
	}
	return nil
}

// stageInit negotiates the SOCKS5 method selection greeting. Client role
// only; tunnel mode and the server role never reach it.
func (h *Handler) stageInit(buf *inbuf) error {
	if err := buf.fillAtLeast(2); err != nil {
		return err
	}
	if buf.buf[0] != socks5.SOCKS5Version {
		return socks5.ErrMalformedMethodSelection
	}
	nmethods := int(buf.buf[1])
	if err := buf.fillAtLeast(2 + nmethods); err != nil {
		return err
	}

	consumed, err := socks5.ParseMethodSelection(buf.buf)
	if err == socks5.ErrNoAcceptableMethod {
		h.localConn.Write(socks5.MethodSelectionReply(socks5.AuthMethodNoAcceptable))
		return err
	}
	if err != nil {
		return err
	}
	buf.take(consumed)
	if _, werr := h.localConn.Write(socks5.MethodSelectionReply(socks5.AuthMethodNoAuth)); werr != nil {
		return werr
	}
	h.setStage(StageAddr)
	return nil
}

// stageAddr parses the destination (client: a SOCKS5 request line, server:
// a shadowsocks address header read through the decrypting cryptor) and
// returns any payload bytes that arrived bundled with it, ready to queue
// ahead of the STREAM stage. ignore reports the "required OTA, session
// omitted it" disposition, which the caller must not treat as an error.
func (h *Handler) stageAddr(buf *inbuf) (payload []byte, udpAssoc bool, ignore bool, err error) {
	if h.cfg.Role == RoleClient {
		return h.stageAddrClient(buf)
	}
	return h.stageAddrServer(buf)
}

func (h *Handler) holdUDPAssoc() {
	scratch := make([]byte, 4096)
	for {
		if _, err := h.localConn.Read(scratch); err != nil {
			return
		}
	}
}

// Destroy tears the connection down. It is idempotent and safe to call
// from any goroutine (a pump noticing EOF, the owning Listener's
// TimeoutSweeper, or Run's own deferred cleanup) — only the first caller
// does any work. Order matters: the stage flips to StageDestroyed before
// anything else so a concurrent caller's destroyOnce.Do is a true no-op,
// the remote socket closes before the local one, and finally this handler
// is dropped from the owning sweeper's tracking.
func (h *Handler) Destroy() {
	h.destroyOnce.Do(func() {
		h.setStage(StageDestroyed)

		if h.cancelDNS != nil {
			h.cancelDNS()
		}
		if h.remoteConn != nil {
			h.remoteConn.Close()
		}
		if h.localConn != nil {
			h.localConn.Close()
		}
		if h.sweeper != nil {
			h.sweeper.Forget(h)
		}
	})
}
