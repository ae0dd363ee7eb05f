// Package listener implements the bound server socket that accepts
// connections and hands each one to a freshly constructed relay.Handler:
// fd/handler tracking, a periodic sweep tying the configured idle timeout
// to a TimeoutSweeper, TCP Fast Open listener-side setup, and a two-phase
// Close that stops accepting before tearing down in-flight handlers.
package listener

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nimbusrelay/sstunnel/internal/fastopen"
	"github.com/nimbusrelay/sstunnel/internal/logging"
	"github.com/nimbusrelay/sstunnel/internal/recovery"
	"github.com/nimbusrelay/sstunnel/internal/relay"
	"github.com/nimbusrelay/sstunnel/internal/timeoutsweeper"
)

// Config holds the settings a Listener needs beyond the per-connection
// relay.Config it hands to every accepted Handler.
type Config struct {
	// Address is the local address to bind and listen on.
	Address string

	// RelayConfig is cloned (its ListenPort is filled in from the bound
	// address) and passed to every accepted connection's Handler.
	RelayConfig relay.Config

	// IdleTimeout is the duration a connection may go without moving
	// application data before the sweep destroys it. Zero disables the
	// sweep entirely.
	IdleTimeout time.Duration

	// SweepInterval is how often the TimeoutSweeper walks its queue.
	// Defaults to IdleTimeout/4 (clamped to at least one second) when zero.
	SweepInterval time.Duration

	// FastOpen enables TCP_FASTOPEN on the listening socket (Linux only;
	// a no-op elsewhere).
	FastOpen bool

	// FastOpenQueueLen is the backlog passed to the fast-open setsockopt.
	FastOpenQueueLen int

	Logger *slog.Logger
}

// Listener accepts connections on a bound TCP socket and relays each one
// through a relay.Handler until Stop is called.
type Listener struct {
	cfg      Config
	listener *net.TCPListener
	logger   *slog.Logger

	sweeper *timeoutsweeper.Sweeper[*relay.Handler]

	mu       sync.Mutex
	handlers map[*relay.Handler]struct{}
	connCount atomic.Int64

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Listener from cfg. It does not bind the socket; call
// Start for that.
func New(cfg Config) *Listener {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Listener{
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[*relay.Handler]struct{}),
		stopCh:   make(chan struct{}),
	}
}

// Start binds the listening socket, optionally configures TCP Fast Open on
// it, and spawns the accept loop and (if IdleTimeout is set) the periodic
// sweep loop.
func (l *Listener) Start() error {
	if l.running.Load() {
		return fmt.Errorf("listener: already running")
	}

	addr, err := net.ResolveTCPAddr("tcp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("listener: resolve %s: %w", l.cfg.Address, err)
	}
	tcpListener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return fmt.Errorf("listener: listen on %s: %w", l.cfg.Address, err)
	}
	if l.cfg.FastOpen {
		if err := fastopen.ListenerSetup(tcpListener, l.cfg.FastOpenQueueLen); err != nil {
			l.logger.Warn("fast open setup failed, continuing without it",
				logging.KeyError, err.Error())
		}
	}

	l.listener = tcpListener
	l.cfg.RelayConfig.ListenPort = tcpListener.Addr().(*net.TCPAddr).Port

	statCallback := l.cfg.RelayConfig.StatCallback
	l.sweeper = timeoutsweeper.New[*relay.Handler](l.cfg.IdleTimeout, l.cfg.RelayConfig.ListenPort, statCallback)

	l.running.Store(true)

	l.wg.Add(1)
	go l.acceptLoop()

	if l.cfg.IdleTimeout > 0 {
		l.wg.Add(1)
		go l.sweepLoop()
	}

	l.logger.Info("listener started",
		logging.KeyRole, l.cfg.RelayConfig.Role.String(),
		logging.KeyListenPort, l.cfg.RelayConfig.ListenPort,
		logging.KeyLocalAddr, tcpListener.Addr().String())
	return nil
}

// Stop performs the two-phase shutdown: first it stops accepting new
// connections and closes the bound socket, then it destroys every
// still-tracked handler immediately — a handler blocked in STREAM won't
// return from Run on its own until something closes its sockets, so
// Destroy must run before waiting on handleConnection's goroutines rather
// than after, or Stop would hang on every shutdown with a live connection.
func (l *Listener) Stop() error {
	var err error
	l.stopOnce.Do(func() {
		l.running.Store(false)
		close(l.stopCh)

		if l.listener != nil {
			err = l.listener.Close()
		}
	})

	l.mu.Lock()
	handlers := make([]*relay.Handler, 0, len(l.handlers))
	for h := range l.handlers {
		handlers = append(handlers, h)
	}
	l.mu.Unlock()
	for _, h := range handlers {
		h.Destroy()
	}

	l.wg.Wait()

	l.logger.Info("listener stopped", logging.KeyListenPort, l.cfg.RelayConfig.ListenPort)
	return err
}

// Addr returns the bound listening address, or nil before Start succeeds.
func (l *Listener) Addr() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// ConnectionCount reports the number of handlers currently tracked.
func (l *Listener) ConnectionCount() int64 {
	return l.connCount.Load()
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "listener.Listener.acceptLoop")

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.stopCh:
				return
			default:
				l.logger.Debug("accept error", logging.KeyError, err.Error())
				continue
			}
		}
		l.wg.Add(1)
		go l.handleConnection(conn)
	}
}

func (l *Listener) handleConnection(conn net.Conn) {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "listener.Listener.handleConnection")

	h, err := relay.NewHandler(l.cfg.RelayConfig, conn, l.sweeper, l.logger)
	if err != nil {
		l.logger.Error("failed to construct handler", logging.KeyError, err.Error())
		conn.Close()
		return
	}

	l.mu.Lock()
	l.handlers[h] = struct{}{}
	l.mu.Unlock()
	l.connCount.Add(1)

	defer func() {
		l.mu.Lock()
		delete(l.handlers, h)
		l.mu.Unlock()
		l.connCount.Add(-1)
	}()

	h.Run()
}

func (l *Listener) sweepLoop() {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "listener.Listener.sweepLoop")

	interval := l.cfg.SweepInterval
	if interval <= 0 {
		interval = l.cfg.IdleTimeout / 4
		if interval < time.Second {
			interval = time.Second
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case now := <-ticker.C:
			l.sweeper.Sweep(now)
		}
	}
}
