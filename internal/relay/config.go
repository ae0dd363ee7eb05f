package relay

import (
	"math/rand"
	"net"
	"time"

	"github.com/nimbusrelay/sstunnel/internal/crypto"
	"github.com/nimbusrelay/sstunnel/internal/tunnel"
)

// Upstream is one candidate server a client-role Handler may dial: a
// host/port pair drawn from the configured server list, per spec.md's
// "server accepts a single address or a list" option.
type Upstream struct {
	Host string
	Port uint16
}

// Config bundles everything a Handler needs that is shared across every
// connection accepted by the same Listener, mirroring the per-listener
// settings the original ties to one bound socket.
type Config struct {
	Role Role

	// StreamKey is the password-derived symmetric key both directions of
	// every Cryptor on this listener are built from.
	StreamKey [crypto.StreamKeySize]byte
	Method    string

	// OneTimeAuth gates whether this side frames/expects OTA chunking.
	// OneTimeAuthRequired additionally makes a server-role Handler refuse
	// (by silent ignore, not destroy) a session that omits it.
	OneTimeAuth         bool
	OneTimeAuthRequired bool

	FastOpen bool

	// Timeout is the configured idle window. The Handler applies no connect
	// or DNS deadline from it, and the Listener's TimeoutSweeper takes its
	// timeout from listener.Config.IdleTimeout rather than from this field.
	Timeout time.Duration

	// ForbiddenIPs rejects a resolved destination matching any of these
	// networks at the CONNECTING stage, client and server role alike.
	ForbiddenIPs []*net.IPNet

	// Upstreams is the client-role candidate server list; ChooseServer
	// picks one per connection the way _get_a_server does.
	Upstreams []Upstream

	// Tunnel, when Enabled, makes a client-role Handler skip SOCKS5
	// negotiation and the ADDR-stage request parse entirely.
	Tunnel tunnel.Endpoint

	ListenPort int

	// StatCallback reports bytes moved on this listener, wired straight
	// through to the TimeoutSweeper's own callback of the same shape.
	StatCallback func(listenPort int, bytes int)
}

// ChooseServer picks one candidate upstream at random, mirroring the
// original's unweighted _get_a_server.
func (c Config) ChooseServer() (Upstream, bool) {
	if len(c.Upstreams) == 0 {
		return Upstream{}, false
	}
	return c.Upstreams[rand.Intn(len(c.Upstreams))], true
}

// ForbidsIP reports whether ip falls inside any configured forbidden
// network.
func (c Config) ForbidsIP(ip net.IP) bool {
	for _, n := range c.ForbiddenIPs {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
