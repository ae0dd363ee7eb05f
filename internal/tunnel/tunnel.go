// Package tunnel holds the client role's "tunnel mode" configuration: a
// fixed destination that bypasses SOCKS5 negotiation entirely. When set,
// every accepted connection starts in the ADDR stage with this destination,
// as if the SOCKS5 request had already named it.
package tunnel

import "fmt"

// Endpoint is a fixed tunnel destination: traffic accepted on the client's
// local listen port is funneled straight to Remote/RemotePort, and the
// client's own listen port is exposed here for diagnostics/logging.
type Endpoint struct {
	Remote     string
	RemotePort uint16
	ListenPort uint16
}

// Enabled reports whether tunnel mode is configured: the INIT stage (SOCKS5
// negotiation) is skipped only when a remote destination is present.
func (e Endpoint) Enabled() bool {
	return e.Remote != ""
}

// Address formats the fixed destination as host:port for dialing/logging.
func (e Endpoint) Address() string {
	return fmt.Sprintf("%s:%d", e.Remote, e.RemotePort)
}
