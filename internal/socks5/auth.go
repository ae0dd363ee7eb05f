// Package socks5 implements the wire-level pieces of RFC 1928 this relay
// actually speaks: "no authentication" method selection and the
// CONNECT/UDP ASSOCIATE request line. Everything else RFC 1928 defines
// (GSSAPI, username/password, BIND) is out of scope.
package socks5

// Authentication method constants per RFC 1928.
const (
	AuthMethodNoAuth       = 0x00
	AuthMethodNoAcceptable = 0xFF
)

// NoAuthAuthenticator is the only authenticator this relay offers: it
// accepts a connection unconditionally, matching spec.md's restriction to
// the "no-auth" method.
type NoAuthAuthenticator struct{}

// GetMethod returns the no-auth method code.
func (NoAuthAuthenticator) GetMethod() byte { return AuthMethodNoAuth }
