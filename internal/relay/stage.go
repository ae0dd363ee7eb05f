package relay

// Role distinguishes the two relay endpoints sharing this package's state
// machine: a Handler's Role fixes which side of the SOCKS5 negotiation and
// which direction of one-time-auth framing it takes.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return "unknown"
	}
}

// Stage is a ConnectionHandler's position in its lifecycle. Every handler
// starts at StageInit (client) or StageAddr (server, and a tunnel-mode
// client, neither of which negotiates SOCKS5) and moves strictly forward
// until StageDestroyed.
type Stage int32

const (
	StageInit Stage = iota
	StageAddr
	StageUDPAssoc
	StageDNS
	StageConnecting
	StageStream
	StageDestroyed
)

func (s Stage) String() string {
	switch s {
	case StageInit:
		return "init"
	case StageAddr:
		return "addr"
	case StageUDPAssoc:
		return "udp_assoc"
	case StageDNS:
		return "dns"
	case StageConnecting:
		return "connecting"
	case StageStream:
		return "stream"
	case StageDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}
