// Package fastopen wraps the platform-specific bits of TCP Fast Open: the
// listener-side socket option and the outbound sendto(MSG_FASTOPEN) that
// opens a connection carrying the first payload batch in the SYN.
package fastopen

import "errors"

// ErrUnsupported is returned when the running kernel rejects fast open
// outright (observed as ENOTCONN from the client-side sendto per the
// upstream implementation this core is derived from). Callers must disable
// the feature for the remainder of the process, matching spec.md's
// CONNECTING-stage disposition "disable feature, destroy current handler".
var ErrUnsupported = errors.New("fastopen: not supported by this kernel")

// Result reports the outcome of a Connect attempt.
type Result struct {
	// Sent is the number of bytes of the payload accepted into the kernel
	// alongside the SYN. Any remainder must be queued as a normal pending
	// write once the connection completes.
	Sent int

	// InProgress is true when the connect is still in flight (the SYN was
	// sent but no data could be queued yet); the caller should treat this
	// exactly like a non-blocking connect's EINPROGRESS and await
	// writability.
	InProgress bool
}
