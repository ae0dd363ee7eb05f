package relay

import (
	"net"

	"github.com/nimbusrelay/sstunnel/internal/crypto"
)

// readChunkSize is the size of the scratch buffer used to pull raw bytes
// off the wire while accumulating enough for the INIT/ADDR stages to parse
// a complete message; unlike the STREAM stage's pumps, these stages don't
// know ahead of time how many bytes a message needs, so reads are folded
// into a growing buffer instead of processed one read at a time.
const readChunkSize = 4096

// inbuf accumulates bytes read from conn, optionally decrypting each raw
// read through cryptor before buffering it. It exists because the INIT and
// ADDR stages need to parse a message whose length isn't known until a
// prefix of it has arrived, and — on the server role — those bytes are
// encrypted, so decryption has to happen on whatever a single Read call
// happened to return, the same granularity the stream cipher itself
// advances at.
type inbuf struct {
	conn    net.Conn
	cryptor *crypto.Cryptor // nil: bytes are read as-is, no decryption
	buf     []byte
}

func newInbuf(conn net.Conn, cryptor *crypto.Cryptor) *inbuf {
	return &inbuf{conn: conn, cryptor: cryptor}
}

// fillAtLeast reads from conn until at least n bytes are buffered.
func (b *inbuf) fillAtLeast(n int) error {
	scratch := make([]byte, readChunkSize)
	for len(b.buf) < n {
		rn, err := b.conn.Read(scratch)
		if rn > 0 {
			chunk := scratch[:rn]
			if b.cryptor != nil {
				dec, derr := b.cryptor.Decrypt(chunk)
				if derr != nil {
					return derr
				}
				chunk = dec
			}
			b.buf = append(b.buf, chunk...)
		}
		if len(b.buf) >= n {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// take removes and returns the first n buffered bytes.
func (b *inbuf) take(n int) []byte {
	out := append([]byte(nil), b.buf[:n]...)
	b.buf = append([]byte(nil), b.buf[n:]...)
	return out
}

// remainder returns and clears whatever is left buffered past whatever the
// caller has already taken — the first payload bytes that arrived bundled
// with the request/header, to be queued ahead of the STREAM stage.
func (b *inbuf) remainder() []byte {
	out := b.buf
	b.buf = nil
	return out
}
