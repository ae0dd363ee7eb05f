// Package crypto derives per-connection stream keys from a shared password
// and provides the stateful, directional stream cipher ("Cryptor") consumed
// by the relay's STREAM stage.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

const (
	// StreamKeySize is the chacha20 key size in bytes.
	StreamKeySize = chacha20.KeySize

	// IVSize is the size of the per-direction nonce prepended to the first
	// encrypted message sent in that direction, matching chacha20's
	// standard (non-X) nonce size.
	IVSize = chacha20.NonceSize

	cryptorHKDFInfo = "sstunnel-stream-key-v1"
)

// DeriveStreamKey derives a symmetric stream key from a shared password and
// method name. method is mixed into the HKDF info string so that changing
// the configured cipher name changes the derived key even for an unchanged
// password.
func DeriveStreamKey(password, method string) ([StreamKeySize]byte, error) {
	var key [StreamKeySize]byte
	info := []byte(cryptorHKDFInfo + "/" + method)
	reader := hkdf.New(sha256.New, []byte(password), nil, info)
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return key, fmt.Errorf("derive stream key: %w", err)
	}
	return key, nil
}

// Cryptor is the stateful stream-cipher context a ConnectionHandler holds
// for one direction pair of a connection: one Cryptor encrypts outbound
// bytes with a locally generated IV, and decrypts inbound bytes keyed by an
// IV read off the front of the peer's first message. It satisfies the
// encrypt(bytes)->bytes / decrypt(bytes)->bytes contract used throughout
// the STREAM stage, plus the cipher_iv/decipher_iv/key attributes read by
// the one-time-auth layer.
type Cryptor struct {
	key [StreamKeySize]byte

	mu         sync.Mutex
	encStream  *chacha20.Cipher
	decStream  *chacha20.Cipher
	cipherIV   []byte // generated locally; prepended to the first Encrypt output
	decipherIV []byte // learned from the front of the first Decrypt input
	ivPending  []byte // partial decipherIV accumulated across short reads
	ivSentOnce bool
}

// NewCryptor constructs a Cryptor bound to key. The cipher_iv is generated
// immediately (mirroring the original's eager IV generation) so that it is
// available to callers (e.g. OTA header construction) before the first
// byte is encrypted.
func NewCryptor(key [StreamKeySize]byte) (*Cryptor, error) {
	c := &Cryptor{key: key}
	c.cipherIV = make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, c.cipherIV); err != nil {
		return nil, fmt.Errorf("generate cipher iv: %w", err)
	}
	stream, err := chacha20.NewUnauthenticatedCipher(c.key[:], c.cipherIV)
	if err != nil {
		return nil, fmt.Errorf("init encrypt stream: %w", err)
	}
	c.encStream = stream
	return c, nil
}

// CipherIV returns the IV this side generated for its outbound stream. It
// is available immediately after construction (e.g. for one-time-auth
// header MACs computed before the first byte is ever encrypted), and is
// transparently prepended to the first Encrypt() output.
func (c *Cryptor) CipherIV() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.cipherIV...)
}

// DecipherIV returns the IV learned from the peer, or nil if Decrypt has
// not yet consumed one.
func (c *Cryptor) DecipherIV() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.decipherIV...)
}

// Key returns the raw symmetric key, as used to key the one-time-auth MACs.
func (c *Cryptor) Key() []byte {
	return append([]byte(nil), c.key[:]...)
}

// Encrypt XORs data against the outbound keystream, advancing it statefully
// across calls. The first call prepends cipher_iv to the returned bytes, so
// the peer's Decrypt can learn it without any separate handshake message.
func (c *Cryptor) Encrypt(data []byte) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []byte
	if !c.ivSentOnce {
		out = make([]byte, len(c.cipherIV), len(c.cipherIV)+len(data))
		copy(out, c.cipherIV)
		c.ivSentOnce = true
	} else {
		out = make([]byte, 0, len(data))
	}
	ct := make([]byte, len(data))
	c.encStream.XORKeyStream(ct, data)
	return append(out, ct...)
}

// Decrypt XORs data against the inbound keystream. The first call(s) consume
// IVSize bytes off the front of the stream to learn decipherIV before
// decrypting anything; because a caller may hand Decrypt whatever a single
// socket read happened to return, the IV itself may arrive split across
// several calls, so partial IV bytes are buffered rather than rejected.
// Once the stream is initialised, every call decrypts its full input.
func (c *Cryptor) Decrypt(data []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.decStream == nil {
		need := IVSize - len(c.ivPending)
		if len(data) < need {
			c.ivPending = append(c.ivPending, data...)
			return nil, nil
		}
		c.ivPending = append(c.ivPending, data[:need]...)
		data = data[need:]
		c.decipherIV = c.ivPending
		c.ivPending = nil

		stream, err := chacha20.NewUnauthenticatedCipher(c.key[:], c.decipherIV)
		if err != nil {
			return nil, fmt.Errorf("init decrypt stream: %w", err)
		}
		c.decStream = stream
	}

	out := make([]byte, len(data))
	c.decStream.XORKeyStream(out, data)
	return out, nil
}
