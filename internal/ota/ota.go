// Package ota implements shadowsocks-style one-time authentication framing:
// a per-session header MAC and a per-chunk MAC layered inside an already
// encrypted stream, both truncated HMAC-SHA1.
package ota

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"errors"
)

const (
	// MACSize is the size in bytes of both the per-session header MAC and
	// the per-chunk MAC (truncated HMAC-SHA1).
	MACSize = 10

	// LenPrefixSize is the size of the big-endian chunk length prefix.
	LenPrefixSize = 2

	// ChunkPrefixSize is the size of the len||mac prefix preceding each
	// chunk's payload on the wire.
	ChunkPrefixSize = LenPrefixSize + MACSize
)

// ErrMACMismatch is returned when a MAC fails to verify.
var ErrMACMismatch = errors.New("ota: mac verification failed")

func truncatedHMAC(key, data []byte) [MACSize]byte {
	mac := hmac.New(sha1.New, key)
	mac.Write(data)
	sum := mac.Sum(nil)
	var out [MACSize]byte
	copy(out[:], sum[:MACSize])
	return out
}

// HeaderMAC computes the per-session header MAC over header, keyed by
// iv||key as specified for the shadowsocks OTA session header.
func HeaderMAC(header, iv, key []byte) [MACSize]byte {
	k := make([]byte, 0, len(iv)+len(key))
	k = append(k, iv...)
	k = append(k, key...)
	return truncatedHMAC(k, header)
}

// VerifyHeaderMAC reports whether mac is the correct header MAC for header
// under iv||key.
func VerifyHeaderMAC(mac, header, iv, key []byte) bool {
	want := HeaderMAC(header, iv, key)
	return hmac.Equal(want[:], mac)
}

// chunkKey builds the per-chunk MAC key: iv || be_u32(chunkIndex).
func chunkKey(iv []byte, chunkIndex uint32) []byte {
	k := make([]byte, len(iv)+4)
	copy(k, iv)
	binary.BigEndian.PutUint32(k[len(iv):], chunkIndex)
	return k
}

// ChunkMAC computes the per-chunk MAC for payload under iv and chunkIndex.
func ChunkMAC(payload, iv []byte, chunkIndex uint32) [MACSize]byte {
	return truncatedHMAC(chunkKey(iv, chunkIndex), payload)
}

// FrameChunk encodes one outbound chunk: be_u16(len) || mac10 || payload.
// The caller is responsible for incrementing chunkIndex between calls.
func FrameChunk(payload, iv []byte, chunkIndex uint32) []byte {
	mac := ChunkMAC(payload, iv, chunkIndex)
	out := make([]byte, 0, ChunkPrefixSize+len(payload))
	var lenBuf [LenPrefixSize]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))
	out = append(out, lenBuf[:]...)
	out = append(out, mac[:]...)
	out = append(out, payload...)
	return out
}

// Reassembler incrementally reconstructs OTA-framed chunks from an inbound
// byte stream that may split any chunk at an arbitrary offset. Feed may be
// called repeatedly with successive reads; it returns the payloads of any
// chunks completed during this call. A chunk whose MAC fails to verify is
// dropped (not delivered) and the reassembler resets to look for the next
// chunk; it does not treat this as a fatal error.
type Reassembler struct {
	iv  []byte
	key []byte // unused for chunk MAC (kept for symmetry / introspection)

	headBuf []byte
	dataBuf []byte
	wantLen int
	chunkIdx uint32
	dropped  uint32
}

// NewReassembler creates a Reassembler keyed by the peer's direction IV.
func NewReassembler(iv []byte) *Reassembler {
	return &Reassembler{iv: append([]byte(nil), iv...)}
}

// ChunkIndex returns the number of chunks successfully verified so far.
func (r *Reassembler) ChunkIndex() uint32 {
	return r.chunkIdx
}

// Dropped returns the number of chunks discarded so far for failing MAC
// verification.
func (r *Reassembler) Dropped() uint32 {
	return r.dropped
}

// Feed consumes data and returns the plaintext payloads of any chunks it
// completed. Partial chunks are buffered internally across calls.
func (r *Reassembler) Feed(data []byte) ([][]byte, error) {
	var out [][]byte
	for len(data) > 0 {
		if r.wantLen == 0 {
			need := ChunkPrefixSize - len(r.headBuf)
			if need > len(data) {
				r.headBuf = append(r.headBuf, data...)
				return out, nil
			}
			r.headBuf = append(r.headBuf, data[:need]...)
			data = data[need:]
			r.wantLen = int(binary.BigEndian.Uint16(r.headBuf[:LenPrefixSize]))
		}

		need := r.wantLen - len(r.dataBuf)
		if need > len(data) {
			r.dataBuf = append(r.dataBuf, data...)
			return out, nil
		}
		r.dataBuf = append(r.dataBuf, data[:need]...)
		data = data[need:]

		mac := r.headBuf[LenPrefixSize:ChunkPrefixSize]
		want := ChunkMAC(r.dataBuf, r.iv, r.chunkIdx)
		if hmac.Equal(want[:], mac) {
			out = append(out, r.dataBuf)
			r.chunkIdx++
		} else {
			r.dropped++
		}
		// drop silently on mismatch; reset either way
		r.headBuf = nil
		r.dataBuf = nil
		r.wantLen = 0
	}
	return out, nil
}
