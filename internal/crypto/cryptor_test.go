package crypto

import (
	"bytes"
	"testing"
)

func TestDeriveStreamKeyDeterministic(t *testing.T) {
	k1, err := DeriveStreamKey("hunter2", "chacha20")
	if err != nil {
		t.Fatalf("DeriveStreamKey: %v", err)
	}
	k2, err := DeriveStreamKey("hunter2", "chacha20")
	if err != nil {
		t.Fatalf("DeriveStreamKey: %v", err)
	}
	if k1 != k2 {
		t.Fatalf("same password/method produced different keys")
	}

	k3, err := DeriveStreamKey("hunter2", "rc4-md5")
	if err != nil {
		t.Fatalf("DeriveStreamKey: %v", err)
	}
	if k1 == k3 {
		t.Fatalf("different method produced the same key")
	}
}

func TestCryptorRoundTrip(t *testing.T) {
	key, err := DeriveStreamKey("correct horse battery staple", "chacha20")
	if err != nil {
		t.Fatalf("DeriveStreamKey: %v", err)
	}

	sender, err := NewCryptor(key)
	if err != nil {
		t.Fatalf("NewCryptor (sender): %v", err)
	}
	receiver, err := NewCryptor(key)
	if err != nil {
		t.Fatalf("NewCryptor (receiver): %v", err)
	}

	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	onWire := sender.Encrypt(plaintext) // iv auto-prepended on the first call

	got, err := receiver.Decrypt(onWire)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q, want %q", got, plaintext)
	}
	if !bytes.Equal(receiver.DecipherIV(), sender.CipherIV()) {
		t.Fatalf("receiver did not learn sender's iv")
	}
}

func TestCryptorStatefulAcrossCalls(t *testing.T) {
	key, _ := DeriveStreamKey("p", "chacha20")
	sender, _ := NewCryptor(key)
	receiver, _ := NewCryptor(key)

	first := sender.Encrypt([]byte("hello ")) // includes the prepended iv
	second := sender.Encrypt([]byte("world"))

	got1, err := receiver.Decrypt(first)
	if err != nil {
		t.Fatalf("Decrypt 1: %v", err)
	}
	got2, err := receiver.Decrypt(second)
	if err != nil {
		t.Fatalf("Decrypt 2: %v", err)
	}
	if string(got1)+string(got2) != "hello world" {
		t.Fatalf("got %q %q, want split of %q", got1, got2, "hello world")
	}
}

func TestCryptorDecryptSplitIVAcrossCalls(t *testing.T) {
	key, _ := DeriveStreamKey("p", "chacha20")
	sender, _ := NewCryptor(key)
	receiver, _ := NewCryptor(key)

	onWire := sender.Encrypt([]byte("split me"))

	var got []byte
	for i := 0; i < len(onWire); i++ {
		chunk, err := receiver.Decrypt(onWire[i : i+1])
		if err != nil {
			t.Fatalf("Decrypt byte %d: %v", i, err)
		}
		got = append(got, chunk...)
	}
	if string(got) != "split me" {
		t.Fatalf("got %q, want %q", got, "split me")
	}
	if !bytes.Equal(receiver.DecipherIV(), sender.CipherIV()) {
		t.Fatalf("receiver did not learn sender's iv despite byte-at-a-time delivery")
	}
}

func TestCryptorKeyAndIVLengths(t *testing.T) {
	key, _ := DeriveStreamKey("p", "chacha20")
	c, err := NewCryptor(key)
	if err != nil {
		t.Fatalf("NewCryptor: %v", err)
	}
	if len(c.Key()) != StreamKeySize {
		t.Fatalf("Key() length = %d, want %d", len(c.Key()), StreamKeySize)
	}
	if len(c.CipherIV()) != IVSize {
		t.Fatalf("CipherIV() length = %d, want %d", len(c.CipherIV()), IVSize)
	}
	if c.DecipherIV() != nil {
		t.Fatalf("DecipherIV() should be nil before any Decrypt call")
	}
}
