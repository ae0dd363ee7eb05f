package protocol

import "testing"

func TestParseHeaderIPv4(t *testing.T) {
	raw := BuildHeader("192.0.2.1", 80, false)
	h, err := ParseHeader(raw)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if h.Host != "192.0.2.1" || h.Port != 80 || h.Length != len(raw) {
		t.Fatalf("unexpected header: %+v", h)
	}
	if h.OTA() {
		t.Fatalf("expected OTA bit unset")
	}
}

func TestParseHeaderDomainWithOTA(t *testing.T) {
	raw := BuildHeader("example.com", 443, true)
	h, err := ParseHeader(raw)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if h.Host != "example.com" || h.Port != 443 {
		t.Fatalf("unexpected header: %+v", h)
	}
	if !h.OTA() {
		t.Fatalf("expected OTA bit set")
	}
	if h.BaseType() != AddrTypeDomain {
		t.Fatalf("BaseType = 0x%02x, want domain", h.BaseType())
	}
}

func TestParseHeaderIPv6(t *testing.T) {
	raw := BuildHeader("2001:db8::1", 53, false)
	h, err := ParseHeader(raw)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if h.Port != 53 {
		t.Fatalf("unexpected port: %d", h.Port)
	}
}

func TestParseHeaderShort(t *testing.T) {
	raw := BuildHeader("example.com", 443, false)
	for n := 0; n < len(raw); n++ {
		if _, err := ParseHeader(raw[:n]); err != ErrShortHeader {
			t.Fatalf("at length %d: got %v, want ErrShortHeader", n, err)
		}
	}
}

func TestParseHeaderBadAddrType(t *testing.T) {
	if _, err := ParseHeader([]byte{0x02, 0x00}); err == nil {
		t.Fatalf("expected error for unsupported address type")
	}
}
