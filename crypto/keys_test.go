package crypto

import (
	"strings"
	"testing"
)

func TestAddressRoundTrip(t *testing.T) {
	raw := DeriveAddress("alice")
	encoded := FromRaw(raw).String()
	if !strings.HasPrefix(encoded, "esc1") {
		t.Fatalf("unexpected encoding %q", encoded)
	}
	decoded, err := ParsePrincipal(encoded)
	if err != nil {
		t.Fatalf("parse principal: %v", err)
	}
	if decoded != raw {
		t.Fatalf("round trip mismatch: %x vs %x", decoded, raw)
	}
}

func TestDeriveAddressIsDeterministic(t *testing.T) {
	if DeriveAddress("vault") != DeriveAddress("vault") {
		t.Fatalf("expected deterministic derivation")
	}
	if DeriveAddress("vault") == DeriveAddress("treasury") {
		t.Fatalf("expected distinct derivations")
	}
}

func TestDecodeAddressRejectsForeignPrefix(t *testing.T) {
	foreign := NewAddress("btc", make([]byte, 20)).String()
	if _, err := DecodeAddress(foreign); err == nil {
		t.Fatalf("expected prefix error")
	}
	if _, err := DecodeAddress("not-an-address"); err == nil {
		t.Fatalf("expected decode error")
	}
}
