package util

import (
	"strings"
	"testing"
)

func TestRandomCode(t *testing.T) {
	code, err := RandomCode(12)
	if err != nil {
		t.Fatalf("RandomCode: %v", err)
	}
	if len(code) != 12 {
		t.Fatalf("got %d chars, want 12", len(code))
	}
	for _, r := range code {
		if !strings.ContainsRune("23456789ABCDEFGHJKLMNPQRSTVWXYZ", r) {
			t.Fatalf("code contains disallowed character %q", r)
		}
	}
}

func TestRandomCodeUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code, err := RandomCode(8)
		if err != nil {
			t.Fatalf("RandomCode: %v", err)
		}
		if seen[code] {
			t.Fatalf("duplicate code %q after %d draws", code, i)
		}
		seen[code] = true
	}
}

func TestRandomToken(t *testing.T) {
	tok, err := RandomToken(32)
	if err != nil {
		t.Fatalf("RandomToken: %v", err)
	}
	if tok == "" {
		t.Fatal("empty token")
	}
	if strings.ContainsAny(tok, "+/=") {
		t.Fatalf("token %q is not URL-safe", tok)
	}
	tok2, err := RandomToken(32)
	if err != nil {
		t.Fatalf("RandomToken: %v", err)
	}
	if tok == tok2 {
		t.Fatal("two tokens should not collide")
	}
}

func TestRandomBytesLength(t *testing.T) {
	b, err := RandomBytes(16)
	if err != nil {
		t.Fatalf("RandomBytes: %v", err)
	}
	if len(b) != 16 {
		t.Fatalf("got %d bytes, want 16", len(b))
	}
}
