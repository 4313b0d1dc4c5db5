// Package emailaddr parses and normalizes email addresses for use as
// authentication identifiers.
package emailaddr

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"golang.org/x/net/idna"
)

// ErrInvalid indicates the input is not a usable bare email address.
var ErrInvalid = errors.New("invalid email address")

// Address is a parsed, normalized email address. The domain is lowercased
// and IDNA-normalized so that equal addresses compare equal as strings.
type Address struct {
	LocalPart string
	Domain    string
}

// Parse validates and normalizes a bare address like "user@example.com".
// Display names, angle brackets and comments are rejected.
func Parse(raw string) (Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Address{}, fmt.Errorf("empty input: %w", ErrInvalid)
	}

	parsed, err := mail.ParseAddress(raw)
	if err != nil {
		return Address{}, fmt.Errorf("%v: %w", err, ErrInvalid)
	}
	// mail.ParseAddress accepts "Name <user@host>" forms; only the bare
	// address is a valid login hint.
	if parsed.Address != raw {
		return Address{}, fmt.Errorf("address must be bare: %w", ErrInvalid)
	}

	at := strings.LastIndexByte(raw, '@')
	if at <= 0 || at == len(raw)-1 {
		return Address{}, fmt.Errorf("missing local part or domain: %w", ErrInvalid)
	}
	local, domain := raw[:at], raw[at+1:]

	domain, err = idna.Lookup.ToASCII(strings.ToLower(domain))
	if err != nil {
		return Address{}, fmt.Errorf("normalizing domain: %w", ErrInvalid)
	}
	if !strings.Contains(domain, ".") {
		return Address{}, fmt.Errorf("domain has no dot: %w", ErrInvalid)
	}

	return Address{LocalPart: local, Domain: domain}, nil
}

// String returns the normalized address.
func (a Address) String() string {
	return a.LocalPart + "@" + a.Domain
}
