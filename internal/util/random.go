package util

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
)

// allowedCodeChars excludes characters that are easily confused when read
// from an email (0/O, 1/I/L, etc.).
var allowedCodeChars = []rune("23456789ABCDEFGHJKLMNPQRSTVWXYZ")

// RandomCode returns a short human-readable code of n characters, suitable
// for typing or pasting from an email.
func RandomCode(n int) (string, error) {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		idx, err := RandomIntn(len(allowedCodeChars))
		if err != nil {
			return "", fmt.Errorf("generating random code index: %w", err)
		}
		sb.WriteRune(allowedCodeChars[idx])
	}
	return sb.String(), nil
}

func RandomIntn(max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, fmt.Errorf("generating random number: %w", err)
	}
	return int(n.Int64()), nil
}

func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}

// RandomToken returns an unguessable URL-safe token of n random bytes.
func RandomToken(n int) (string, error) {
	b, err := RandomBytes(n)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
