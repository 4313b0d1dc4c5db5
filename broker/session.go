package broker

import (
	"crypto/subtle"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// LoginSession is one in-flight authentication attempt. It is immutable
// after creation and destroyed on redemption or TTL expiry. Only a
// fingerprint of the one-time code is stored, so a session-store
// compromise alone cannot redeem a session.
type LoginSession struct {
	Email        string    `json:"email"`
	ClientID     string    `json:"client_id"`
	RedirectURI  string    `json:"redirect_uri"`
	Nonce        string    `json:"nonce"`
	State        string    `json:"state,omitempty"`
	ResponseMode string    `json:"response_mode"`
	CodeHash     []byte    `json:"code_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// hashCode fingerprints a one-time code. Codes are generated uppercase;
// normalize user input the same way so pasted lowercase codes match.
func hashCode(code string) []byte {
	sum := blake2b.Sum256([]byte(strings.ToUpper(strings.TrimSpace(code))))
	return sum[:]
}

func (s LoginSession) codeMatches(code string) bool {
	return subtle.ConstantTimeCompare(s.CodeHash, hashCode(code)) == 1
}
