// Package token issues and verifies the broker's signed identity tokens.
//
// A token is a short-lived assertion binding an email address, an
// audience (the relying application's origin) and the nonce that
// application supplied, signed with the broker's current key.
package token

import (
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jmcleod/hermod/keys"
)

// ErrInvalid indicates a token failed signature or claim validation.
var ErrInvalid = errors.New("invalid identity token")

// Claims are the verified contents of an identity token.
type Claims struct {
	Issuer   string
	Audience string
	Email    string
	Nonce    string
	IssuedAt time.Time
	Expires  time.Time
}

type idTokenClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Nonce string `json:"nonce"`
}

// Issuer signs identity tokens for one broker instance.
type Issuer struct {
	// PublicURL is the broker's own origin, used as the iss claim.
	PublicURL string
	// TTL is the token validity window. Tokens are redeemed immediately
	// by the relying application, so this is minutes, not hours.
	TTL time.Duration
	// Now overrides the time source, for tests.
	Now func() time.Time
}

// Issue signs a token for email, bound to the audience and nonce.
func (i Issuer) Issue(key keys.Handle, email, audience, nonce string) (string, error) {
	method, err := signingMethod(key.Algorithm)
	if err != nil {
		return "", err
	}
	now := time.Now
	if i.Now != nil {
		now = i.Now
	}
	t := now()

	claims := idTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.PublicURL,
			Subject:   email,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(t),
			ExpiresAt: jwt.NewNumericDate(t.Add(i.TTL)),
		},
		Email: email,
		Nonce: nonce,
	}

	tok := jwt.NewWithClaims(method, claims)
	tok.Header["kid"] = key.KeyID

	// The jwt library type-asserts the concrete key type
	// (ed25519.PrivateKey, *rsa.PrivateKey) behind the crypto.Signer.
	signed, err := tok.SignedString(key.Signer)
	if err != nil {
		return "", fmt.Errorf("signing identity token: %w", err)
	}
	return signed, nil
}

// Verify checks a token's signature against the given public key set and
// returns its claims. Used by tests and by relying-party tooling; the
// broker itself never consumes its own tokens.
func Verify(raw string, set []keys.JWK, issuer string) (Claims, error) {
	var parsed idTokenClaims
	_, err := jwt.ParseWithClaims(raw, &parsed, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token has no kid header")
		}
		for _, jwk := range set {
			if jwk.Kid == kid {
				return publicKey(jwk)
			}
		}
		return nil, fmt.Errorf("no published key with kid %q", kid)
	},
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{string(keys.AlgEdDSA), string(keys.AlgRS256)}),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("%v: %w", err, ErrInvalid)
	}

	claims := Claims{
		Issuer: parsed.Issuer,
		Email:  parsed.Email,
		Nonce:  parsed.Nonce,
	}
	if len(parsed.Audience) > 0 {
		claims.Audience = parsed.Audience[0]
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time
	}
	if parsed.ExpiresAt != nil {
		claims.Expires = parsed.ExpiresAt.Time
	}
	return claims, nil
}

func signingMethod(alg keys.Algorithm) (jwt.SigningMethod, error) {
	switch alg {
	case keys.AlgEdDSA:
		return jwt.SigningMethodEdDSA, nil
	case keys.AlgRS256:
		return jwt.SigningMethodRS256, nil
	}
	return nil, fmt.Errorf("unsupported signing algorithm %q", alg)
}

// publicKey reconstructs a verification key from its published JWK form.
func publicKey(jwk keys.JWK) (any, error) {
	switch jwk.Kty {
	case "OKP":
		if jwk.Crv != "Ed25519" {
			return nil, fmt.Errorf("unsupported OKP curve %q", jwk.Crv)
		}
		x, err := base64.RawURLEncoding.DecodeString(jwk.X)
		if err != nil {
			return nil, fmt.Errorf("decoding x: %w", err)
		}
		if len(x) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("bad Ed25519 key length %d", len(x))
		}
		return ed25519.PublicKey(x), nil
	case "RSA":
		n, err := base64.RawURLEncoding.DecodeString(jwk.N)
		if err != nil {
			return nil, fmt.Errorf("decoding n: %w", err)
		}
		e, err := base64.RawURLEncoding.DecodeString(jwk.E)
		if err != nil {
			return nil, fmt.Errorf("decoding e: %w", err)
		}
		return &rsa.PublicKey{
			N: new(big.Int).SetBytes(n),
			E: int(new(big.Int).SetBytes(e).Int64()),
		}, nil
	}
	return nil, fmt.Errorf("unsupported key type %q", jwk.Kty)
}
